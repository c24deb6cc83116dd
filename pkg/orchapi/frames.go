package orchapi

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownFrame marks a frame whose type is not in the catalog. Callers
// log and ignore these; they are not fatal to the session.
var ErrUnknownFrame = errors.New("unknown frame type")

type envelope struct {
	Type string `json:"type"`
}

// ParseInbound decodes one worker frame into its typed form. A malformed
// payload or a missing type discriminator is a protocol violation and
// returns a non-ErrUnknownFrame error; the session closes on those.
func ParseInbound(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if env.Type == "" {
		return nil, errors.New("frame missing type discriminator")
	}

	switch env.Type {
	case FrameHeartbeat:
		var f HeartbeatFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed heartbeat frame: %w", err)
		}
		return &f, nil
	case FrameStatusUpdate:
		var f StatusUpdateFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed status_update frame: %w", err)
		}
		return &f, nil
	case FrameJobDone:
		var f JobDoneFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed job_done frame: %w", err)
		}
		return &f, nil
	case FrameJobSkipped:
		var f JobSkippedFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed job_skipped frame: %w", err)
		}
		return &f, nil
	case FrameError:
		var f ErrorFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed error frame: %w", err)
		}
		return &f, nil
	case FrameDisconnect:
		var f DisconnectFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed disconnect frame: %w", err)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
}
