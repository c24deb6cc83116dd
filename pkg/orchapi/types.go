// Package orchapi holds the wire types shared between the orchestrator, the
// Unity worker fleet, and API clients. Everything on the wire is JSON; frames
// carry a required "type" discriminator, datetimes are RFC 3339 with an
// explicit offset.
package orchapi

import "time"

// Worker-facing frame type discriminators.
const (
	FrameHeartbeat    = "heartbeat"
	FrameStatusUpdate = "status_update"
	FrameJobDone      = "job_done"
	FrameJobSkipped   = "job_skipped"
	FrameError        = "error"
	FrameDisconnect   = "disconnect"

	FrameAssignJob = "assign_job"
	FrameCommand   = "command"
	FramePong      = "pong"
)

// HeartbeatFrame reports liveness plus resource gauges. Gauges are optional;
// absent fields leave the stored value untouched.
type HeartbeatFrame struct {
	Type    string   `json:"type"`
	IdleCPU *float64 `json:"idle_cpu,omitempty"`
	MaxCPU  *float64 `json:"max_cpu,omitempty"`
	IdleRAM *float64 `json:"idle_ram,omitempty"`
	MaxRAM  *float64 `json:"max_ram,omitempty"`
	Disk    *float64 `json:"disk,omitempty"`
}

// StatusUpdateFrame announces a worker-side state change.
type StatusUpdateFrame struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

// JobDoneFrame reports a successful round calculation. The worker is the
// authoritative source for season/round bookkeeping when it supplies those
// fields. map_id and next_calculation_time are accepted as legacy aliases
// from older client builds.
type JobDoneFrame struct {
	Type                string `json:"type"`
	PlanetID            string `json:"planet_id,omitempty"`
	MapID               string `json:"map_id,omitempty"`
	NextRoundTime       string `json:"next_round_time,omitempty"`
	NextCalculationTime string `json:"next_calculation_time,omitempty"`
	SeasonID            *int   `json:"season_id,omitempty"`
	RoundID             *int   `json:"round_id,omitempty"`
	RoundNumber         *int   `json:"round_number,omitempty"`
}

// Planet resolves the planet id across the legacy alias.
func (f *JobDoneFrame) Planet() string {
	if f.PlanetID != "" {
		return f.PlanetID
	}
	return f.MapID
}

// NextRound resolves the next due time across the legacy alias.
func (f *JobDoneFrame) NextRound() string {
	if f.NextRoundTime != "" {
		return f.NextRoundTime
	}
	return f.NextCalculationTime
}

// JobSkippedFrame reports that the worker declined the round without failing
// it: the planet is re-queued at the supplied time and the worker earns no
// completion credit.
type JobSkippedFrame struct {
	Type                string `json:"type"`
	PlanetID            string `json:"planet_id,omitempty"`
	MapID               string `json:"map_id,omitempty"`
	NextRoundTime       string `json:"next_round_time,omitempty"`
	NextCalculationTime string `json:"next_calculation_time,omitempty"`
	Reason              string `json:"reason,omitempty"`
}

func (f *JobSkippedFrame) Planet() string {
	if f.PlanetID != "" {
		return f.PlanetID
	}
	return f.MapID
}

func (f *JobSkippedFrame) NextRound() string {
	if f.NextRoundTime != "" {
		return f.NextRoundTime
	}
	return f.NextCalculationTime
}

// ErrorFrame reports a failed round calculation.
type ErrorFrame struct {
	Type     string `json:"type"`
	PlanetID string `json:"planet_id,omitempty"`
	MapID    string `json:"map_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (f *ErrorFrame) Planet() string {
	if f.PlanetID != "" {
		return f.PlanetID
	}
	return f.MapID
}

// DisconnectFrame announces a graceful shutdown; the session closes as
// offline rather than not_responding.
type DisconnectFrame struct {
	Type string `json:"type"`
}

// AssignJobFrame dispatches a round calculation to a worker.
type AssignJobFrame struct {
	Type     string `json:"type"`
	PlanetID string `json:"planet_id"`
	SeasonID int    `json:"season_id"`
	RoundID  int    `json:"round_id"`
}

// CommandFrame carries an administrative command to a worker.
type CommandFrame struct {
	Type    string         `json:"type"`
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// PongFrame acknowledges a heartbeat.
type PongFrame struct {
	Type       string `json:"type"`
	ServerTime string `json:"server_time"`
}

// CreatePlanetRequest registers a new planet. map_id is a legacy alias for
// planet_id.
type CreatePlanetRequest struct {
	PlanetID           string `json:"planet_id,omitempty"`
	MapID              string `json:"map_id,omitempty"`
	SeasonID           int    `json:"season_id"`
	RoundID            int    `json:"round_id,omitempty"`
	CurrentRoundNumber int    `json:"current_round_number,omitempty"`
}

func (r *CreatePlanetRequest) Planet() string {
	if r.PlanetID != "" {
		return r.PlanetID
	}
	return r.MapID
}

// SubmitResultRequest is the HTTP fallback for the job_done frame.
type SubmitResultRequest struct {
	PlanetID            string `json:"planet_id,omitempty"`
	MapID               string `json:"map_id,omitempty"`
	ServerID            string `json:"server_id"`
	NextRoundTime       string `json:"next_round_time,omitempty"`
	NextCalculationTime string `json:"next_calculation_time,omitempty"`
}

func (r *SubmitResultRequest) Planet() string {
	if r.PlanetID != "" {
		return r.PlanetID
	}
	return r.MapID
}

func (r *SubmitResultRequest) NextRound() string {
	if r.NextRoundTime != "" {
		return r.NextRoundTime
	}
	return r.NextCalculationTime
}

// CommandRequest forwards an administrative command to a connected worker.
type CommandRequest struct {
	ServerID string         `json:"server_id"`
	Action   string         `json:"action"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// PlanetSnapshot is the API projection of a planet.
type PlanetSnapshot struct {
	PlanetID           string  `json:"planet_id"`
	SeasonID           int     `json:"season_id"`
	RoundID            int     `json:"round_id"`
	CurrentRoundNumber int     `json:"current_round_number"`
	NextRoundTime      string  `json:"next_round_time"`
	Status             string  `json:"status"`
	LastProcessed      *string `json:"last_processed,omitempty"`
	ProcessingServerID string  `json:"processing_server_id,omitempty"`
	ErrorRetryCount    int     `json:"error_retry_count"`
}

// ServerSnapshot is the API projection of a worker.
type ServerSnapshot struct {
	ServerID       string  `json:"server_id"`
	ServerIP       string  `json:"server_ip"`
	Status         string  `json:"status"`
	LastHeartbeat  *string `json:"last_heartbeat,omitempty"`
	IdleCPU        float64 `json:"idle_cpu_usage"`
	MaxCPU         float64 `json:"max_cpu_usage"`
	IdleRAM        float64 `json:"idle_ram_usage"`
	MaxRAM         float64 `json:"max_ram_usage"`
	Disk           float64 `json:"disk_usage"`
	CurrentTask    string  `json:"current_task,omitempty"`
	TotalAssigned  int     `json:"total_assigned"`
	TotalCompleted int     `json:"total_completed"`
	TotalFailed    int     `json:"total_failed"`
	ConnectedAt    *string `json:"connected_at,omitempty"`
	DisconnectedAt *string `json:"disconnected_at,omitempty"`
}

// QueueStatus is the /queue snapshot.
type QueueStatus struct {
	QueueSize         int     `json:"queue_size"`
	NextDueTime       *string `json:"next_due_time"`
	IdleServers       int     `json:"idle_servers"`
	BusyServers       int     `json:"busy_servers"`
	OfflineServers    int     `json:"offline_servers"`
	QueuedPlanets     int     `json:"queued_planets"`
	ProcessingPlanets int     `json:"processing_planets"`
}

// TaskHistoryEntry is the dashboard projection of one attempt.
type TaskHistoryEntry struct {
	PlanetID        string  `json:"planet_id"`
	ServerID        string  `json:"server_id"`
	Status          string  `json:"status"`
	StartTime       string  `json:"start_time"`
	EndTime         *string `json:"end_time,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	ErrorMessage    string  `json:"error_message,omitempty"`
}

// FormatTime renders an instant the way the protocol expects it.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// ParseTime parses a protocol datetime. RFC 3339 with offset is canonical;
// a bare "Z"-less local form is rejected.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}
