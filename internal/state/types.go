package state

import "time"

// Planet statuses.
const (
	PlanetQueued     = "queued"
	PlanetProcessing = "processing"
	PlanetError      = "error"
)

// Server statuses.
const (
	ServerOffline        = "offline"
	ServerNotInitialized = "not_initialized"
	ServerIdle           = "idle"
	ServerBusy           = "busy"
	ServerNotResponding  = "not_responding"
)

// Task history statuses.
const (
	TaskStarted   = "started"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskTimeout   = "timeout"
)

// PlanetRecord is one unit of periodic work. Status is processing exactly
// when ProcessingServerID is set; a planet sits in the pending index exactly
// when Status is queued or error.
type PlanetRecord struct {
	ID                 string
	SeasonID           int
	RoundID            int
	CurrentRoundNumber int
	NextRoundTime      time.Time
	Status             string
	LastProcessed      time.Time
	ProcessingServerID string
	ErrorRetryCount    int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// ServerRecord tracks one Unity worker. Status is busy exactly when
// CurrentTask is set. Resource gauges arrive via heartbeat frames.
type ServerRecord struct {
	ID             string
	IP             string
	Status         string
	LastHeartbeat  time.Time
	IdleCPU        float64
	MaxCPU         float64
	IdleRAM        float64
	MaxRAM         float64
	Disk           float64
	CurrentTask    string
	TotalAssigned  int
	TotalCompleted int
	TotalFailed    int
	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// TaskHistoryRecord is one attempt row. Retries of the same planet reuse
// the latest failed row instead of appending, so history stays bounded
// under retry storms.
type TaskHistoryRecord struct {
	ID              int64
	PlanetID        string
	ServerID        string
	StartTime       time.Time
	EndTime         time.Time
	Status          string
	ErrorMessage    string
	DurationSeconds float64
}

// PendingEntry is one member of the pending-due index.
type PendingEntry struct {
	PlanetID string
	Due      time.Time
}
