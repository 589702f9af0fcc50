package domain

import "time"

// Outcome of a single attempt.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// AttemptRecord is one backend attempt of one job.
type AttemptRecord struct {
	JobID     string        `json:"job_id"`
	Backend   BackendID     `json:"backend"`
	Attempt   int           `json:"attempt"`
	StartedAt time.Time     `json:"started_at"`
	Outcome   Outcome       `json:"outcome"`
	Kind      ErrorKind     `json:"kind"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency"`
}

// DaemonStatus is the lifecycle status persisted by the retry daemon.
type DaemonStatus string

const (
	DaemonRunning   DaemonStatus = "running"
	DaemonWaiting   DaemonStatus = "waiting"
	DaemonSucceeded DaemonStatus = "succeeded"
	DaemonFailed    DaemonStatus = "failed"
	DaemonStopped   DaemonStatus = "stopped"
	DaemonExpired   DaemonStatus = "expired"
)

// DaemonState is the persisted progress of the continuous retry daemon.
type DaemonState struct {
	Job           GenerationJob `json:"job"`
	Attempt       int           `json:"attempt"`
	NextAttemptAt time.Time     `json:"next_attempt_at,omitzero"`
	Terminal      bool          `json:"terminal"`
	Status        DaemonStatus  `json:"status"`
	LastOutcome   Outcome       `json:"last_outcome,omitempty"`
	LastKind      ErrorKind     `json:"last_kind"`
	LastMessage   string        `json:"last_message,omitempty"`
	Artifact      string        `json:"artifact,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	PID           int           `json:"pid"`
}
