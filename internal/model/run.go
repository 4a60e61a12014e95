package model

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusKilled    = "killed"
)

// Execution modes.
const (
	ModeSimple   = "simple"
	ModeExtended = "extended"
)

// validTransitions maps each run status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusKilled:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusKilled:    true,
	},
}

// ValidTransition reports whether a run may move from one status to another.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final run status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusKilled
}

// NewID generates a new ULID string for use as an entity identifier.
func NewID() string {
	return ulid.Make().String()
}

// Run is the recorded history of one engine run.
type Run struct {
	ID            string          `json:"id"`
	Function      string          `json:"function"`
	Mode          string          `json:"mode"`
	Status        string          `json:"status"`
	Power         float64         `json:"power"`
	NumProcesses  *int            `json:"num_processes,omitempty"`
	DataProcessed *int            `json:"data_processed,omitempty"`
	MemoryBytes   *int64          `json:"memory_bytes,omitempty"`
	DurationMS    *int            `json:"duration_ms,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         string          `json:"error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
}
