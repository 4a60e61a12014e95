package store

import (
	"context"
	"errors"

	"github.com/seantiz/turbit/internal/model"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate run history statistics.
type RunStats struct {
	Total              int            `json:"total"`
	CountByStatus      map[string]int `json:"count_by_status"`
	CountByFunction    map[string]int `json:"count_by_function"`
	AvgDurationMS      float64        `json:"avg_duration_ms"`
	TotalDataProcessed int            `json:"total_data_processed"`
}

// Store defines the persistence operations for run history.
type Store interface {
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	FinishRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context) (*RunStats, error)
	Close() error
}
