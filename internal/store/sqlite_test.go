package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/seantiz/turbit/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestRun() *model.Run {
	return &model.Run{
		ID:        model.NewID(),
		Function:  "double",
		Mode:      model.ModeExtended,
		Status:    model.StatusPending,
		Power:     70,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()

	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}

	if got.ID != r.ID {
		t.Errorf("ID = %q, want %q", got.ID, r.ID)
	}
	if got.Function != r.Function {
		t.Errorf("Function = %q, want %q", got.Function, r.Function)
	}
	if got.Mode != r.Mode {
		t.Errorf("Mode = %q, want %q", got.Mode, r.Mode)
	}
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want pending", got.Status)
	}
	if got.Power != 70 {
		t.Errorf("Power = %v, want 70", got.Power)
	}
	if !got.CreatedAt.Equal(r.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, r.CreatedAt)
	}
	if got.StartedAt != nil || got.FinishedAt != nil {
		t.Errorf("StartedAt/FinishedAt = %v/%v, want nil", got.StartedAt, got.FinishedAt)
	}
	if got.NumProcesses != nil {
		t.Errorf("NumProcesses = %v, want nil", *got.NumProcesses)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun error = %v, want ErrNotFound", err)
	}
}

func TestListRunsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		r := makeTestRun()
		r.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second).Truncate(time.Second)
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun[%d]: %v", i, err)
		}
	}

	runs, total, err := s.ListRuns(ctx, 2, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(runs) != 2 {
		t.Errorf("len(runs) = %d, want 2", len(runs))
	}

	runs2, _, err := s.ListRuns(ctx, 2, 4)
	if err != nil {
		t.Fatalf("ListRuns page 3: %v", err)
	}
	if len(runs2) != 1 {
		t.Errorf("len(runs) page 3 = %d, want 1", len(runs2))
	}
}

func TestListRunsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		r := makeTestRun()
		r.CreatedAt = time.Date(2026, 1, 1+i, 0, 0, 0, 0, time.UTC)
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun[%d]: %v", i, err)
		}
	}

	runs, _, err := s.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	for i := 1; i < len(runs); i++ {
		if runs[i].CreatedAt.After(runs[i-1].CreatedAt) {
			t.Errorf("runs not in DESC order at %d: %v > %v", i, runs[i].CreatedAt, runs[i-1].CreatedAt)
		}
	}
}

func TestListRunsEmpty(t *testing.T) {
	s := newTestStore(t)

	runs, total, err := s.ListRuns(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if total != 0 {
		t.Errorf("total = %d, want 0", total)
	}
	if runs != nil {
		t.Errorf("runs = %v, want nil", runs)
	}
}

func TestUpdateRunStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := s.UpdateRunStatus(ctx, r.ID, model.StatusRunning); err != nil {
		t.Fatalf("pending->running: %v", err)
	}
	got, _ := s.GetRun(ctx, r.ID)
	if got.Status != model.StatusRunning {
		t.Errorf("Status = %q, want running", got.Status)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt is nil after running")
	}

	if err := s.UpdateRunStatus(ctx, r.ID, model.StatusKilled); err != nil {
		t.Fatalf("running->killed: %v", err)
	}
	got, _ = s.GetRun(ctx, r.ID)
	if got.FinishedAt == nil {
		t.Error("FinishedAt is nil after killed")
	}
}

func TestUpdateRunStatusInvalidTransition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	err := s.UpdateRunStatus(ctx, r.ID, model.StatusCompleted)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("pending->completed error = %v, want ErrInvalidTransition", err)
	}

	got, _ := s.GetRun(ctx, r.ID)
	if got.Status != model.StatusPending {
		t.Errorf("Status = %q, want unchanged pending", got.Status)
	}
}

func TestUpdateRunStatusNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateRunStatus(context.Background(), "nonexistent", model.StatusRunning)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRunStatus error = %v, want ErrNotFound", err)
	}
}

func TestFinishRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	if err := s.UpdateRunStatus(ctx, r.ID, model.StatusRunning); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	procs, processed, dur := 4, 8, 120
	mem := int64(24_000_000)
	r.Status = model.StatusCompleted
	r.NumProcesses = &procs
	r.DataProcessed = &processed
	r.MemoryBytes = &mem
	r.DurationMS = &dur
	r.Output = []byte(`[2,4,6]`)

	if err := s.FinishRun(ctx, r); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if got.NumProcesses == nil || *got.NumProcesses != 4 {
		t.Errorf("NumProcesses = %v, want 4", got.NumProcesses)
	}
	if got.MemoryBytes == nil || *got.MemoryBytes != mem {
		t.Errorf("MemoryBytes = %v, want %d", got.MemoryBytes, mem)
	}
	if string(got.Output) != `[2,4,6]` {
		t.Errorf("Output = %s, want [2,4,6]", got.Output)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt lost by FinishRun")
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
}

func TestFinishRunRejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	r := makeTestRun()
	r.Status = model.StatusRunning

	if err := s.FinishRun(context.Background(), r); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("FinishRun error = %v, want ErrInvalidTransition", err)
	}
}

func TestFinishRunNotFound(t *testing.T) {
	s := newTestStore(t)
	r := makeTestRun()
	r.Status = model.StatusFailed

	if err := s.FinishRun(context.Background(), r); !errors.Is(err, ErrNotFound) {
		t.Errorf("FinishRun error = %v, want ErrNotFound", err)
	}
}

func TestGetRunStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	finish := func(fn, status string, durMS, processed int) {
		r := makeTestRun()
		r.Function = fn
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		r.Status = status
		r.DurationMS = &durMS
		r.DataProcessed = &processed
		if err := s.FinishRun(ctx, r); err != nil {
			t.Fatalf("FinishRun: %v", err)
		}
	}
	finish("double", model.StatusCompleted, 100, 4)
	finish("double", model.StatusFailed, 300, 0)
	finish("square", model.StatusCompleted, 200, 6)

	stats, err := s.GetRunStats(ctx)
	if err != nil {
		t.Fatalf("GetRunStats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("Total = %d, want 3", stats.Total)
	}
	if stats.CountByStatus[model.StatusCompleted] != 2 || stats.CountByStatus[model.StatusFailed] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.CountByFunction["double"] != 2 || stats.CountByFunction["square"] != 1 {
		t.Errorf("CountByFunction = %v", stats.CountByFunction)
	}
	if stats.AvgDurationMS != 200 {
		t.Errorf("AvgDurationMS = %v, want 200", stats.AvgDurationMS)
	}
	if stats.TotalDataProcessed != 10 {
		t.Errorf("TotalDataProcessed = %d, want 10", stats.TotalDataProcessed)
	}
}

func TestGetRunStatsEmpty(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.GetRunStats(context.Background())
	if err != nil {
		t.Fatalf("GetRunStats: %v", err)
	}
	if stats.Total != 0 || stats.AvgDurationMS != 0 {
		t.Errorf("stats = %+v, want zero", stats)
	}
	if stats.CountByStatus == nil {
		t.Error("CountByStatus is nil, want empty map")
	}
}
