package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/turbit/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	srv := newTestServer(t)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 0 {
		t.Errorf("total = %d, want 0", stats.Total)
	}
	if stats.AvgDurationMS != 0 {
		t.Errorf("avg_duration_ms = %f, want 0", stats.AvgDurationMS)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	record := func(fn, status string, durMS int) {
		r := &model.Run{
			ID:        model.NewID(),
			Function:  fn,
			Mode:      model.ModeSimple,
			Status:    model.StatusPending,
			Power:     70,
			CreatedAt: time.Now().UTC(),
		}
		if err := srv.store.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		if status == model.StatusPending {
			return
		}
		r.Status = status
		r.DurationMS = &durMS
		if err := srv.store.FinishRun(ctx, r); err != nil {
			t.Fatalf("FinishRun: %v", err)
		}
	}
	record("double", model.StatusCompleted, 100)
	record("double", model.StatusCompleted, 300)
	record("hello", model.StatusFailed, 200)
	record("hello", model.StatusPending, 0)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var stats statsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if stats.Total != 4 {
		t.Errorf("total = %d, want 4", stats.Total)
	}
	if stats.ByStatus[model.StatusCompleted] != 2 {
		t.Errorf("by_status[completed] = %d, want 2", stats.ByStatus[model.StatusCompleted])
	}
	if stats.ByStatus[model.StatusPending] != 1 {
		t.Errorf("by_status[pending] = %d, want 1", stats.ByStatus[model.StatusPending])
	}
	if stats.ByFunction["hello"] != 2 {
		t.Errorf("by_function[hello] = %d, want 2", stats.ByFunction["hello"])
	}
	if stats.AvgDurationMS != 200 {
		t.Errorf("avg_duration_ms = %f, want 200", stats.AvgDurationMS)
	}
}
