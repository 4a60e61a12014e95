package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/turbit/internal/engine"
	"github.com/seantiz/turbit/internal/model"
)

// readSSE collects "event:"/"data:" pairs until the stream ends.
func readSSE(t *testing.T, resp *http.Response) []engine.Event {
	t.Helper()
	var events []engine.Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		var ev engine.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			t.Fatalf("decode event %q: %v", data, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestStreamEventsNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/nonexistent/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestStreamEventsFinishedRun(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	r := &model.Run{
		ID:        model.NewID(),
		Function:  "hello",
		Mode:      model.ModeSimple,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := srv.store.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	r.Status = model.StatusFailed
	r.Error = "boom"
	if err := srv.store.FinishRun(ctx, r); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/" + r.ID + "/events")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	events := readSSE(t, resp)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Type != engine.EventDone || events[0].Status != model.StatusFailed || events[0].Error != "boom" {
		t.Errorf("event = %+v, want failed done event", events[0])
	}
}

func TestStreamEventsLiveRun(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	// The first run holds the pool so the second is still pending when the
	// stream opens.
	hold := postJSON(t, ts.URL+"/v1/runs/async", `{"function":"nap","type":"extended","data":[500]}`)
	hold.Body.Close()

	resp := postJSON(t, ts.URL+"/v1/runs/async", `{"function":"double","type":"extended","power":100,"data":[1,2]}`)
	var run model.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()

	stream, err := http.Get(ts.URL + "/v1/runs/" + run.ID + "/events")
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer stream.Body.Close()

	events := readSSE(t, stream)
	if len(events) < 2 {
		t.Fatalf("got %d events, want at least started and done", len(events))
	}
	if events[0].Type != engine.EventStarted {
		t.Errorf("first event = %q, want started", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != engine.EventDone || last.Status != model.StatusCompleted {
		t.Errorf("last event = %+v, want completed done event", last)
	}
	for _, ev := range events {
		if ev.RunID != run.ID {
			t.Errorf("event for run %q on stream of %q", ev.RunID, run.ID)
		}
	}
}
