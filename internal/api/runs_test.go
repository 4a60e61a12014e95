package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/seantiz/turbit/internal/engine"
	"github.com/seantiz/turbit/internal/model"
)

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return resp
}

func TestRunExtended(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs", `{"function":"double","type":"extended","power":100,"data":[1,2,3]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d, want 200: %s", resp.StatusCode, body)
	}

	var res engine.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	var got []int
	for _, raw := range res.Data {
		var n int
		json.Unmarshal(raw, &n)
		got = append(got, n)
	}
	if len(got) != 3 || got[0] != 2 || got[1] != 4 || got[2] != 6 {
		t.Errorf("data = %v, want [2 4 6]", got)
	}
	if res.Stats.NumProcessesUsed != 2 {
		t.Errorf("numProcessesUsed = %d, want 2", res.Stats.NumProcessesUsed)
	}

	run, err := srv.store.GetRun(t.Context(), res.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != model.StatusCompleted {
		t.Errorf("recorded status = %q, want completed", run.Status)
	}
}

func TestRunSimpleDefaultsType(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs", `{"function":"hello","power":100}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var res engine.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Data) != 2 || string(res.Data[0]) != `"hello"` {
		t.Errorf("data = %s, want two hello results", res.Data)
	}
}

func TestRunBadRequests(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{name: "invalid JSON", body: `{not json`},
		{name: "missing function", body: `{"type":"simple"}`},
		{name: "unregistered function", body: `{"function":"nope"}`},
		{name: "unknown type", body: `{"function":"double","type":"turbo"}`},
		{name: "extended without data", body: `{"function":"double","type":"extended"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/v1/runs", tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestRunExecutionErrorResponse(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs", `{"function":"reject","type":"extended","data":[1]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}
	var body runErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Item == nil || *body.Item != 0 || body.Chunk == nil || *body.Chunk != 0 {
		t.Errorf("chunk/item = %v/%v, want 0/0", body.Chunk, body.Item)
	}
	if !strings.Contains(body.Error, "rejected") {
		t.Errorf("error = %q, want it to mention rejected", body.Error)
	}
	if body.RunID == "" {
		t.Error("run_id missing")
	}
}

func TestAsyncRunThenGet(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs/async", `{"function":"double","type":"extended","data":[5]}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var run model.Run
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.ID == "" || run.Function != "double" {
		t.Fatalf("run = %+v", run)
	}

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		r, err := http.Get(ts.URL + "/v1/runs/" + run.ID)
		if err != nil {
			t.Fatalf("GET run: %v", err)
		}
		var got model.Run
		json.NewDecoder(r.Body).Decode(&got)
		r.Body.Close()

		if got.Status == model.StatusCompleted {
			if string(got.Output) != "[10]" {
				t.Errorf("output = %s, want [10]", got.Output)
			}
			return
		}
		if model.IsTerminal(got.Status) {
			t.Fatalf("run ended with %q: %s", got.Status, got.Error)
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("async run did not complete")
}

func TestGetRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs/nonexistent")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListRuns(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/runs")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	var empty listRunsResponse
	json.NewDecoder(resp.Body).Decode(&empty)
	resp.Body.Close()
	if empty.Runs == nil || len(empty.Runs) != 0 || empty.Limit != defaultListLimit {
		t.Errorf("empty list = %+v, want [] with default limit", empty)
	}

	for range 3 {
		r := postJSON(t, ts.URL+"/v1/runs", `{"function":"hello","power":50}`)
		r.Body.Close()
	}

	resp, err = http.Get(ts.URL + "/v1/runs?limit=2&offset=0")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var page listRunsResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if page.Total != 3 || len(page.Runs) != 2 {
		t.Errorf("page = total %d, %d runs, want 3 and 2", page.Total, len(page.Runs))
	}
}

func TestKillEndpoint(t *testing.T) {
	srv := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/runs/async", `{"function":"nap","type":"extended","data":[20000]}`)
	var run model.Run
	json.NewDecoder(resp.Body).Decode(&run)
	resp.Body.Close()

	deadline := time.Now().Add(15 * time.Second)
	for {
		got, err := srv.store.GetRun(t.Context(), run.ID)
		if err == nil && got.Status == model.StatusRunning {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("run never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	kill := postJSON(t, ts.URL+"/v1/kill", `{}`)
	kill.Body.Close()
	if kill.StatusCode != http.StatusOK {
		t.Fatalf("kill status = %d, want 200", kill.StatusCode)
	}

	for {
		got, err := srv.store.GetRun(t.Context(), run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if got.Status == model.StatusKilled {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("run status = %q, want killed", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
