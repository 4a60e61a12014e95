// Package aggregate reassembles per-chunk results in input order and merges
// per-worker statistics for a run.
package aggregate

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// WorkerStats describes one worker's share of a run.
type WorkerStats struct {
	PID         int     `json:"pid"`
	Chunk       int     `json:"chunk"`
	Items       int     `json:"items"`
	ElapsedSecs float64 `json:"elapsed_seconds"`
	MemoryBytes uint64  `json:"memory_bytes"`
}

// Stats summarizes a completed run. MemoryUsedBytes is the sum of the resident
// set sizes reported by each worker used, sampled after its chunk.
type Stats struct {
	TimeTakenSeconds float64       `json:"timeTakenSeconds"`
	NumProcessesUsed int           `json:"numProcessesUsed"`
	DataProcessed    int           `json:"dataProcessed"`
	MemoryUsedBytes  uint64        `json:"memoryUsedBytes"`
	MemoryUsed       string        `json:"memoryUsed"`
	Workers          []WorkerStats `json:"workers,omitempty"`
}

// Aggregator collects chunk results keyed by chunk index. It is safe for
// concurrent use by the goroutines dispatching chunks.
type Aggregator struct {
	mu        sync.Mutex
	chunks    [][]json.RawMessage
	workers   []WorkerStats
	received  []bool
	remaining int
}

// New creates an aggregator expecting n chunks.
func New(n int) *Aggregator {
	return &Aggregator{
		chunks:    make([][]json.RawMessage, n),
		workers:   make([]WorkerStats, n),
		received:  make([]bool, n),
		remaining: n,
	}
}

// Add records the results of one chunk. Each chunk may be added once.
func (a *Aggregator) Add(chunk int, results []json.RawMessage, ws WorkerStats) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if chunk < 0 || chunk >= len(a.chunks) {
		return fmt.Errorf("chunk %d out of range [0, %d)", chunk, len(a.chunks))
	}
	if a.received[chunk] {
		return fmt.Errorf("chunk %d already reported", chunk)
	}

	ws.Chunk = chunk
	ws.Items = len(results)
	a.chunks[chunk] = results
	a.workers[chunk] = ws
	a.received[chunk] = true
	a.remaining--
	return nil
}

// Complete reports whether every chunk has been added.
func (a *Aggregator) Complete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.remaining == 0
}

// Results concatenates chunk results in chunk index order, regardless of the
// order in which chunks were added. It fails if any chunk is missing.
func (a *Aggregator) Results() ([]json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.remaining != 0 {
		return nil, fmt.Errorf("%d of %d chunks missing", a.remaining, len(a.chunks))
	}

	total := 0
	for _, c := range a.chunks {
		total += len(c)
	}
	out := make([]json.RawMessage, 0, total)
	for _, c := range a.chunks {
		out = append(out, c...)
	}
	return out, nil
}

// Stats builds the run statistics. elapsed is the run's wall-clock time.
func (a *Aggregator) Stats(elapsed time.Duration, processesUsed, dataProcessed int) Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	var mem uint64
	workers := make([]WorkerStats, 0, len(a.workers))
	for i, ws := range a.workers {
		if !a.received[i] {
			continue
		}
		mem += ws.MemoryBytes
		workers = append(workers, ws)
	}

	return Stats{
		TimeTakenSeconds: elapsed.Seconds(),
		NumProcessesUsed: processesUsed,
		DataProcessed:    dataProcessed,
		MemoryUsedBytes:  mem,
		MemoryUsed:       humanize.Bytes(mem),
		Workers:          workers,
	}
}
