package aggregate

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func raw(vals ...int) []json.RawMessage {
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		out[i] = json.RawMessage(fmt.Sprint(v))
	}
	return out
}

func TestResultsFollowChunkOrder(t *testing.T) {
	a := New(3)
	require.NoError(t, a.Add(2, raw(5, 6), WorkerStats{PID: 3}))
	require.NoError(t, a.Add(0, raw(1, 2), WorkerStats{PID: 1}))
	assert.False(t, a.Complete())
	require.NoError(t, a.Add(1, raw(3, 4), WorkerStats{PID: 2}))
	assert.True(t, a.Complete())

	got, err := a.Results()
	require.NoError(t, err)
	assert.Equal(t, raw(1, 2, 3, 4, 5, 6), got)
}

func TestResultsConcurrentCompletion(t *testing.T) {
	const chunks = 16
	a := New(chunks)

	var wg sync.WaitGroup
	for i := range chunks {
		wg.Go(func() {
			time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)
			assert.NoError(t, a.Add(i, raw(i*2, i*2+1), WorkerStats{}))
		})
	}
	wg.Wait()

	got, err := a.Results()
	require.NoError(t, err)
	want := make([]int, 0, chunks*2)
	for i := range chunks * 2 {
		want = append(want, i)
	}
	assert.Equal(t, raw(want...), got)
}

func TestAddRejectsBadChunks(t *testing.T) {
	a := New(2)
	assert.Error(t, a.Add(-1, nil, WorkerStats{}))
	assert.Error(t, a.Add(2, nil, WorkerStats{}))
	require.NoError(t, a.Add(0, raw(1), WorkerStats{}))
	assert.Error(t, a.Add(0, raw(1), WorkerStats{}), "duplicate chunk accepted")
}

func TestResultsIncomplete(t *testing.T) {
	a := New(2)
	require.NoError(t, a.Add(1, raw(1), WorkerStats{}))
	_, err := a.Results()
	assert.Error(t, err)
}

func TestEmptyAggregator(t *testing.T) {
	a := New(0)
	assert.True(t, a.Complete())
	got, err := a.Results()
	require.NoError(t, err)
	assert.Empty(t, got)

	s := a.Stats(0, 0, 0)
	assert.Equal(t, uint64(0), s.MemoryUsedBytes)
	assert.Equal(t, "0 B", s.MemoryUsed)
}

func TestStatsSumsMemory(t *testing.T) {
	a := New(2)
	require.NoError(t, a.Add(0, raw(1, 2), WorkerStats{PID: 10, ElapsedSecs: 0.5, MemoryBytes: 10_000_000}))
	require.NoError(t, a.Add(1, raw(3), WorkerStats{PID: 11, ElapsedSecs: 0.25, MemoryBytes: 14_000_000}))

	s := a.Stats(1500*time.Millisecond, 2, 3)
	assert.InDelta(t, 1.5, s.TimeTakenSeconds, 1e-9)
	assert.Equal(t, 2, s.NumProcessesUsed)
	assert.Equal(t, 3, s.DataProcessed)
	assert.Equal(t, uint64(24_000_000), s.MemoryUsedBytes)
	assert.Equal(t, "24 MB", s.MemoryUsed)

	require.Len(t, s.Workers, 2)
	assert.Equal(t, 0, s.Workers[0].Chunk)
	assert.Equal(t, 2, s.Workers[0].Items)
	assert.Equal(t, 11, s.Workers[1].PID)
	assert.Equal(t, 1, s.Workers[1].Items)
}
