// Package engine runs registered functions across a pool of worker
// processes. It validates and serializes run requests, serializes runs on a
// single pool, dispatches one chunk per worker with fail-fast cancellation,
// aggregates ordered results and statistics, and publishes progress events
// and run history.
package engine
