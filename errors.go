package turbit

import "github.com/seantiz/turbit/internal/engine"

type (
	// ValidationError reports options rejected before any worker is touched.
	ValidationError = engine.ValidationError
	// SerializationError reports data or args that cannot be encoded.
	SerializationError = engine.SerializationError
	// ExecutionError reports a function error or panic inside a worker.
	ExecutionError = engine.ExecutionError
	// WorkerCrashError reports a worker process that died mid-run.
	WorkerCrashError = engine.WorkerCrashError
)

var (
	// ErrTerminated is returned by runs interrupted by Kill.
	ErrTerminated = engine.ErrTerminated
	// ErrClosed is returned by Submit after Close.
	ErrClosed = engine.ErrClosed
)
