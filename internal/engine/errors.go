package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrTerminated is the cause reported to queued and in-flight runs when
	// the engine is killed.
	ErrTerminated = errors.New("engine terminated")

	// ErrClosed is returned by Submit after Close.
	ErrClosed = errors.New("engine is closed")
)

// ValidationError reports a run request rejected before any worker is touched.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SerializationError reports a data item or argument that cannot be encoded
// for transport. Index is the position in Data or Args.
type SerializationError struct {
	Field string
	Index int
	Err   error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialize %s[%d]: %v", e.Field, e.Index, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a function that returned an error or panicked inside
// a worker. Item is the index in the run's input, or -1 in simple mode.
type ExecutionError struct {
	Chunk   int
	Item    int
	Message string
	Panic   bool
}

func (e *ExecutionError) Error() string {
	kind := "failed"
	if e.Panic {
		kind = "panicked"
	}
	if e.Item < 0 {
		return fmt.Sprintf("function %s on chunk %d: %s", kind, e.Chunk, e.Message)
	}
	return fmt.Sprintf("function %s on chunk %d item %d: %s", kind, e.Chunk, e.Item, e.Message)
}

// WorkerCrashError reports a worker process that died while running a chunk.
type WorkerCrashError struct {
	PID   int
	Chunk int
	Err   error
}

func (e *WorkerCrashError) Error() string {
	return fmt.Sprintf("worker %d crashed on chunk %d: %v", e.PID, e.Chunk, e.Err)
}

func (e *WorkerCrashError) Unwrap() error {
	return e.Err
}
