// Package worker implements the loop run inside each spawned worker process.
// It receives task envelopes from the controller, runs the named function
// over the chunk, and replies with ordered results or a structured error.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/seantiz/turbit/internal/config"
	"github.com/seantiz/turbit/internal/protocol"
	"github.com/seantiz/turbit/internal/registry"
)

// Environment markers set by the controller on worker processes.
const (
	EnvWorker   = "TURBIT_WORKER"
	EnvWorkerID = "TURBIT_WORKER_ID"
)

// Inherited descriptors: the controller passes the request pipe's read end as
// fd 3 and the reply pipe's write end as fd 4.
const (
	requestFD = 3
	replyFD   = 4
)

// IsChild reports whether the current process was spawned as a worker.
func IsChild() bool {
	return os.Getenv(EnvWorker) == "1"
}

// Runtime serves task envelopes read from in and writes replies to out.
type Runtime struct {
	in     io.Reader
	out    io.Writer
	reg    *registry.Registry
	logger *slog.Logger
	pid    int
	proc   *process.Process
}

// New creates a worker runtime that resolves functions in reg.
func New(in io.Reader, out io.Writer, reg *registry.Registry, logger *slog.Logger) *Runtime {
	pid := os.Getpid()
	rt := &Runtime{
		in:     in,
		out:    out,
		reg:    reg,
		logger: logger,
		pid:    pid,
	}
	if p, err := process.NewProcess(int32(pid)); err == nil {
		rt.proc = p
	}
	return rt
}

// Main runs the worker loop on the inherited pipe descriptors and exits the
// process. It never returns.
func Main(reg *registry.Registry) {
	logger := config.NewLogger(os.Stderr, config.Load().LogLevel).
		With("worker_id", os.Getenv(EnvWorkerID), "pid", os.Getpid())

	in := os.NewFile(requestFD, "turbit-requests")
	out := os.NewFile(replyFD, "turbit-replies")
	if in == nil || out == nil {
		logger.Error("worker started without controller pipes")
		os.Exit(2)
	}

	rt := New(bufio.NewReader(in), out, reg, logger)
	if err := rt.Serve(context.Background()); err != nil {
		logger.Error("worker stopped", "error", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Serve announces readiness and then handles envelopes until a shutdown
// message arrives or the request channel is closed.
func (r *Runtime) Serve(ctx context.Context) error {
	if err := protocol.WriteMessage(r.out, &protocol.Reply{Type: protocol.MsgTypeReady, PID: r.pid}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	for {
		var env protocol.Envelope
		if err := protocol.ReadMessage(r.in, &env); err != nil {
			if errors.Is(err, io.EOF) {
				// Controller went away.
				return nil
			}
			return fmt.Errorf("read envelope: %w", err)
		}

		switch env.Type {
		case protocol.MsgTypeShutdown:
			r.logger.Debug("shutdown requested")
			return nil
		case protocol.MsgTypeTask:
			reply := r.execute(ctx, &env)
			err := protocol.WriteMessage(r.out, &reply)
			if errors.Is(err, protocol.ErrTooLarge) {
				r.logger.Warn("result too large", "run_id", env.RunID, "chunk", env.Chunk, "error", err)
				reply.Results = nil
				reply.Error = &protocol.TaskError{
					Chunk:   env.Chunk,
					Item:    -1,
					Message: fmt.Sprintf("chunk results do not fit in one message: %v", err),
				}
				err = protocol.WriteMessage(r.out, &reply)
			}
			if err != nil {
				return fmt.Errorf("send result: %w", err)
			}
		default:
			return fmt.Errorf("unknown message type: %q", env.Type)
		}
	}
}

// execute runs the envelope's function over its chunk. Extended mode calls the
// function once per item, in order, and stops at the first failure.
func (r *Runtime) execute(ctx context.Context, env *protocol.Envelope) protocol.Reply {
	start := time.Now()
	reply := protocol.Reply{
		Type:  protocol.MsgTypeResult,
		RunID: env.RunID,
		Chunk: env.Chunk,
	}

	defer func() {
		reply.ElapsedNS = time.Since(start).Nanoseconds()
		reply.MemoryBytes = r.memoryUsage()
	}()

	fn, err := r.reg.Lookup(env.Func)
	if err != nil {
		reply.Error = &protocol.TaskError{Chunk: env.Chunk, Item: -1, Message: err.Error()}
		return reply
	}

	switch env.Mode {
	case protocol.ModeSimple:
		out, terr := invoke(ctx, fn, registry.Call{Chunk: env.Chunk, Index: -1})
		if terr != nil {
			reply.Error = terr
			return reply
		}
		reply.Results = []json.RawMessage{out}

	case protocol.ModeExtended:
		results := make([]json.RawMessage, 0, len(env.Items))
		for i, item := range env.Items {
			call := registry.Call{
				Chunk: env.Chunk,
				Index: env.Offset + i,
				Item:  item,
				Args:  env.Args,
			}
			out, terr := invoke(ctx, fn, call)
			if terr != nil {
				r.logger.Debug("item failed", "run_id", env.RunID, "chunk", env.Chunk, "item", call.Index, "error", terr.Message)
				reply.Error = terr
				return reply
			}
			results = append(results, out)
		}
		reply.Results = results

	default:
		reply.Error = &protocol.TaskError{Chunk: env.Chunk, Item: -1, Message: fmt.Sprintf("unsupported mode: %q", env.Mode)}
	}

	return reply
}

// invoke calls fn, converting returned errors and panics into a TaskError.
func invoke(ctx context.Context, fn registry.Func, call registry.Call) (result json.RawMessage, terr *protocol.TaskError) {
	defer func() {
		if p := recover(); p != nil {
			result = nil
			terr = &protocol.TaskError{
				Chunk:   call.Chunk,
				Item:    call.Index,
				Message: fmt.Sprintf("panic: %v", p),
				Panic:   true,
			}
		}
	}()

	out, err := fn(ctx, call)
	if err != nil {
		return nil, &protocol.TaskError{Chunk: call.Chunk, Item: call.Index, Message: err.Error()}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, &protocol.TaskError{Chunk: call.Chunk, Item: call.Index, Message: fmt.Sprintf("marshal result: %v", err)}
	}
	return data, nil
}

// memoryUsage reports the process's resident set size, falling back to the
// Go runtime's view when the OS query is unavailable.
func (r *Runtime) memoryUsage() uint64 {
	if r.proc != nil {
		if mi, err := r.proc.MemoryInfo(); err == nil && mi.RSS > 0 {
			return mi.RSS
		}
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.Sys
}
