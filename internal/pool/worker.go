package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/seantiz/turbit/internal/model"
	"github.com/seantiz/turbit/internal/protocol"
	"github.com/seantiz/turbit/internal/worker"
)

// CrashError reports a worker process that died or broke protocol while
// holding a chunk.
type CrashError struct {
	PID   int
	Chunk int
	Err   error
}

func (e *CrashError) Error() string {
	return fmt.Sprintf("worker %d crashed on chunk %d: %v", e.PID, e.Chunk, e.Err)
}

func (e *CrashError) Unwrap() error {
	return e.Err
}

// Worker is a handle to one worker process. Its state only moves
// spawning→idle→busy→idle…, or to terminated from any state.
type Worker struct {
	id     int
	pid    int
	cmd    *exec.Cmd
	logger *slog.Logger

	requests *os.File // write end of the request pipe
	replies  *os.File // read end of the reply pipe
	inbox    chan protocol.Reply
	readErr  error // set before inbox is closed

	stop     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
	exitErr  error // set before exited is closed

	mu    sync.Mutex
	state model.WorkerState
}

// ID returns the pool-local worker identifier.
func (w *Worker) ID() int { return w.id }

// PID returns the worker's process id.
func (w *Worker) PID() int { return w.pid }

// State returns the worker's current lifecycle state.
func (w *Worker) State() model.WorkerState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// transition moves the worker to state to if the move is legal.
func (w *Worker) transition(to model.WorkerState) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !model.ValidWorkerTransition(w.state, to) {
		return fmt.Errorf("worker %d: invalid transition %s -> %s", w.pid, w.state, to)
	}
	w.state = to
	return nil
}

// spawn starts a worker process and waits for its ready message.
func spawn(ctx context.Context, id int, cfg Config, logger *slog.Logger) (*Worker, error) {
	start := time.Now()

	reqR, reqW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create request pipe: %w", err)
	}
	repR, repW, err := os.Pipe()
	if err != nil {
		reqR.Close()
		reqW.Close()
		return nil, fmt.Errorf("create reply pipe: %w", err)
	}

	wlog := logger.With("worker_id", id)

	cmd := exec.Command(cfg.Path, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Env = append(cmd.Env,
		worker.EnvWorker+"=1",
		worker.EnvWorkerID+"="+strconv.Itoa(id),
	)
	cmd.ExtraFiles = []*os.File{reqR, repW}
	cmd.Stdout = newLineLogger(wlog, "stdout")
	cmd.Stderr = newLineLogger(wlog, "stderr")
	cmd.SysProcAttr = sysProcAttr()
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		reqR.Close()
		reqW.Close()
		repR.Close()
		repW.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	// The child holds its own copies of these ends.
	reqR.Close()
	repW.Close()

	w := &Worker{
		id:       id,
		pid:      cmd.Process.Pid,
		cmd:      cmd,
		logger:   wlog.With("pid", cmd.Process.Pid),
		requests: reqW,
		replies:  repR,
		inbox:    make(chan protocol.Reply, 1),
		stop:     make(chan struct{}),
		exited:   make(chan struct{}),
		state:    model.WorkerSpawning,
	}
	activeWorkers.Inc()

	go w.reap()
	go w.readLoop()

	timer := time.NewTimer(cfg.SpawnTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-w.inbox:
		if !ok {
			w.Kill()
			return nil, fmt.Errorf("worker %d exited before ready: %w", w.pid, w.exitCause())
		}
		if msg.Type != protocol.MsgTypeReady {
			w.Kill()
			return nil, fmt.Errorf("worker %d: expected ready message, got %q", w.pid, msg.Type)
		}
	case <-timer.C:
		w.Kill()
		return nil, fmt.Errorf("worker %d not ready within %s", w.pid, cfg.SpawnTimeout)
	case <-ctx.Done():
		w.Kill()
		return nil, fmt.Errorf("spawn worker: %w", context.Cause(ctx))
	}

	if err := w.transition(model.WorkerIdle); err != nil {
		w.Kill()
		return nil, err
	}

	workerSpawnDuration.Observe(time.Since(start).Seconds())
	w.logger.Debug("worker ready", "spawn_ms", time.Since(start).Milliseconds())
	return w, nil
}

// reap waits for the process to exit and records its status.
func (w *Worker) reap() {
	w.exitErr = w.cmd.Wait()
	w.replies.Close()
	activeWorkers.Dec()

	w.mu.Lock()
	w.state = model.WorkerTerminated
	w.mu.Unlock()

	close(w.exited)
}

// readLoop delivers reply frames to inbox until the reply channel fails.
func (w *Worker) readLoop() {
	defer close(w.inbox)

	r := bufio.NewReader(w.replies)
	for {
		var msg protocol.Reply
		if err := protocol.ReadMessage(r, &msg); err != nil {
			w.readErr = err
			return
		}
		select {
		case w.inbox <- msg:
		case <-w.stop:
			return
		}
	}
}

// Do sends one task envelope and waits for its reply. The worker must be idle.
// If ctx ends first the worker is killed, since a late reply would otherwise
// be read as the answer to the next envelope, and the context's cause is
// returned. A worker that dies or breaks protocol yields a *CrashError. An
// envelope too large to send fails with protocol.ErrTooLarge and leaves the
// worker idle.
func (w *Worker) Do(ctx context.Context, env protocol.Envelope) (protocol.Reply, error) {
	if err := w.transition(model.WorkerBusy); err != nil {
		return protocol.Reply{}, err
	}
	start := time.Now()

	frame, err := protocol.Encode(&env)
	if err != nil {
		// Nothing reached the pipe, so the worker is still usable.
		if terr := w.transition(model.WorkerIdle); terr != nil {
			return protocol.Reply{}, terr
		}
		return protocol.Reply{}, fmt.Errorf("encode chunk %d: %w", env.Chunk, err)
	}
	if _, err := w.requests.Write(frame); err != nil {
		return protocol.Reply{}, w.crashed(env.Chunk, fmt.Errorf("send envelope: %w", err))
	}

	select {
	case msg, ok := <-w.inbox:
		if !ok {
			return protocol.Reply{}, w.crashed(env.Chunk, w.lostChannel())
		}
		if msg.Type != protocol.MsgTypeResult || msg.Chunk != env.Chunk {
			return protocol.Reply{}, w.crashed(env.Chunk,
				fmt.Errorf("unexpected reply %q for chunk %d", msg.Type, msg.Chunk))
		}
		if err := w.transition(model.WorkerIdle); err != nil {
			// Killed concurrently after the reply arrived.
			return protocol.Reply{}, w.crashed(env.Chunk, err)
		}

		chunkDuration.Observe(time.Since(start).Seconds())
		if msg.Error != nil {
			tasksTotal.WithLabelValues(statusFailed).Inc()
		} else {
			tasksTotal.WithLabelValues(statusCompleted).Inc()
		}
		return msg, nil

	case <-w.exited:
		return protocol.Reply{}, w.crashed(env.Chunk, w.exitCause())

	case <-ctx.Done():
		tasksTotal.WithLabelValues(statusAborted).Inc()
		w.logger.Debug("abandoning busy worker", "chunk", env.Chunk)
		w.Kill()
		return protocol.Reply{}, context.Cause(ctx)
	}
}

// crashed terminates the worker and wraps cause into a CrashError.
func (w *Worker) crashed(chunk int, cause error) error {
	// Give a dying process a moment so its own exit status is reported.
	select {
	case <-w.exited:
	case <-time.After(exitGrace):
	}
	w.Kill()

	tasksTotal.WithLabelValues(statusCrashed).Inc()
	if w.exitErr != nil && !errors.Is(cause, w.exitErr) {
		cause = fmt.Errorf("%w (%v)", cause, w.exitErr)
	}
	w.logger.Warn("worker crashed", "chunk", chunk, "error", cause)
	return &CrashError{PID: w.pid, Chunk: chunk, Err: cause}
}

// lostChannel describes why the reply channel closed.
func (w *Worker) lostChannel() error {
	if w.readErr != nil {
		return fmt.Errorf("reply channel closed: %w", w.readErr)
	}
	return errors.New("reply channel closed")
}

// exitCause describes a process exit. Only valid once exited is closed or
// the inbox has been drained.
func (w *Worker) exitCause() error {
	select {
	case <-w.exited:
		if w.exitErr != nil {
			return fmt.Errorf("process exited: %w", w.exitErr)
		}
		return errors.New("process exited")
	default:
		return w.lostChannel()
	}
}

// Shutdown asks an idle worker to exit and waits up to timeout before
// killing it.
func (w *Worker) Shutdown(timeout time.Duration) error {
	w.mu.Lock()
	idle := w.state == model.WorkerIdle
	w.mu.Unlock()

	if idle {
		if err := protocol.WriteMessage(w.requests, &protocol.Envelope{Type: protocol.MsgTypeShutdown}); err == nil {
			select {
			case <-w.exited:
				w.terminate()
				return nil
			case <-time.After(timeout):
				w.logger.Warn("worker ignored shutdown, killing")
			}
		}
	}
	return w.Kill()
}

// Kill terminates the process immediately and waits until it is reaped.
// It is safe to call more than once and from multiple goroutines.
func (w *Worker) Kill() error {
	var err error
	if kerr := w.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
		err = fmt.Errorf("kill worker %d: %w", w.pid, kerr)
	}
	<-w.exited
	w.terminate()
	return err
}

// terminate releases the controller-side resources of an exited worker.
func (w *Worker) terminate() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.requests.Close()
	})
}

// Exited returns a channel closed once the process has been reaped.
func (w *Worker) Exited() <-chan struct{} {
	return w.exited
}
