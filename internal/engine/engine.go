package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/turbit/internal/aggregate"
	"github.com/seantiz/turbit/internal/model"
	"github.com/seantiz/turbit/internal/partition"
	"github.com/seantiz/turbit/internal/pool"
	"github.com/seantiz/turbit/internal/power"
	"github.com/seantiz/turbit/internal/protocol"
	"github.com/seantiz/turbit/internal/registry"
	"github.com/seantiz/turbit/internal/store"
)

// Config controls how an engine sizes and starts its workers.
type Config struct {
	// Cores is the logical core count that power is applied to. Zero means
	// detect.
	Cores int
	// DefaultPower is used when a run leaves Power unset. Zero or negative
	// means power.Default.
	DefaultPower float64
	// Pool configures the worker processes.
	Pool pool.Config
}

// Option customizes an Engine.
type Option func(*Engine)

// WithHistory records every run in s.
func WithHistory(s store.Store) Option {
	return func(e *Engine) {
		e.history = s
	}
}

// Options describes one run. The zero Mode is simple. Data and Args are only
// read in extended mode, where Data must be non-nil.
type Options struct {
	Mode  string
	Power *float64
	Data  []any
	Args  []any
}

// Result is the outcome of a successful run. Data is in input order, or has
// one entry per worker in simple mode.
type Result struct {
	RunID string            `json:"run_id"`
	Data  []json.RawMessage `json:"data"`
	Stats aggregate.Stats   `json:"stats"`
}

// request is a validated and serialized run. It is not modified after Submit.
type request struct {
	id      string
	fn      string
	mode    string
	power   float64
	items   []json.RawMessage
	args    []json.RawMessage
	workers int
	chunks  []partition.Chunk[json.RawMessage]
	created time.Time

	// after is closed once every earlier run has finished; release is closed
	// when this one has.
	after   <-chan struct{}
	release chan struct{}
}

// handOff passes the run's queue position on once every earlier run has
// released theirs. It is used by runs that end without executing.
func (r *request) handOff() {
	go func() {
		<-r.after
		close(r.release)
	}()
}

// generation is the pool and lifetime shared by runs submitted between two
// kills.
type generation struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	pool   *pool.Pool
}

// Engine runs registered functions across a pool of worker processes. Runs
// are executed one at a time in submission order; the pool is reused between
// runs until Kill.
type Engine struct {
	cfg     Config
	reg     *registry.Registry
	logger  *slog.Logger
	history store.Store
	broker  *Broker

	wg sync.WaitGroup

	mu     sync.Mutex
	gen    *generation
	tail   chan struct{} // release channel of the last submitted run
	closed bool
}

// New creates an engine. No worker is started until the first run.
func New(cfg Config, reg *registry.Registry, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.Cores < 1 {
		cfg.Cores = power.Cores()
	}
	if cfg.DefaultPower <= 0 || math.IsNaN(cfg.DefaultPower) {
		cfg.DefaultPower = power.Default
	}

	e := &Engine{
		cfg:    cfg,
		reg:    reg,
		logger: logger,
		broker: NewBroker(),
		tail:   make(chan struct{}),
	}
	close(e.tail)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Broker returns the engine's progress event broker.
func (e *Engine) Broker() *Broker {
	return e.broker
}

// History returns the run history store, or nil if none is configured.
func (e *Engine) History() store.Store {
	return e.history
}

// Cores returns the core count power is applied to.
func (e *Engine) Cores() int {
	return e.cfg.Cores
}

// Functions lists the registered function names.
func (e *Engine) Functions() []string {
	return e.reg.List()
}

// Workers returns a snapshot of the current pool's workers.
func (e *Engine) Workers() []pool.WorkerInfo {
	e.mu.Lock()
	gen := e.gen
	e.mu.Unlock()

	if gen == nil {
		return nil
	}
	return gen.pool.Snapshot()
}

// Run submits a run and waits for its result.
func (e *Engine) Run(ctx context.Context, fn string, opts Options) (*Result, error) {
	p, err := e.Submit(ctx, fn, opts)
	if err != nil {
		return nil, err
	}
	return p.Wait(ctx)
}

// Submit validates and serializes a run, queues it, and returns a handle that
// completes when the run does. Validation and serialization failures are
// returned here, before any worker is touched. Cancelling ctx aborts the run.
func (e *Engine) Submit(ctx context.Context, fn string, opts Options) (*Pending, error) {
	req, err := e.prepare(fn, opts)
	if err != nil {
		return nil, err
	}

	gen, err := e.join(req)
	if err != nil {
		return nil, err
	}

	e.recordPending(req)
	e.broker.Publish(Event{Type: EventQueued, RunID: req.id})

	p := &Pending{id: req.id, done: make(chan struct{})}
	go func() {
		defer e.wg.Done()
		p.resolve(e.execute(ctx, gen, req))
	}()
	return p, nil
}

// Kill terminates every worker, fails queued and in-flight runs with
// ErrTerminated and discards the pool. The next run starts a new pool.
// Kill is idempotent and safe to call before any run.
func (e *Engine) Kill() error {
	e.mu.Lock()
	gen := e.gen
	e.gen = nil
	e.mu.Unlock()

	if gen == nil {
		return nil
	}

	gen.cancel(ErrTerminated)
	if err := gen.pool.Close(); err != nil {
		return fmt.Errorf("kill workers: %w", err)
	}
	e.logger.Info("engine killed")
	return nil
}

// Close kills the engine and waits for every run to settle. Submit fails with
// ErrClosed afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	err := e.Kill()
	e.wg.Wait()
	return err
}

// join returns the current generation, starting one if needed, places req at
// the back of the run queue and counts it against the wait group.
func (e *Engine) join(req *request) (*generation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}
	if e.gen == nil {
		p, err := pool.New(e.cfg.Pool, e.logger.With("component", "pool"))
		if err != nil {
			return nil, fmt.Errorf("create pool: %w", err)
		}
		ctx, cancel := context.WithCancelCause(context.Background())
		e.gen = &generation{ctx: ctx, cancel: cancel, pool: p}
	}
	req.after = e.tail
	req.release = make(chan struct{})
	e.tail = req.release
	e.wg.Add(1)
	return e.gen, nil
}

// prepare validates opts and serializes data and args.
func (e *Engine) prepare(fn string, opts Options) (*request, error) {
	if fn == "" {
		return nil, &ValidationError{Field: "function", Reason: "name is required"}
	}
	if _, err := e.reg.Lookup(fn); err != nil {
		return nil, &ValidationError{Field: "function", Reason: fmt.Sprintf("%q is not registered", fn)}
	}

	mode := opts.Mode
	if mode == "" {
		mode = model.ModeSimple
	}
	if mode != model.ModeSimple && mode != model.ModeExtended {
		return nil, &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}

	pct := e.cfg.DefaultPower
	if opts.Power != nil {
		pct = *opts.Power
	}

	req := &request{
		id:      model.NewID(),
		fn:      fn,
		mode:    mode,
		power:   clampPercent(pct),
		created: time.Now().UTC(),
	}
	req.workers = power.Resolve(req.power, e.cfg.Cores)

	if mode == model.ModeExtended {
		if opts.Data == nil {
			return nil, &ValidationError{Field: "data", Reason: "required for extended mode"}
		}
		var err error
		if req.items, err = encodeAll("data", opts.Data); err != nil {
			return nil, err
		}
		if req.args, err = encodeAll("args", opts.Args); err != nil {
			return nil, err
		}
		req.chunks = partition.Split(req.items, req.workers)
		if err := checkFrames(req); err != nil {
			return nil, err
		}
	} else {
		req.chunks = partition.Slots[json.RawMessage](req.workers)
	}
	return req, nil
}

// frameHeadroom covers envelope fields and worst-case compression growth.
const frameHeadroom = 1 << 20

// checkFrames rejects a run whose chunk envelopes cannot be sent as single
// protocol frames. The error names the args or the largest item of the first
// chunk that does not fit.
func checkFrames(req *request) error {
	argsSize := rawSize(req.args)
	for _, c := range req.chunks {
		if rawSize(c.Items)+argsSize+frameHeadroom <= protocol.MaxMessageSize {
			continue
		}
		_, err := protocol.Encode(&protocol.Envelope{
			Type:   protocol.MsgTypeTask,
			RunID:  req.id,
			Func:   req.fn,
			Mode:   req.mode,
			Chunk:  c.Index,
			Offset: c.Offset,
			Items:  c.Items,
			Args:   req.args,
		})
		if err == nil {
			continue
		}
		if argsSize >= rawSize(c.Items) {
			return &SerializationError{Field: "args", Index: largest(req.args), Err: err}
		}
		return &SerializationError{
			Field: "data",
			Index: c.Offset + largest(c.Items),
			Err:   fmt.Errorf("chunk %d of %d items: %w", c.Index, len(c.Items), err),
		}
	}
	return nil
}

func rawSize(vals []json.RawMessage) int {
	n := 0
	for _, v := range vals {
		n += len(v)
	}
	return n
}

func largest(vals []json.RawMessage) int {
	idx := 0
	for i, v := range vals {
		if len(v) > len(vals[idx]) {
			idx = i
		}
	}
	return idx
}

func encodeAll(field string, vals []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(vals))
	for i, v := range vals {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, &SerializationError{Field: field, Index: i, Err: err}
		}
		out[i] = b
	}
	return out, nil
}

func clampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// execute runs req within its generation and records the outcome.
func (e *Engine) execute(parent context.Context, gen *generation, req *request) (*Result, error) {
	logger := e.logger.With("run_id", req.id, "function", req.fn)

	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	stop := context.AfterFunc(gen.ctx, func() {
		cancel(context.Cause(gen.ctx))
	})
	defer stop()

	res, err := e.run(ctx, gen, req, logger)
	if err != nil {
		// Prefer the abort reason over whatever the aborted step reported.
		if gen.ctx.Err() != nil {
			err = context.Cause(gen.ctx)
		} else if ctx.Err() != nil {
			err = context.Cause(ctx)
		}
		res = nil
	}

	e.complete(req, res, err, logger)
	return res, err
}

// run waits for the pool, dispatches one chunk per worker and gathers results.
// The first chunk failure cancels the others.
func (e *Engine) run(ctx context.Context, gen *generation, req *request, logger *slog.Logger) (*Result, error) {
	if req.mode == model.ModeExtended && len(req.items) == 0 {
		req.handOff()
		return &Result{
			RunID: req.id,
			Data:  []json.RawMessage{},
			Stats: aggregate.New(0).Stats(time.Since(req.created), 0, 0),
		}, nil
	}

	queuedRuns.Inc()
	select {
	case <-req.after:
		queuedRuns.Dec()
	case <-ctx.Done():
		queuedRuns.Dec()
		req.handOff()
		return nil, context.Cause(ctx)
	}
	defer close(req.release)

	if ctx.Err() != nil {
		return nil, context.Cause(ctx)
	}

	start := time.Now()
	e.recordRunning(req)

	chunks := req.chunks
	n := req.workers
	processed := n
	if req.mode == model.ModeExtended {
		processed = len(req.items)
	}

	if err := gen.pool.Resize(ctx, n); err != nil {
		return nil, fmt.Errorf("resize pool: %w", err)
	}
	workers, err := gen.pool.Acquire(len(chunks))
	if err != nil {
		return nil, fmt.Errorf("acquire workers: %w", err)
	}

	logger.Info("run started", "mode", req.mode, "workers", len(chunks), "items", len(req.items), "power", req.power)
	e.broker.Publish(Event{Type: EventStarted, RunID: req.id, Workers: len(chunks), Total: len(chunks)})

	agg := aggregate.New(len(chunks))
	var done atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range chunks {
		w := workers[i]
		g.Go(func() error {
			env := protocol.Envelope{
				Type:   protocol.MsgTypeTask,
				RunID:  req.id,
				Func:   req.fn,
				Mode:   req.mode,
				Chunk:  c.Index,
				Offset: c.Offset,
				Items:  c.Items,
				Args:   req.args,
			}

			reply, err := w.Do(gctx, env)
			if err != nil {
				var crash *pool.CrashError
				if errors.As(err, &crash) {
					return &WorkerCrashError{PID: crash.PID, Chunk: crash.Chunk, Err: crash.Err}
				}
				return err
			}
			if reply.Error != nil {
				return &ExecutionError{
					Chunk:   reply.Error.Chunk,
					Item:    reply.Error.Item,
					Message: reply.Error.Message,
					Panic:   reply.Error.Panic,
				}
			}
			if req.mode == model.ModeExtended && len(reply.Results) != len(c.Items) {
				return fmt.Errorf("chunk %d: got %d results for %d items", c.Index, len(reply.Results), len(c.Items))
			}

			ws := aggregate.WorkerStats{
				PID:         w.PID(),
				ElapsedSecs: time.Duration(reply.ElapsedNS).Seconds(),
				MemoryBytes: reply.MemoryBytes,
			}
			if err := agg.Add(c.Index, reply.Results, ws); err != nil {
				return err
			}

			e.broker.Publish(Event{
				Type:  EventChunk,
				RunID: req.id,
				Chunk: c.Index,
				Items: len(c.Items),
				Done:  int(done.Add(1)),
				Total: len(chunks),
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data, err := agg.Results()
	if err != nil {
		return nil, err
	}
	return &Result{
		RunID: req.id,
		Data:  data,
		Stats: agg.Stats(time.Since(start), len(chunks), processed),
	}, nil
}

// complete publishes the final event, updates metrics and history, and
// closes the run's event topic.
func (e *Engine) complete(req *request, res *Result, err error, logger *slog.Logger) {
	defer e.broker.Close(req.id)

	status := model.StatusCompleted
	switch {
	case err == nil:
	case errors.Is(err, ErrTerminated):
		status = model.StatusKilled
	default:
		status = model.StatusFailed
	}

	runsTotal.WithLabelValues(req.mode, status).Inc()
	runDuration.WithLabelValues(req.mode).Observe(time.Since(req.created).Seconds())

	ev := Event{Type: EventDone, RunID: req.id, Status: status}
	if err != nil {
		ev.Error = err.Error()
		logger.Warn("run failed", "status", status, "error", err)
	} else {
		logger.Info("run completed",
			"workers", res.Stats.NumProcessesUsed,
			"items", res.Stats.DataProcessed,
			"seconds", res.Stats.TimeTakenSeconds,
			"memory", res.Stats.MemoryUsed,
		)
	}
	e.broker.Publish(ev)

	e.recordFinished(req, status, res, err, logger)
}

func (e *Engine) recordPending(req *request) {
	if e.history == nil {
		return
	}
	r := &model.Run{
		ID:        req.id,
		Function:  req.fn,
		Mode:      req.mode,
		Status:    model.StatusPending,
		Power:     req.power,
		CreatedAt: req.created,
	}
	if err := e.history.CreateRun(context.Background(), r); err != nil {
		e.logger.Error("failed to record run", "run_id", req.id, "error", err)
	}
}

func (e *Engine) recordRunning(req *request) {
	if e.history == nil {
		return
	}
	if err := e.history.UpdateRunStatus(context.Background(), req.id, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "run_id", req.id, "error", err)
	}
}

func (e *Engine) recordFinished(req *request, status string, res *Result, runErr error, logger *slog.Logger) {
	if e.history == nil {
		return
	}

	now := time.Now().UTC()
	dur := int(now.Sub(req.created).Milliseconds())
	r := &model.Run{
		ID:         req.id,
		Status:     status,
		DurationMS: &dur,
		FinishedAt: &now,
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	if res != nil {
		procs := res.Stats.NumProcessesUsed
		processed := res.Stats.DataProcessed
		mem := int64(res.Stats.MemoryUsedBytes)
		r.NumProcesses = &procs
		r.DataProcessed = &processed
		r.MemoryBytes = &mem
		if out, err := json.Marshal(res.Data); err == nil {
			r.Output = out
		}
	}

	if err := e.history.FinishRun(context.Background(), r); err != nil {
		logger.Error("failed to record finished run", "error", err)
	}
}

// Pending is the handle of a submitted run.
type Pending struct {
	id   string
	done chan struct{}
	res  *Result
	err  error
}

// ID returns the run identifier.
func (p *Pending) ID() string {
	return p.id
}

// Done returns a channel closed when the run has finished.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the run finishes or ctx ends.
func (p *Pending) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-p.done:
		return p.res, p.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

func (p *Pending) resolve(res *Result, err error) {
	p.res, p.err = res, err
	close(p.done)
}
