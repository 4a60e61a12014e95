package turbit

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/seantiz/turbit/internal/aggregate"
	"github.com/seantiz/turbit/internal/config"
	"github.com/seantiz/turbit/internal/engine"
	"github.com/seantiz/turbit/internal/model"
	"github.com/seantiz/turbit/internal/pool"
	"github.com/seantiz/turbit/internal/registry"
	"github.com/seantiz/turbit/internal/store"
	"github.com/seantiz/turbit/internal/worker"
)

// Execution modes.
const (
	Simple   = model.ModeSimple
	Extended = model.ModeExtended
)

type (
	// Options describes one run. The zero Mode is Simple.
	Options = engine.Options
	// Result holds a run's ordered output and its statistics.
	Result = engine.Result
	// Stats summarizes a run.
	Stats = aggregate.Stats
	// WorkerStats is one worker's share of a run.
	WorkerStats = aggregate.WorkerStats
	// Pending is the handle of a submitted run.
	Pending = engine.Pending
)

// Init turns the process into a worker when it was started by an engine: it
// serves tasks from the controller and exits without returning. In any other
// process it returns immediately. Call it first in main, after functions are
// registered.
func Init() {
	if worker.IsChild() {
		worker.Main(registry.Default)
	}
}

// IsWorker reports whether the process was started as a worker.
func IsWorker() bool {
	return worker.IsChild()
}

type settings struct {
	logger       *slog.Logger
	defaultPower float64
	cores        int
	workerPath   string
	workerArgs   []string
	spawnTimeout time.Duration
	historyPath  string
}

// Option configures an Engine.
type Option func(*settings)

// WithLogger sets the engine's logger. Worker output is forwarded to it.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithDefaultPower sets the power used by runs that leave Options.Power nil.
func WithDefaultPower(p float64) Option {
	return func(s *settings) { s.defaultPower = p }
}

// WithCores overrides the detected logical core count.
func WithCores(n int) Option {
	return func(s *settings) { s.cores = n }
}

// WithWorkerCommand starts workers from path with args instead of
// re-executing the current binary. The program must call Init with the same
// functions registered.
func WithWorkerCommand(path string, args ...string) Option {
	return func(s *settings) {
		s.workerPath = path
		s.workerArgs = args
	}
}

// WithSpawnTimeout bounds how long a new worker may take to report ready.
func WithSpawnTimeout(d time.Duration) Option {
	return func(s *settings) { s.spawnTimeout = d }
}

// WithHistory records every run in a SQLite database at path.
func WithHistory(path string) Option {
	return func(s *settings) { s.historyPath = path }
}

// Engine runs registered functions on its own pool of worker processes.
// Runs on one Engine execute one at a time in submission order.
type Engine struct {
	eng       *engine.Engine
	history   *store.SQLiteStore
	closeOnce sync.Once
	closeErr  error
}

// New creates an Engine. No worker is started until the first run. Defaults
// come from the TURBIT_* environment variables.
func New(opts ...Option) (*Engine, error) {
	cfg := config.Load()
	s := settings{
		defaultPower: cfg.DefaultPower,
		spawnTimeout: cfg.SpawnTimeout,
		cores:        cfg.Cores,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = config.NewLogger(os.Stderr, cfg.LogLevel)
	}

	e := &Engine{}
	var engineOpts []engine.Option
	if s.historyPath != "" {
		st, err := store.NewSQLiteStore(s.historyPath)
		if err != nil {
			return nil, fmt.Errorf("open run history: %w", err)
		}
		e.history = st
		engineOpts = append(engineOpts, engine.WithHistory(st))
	}

	e.eng = engine.New(engine.Config{
		Cores:        s.cores,
		DefaultPower: s.defaultPower,
		Pool: pool.Config{
			Path:         s.workerPath,
			Args:         s.workerArgs,
			SpawnTimeout: s.spawnTimeout,
		},
	}, registry.Default, s.logger, engineOpts...)
	return e, nil
}

// Run executes fn and waits for its result. Invalid options are reported
// before any worker starts as *ValidationError or *SerializationError.
func (e *Engine) Run(ctx context.Context, fn string, opts Options) (*Result, error) {
	return e.eng.Run(ctx, fn, opts)
}

// Submit queues fn and returns a handle to wait on.
func (e *Engine) Submit(ctx context.Context, fn string, opts Options) (*Pending, error) {
	return e.eng.Submit(ctx, fn, opts)
}

// Kill terminates all workers immediately. Queued and in-flight runs fail
// with ErrTerminated; the next run starts a fresh pool. Kill is idempotent.
func (e *Engine) Kill() error {
	return e.eng.Kill()
}

// Close kills the engine, waits for its runs to settle and closes the run
// history. Later calls return the first call's error.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		e.closeErr = e.eng.Close()
		if e.history != nil {
			if err := e.history.Close(); err != nil && e.closeErr == nil {
				e.closeErr = fmt.Errorf("close run history: %w", err)
			}
		}
	})
	return e.closeErr
}

// Cores returns the core count power percentages apply to.
func (e *Engine) Cores() int {
	return e.eng.Cores()
}

// Power returns a pointer to p for Options.Power.
func Power(p float64) *float64 {
	return &p
}
