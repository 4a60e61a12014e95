package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/turbit/internal/model"
)

// ErrClosed is returned by operations on a closed pool.
var ErrClosed = errors.New("pool is closed")

// WorkerInfo is a point-in-time view of one worker.
type WorkerInfo struct {
	ID    int               `json:"id"`
	PID   int               `json:"pid"`
	State model.WorkerState `json:"state"`
}

// Pool owns a set of worker processes. Callers are expected to serialize
// Resize/Acquire/Do cycles; Close may be called at any time.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	workers []*Worker
	nextID  int
	closed  bool
}

// New creates an empty pool. No processes are started until Resize.
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Pool{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Resize drops terminated workers, then spawns or retires workers until
// exactly n live workers remain. Only idle workers are retired.
func (p *Pool) Resize(ctx context.Context, n int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}

	live := p.workers[:0]
	for _, w := range p.workers {
		if w.State() != model.WorkerTerminated {
			live = append(live, w)
		}
	}
	p.workers = live

	var retire []*Worker
	if len(p.workers) > n {
		keep := make([]*Worker, 0, n)
		for _, w := range p.workers {
			if len(keep) < n || w.State() != model.WorkerIdle {
				keep = append(keep, w)
				continue
			}
			retire = append(retire, w)
		}
		p.workers = keep
	}

	missing := n - len(p.workers)
	ids := make([]int, 0, max(missing, 0))
	for range missing {
		ids = append(ids, p.nextID)
		p.nextID++
	}
	p.mu.Unlock()

	if len(retire) > 0 {
		p.logger.Debug("retiring workers", "count", len(retire))
		var wg sync.WaitGroup
		for _, w := range retire {
			wg.Go(func() {
				if err := w.Shutdown(p.cfg.ShutdownTimeout); err != nil {
					p.logger.Warn("retire worker", "pid", w.PID(), "error", err)
				}
			})
		}
		wg.Wait()
	}

	if len(ids) == 0 {
		return nil
	}

	p.logger.Debug("spawning workers", "count", len(ids))
	spawned := make([]*Worker, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			w, err := spawn(gctx, id, p.cfg, p.logger)
			if err != nil {
				return err
			}
			spawned[i] = w
			return nil
		})
	}
	spawnErr := g.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range spawned {
		if w == nil {
			continue
		}
		if p.closed {
			w.Kill()
			continue
		}
		p.workers = append(p.workers, w)
	}

	if p.closed {
		return ErrClosed
	}
	if spawnErr != nil {
		return fmt.Errorf("spawn workers: %w", spawnErr)
	}
	return nil
}

// Acquire returns n distinct idle workers in pool order.
func (p *Pool) Acquire(n int) ([]*Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrClosed
	}

	out := make([]*Worker, 0, n)
	for _, w := range p.workers {
		if len(out) == n {
			break
		}
		if w.State() == model.WorkerIdle {
			out = append(out, w)
		}
	}
	if len(out) < n {
		return nil, fmt.Errorf("need %d idle workers, have %d", n, len(out))
	}
	return out, nil
}

// Size returns the number of workers that have not terminated.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, w := range p.workers {
		if w.State() != model.WorkerTerminated {
			n++
		}
	}
	return n
}

// Snapshot returns the current workers and their states.
func (p *Pool) Snapshot() []WorkerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]WorkerInfo, 0, len(p.workers))
	for _, w := range p.workers {
		infos = append(infos, WorkerInfo{ID: w.ID(), PID: w.PID(), State: w.State()})
	}
	return infos
}

// Close kills every worker and waits for them to be reaped. It is idempotent.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	workers := p.workers
	p.workers = nil
	p.mu.Unlock()

	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	for _, w := range workers {
		wg.Go(func() {
			if err := w.Kill(); err != nil {
				mu.Lock()
				result = multierror.Append(result, err)
				mu.Unlock()
			}
		})
	}
	wg.Wait()

	if len(workers) > 0 {
		p.logger.Debug("pool closed", "workers", len(workers))
	}
	return result.ErrorOrNil()
}
