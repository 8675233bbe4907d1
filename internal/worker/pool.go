package worker

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/logging"
)

// slots bounds how many workers a pool lends at once. The bound can be
// moved while borrowers wait; waiters re-check on every broadcast.
type slots struct {
	mu    sync.Mutex
	cond  *sync.Cond
	limit int
	inUse int
}

func newSlots(limit int) *slots {
	s := &slots{limit: max(limit, 1)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// acquire blocks until a slot is free or ctx ends.
func (s *slots) acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// Taken so the wakeup cannot fall between the waiter's
			// ctx check and its Wait.
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		case <-done:
		}
	}()

	for s.inUse >= s.limit {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.cond.Wait()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.inUse++
	return nil
}

func (s *slots) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse > 0 {
		s.inUse--
	}
	s.cond.Signal()
}

func (s *slots) setLimit(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limit = max(n, 1)
	s.cond.Broadcast()
}

func (s *slots) counts() (inUse, limit int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse, s.limit
}

// Pool lends workers from a bounded set. A worker that crashes while lent
// or while idle is discarded and its failure reported to the borrower.
type Pool struct {
	name   string
	ctx    context.Context
	bc     *bridge.Context
	lib    *Library
	opts   []Option
	logger *logging.Logger
	slots  *slots

	mu     sync.Mutex
	idle   []*Worker
	live   int
	closed bool
}

// NewPool creates a pool lending at most maxWorkers workers and starts
// minWorkers of them. ctx bounds the lifetime of every pooled worker.
func NewPool(ctx context.Context, bc *bridge.Context, lib *Library, name string, minWorkers, maxWorkers int, opts ...Option) (*Pool, error) {
	if maxWorkers < 1 || minWorkers < 0 || minWorkers > maxWorkers {
		return nil, fmt.Errorf("pool %q: bounds min=%d max=%d: %w", name, minWorkers, maxWorkers, errors.ErrInvalidInput)
	}
	p := &Pool{
		name:   name,
		ctx:    ctx,
		bc:     bc,
		lib:    lib,
		opts:   opts,
		logger: bc.Logger().With("pool", name),
		slots:  newSlots(maxWorkers),
	}

	g, gctx := errgroup.WithContext(ctx)
	for range minWorkers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			w, err := New(ctx, bc, lib, opts...)
			if err != nil {
				return err
			}
			p.mu.Lock()
			p.idle = append(p.idle, w)
			p.live++
			p.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.Close()
		return nil, fmt.Errorf("pool %q: %w", name, err)
	}
	p.logger.Debug("pool started", "min", minWorkers, "max", maxWorkers)
	return p, nil
}

// Name returns the pool name.
func (p *Pool) Name() string { return p.name }

// SetMax moves the bound on concurrently lent workers.
func (p *Pool) SetMax(n int) {
	p.slots.setLimit(n)
}

// PoolStats is a snapshot of a pool.
type PoolStats struct {
	Busy int
	Idle int
	Live int
	Max  int
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() PoolStats {
	busy, limit := p.slots.counts()
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Busy: busy, Idle: len(p.idle), Live: p.live, Max: limit}
}

// borrow takes an idle worker or starts one. An idle worker that died
// since its last use is discarded and its crash returned once.
func (p *Pool) borrow(ctx context.Context) (*Worker, error) {
	if err := p.slots.acquire(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.slots.release()
		return nil, fmt.Errorf("pool %q: %w", p.name, errors.ErrPoolClosed)
	}
	var w *Worker
	if n := len(p.idle); n > 0 {
		w = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if w != nil {
		select {
		case <-w.Exited():
			p.discard(w)
			p.slots.release()
			if err := w.Err(); err != nil {
				return nil, fmt.Errorf("pool %q: %w", p.name, err)
			}
			return p.borrow(ctx)
		default:
			return w, nil
		}
	}

	w, err := New(p.ctx, p.bc, p.lib, p.opts...)
	if err != nil {
		p.slots.release()
		return nil, fmt.Errorf("pool %q: %w", p.name, err)
	}
	p.mu.Lock()
	p.live++
	p.mu.Unlock()
	return w, nil
}

func (p *Pool) giveBack(w *Worker) {
	defer p.slots.release()

	select {
	case <-w.Exited():
		p.discard(w)
		return
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(w)
		return
	}
	p.idle = append(p.idle, w)
	p.mu.Unlock()
}

func (p *Pool) discard(w *Worker) {
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	w.Release()
	if err := w.Err(); err != nil {
		p.logger.Warn("discarding crashed worker", "worker", w.ID(), "error", err)
	}
}

// Borrow runs fn with a worker from the pool and returns the worker
// afterwards. If the worker dies while lent, its crash is reported as the
// pool's error and the worker is not reused.
func (p *Pool) Borrow(ctx context.Context, fn func(w *Worker) error) error {
	w, err := p.borrow(ctx)
	if err != nil {
		return err
	}
	defer p.giveBack(w)

	err = fn(w)
	if errors.Is(err, errors.ErrWorkerCrash) {
		return fmt.Errorf("pool %q: %w", p.name, err)
	}
	return err
}

// RunInWorker calls target in a pooled worker.
func (p *Pool) RunInWorker(ctx context.Context, target Ref, args ...any) (*Result, error) {
	var res *Result
	err := p.Borrow(ctx, func(w *Worker) error {
		var err error
		res, err = w.CallRemote(ctx, target, args...)
		return err
	})
	return res, err
}

// Close releases idle workers and stops lending. Workers currently lent
// are released when they come back.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, w := range idle {
		p.discard(w)
	}
	p.logger.Debug("pool closed")
}
