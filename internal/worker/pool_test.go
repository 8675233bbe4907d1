package worker

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/errors"
)

func TestSlots_BlocksAtLimit(t *testing.T) {
	s := newSlots(1)
	ctx := context.Background()

	if err := s.acquire(ctx); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		_ = s.acquire(ctx)
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	s.release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second acquire should have unblocked after release")
	}
}

func TestSlots_ContextCancellation(t *testing.T) {
	s := newSlots(1)
	if err := s.acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.acquire(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != context.Canceled {
			t.Errorf("acquire() = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("acquire did not return after cancel")
	}
	if inUse, _ := s.counts(); inUse != 1 {
		t.Errorf("inUse = %d, want 1", inUse)
	}
}

func TestSlots_SetLimitWakesWaiters(t *testing.T) {
	s := newSlots(1)
	ctx := context.Background()
	s.acquire(ctx)

	var wg sync.WaitGroup
	var got atomic.Int32
	for range 2 {
		wg.Go(func() {
			if s.acquire(ctx) == nil {
				got.Add(1)
			}
		})
	}
	time.Sleep(20 * time.Millisecond)
	s.setLimit(3)
	wg.Wait()

	if got.Load() != 2 {
		t.Errorf("acquired after raise = %d, want 2", got.Load())
	}
	if inUse, limit := s.counts(); inUse != 3 || limit != 3 {
		t.Errorf("counts() = %d/%d, want 3/3", inUse, limit)
	}
}

func TestSlots_ClampsLimit(t *testing.T) {
	s := newSlots(0)
	if _, limit := s.counts(); limit != 1 {
		t.Errorf("limit = %d, want 1", limit)
	}
	s.setLimit(-4)
	if _, limit := s.counts(); limit != 1 {
		t.Errorf("limit after setLimit(-4) = %d, want 1", limit)
	}
}

func newTestPool(t *testing.T, lib *Library, minWorkers, maxWorkers int) (*bridge.Context, *Pool) {
	t.Helper()
	bc := bridge.New()
	t.Cleanup(func() { bc.Close() })
	p, err := NewPool(testContext(t), bc, lib, "test", minWorkers, maxWorkers)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(p.Close)
	return bc, p
}

func TestNewPool_Bounds(t *testing.T) {
	bc := bridge.New()
	defer bc.Close()

	tests := []struct {
		name     string
		min, max int
	}{
		{"zero max", 0, 0},
		{"negative min", -1, 2},
		{"min above max", 3, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPool(context.Background(), bc, NewLibrary(), "p", tt.min, tt.max)
			if !errors.Is(err, errors.ErrInvalidInput) {
				t.Errorf("NewPool(%d, %d) error = %v, want ErrInvalidInput", tt.min, tt.max, err)
			}
		})
	}
}

func TestPool_WarmsMinimum(t *testing.T) {
	_, p := newTestPool(t, testLibrary(), 2, 4)
	st := p.Stats()
	if st.Idle != 2 || st.Live != 2 || st.Max != 4 {
		t.Errorf("Stats() = %+v, want 2 idle, 2 live, max 4", st)
	}
}

func TestPool_RunInWorker(t *testing.T) {
	_, p := newTestPool(t, testLibrary(), 0, 2)
	ctx := testContext(t)

	res, err := p.RunInWorker(ctx, Ref{"math", "add"}, 20, 22)
	if err != nil {
		t.Fatalf("RunInWorker() error = %v", err)
	}
	var n int
	res.Decode(&n)
	if n != 42 {
		t.Errorf("result = %d, want 42", n)
	}
	if st := p.Stats(); st.Idle != 1 || st.Busy != 0 {
		t.Errorf("Stats() = %+v, want the worker back idle", st)
	}
}

func TestPool_CrashDiscardsWorker(t *testing.T) {
	bc, p := newTestPool(t, testLibrary(), 1, 1)
	ctx := testContext(t)

	_, err := p.RunInWorker(ctx, Ref{"crash", "async"})
	if !errors.Is(err, errors.ErrWorkerCrash) {
		t.Fatalf("RunInWorker() error = %v, want worker crash", err)
	}
	if !strings.Contains(err.Error(), `pool "test"`) {
		t.Errorf("error = %q, want it to name the pool", err)
	}

	res, err := p.RunInWorker(ctx, Ref{"math", "add"}, 1, 2)
	if err != nil {
		t.Fatalf("RunInWorker() after crash error = %v", err)
	}
	var n int
	res.Decode(&n)
	if n != 3 {
		t.Errorf("result = %d, want 3", n)
	}
	if st := p.Stats(); st.Live != 1 {
		t.Errorf("Live = %d, want 1", st.Live)
	}

	p.Close()
	requireIdle(t, bc)
}

func TestPool_IdleCrashSurfacesOnNextUse(t *testing.T) {
	lib := testLibrary()
	lib.Register("crash", "later", func(s *Scope, _ Args) (any, error) {
		s.Go(func(context.Context) {
			time.Sleep(20 * time.Millisecond)
			panic("late boom")
		})
		return "started", nil
	})
	bc, p := newTestPool(t, lib, 1, 1)
	ctx := testContext(t)

	if _, err := p.RunInWorker(ctx, Ref{"crash", "later"}); err != nil {
		t.Fatalf("RunInWorker() error = %v", err)
	}

	p.mu.Lock()
	if len(p.idle) != 1 {
		p.mu.Unlock()
		t.Fatalf("idle = %d, want the worker back in the pool", len(p.idle))
	}
	w := p.idle[0]
	p.mu.Unlock()
	select {
	case <-w.Exited():
	case <-ctx.Done():
		t.Fatal("idle worker did not crash")
	}

	_, err := p.RunInWorker(ctx, Ref{"math", "add"}, 1, 2)
	if !errors.Is(err, errors.ErrWorkerCrash) {
		t.Fatalf("RunInWorker() after idle crash error = %v, want worker crash", err)
	}
	if !strings.Contains(err.Error(), "late boom") || !strings.Contains(err.Error(), `pool "test"`) {
		t.Errorf("error = %q, want the pool name and the panic", err)
	}

	res, err := p.RunInWorker(ctx, Ref{"math", "add"}, 1, 2)
	if err != nil {
		t.Fatalf("RunInWorker() after reported crash error = %v", err)
	}
	var n int
	res.Decode(&n)
	if n != 3 {
		t.Errorf("result = %d, want 3", n)
	}

	p.Close()
	requireIdle(t, bc)
}

func TestSlots_CancelWhileWaiting(t *testing.T) {
	s := newSlots(1)
	s.acquire(context.Background())

	for range 200 {
		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- s.acquire(ctx) }()
		cancel()
		select {
		case err := <-errCh:
			if err != context.Canceled {
				t.Fatalf("acquire() = %v, want context.Canceled", err)
			}
		case <-time.After(time.Second):
			t.Fatal("cancelled acquire did not return")
		}
	}
	if inUse, _ := s.counts(); inUse != 1 {
		t.Errorf("inUse = %d, want 1", inUse)
	}
}

func TestPool_BoundsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	release := make(chan struct{})
	lib := NewLibrary()
	lib.Register("job", "wait", func(s *Scope, _ Args) (any, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil, nil
	})
	_, p := newTestPool(t, lib, 0, 2)
	ctx := testContext(t)

	var wg sync.WaitGroup
	for range 5 {
		wg.Go(func() {
			if _, err := p.RunInWorker(ctx, Ref{"job", "wait"}); err != nil {
				t.Errorf("RunInWorker() error = %v", err)
			}
		})
	}
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	if peak.Load() != 2 {
		t.Errorf("peak concurrency = %d, want 2", peak.Load())
	}
	if st := p.Stats(); st.Live > 2 {
		t.Errorf("Live = %d, want at most 2", st.Live)
	}
}

func TestPool_Closed(t *testing.T) {
	_, p := newTestPool(t, testLibrary(), 1, 1)
	p.Close()

	_, err := p.RunInWorker(testContext(t), Ref{"math", "add"}, 1, 1)
	if !errors.Is(err, errors.ErrPoolClosed) {
		t.Errorf("RunInWorker() after Close error = %v, want ErrPoolClosed", err)
	}
}
