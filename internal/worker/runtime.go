package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sourcegraph/conc/panics"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/logging"
	"github.com/Iron-Ham/bridge/internal/wire"
)

// runtime is the worker side: it owns the child context and serves the
// requests arriving on its end of the host link.
type runtime struct {
	id     string
	bc     *bridge.Context
	link   *bridge.Link
	lib    *Library
	logger *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	objects  map[uint64]Object
	nextObj  uint64
	held     []held
	children []*Worker
	stopping bool

	stopOnce sync.Once
	finished chan struct{}
}

type held struct {
	res interface {
		Close() error
		Unref()
	}
	keepAlive bool
}

func newRuntime(parent context.Context, id string, bc *bridge.Context, link *bridge.Link, lib *Library, logger *logging.Logger) *runtime {
	ctx, cancel := context.WithCancel(parent)
	return &runtime{
		id:       id,
		bc:       bc,
		link:     link,
		lib:      lib,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		objects:  make(map[uint64]Object),
		finished: make(chan struct{}),
	}
}

// run serves requests until the host end closes, then winds the worker
// down.
func (rt *runtime) run() {
	for {
		msg, err := rt.link.Receive(rt.ctx)
		if err != nil {
			break
		}
		req, err := decodeRequest(msg)
		if err != nil {
			rt.logger.Warn("undecodable request", "error", err)
			if msg.IsRequest() {
				rt.link.SendException(msg.MsgID, fmt.Errorf("decode request: %w", err))
			}
			continue
		}
		if req.Op == opRelease {
			rt.dropObject(req.Object)
			continue
		}
		go rt.handle(msg, req)
	}
	rt.stop(nil)
}

// handle answers one request. Panics are caught and reported to the
// caller as exceptions carrying the worker-side stack.
func (rt *runtime) handle(msg *wire.Message, req *request) {
	scope := &Scope{rt: rt}

	var (
		value any
		err   error
	)
	var pc panics.Catcher
	pc.Try(func() {
		scope.transferred, err = rt.bc.ClaimAll(msg)
		if err != nil {
			return
		}
		value, err = rt.dispatch(scope, req)
	})
	if r := pc.Recovered(); r != nil {
		rt.logger.Error("panic while handling request", "op", req.describe(), "panic", fmt.Sprint(r.Value))
		err = &errors.RemoteException{
			Message: fmt.Sprint(r.Value),
			Stack:   string(r.Stack),
			Kind:    "Panic",
		}
	}

	if err != nil {
		scope.closeTransferred()
		rt.link.SendException(msg.MsgID, rt.exception(req, err))
		return
	}

	var links []*bridge.Link
	if t, ok := value.(Transfer); ok {
		value, links = t.Value, t.Links
	}
	resp := response{}
	if obj, ok := value.(objectID); ok {
		resp.Object = uint64(obj)
	} else if value != nil {
		p, err := wire.JSON(value)
		if err != nil {
			rt.link.SendException(msg.MsgID, rt.exception(req, fmt.Errorf("encode result: %w", err)))
			return
		}
		resp.Result = p.Data
	}
	p, err := wire.JSON(resp)
	if err != nil {
		rt.link.SendException(msg.MsgID, rt.exception(req, err))
		return
	}
	if err := rt.link.ReplyTransfer(msg.MsgID, p, links...); err != nil {
		rt.logger.Debug("reply not delivered", "op", req.describe(), "error", err)
	}
}

// exception converts err into a RemoteException with a stack naming the
// request when err brought none.
func (rt *runtime) exception(req *request, err error) *errors.RemoteException {
	re := errors.NewRemoteException(err, 0)
	if re.Kind == "" {
		re.Kind = errors.Kind(err)
	}
	if re.Stack == "" {
		re.Stack = fmt.Sprintf("worker %s: %s\n%s", rt.id, req.describe(), debug.Stack())
	}
	return re
}

type objectID uint64

func (rt *runtime) dispatch(s *Scope, req *request) (any, error) {
	switch req.Op {
	case opCall:
		ref, err := ParseRef(req.Target)
		if err != nil {
			return nil, err
		}
		fn, err := rt.lib.lookupFunc(ref)
		if err != nil {
			return nil, err
		}
		return fn(s, req.Args)

	case opNew:
		ref, err := ParseRef(req.Target)
		if err != nil {
			return nil, err
		}
		ctor, err := rt.lib.lookupClass(ref)
		if err != nil {
			return nil, err
		}
		obj, err := ctor(s, req.Args)
		if err != nil {
			return nil, err
		}
		return rt.addObject(obj), nil

	case opFactory:
		ref, err := ParseRef(req.Target)
		if err != nil {
			return nil, err
		}
		fn, err := rt.lib.lookupFunc(ref)
		if err != nil {
			return nil, err
		}
		v, err := fn(s, req.Args)
		if err != nil {
			return nil, err
		}
		obj, ok := v.(Object)
		if !ok {
			return nil, fmt.Errorf("factory %s returned %T, not an object: %w", ref, v, errors.ErrInvalidInput)
		}
		return rt.addObject(obj), nil

	case opInvoke:
		rt.mu.Lock()
		obj, ok := rt.objects[req.Object]
		rt.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("object %d: %w", req.Object, errors.ErrUnknownTarget)
		}
		return obj.Invoke(s, req.Method, req.Args)

	default:
		return nil, fmt.Errorf("unknown op %q: %w", req.Op, errors.ErrInvalidInput)
	}
}

func (rt *runtime) addObject(obj Object) objectID {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.nextObj++
	rt.objects[rt.nextObj] = obj
	return objectID(rt.nextObj)
}

func (rt *runtime) dropObject(id uint64) {
	rt.mu.Lock()
	obj, ok := rt.objects[id]
	delete(rt.objects, id)
	rt.mu.Unlock()
	if !ok {
		return
	}
	if c, ok := obj.(interface{ Close() error }); ok {
		c.Close()
	}
}

// crash stops the worker abnormally. The host is told why before the link
// closes.
func (rt *runtime) crash(value any, stack []byte) {
	rt.logger.Error("uncaught panic in worker", "panic", fmt.Sprint(value))
	rt.stop(&exitNotice{Exit: 1, Error: fmt.Sprint(value), Stack: string(stack)})
}

// kill stops the worker without waiting for anything it keeps alive.
func (rt *runtime) kill() {
	rt.cancel()
}

// stop winds the worker down once. A clean stop first closes what was held
// without keeping alive and releases child workers, then waits for the
// worker's ledger to drain; a crash or kill skips the wait.
func (rt *runtime) stop(notice *exitNotice) {
	rt.stopOnce.Do(func() {
		if notice != nil {
			if p, err := wire.JSON(notice); err == nil {
				rt.link.Send(p)
			}
			rt.link.Close()
			rt.cancel()
		}
		rt.link.Close()

		rt.mu.Lock()
		rt.stopping = true
		items := rt.held
		rt.held = nil
		children := rt.children
		rt.children = nil
		rt.mu.Unlock()

		var kept []held
		for _, h := range items {
			if h.keepAlive {
				kept = append(kept, h)
				continue
			}
			h.res.Close()
		}
		for _, w := range children {
			w.Release()
		}

		if err := rt.bc.Ledger().WaitIdle(rt.ctx); err != nil && notice == nil {
			rt.logger.Debug("worker stopped before its references drained", "refs", rt.bc.Ledger().Reasons())
		}
		rt.cancel()

		for _, h := range kept {
			h.res.Close()
		}
		for _, w := range children {
			w.Terminate(errors.New("parent worker stopped"))
		}
		rt.mu.Lock()
		objects := rt.objects
		rt.objects = make(map[uint64]Object)
		rt.mu.Unlock()
		for _, obj := range objects {
			if c, ok := obj.(interface{ Close() error }); ok {
				c.Close()
			}
		}
		rt.bc.Close()
		close(rt.finished)
	})
}

// -----------------------------------------------------------------------------
// Scope
// -----------------------------------------------------------------------------

// Scope is what code running inside a worker sees of it.
type Scope struct {
	rt          *runtime
	transferred []*bridge.Link
}

// Context is canceled when the worker stops.
func (s *Scope) Context() context.Context { return s.rt.ctx }

// WorkerID returns the id of the worker running this code.
func (s *Scope) WorkerID() string { return s.rt.id }

// Bridge returns the worker's own context. Ports listened on it are
// private to the worker.
func (s *Scope) Bridge() *bridge.Context { return s.rt.bc }

// Logger returns the worker's logger.
func (s *Scope) Logger() *logging.Logger { return s.rt.logger }

// Transferred returns the i-th link handed over with the current call.
func (s *Scope) Transferred(i int) (*bridge.Link, error) {
	if i < 0 || i >= len(s.transferred) {
		return nil, fmt.Errorf("transferred link %d: %d given: %w", i, len(s.transferred), errors.ErrInvalidInput)
	}
	return s.transferred[i], nil
}

// NumTransferred returns the number of links handed over with the call.
func (s *Scope) NumTransferred() int { return len(s.transferred) }

func (s *Scope) closeTransferred() {
	for _, l := range s.transferred {
		l.Close()
	}
}

// Hold ties a link or port to the worker's lifetime. With keepAlive the
// worker outlives its last host handle until res closes; without it res
// is closed as soon as the worker is released.
func (s *Scope) Hold(res interface {
	Close() error
	Unref()
}, keepAlive bool) error {
	rt := s.rt
	rt.mu.Lock()
	if rt.stopping {
		rt.mu.Unlock()
		res.Close()
		return fmt.Errorf("worker %s: %w", rt.id, errors.ErrWorkerReleased)
	}
	rt.held = append(rt.held, held{res: res, keepAlive: keepAlive})
	rt.mu.Unlock()

	if !keepAlive {
		res.Unref()
		return nil
	}
	if l, ok := res.(*bridge.Link); ok {
		return l.Activate()
	}
	return nil
}

// Go runs fn in the background. A panic in fn crashes the worker: calls
// in flight fail with a WorkerCrashError carrying the panic and its stack.
func (s *Scope) Go(fn func(ctx context.Context)) {
	rt := s.rt
	go func() {
		var pc panics.Catcher
		pc.Try(func() { fn(rt.ctx) })
		if r := pc.Recovered(); r != nil {
			rt.crash(r.Value, r.Stack)
		}
	}()
}

// NewWorker starts a nested worker owned by this one. It resolves targets
// against the same library and is released when this worker stops.
func (s *Scope) NewWorker(opts ...Option) (*Worker, error) {
	rt := s.rt
	opts = append(opts, withParent(rt.id))
	w, err := New(rt.ctx, rt.bc, rt.lib, opts...)
	if err != nil {
		return nil, err
	}
	rt.mu.Lock()
	if rt.stopping {
		rt.mu.Unlock()
		w.Terminate(errors.New("parent worker stopped"))
		return nil, fmt.Errorf("worker %s: %w", rt.id, errors.ErrWorkerReleased)
	}
	rt.children = append(rt.children, w)
	rt.mu.Unlock()
	return w, nil
}
