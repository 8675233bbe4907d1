package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/event"
	"github.com/Iron-Ham/bridge/internal/ledger"
	"github.com/Iron-Ham/bridge/internal/logging"
	"github.com/Iron-Ham/bridge/internal/waitable"
	"github.com/Iron-Ham/bridge/internal/wire"
)

// Option configures a Worker.
type Option func(*options)

type options struct {
	callTimeout time.Duration
	parentID    string
}

// WithCallTimeout bounds every call into the worker. A call that runs
// longer fails with a TimeoutError and the worker is terminated.
func WithCallTimeout(d time.Duration) Option {
	return func(o *options) {
		o.callTimeout = d
	}
}

func withParent(id string) Option {
	return func(o *options) {
		o.parentID = id
	}
}

// Worker is the host's handle on an isolated execution context reached
// only through a link. The worker runs until every handle on it and on its
// remote objects is released, it crashes, or it is terminated.
type Worker struct {
	id      string
	bc      *bridge.Context
	link    *bridge.Link
	logger  *logging.Logger
	timeout time.Duration
	ref     *ledger.Ref
	rt      *runtime

	mu       sync.Mutex
	refs     int
	released bool
	killErr  error

	exited  chan struct{}
	exitErr error
}

// New starts a worker resolving targets against lib. The worker gets its
// own child context of bc; ctx bounds its whole lifetime.
func New(ctx context.Context, bc *bridge.Context, lib *Library, opts ...Option) (*Worker, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	id := ulid.Make().String()
	logger := bc.Logger().WithWorker(id)

	host, far := bc.NewLinkPair()
	h, err := bc.Park(far)
	if err != nil {
		host.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	child := bc.Child(bridge.WithLogger(logger))
	end, err := child.Claim(h)
	if err != nil {
		host.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}

	w := &Worker{
		id:      id,
		bc:      bc,
		link:    host,
		logger:  logger,
		timeout: o.callTimeout,
		ref:     bc.Ledger().Ref("worker " + id),
		refs:    1,
		exited:  make(chan struct{}),
	}
	w.rt = newRuntime(ctx, id, child, end, lib, logger)

	go w.rt.run()
	go w.watch()

	logger.Info("worker started", "parent", o.parentID)
	bc.Bus().Publish(event.NewWorkerStartedEvent(id, o.parentID))
	return w, nil
}

// ID returns the worker's id.
func (w *Worker) ID() string { return w.id }

// Exited returns a channel closed once the worker has fully stopped.
func (w *Worker) Exited() <-chan struct{} { return w.exited }

// Err returns why the worker stopped: nil after a clean release, a
// *errors.WorkerCrashError otherwise. It is only meaningful after Exited
// is closed.
func (w *Worker) Err() error {
	select {
	case <-w.exited:
		return w.exitErr
	default:
		return nil
	}
}

// Wait blocks until the worker has stopped and returns Err.
func (w *Worker) Wait(ctx context.Context) error {
	if err := waitable.Wait(ctx, w.exited); err != nil {
		return err
	}
	return w.exitErr
}

// watch reads the host end until it closes, picking up the exit notice a
// crashing worker sends before closing.
func (w *Worker) watch() {
	var crash error
	for {
		msg, err := w.link.Receive(context.Background())
		if err != nil {
			break
		}
		var n exitNotice
		if msg.Decode(&n) == nil && n.Exit != 0 {
			crash = errors.NewWorkerCrashError(w.id, n.Exit, errors.New(n.Error)).WithStack(n.Stack)
		}
	}
	<-w.rt.finished

	w.mu.Lock()
	if crash == nil && w.killErr != nil {
		crash = errors.NewWorkerCrashError(w.id, 1, w.killErr)
	}
	w.released = true
	w.mu.Unlock()

	w.exitErr = crash
	code := 0
	if crash != nil {
		code = 1
		w.logger.Warn("worker exited", "error", crash)
	} else {
		w.logger.Info("worker exited")
	}
	close(w.exited)
	w.ref.Release()
	w.bc.Bus().Publish(event.NewWorkerExitedEvent(w.id, code, crash))
}

// retain adds a handle on the worker. It fails once the worker is released.
func (w *Worker) retain() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.released {
		return fmt.Errorf("worker %s: %w", w.id, errors.ErrWorkerReleased)
	}
	w.refs++
	return nil
}

func (w *Worker) release() {
	w.mu.Lock()
	if w.refs == 0 {
		w.mu.Unlock()
		return
	}
	w.refs--
	last := w.refs == 0
	if last {
		w.released = true
	}
	w.mu.Unlock()

	if last {
		w.logger.Debug("last handle released")
		w.link.Close()
	}
}

// Release drops the host's handle. The worker stops once its remote
// objects are released too; links it held without keeping alive are
// closed and their peers observe the close.
func (w *Worker) Release() {
	w.mu.Lock()
	if w.released {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()
	w.release()
}

// Terminate stops the worker immediately. Calls in flight fail with a
// WorkerCrashError carrying cause.
func (w *Worker) Terminate(cause error) {
	if cause == nil {
		cause = errors.New("terminated")
	}
	w.mu.Lock()
	if w.killErr == nil {
		w.killErr = cause
	}
	w.released = true
	w.refs = 0
	w.mu.Unlock()

	w.rt.kill()
	w.link.Close()
}

// -----------------------------------------------------------------------------
// Calls
// -----------------------------------------------------------------------------

// Result is the outcome of a remote call.
type Result struct {
	raw    json.RawMessage
	object uint64
	// Links are the links the callee transferred back with its result.
	Links []*bridge.Link
}

// Decode unmarshals the returned value into v.
func (r *Result) Decode(v any) error {
	if len(r.raw) == 0 {
		return fmt.Errorf("decode result: no value returned")
	}
	return json.Unmarshal(r.raw, v)
}

// Raw returns the JSON encoding of the returned value.
func (r *Result) Raw() json.RawMessage { return r.raw }

// CallRemote invokes the function target inside the worker. An error the
// function returns or a panic inside it is reported as a
// *errors.RemoteException carrying the worker-side stack.
func (w *Worker) CallRemote(ctx context.Context, target Ref, args ...any) (*Result, error) {
	return w.CallWithTransferList(ctx, target, nil, args...)
}

// CallWithTransferList is CallRemote handing the links of transfer to the
// callee, which claims them with Scope.Transferred.
func (w *Worker) CallWithTransferList(ctx context.Context, target Ref, transfer []*bridge.Link, args ...any) (*Result, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	return w.call(ctx, &request{Op: opCall, Target: target.String(), Args: encoded}, transfer)
}

// NewRemoteObject constructs an instance of the class target inside the
// worker and returns its proxy.
func (w *Worker) NewRemoteObject(ctx context.Context, target Ref, args ...any) (*RemoteObject, error) {
	return w.newObject(ctx, opNew, target, args)
}

// CallFactory calls the function target, which must return an Object, and
// returns a proxy for it.
func (w *Worker) CallFactory(ctx context.Context, target Ref, args ...any) (*RemoteObject, error) {
	return w.newObject(ctx, opFactory, target, args)
}

func (w *Worker) newObject(ctx context.Context, op string, target Ref, args []any) (*RemoteObject, error) {
	encoded, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	res, err := w.call(ctx, &request{Op: op, Target: target.String(), Args: encoded}, nil)
	if err != nil {
		return nil, err
	}
	if err := w.retain(); err != nil {
		return nil, err
	}
	return &RemoteObject{w: w, id: res.object, target: target}, nil
}

func (w *Worker) call(ctx context.Context, req *request, transfer []*bridge.Link) (*Result, error) {
	w.mu.Lock()
	released := w.released
	w.mu.Unlock()
	if released {
		return nil, fmt.Errorf("worker %s: %w", w.id, errors.ErrWorkerReleased)
	}

	p, err := wire.JSON(req)
	if err != nil {
		return nil, err
	}
	call, err := w.link.SendRequestTransfer(p, transfer...)
	if err != nil {
		return nil, w.failure(ctx, err)
	}
	reply, err := w.await(ctx, call, req)
	if err != nil {
		return nil, w.failure(ctx, err)
	}

	var resp response
	if err := reply.Decode(&resp); err != nil {
		return nil, fmt.Errorf("worker %s: %w", w.id, err)
	}
	links, err := w.bc.ClaimAll(reply)
	if err != nil {
		return nil, err
	}
	return &Result{raw: resp.Result, object: resp.Object, Links: links}, nil
}

// await races the call against the call timeout, if any.
func (w *Worker) await(ctx context.Context, call *bridge.Call, req *request) (*wire.Message, error) {
	if w.timeout <= 0 {
		return call.Wait(ctx)
	}

	timer := waitable.NewTimer()
	timer.Reset(w.timeout)
	defer timer.Stop()

	select {
	case <-call.Done():
		return call.Result()
	case <-timer.WaitSignalled():
		err := errors.NewTimeoutError(req.describe(), w.timeout)
		call.Abandon(err)
		w.logger.Warn("call timed out, terminating worker", "op", req.describe(), "timeout", w.timeout)
		w.Terminate(err)
		return nil, err
	case <-ctx.Done():
		call.Abandon(ctx.Err())
		return call.Result()
	}
}

// failure maps a closed host link to the reason the worker stopped.
func (w *Worker) failure(ctx context.Context, err error) error {
	if !errors.Is(err, errors.ErrLinkClosed) {
		return err
	}
	if waitable.Wait(ctx, w.exited) != nil {
		return err
	}
	if w.exitErr != nil {
		return w.exitErr
	}
	return fmt.Errorf("worker %s: %w", w.id, errors.ErrWorkerReleased)
}

func (r *request) describe() string {
	switch r.Op {
	case opInvoke:
		return fmt.Sprintf("invoke %s on object %d", r.Method, r.Object)
	case opRelease:
		return fmt.Sprintf("release object %d", r.Object)
	default:
		return r.Op + " " + r.Target
	}
}
