package worker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/wire"
)

// RemoteObject is a proxy for an instance living inside a worker. It
// keeps the worker alive until Release.
type RemoteObject struct {
	w        *Worker
	id       uint64
	target   Ref
	released atomic.Bool
}

// Worker returns the worker hosting the object.
func (o *RemoteObject) Worker() *Worker { return o.w }

func (o *RemoteObject) String() string {
	return fmt.Sprintf("%s@%d", o.target, o.id)
}

// Call invokes method on the remote instance.
func (o *RemoteObject) Call(ctx context.Context, method string, args ...any) (*Result, error) {
	return o.CallWithTransferList(ctx, method, nil, args...)
}

// CallWithTransferList is Call handing the links of transfer to the method.
func (o *RemoteObject) CallWithTransferList(ctx context.Context, method string, transfer []*bridge.Link, args ...any) (*Result, error) {
	if o.released.Load() {
		return nil, fmt.Errorf("object %s: %w", o, errors.ErrWorkerReleased)
	}
	encoded, err := encodeArgs(args)
	if err != nil {
		return nil, err
	}
	return o.w.call(ctx, &request{Op: opInvoke, Object: o.id, Method: method, Args: encoded}, transfer)
}

// Method returns a bound method of the object.
func (o *RemoteObject) Method(name string) *Method {
	return &Method{obj: o, name: name}
}

// Release drops the instance inside the worker and the proxy's hold on
// the worker. It is idempotent.
func (o *RemoteObject) Release() {
	if !o.released.CompareAndSwap(false, true) {
		return
	}
	if p, err := wire.JSON(&request{Op: opRelease, Object: o.id}); err == nil {
		o.w.link.Send(p)
	}
	o.w.release()
}

// Method is a method of a remote object bound to its receiver.
type Method struct {
	obj  *RemoteObject
	name string
}

// Name returns the method name.
func (m *Method) Name() string { return m.name }

// Call invokes the method.
func (m *Method) Call(ctx context.Context, args ...any) (*Result, error) {
	return m.obj.Call(ctx, m.name, args...)
}

// CallWithTransferList invokes the method handing over the links of
// transfer.
func (m *Method) CallWithTransferList(ctx context.Context, transfer []*bridge.Link, args ...any) (*Result, error) {
	return m.obj.CallWithTransferList(ctx, m.name, transfer, args...)
}
