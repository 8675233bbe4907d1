package worker

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/errors"
)

// Ref names an exported function or class inside a module.
type Ref struct {
	Module string
	Name   string
}

// ParseRef parses "module#name".
func ParseRef(s string) (Ref, error) {
	module, name, ok := strings.Cut(s, "#")
	if !ok || module == "" || name == "" {
		return Ref{}, fmt.Errorf("invalid target %q: want module#name: %w", s, errors.ErrInvalidInput)
	}
	return Ref{Module: module, Name: name}, nil
}

// String returns "module#name".
func (r Ref) String() string { return r.Module + "#" + r.Name }

// Args are the JSON-encoded arguments of a call.
type Args []json.RawMessage

// Len returns the number of arguments.
func (a Args) Len() int { return len(a) }

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	if i < 0 || i >= len(a) {
		return fmt.Errorf("argument %d: only %d given: %w", i, len(a), errors.ErrInvalidInput)
	}
	if err := json.Unmarshal(a[i], v); err != nil {
		return fmt.Errorf("argument %d: %w", i, err)
	}
	return nil
}

// Func is an exported function callable from the host.
type Func func(s *Scope, args Args) (any, error)

// Object is an instance living inside a worker.
type Object interface {
	Invoke(s *Scope, method string, args Args) (any, error)
}

// Methods is an Object dispatching by method name.
type Methods map[string]Func

// Invoke implements Object.
func (m Methods) Invoke(s *Scope, method string, args Args) (any, error) {
	fn, ok := m[method]
	if !ok {
		return nil, fmt.Errorf("method %q: %w", method, errors.ErrUnknownTarget)
	}
	return fn(s, args)
}

// Ctor constructs an Object.
type Ctor func(s *Scope, args Args) (Object, error)

// Transfer is returned by a Func to hand links back to the caller along
// with the result.
type Transfer struct {
	Value any
	Links []*bridge.Link
}

// Library resolves Refs to functions and classes. Workers resolve targets
// against the library they were created with.
type Library struct {
	mu      sync.RWMutex
	funcs   map[Ref]Func
	classes map[Ref]Ctor
}

// NewLibrary returns an empty library.
func NewLibrary() *Library {
	return &Library{
		funcs:   make(map[Ref]Func),
		classes: make(map[Ref]Ctor),
	}
}

// Register exports fn as module#name.
func (l *Library) Register(module, name string, fn Func) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.funcs[Ref{module, name}] = fn
}

// RegisterClass exports ctor as module#name.
func (l *Library) RegisterClass(module, name string, ctor Ctor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.classes[Ref{module, name}] = ctor
}

func (l *Library) lookupFunc(r Ref) (Func, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	fn, ok := l.funcs[r]
	if !ok {
		return nil, fmt.Errorf("function %s: %w", r, errors.ErrUnknownTarget)
	}
	return fn, nil
}

func (l *Library) lookupClass(r Ref) (Ctor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ctor, ok := l.classes[r]
	if !ok {
		return nil, fmt.Errorf("class %s: %w", r, errors.ErrUnknownTarget)
	}
	return ctor, nil
}

// Targets lists every exported name, sorted.
func (l *Library) Targets() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.funcs)+len(l.classes))
	for r := range l.funcs {
		out = append(out, r.String())
	}
	for r := range l.classes {
		out = append(out, r.String()+" (class)")
	}
	sort.Strings(out)
	return out
}
