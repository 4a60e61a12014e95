package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotRegistered is returned by Lookup for an unknown function name.
var ErrNotRegistered = errors.New("function not registered")

// Func is a registered unit of work. In extended mode it is called once per
// input item; in simple mode once per worker with an empty Call.Item.
// The returned value must be JSON-serializable.
type Func func(ctx context.Context, call Call) (any, error)

// Call carries one invocation's input as raw JSON.
type Call struct {
	// Chunk is the index of the chunk being processed.
	Chunk int
	// Index is the item's position in the run's input, or -1 in simple mode.
	Index int
	// Item is the JSON-encoded input item; nil in simple mode.
	Item json.RawMessage
	// Args are the run's extra arguments, JSON-encoded.
	Args []json.RawMessage
}

// Decode unmarshals the call's item into v.
func (c Call) Decode(v any) error {
	if c.Item == nil {
		return errors.New("call has no item")
	}
	if err := json.Unmarshal(c.Item, v); err != nil {
		return fmt.Errorf("decode item %d: %w", c.Index, err)
	}
	return nil
}

// Arg unmarshals argument i into v.
func (c Call) Arg(i int, v any) error {
	if i < 0 || i >= len(c.Args) {
		return fmt.Errorf("argument %d out of range (have %d)", i, len(c.Args))
	}
	if err := json.Unmarshal(c.Args[i], v); err != nil {
		return fmt.Errorf("decode argument %d: %w", i, err)
	}
	return nil
}

// Registry holds named functions. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		funcs: make(map[string]Func),
	}
}

// Default is the process-wide registry used by the package-level helpers.
var Default = New()

// Register adds fn under name. Names must be non-empty and unique.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return errors.New("function name is empty")
	}
	if fn == nil {
		return fmt.Errorf("function %q is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.funcs[name]; ok {
		return fmt.Errorf("function %q is already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(name string, fn Func) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotRegistered, name)
	}
	return fn, nil
}

// List returns all registered names, sorted for a stable listing.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
