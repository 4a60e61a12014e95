package turbit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/seantiz/turbit/internal/registry"
)

type (
	// Func is a registered function working on raw JSON input.
	Func = registry.Func
	// Call is one invocation's input.
	Call = registry.Call
)

// Register adds fn to the process-wide registry under name.
func Register(name string, fn Func) error {
	return registry.Default.Register(name, fn)
}

// MustRegister is like Register but panics on error.
func MustRegister(name string, fn Func) {
	registry.Default.MustRegister(name, fn)
}

// Functions lists the registered function names in sorted order.
func Functions() []string {
	return registry.Default.List()
}

// Args gives typed access to a run's extra arguments.
type Args []json.RawMessage

// Len returns the number of arguments.
func (a Args) Len() int {
	return len(a)
}

// Decode unmarshals argument i into v.
func (a Args) Decode(i int, v any) error {
	return Call{Args: a}.Arg(i, v)
}

// Map adapts a typed per-item function for extended mode.
func Map[T, R any](fn func(ctx context.Context, item T) (R, error)) Func {
	return func(ctx context.Context, c Call) (any, error) {
		var item T
		if err := c.Decode(&item); err != nil {
			return nil, err
		}
		return fn(ctx, item)
	}
}

// MapArgs is like Map but also passes the run's arguments.
func MapArgs[T, R any](fn func(ctx context.Context, item T, args Args) (R, error)) Func {
	return func(ctx context.Context, c Call) (any, error) {
		var item T
		if err := c.Decode(&item); err != nil {
			return nil, err
		}
		return fn(ctx, item, Args(c.Args))
	}
}

// Task adapts a function for simple mode, where it runs once per worker.
func Task[R any](fn func(ctx context.Context) (R, error)) Func {
	return func(ctx context.Context, _ Call) (any, error) {
		return fn(ctx)
	}
}

// Decode unmarshals every result of res into R, in order.
func Decode[R any](res *Result) ([]R, error) {
	if res == nil {
		return nil, nil
	}
	out := make([]R, len(res.Data))
	for i, raw := range res.Data {
		if err := json.Unmarshal(raw, &out[i]); err != nil {
			return nil, fmt.Errorf("decode result %d: %w", i, err)
		}
	}
	return out, nil
}
