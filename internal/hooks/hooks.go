// Package hooks holds the lifecycle callbacks invoked around enqueueing and
// performing jobs. Hooks are registered globally on a Set or per job class
// by implementing the optional interfaces below on the job's handler.
package hooks

import (
	"context"
	"time"
)

// Per-class hook interfaces, checked on the job handler.
type (
	BeforeEnqueuer interface {
		BeforeEnqueue(ctx context.Context, args []any) bool
	}
	AfterEnqueuer interface {
		AfterEnqueue(ctx context.Context, args []any) bool
	}
	BeforePerformer interface {
		BeforePerform(ctx context.Context, args []any) bool
	}
	AfterPerformer interface {
		AfterPerform(ctx context.Context, args []any)
	}
	FailureHandler interface {
		OnFailure(ctx context.Context, err error, args []any)
	}
	RetryHandler interface {
		OnRetry(ctx context.Context, attempt int, delay time.Duration, args []any)
	}
	BuryHandler interface {
		OnBury(ctx context.Context, args []any)
	}
)

// Global hook signatures. name is the job class name.
type (
	GateFunc    func(ctx context.Context, name string, args []any) bool
	NotifyFunc  func(ctx context.Context, name string, args []any)
	FailureFunc func(ctx context.Context, name string, args []any, err error)
	RetryFunc   func(ctx context.Context, name string, args []any, attempt int, delay time.Duration)
	// ReconnectFunc receives the id of the connection that was redialed.
	ReconnectFunc func(ctx context.Context, connID string)
)

// Set is a collection of global hooks. The zero value is an empty set.
// It must not be modified once workers start.
type Set struct {
	BeforeEnqueue []GateFunc
	AfterEnqueue  []GateFunc
	BeforePerform []GateFunc
	AfterPerform  []NotifyFunc
	OnFailure     []FailureFunc
	OnRetry       []RetryFunc
	OnBury        []NotifyFunc
	OnReconnect   []ReconnectFunc
}

// InvokeBeforeEnqueue runs every before-enqueue hook and reports whether all
// of them returned true. A nil Set only consults the handler.
func (s *Set) InvokeBeforeEnqueue(ctx context.Context, handler any, name string, args []any) bool {
	ok := true
	if s != nil {
		ok = gate(ctx, s.BeforeEnqueue, name, args)
	}
	if h, is := handler.(BeforeEnqueuer); is {
		ok = h.BeforeEnqueue(ctx, args) && ok
	}
	return ok
}

// InvokeAfterEnqueue runs every after-enqueue hook and reports whether all
// of them returned true.
func (s *Set) InvokeAfterEnqueue(ctx context.Context, handler any, name string, args []any) bool {
	ok := true
	if s != nil {
		ok = gate(ctx, s.AfterEnqueue, name, args)
	}
	if h, is := handler.(AfterEnqueuer); is {
		ok = h.AfterEnqueue(ctx, args) && ok
	}
	return ok
}

// InvokeBeforePerform runs every before-perform hook and reports whether all
// of them returned true.
func (s *Set) InvokeBeforePerform(ctx context.Context, handler any, name string, args []any) bool {
	ok := true
	if s != nil {
		ok = gate(ctx, s.BeforePerform, name, args)
	}
	if h, is := handler.(BeforePerformer); is {
		ok = h.BeforePerform(ctx, args) && ok
	}
	return ok
}

func (s *Set) InvokeAfterPerform(ctx context.Context, handler any, name string, args []any) {
	if s != nil {
		for _, fn := range s.AfterPerform {
			fn(ctx, name, args)
		}
	}
	if h, is := handler.(AfterPerformer); is {
		h.AfterPerform(ctx, args)
	}
}

func (s *Set) InvokeOnFailure(ctx context.Context, handler any, name string, args []any, err error) {
	if s != nil {
		for _, fn := range s.OnFailure {
			fn(ctx, name, args, err)
		}
	}
	if h, is := handler.(FailureHandler); is {
		h.OnFailure(ctx, err, args)
	}
}

func (s *Set) InvokeOnRetry(ctx context.Context, handler any, name string, args []any, attempt int, delay time.Duration) {
	if s != nil {
		for _, fn := range s.OnRetry {
			fn(ctx, name, args, attempt, delay)
		}
	}
	if h, is := handler.(RetryHandler); is {
		h.OnRetry(ctx, attempt, delay, args)
	}
}

func (s *Set) InvokeOnBury(ctx context.Context, handler any, name string, args []any) {
	if s != nil {
		for _, fn := range s.OnBury {
			fn(ctx, name, args)
		}
	}
	if h, is := handler.(BuryHandler); is {
		h.OnBury(ctx, args)
	}
}

func (s *Set) InvokeOnReconnect(ctx context.Context, connID string) {
	if s == nil {
		return
	}
	for _, fn := range s.OnReconnect {
		fn(ctx, connID)
	}
}

// gate runs all fns, even after one returns false.
func gate(ctx context.Context, fns []GateFunc, name string, args []any) bool {
	ok := true
	for _, fn := range fns {
		if !fn(ctx, name, args) {
			ok = false
		}
	}
	return ok
}
