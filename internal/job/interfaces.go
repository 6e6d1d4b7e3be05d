package job

import (
	"context"
	"time"

	"go-backburner-worker/internal/broker"
)

// Handler performs one job class
type Handler interface {
	// Perform runs the job with its positional arguments. Returning an
	// error wrapping ErrRetryRequested asks for a quiet retry.
	Perform(ctx context.Context, args []any) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, args []any) error

func (f HandlerFunc) Perform(ctx context.Context, args []any) error {
	return f(ctx, args)
}

// Queuer is implemented by handlers that declare their own tube.
type Queuer interface {
	Queue() string
}

// Prioritizer is implemented by handlers with a default priority.
type Prioritizer interface {
	Priority() uint32
}

// RespondTimeouter is implemented by handlers with a default TTR.
type RespondTimeouter interface {
	RespondTimeout() time.Duration
}

// Conn is the subset of the broker a Job resolves itself through
type Conn interface {
	Delete(ctx context.Context, m *broker.Message) error
	Release(ctx context.Context, m *broker.Message, pri uint32, delay time.Duration) error
	Bury(ctx context.Context, m *broker.Message, pri uint32) error
	StatsJob(ctx context.Context, id uint64) (*broker.Stats, error)
}
