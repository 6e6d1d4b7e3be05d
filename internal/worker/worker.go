// Package worker runs the reserve, process and resolve loop over a set of
// tubes and provides the enqueue path producers use to put jobs on them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-backburner-worker/internal/broker"
	"go-backburner-worker/internal/config"
	"go-backburner-worker/internal/connection"
	"go-backburner-worker/internal/hooks"
	"go-backburner-worker/internal/job"
)

// RetryDelayFunc maps the base delay and the number of retries already made
// to the delay before the next attempt.
type RetryDelayFunc func(base time.Duration, attempt int) (time.Duration, error)

// DefaultRetryDelay waits base plus attempt cubed seconds.
func DefaultRetryDelay(base time.Duration, attempt int) (time.Duration, error) {
	return base + time.Duration(attempt*attempt*attempt)*time.Second, nil
}

// ErrorContext describes one failed attempt. It is passed to Options.OnError
// exactly once per failure.
type ErrorContext struct {
	Err     error
	JobName string
	Args    []any
	Job     *job.Job
}

// Options holds everything a Worker or an Enqueue call needs. Registry and
// Dialer are required; the rest have defaults.
type Options struct {
	Config     *config.Config
	Registry   *job.Registry
	Hooks      *hooks.Set
	Dialer     broker.Dialer
	Serializer job.Serializer
	RetryDelay RetryDelayFunc
	OnError    func(ErrorContext)
	Logger     *slog.Logger
}

func (o Options) withDefaults() (Options, error) {
	if o.Dialer == nil {
		return o, errors.New("worker: dialer is required")
	}
	if o.Config == nil {
		o.Config = config.Default()
	}
	if o.Registry == nil {
		o.Registry = job.NewRegistry()
	}
	if o.Serializer == nil {
		o.Serializer = job.JSONSerializer{}
	}
	if o.RetryDelay == nil {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o, nil
}

func (o Options) connect(ctx context.Context) (*connection.Connection, error) {
	hs := o.Hooks
	return connection.New(ctx, o.Dialer,
		connection.WithMaxReconnects(o.Config.Broker.MaxReconnects),
		connection.WithReconnectRate(o.Config.Broker.ReconnectRate),
		connection.WithLogger(o.Logger),
		connection.WithOnReconnect(func(ctx context.Context, c *connection.Connection) {
			hs.InvokeOnReconnect(ctx, c.ID())
		}),
	)
}

// Worker consumes jobs from its tubes one at a time. It owns its Connection
// exclusively; run several Workers for parallelism.
type Worker struct {
	id     string
	opts   Options
	conn   *connection.Connection
	tubes  []string
	logger *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// New connects to the broker and resolves the tubes to watch. With no
// tubes given it falls back to the configured defaults.
func New(ctx context.Context, opts Options, tubes ...string) (*Worker, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	conn, err := opts.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}

	id := uuid.New().String()
	w := &Worker{
		id:     id,
		opts:   opts,
		conn:   conn,
		logger: opts.Logger.With("worker_id", id),
		stop:   make(chan struct{}),
	}
	w.tubes, err = w.resolveTubes(ctx, tubes)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("worker: %w", err)
	}
	return w, nil
}

func (w *Worker) ID() string      { return w.id }
func (w *Worker) Tubes() []string { return append([]string(nil), w.tubes...) }

// Enqueue puts a job using this worker's options on a fresh connection.
func (w *Worker) Enqueue(ctx context.Context, class string, args []any, eo EnqueueOptions) (*Receipt, error) {
	return Enqueue(ctx, w.opts, class, args, eo)
}

// Run processes jobs until Shutdown is called or ctx is cancelled. Either one
// interrupts an idle reserve wait; a job already reserved always runs to
// completion. The connection is closed on return.
func (w *Worker) Run(ctx context.Context) error {
	defer w.conn.Close()

	w.logger.Info("worker started", "tubes", w.tubes)
	for {
		if w.stopping(ctx) {
			w.logger.Info("worker exiting")
			return nil
		}
		if w.WorkOneJob(ctx) == ReserveFailed {
			select {
			case <-ctx.Done():
			case <-w.stop:
			case <-time.After(time.Second):
			}
		}
	}
}

// Shutdown asks Run to return after the in-flight job. It does not block.
func (w *Worker) Shutdown() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// Close releases the connection of a worker that was never run.
func (w *Worker) Close() error {
	return w.conn.Close()
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-w.stop:
		return true
	default:
		return ctx.Err() != nil
	}
}
