package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go-backburner-worker/internal/broker"
	"go-backburner-worker/internal/job"
)

// AttemptState is where a single WorkOneJob call ended
type AttemptState int

const (
	ReserveTimeout AttemptState = iota
	ReserveFailed
	DecodeFailed
	Skipped
	Succeeded
	RetryScheduled
	Buried
	// ResolveFailed means the job failed and the broker could not be told
	// whether to retry or bury it. The lease lapses after its TTR.
	ResolveFailed
)

func (s AttemptState) String() string {
	switch s {
	case ReserveTimeout:
		return "reserve_timeout"
	case ReserveFailed:
		return "reserve_failed"
	case DecodeFailed:
		return "decode_failed"
	case Skipped:
		return "skipped"
	case Succeeded:
		return "succeeded"
	case RetryScheduled:
		return "retry_scheduled"
	case Buried:
		return "buried"
	case ResolveFailed:
		return "resolve_failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// WorkOneJob reserves one job from the worker's tubes, processes it and
// resolves the outcome. A failed job is released with a delay while it has
// retries left and buried otherwise.
//
// Cancelling ctx or calling Shutdown interrupts the reserve wait. Once a job
// is reserved it runs to completion on a context detached from ctx.
func (w *Worker) WorkOneJob(ctx context.Context) AttemptState {
	msg, err := w.reserve(ctx)
	if errors.Is(err, broker.ErrTimedOut) || (err != nil && w.stopping(ctx)) {
		return ReserveTimeout
	}
	if err != nil {
		w.logger.Error("reserve failed, no job to retry", "error", err)
		return ReserveFailed
	}

	j, err := job.New(msg, w.conn, w.opts.Registry, w.opts.Serializer, w.opts.Hooks)
	if err != nil {
		w.logger.Error("job format invalid", "job_id", msg.ID, "tube", msg.Tube, "error", err)
		return DecodeFailed
	}

	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	w.logger.Info("job begin", "job_id", j.ID(), "name", j.Name(), "args", j.Args(), "attempt", j.Attempt())
	res := j.Process(ctx)
	switch res.Outcome {
	case job.Success:
		w.logger.Info("job completed", "job_id", j.ID(), "name", j.Name(), "elapsed_ms", time.Since(started).Milliseconds())
		return Succeeded
	case job.Skipped:
		w.logger.Info("job skipped by before_perform hook", "job_id", j.ID(), "name", j.Name())
		return Skipped
	case job.Failure:
		w.logger.Error("job error", "job_id", j.ID(), "name", j.Name(), "error", res.Err)
	}
	return w.resolveFailure(ctx, j, res.Err, started)
}

// reserve waits for a job until the reserve timeout, ctx or Shutdown.
func (w *Worker) reserve(ctx context.Context) (*broker.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return w.conn.Reserve(ctx, w.tubes, w.opts.Config.Queue.ReserveTimeout)
}

func (w *Worker) resolveFailure(ctx context.Context, j *job.Job, cause error, started time.Time) AttemptState {
	defer w.handleError(ErrorContext{Err: cause, JobName: j.Name(), Args: j.Args(), Job: j})

	stats, err := j.Stats(ctx)
	if err != nil {
		w.logger.Error("job stats unavailable, leaving job to its ttr", "job_id", j.ID(), "name", j.Name(), "error", err)
		return ResolveFailed
	}

	maxRetries := w.opts.Config.Retry.MaxJobRetries
	numRetries := int(stats.Releases)
	status := fmt.Sprintf("failed: attempt %d of %d", numRetries+1, maxRetries+1)
	elapsed := time.Since(started).Milliseconds()

	if numRetries < maxRetries {
		delay := w.retryDelay(numRetries)
		if err := j.Retry(ctx, numRetries+1, delay); err != nil {
			w.logger.Error("job release failed", "job_id", j.ID(), "name", j.Name(), "error", err)
			return ResolveFailed
		}
		w.logger.Info("job failed", "job_id", j.ID(), "name", j.Name(), "elapsed_ms", elapsed,
			"retry_status", fmt.Sprintf("%s, retrying in %s", status, delay))
		return RetryScheduled
	}

	if stats.State != broker.StateBuried {
		if err := j.Bury(ctx); err != nil {
			w.logger.Error("job bury failed", "job_id", j.ID(), "name", j.Name(), "error", err)
			return ResolveFailed
		}
	}
	w.logger.Info("job failed", "job_id", j.ID(), "name", j.Name(), "elapsed_ms", elapsed,
		"retry_status", status+", burying")
	return Buried
}

// retryDelay asks the delay policy for the next delay, falling back to the
// base delay if the policy errors, panics or returns a negative value.
func (w *Worker) retryDelay(numRetries int) (delay time.Duration) {
	base := w.opts.Config.Retry.RetryDelay
	defer func() {
		if r := recover(); r != nil {
			w.logger.Warn("retry delay policy panicked, using base delay", "panic", r)
			delay = base
		}
	}()

	delay, err := w.opts.RetryDelay(base, numRetries)
	if err != nil || delay < 0 {
		w.logger.Warn("retry delay policy failed, using base delay", "error", err, "delay", delay)
		return base
	}
	if limit := w.opts.Config.Retry.MaxDelay; limit > 0 && delay > limit {
		delay = limit
	}
	return delay
}

func (w *Worker) handleError(ec ErrorContext) {
	if w.opts.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("error hook panicked", "name", ec.JobName, "panic", r)
		}
	}()
	w.opts.OnError(ec)
}
