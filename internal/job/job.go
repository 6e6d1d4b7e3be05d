package job

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go-backburner-worker/internal/broker"
	"go-backburner-worker/internal/hooks"
)

// Job is a reserved message bound to its handler. It is resolved exactly once:
// deleted on success, or released or buried by the worker afterwards.
type Job struct {
	msg      *broker.Message
	conn     Conn
	name     string
	args     []any
	handler  Handler
	hooks    *hooks.Set
	resolved bool
}

// New decodes msg and binds it to the handler registered for its class.
// It returns an error wrapping ErrFormatInvalid when the body is not a
// payload or names an unknown class.
func New(msg *broker.Message, conn Conn, reg *Registry, ser Serializer, hs *hooks.Set) (*Job, error) {
	if ser == nil {
		ser = JSONSerializer{}
	}
	p, err := ser.Unmarshal(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: job %d: %v", ErrFormatInvalid, msg.ID, err)
	}
	if p.Class == "" {
		return nil, fmt.Errorf("%w: job %d: missing class", ErrFormatInvalid, msg.ID)
	}
	h, ok := reg.Lookup(p.Class)
	if !ok {
		return nil, fmt.Errorf("%w: job %d: unknown class %q", ErrFormatInvalid, msg.ID, p.Class)
	}
	return &Job{
		msg:     msg,
		conn:    conn,
		name:    p.Class,
		args:    p.Args,
		handler: h,
		hooks:   hs,
	}, nil
}

func (j *Job) ID() uint64               { return j.msg.ID }
func (j *Job) Name() string             { return j.name }
func (j *Job) Args() []any              { return j.args }
func (j *Job) Message() *broker.Message { return j.msg }

// Attempt is the 1-based attempt number of this reservation.
func (j *Job) Attempt() int { return j.msg.Releases + 1 }

// Process runs the handler once with a deadline of the message TTR.
// On success the message is deleted. A handler panic is reported as a
// Failure.
func (j *Job) Process(ctx context.Context) Result {
	if j.resolved {
		return Result{Outcome: Failure, Err: ErrAlreadyResolved}
	}
	if !j.hooks.InvokeBeforePerform(ctx, j.handler, j.name, j.args) {
		return Result{Outcome: Skipped}
	}

	execCtx := ctx
	if j.msg.TTR > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, j.msg.TTR)
		defer cancel()
	}

	if err := j.perform(execCtx); err != nil {
		j.hooks.InvokeOnFailure(ctx, j.handler, j.name, j.args, err)
		if errors.Is(err, ErrRetryRequested) {
			return Result{Outcome: RetryRequested, Err: err}
		}
		return Result{Outcome: Failure, Err: err}
	}

	if err := j.conn.Delete(ctx, j.msg); err != nil {
		err = fmt.Errorf("delete job %d: %w", j.msg.ID, err)
		j.hooks.InvokeOnFailure(ctx, j.handler, j.name, j.args, err)
		return Result{Outcome: Failure, Err: err}
	}
	j.resolved = true
	j.hooks.InvokeAfterPerform(ctx, j.handler, j.name, j.args)
	return Result{Outcome: Success}
}

func (j *Job) perform(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", j.name, r, debug.Stack())
		}
	}()
	if err = j.handler.Perform(ctx, j.args); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s exceeded ttr %s: %w", j.name, j.msg.TTR, ctx.Err())
	}
	return nil
}

// Retry releases the message back to its tube after delay, keeping its
// priority. attempt is the 1-based retry number passed to retry hooks.
func (j *Job) Retry(ctx context.Context, attempt int, delay time.Duration) error {
	if j.resolved {
		return ErrAlreadyResolved
	}
	j.hooks.InvokeOnRetry(ctx, j.handler, j.name, j.args, attempt, delay)
	if err := j.conn.Release(ctx, j.msg, j.msg.Priority, delay); err != nil {
		return fmt.Errorf("release job %d: %w", j.msg.ID, err)
	}
	j.resolved = true
	return nil
}

// Bury parks the message in its tube's buried list.
func (j *Job) Bury(ctx context.Context) error {
	if j.resolved {
		return ErrAlreadyResolved
	}
	j.hooks.InvokeOnBury(ctx, j.handler, j.name, j.args)
	if err := j.conn.Bury(ctx, j.msg, j.msg.Priority); err != nil {
		return fmt.Errorf("bury job %d: %w", j.msg.ID, err)
	}
	j.resolved = true
	return nil
}

// Stats fetches the broker's current view of the message.
func (j *Job) Stats(ctx context.Context) (*broker.Stats, error) {
	return j.conn.StatsJob(ctx, j.msg.ID)
}
