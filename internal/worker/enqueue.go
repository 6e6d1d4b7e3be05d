package worker

import (
	"context"
	"fmt"
	"time"

	"go-backburner-worker/internal/job"
)

// EnqueueOptions override the per-class and configured defaults of a put.
type EnqueueOptions struct {
	Priority      *uint32
	PriorityLabel string
	Delay         time.Duration
	TTR           time.Duration
	Queue         string
	QueueFunc     func(class string) string
}

// Receipt identifies an enqueued message
type Receipt struct {
	ID   uint64
	Tube string
}

// Enqueue serializes {class, args} and puts it on the class's tube. It
// returns nil without error when a before- or after-enqueue hook declines;
// in the after-enqueue case the message is already on the broker. The
// connection opened for the put is always closed.
func Enqueue(ctx context.Context, opts Options, class string, args []any, eo EnqueueOptions) (*Receipt, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	handler, _ := opts.Registry.Lookup(class)

	pri := resolvePriority(opts, handler, eo)
	ttr := resolveTTR(opts, handler, eo)
	delay := eo.Delay
	if delay < 0 {
		delay = 0
	}

	if !opts.Hooks.InvokeBeforeEnqueue(ctx, handler, class, args) {
		return nil, nil
	}

	q := opts.Config.Queue
	tube := ExpandTubeName(q.TubeNamespace, q.NamespaceSeparator, resolveQueue(class, handler, eo))
	body, err := opts.Serializer.Marshal(job.Payload{Class: class, Args: args})
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: serialize: %w", class, err)
	}

	conn, err := opts.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", class, err)
	}
	defer conn.Close()

	id, err := conn.Put(ctx, tube, body, pri, delay, ttr)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", class, err)
	}
	if !opts.Hooks.InvokeAfterEnqueue(ctx, handler, class, args) {
		return nil, nil
	}
	return &Receipt{ID: id, Tube: tube}, nil
}

// resolvePriority picks the explicit priority, then a known label, then the
// handler's own priority, then the configured default.
func resolvePriority(opts Options, handler job.Handler, eo EnqueueOptions) uint32 {
	if eo.Priority != nil {
		return *eo.Priority
	}
	if eo.PriorityLabel != "" {
		if pri, ok := opts.Config.Job.PriorityLabels[eo.PriorityLabel]; ok {
			return pri
		}
	}
	if p, ok := handler.(job.Prioritizer); ok {
		return p.Priority()
	}
	return opts.Config.Job.DefaultPriority
}

func resolveTTR(opts Options, handler job.Handler, eo EnqueueOptions) time.Duration {
	if eo.TTR > 0 {
		return eo.TTR
	}
	if r, ok := handler.(job.RespondTimeouter); ok && r.RespondTimeout() > 0 {
		return r.RespondTimeout()
	}
	return opts.Config.Job.RespondTimeout
}

func resolveQueue(class string, handler job.Handler, eo EnqueueOptions) string {
	switch {
	case eo.Queue != "":
		return eo.Queue
	case eo.QueueFunc != nil:
		if q := eo.QueueFunc(class); q != "" {
			return q
		}
	}
	if q, ok := handler.(job.Queuer); ok && q.Queue() != "" {
		return q.Queue()
	}
	return class
}
