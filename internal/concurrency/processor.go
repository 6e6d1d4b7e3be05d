package concurrency

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go-backburner-worker/internal/worker"
)

// Runner is one independent job loop
type Runner interface {
	Run(ctx context.Context) error
	Shutdown()
}

// Factory builds the Runner at index i.
type Factory func(ctx context.Context, i int) (Runner, error)

// Group runs a fixed number of Runners side by side. Each owns its own
// broker connection; the Group only starts and drains them.
type Group struct {
	size    int
	factory Factory
	logger  *slog.Logger
	runners []Runner
	wg      sync.WaitGroup
	mu      sync.RWMutex
	running bool
}

// NewGroup creates a group of size runners built by factory.
func NewGroup(size int, factory Factory, logger *slog.Logger) *Group {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Group{size: size, factory: factory, logger: logger}
}

// NewWorkerGroup creates a group of size Workers sharing opts and tubes.
func NewWorkerGroup(size int, opts worker.Options, tubes ...string) *Group {
	return NewGroup(size, func(ctx context.Context, i int) (Runner, error) {
		o := opts
		if o.Logger != nil {
			o.Logger = o.Logger.With("worker_index", i)
		}
		return worker.New(ctx, o, tubes...)
	}, opts.Logger)
}

// Start builds every runner and launches it. If one cannot be built the
// ones already started are stopped and the error is returned.
func (g *Group) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		return errors.New("group already running")
	}

	for i := 0; i < g.size; i++ {
		r, err := g.factory(ctx, i)
		if err != nil {
			for _, started := range g.runners {
				started.Shutdown()
			}
			g.runners = nil
			return fmt.Errorf("start runner %d: %w", i, err)
		}
		g.runners = append(g.runners, r)

		g.wg.Add(1)
		go func(i int, r Runner) {
			defer g.wg.Done()
			if err := r.Run(ctx); err != nil {
				g.logger.Error("runner stopped with error", "worker_index", i, "error", err)
			}
		}(i, r)
	}
	g.running = true
	g.logger.Info("worker group started", "concurrency", g.size)
	return nil
}

// Shutdown stops every runner after its in-flight job and waits for them,
// at most timeout.
func (g *Group) Shutdown(timeout time.Duration) error {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return nil // Already shut down
	}
	g.running = false
	runners := g.runners
	g.mu.Unlock()

	g.logger.Info("initiating graceful shutdown", "timeout", timeout)
	for _, r := range runners {
		r.Shutdown()
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.logger.Info("graceful shutdown completed")
		return nil
	case <-time.After(timeout):
		g.logger.Warn("graceful shutdown timed out", "timeout", timeout)
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// Size returns the number of runners in the group
func (g *Group) Size() int {
	return g.size
}

// IsRunning returns whether the group has been started and not shut down
func (g *Group) IsRunning() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.running
}
