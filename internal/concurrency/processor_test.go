package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go-backburner-worker/internal/logging"
)

// mockRunner simulates a worker whose in-flight job takes jobTime to drain
type mockRunner struct {
	jobTime time.Duration
	stop    chan struct{}
	once    sync.Once
	runs    *int64
}

func newMockRunner(jobTime time.Duration, runs *int64) *mockRunner {
	return &mockRunner{jobTime: jobTime, stop: make(chan struct{}), runs: runs}
}

func (m *mockRunner) Run(ctx context.Context) error {
	atomic.AddInt64(m.runs, 1)
	for {
		select {
		case <-m.stop:
			time.Sleep(m.jobTime)
			return nil
		case <-ctx.Done():
			return nil
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *mockRunner) Shutdown() {
	m.once.Do(func() { close(m.stop) })
}

func mockFactory(jobTime time.Duration, runs *int64) Factory {
	return func(ctx context.Context, i int) (Runner, error) {
		return newMockRunner(jobTime, runs), nil
	}
}

func TestNewGroup(t *testing.T) {
	var runs int64
	g := NewGroup(0, mockFactory(0, &runs), logging.Discard())

	if g.Size() != 1 {
		t.Errorf("Size = %d, want 1", g.Size())
	}
	if g.IsRunning() {
		t.Error("Group should not be running before Start")
	}
}

func TestGroup_Start(t *testing.T) {
	var runs int64
	g := NewGroup(3, mockFactory(0, &runs), logging.Discard())
	defer g.Shutdown(time.Second)

	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := g.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	time.Sleep(20 * time.Millisecond)
	if got := atomic.LoadInt64(&runs); got != 3 {
		t.Errorf("runners started = %d, want 3", got)
	}
	if !g.IsRunning() {
		t.Error("Group should be running")
	}
}

func TestGroup_StartFailure(t *testing.T) {
	var runs int64
	var built []*mockRunner
	g := NewGroup(3, func(ctx context.Context, i int) (Runner, error) {
		if i == 2 {
			return nil, errors.New("broker unreachable")
		}
		r := newMockRunner(0, &runs)
		built = append(built, r)
		return r, nil
	}, logging.Discard())

	if err := g.Start(context.Background()); err == nil {
		t.Fatal("Start should fail when a runner cannot be built")
	}
	if g.IsRunning() {
		t.Error("Group should not be running after a failed Start")
	}
	for i, r := range built {
		select {
		case <-r.stop:
		default:
			t.Errorf("runner %d was not shut down", i)
		}
	}
}

func TestGroup_Shutdown(t *testing.T) {
	var runs int64
	g := NewGroup(2, mockFactory(100*time.Millisecond, &runs), logging.Discard())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	start := time.Now()
	err := g.Shutdown(time.Second)
	duration := time.Since(start)

	if err != nil {
		t.Errorf("Shutdown returned error: %v", err)
	}
	if duration < 90*time.Millisecond {
		t.Errorf("Shutdown completed too quickly: %v", duration)
	}
	if g.IsRunning() {
		t.Error("Group should not be running after shutdown")
	}
	if err := g.Shutdown(time.Second); err != nil {
		t.Errorf("second Shutdown returned error: %v", err)
	}
}

func TestGroup_ShutdownTimeout(t *testing.T) {
	var runs int64
	g := NewGroup(1, mockFactory(200*time.Millisecond, &runs), logging.Discard())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	start := time.Now()
	err := g.Shutdown(50 * time.Millisecond)
	duration := time.Since(start)

	if err == nil {
		t.Error("Shutdown should return error when timeout occurs")
	}
	if duration < 45*time.Millisecond || duration > 150*time.Millisecond {
		t.Errorf("Shutdown duration %v should be close to timeout", duration)
	}
}

func TestGroup_ContextCancel(t *testing.T) {
	var runs int64
	g := NewGroup(2, mockFactory(0, &runs), logging.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	if err := g.Start(ctx); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	cancel()

	if err := g.Shutdown(time.Second); err != nil {
		t.Errorf("Shutdown after cancel returned error: %v", err)
	}
}
