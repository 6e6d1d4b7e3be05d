package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go-backburner-worker/internal/broker"
	"go-backburner-worker/internal/config"
	"go-backburner-worker/internal/hooks"
	"go-backburner-worker/internal/job"
	"go-backburner-worker/internal/logging"
)

const testTube = "backburner.worker.queue.mailer"

func testOptions(fb *fakeBroker, reg *job.Registry) Options {
	cfg := config.Default()
	cfg.Retry.MaxJobRetries = 2
	cfg.Retry.RetryDelay = 5 * time.Second
	cfg.Broker.ReconnectRate = 1000
	return Options{
		Config:   cfg,
		Registry: reg,
		Dialer:   fb.dial,
		Logger:   logging.Discard(),
	}
}

func failing(err error) job.HandlerFunc {
	return func(ctx context.Context, args []any) error { return err }
}

func enqueueMailer(t *testing.T, opts Options) *Receipt {
	t.Helper()
	r, err := Enqueue(context.Background(), opts, "Mailer", []any{"a@example.com"}, EnqueueOptions{})
	if err != nil || r == nil {
		t.Fatalf("Enqueue() = %v, %v", r, err)
	}
	return r
}

func newWorker(t *testing.T, opts Options) *Worker {
	t.Helper()
	w, err := New(context.Background(), opts, "Mailer")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWorkOneJob_Success(t *testing.T) {
	fb := newFakeBroker()
	reg := job.NewRegistry()
	var got []any
	reg.Register("Mailer", job.HandlerFunc(func(ctx context.Context, args []any) error {
		got = args
		return nil
	}))
	opts := testOptions(fb, reg)
	var errorCalls int
	opts.OnError = func(ErrorContext) { errorCalls++ }
	enqueueMailer(t, opts)

	w := newWorker(t, opts)
	if state := w.WorkOneJob(context.Background()); state != Succeeded {
		t.Fatalf("WorkOneJob() = %v, want succeeded", state)
	}
	if !reflect.DeepEqual(got, []any{"a@example.com"}) {
		t.Errorf("handler args = %v", got)
	}
	if fb.deletes != 1 || len(fb.releaseDelays) != 0 || fb.buries != 0 {
		t.Errorf("deletes=%d releases=%v buries=%d", fb.deletes, fb.releaseDelays, fb.buries)
	}
	if errorCalls != 0 {
		t.Errorf("on_error called %d times", errorCalls)
	}
}

// captureLogs routes the worker's JSON log lines into the returned buffer.
func captureLogs(opts *Options) *bytes.Buffer {
	var buf bytes.Buffer
	opts.Logger = logging.New(config.LogConfig{Level: "debug", Format: "json"}, &buf)
	return &buf
}

func logRecords(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var records []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			t.Fatalf("log line is not JSON: %s", line)
		}
		records = append(records, rec)
	}
	return records
}

func TestWorkOneJob_ReserveTimeout(t *testing.T) {
	fb := newFakeBroker()
	reg := job.NewRegistry()
	var performed atomic.Bool
	reg.Register("Mailer", job.HandlerFunc(func(ctx context.Context, args []any) error {
		performed.Store(true)
		return nil
	}))
	opts := testOptions(fb, reg)
	var errorCalls int
	opts.OnError = func(ErrorContext) { errorCalls++ }
	logs := captureLogs(&opts)

	w := newWorker(t, opts)
	if state := w.WorkOneJob(context.Background()); state != ReserveTimeout {
		t.Fatalf("WorkOneJob() = %v, want reserve_timeout", state)
	}
	if performed.Load() || errorCalls != 0 || len(fb.releaseDelays) != 0 || fb.buries != 0 {
		t.Error("timeout produced side effects")
	}
	for _, rec := range logRecords(t, logs) {
		if rec["level"] == "ERROR" {
			t.Errorf("timeout logged an error: %v", rec)
		}
	}
}

func TestWorkOneJob_LogsAttempt(t *testing.T) {
	fb := newFakeBroker()
	reg := job.NewRegistry()
	var calls atomic.Int32
	reg.Register("Mailer", job.HandlerFunc(func(ctx context.Context, args []any) error {
		if calls.Add(1) == 1 {
			return errors.New("smtp down")
		}
		return nil
	}))
	opts := testOptions(fb, reg)
	logs := captureLogs(&opts)
	enqueueMailer(t, opts)

	w := newWorker(t, opts)
	if state := w.WorkOneJob(context.Background()); state != RetryScheduled {
		t.Fatalf("first WorkOneJob() = %v, want retry_scheduled", state)
	}
	if state := w.WorkOneJob(context.Background()); state != Succeeded {
		t.Fatalf("second WorkOneJob() = %v, want succeeded", state)
	}

	var attempts []float64
	for _, rec := range logRecords(t, logs) {
		if rec["msg"] == "job begin" {
			n, _ := rec["attempt"].(float64)
			attempts = append(attempts, n)
		}
	}
	if !reflect.DeepEqual(attempts, []float64{1, 2}) {
		t.Errorf("job begin attempts = %v, want [1 2]", attempts)
	}
}

func TestWorkOneJob_ReserveFailed(t *testing.T) {
	fb := newFakeBroker()
	opts := testOptions(fb, job.NewRegistry())
	w := newWorker(t, opts)
	fb.reserveErr = errors.New("protocol error")

	if state := w.WorkOneJob(context.Background()); state != ReserveFailed {
		t.Fatalf("WorkOneJob() = %v, want reserve_failed", state)
	}
}

func TestWorkOneJob_UnknownClass(t *testing.T) {
	fb := newFakeBroker()
	opts := testOptions(fb, job.NewRegistry())
	opts.Registry.Register("Other", failing(nil))
	var errorCalls int
	opts.OnError = func(ErrorContext) { errorCalls++ }

	body, _ := job.JSONSerializer{}.Marshal(job.Payload{Class: "Mailer"})
	if _, err := fb.Put(context.Background(), testTube, body, 0, 0, time.Minute); err != nil {
		t.Fatal(err)
	}

	w := newWorker(t, opts)
	if state := w.WorkOneJob(context.Background()); state != DecodeFailed {
		t.Fatalf("WorkOneJob() = %v, want decode_failed", state)
	}
	if len(fb.releaseDelays) != 0 || fb.buries != 0 || fb.deletes != 0 || errorCalls != 0 {
		t.Errorf("releases=%v buries=%d deletes=%d on_error=%d", fb.releaseDelays, fb.buries, fb.deletes, errorCalls)
	}
}

func TestWorkOneJob_RetryDelay(t *testing.T) {
	tests := []struct {
		name      string
		policy    RetryDelayFunc
		maxDelay  time.Duration
		wantDelay time.Duration
	}{
		{
			name:      "default policy",
			wantDelay: 5 * time.Second,
		},
		{
			name: "custom policy",
			policy: func(base time.Duration, attempt int) (time.Duration, error) {
				return base * 2, nil
			},
			wantDelay: 10 * time.Second,
		},
		{
			name: "policy error falls back to base",
			policy: func(base time.Duration, attempt int) (time.Duration, error) {
				return 0, errors.New("bad policy")
			},
			wantDelay: 5 * time.Second,
		},
		{
			name: "policy panic falls back to base",
			policy: func(base time.Duration, attempt int) (time.Duration, error) {
				panic("bad policy")
			},
			wantDelay: 5 * time.Second,
		},
		{
			name: "capped by max delay",
			policy: func(base time.Duration, attempt int) (time.Duration, error) {
				return time.Hour, nil
			},
			maxDelay:  time.Minute,
			wantDelay: time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newFakeBroker()
			reg := job.NewRegistry()
			reg.Register("Mailer", failing(errors.New("smtp down")))
			opts := testOptions(fb, reg)
			opts.RetryDelay = tt.policy
			opts.Config.Retry.MaxDelay = tt.maxDelay
			enqueueMailer(t, opts)

			w := newWorker(t, opts)
			if state := w.WorkOneJob(context.Background()); state != RetryScheduled {
				t.Fatalf("WorkOneJob() = %v, want retry_scheduled", state)
			}
			if len(fb.releaseDelays) != 1 || fb.releaseDelays[0] != tt.wantDelay {
				t.Errorf("release delays = %v, want [%v]", fb.releaseDelays, tt.wantDelay)
			}
			if fb.buries != 0 {
				t.Errorf("buries = %d, want 0", fb.buries)
			}
		})
	}
}

func TestWorkOneJob_RetriesThenBuries(t *testing.T) {
	fb := newFakeBroker()
	reg := job.NewRegistry()
	var attempts int
	reg.Register("Mailer", job.HandlerFunc(func(ctx context.Context, args []any) error {
		attempts++
		return errors.New("smtp down")
	}))
	opts := testOptions(fb, reg)
	var seen []ErrorContext
	opts.OnError = func(ec ErrorContext) { seen = append(seen, ec) }
	var retryAttempts []int
	opts.Hooks = &hooks.Set{OnRetry: []hooks.RetryFunc{
		func(ctx context.Context, name string, args []any, attempt int, delay time.Duration) {
			retryAttempts = append(retryAttempts, attempt)
		},
	}}
	enqueueMailer(t, opts)

	w := newWorker(t, opts)
	want := []AttemptState{RetryScheduled, RetryScheduled, Buried}
	for i, ws := range want {
		if state := w.WorkOneJob(context.Background()); state != ws {
			t.Fatalf("attempt %d: WorkOneJob() = %v, want %v", i+1, state, ws)
		}
	}

	if attempts != 3 {
		t.Errorf("handler ran %d times, want 3", attempts)
	}
	if !reflect.DeepEqual(fb.releaseDelays, []time.Duration{5 * time.Second, 6 * time.Second}) {
		t.Errorf("release delays = %v, want [5s 6s]", fb.releaseDelays)
	}
	if !reflect.DeepEqual(retryAttempts, []int{1, 2}) {
		t.Errorf("retry attempts = %v, want [1 2]", retryAttempts)
	}
	if fb.buries != 1 {
		t.Errorf("buries = %d, want 1", fb.buries)
	}
	if len(seen) != 3 {
		t.Fatalf("on_error called %d times, want 3", len(seen))
	}
	if seen[2].JobName != "Mailer" || seen[2].Job == nil || seen[2].Err == nil {
		t.Errorf("error context = %+v", seen[2])
	}
}

func TestWorkOneJob_AlreadyBuried(t *testing.T) {
	fb := newFakeBroker()
	reg := job.NewRegistry()
	reg.Register("Mailer", failing(errors.New("smtp down")))
	opts := testOptions(fb, reg)
	opts.Config.Retry.MaxJobRetries = 0
	enqueueMailer(t, opts)
	fb.statsState = broker.StateBuried

	w := newWorker(t, opts)
	if state := w.WorkOneJob(context.Background()); state != Buried {
		t.Fatalf("WorkOneJob() = %v, want buried", state)
	}
	if fb.buries != 0 || len(fb.releaseDelays) != 0 {
		t.Errorf("buries=%d releases=%v, want none", fb.buries, fb.releaseDelays)
	}
}

func TestWorkOneJob_RetryRequested(t *testing.T) {
	fb := newFakeBroker()
	reg := job.NewRegistry()
	reg.Register("Mailer", failing(job.RetryLater("rate limited")))
	opts := testOptions(fb, reg)
	var errorCalls int
	opts.OnError = func(ec ErrorContext) {
		errorCalls++
		if !errors.Is(ec.Err, job.ErrRetryRequested) {
			t.Errorf("error context err = %v", ec.Err)
		}
	}
	enqueueMailer(t, opts)

	w := newWorker(t, opts)
	if state := w.WorkOneJob(context.Background()); state != RetryScheduled {
		t.Fatalf("WorkOneJob() = %v, want retry_scheduled", state)
	}
	if errorCalls != 1 {
		t.Errorf("on_error called %d times, want 1", errorCalls)
	}
}

func TestWorkOneJob_ErrorHookPanic(t *testing.T) {
	fb := newFakeBroker()
	reg := job.NewRegistry()
	reg.Register("Mailer", failing(errors.New("smtp down")))
	opts := testOptions(fb, reg)
	opts.OnError = func(ErrorContext) { panic("hook bug") }
	enqueueMailer(t, opts)

	w := newWorker(t, opts)
	if state := w.WorkOneJob(context.Background()); state != RetryScheduled {
		t.Fatalf("WorkOneJob() = %v, want retry_scheduled", state)
	}
}

func TestRun_Shutdown(t *testing.T) {
	fb := newFakeBroker()
	reg := job.NewRegistry()
	opts := testOptions(fb, reg)
	enqueueMailer(t, opts)
	enqueueMailer(t, opts)

	var w *Worker
	var performed atomic.Int32
	reg.Register("Mailer", job.HandlerFunc(func(ctx context.Context, args []any) error {
		performed.Add(1)
		w.Shutdown()
		return nil
	}))
	w = newWorker(t, opts)
	closesBefore := fb.closeCount()

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after Shutdown")
	}
	if performed.Load() != 1 {
		t.Errorf("performed %d jobs, want 1", performed.Load())
	}
	if fb.closeCount() != closesBefore+1 {
		t.Errorf("connection closes = %d, want %d", fb.closeCount(), closesBefore+1)
	}
}

func TestRun_ContextCancelled(t *testing.T) {
	fb := newFakeBroker()
	w := newWorker(t, testOptions(fb, job.NewRegistry()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRun_StopsWhileIdle(t *testing.T) {
	tests := []struct {
		name string
		stop func(w *Worker, cancel context.CancelFunc)
	}{
		{name: "shutdown", stop: func(w *Worker, _ context.CancelFunc) { w.Shutdown() }},
		{name: "context cancel", stop: func(_ *Worker, cancel context.CancelFunc) { cancel() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newFakeBroker()
			fb.block = true
			opts := testOptions(fb, job.NewRegistry())
			logs := captureLogs(&opts)
			w := newWorker(t, opts)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- w.Run(ctx) }()

			time.Sleep(20 * time.Millisecond)
			tt.stop(w, cancel)

			select {
			case err := <-done:
				if err != nil {
					t.Fatalf("Run() error = %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("idle worker did not stop")
			}
			for _, rec := range logRecords(t, logs) {
				if rec["level"] == "ERROR" {
					t.Errorf("stopping logged an error: %v", rec)
				}
			}
		})
	}
}

func TestNew_RequiresDialer(t *testing.T) {
	if _, err := New(context.Background(), Options{}); err == nil {
		t.Error("New() without dialer succeeded")
	}
}
