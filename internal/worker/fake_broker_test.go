package worker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go-backburner-worker/internal/broker"
)

type fakeEntry struct {
	msg   broker.Message
	stats broker.Stats
}

// fakeBroker is an in-memory broker. Reserve only blocks when block is set,
// and then until its ctx is done. Released jobs become ready again
// immediately; the requested delays are recorded.
type fakeBroker struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*fakeEntry
	ready   []uint64
	extra   []string

	puts          []putCall
	deletes       int
	releaseDelays []time.Duration
	buries        int
	closes        int

	putErr     error
	reserveErr error
	statsState broker.State
	block      bool
}

type putCall struct {
	tube  string
	body  []byte
	pri   uint32
	delay time.Duration
	ttr   time.Duration
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{entries: make(map[uint64]*fakeEntry)}
}

func (f *fakeBroker) dial(ctx context.Context) (broker.Broker, error) {
	return f, nil
}

func (f *fakeBroker) Put(ctx context.Context, tube string, body []byte, pri uint32, delay, ttr time.Duration) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return 0, f.putErr
	}
	f.nextID++
	id := f.nextID
	f.puts = append(f.puts, putCall{tube: tube, body: body, pri: pri, delay: delay, ttr: ttr})
	f.entries[id] = &fakeEntry{
		msg:   broker.Message{ID: id, Tube: tube, Body: body, Priority: pri, TTR: ttr},
		stats: broker.Stats{ID: id, Tube: tube, State: broker.StateReady, Priority: pri, TTR: ttr},
	}
	f.ready = append(f.ready, id)
	return id, nil
}

func (f *fakeBroker) Reserve(ctx context.Context, tubes []string, timeout time.Duration) (*broker.Message, error) {
	msg, err := f.tryReserve(tubes)
	if !errors.Is(err, broker.ErrTimedOut) || !f.blocks() {
		return msg, err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeBroker) blocks() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block
}

func (f *fakeBroker) tryReserve(tubes []string) (*broker.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	for i, id := range f.ready {
		e := f.entries[id]
		if !contains(tubes, e.msg.Tube) {
			continue
		}
		f.ready = append(f.ready[:i], f.ready[i+1:]...)
		e.stats.State = broker.StateReserved
		e.stats.Reserves++
		msg := e.msg
		msg.Releases = e.stats.Releases
		return &msg, nil
	}
	return nil, broker.ErrTimedOut
}

func (f *fakeBroker) Delete(ctx context.Context, m *broker.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.entries[m.ID]; !ok {
		return broker.ErrNotFound
	}
	delete(f.entries, m.ID)
	f.deletes++
	return nil
}

func (f *fakeBroker) Release(ctx context.Context, m *broker.Message, pri uint32, delay time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[m.ID]
	if !ok {
		return broker.ErrNotFound
	}
	e.stats.Releases++
	e.stats.State = broker.StateReady
	e.msg.Priority = pri
	f.releaseDelays = append(f.releaseDelays, delay)
	f.ready = append(f.ready, m.ID)
	return nil
}

func (f *fakeBroker) Bury(ctx context.Context, m *broker.Message, pri uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[m.ID]
	if !ok {
		return broker.ErrNotFound
	}
	e.stats.Buries++
	e.stats.State = broker.StateBuried
	f.buries++
	return nil
}

func (f *fakeBroker) Kick(ctx context.Context, tube string, bound int) (int, error) {
	return 0, nil
}

func (f *fakeBroker) StatsJob(ctx context.Context, id uint64) (*broker.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, broker.ErrNotFound
	}
	stats := e.stats
	if f.statsState != "" {
		stats.State = f.statsState
	}
	return &stats, nil
}

func (f *fakeBroker) Tubes(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tubes := append([]string(nil), f.extra...)
	for _, e := range f.entries {
		if !contains(tubes, e.msg.Tube) {
			tubes = append(tubes, e.msg.Tube)
		}
	}
	return tubes, nil
}

func (f *fakeBroker) Ping(ctx context.Context) error { return nil }

func (f *fakeBroker) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeBroker) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
