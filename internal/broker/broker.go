// Package broker defines the contract of a beanstalk-style work queue:
// named tubes holding messages that are reserved under a time-to-respond
// lease and then deleted, released (optionally delayed) or buried.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimedOut is returned by Reserve when no message became ready
	// within the requested timeout.
	ErrTimedOut = errors.New("broker: reserve timed out")

	// ErrNotFound is returned when a message id is unknown to the broker,
	// or when the caller no longer holds its reservation.
	ErrNotFound = errors.New("broker: job not found")
)

// State is the broker-side state of a message.
type State string

const (
	StateReady    State = "ready"
	StateReserved State = "reserved"
	StateDelayed  State = "delayed"
	StateBuried   State = "buried"
)

// ParseState converts a stored state name into a State.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateReady, StateReserved, StateDelayed, StateBuried:
		return st, nil
	}
	return "", fmt.Errorf("broker: unknown state %q", s)
}

// Message is one reserved message. It is only meaningful for the
// reservation that produced it.
type Message struct {
	ID       uint64
	Tube     string
	Body     []byte
	Priority uint32
	TTR      time.Duration
	// Releases counts earlier releases of the message, so the current
	// attempt is Releases+1.
	Releases int
}

// Stats is the broker's record of a message.
type Stats struct {
	ID       uint64
	Tube     string
	State    State
	Priority uint32
	TTR      time.Duration
	Age      time.Duration
	Releases int
	Reserves int
	Timeouts int
	Buries   int
	Kicks    int
}

// Broker is the client contract the worker core is written against.
type Broker interface {
	// Put stores body on tube and returns the new message id.
	Put(ctx context.Context, tube string, body []byte, pri uint32, delay, ttr time.Duration) (uint64, error)

	// Reserve blocks up to timeout for a ready message on any of tubes,
	// returning early with ctx.Err() when ctx is done. It returns
	// ErrTimedOut when nothing became ready.
	Reserve(ctx context.Context, tubes []string, timeout time.Duration) (*Message, error)

	// Delete, Release and Bury act on a message the caller has reserved and
	// fail with ErrNotFound once that reservation has lapsed.

	// Delete removes a reserved message permanently.
	Delete(ctx context.Context, m *Message) error

	// Release returns a reserved message to its tube, ready after delay.
	Release(ctx context.Context, m *Message, pri uint32, delay time.Duration) error

	// Bury parks a reserved message until an operator kicks it.
	Bury(ctx context.Context, m *Message, pri uint32) error

	// Kick moves up to bound buried messages of tube back to ready.
	Kick(ctx context.Context, tube string, bound int) (int, error)

	// StatsJob returns the broker's record of message id.
	StatsJob(ctx context.Context, id uint64) (*Stats, error)

	// Tubes lists every tube known to the broker.
	Tubes(ctx context.Context) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens a new Broker.
type Dialer func(ctx context.Context) (Broker, error)
