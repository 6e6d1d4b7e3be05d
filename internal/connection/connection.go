// Package connection wraps a broker client with bounded reconnect-and-retry
// semantics. Every broker operation issued through a Connection is retried
// on transient connectivity failures after the client has been redialed.
package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"go-backburner-worker/internal/broker"
)

// ErrNotConnected is returned once reconnect attempts are exhausted.
var ErrNotConnected = errors.New("connection: broker not connected")

var _ broker.Broker = (*Connection)(nil)

// ReconnectFunc is invoked after every successful redial.
type ReconnectFunc func(ctx context.Context, c *Connection)

// Connection owns one broker client. It is not safe for use by more than
// one worker at a time.
type Connection struct {
	id            string
	dial          broker.Dialer
	maxReconnects int
	limiter       *rate.Limiter
	onReconnect   []ReconnectFunc
	logger        *slog.Logger

	mu     sync.Mutex
	client broker.Broker
}

// Option configures a Connection.
type Option func(*Connection)

// WithMaxReconnects bounds how many times an operation is retried after a
// transient failure.
func WithMaxReconnects(n int) Option {
	return func(c *Connection) {
		if n >= 0 {
			c.maxReconnects = n
		}
	}
}

// WithReconnectRate limits redials to perSecond, bursting to one.
func WithReconnectRate(perSecond float64) Option {
	return func(c *Connection) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithOnReconnect registers fn to run after each redial.
func WithOnReconnect(fn ReconnectFunc) Option {
	return func(c *Connection) {
		c.onReconnect = append(c.onReconnect, fn)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Connection) {
		if l != nil {
			c.logger = l
		}
	}
}

// New dials the broker and returns a Connection around it.
func New(ctx context.Context, dial broker.Dialer, opts ...Option) (*Connection, error) {
	c := &Connection{
		id:            uuid.New().String(),
		dial:          dial,
		maxReconnects: 3,
		limiter:       rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	client, err := dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	c.client = client
	return c, nil
}

// ID identifies this connection in logs.
func (c *Connection) ID() string { return c.id }

// Retryable runs op against the current client. A transient failure closes
// the client, redials it and re-runs op, at most maxReconnects times.
func (c *Connection) Retryable(ctx context.Context, op func(broker.Broker) error) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxReconnects; attempt++ {
		if attempt > 0 {
			if err := c.reconnect(ctx); err != nil {
				lastErr = err
				if !IsTransient(err) {
					break
				}
				continue
			}
		}

		client, err := c.current()
		if err != nil {
			return err
		}

		err = op(client)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err
		c.logger.Warn("broker operation failed, reconnecting",
			"connection_id", c.id, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("%w after %d reconnects: %v", ErrNotConnected, c.maxReconnects, lastErr)
}

func (c *Connection) current() (broker.Broker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil, fmt.Errorf("%w: connection closed", ErrNotConnected)
	}
	return c.client, nil
}

func (c *Connection) reconnect(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
	c.mu.Unlock()

	client, err := c.dial(ctx)
	if err != nil {
		c.logger.Warn("broker redial failed", "connection_id", c.id, "error", err)
		return err
	}

	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	c.logger.Info("broker reconnected", "connection_id", c.id)
	for _, fn := range c.onReconnect {
		fn(ctx, c)
	}
	return nil
}

// Close releases the underlying client. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// IsTransient reports whether err is a connectivity failure worth a redial.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, broker.ErrTimedOut) || errors.Is(err, broker.ErrNotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Put issues Put through Retryable.
func (c *Connection) Put(ctx context.Context, tube string, body []byte, pri uint32, delay, ttr time.Duration) (uint64, error) {
	var id uint64
	err := c.Retryable(ctx, func(b broker.Broker) error {
		var err error
		id, err = b.Put(ctx, tube, body, pri, delay, ttr)
		return err
	})
	return id, err
}

func (c *Connection) Reserve(ctx context.Context, tubes []string, timeout time.Duration) (*broker.Message, error) {
	var msg *broker.Message
	err := c.Retryable(ctx, func(b broker.Broker) error {
		var err error
		msg, err = b.Reserve(ctx, tubes, timeout)
		return err
	})
	return msg, err
}

func (c *Connection) Delete(ctx context.Context, m *broker.Message) error {
	return c.Retryable(ctx, func(b broker.Broker) error {
		return b.Delete(ctx, m)
	})
}

func (c *Connection) Release(ctx context.Context, m *broker.Message, pri uint32, delay time.Duration) error {
	return c.Retryable(ctx, func(b broker.Broker) error {
		return b.Release(ctx, m, pri, delay)
	})
}

func (c *Connection) Bury(ctx context.Context, m *broker.Message, pri uint32) error {
	return c.Retryable(ctx, func(b broker.Broker) error {
		return b.Bury(ctx, m, pri)
	})
}

func (c *Connection) Kick(ctx context.Context, tube string, bound int) (int, error) {
	var n int
	err := c.Retryable(ctx, func(b broker.Broker) error {
		var err error
		n, err = b.Kick(ctx, tube, bound)
		return err
	})
	return n, err
}

func (c *Connection) StatsJob(ctx context.Context, id uint64) (*broker.Stats, error) {
	var stats *broker.Stats
	err := c.Retryable(ctx, func(b broker.Broker) error {
		var err error
		stats, err = b.StatsJob(ctx, id)
		return err
	})
	return stats, err
}

func (c *Connection) Tubes(ctx context.Context) ([]string, error) {
	var tubes []string
	err := c.Retryable(ctx, func(b broker.Broker) error {
		var err error
		tubes, err = b.Tubes(ctx)
		return err
	})
	return tubes, err
}

func (c *Connection) Ping(ctx context.Context) error {
	return c.Retryable(ctx, func(b broker.Broker) error {
		return b.Ping(ctx)
	})
}
