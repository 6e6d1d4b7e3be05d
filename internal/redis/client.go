package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"go-backburner-worker/internal/broker"
	"go-backburner-worker/internal/config"
)

var _ broker.Broker = (*Client)(nil)

// Client implements broker.Broker on top of Redis with connection pooling
type Client struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	poll   time.Duration
}

// reservePoll is how often Reserve looks for a ready job while waiting.
const reservePoll = 100 * time.Millisecond

// NewClient creates a new Redis-backed broker client with connection pooling
func NewClient(ctx context.Context, cfg config.BrokerConfig) (*Client, error) {
	opts, err := redisOptions(cfg)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newClient(client, cfg.KeyPrefix, time.Now), nil
}

// Dialer returns a broker.Dialer opening a fresh Client for every call.
func Dialer(cfg config.BrokerConfig) broker.Dialer {
	return func(ctx context.Context) (broker.Broker, error) {
		return NewClient(ctx, cfg)
	}
}

func newClient(client *redis.Client, prefix string, now func() time.Time) *Client {
	if prefix == "" {
		prefix = "backburner"
	}
	return &Client{client: client, prefix: prefix, now: now, poll: reservePoll}
}

func redisOptions(cfg config.BrokerConfig) (*redis.Options, error) {
	var opts *redis.Options
	if strings.Contains(cfg.URL, "://") {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid broker url %q: %w", cfg.URL, err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: cfg.URL}
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	// Connection pool settings
	opts.PoolSize = 10
	opts.MinIdleConns = 2
	opts.MaxRetries = 3
	opts.DialTimeout = dialTimeout
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolTimeout = 4 * time.Second
	opts.IdleTimeout = 5 * time.Minute
	return opts, nil
}

// Put stores body on tube, ready immediately or after delay
func (c *Client) Put(ctx context.Context, tube string, body []byte, pri uint32, delay, ttr time.Duration) (uint64, error) {
	seq, err := c.client.Incr(ctx, c.seqKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate job id: %w", err)
	}
	id := uint64(seq)
	member := formatID(id)
	now := c.now()

	state := broker.StateReady
	if delay > 0 {
		state = broker.StateDelayed
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.jobKey(member), map[string]interface{}{
			"tube":       tube,
			"body":       string(body),
			"pri":        int64(pri),
			"ttr":        ttr.Milliseconds(),
			"state":      string(state),
			"created_at": now.UnixMilli(),
		})
		pipe.SAdd(ctx, c.tubesKey(), tube)
		if delay > 0 {
			pipe.ZAdd(ctx, c.delayedKey(tube), &redis.Z{
				Score:  float64(now.Add(delay).UnixMilli()),
				Member: member,
			})
		} else {
			pipe.ZAdd(ctx, c.readyKey(tube), &redis.Z{
				Score:  float64(pri),
				Member: member,
			})
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to put job on %s: %w", tube, err)
	}
	return id, nil
}

// Reserve reserves the most urgent ready job across tubes, polling until one
// appears, timeout passes or ctx is done. A zero timeout makes one attempt.
func (c *Client) Reserve(ctx context.Context, tubes []string, timeout time.Duration) (*broker.Message, error) {
	if len(tubes) == 0 {
		return nil, errors.New("reserve requires at least one tube")
	}

	keys := make([]string, 0, 2*len(tubes))
	for _, tube := range tubes {
		keys = append(keys, c.readyKey(tube), c.reservedKey(tube))
	}

	deadline := time.Now().Add(timeout)
	for {
		msg, err := c.tryReserve(ctx, tubes, keys)
		if err != nil || msg != nil {
			return msg, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, broker.ErrTimedOut
		}
		wait := c.poll
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// tryReserve promotes due and expired jobs, then runs reserveScript once.
// It returns nil, nil when no tube has a ready job.
func (c *Client) tryReserve(ctx context.Context, tubes, keys []string) (*broker.Message, error) {
	now := c.now().UnixMilli()
	for _, tube := range tubes {
		promoteKeys := []string{c.delayedKey(tube), c.reservedKey(tube), c.readyKey(tube)}
		if err := promoteScript.Run(ctx, c.client, promoteKeys, now, c.jobKey("")).Err(); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("failed to promote jobs on %s: %w", tube, err)
		}
	}

	res, err := reserveScript.Run(ctx, c.client, keys, now, c.jobKey("")).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to reserve job: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) == 0 {
		return nil, fmt.Errorf("invalid reserve reply %v", res)
	}
	member, _ := vals[0].(string)
	id, err := parseID(member)
	if err != nil {
		return nil, err
	}
	if len(vals) == 1 {
		return nil, fmt.Errorf("reserved job %d: %w", id, broker.ErrNotFound)
	}

	fields := make(map[string]string, (len(vals)-1)/2)
	for i := 1; i+1 < len(vals); i += 2 {
		k, _ := vals[i].(string)
		v, _ := vals[i+1].(string)
		fields[k] = v
	}

	return &broker.Message{
		ID:       id,
		Tube:     fields["tube"],
		Body:     []byte(fields["body"]),
		Priority: uint32(parseInt(fields["pri"])),
		TTR:      time.Duration(parseInt(fields["ttr"])) * time.Millisecond,
		Releases: int(parseInt(fields["releases"])),
	}, nil
}

// Delete removes a reserved job and its record. It fails with
// broker.ErrNotFound once the reservation has lapsed.
func (c *Client) Delete(ctx context.Context, m *broker.Message) error {
	member := formatID(m.ID)
	keys := []string{c.reservedKey(m.Tube), c.jobKey(member)}
	n, err := deleteScript.Run(ctx, c.client, keys, member).Int()
	if err != nil {
		return fmt.Errorf("failed to delete job %d: %w", m.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("delete job %d: %w", m.ID, broker.ErrNotFound)
	}
	return nil
}

// Release returns a reserved job to its tube and counts the release
func (c *Client) Release(ctx context.Context, m *broker.Message, pri uint32, delay time.Duration) error {
	member := formatID(m.ID)
	state := broker.StateReady
	target := c.readyKey(m.Tube)
	score := int64(pri)
	if delay > 0 {
		state = broker.StateDelayed
		target = c.delayedKey(m.Tube)
		score = c.now().Add(delay).UnixMilli()
	}

	keys := []string{c.reservedKey(m.Tube), c.jobKey(member), target}
	n, err := releaseScript.Run(ctx, c.client, keys, member, string(state), int64(pri), score).Int()
	if err != nil {
		return fmt.Errorf("failed to release job %d: %w", m.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("release job %d: %w", m.ID, broker.ErrNotFound)
	}
	return nil
}

// Bury moves a reserved job onto its tube's buried list
func (c *Client) Bury(ctx context.Context, m *broker.Message, pri uint32) error {
	member := formatID(m.ID)
	keys := []string{c.reservedKey(m.Tube), c.jobKey(member), c.buriedKey(m.Tube)}
	n, err := buryScript.Run(ctx, c.client, keys, member, int64(pri)).Int()
	if err != nil {
		return fmt.Errorf("failed to bury job %d: %w", m.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("bury job %d: %w", m.ID, broker.ErrNotFound)
	}
	return nil
}

// Kick moves up to bound buried jobs of tube back to ready, oldest first
func (c *Client) Kick(ctx context.Context, tube string, bound int) (int, error) {
	if bound <= 0 {
		return 0, nil
	}
	keys := []string{c.buriedKey(tube), c.readyKey(tube)}
	n, err := kickScript.Run(ctx, c.client, keys, c.jobKey(""), bound).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to kick jobs on %s: %w", tube, err)
	}
	return n, nil
}

// StatsJob returns the stored record of job id
func (c *Client) StatsJob(ctx context.Context, id uint64) (*broker.Stats, error) {
	fields, err := c.client.HGetAll(ctx, c.jobKey(formatID(id))).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load stats of job %d: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("job %d: %w", id, broker.ErrNotFound)
	}

	state, err := broker.ParseState(fields["state"])
	if err != nil {
		return nil, fmt.Errorf("job %d: %w", id, err)
	}

	createdAt := time.UnixMilli(parseInt(fields["created_at"]))
	return &broker.Stats{
		ID:       id,
		Tube:     fields["tube"],
		State:    state,
		Priority: uint32(parseInt(fields["pri"])),
		TTR:      time.Duration(parseInt(fields["ttr"])) * time.Millisecond,
		Age:      c.now().Sub(createdAt),
		Releases: int(parseInt(fields["releases"])),
		Reserves: int(parseInt(fields["reserves"])),
		Timeouts: int(parseInt(fields["timeouts"])),
		Buries:   int(parseInt(fields["buries"])),
		Kicks:    int(parseInt(fields["kicks"])),
	}, nil
}

// Tubes returns every tube a job was ever put on, sorted
func (c *Client) Tubes(ctx context.Context) ([]string, error) {
	tubes, err := c.client.SMembers(ctx, c.tubesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list tubes: %w", err)
	}
	sort.Strings(tubes)
	return tubes, nil
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// GetQueueSize returns the number of ready jobs on tube
func (c *Client) GetQueueSize(ctx context.Context, tube string) (int64, error) {
	return c.client.ZCard(ctx, c.readyKey(tube)).Result()
}

func (c *Client) seqKey() string   { return c.prefix + ":seq" }
func (c *Client) tubesKey() string { return c.prefix + ":tubes" }

func (c *Client) jobKey(member string) string { return c.prefix + ":job:" + member }

func (c *Client) readyKey(tube string) string    { return c.tubeKey(tube, "ready") }
func (c *Client) delayedKey(tube string) string  { return c.tubeKey(tube, "delayed") }
func (c *Client) reservedKey(tube string) string { return c.tubeKey(tube, "reserved") }
func (c *Client) buriedKey(tube string) string   { return c.tubeKey(tube, "buried") }

func (c *Client) tubeKey(tube, set string) string {
	return c.prefix + ":tube:" + tube + ":" + set
}

// formatID zero-pads ids so members of equal priority pop in FIFO order.
func formatID(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

func parseID(member string) (uint64, error) {
	id, err := strconv.ParseUint(member, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", member, err)
	}
	return id, nil
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
