package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrExhausted is returned when no connection became available within AcquireTimeout
	ErrExhausted = errors.New("pool: exhausted")
	// ErrClosed is returned by Acquire after Close
	ErrClosed = errors.New("pool: closed")
	// ErrUnavailable is returned when the backend cannot be reached
	ErrUnavailable = errors.New("pool: backend unavailable")
)

// Options holds the connection and sizing settings of a Pool
type Options struct {
	// URL takes precedence over Addr/Password/DB when set, e.g. redis://localhost:6379/1
	URL string

	Addr     string // Redis server address (default: "localhost:6379")
	Password string
	DB       int

	MaxConns       int           // Maximum number of connections (default: 10)
	MinConns       int           // Minimum number of idle connections kept open (default: 0)
	AcquireTimeout time.Duration // How long Acquire waits for a free connection (default: 1s)
	MaxRetries     int           // Retries of a failed command, 0 disables retries (DefaultOptions: 3)
	DialTimeout    time.Duration // Timeout for establishing connection (default: 5s)
	ReadTimeout    time.Duration // Timeout for socket reads (default: 3s)
	WriteTimeout   time.Duration // Timeout for socket writes (default: 3s)

	Logger logr.Logger
}

// DefaultOptions returns pool options with sensible defaults
func DefaultOptions() Options {
	return Options{
		Addr:           "localhost:6379",
		MaxConns:       10,
		AcquireTimeout: time.Second,
		MaxRetries:     3,
		DialTimeout:    5 * time.Second,
		ReadTimeout:    3 * time.Second,
		WriteTimeout:   3 * time.Second,
	}
}

func (o Options) redisOptions() (*redis.Options, error) {
	defaults := DefaultOptions()

	var opts *redis.Options
	if o.URL != "" {
		parsed, err := redis.ParseURL(o.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		addr := o.Addr
		if addr == "" {
			addr = defaults.Addr
		}
		opts = &redis.Options{Addr: addr, Password: o.Password, DB: o.DB}
	}

	opts.PoolSize = o.MaxConns
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaults.MaxConns
	}
	opts.MinIdleConns = o.MinConns
	opts.PoolTimeout = o.AcquireTimeout
	if opts.PoolTimeout <= 0 {
		opts.PoolTimeout = defaults.AcquireTimeout
	}
	// go-redis treats 0 as its own default of 3
	opts.MaxRetries = o.MaxRetries
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = -1
	}
	opts.DialTimeout = orDefault(o.DialTimeout, defaults.DialTimeout)
	opts.ReadTimeout = orDefault(o.ReadTimeout, defaults.ReadTimeout)
	opts.WriteTimeout = orDefault(o.WriteTimeout, defaults.WriteTimeout)

	return opts, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

// Pool hands out dedicated connections to the backing store. Each caller
// holds exactly one connection for the duration of an operation.
type Pool struct {
	client         *redis.Client
	maxConns       int
	acquireTimeout time.Duration
	logger         logr.Logger
	closed         atomic.Bool
}

// New creates the pool and verifies the backend is reachable
func New(ctx context.Context, opts Options) (*Pool, error) {
	redisOpts, err := opts.redisOptions()
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(redisOpts)

	// Test connection
	pingCtx, cancel := context.WithTimeout(ctx, redisOpts.DialTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	logger := opts.Logger
	if logger.GetSink() == nil {
		logger = logr.Discard()
	}

	logger.V(1).Info("connection pool ready", "addr", redisOpts.Addr, "db", redisOpts.DB, "maxConns", redisOpts.PoolSize)

	return &Pool{
		client:         client,
		maxConns:       redisOpts.PoolSize,
		acquireTimeout: redisOpts.PoolTimeout,
		logger:         logger,
	}, nil
}

// Acquire checks out a connection and validates it. A dead connection is
// discarded and replaced once before giving up. Each attempt waits at most
// AcquireTimeout, retries included.
func (p *Pool) Acquire(ctx context.Context) (*redis.Conn, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		conn := p.client.Conn()

		waitCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
		err := conn.Ping(waitCtx).Err()
		cancel()
		if err == nil {
			return conn, nil
		}
		_ = conn.Close()

		switch {
		case errors.Is(err, redis.ErrClosed) || p.closed.Load():
			return nil, ErrClosed
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, redis.ErrPoolTimeout):
			return nil, fmt.Errorf("%w: %w", ErrExhausted, err)
		case errors.Is(err, context.DeadlineExceeded) && p.busy():
			return nil, fmt.Errorf("%w: %w", ErrExhausted, redis.ErrPoolTimeout)
		}

		p.logger.V(1).Info("discarding dead connection", "attempt", attempt, "error", err.Error())
		lastErr = err
	}

	return nil, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

// busy reports whether every connection is checked out
func (p *Pool) busy() bool {
	stats := p.client.PoolStats()
	return int(stats.TotalConns)-int(stats.IdleConns) >= p.maxConns
}

// Release returns the connection to the pool. Connections go-redis marked
// as bad are dropped and replaced on the next Acquire.
func (p *Pool) Release(conn *redis.Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		p.logger.V(1).Info("release connection", "error", err.Error())
	}
}

// With runs fn on a pooled connection and releases it on every exit path
func (p *Pool) With(ctx context.Context, fn func(conn *redis.Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)

	return fn(conn)
}

// Close terminates all connections. It is safe to call more than once.
func (p *Pool) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.V(1).Info("closing connection pool")
	return p.client.Close()
}

// Stats returns connection pool statistics
func (p *Pool) Stats() *redis.PoolStats {
	return p.client.PoolStats()
}
