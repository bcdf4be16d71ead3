package pool_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/IsaacDSC/rqueue/pool"
)

// setupPoolTest starts an in-process Redis and a pool pointing at it
func setupPoolTest(t *testing.T, opts pool.Options) (*miniredis.Miniredis, *pool.Pool) {
	t.Helper()

	server := miniredis.RunT(t)
	opts.Addr = server.Addr()

	p, err := pool.New(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	return server, p
}

func TestPool_acquireRelease(t *testing.T) {
	_, p := setupPoolTest(t, pool.Options{MaxConns: 2})
	ctx := context.Background()

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	require.NoError(t, conn.Set(ctx, "k", "v", 0).Err())
	p.Release(conn)

	err = p.With(ctx, func(conn *redis.Conn) error {
		v, err := conn.Get(ctx, "k").Result()
		require.Equal(t, "v", v)
		return err
	})
	require.NoError(t, err)
}

func TestPool_withReleasesOnError(t *testing.T) {
	_, p := setupPoolTest(t, pool.Options{MaxConns: 1, AcquireTimeout: 100 * time.Millisecond})
	ctx := context.Background()

	boom := errors.New("boom")
	for range 3 {
		err := p.With(ctx, func(*redis.Conn) error { return boom })
		require.ErrorIs(t, err, boom)
	}

	// the single connection must still be available
	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(conn)
}

func TestPool_exhausted(t *testing.T) {
	const acquireTimeout = 50 * time.Millisecond

	tests := []struct {
		name       string
		maxRetries int
	}{
		{"without retries", 0},
		{"with retries", 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, p := setupPoolTest(t, pool.Options{MaxConns: 1, AcquireTimeout: acquireTimeout, MaxRetries: tt.maxRetries})
			ctx := context.Background()

			held, err := p.Acquire(ctx)
			require.NoError(t, err)

			start := time.Now()
			_, err = p.Acquire(ctx)
			elapsed := time.Since(start)

			require.ErrorIs(t, err, pool.ErrExhausted)
			require.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
			require.Less(t, elapsed, 2*acquireTimeout)

			p.Release(held)

			conn, err := p.Acquire(ctx)
			require.NoError(t, err)
			p.Release(conn)
		})
	}
}

func TestPool_acquireHonorsCallerContext(t *testing.T) {
	_, p := setupPoolTest(t, pool.Options{MaxConns: 1, AcquireTimeout: time.Second})

	held, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer p.Release(held)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_closed(t *testing.T) {
	_, p := setupPoolTest(t, pool.Options{})

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err := p.Acquire(context.Background())
	require.ErrorIs(t, err, pool.ErrClosed)

	err = p.With(context.Background(), func(*redis.Conn) error {
		t.Fatal("fn must not run on a closed pool")
		return nil
	})
	require.ErrorIs(t, err, pool.ErrClosed)
}

func TestPool_reconnectsAfterRestart(t *testing.T) {
	server, p := setupPoolTest(t, pool.Options{MaxConns: 1})
	ctx := context.Background()

	require.NoError(t, p.With(ctx, func(conn *redis.Conn) error {
		return conn.Set(ctx, "persist", "yes", 0).Err()
	}))

	server.Close()
	require.NoError(t, server.Restart())

	conn, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer p.Release(conn)

	v, err := conn.Get(ctx, "persist").Result()
	require.NoError(t, err)
	require.Equal(t, "yes", v)
}

func TestPool_unreachable(t *testing.T) {
	_, err := pool.New(context.Background(), pool.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
	})
	require.ErrorIs(t, err, pool.ErrUnavailable)
}

func TestPool_invalidURL(t *testing.T) {
	_, err := pool.New(context.Background(), pool.Options{URL: "http://not-redis"})
	require.Error(t, err)
}

func TestPool_url(t *testing.T) {
	server := miniredis.RunT(t)

	p, err := pool.New(context.Background(), pool.Options{URL: "redis://" + server.Addr() + "/1"})
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.With(context.Background(), func(conn *redis.Conn) error {
		return conn.Set(context.Background(), "db1", "x", 0).Err()
	}))

	server.Select(1)
	require.True(t, server.Exists("db1"))
}
