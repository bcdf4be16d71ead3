package script_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/IsaacDSC/rqueue/script"
)

const echoSource = "return ARGV[1]"

func setupRegistryTest(t *testing.T) *redis.Client {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { client.Close() })

	return client
}

// unknownHandle forces every EVALSHA to miss so the retry path can be counted
type unknownHandle struct {
	redis.Scripter
	evals atomic.Int32
	loads atomic.Int32
}

func (u *unknownHandle) EvalSha(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	u.evals.Add(1)
	return u.Scripter.EvalSha(ctx, "0000000000000000000000000000000000000000", keys, args...)
}

func (u *unknownHandle) ScriptLoad(ctx context.Context, src string) *redis.StringCmd {
	u.loads.Add(1)
	return u.Scripter.ScriptLoad(ctx, src)
}

func TestRegistry_registerIsIdempotent(t *testing.T) {
	client := setupRegistryTest(t)
	ctx := context.Background()

	r, err := script.NewRegistry(script.Definition{Name: "echo", Source: echoSource})
	require.NoError(t, err)

	h1, err := r.Register(ctx, client, "echo")
	require.NoError(t, err)
	h2, err := r.Register(ctx, client, "echo")
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	local, ok := r.Handle("echo")
	require.True(t, ok)
	require.Equal(t, h1, local)
}

func TestRegistry_invoke(t *testing.T) {
	client := setupRegistryTest(t)
	ctx := context.Background()

	r, err := script.NewRegistry(script.Definition{Name: "echo", Source: echoSource})
	require.NoError(t, err)
	require.NoError(t, r.RegisterAll(ctx, client))

	v, err := r.Invoke(ctx, client, "echo", nil, "hello").Text()
	require.NoError(t, err)
	require.Equal(t, "hello", v)
}

func TestRegistry_reloadsAfterFlush(t *testing.T) {
	client := setupRegistryTest(t)
	ctx := context.Background()

	r, err := script.NewRegistry(script.Definition{Name: "echo", Source: echoSource})
	require.NoError(t, err)
	require.NoError(t, r.RegisterAll(ctx, client))

	require.NoError(t, client.ScriptFlush(ctx).Err())

	v, err := r.Invoke(ctx, client, "echo", nil, "again").Text()
	require.NoError(t, err)
	require.Equal(t, "again", v)
}

func TestRegistry_retriesExactlyOnce(t *testing.T) {
	client := setupRegistryTest(t)
	ctx := context.Background()

	r, err := script.NewRegistry(script.Definition{Name: "echo", Source: echoSource})
	require.NoError(t, err)

	fake := &unknownHandle{Scripter: client}
	err = r.Invoke(ctx, fake, "echo", nil, "x").Err()
	require.Error(t, err)
	require.Contains(t, err.Error(), "NOSCRIPT")
	require.Equal(t, int32(2), fake.evals.Load())
	require.Equal(t, int32(1), fake.loads.Load())
}

func TestRegistry_unknownOperation(t *testing.T) {
	client := setupRegistryTest(t)
	ctx := context.Background()

	r, err := script.NewRegistry()
	require.NoError(t, err)

	err = r.Invoke(ctx, client, "missing", nil).Err()
	require.ErrorIs(t, err, script.ErrUnknownOperation)

	_, err = r.Register(ctx, client, "missing")
	require.ErrorIs(t, err, script.ErrUnknownOperation)
}

func TestRegistry_brokenSourceFailsRegistration(t *testing.T) {
	client := setupRegistryTest(t)

	r, err := script.NewRegistry(script.Definition{Name: "broken", Source: "this is not lua"})
	require.NoError(t, err)

	require.Error(t, r.RegisterAll(context.Background(), client))
}

func TestNewRegistry_duplicates(t *testing.T) {
	_, err := script.NewRegistry(
		script.Definition{Name: "a", Source: "return 1"},
		script.Definition{Name: "a", Source: "return 1"},
	)
	require.NoError(t, err)

	_, err = script.NewRegistry(
		script.Definition{Name: "a", Source: "return 1"},
		script.Definition{Name: "a", Source: "return 2"},
	)
	require.ErrorIs(t, err, script.ErrDuplicateName)
}

func TestRegistry_namesAreSorted(t *testing.T) {
	r, err := script.NewRegistry(
		script.Definition{Name: "sweep", Source: "return 1"},
		script.Definition{Name: "dequeue", Source: "return 2"},
		script.Definition{Name: "enqueue", Source: "return 3"},
	)
	require.NoError(t, err)
	require.Equal(t, []string{"dequeue", "enqueue", "sweep"}, r.Names())
}

func TestRegistry_instancesAreIndependent(t *testing.T) {
	a, err := script.NewRegistry(script.Definition{Name: "op", Source: "return 'a'"})
	require.NoError(t, err)
	b, err := script.NewRegistry(script.Definition{Name: "op", Source: "return 'b'"})
	require.NoError(t, err)

	ha, _ := a.Handle("op")
	hb, _ := b.Handle("op")
	require.NotEqual(t, ha, hb)
}
