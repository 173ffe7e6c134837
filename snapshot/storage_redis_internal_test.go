package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStorage_StoreLoad(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage, _ := newTestRedisStorage(t)

	exists, err := storage.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = storage.Load(ctx)
	assert.True(t, eris.Is(err, ErrSnapshotNotFound), "got: %v", err)

	first := &Snapshot{TickHeight: 10, Timestamp: time.Now().UTC(), Data: []byte("capture-10")}
	require.NoError(t, storage.Store(ctx, first))

	exists, err = storage.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := storage.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.TickHeight)
	assert.Equal(t, []byte("capture-10"), got.Data)
	assert.Equal(t, CurrentVersion, got.Version)
	assert.WithinDuration(t, first.Timestamp, got.Timestamp, 0)
}

func TestRedisStorage_BackupBeforeOverwrite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage, _ := newTestRedisStorage(t)

	// Nothing has been displaced before the second store.
	_, err := storage.LoadBackup(ctx)
	assert.True(t, eris.Is(err, ErrSnapshotNotFound), "got: %v", err)

	require.NoError(t, storage.Store(ctx, &Snapshot{TickHeight: 10, Data: []byte("capture-10")}))
	_, err = storage.LoadBackup(ctx)
	assert.True(t, eris.Is(err, ErrSnapshotNotFound), "the first store has nothing to back up")

	require.NoError(t, storage.Store(ctx, &Snapshot{TickHeight: 20, Data: []byte("capture-20")}))

	current, err := storage.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), current.TickHeight)

	backup, err := storage.LoadBackup(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), backup.TickHeight)
	assert.Equal(t, []byte("capture-10"), backup.Data)
}

func TestRedisStorage_FromEnv(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("LATTICE_REDIS_ADDRESS", mr.Addr())
	t.Setenv("LATTICE_REDIS_NAMESPACE", "envspace")

	ctx := context.Background()
	storage, err := NewRedisStorage(RedisStorageOptions{})
	require.NoError(t, err)

	require.NoError(t, storage.Store(ctx, &Snapshot{TickHeight: 7, Data: []byte("env")}))

	// The snapshot landed under the namespace the environment picked.
	verify := NewRedisStorageWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "envspace")
	got, err := verify.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), got.TickHeight)
}

func TestRedisStorage_ExplicitOptionsBeatEnv(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("LATTICE_REDIS_ADDRESS", mr.Addr())
	t.Setenv("LATTICE_REDIS_NAMESPACE", "envspace")

	ctx := context.Background()
	storage, err := NewRedisStorage(RedisStorageOptions{Namespace: "explicit"})
	require.NoError(t, err)

	require.NoError(t, storage.Store(ctx, &Snapshot{TickHeight: 9}))

	explicit := NewRedisStorageWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "explicit")
	exists, err := explicit.Exists(ctx)
	require.NoError(t, err)
	assert.True(t, exists)

	env := NewRedisStorageWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "envspace")
	exists, err = env.Exists(ctx)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisStorageOptions_Validate(t *testing.T) {
	t.Parallel()

	err := (&RedisStorageOptions{Namespace: "x"}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis address cannot be empty")

	err = (&RedisStorageOptions{Address: "localhost:6379"}).Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis namespace cannot be empty")

	assert.NoError(t, (&RedisStorageOptions{Address: "localhost:6379", Namespace: "x"}).Validate())
}

func TestRedisStorage_BackendDown(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	storage, mr := newTestRedisStorage(t)
	require.NoError(t, storage.Store(ctx, &Snapshot{TickHeight: 1}))

	mr.Close()

	_, err := storage.Load(ctx)
	require.Error(t, err)
	assert.False(t, eris.Is(err, ErrSnapshotNotFound), "a dead backend is not a missing snapshot")

	_, err = storage.Exists(ctx)
	require.Error(t, err)
}

func newTestRedisStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()

	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr:     s.Addr(),
		Password: "", // no password set
		DB:       0,  // use default DB
	})
	return NewRedisStorageWithClient(client, "test"), s
}
