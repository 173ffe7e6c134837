package snapshot

import (
	"context"
	"errors"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
)

const (
	snapshotKeySuffix = ":snapshot"
	backupKeySuffix   = ":snapshot:backup"
)

// RedisStorage implements Storage on a Redis instance. The previous snapshot is kept
// under a backup key, so a crash mid-store never loses the last good capture.
type RedisStorage struct {
	client    redis.Cmdable
	namespace string
}

var _ Storage = (*RedisStorage)(nil)

// RedisStorageOptions configures the Redis connection. Fields left zero are filled from
// the environment.
type RedisStorageOptions struct {
	Address   string `env:"LATTICE_REDIS_ADDRESS"   envDefault:"localhost:6379"`
	Password  string `env:"LATTICE_REDIS_PASSWORD"  envDefault:""`
	Namespace string `env:"LATTICE_REDIS_NAMESPACE" envDefault:"lattice"`
}

func (opt *RedisStorageOptions) Validate() error {
	if opt.Address == "" {
		return eris.New("redis address cannot be empty")
	}
	if opt.Namespace == "" {
		return eris.New("redis namespace cannot be empty")
	}
	return nil
}

// NewRedisStorage creates a Redis-backed snapshot storage, connecting with the given
// options after filling unset fields from the environment.
func NewRedisStorage(opts RedisStorageOptions) (*RedisStorage, error) {
	var fromEnv RedisStorageOptions
	if err := env.Parse(&fromEnv); err != nil {
		return nil, eris.Wrap(err, "failed to parse env")
	}
	if opts.Address == "" {
		opts.Address = fromEnv.Address
	}
	if opts.Password == "" {
		opts.Password = fromEnv.Password
	}
	if opts.Namespace == "" {
		opts.Namespace = fromEnv.Namespace
	}
	if err := opts.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid options passed")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
	})
	return NewRedisStorageWithClient(client, opts.Namespace), nil
}

// NewRedisStorageWithClient wraps an existing Redis client. The caller keeps ownership
// of the client's lifecycle.
func NewRedisStorageWithClient(client redis.Cmdable, namespace string) *RedisStorage {
	return &RedisStorage{
		client:    client,
		namespace: namespace,
	}
}

func (r *RedisStorage) key() string {
	return r.namespace + snapshotKeySuffix
}

func (r *RedisStorage) backupKey() string {
	return r.namespace + backupKeySuffix
}

func (r *RedisStorage) Store(ctx context.Context, snapshot *Snapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	// Keep the previous snapshot as a backup before overwriting.
	prev, err := r.client.Get(ctx, r.key()).Bytes()
	switch {
	case err == nil:
		if err := r.client.Set(ctx, r.backupKey(), prev, 0).Err(); err != nil {
			return eris.Wrap(err, "failed to back up previous snapshot")
		}
	case errors.Is(err, redis.Nil):
		// First snapshot, nothing to back up.
	default:
		return eris.Wrap(err, "failed to read previous snapshot")
	}

	if err := r.client.Set(ctx, r.key(), data, 0).Err(); err != nil {
		return eris.Wrap(err, "failed to store snapshot in redis")
	}
	return nil
}

func (r *RedisStorage) Load(ctx context.Context) (*Snapshot, error) {
	data, err := r.client.Get(ctx, r.key()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, eris.Wrapf(ErrSnapshotNotFound, "key %s", r.key())
		}
		return nil, eris.Wrap(err, "failed to load snapshot from redis")
	}
	return decodeSnapshot(data)
}

// LoadBackup retrieves the snapshot that was current before the latest Store.
func (r *RedisStorage) LoadBackup(ctx context.Context) (*Snapshot, error) {
	data, err := r.client.Get(ctx, r.backupKey()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, eris.Wrapf(ErrSnapshotNotFound, "key %s", r.backupKey())
		}
		return nil, eris.Wrap(err, "failed to load snapshot backup from redis")
	}
	return decodeSnapshot(data)
}

func (r *RedisStorage) Exists(ctx context.Context) (bool, error) {
	n, err := r.client.Exists(ctx, r.key()).Result()
	if err != nil {
		return false, eris.Wrap(err, "failed to check snapshot existence")
	}
	return n > 0, nil
}
