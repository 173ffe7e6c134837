package snapshot

import (
	"context"
	"io"
	"math"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rotisserie/eris"
)

const defaultObjectName = "snapshot"

// JetStreamStorage implements Storage using NATS JetStream ObjectStore.
type JetStreamStorage struct {
	os jetstream.ObjectStore
}

var _ Storage = (*JetStreamStorage)(nil)

// JetStreamStorageOptions configures the JetStream connection and bucket. Fields left
// zero are filled from the environment.
type JetStreamStorageOptions struct {
	// Conn is an existing NATS connection to reuse. When nil, a new connection is made
	// to URL.
	Conn *nats.Conn

	URL    string `env:"LATTICE_NATS_URL"        envDefault:"nats://localhost:4222"`
	Bucket string `env:"LATTICE_SNAPSHOT_BUCKET" envDefault:"lattice_snapshot"`

	// Maximum bytes for the ObjectStore bucket. Required by some NATS providers like
	// Synadia Cloud; 0 means unlimited.
	MaxBytes uint64 `env:"LATTICE_SNAPSHOT_MAX_BYTES" envDefault:"0"`
}

func (opt *JetStreamStorageOptions) Validate() error {
	if opt.Conn == nil && opt.URL == "" {
		return eris.New("either a NATS connection or a URL is required")
	}
	if opt.Bucket == "" {
		return eris.New("bucket name cannot be empty")
	}
	if opt.MaxBytes > math.MaxInt64 {
		return eris.New("snapshot storage max bytes exceeds maximum int64 value")
	}
	return nil
}

// NewJetStreamStorage creates a JetStream ObjectStore-backed snapshot storage, creating
// the bucket if it does not exist yet.
func NewJetStreamStorage(ctx context.Context, opts JetStreamStorageOptions) (*JetStreamStorage, error) {
	var fromEnv JetStreamStorageOptions
	if err := env.Parse(&fromEnv); err != nil {
		return nil, eris.Wrap(err, "failed to parse env")
	}
	if opts.URL == "" {
		opts.URL = fromEnv.URL
	}
	if opts.Bucket == "" {
		opts.Bucket = fromEnv.Bucket
	}
	if opts.MaxBytes == 0 {
		opts.MaxBytes = fromEnv.MaxBytes
	}
	if err := opts.Validate(); err != nil {
		return nil, eris.Wrap(err, "invalid options passed")
	}

	nc := opts.Conn
	if nc == nil {
		var err error
		nc, err = nats.Connect(opts.URL)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to connect to NATS at %s", opts.URL)
		}
	}

	js, err := jetstream.New(nc)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create JetStream client")
	}

	osConfig := jetstream.ObjectStoreConfig{
		Bucket:   opts.Bucket,
		MaxBytes: int64(opts.MaxBytes),
	}
	os, err := js.CreateObjectStore(ctx, osConfig)
	if err != nil {
		if eris.Is(err, jetstream.ErrBucketExists) {
			// Bucket already exists, get the existing one.
			os, err = js.ObjectStore(ctx, opts.Bucket)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to get existing ObjectStore (bucket=%s)", opts.Bucket)
			}
		} else {
			return nil, eris.Wrapf(err, "failed to create ObjectStore (bucket=%s, maxBytes=%d)",
				osConfig.Bucket, osConfig.MaxBytes)
		}
	}

	return &JetStreamStorage{os: os}, nil
}

func (j *JetStreamStorage) Store(ctx context.Context, snapshot *Snapshot) error {
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	// Overwrite the existing snapshot if any.
	if _, err = j.os.PutBytes(ctx, defaultObjectName, data); err != nil {
		return eris.Wrap(err, "failed to store snapshot in ObjectStore")
	}
	return nil
}

func (j *JetStreamStorage) Load(ctx context.Context) (*Snapshot, error) {
	object, err := j.os.Get(ctx, defaultObjectName)
	if err != nil {
		if eris.Is(err, jetstream.ErrObjectNotFound) {
			return nil, eris.Wrapf(ErrSnapshotNotFound, "bucket has no %s object", defaultObjectName)
		}
		return nil, eris.Wrap(err, "failed to get snapshot from ObjectStore")
	}
	defer func() {
		_ = object.Close()
	}()

	data, err := io.ReadAll(object)
	if err != nil {
		return nil, eris.Wrap(err, "failed to read from object")
	}
	return decodeSnapshot(data)
}

func (j *JetStreamStorage) Exists(ctx context.Context) (bool, error) {
	_, err := j.os.GetInfo(ctx, defaultObjectName)
	if err != nil {
		if eris.Is(err, jetstream.ErrObjectNotFound) {
			return false, nil
		}
		return false, eris.Wrap(err, "failed to check snapshot existence")
	}
	return true, nil
}
