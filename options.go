package lattice

import (
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/lattice-ecs/lattice/codec"
	"github.com/lattice-ecs/lattice/snapshot"
)

// WorldOptions configures a World. Zero fields fall back to the environment and then
// to the built-in defaults, so an empty WorldOptions is a valid configuration.
type WorldOptions struct {
	InstanceID string // Unique ID of this world instance; blank generates a random one
	LogLevel   string // Minimum level for the world's logs

	MaxEntities         int  // Maximum number of live entities
	DisableThreadSafety bool // Turn off internal locking for single-goroutine use
	TrackChanges        bool // Record component changes into the history ring
	ChangeCapacity      int  // Capacity of the change history ring

	ArchiveFormat codec.Format // Encoding for archives and snapshots

	SnapshotStorageType snapshot.StorageType // Storage backend to construct
	SnapshotStorage     snapshot.Storage     // Caller-supplied backend, overrides the type
	CacheSnapshots      bool                 // Wrap the backend in an in-memory read-through cache
	SnapshotCacheSize   int                  // Cache budget in bytes, 0 uses the package default

	Logger *zerolog.Logger // Fully replaces the default logger when set
}

// newDefaultWorldOptions creates WorldOptions with default values. Most defaults come
// from the environment config, so only the flags that cannot be expressed there are
// set here.
func newDefaultWorldOptions() WorldOptions {
	return WorldOptions{
		InstanceID:          "",
		LogLevel:            "",
		MaxEntities:         0,
		DisableThreadSafety: false,
		TrackChanges:        false,
		ChangeCapacity:      0,
		ArchiveFormat:       codec.FormatUndefined,
		SnapshotStorageType: snapshot.StorageTypeUndefined,
		SnapshotStorage:     nil,
		CacheSnapshots:      false,
		SnapshotCacheSize:   0,
		Logger:              nil,
	}
}

// apply merges the given options into the current options, overriding non-zero values.
func (opt *WorldOptions) apply(newOpt WorldOptions) {
	if newOpt.InstanceID != "" {
		opt.InstanceID = newOpt.InstanceID
	}
	if newOpt.LogLevel != "" {
		opt.LogLevel = newOpt.LogLevel
	}
	if newOpt.MaxEntities != 0 {
		opt.MaxEntities = newOpt.MaxEntities
	}
	if newOpt.DisableThreadSafety {
		opt.DisableThreadSafety = true
	}
	if newOpt.TrackChanges {
		opt.TrackChanges = true
	}
	if newOpt.ChangeCapacity != 0 {
		opt.ChangeCapacity = newOpt.ChangeCapacity
	}
	if newOpt.ArchiveFormat != codec.FormatUndefined {
		opt.ArchiveFormat = newOpt.ArchiveFormat
	}
	if newOpt.SnapshotStorageType != snapshot.StorageTypeUndefined {
		opt.SnapshotStorageType = newOpt.SnapshotStorageType
	}
	if newOpt.SnapshotStorage != nil {
		opt.SnapshotStorage = newOpt.SnapshotStorage
	}
	if newOpt.CacheSnapshots {
		opt.CacheSnapshots = true
	}
	if newOpt.SnapshotCacheSize != 0 {
		opt.SnapshotCacheSize = newOpt.SnapshotCacheSize
	}
	if newOpt.Logger != nil {
		opt.Logger = newOpt.Logger
	}
}

// validate checks that all required options are set and valid.
func (opt *WorldOptions) validate() error {
	if _, err := zerolog.ParseLevel(opt.LogLevel); err != nil {
		return eris.Wrapf(err, "invalid log level %q", opt.LogLevel)
	}
	if opt.MaxEntities <= 0 {
		return eris.Errorf("max entities must be > 0, got %d", opt.MaxEntities)
	}
	if opt.ChangeCapacity <= 0 {
		return eris.Errorf("change capacity must be > 0, got %d", opt.ChangeCapacity)
	}
	if !opt.ArchiveFormat.IsValid() {
		return eris.Errorf("invalid archive format %s", opt.ArchiveFormat)
	}
	if opt.SnapshotStorage == nil && !opt.SnapshotStorageType.IsValid() {
		return eris.Errorf("invalid snapshot storage type %s", opt.SnapshotStorageType)
	}
	if opt.SnapshotCacheSize < 0 {
		return eris.Errorf("snapshot cache size must be >= 0, got %d", opt.SnapshotCacheSize)
	}
	return nil
}
