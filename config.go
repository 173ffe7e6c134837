package lattice

import (
	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/lattice-ecs/lattice/codec"
	"github.com/lattice-ecs/lattice/snapshot"
)

// worldConfig holds the configuration for a World instance. Configuration can be set
// via environment variables with the specified defaults; explicit WorldOptions override
// whatever the environment provides.
type worldConfig struct {
	// Unique ID of this world instance. Blank generates a random one.
	InstanceID string `env:"LATTICE_INSTANCE_ID"`

	// Minimum level for the world's logs.
	LogLevel string `env:"LATTICE_LOG_LEVEL" envDefault:"info"`

	// Maximum number of live entities.
	MaxEntities int `env:"LATTICE_MAX_ENTITIES" envDefault:"1000000"`

	// Capacity of the change history ring when change tracking is on.
	ChangeCapacity int `env:"LATTICE_CHANGE_CAPACITY" envDefault:"1024"`

	// Encoding for archives and snapshots: BINARY or JSON.
	ArchiveFormat string `env:"LATTICE_ARCHIVE_FORMAT" envDefault:"BINARY"`

	// Snapshot storage backend: NOP, REDIS, or JETSTREAM.
	SnapshotStorage string `env:"LATTICE_SNAPSHOT_STORAGE" envDefault:"NOP"`
}

// loadWorldConfig loads the world configuration from environment variables.
func loadWorldConfig() (worldConfig, error) {
	cfg := worldConfig{}

	if err := env.Parse(&cfg); err != nil {
		return cfg, eris.Wrap(err, "failed to parse world config")
	}

	if err := cfg.validate(); err != nil {
		return cfg, eris.Wrap(err, "failed to validate config")
	}

	return cfg, nil
}

// validate performs validation on the loaded configuration.
func (cfg *worldConfig) validate() error {
	if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return eris.Wrapf(err, "invalid log level %q", cfg.LogLevel)
	}
	if cfg.MaxEntities <= 0 {
		return eris.Errorf("max entities must be > 0, got %d", cfg.MaxEntities)
	}
	if cfg.ChangeCapacity <= 0 {
		return eris.Errorf("change capacity must be > 0, got %d", cfg.ChangeCapacity)
	}
	if _, err := codec.ParseFormat(cfg.ArchiveFormat); err != nil {
		return eris.Wrap(err, "invalid archive format")
	}
	if _, err := snapshot.ParseStorageType(cfg.SnapshotStorage); err != nil {
		return eris.Wrap(err, "invalid snapshot storage")
	}
	return nil
}

// toOptions converts the configuration into the equivalent WorldOptions.
func (cfg *worldConfig) toOptions() WorldOptions {
	// Validation already proved these parse.
	format, _ := codec.ParseFormat(cfg.ArchiveFormat)
	storageType, _ := snapshot.ParseStorageType(cfg.SnapshotStorage)

	return WorldOptions{
		InstanceID:          cfg.InstanceID,
		LogLevel:            cfg.LogLevel,
		MaxEntities:         cfg.MaxEntities,
		ChangeCapacity:      cfg.ChangeCapacity,
		ArchiveFormat:       format,
		SnapshotStorageType: storageType,
	}
}
