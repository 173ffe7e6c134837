// Package lattice is the main entry point for building simulations on the archetype
// ECS engine. It wires a world to its configuration, logging, serialization, and
// snapshot storage, and re-exports the generic component API so most applications only
// import this package and ecs.
package lattice

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/lattice-ecs/lattice/codec"
	"github.com/lattice-ecs/lattice/ecs"
	"github.com/lattice-ecs/lattice/log"
	"github.com/lattice-ecs/lattice/snapshot"
)

// World wraps an ecs.World with everything an application embeds it for: identity,
// logging, archive serialization, and snapshot persistence.
type World struct {
	ecs        *ecs.World
	serializer *ecs.Serializer
	storage    snapshot.Storage

	instanceID string
	tickHeight uint64

	options WorldOptions
	logger  zerolog.Logger
}

// NewWorld creates a world with the given options. Zero option fields fall back to
// the LATTICE_* environment variables and then to the built-in defaults.
func NewWorld(opts WorldOptions) (*World, error) {
	// Load and validate options.
	cfg, err := loadWorldConfig()
	if err != nil {
		return nil, eris.Wrap(err, "failed to load world config")
	}
	options := newDefaultWorldOptions()
	options.apply(cfg.toOptions())
	options.apply(opts)
	if err := options.validate(); err != nil {
		return nil, eris.Wrap(err, "invalid world options")
	}

	instanceID := options.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	// Setup logging.
	var logger zerolog.Logger
	if options.Logger != nil {
		logger = *options.Logger
	} else {
		level, _ := zerolog.ParseLevel(options.LogLevel)
		logger = zerolog.New(os.Stdout).Level(level).With().
			Timestamp().
			Str("instance", instanceID).
			Logger()
	}

	// Setup the ECS world.
	ecsOpts := []ecs.WorldOption{
		ecs.WithMaxEntities(options.MaxEntities),
		ecs.WithThreadSafety(!options.DisableThreadSafety),
		ecs.WithLogger(logger),
	}
	if options.TrackChanges {
		ecsOpts = append(ecsOpts, ecs.WithChangeTracking(options.ChangeCapacity))
	}
	ecsWorld, err := ecs.NewWorld(ecsOpts...)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create ecs world")
	}

	// Setup snapshot storage.
	storage, err := buildStorage(&options)
	if err != nil {
		return nil, eris.Wrap(err, "failed to create snapshot storage")
	}

	world := &World{
		ecs:        ecsWorld,
		serializer: ecs.NewSerializer(ecsWorld, ecs.WithFormat(options.ArchiveFormat)),
		storage:    storage,
		instanceID: instanceID,
		options:    options,
		logger:     logger,
	}

	logger.Info().
		Str("storage", storageName(&options)).
		Str("format", options.ArchiveFormat.String()).
		Msg("world created")
	return world, nil
}

// buildStorage constructs the snapshot backend the options ask for, wrapping it in the
// read-through cache when requested.
func buildStorage(options *WorldOptions) (snapshot.Storage, error) {
	storage := options.SnapshotStorage
	if storage == nil {
		var err error
		switch options.SnapshotStorageType {
		case snapshot.StorageTypeNop:
			storage = snapshot.NewNopStorage()
		case snapshot.StorageTypeRedis:
			storage, err = snapshot.NewRedisStorage(snapshot.RedisStorageOptions{})
		case snapshot.StorageTypeJetStream:
			storage, err = snapshot.NewJetStreamStorage(
				context.Background(), snapshot.JetStreamStorageOptions{})
		default:
			err = eris.Errorf("invalid snapshot storage type %s", options.SnapshotStorageType)
		}
		if err != nil {
			return nil, err
		}
	}

	if options.CacheSnapshots {
		storage = snapshot.NewCachedStorage(storage, options.SnapshotCacheSize)
	}
	return storage, nil
}

func storageName(options *WorldOptions) string {
	if options.SnapshotStorage != nil {
		return "custom"
	}
	return options.SnapshotStorageType.String()
}

// ECS returns the underlying ecs.World for operations the facade does not wrap.
func (w *World) ECS() *ecs.World { return w.ecs }

// InstanceID returns the unique ID of this world instance.
func (w *World) InstanceID() string { return w.instanceID }

// Logger returns the world's logger for application use.
func (w *World) Logger() zerolog.Logger { return w.logger }

// LogState writes a structured summary of the registered component types and systems
// to the world's logger.
func (w *World) LogState(level zerolog.Level) {
	log.World(&w.logger, w.ecs, level)
}

// LogEntity writes one entity's handle and component list to the world's logger.
func (w *World) LogEntity(level zerolog.Level, e ecs.Entity) error {
	ids, err := w.ecs.ComponentsOf(e)
	if err != nil {
		return err
	}
	byID := make(map[ecs.ComponentID]ecs.ComponentInfo)
	for _, info := range w.ecs.ComponentTypes() {
		byID[info.ID] = info
	}
	infos := make([]ecs.ComponentInfo, 0, len(ids))
	for _, id := range ids {
		infos = append(infos, byID[id])
	}
	log.Entity(&w.logger, level, e, infos)
	return nil
}

// SystemLogger returns a sub-logger tagged with the system's name, for use inside
// system update functions.
func (w *World) SystemLogger(name string) *zerolog.Logger {
	return log.SystemLogger(&w.logger, name)
}

// -------------------------------------------------------------------------------------------------
// Entities
// -------------------------------------------------------------------------------------------------

// CreateEntity creates an entity that starts with the given components.
func (w *World) CreateEntity(comps ...ecs.Component) (ecs.Entity, error) {
	return w.ecs.CreateEntityWith(comps...)
}

// CreateEntityInRegion creates an entity with the given components and places it into
// the region at the given coordinates.
func (w *World) CreateEntityInRegion(x, y, z int32, comps ...ecs.Component) (ecs.Entity, error) {
	e, err := w.ecs.CreateEntityWith(comps...)
	if err != nil {
		return ecs.Nil, err
	}
	if err := w.ecs.AssignRegion(e, x, y, z); err != nil {
		_ = w.ecs.DestroyEntity(e)
		return ecs.Nil, err
	}
	return e, nil
}

// DestroyEntity removes an entity and all of its components.
func (w *World) DestroyEntity(e ecs.Entity) error {
	return w.ecs.DestroyEntity(e)
}

// DestroyHierarchy destroys an entity and all of its descendants, leaves first.
func (w *World) DestroyHierarchy(root ecs.Entity) error {
	return w.ecs.DestroyHierarchy(root)
}

// IsValid reports whether the handle refers to a live entity.
func (w *World) IsValid(e ecs.Entity) bool {
	return w.ecs.IsValid(e)
}

// EntityCount returns the number of live entities.
func (w *World) EntityCount() int {
	return w.ecs.EntityCount()
}

// -------------------------------------------------------------------------------------------------
// Relationships
// -------------------------------------------------------------------------------------------------

// SetParent makes child a child of parent, replacing any previous parent.
func (w *World) SetParent(child, parent ecs.Entity) error {
	return w.ecs.SetParent(child, parent)
}

// Parent returns the entity's parent, if it has one.
func (w *World) Parent(e ecs.Entity) (ecs.Entity, bool) {
	return w.ecs.Parent(e)
}

// Children returns the entity's direct children in attachment order.
func (w *World) Children(e ecs.Entity) []ecs.Entity {
	return w.ecs.Children(e)
}

// Walk visits root and its descendants in the given order.
func (w *World) Walk(root ecs.Entity, order ecs.TraversalOrder, visit func(ecs.Entity) bool) {
	w.ecs.Walk(root, order, visit)
}

// -------------------------------------------------------------------------------------------------
// Systems and queries
// -------------------------------------------------------------------------------------------------

// RegisterSystem adds a system to the world's scheduler.
func (w *World) RegisterSystem(sys ecs.System, opts ...ecs.SystemOption) error {
	return w.ecs.RegisterSystem(sys, opts...)
}

// System returns the registered system with the given name.
func (w *World) System(name string) (ecs.System, bool) {
	return w.ecs.System(name)
}

// AddSystemDependency orders two systems: before completes before after starts.
func (w *World) AddSystemDependency(before, after string) error {
	return w.ecs.AddDependency(before, after)
}

// Update advances the world by one tick, running every system in dependency order.
func (w *World) Update(dt float64) error {
	if err := w.ecs.Tick(dt); err != nil {
		return err
	}
	w.tickHeight++
	log.Tick(&w.logger, zerolog.DebugLevel, w.tickHeight, w.ecs.LastTickDuration())
	return nil
}

// UpdateParallel advances the world by one tick with independent systems running
// concurrently on up to workers goroutines (0 = number of CPUs).
func (w *World) UpdateParallel(dt float64, workers int) error {
	if err := w.ecs.TickParallel(dt, workers); err != nil {
		return err
	}
	w.tickHeight++
	log.Tick(&w.logger, zerolog.DebugLevel, w.tickHeight, w.ecs.LastTickDuration())
	return nil
}

// SystemStats returns a snapshot of per-system timing, keyed by system name.
func (w *World) SystemStats() map[string]ecs.SystemStats {
	return w.ecs.SystemStats()
}

// Query starts a new entity query against the world.
func (w *World) Query() *ecs.Query {
	return w.ecs.Query()
}

// -------------------------------------------------------------------------------------------------
// Change tracking
// -------------------------------------------------------------------------------------------------

// Notifier returns the world's change notifier for subscribing to component changes.
func (w *World) Notifier() *ecs.Notifier {
	return w.ecs.Notifier()
}

// EnableChangeTracking starts recording component changes into a bounded history ring.
func (w *World) EnableChangeTracking(capacity int) error {
	return w.ecs.EnableChangeTracking(capacity)
}

// ChangesSince returns the recorded changes with a timestamp at or after the given
// time, oldest first.
func (w *World) ChangesSince(at time.Time) ([]ecs.ChangeRecord, error) {
	return w.ecs.ChangesSince(at)
}

// -------------------------------------------------------------------------------------------------
// Persistence
// -------------------------------------------------------------------------------------------------

// TickHeight returns the number of completed ticks, restored on Load.
func (w *World) TickHeight() uint64 { return w.tickHeight }

// Snapshot encodes the whole world into an archive in the given format.
func (w *World) Snapshot(format codec.Format) ([]byte, error) {
	return ecs.NewSerializer(w.ecs, ecs.WithFormat(format)).Serialize()
}

// Save captures the world into an archive and stores it in the snapshot storage,
// replacing the previous snapshot.
func (w *World) Save(ctx context.Context) error {
	data, err := w.serializer.Serialize()
	if err != nil {
		return eris.Wrap(err, "failed to serialize world")
	}

	snap := &snapshot.Snapshot{
		TickHeight: w.tickHeight,
		Timestamp:  time.Now(),
		Data:       data,
	}
	if err := w.storage.Store(ctx, snap); err != nil {
		return eris.Wrap(err, "failed to store snapshot")
	}

	w.logger.Info().
		Uint64("tick_height", snap.TickHeight).
		Int("bytes", len(data)).
		Msg("snapshot saved")
	return nil
}

// Load restores the world from the stored snapshot, replacing all current entities.
// Component types and systems are not part of snapshots and must already be
// registered. Returns snapshot.ErrSnapshotNotFound if nothing was stored yet.
func (w *World) Load(ctx context.Context) error {
	snap, err := w.storage.Load(ctx)
	if err != nil {
		return err
	}

	if err := w.serializer.Deserialize(snap.Data); err != nil {
		return eris.Wrap(err, "failed to restore world from snapshot")
	}
	w.tickHeight = snap.TickHeight

	w.logger.Info().
		Uint64("tick_height", snap.TickHeight).
		Time("taken_at", snap.Timestamp).
		Msg("snapshot loaded")
	return nil
}

// SaveTo streams the whole world into an archive on w, in the given format. Unlike
// Save, the archive never materializes in memory.
func (w *World) SaveTo(out io.Writer, format codec.Format) (int, error) {
	sw := ecs.NewSerializer(w.ecs, ecs.WithFormat(format)).NewStreamWriter(out)

	entities, err := w.ecs.Query().Collect()
	if err != nil {
		return 0, err
	}
	for _, e := range entities {
		if err := sw.WriteEntity(e); err != nil {
			return sw.Count(), err
		}
	}
	if err := sw.Flush(); err != nil {
		return sw.Count(), err
	}
	return sw.Count(), nil
}

// LoadFrom merges a streamed archive in the given format into the world, record by
// record, and returns how many entities were restored.
func (w *World) LoadFrom(r io.Reader, format codec.Format) (int, error) {
	sr, err := w.serializer.NewStreamReader(r, format)
	if err != nil {
		return 0, err
	}
	return sr.Restore()
}

// Shutdown runs every system's shutdown hook and flushes pending notifications. The
// world stays usable for data access afterwards.
func (w *World) Shutdown() error {
	w.logger.Info().Msg("shutting down world")
	return w.ecs.Shutdown()
}

// -------------------------------------------------------------------------------------------------
// Stats
// -------------------------------------------------------------------------------------------------

// WorldStats is a point-in-time summary of a world's size and tick timing.
type WorldStats struct {
	InstanceID     string
	Entities       int
	Archetypes     int
	ComponentTypes int
	TickHeight     uint64
	LastTick       time.Duration
	AverageTick    time.Duration
}

// Stats summarizes the world's current size and timing.
func (w *World) Stats() WorldStats {
	return WorldStats{
		InstanceID:     w.instanceID,
		Entities:       w.ecs.EntityCount(),
		Archetypes:     w.ecs.ArchetypeCount(),
		ComponentTypes: len(w.ecs.ComponentTypes()),
		TickHeight:     w.tickHeight,
		LastTick:       w.ecs.LastTickDuration(),
		AverageTick:    w.ecs.AverageTickDuration(),
	}
}

// -------------------------------------------------------------------------------------------------
// Generic component API
// -------------------------------------------------------------------------------------------------

// RegisterComponent registers component type T with the world and returns its ID.
func RegisterComponent[T ecs.Component](w *World) (ecs.ComponentID, error) {
	return ecs.Register[T](w.ecs)
}

// AddComponent attaches a component to an entity, registering T on first use.
func AddComponent[T ecs.Component](w *World, e ecs.Entity, value T) error {
	return ecs.Add(w.ecs, e, value)
}

// SetComponent overwrites the entity's T value, attaching it first if absent.
func SetComponent[T ecs.Component](w *World, e ecs.Entity, value T) error {
	return ecs.Set(w.ecs, e, value)
}

// GetComponent returns the entity's T value.
func GetComponent[T ecs.Component](w *World, e ecs.Entity) (T, error) {
	return ecs.Get[T](w.ecs, e)
}

// HasComponent reports whether the entity has a T.
func HasComponent[T ecs.Component](w *World, e ecs.Entity) bool {
	return ecs.Has[T](w.ecs, e)
}

// RemoveComponent detaches T from the entity, reporting whether it was present.
func RemoveComponent[T ecs.Component](w *World, e ecs.Entity) (bool, error) {
	return ecs.Remove[T](w.ecs, e)
}
