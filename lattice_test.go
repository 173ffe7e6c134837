package lattice_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ecs/lattice"
	"github.com/lattice-ecs/lattice/codec"
	"github.com/lattice-ecs/lattice/ecs"
	"github.com/lattice-ecs/lattice/internal/testutils"
	"github.com/lattice-ecs/lattice/snapshot"
)

// The facade tests stay sequential: NewWorld reads LATTICE_* environment variables, and
// several tests set them with t.Setenv.

// -------------------------------------------------------------------------------------------------
// Construction and configuration
// -------------------------------------------------------------------------------------------------

func TestNewWorld_Defaults(t *testing.T) {
	w := newQuietWorld(t, lattice.WorldOptions{})

	assert.NotEmpty(t, w.InstanceID(), "blank instance ID generates a random one")
	assert.Zero(t, w.EntityCount())
	assert.Zero(t, w.TickHeight())

	// The default NOP storage accepts saves and never finds anything to load.
	require.NoError(t, w.Save(context.Background()))
	err := w.Load(context.Background())
	assert.True(t, eris.Is(err, snapshot.ErrSnapshotNotFound), "got: %v", err)
}

func TestNewWorld_ConfigFromEnv(t *testing.T) {
	t.Setenv("LATTICE_INSTANCE_ID", "env-world")
	t.Setenv("LATTICE_MAX_ENTITIES", "2")

	w := newQuietWorld(t, lattice.WorldOptions{})
	assert.Equal(t, "env-world", w.InstanceID())

	_, err := w.CreateEntity()
	require.NoError(t, err)
	_, err = w.CreateEntity()
	require.NoError(t, err)
	_, err = w.CreateEntity()
	assert.True(t, eris.Is(err, ecs.ErrEntityCapacityExceeded), "got: %v", err)
}

func TestNewWorld_OptionsOverrideEnv(t *testing.T) {
	t.Setenv("LATTICE_INSTANCE_ID", "env-world")

	w := newQuietWorld(t, lattice.WorldOptions{InstanceID: "explicit-world"})
	assert.Equal(t, "explicit-world", w.InstanceID())
}

func TestNewWorld_InvalidOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    lattice.WorldOptions
		wantErr string
	}{
		{"unknown log level", lattice.WorldOptions{LogLevel: "blaring"}, "invalid log level"},
		{"negative entity cap", lattice.WorldOptions{MaxEntities: -5}, "max entities must be > 0"},
		{"negative change capacity", lattice.WorldOptions{ChangeCapacity: -1}, "change capacity must be > 0"},
		{"negative cache size", lattice.WorldOptions{SnapshotCacheSize: -1}, "snapshot cache size must be >= 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := lattice.NewWorld(tt.opts)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid world options")
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewWorld_InvalidEnv(t *testing.T) {
	t.Setenv("LATTICE_ARCHIVE_FORMAT", "YAML")

	_, err := lattice.NewWorld(lattice.WorldOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load world config")
}

// -------------------------------------------------------------------------------------------------
// Entities and components
// -------------------------------------------------------------------------------------------------

func TestWorld_ComponentHelpers(t *testing.T) {
	w := newQuietWorld(t, lattice.WorldOptions{})

	_, err := lattice.RegisterComponent[testutils.Position](w)
	require.NoError(t, err)

	e, err := w.CreateEntity(testutils.Position{X: 1})
	require.NoError(t, err)

	require.NoError(t, lattice.AddComponent(w, e, testutils.Health{Current: 50, Max: 100}))
	assert.True(t, lattice.HasComponent[testutils.Health](w, e))

	require.NoError(t, lattice.SetComponent(w, e, testutils.Position{X: 2, Y: 3}))
	pos, err := lattice.GetComponent[testutils.Position](w, e)
	require.NoError(t, err)
	assert.Equal(t, testutils.Position{X: 2, Y: 3}, pos)

	removed, err := lattice.RemoveComponent[testutils.Health](w, e)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, lattice.HasComponent[testutils.Health](w, e))
}

func TestWorld_EntityLifecycle(t *testing.T) {
	w := newQuietWorld(t, lattice.WorldOptions{})

	e, err := w.CreateEntity(testutils.Position{X: 1}, testutils.Velocity{DX: 2})
	require.NoError(t, err)
	assert.True(t, w.IsValid(e))
	assert.Equal(t, 1, w.EntityCount())

	require.NoError(t, w.DestroyEntity(e))
	assert.False(t, w.IsValid(e))
	assert.Zero(t, w.EntityCount())
}

func TestWorld_CreateEntityInRegion(t *testing.T) {
	w := newQuietWorld(t, lattice.WorldOptions{})

	e, err := w.CreateEntityInRegion(1, 2, 3, testutils.Position{X: 10})
	require.NoError(t, err)

	key, ok := w.ECS().RegionOf(e)
	require.True(t, ok)
	assert.Equal(t, ecs.PackRegionKey(1, 2, 3), key)
}

func TestWorld_Hierarchy(t *testing.T) {
	w := newQuietWorld(t, lattice.WorldOptions{})

	root, err := w.CreateEntity(testutils.Position{})
	require.NoError(t, err)
	left, err := w.CreateEntity(testutils.Position{})
	require.NoError(t, err)
	right, err := w.CreateEntity(testutils.Position{})
	require.NoError(t, err)

	require.NoError(t, w.SetParent(left, root))
	require.NoError(t, w.SetParent(right, root))

	parent, ok := w.Parent(left)
	require.True(t, ok)
	assert.Equal(t, root, parent)
	assert.Equal(t, []ecs.Entity{left, right}, w.Children(root))

	var visited []ecs.Entity
	w.Walk(root, ecs.PreOrder, func(e ecs.Entity) bool {
		visited = append(visited, e)
		return true
	})
	assert.Len(t, visited, 3)

	require.NoError(t, w.DestroyHierarchy(root))
	assert.Zero(t, w.EntityCount())
}

// -------------------------------------------------------------------------------------------------
// Systems and ticks
// -------------------------------------------------------------------------------------------------

func TestWorld_UpdateRunsSystems(t *testing.T) {
	w := newQuietWorld(t, lattice.WorldOptions{})

	var order []string
	record := func(name string) func(*ecs.World, float64) error {
		return func(*ecs.World, float64) error {
			order = append(order, name)
			return nil
		}
	}
	require.NoError(t, w.RegisterSystem(ecs.NewSystemFunc("render", record("render"))))
	require.NoError(t, w.RegisterSystem(ecs.NewSystemFunc("physics", record("physics"))))
	require.NoError(t, w.AddSystemDependency("physics", "render"))

	require.NoError(t, w.Update(1.0/60))
	assert.Equal(t, []string{"physics", "render"}, order,
		"the dependency edge overrides registration order")
	assert.Equal(t, uint64(1), w.TickHeight())

	require.NoError(t, w.UpdateParallel(1.0/60, 2))
	assert.Equal(t, uint64(2), w.TickHeight())

	stats := w.SystemStats()
	require.Contains(t, stats, "physics")
	assert.Equal(t, uint64(2), stats["physics"].Count)

	_, found := w.System("physics")
	assert.True(t, found)
	_, found = w.System("audio")
	assert.False(t, found)
}

func TestWorld_Shutdown(t *testing.T) {
	w := newQuietWorld(t, lattice.WorldOptions{})

	sys := &hookedSystem{name: "janitor"}
	require.NoError(t, w.RegisterSystem(sys))
	require.NoError(t, w.Update(1.0))
	require.NoError(t, w.Shutdown())

	assert.Equal(t, 1, sys.inits)
	assert.Equal(t, 1, sys.updates)
	assert.Equal(t, 1, sys.shutdowns)

	// The world stays usable for data access after shutdown.
	_, err := w.CreateEntity(testutils.Position{})
	require.NoError(t, err)
	assert.Equal(t, 1, w.EntityCount())
}

func TestWorld_ChangeTracking(t *testing.T) {
	w := newQuietWorld(t, lattice.WorldOptions{TrackChanges: true, ChangeCapacity: 16})

	e, err := w.CreateEntity(testutils.Position{X: 1})
	require.NoError(t, err)
	require.NoError(t, lattice.SetComponent(w, e, testutils.Position{X: 2}))

	recs, err := w.ChangesSince(time.Time{})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, ecs.ChangeAdded, recs[0].Kind)
	assert.Equal(t, ecs.ChangeModified, recs[1].Kind)

	// Tracking can also be switched on after construction.
	w2 := newQuietWorld(t, lattice.WorldOptions{})
	_, err = w2.ChangesSince(time.Time{})
	require.Error(t, err)
	require.NoError(t, w2.EnableChangeTracking(16))
	recs, err = w2.ChangesSince(time.Time{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

// -------------------------------------------------------------------------------------------------
// Persistence
// -------------------------------------------------------------------------------------------------

func TestWorld_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	storage := newRedisTestStorage(t, mr, "roundtrip")

	src := newQuietWorld(t, lattice.WorldOptions{SnapshotStorage: storage})
	_, err := lattice.RegisterComponent[testutils.Position](src)
	require.NoError(t, err)
	_, err = lattice.RegisterComponent[testutils.Health](src)
	require.NoError(t, err)

	hero, err := src.CreateEntity(testutils.Position{X: 1, Y: 2}, testutils.Health{Current: 80, Max: 100})
	require.NoError(t, err)
	_, err = src.CreateEntity(testutils.Position{X: -4})
	require.NoError(t, err)

	require.NoError(t, src.Update(1.0))
	require.NoError(t, src.Update(1.0))
	require.NoError(t, src.Save(ctx))

	dst := newQuietWorld(t, lattice.WorldOptions{SnapshotStorage: storage})
	_, err = lattice.RegisterComponent[testutils.Position](dst)
	require.NoError(t, err)
	_, err = lattice.RegisterComponent[testutils.Health](dst)
	require.NoError(t, err)

	require.NoError(t, dst.Load(ctx))
	assert.Equal(t, 2, dst.EntityCount())
	assert.Equal(t, uint64(2), dst.TickHeight(), "tick height travels with the snapshot")

	hp, err := lattice.GetComponent[testutils.Health](dst, hero)
	require.NoError(t, err)
	assert.Equal(t, testutils.Health{Current: 80, Max: 100}, hp)
}

func TestWorld_CachedSnapshots(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	w := newQuietWorld(t, lattice.WorldOptions{
		SnapshotStorage: newRedisTestStorage(t, mr, "cached"),
		CacheSnapshots:  true,
	})
	_, err := lattice.RegisterComponent[testutils.Position](w)
	require.NoError(t, err)
	_, err = w.CreateEntity(testutils.Position{X: 7})
	require.NoError(t, err)
	require.NoError(t, w.Save(ctx))

	_, err = w.CreateEntity(testutils.Position{X: 8})
	require.NoError(t, err)

	// With the backend gone, the load is served from the in-memory cache.
	mr.Close()
	require.NoError(t, w.Load(ctx))
	assert.Equal(t, 1, w.EntityCount(), "load replaces everything created after the save")
}

func TestWorld_SnapshotFormats(t *testing.T) {
	w := newQuietWorld(t, lattice.WorldOptions{})
	_, err := w.CreateEntity(testutils.Position{X: 1})
	require.NoError(t, err)

	jsonData, err := w.Snapshot(codec.FormatJSON)
	require.NoError(t, err)
	assert.True(t, json.Valid(jsonData))

	binData, err := w.Snapshot(codec.FormatBinary)
	require.NoError(t, err)
	assert.NotEmpty(t, binData)
	assert.NotEqual(t, jsonData, binData)

	_, err = w.Snapshot(codec.FormatUndefined)
	assert.Error(t, err)
}

func TestWorld_SaveToLoadFrom(t *testing.T) {
	src := newQuietWorld(t, lattice.WorldOptions{})
	_, err := lattice.RegisterComponent[testutils.Position](src)
	require.NoError(t, err)
	for i := range 3 {
		_, err := src.CreateEntity(testutils.Position{X: float64(i)})
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	written, err := src.SaveTo(&buf, codec.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 3, written)

	dst := newQuietWorld(t, lattice.WorldOptions{})
	_, err = lattice.RegisterComponent[testutils.Position](dst)
	require.NoError(t, err)

	restored, err := dst.LoadFrom(&buf, codec.FormatJSON)
	require.NoError(t, err)
	assert.Equal(t, 3, restored)
	assert.Equal(t, 3, dst.EntityCount())
}

func TestWorld_Stats(t *testing.T) {
	w := newQuietWorld(t, lattice.WorldOptions{InstanceID: "stats-world"})

	_, err := w.CreateEntity(testutils.Position{})
	require.NoError(t, err)
	_, err = w.CreateEntity(testutils.Position{}, testutils.Velocity{})
	require.NoError(t, err)
	require.NoError(t, w.Update(1.0))

	stats := w.Stats()
	assert.Equal(t, "stats-world", stats.InstanceID)
	assert.Equal(t, 2, stats.Entities)
	assert.Equal(t, 2, stats.Archetypes)
	assert.Equal(t, 2, stats.ComponentTypes)
	assert.Equal(t, uint64(1), stats.TickHeight)
}

// -------------------------------------------------------------------------------------------------
// Logging
// -------------------------------------------------------------------------------------------------

func TestWorld_Logging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	w, err := lattice.NewWorld(lattice.WorldOptions{Logger: &logger})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"storage":"NOP"`, "construction logs the chosen backend")

	e, err := w.CreateEntity(testutils.Position{X: 1})
	require.NoError(t, err)

	buf.Reset()
	w.LogState(zerolog.InfoLevel)
	assert.Contains(t, buf.String(), "total_components")
	assert.Contains(t, buf.String(), "total_systems")
	assert.Contains(t, buf.String(), "position")

	buf.Reset()
	require.NoError(t, w.LogEntity(zerolog.InfoLevel, e))
	assert.Contains(t, buf.String(), `"entity_id"`)
	assert.Contains(t, buf.String(), "position")

	buf.Reset()
	w.SystemLogger("movement").Info().Msg("stepped")
	assert.Contains(t, buf.String(), `"system":"movement"`)
	assert.Contains(t, buf.String(), "stepped")

	require.NoError(t, w.DestroyEntity(e))
	assert.Error(t, w.LogEntity(zerolog.InfoLevel, e), "stale handles cannot be logged")
}

// -------------------------------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------------------------------

func newQuietWorld(t *testing.T, opts lattice.WorldOptions) *lattice.World {
	t.Helper()

	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	w, err := lattice.NewWorld(opts)
	require.NoError(t, err)
	return w
}

func newRedisTestStorage(t *testing.T, mr *miniredis.Miniredis, namespace string) *snapshot.RedisStorage {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr:     mr.Addr(),
		Password: "", // no password set
		DB:       0,  // use default DB
	})
	t.Cleanup(func() { _ = client.Close() })
	return snapshot.NewRedisStorageWithClient(client, namespace)
}

// hookedSystem counts its lifecycle calls.
type hookedSystem struct {
	name      string
	inits     int
	updates   int
	shutdowns int
}

func (s *hookedSystem) Name() string { return s.name }

func (s *hookedSystem) Init(*ecs.World) error { s.inits++; return nil }

func (s *hookedSystem) Update(*ecs.World, float64) error { s.updates++; return nil }

func (s *hookedSystem) Shutdown(*ecs.World) error { s.shutdowns++; return nil }
