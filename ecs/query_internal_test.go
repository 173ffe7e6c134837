package ecs

import (
	"context"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ecs/lattice/internal/testutils"
)

// -------------------------------------------------------------------------------------------------
// Query model fuzz
// -------------------------------------------------------------------------------------------------
// Random entity populations with random component churn, checked against a plain map
// model. The queries under test cover the with/without combinations the engine leans on.
// -------------------------------------------------------------------------------------------------

func TestQuery_ModelFuzz(t *testing.T) {
	t.Parallel()
	prng := testutils.NewRand(t)

	w := newTestWorld(t)
	registerTestComponents(t, w)
	_, err := Register[testutils.Frozen](w)
	require.NoError(t, err)

	type entry struct {
		pos, vel, hp, frozen bool
	}
	model := make(map[Entity]entry)
	var entities []Entity

	const population = 256
	for i := range population {
		en := entry{
			pos:    prng.IntN(4) != 0, // Position on most entities
			vel:    prng.IntN(2) == 0,
			hp:     prng.IntN(2) == 0,
			frozen: prng.IntN(4) == 0,
		}

		var comps []Component
		if en.pos {
			comps = append(comps, testutils.Position{X: float64(i)})
		}
		if en.vel {
			comps = append(comps, testutils.Velocity{DX: 1})
		}
		if en.hp {
			comps = append(comps, testutils.Health{Current: int32(i), Max: 100})
		}
		if en.frozen {
			comps = append(comps, testutils.Frozen{})
		}

		e, err := w.CreateEntityWith(comps...)
		require.NoError(t, err)
		model[e] = en
		entities = append(entities, e)
	}

	// Churn: toggle velocity membership and destroy entities at random.
	const ops = 512
	for range ops {
		i := prng.IntN(len(entities))
		e := entities[i]
		en := model[e]

		switch prng.IntN(4) {
		case 0:
			if len(entities) <= 8 {
				continue
			}
			require.NoError(t, w.DestroyEntity(e))
			delete(model, e)
			entities[i] = entities[len(entities)-1]
			entities = entities[:len(entities)-1]
		case 1:
			if en.vel {
				continue
			}
			require.NoError(t, Add(w, e, testutils.Velocity{DX: 2}))
			en.vel = true
			model[e] = en
		case 2:
			if !en.vel {
				continue
			}
			removed, err := Remove[testutils.Velocity](w, e)
			require.NoError(t, err)
			require.True(t, removed)
			en.vel = false
			model[e] = en
		case 3:
			if !en.hp {
				continue
			}
			require.NoError(t, Set(w, e, testutils.Health{Current: 1, Max: 100}))
		}
	}

	expect := func(keep func(entry) bool) []Entity {
		var out []Entity
		for e, en := range model {
			if keep(en) {
				out = append(out, e)
			}
		}
		return out
	}

	t.Run("with position", func(t *testing.T) {
		got, err := With[testutils.Position](w.Query()).Collect()
		require.NoError(t, err)
		assert.ElementsMatch(t, expect(func(en entry) bool { return en.pos }), got)
	})

	t.Run("with position and velocity, without health", func(t *testing.T) {
		got, err := Without[testutils.Health](
			With[testutils.Velocity](With[testutils.Position](w.Query())),
		).Collect()
		require.NoError(t, err)
		assert.ElementsMatch(t, expect(func(en entry) bool { return en.pos && en.vel && !en.hp }), got)
	})

	t.Run("with frozen, without velocity", func(t *testing.T) {
		got, err := Without[testutils.Velocity](With[testutils.Frozen](w.Query())).Collect()
		require.NoError(t, err)
		assert.ElementsMatch(t, expect(func(en entry) bool { return en.frozen && !en.vel }), got)
	})
}

// -------------------------------------------------------------------------------------------------
// Lifecycle example
// -------------------------------------------------------------------------------------------------

func TestQuery_PopulationSurvivesDestruction(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	// 1000 entities with Position, the first 500 also with Velocity.
	var movers []Entity
	for i := range 1000 {
		e, err := w.CreateEntityWith(testutils.Position{X: float64(i)})
		require.NoError(t, err)
		if i < 500 {
			require.NoError(t, Add(w, e, testutils.Velocity{DX: 1}))
			movers = append(movers, e)
		}
	}

	// Destroy 100 of the movers.
	destroyed := make(map[Entity]struct{})
	for i := 0; i < 500; i += 5 {
		require.NoError(t, w.DestroyEntity(movers[i]))
		destroyed[movers[i]] = struct{}{}
	}
	require.Len(t, destroyed, 100)
	assert.Equal(t, 900, w.EntityCount())

	both := With[testutils.Velocity](With[testutils.Position](w.Query()))
	count, err := both.Count()
	require.NoError(t, err)
	assert.Equal(t, 400, count)

	got, err := both.Collect()
	require.NoError(t, err)
	for _, e := range got {
		_, dead := destroyed[e]
		assert.False(t, dead, "destroyed entity %s appeared in results", e)
	}

	posOnly, err := With[testutils.Position](w.Query()).Count()
	require.NoError(t, err)
	assert.Equal(t, 900, posOnly)
}

// -------------------------------------------------------------------------------------------------
// Filter examples
// -------------------------------------------------------------------------------------------------

func TestQuery_WithWithoutExamples(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	ab, err := w.CreateEntityWith(testutils.Position{}, testutils.Velocity{})
	require.NoError(t, err)
	abc, err := w.CreateEntityWith(testutils.Position{}, testutils.Velocity{}, testutils.Health{})
	require.NoError(t, err)
	ac, err := w.CreateEntityWith(testutils.Position{}, testutils.Health{})
	require.NoError(t, err)
	b, err := w.CreateEntityWith(testutils.Velocity{})
	require.NoError(t, err)

	got, err := Without[testutils.Health](With[testutils.Velocity](With[testutils.Position](w.Query()))).Collect()
	require.NoError(t, err)
	assert.ElementsMatch(t, []Entity{ab}, got)

	got, err = With[testutils.Position](w.Query()).Collect()
	require.NoError(t, err)
	assert.ElementsMatch(t, []Entity{ab, abc, ac}, got)

	got, err = Without[testutils.Position](w.Query()).Collect()
	require.NoError(t, err)
	assert.ElementsMatch(t, []Entity{b}, got)
}

func TestQuery_MatchingArchetype(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	exact, err := w.CreateEntityWith(testutils.Position{}, testutils.Velocity{})
	require.NoError(t, err)
	_, err = w.CreateEntityWith(testutils.Position{}, testutils.Velocity{}, testutils.Health{})
	require.NoError(t, err)

	// The superset entity matches the subset query but not the exact one.
	q := With[testutils.Velocity](With[testutils.Position](w.Query())).MatchingArchetype()
	got, err := q.Collect()
	require.NoError(t, err)
	assert.Equal(t, []Entity{exact}, got)
}

func TestQuery_ByName(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	pv, err := w.CreateEntityWith(testutils.Position{}, testutils.Velocity{})
	require.NoError(t, err)
	_, err = w.CreateEntityWith(testutils.Velocity{})
	require.NoError(t, err)

	got, err := w.Query().WithNames("position", "velocity").Collect()
	require.NoError(t, err)
	assert.Equal(t, []Entity{pv}, got)

	got, err = w.Query().WithNames("velocity").WithoutNames("position").Collect()
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEqual(t, pv, got[0])

	t.Run("unknown names fail at execution", func(t *testing.T) {
		_, err := w.Query().WithNames("mana").Collect()
		assert.True(t, eris.Is(err, ErrUnregisteredType), "unknown name: %v", err)

		// The first builder error sticks through later filters and other executions.
		q := w.Query().WithNames("mana").WithNames("position")
		_, err = q.Count()
		assert.True(t, eris.Is(err, ErrUnregisteredType))
		_, err = q.First()
		assert.True(t, eris.Is(err, ErrUnregisteredType))
	})
}

func TestQuery_RegistersReferencedTypes(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)

	// Building the filter is enough to register the component types it names.
	_ = Without[testutils.Frozen](With[testutils.Tag](w.Query()))

	_, err := w.ComponentID("tag")
	assert.NoError(t, err)
	_, err = w.ComponentID("frozen")
	assert.NoError(t, err)
}

// -------------------------------------------------------------------------------------------------
// Value predicates
// -------------------------------------------------------------------------------------------------

func TestQuery_Where(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	var weak []Entity
	for i := range 20 {
		e, err := w.CreateEntityWith(testutils.Health{Current: int32(i * 10), Max: 200})
		require.NoError(t, err)
		if i*10 < 50 {
			weak = append(weak, e)
		}
	}

	t.Run("component fields are bound by name", func(t *testing.T) {
		got, err := With[testutils.Health](w.Query()).Where("health.Current < 50").Collect()
		require.NoError(t, err)
		assert.ElementsMatch(t, weak, got)
	})

	t.Run("the entity id is bound as _id", func(t *testing.T) {
		target := weak[2]
		got, err := With[testutils.Health](w.Query()).
			Where("health.Current < 50 && _id == 2").Collect()
		require.NoError(t, err)
		assert.Equal(t, []Entity{target}, got)
	})

	t.Run("parse failures surface at execution", func(t *testing.T) {
		_, err := With[testutils.Health](w.Query()).Where("&&& not an expression").Collect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse where clause")
	})

	t.Run("referencing a component the entity lacks fails the query", func(t *testing.T) {
		w2 := newTestWorld(t)
		registerTestComponents(t, w2)
		_, err := w2.CreateEntityWith(testutils.Position{})
		require.NoError(t, err)

		_, err = With[testutils.Position](w2.Query()).Where("health.Current > 0").Collect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "where clause")
	})

	t.Run("non-boolean results fail the query", func(t *testing.T) {
		_, err := With[testutils.Health](w.Query()).Where("health.Current").Collect()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "where clause")
	})
}

// -------------------------------------------------------------------------------------------------
// Pagination
// -------------------------------------------------------------------------------------------------

func TestQuery_LimitOffset(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	all := make([]Entity, 0, 10)
	for i := range 10 {
		e, err := w.CreateEntityWith(testutils.Position{X: float64(i)})
		require.NoError(t, err)
		all = append(all, e)
	}

	q := func() *Query { return With[testutils.Position](w.Query()) }

	got, err := q().Limit(3).Collect()
	require.NoError(t, err)
	assert.Equal(t, all[:3], got)

	got, err = q().Offset(4).Collect()
	require.NoError(t, err)
	assert.Equal(t, all[4:], got)

	got, err = q().Offset(4).Limit(3).Collect()
	require.NoError(t, err)
	assert.Equal(t, all[4:7], got)

	got, err = q().Offset(100).Collect()
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQuery_First(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	first, err := w.CreateEntityWith(testutils.Position{})
	require.NoError(t, err)
	_, err = w.CreateEntityWith(testutils.Position{})
	require.NoError(t, err)

	got, err := With[testutils.Position](w.Query()).First()
	require.NoError(t, err)
	assert.Equal(t, first, got)

	_, err = With[testutils.Velocity](w.Query()).First()
	assert.True(t, eris.Is(err, ErrNoMatch), "empty result: %v", err)
}

// -------------------------------------------------------------------------------------------------
// Regions and hierarchy filters
// -------------------------------------------------------------------------------------------------

func TestQuery_InRegion(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	var near, far []Entity
	for i := range 5 {
		e, err := w.CreateEntityWith(testutils.Position{})
		require.NoError(t, err)
		if i < 3 {
			require.NoError(t, w.AssignRegion(e, 0, 0, 0))
			near = append(near, e)
		} else {
			require.NoError(t, w.AssignRegion(e, 8, 0, 0))
			far = append(far, e)
		}
	}
	unassigned, err := w.CreateEntityWith(testutils.Position{})
	require.NoError(t, err)

	got, err := With[testutils.Position](w.Query()).InRegionAt(0, 0, 0).Collect()
	require.NoError(t, err)
	assert.ElementsMatch(t, near, got)
	assert.NotContains(t, got, unassigned, "unassigned entities match no region filter")

	got, err = With[testutils.Position](w.Query()).InRegion(PackRegionKey(8, 0, 0)).Collect()
	require.NoError(t, err)
	assert.ElementsMatch(t, far, got)

	// Moving an entity moves its query membership.
	require.NoError(t, w.AssignRegion(near[0], 8, 0, 0))
	got, err = With[testutils.Position](w.Query()).InRegionAt(8, 0, 0).Collect()
	require.NoError(t, err)
	assert.ElementsMatch(t, append(far, near[0]), got)
}

func TestQuery_WithParent(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	parent, err := w.CreateEntity()
	require.NoError(t, err)
	other, err := w.CreateEntity()
	require.NoError(t, err)

	var kids []Entity
	for range 3 {
		e, err := w.CreateEntityWith(testutils.Position{})
		require.NoError(t, err)
		require.NoError(t, w.SetParent(e, parent))
		kids = append(kids, e)
	}
	stranger, err := w.CreateEntityWith(testutils.Position{})
	require.NoError(t, err)
	require.NoError(t, w.SetParent(stranger, other))

	got, err := With[testutils.Position](w.Query()).WithParent(parent).Collect()
	require.NoError(t, err)
	assert.ElementsMatch(t, kids, got)

	got, err = With[testutils.Position](w.Query()).WithParent(other).Collect()
	require.NoError(t, err)
	assert.Equal(t, []Entity{stranger}, got)
}

func TestQuery_WithAncestor(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	// root -> mid -> leaf, plus an entity outside the tree.
	root, err := w.CreateEntity()
	require.NoError(t, err)
	mid, err := w.CreateEntityWith(testutils.Position{})
	require.NoError(t, err)
	leaf, err := w.CreateEntityWith(testutils.Position{})
	require.NoError(t, err)
	outsider, err := w.CreateEntityWith(testutils.Position{})
	require.NoError(t, err)
	require.NoError(t, w.SetParent(mid, root))
	require.NoError(t, w.SetParent(leaf, mid))

	// WithParent sees only direct children; WithAncestor sees the whole subtree.
	got, err := With[testutils.Position](w.Query()).WithParent(root).Collect()
	require.NoError(t, err)
	assert.Equal(t, []Entity{mid}, got)

	got, err = With[testutils.Position](w.Query()).WithAncestor(root).Collect()
	require.NoError(t, err)
	assert.ElementsMatch(t, []Entity{mid, leaf}, got)
	assert.NotContains(t, got, outsider)

	got, err = With[testutils.Position](w.Query()).WithAncestor(mid).Collect()
	require.NoError(t, err)
	assert.Equal(t, []Entity{leaf}, got)

	t.Run("hierarchy edits invalidate cached ancestor queries", func(t *testing.T) {
		q := With[testutils.Position](w.Query()).WithAncestor(root).Cache()

		count, err := q.Count()
		require.NoError(t, err)
		require.Equal(t, 2, count)
		require.True(t, q.cacheValid)

		require.NoError(t, w.SetParent(outsider, root))
		assert.False(t, q.cacheValid)

		count, err = q.Count()
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})
}

// -------------------------------------------------------------------------------------------------
// Incremental archetype matching
// -------------------------------------------------------------------------------------------------

func TestQuery_SeesArchetypesCreatedLater(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	q := With[testutils.Position](w.Query())

	a, err := w.CreateEntityWith(testutils.Position{})
	require.NoError(t, err)
	got, err := q.Collect()
	require.NoError(t, err)
	assert.Equal(t, []Entity{a}, got)

	// A brand-new component combination appears after the query's first run.
	b, err := w.CreateEntityWith(testutils.Position{}, testutils.Health{})
	require.NoError(t, err)
	got, err = q.Collect()
	require.NoError(t, err)
	assert.ElementsMatch(t, []Entity{a, b}, got)
}

// -------------------------------------------------------------------------------------------------
// Result caching
// -------------------------------------------------------------------------------------------------
// Caches are dropped inside the mutating operation, so a cached query can never hand out
// results that disagree with the world. These tests also pin that unrelated mutations
// leave the cache warm.
// -------------------------------------------------------------------------------------------------

func TestQuery_CacheInvalidation(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	a, err := w.CreateEntityWith(testutils.Position{X: 1})
	require.NoError(t, err)
	_, err = w.CreateEntityWith(testutils.Position{X: 2})
	require.NoError(t, err)

	q := With[testutils.Position](w.Query()).Cache()

	count, err := q.Count()
	require.NoError(t, err)
	require.Equal(t, 2, count)
	require.True(t, q.cacheValid, "results are retained after a run")

	t.Run("creation in a matching archetype drops the cache", func(t *testing.T) {
		_, err := w.CreateEntityWith(testutils.Position{X: 3})
		require.NoError(t, err)
		assert.False(t, q.cacheValid)

		count, err := q.Count()
		require.NoError(t, err)
		assert.Equal(t, 3, count)
		assert.True(t, q.cacheValid)
	})

	t.Run("creation in an unrelated archetype keeps the cache warm", func(t *testing.T) {
		_, err := w.CreateEntityWith(testutils.Health{})
		require.NoError(t, err)
		assert.True(t, q.cacheValid)
	})

	t.Run("value overwrites keep membership caches warm", func(t *testing.T) {
		require.NoError(t, Set(w, a, testutils.Position{X: 99}))
		assert.True(t, q.cacheValid)
	})

	t.Run("destruction drops the cache", func(t *testing.T) {
		require.NoError(t, w.DestroyEntity(a))
		assert.False(t, q.cacheValid)

		count, err := q.Count()
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})

	t.Run("component removal drops the cache", func(t *testing.T) {
		victim, err := With[testutils.Position](w.Query()).First()
		require.NoError(t, err)
		removed, err := Remove[testutils.Position](w, victim)
		require.NoError(t, err)
		require.True(t, removed)
		assert.False(t, q.cacheValid)

		count, err := q.Count()
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("manual invalidation forces a re-run", func(t *testing.T) {
		_, err := q.Collect()
		require.NoError(t, err)
		require.True(t, q.cacheValid)
		q.InvalidateCache()
		assert.False(t, q.cacheValid)
	})
}

func TestQuery_ValueCacheInvalidation(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	e, err := w.CreateEntityWith(testutils.Health{Current: 100, Max: 100})
	require.NoError(t, err)

	q := With[testutils.Health](w.Query()).Where("health.Current < 50").Cache()

	count, err := q.Count()
	require.NoError(t, err)
	require.Equal(t, 0, count)
	require.True(t, q.cacheValid)

	// Overwriting a value must drop caches that filter on values.
	require.NoError(t, Set(w, e, testutils.Health{Current: 10, Max: 100}))
	assert.False(t, q.cacheValid)

	count, err = q.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestQuery_RelationalCacheInvalidation(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	a, err := w.CreateEntityWith(testutils.Position{})
	require.NoError(t, err)
	b, err := w.CreateEntityWith(testutils.Position{})
	require.NoError(t, err)
	require.NoError(t, w.AssignRegion(a, 0, 0, 0))

	q := With[testutils.Position](w.Query()).InRegionAt(0, 0, 0).Cache()

	count, err := q.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.True(t, q.cacheValid)

	// Region assignment changes membership without any archetype move.
	require.NoError(t, w.AssignRegion(b, 0, 0, 0))
	assert.False(t, q.cacheValid)

	count, err = q.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, w.AssignRegion(b, 9, 9, 9))
	count, err = q.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// -------------------------------------------------------------------------------------------------
// Iteration
// -------------------------------------------------------------------------------------------------

func TestQuery_ForEach(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	all := make([]Entity, 0, 5)
	for i := range 5 {
		e, err := w.CreateEntityWith(testutils.Position{X: float64(i)})
		require.NoError(t, err)
		all = append(all, e)
	}

	t.Run("entities destroyed mid-walk are skipped", func(t *testing.T) {
		var visited []Entity
		err := With[testutils.Position](w.Query()).ForEach(func(e Entity) bool {
			if e == all[0] {
				require.NoError(t, w.DestroyEntity(all[3]))
			}
			visited = append(visited, e)
			return true
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []Entity{all[0], all[1], all[2], all[4]}, visited)
	})

	t.Run("returning false stops the walk", func(t *testing.T) {
		var visits int
		err := With[testutils.Position](w.Query()).ForEach(func(Entity) bool {
			visits++
			return visits < 2
		})
		require.NoError(t, err)
		assert.Equal(t, 2, visits)
	})
}

func TestQuery_ForEachParallel(t *testing.T) {
	t.Parallel()

	w := newTestWorld(t)
	registerTestComponents(t, w)

	const population = 100
	for i := range population {
		_, err := w.CreateEntityWith(testutils.Position{X: float64(i)})
		require.NoError(t, err)
	}

	t.Run("visits every entity exactly once", func(t *testing.T) {
		var mu sync.Mutex
		seen := make(map[Entity]int)

		err := With[testutils.Position](w.Query()).ForEachParallel(context.Background(), 4, func(e Entity) error {
			mu.Lock()
			seen[e]++
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
		require.Len(t, seen, population)
		for e, n := range seen {
			require.Equal(t, 1, n, "entity %s visited %d times", e, n)
		}
	})

	t.Run("the first error cancels the run", func(t *testing.T) {
		err := With[testutils.Position](w.Query()).ForEachParallel(context.Background(), 4, func(e Entity) error {
			return eris.New("broken visitor")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parallel iteration failed")
	})

	t.Run("an empty result is a no-op", func(t *testing.T) {
		err := With[testutils.Tag](w.Query()).ForEachParallel(context.Background(), 4, func(Entity) error {
			t.Error("visitor must not run")
			return nil
		})
		require.NoError(t, err)
	})
}

// -------------------------------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------------------------------

// newTestWorld builds a world for tests, failing on configuration errors.
func newTestWorld(t *testing.T, opts ...WorldOption) *World {
	t.Helper()

	w, err := NewWorld(opts...)
	require.NoError(t, err)
	return w
}

// registerTestComponents registers the shared fixture components in a fixed order.
func registerTestComponents(t *testing.T, w *World) (ComponentID, ComponentID, ComponentID) {
	t.Helper()

	pos, err := Register[testutils.Position](w)
	require.NoError(t, err)
	vel, err := Register[testutils.Velocity](w)
	require.NoError(t, err)
	hp, err := Register[testutils.Health](w)
	require.NoError(t, err)
	return pos, vel, hp
}
