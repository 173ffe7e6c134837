package ecs

import (
	"context"
	"runtime"
	"slices"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
)

// defaultParallelWorkers caps parallel iteration at the machine's CPU count when the
// caller passes zero.
func defaultParallelWorkers() int { return runtime.NumCPU() }

// Query filters entities by their components and, optionally, by region, hierarchy, and
// a value predicate. Build one by chaining filters, then execute it with Collect, Count,
// First, or one of the ForEach variants:
//
//	entities, err := ecs.With[Position](ecs.Without[Frozen](w.Query())).Collect()
//
// Archetype matches accumulate across executions: archetypes never change their
// component set once created, so only archetypes added since the last run need to be
// examined. Entity results are only retained when caching is enabled with Cache, and the
// world drops them synchronously whenever a mutation could change them. Queries are not
// recommended to be rebuilt every frame for hot paths; keep and re-execute them.
type Query struct {
	state *worldState

	with     componentMask
	without  componentMask
	exact    bool // Match the with-set exactly instead of as a subset
	region   *RegionKey
	parent   *Entity
	ancestor *Entity
	where    *vm.Program
	limit    uint32 // 0 = unlimited
	offset   uint32
	err      error // First builder error, surfaced at execution

	mu      sync.Mutex // Guards matches, seen, and the result cache
	matches []archetypeID
	seen    int // Number of archetypes already examined

	cached     bool
	cacheValid bool
	cacheRes   []Entity
}

// Query starts a new entity query against the world.
func (w *World) Query() *Query {
	return &Query{state: w.state}
}

// -------------------------------------------------------------------------------------------------
// Builder
// -------------------------------------------------------------------------------------------------

// With narrows a query to entities that have component T, registering T on first use.
func With[T Component](q *Query) *Query {
	cid, err := registerComponentType[T](q.state)
	if err != nil {
		q.fail(err)
		return q
	}
	q.with.Set(uint32(cid))
	return q
}

// Without narrows a query to entities that do not have component T, registering T on
// first use.
func Without[T Component](q *Query) *Query {
	cid, err := registerComponentType[T](q.state)
	if err != nil {
		q.fail(err)
		return q
	}
	q.without.Set(uint32(cid))
	return q
}

// WithNames narrows the query to entities that have all named components.
func (q *Query) WithNames(names ...string) *Query {
	for _, name := range names {
		cid, err := q.resolve(name)
		if err != nil {
			return q
		}
		q.with.Set(uint32(cid))
	}
	return q
}

// WithoutNames narrows the query to entities that have none of the named components.
func (q *Query) WithoutNames(names ...string) *Query {
	for _, name := range names {
		cid, err := q.resolve(name)
		if err != nil {
			return q
		}
		q.without.Set(uint32(cid))
	}
	return q
}

// MatchingArchetype restricts the query to entities whose component set is exactly the
// with-set, instead of any superset of it.
func (q *Query) MatchingArchetype() *Query {
	q.exact = true
	return q
}

// InRegion restricts the query to entities assigned to the given region.
func (q *Query) InRegion(key RegionKey) *Query {
	q.region = &key
	return q
}

// InRegionAt restricts the query to entities in the region at the given grid
// coordinates.
func (q *Query) InRegionAt(x, y, z int32) *Query {
	return q.InRegion(PackRegionKey(x, y, z))
}

// WithParent restricts the query to direct children of the given entity.
func (q *Query) WithParent(parent Entity) *Query {
	q.parent = &parent
	return q
}

// WithAncestor restricts the query to entities anywhere below the given entity in the
// hierarchy: its children, their children, and so on. Each candidate walks its parent
// chain, so the cost per entity is its depth.
func (q *Query) WithAncestor(ancestor Entity) *Query {
	q.ancestor = &ancestor
	return q
}

// Where adds a value predicate in expr language, evaluated per entity with the entity's
// components bound by name and its ID bound as _id. Please refer to the expr
// documentation for details: https://expr-lang.org/docs/getting-started.
//
//	q.Where(`Position.X > 100 && _id != 0`)
func (q *Query) Where(src string) *Query {
	prog, err := expr.Compile(src, expr.AsBool())
	if err != nil {
		q.fail(eris.Wrap(err, "failed to parse where clause"))
		return q
	}
	q.where = prog
	return q
}

// Limit caps the number of results. Zero means unlimited.
func (q *Query) Limit(n uint32) *Query {
	q.limit = n
	return q
}

// Offset skips the first n matching entities.
func (q *Query) Offset(n uint32) *Query {
	q.offset = n
	return q
}

// Cache retains the query's entity results between executions. The world invalidates
// them synchronously inside every mutation that could change them, so a cached query
// never observes stale results. Worth it only for queries executed far more often than
// their matching entities change.
func (q *Query) Cache() *Query {
	if !q.cached {
		q.cached = true
		q.state.registerCache(q)
	}
	return q
}

func (q *Query) resolve(name string) (ComponentID, error) {
	q.state.rlock()
	defer q.state.runlock()

	cid, err := q.state.components.getID(name)
	if err != nil {
		q.fail(err)
		return 0, err
	}
	return cid, nil
}

// fail records the first builder error; later filters keep the original cause.
func (q *Query) fail(err error) {
	if q.err == nil {
		q.err = err
	}
}

// -------------------------------------------------------------------------------------------------
// Execution
// -------------------------------------------------------------------------------------------------

// Collect returns all matching entities. The returned slice is the caller's to keep.
func (q *Query) Collect() ([]Entity, error) {
	if q.err != nil {
		return nil, q.err
	}

	q.state.rlock()
	defer q.state.runlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cached && q.cacheValid {
		return slices.Clone(q.cacheRes), nil
	}

	res, err := q.runLocked()
	if err != nil {
		return nil, err
	}
	if q.cached {
		q.cacheRes = res
		q.cacheValid = true
		return slices.Clone(res), nil
	}
	return res, nil
}

// Count returns the number of matching entities.
func (q *Query) Count() (int, error) {
	res, err := q.Collect()
	if err != nil {
		return 0, err
	}
	return len(res), nil
}

// First returns the first matching entity, or ErrNoMatch if nothing matches.
func (q *Query) First() (Entity, error) {
	res, err := q.Collect()
	if err != nil {
		return Nil, err
	}
	if len(res) == 0 {
		return Nil, eris.Wrap(ErrNoMatch, "query returned no entities")
	}
	return res[0], nil
}

// ForEach calls fn for every matching entity, in archetype order. Iteration works on a
// snapshot taken when it starts, so fn may mutate the world: entities destroyed mid-walk
// are skipped, entities created mid-walk are not visited. Return false from fn to stop.
func (q *Query) ForEach(fn func(Entity) bool) error {
	res, err := q.Collect()
	if err != nil {
		return err
	}
	for _, e := range res {
		if !q.state.isValid(e) {
			continue
		}
		if !fn(e) {
			return nil
		}
	}
	return nil
}

// ForEachParallel splits the matching entities into contiguous batches and runs fn over
// them on up to workers goroutines (0 = number of CPUs). The first error cancels the
// remaining work. fn must not mutate the world; reads are safe when thread safety is
// enabled.
func (q *Query) ForEachParallel(ctx context.Context, workers int, fn func(Entity) error) error {
	res, err := q.Collect()
	if err != nil {
		return err
	}
	if len(res) == 0 {
		return nil
	}

	if workers <= 0 {
		workers = defaultParallelWorkers()
	}
	batch := (len(res) + workers - 1) / workers

	g, ctx := errgroup.WithContext(ctx)
	for start := 0; start < len(res); start += batch {
		chunk := res[start:min(start+batch, len(res))]
		g.Go(func() error {
			for _, e := range chunk {
				select {
				case <-ctx.Done():
					return ctx.Err()
				default:
				}
				if err := fn(e); err != nil {
					return eris.Wrapf(err, "parallel iteration failed at %s", e)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// InvalidateCache drops the cached results, forcing the next execution to re-run.
func (q *Query) InvalidateCache() {
	q.invalidate()
}

func (q *Query) invalidate() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cacheValid = false
	q.cacheRes = nil
}

// matchesMask reports whether an archetype with the given mask can contribute results.
// Used by the world to decide which caches a mutation invalidates.
func (q *Query) matchesMask(mask componentMask) bool {
	if q.exact {
		return maskEqual(mask, q.with)
	}
	return maskContainsAll(mask, q.with) && maskDisjoint(mask, q.without)
}

// usesValues reports whether results depend on component values, not just membership.
func (q *Query) usesValues() bool {
	return q.where != nil
}

// usesRelations reports whether results depend on region or hierarchy assignments.
func (q *Query) usesRelations() bool {
	return q.region != nil || q.parent != nil || q.ancestor != nil
}

// refreshMatchesLocked extends the matched archetype list. Archetypes are append-only,
// so past matches stay correct and only new archetypes need to be examined. Callers
// hold the state lock and q.mu.
func (q *Query) refreshMatchesLocked() {
	for ; q.seen < len(q.state.archetypes); q.seen++ {
		if q.matchesMask(q.state.archetypes[q.seen].mask) {
			q.matches = append(q.matches, q.seen)
		}
	}
}

// runLocked evaluates the query. Callers hold the state read lock and q.mu.
func (q *Query) runLocked() ([]Entity, error) {
	st := q.state
	q.refreshMatchesLocked()

	limit := q.limit
	if limit == 0 {
		limit = ^uint32(0)
	}

	results := make([]Entity, 0)
	skipped := uint32(0)

	for _, aid := range q.matches {
		arch := &st.archetypes[aid]
		for row, e := range arch.entities {
			ok, err := q.admitLocked(arch, row, e)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}

			if skipped < q.offset {
				skipped++
				continue
			}

			results = append(results, e)
			if uint32(len(results)) >= limit {
				return results, nil
			}
		}
	}
	return results, nil
}

// admitLocked applies the entity-level filters: region, parent, and the where clause.
func (q *Query) admitLocked(arch *archetype, row int, e Entity) (bool, error) {
	if q.region != nil {
		key, ok := q.state.regions.regionOf(e)
		if !ok || key != *q.region {
			return false, nil
		}
	}
	if q.parent != nil {
		parent, ok := q.state.relations.parent(e)
		if !ok || parent != *q.parent {
			return false, nil
		}
	}
	if q.ancestor != nil && !q.state.relations.isAncestor(*q.ancestor, e) {
		return false, nil
	}
	if q.where == nil {
		return true, nil
	}

	// Bind the entity's components by name so the expression can reach into them,
	// e.g. `Position.X > 100`. The ID is bound as _id because expr cannot compare
	// named integer types against literals.
	env := make(map[string]any, arch.compCount+1)
	env["_id"] = e.ID()
	for _, col := range arch.columns {
		env[col.name()] = col.getAbstract(row)
	}

	output, err := expr.Run(q.where, env)
	if err != nil {
		return false, eris.Wrap(err, "failed to run where clause")
	}

	matched, ok := output.(bool)
	// Compilation can't always prove the result type: when the clause reads a struct
	// field like health.hp, its type is only known here, with the environment bound.
	if !ok {
		return false, eris.New("where clause did not evaluate to a boolean")
	}
	return matched, nil
}
