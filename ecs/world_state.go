package ecs

import (
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"

	"github.com/lattice-ecs/lattice/internal/assert"
)

// stateConfig carries the tunables of a world state.
type stateConfig struct {
	maxEntities    int
	threadSafe     bool
	trackChanges   bool
	changeCapacity int
}

func defaultStateConfig() stateConfig {
	return stateConfig{
		maxEntities:    DefaultMaxEntities,
		threadSafe:     true,
		trackChanges:   false,
		changeCapacity: DefaultChangeCapacity,
	}
}

// worldState holds all entity, component, and archetype data of a world. Every mutation
// goes through its write lock; reads take the read lock. Archetypes are addressed by ID
// because the backing slice reallocates as archetypes are created, so archetype pointers
// must never outlive the operation that fetched them.
type worldState struct {
	threadSafe bool
	mu         sync.RWMutex

	components componentManager
	entities   entityManager
	archetypes []archetype
	archIndex  map[string]archetypeID // Exact mask key -> archetype ID
	entityArch sparseSet              // Entity ID -> archetype ID

	relations relationshipManager
	regions   regionManager

	tracker  *changeTracker // nil when change tracking is disabled
	notifier *Notifier

	caches []*Query // Queries with result caching enabled

	logger zerolog.Logger
}

// newWorldState creates an empty world state.
func newWorldState(cfg stateConfig) (*worldState, error) {
	ws := &worldState{
		threadSafe: cfg.threadSafe,
		components: newComponentManager(),
		entities:   newEntityManager(cfg.maxEntities),
		archetypes: make([]archetype, 0),
		archIndex:  make(map[string]archetypeID),
		entityArch: newSparseSet(),
		relations:  newRelationshipManager(),
		regions:    newRegionManager(),
		notifier:   newNotifier(),
		logger:     zerolog.Nop(),
	}

	if cfg.trackChanges {
		tracker, err := newChangeTracker(cfg.changeCapacity)
		if err != nil {
			return nil, eris.Wrap(err, "failed to create change tracker")
		}
		ws.tracker = tracker
	}

	return ws, nil
}

func (ws *worldState) lock() {
	if ws.threadSafe {
		ws.mu.Lock()
	}
}

func (ws *worldState) unlock() {
	if ws.threadSafe {
		ws.mu.Unlock()
	}
}

func (ws *worldState) rlock() {
	if ws.threadSafe {
		ws.mu.RLock()
	}
}

func (ws *worldState) runlock() {
	if ws.threadSafe {
		ws.mu.RUnlock()
	}
}

// findOrCreateArchetype returns the ID of the archetype exactly matching the mask,
// creating and indexing it on first use.
func (ws *worldState) findOrCreateArchetype(mask componentMask) archetypeID {
	key := maskKey(mask)
	if aid, ok := ws.archIndex[key]; ok {
		return aid
	}

	aid := len(ws.archetypes) // Archetype ID = index in the archetypes slice
	arch := ws.components.createArchetype(aid, mask.Clone(nil))
	ws.archetypes = append(ws.archetypes, arch)
	ws.archIndex[key] = aid
	return aid
}

// archetypeOf returns the ID of the archetype holding a live entity.
func (ws *worldState) archetypeOf(e Entity) (archetypeID, bool) {
	if !ws.entities.isValid(e) {
		return 0, false
	}
	aid, ok := ws.entityArch.get(e.ID())
	assert.That(ok, "live entity %s has no archetype", e)
	return aid, ok
}

// maskToComponents resolves component values to a mask, rejecting unregistered types
// and duplicates.
func (ws *worldState) maskFor(comps []Component) (componentMask, error) {
	var mask componentMask
	for _, comp := range comps {
		cid, err := ws.components.getID(comp.Name())
		if err != nil {
			return nil, err
		}
		if mask.Contains(uint32(cid)) {
			return nil, eris.Wrapf(ErrDuplicateComponent, "component %s listed twice", comp.Name())
		}
		mask.Set(uint32(cid))
	}
	return mask, nil
}

// -------------------------------------------------------------------------------------------------
// Entity operations
// -------------------------------------------------------------------------------------------------

// createEntity creates an entity with no components.
func (ws *worldState) createEntity() (Entity, error) {
	return ws.createEntityWith()
}

// createEntityWith creates an entity holding the given component values.
func (ws *worldState) createEntityWith(comps ...Component) (Entity, error) {
	ws.lock()
	defer ws.unlock()

	mask, err := ws.maskFor(comps)
	if err != nil {
		return Nil, eris.Wrap(err, "failed to create entity")
	}

	e, err := ws.entities.create()
	if err != nil {
		return Nil, err
	}

	aid := ws.findOrCreateArchetype(mask)
	arch := &ws.archetypes[aid]
	row := arch.newEntity(e)

	for _, comp := range comps {
		cid, _ := ws.components.getID(comp.Name())
		col, ok := arch.column(cid)
		assert.That(ok, "archetype is missing a column for %s", comp.Name())
		col.setAbstract(row, comp)
	}

	ws.entityArch.set(e.ID(), aid)
	ws.invalidateCachesFor(aid)

	for _, comp := range comps {
		cid, _ := ws.components.getID(comp.Name())
		ws.recordChange(e, cid, ChangeAdded)
	}

	return e, nil
}

// createBatch creates n empty entities in one locked pass. The capacity check runs up
// front, so a batch that would cross the live-entity cap fails with
// ErrEntityCapacityExceeded before anything is created.
func (ws *worldState) createBatch(n int) ([]Entity, error) {
	if n <= 0 {
		return nil, eris.Errorf("batch size must be > 0, got %d", n)
	}

	ws.lock()
	defer ws.unlock()

	if ws.entities.liveCount+n > ws.entities.maxEntities {
		return nil, eris.Wrapf(ErrEntityCapacityExceeded,
			"batch of %d on top of %d live entities, limit %d",
			n, ws.entities.liveCount, ws.entities.maxEntities)
	}

	var mask componentMask
	aid := ws.findOrCreateArchetype(mask)
	arch := &ws.archetypes[aid]

	out := make([]Entity, 0, n)
	for range n {
		e, err := ws.entities.create()
		if err != nil {
			return nil, err
		}
		arch.newEntity(e)
		ws.entityArch.set(e.ID(), aid)
		out = append(out, e)
	}

	ws.invalidateCachesFor(aid)
	return out, nil
}

// destroyEntity removes an entity and all its components. Hierarchy links are detached:
// the entity's children become roots. Returns ErrInvalidHandle for dead or stale
// handles.
func (ws *worldState) destroyEntity(e Entity) error {
	ws.lock()
	defer ws.unlock()
	return ws.destroyEntityLocked(e)
}

func (ws *worldState) destroyEntityLocked(e Entity) error {
	aid, ok := ws.archetypeOf(e)
	if !ok {
		return eris.Wrapf(ErrInvalidHandle, "%s", e)
	}

	arch := &ws.archetypes[aid]
	arch.mask.Range(func(x uint32) {
		ws.recordChange(e, ComponentID(x), ChangeRemoved)
	})

	arch.removeEntity(e)
	ws.entityArch.remove(e.ID())
	ws.relations.detach(e)
	ws.regions.clear(e)
	ws.invalidateCachesFor(aid)
	ws.invalidateRelationalCaches()

	return ws.entities.destroy(e)
}

// destroyBatch destroys every listed entity in one locked pass. All handles are
// validated before anything is destroyed, so one stale handle fails the batch with
// ErrInvalidHandle and leaves the world untouched. A handle listed twice is destroyed
// once.
func (ws *worldState) destroyBatch(handles []Entity) error {
	ws.lock()
	defer ws.unlock()

	for _, e := range handles {
		if !ws.entities.isValid(e) {
			return eris.Wrapf(ErrInvalidHandle, "%s", e)
		}
	}

	for _, e := range handles {
		// Duplicate handles go stale after their first visit.
		if !ws.entities.isValid(e) {
			continue
		}
		if err := ws.destroyEntityLocked(e); err != nil {
			return eris.Wrapf(err, "failed to destroy %s", e)
		}
	}
	return nil
}

// destroyHierarchy destroys an entity and every descendant below it, children first.
func (ws *worldState) destroyHierarchy(root Entity) error {
	ws.lock()
	defer ws.unlock()

	if !ws.entities.isValid(root) {
		return eris.Wrapf(ErrInvalidHandle, "%s", root)
	}

	doomed := append([]Entity{root}, ws.relations.descendants(root)...)

	// Reverse breadth-first order destroys leaves before their parents.
	for i := len(doomed) - 1; i >= 0; i-- {
		if !ws.entities.isValid(doomed[i]) {
			continue
		}
		if err := ws.destroyEntityLocked(doomed[i]); err != nil {
			return eris.Wrapf(err, "failed to destroy %s", doomed[i])
		}
	}
	return nil
}

// isValid reports whether the handle refers to a live entity.
func (ws *worldState) isValid(e Entity) bool {
	ws.rlock()
	defer ws.runlock()
	return ws.entities.isValid(e)
}

// entityCount returns the number of live entities.
func (ws *worldState) entityCount() int {
	ws.rlock()
	defer ws.runlock()
	return ws.entities.liveCount
}

// -------------------------------------------------------------------------------------------------
// Component operations
// -------------------------------------------------------------------------------------------------

// addComponent attaches a component value to an entity, moving it to the matching
// archetype. Fails with ErrDuplicateComponent if the entity already has the type.
func (ws *worldState) addComponent(e Entity, comp Component) error {
	ws.lock()
	defer ws.unlock()
	return ws.addComponentLocked(e, comp)
}

func (ws *worldState) addComponentLocked(e Entity, comp Component) error {
	cid, err := ws.components.getID(comp.Name())
	if err != nil {
		return err
	}

	srcID, ok := ws.archetypeOf(e)
	if !ok {
		return eris.Wrapf(ErrInvalidHandle, "%s", e)
	}
	if ws.archetypes[srcID].has(cid) {
		return eris.Wrapf(ErrDuplicateComponent, "component %s on %s", comp.Name(), e)
	}

	newMask := ws.archetypes[srcID].mask.Clone(nil)
	newMask.Set(uint32(cid))

	// findOrCreateArchetype may grow the archetypes slice, so re-index afterwards.
	dstID := ws.findOrCreateArchetype(newMask)
	src, dst := &ws.archetypes[srcID], &ws.archetypes[dstID]
	assert.That(srcID != dstID, "entity moved into its existing archetype")

	row := src.moveEntity(dst, e)
	col, ok := dst.column(cid)
	assert.That(ok, "destination archetype is missing the new column")
	col.setAbstract(row, comp)

	ws.entityArch.set(e.ID(), dstID)
	ws.invalidateCachesFor(srcID)
	ws.invalidateCachesFor(dstID)
	ws.recordChange(e, cid, ChangeAdded)
	return nil
}

// setComponent overwrites a component value, attaching the component first if the
// entity does not have it yet.
func (ws *worldState) setComponent(e Entity, comp Component) error {
	ws.lock()
	defer ws.unlock()

	cid, err := ws.components.getID(comp.Name())
	if err != nil {
		return err
	}

	aid, ok := ws.archetypeOf(e)
	if !ok {
		return eris.Wrapf(ErrInvalidHandle, "%s", e)
	}

	arch := &ws.archetypes[aid]
	col, ok := arch.column(cid)
	if !ok {
		return ws.addComponentLocked(e, comp)
	}

	row, ok := arch.row(e)
	assert.That(ok, "live entity %s has no row in its archetype", e)
	col.setAbstract(row, comp)
	ws.invalidateValueCachesFor(aid)
	ws.recordChange(e, cid, ChangeModified)
	return nil
}

// removeComponent detaches a component type from an entity. Removing a component the
// entity does not have is a no-op and returns false.
func (ws *worldState) removeComponent(e Entity, cid ComponentID) (bool, error) {
	ws.lock()
	defer ws.unlock()

	srcID, ok := ws.archetypeOf(e)
	if !ok {
		return false, eris.Wrapf(ErrInvalidHandle, "%s", e)
	}
	if !ws.archetypes[srcID].has(cid) {
		return false, nil
	}

	ws.recordChange(e, cid, ChangeRemoved)

	newMask := ws.archetypes[srcID].mask.Clone(nil)
	newMask.Remove(uint32(cid))

	dstID := ws.findOrCreateArchetype(newMask)
	src, dst := &ws.archetypes[srcID], &ws.archetypes[dstID]
	src.moveEntity(dst, e)

	ws.entityArch.set(e.ID(), dstID)
	ws.invalidateCachesFor(srcID)
	ws.invalidateCachesFor(dstID)
	return true, nil
}

// getComponent returns a component value from an entity.
func (ws *worldState) getComponent(e Entity, cid ComponentID) (Component, error) {
	ws.rlock()
	defer ws.runlock()
	return ws.getComponentLocked(e, cid)
}

func (ws *worldState) getComponentLocked(e Entity, cid ComponentID) (Component, error) {
	aid, ok := ws.archetypeOf(e)
	if !ok {
		return nil, eris.Wrapf(ErrInvalidHandle, "%s", e)
	}

	arch := &ws.archetypes[aid]
	col, ok := arch.column(cid)
	if !ok {
		info, _ := ws.components.info(cid)
		return nil, eris.Wrapf(ErrComponentNotFound, "component %s on %s", info.Name, e)
	}

	row, ok := arch.row(e)
	assert.That(ok, "live entity %s has no row in its archetype", e)
	return col.getAbstract(row), nil
}

// hasComponent reports whether the entity holds the component type. It returns false
// for invalid handles instead of an error.
func (ws *worldState) hasComponent(e Entity, cid ComponentID) bool {
	ws.rlock()
	defer ws.runlock()

	aid, ok := ws.archetypeOf(e)
	if !ok {
		return false
	}
	return ws.archetypes[aid].has(cid)
}

// componentsOf lists the component IDs attached to an entity in ascending order.
func (ws *worldState) componentsOf(e Entity) ([]ComponentID, error) {
	ws.rlock()
	defer ws.runlock()

	aid, ok := ws.archetypeOf(e)
	if !ok {
		return nil, eris.Wrapf(ErrInvalidHandle, "%s", e)
	}

	arch := &ws.archetypes[aid]
	out := make([]ComponentID, 0, arch.compCount)
	arch.mask.Range(func(x uint32) {
		out = append(out, ComponentID(x))
	})
	return out, nil
}

// -------------------------------------------------------------------------------------------------
// Change plumbing
// -------------------------------------------------------------------------------------------------

// recordChange feeds one change into the tracker and the notifier. Handler failures in
// immediate delivery are logged, not propagated: the mutation has already happened.
func (ws *worldState) recordChange(e Entity, cid ComponentID, kind ChangeKind) {
	if ws.tracker == nil && ws.notifier == nil {
		return
	}

	rec := ChangeRecord{Entity: e, Component: cid, Kind: kind, At: time.Now()}
	if ws.tracker != nil {
		ws.tracker.record(rec)
	}
	if ws.notifier != nil {
		if err := ws.notifier.dispatch(rec); err != nil {
			ws.logger.Warn().Err(err).
				Str("entity", e.String()).
				Uint16("component_id", uint16(cid)).
				Str("kind", kind.String()).
				Msg("change handler failed")
		}
	}
}

// registerCache adds a query to the synchronous invalidation list.
func (ws *worldState) registerCache(q *Query) {
	ws.lock()
	defer ws.unlock()
	ws.caches = append(ws.caches, q)
}

// invalidateCachesFor drops the cached results of every query whose filter matches the
// archetype. Runs inside the mutating operation's critical section, so a stale cache is
// never observable.
func (ws *worldState) invalidateCachesFor(aid archetypeID) {
	if len(ws.caches) == 0 {
		return
	}
	mask := ws.archetypes[aid].mask
	for _, q := range ws.caches {
		if q.matchesMask(mask) {
			q.invalidate()
		}
	}
}

// invalidateValueCachesFor drops caches whose results depend on component values in the
// archetype. Overwriting a value never changes archetype membership, so queries without
// a value predicate keep their results.
func (ws *worldState) invalidateValueCachesFor(aid archetypeID) {
	if len(ws.caches) == 0 {
		return
	}
	mask := ws.archetypes[aid].mask
	for _, q := range ws.caches {
		if q.usesValues() && q.matchesMask(mask) {
			q.invalidate()
		}
	}
}

// invalidateRelationalCaches drops caches whose results depend on region or hierarchy
// assignments, which change without any archetype move.
func (ws *worldState) invalidateRelationalCaches() {
	for _, q := range ws.caches {
		if q.usesRelations() {
			q.invalidate()
		}
	}
}

// -------------------------------------------------------------------------------------------------
// Relationship operations
// -------------------------------------------------------------------------------------------------

// setParent links child under parent. Both handles must be live.
func (ws *worldState) setParent(child, parent Entity) error {
	ws.lock()
	defer ws.unlock()

	if !ws.entities.isValid(child) {
		return eris.Wrapf(ErrInvalidHandle, "child %s", child)
	}
	if !ws.entities.isValid(parent) {
		return eris.Wrapf(ErrInvalidHandle, "parent %s", parent)
	}
	if err := ws.relations.setParent(child, parent); err != nil {
		return err
	}
	ws.invalidateRelationalCaches()
	return nil
}

// removeParent detaches child from its parent.
func (ws *worldState) removeParent(child Entity) (bool, error) {
	ws.lock()
	defer ws.unlock()

	if !ws.entities.isValid(child) {
		return false, eris.Wrapf(ErrInvalidHandle, "child %s", child)
	}
	removed := ws.relations.removeParent(child)
	if removed {
		ws.invalidateRelationalCaches()
	}
	return removed, nil
}

// reparentChildren moves every direct child of from under to. The destination must not
// be inside from's subtree; rejecting that up front keeps the move all-or-nothing.
func (ws *worldState) reparentChildren(from, to Entity) error {
	ws.lock()
	defer ws.unlock()

	if !ws.entities.isValid(from) {
		return eris.Wrapf(ErrInvalidHandle, "from %s", from)
	}
	if !ws.entities.isValid(to) {
		return eris.Wrapf(ErrInvalidHandle, "to %s", to)
	}
	if ws.relations.isAncestor(from, to) {
		return eris.Wrapf(ErrHierarchyCycle, "%s is below %s", to, from)
	}
	if err := ws.relations.reparentChildren(from, to); err != nil {
		return err
	}
	ws.invalidateRelationalCaches()
	return nil
}

// -------------------------------------------------------------------------------------------------
// Region operations
// -------------------------------------------------------------------------------------------------

// assignRegion places the entity in the region at the given grid coordinates.
func (ws *worldState) assignRegion(e Entity, x, y, z int32) error {
	ws.lock()
	defer ws.unlock()

	if !ws.entities.isValid(e) {
		return eris.Wrapf(ErrInvalidHandle, "%s", e)
	}
	ws.regions.assign(e, x, y, z)
	ws.invalidateRelationalCaches()
	return nil
}

// clearRegion removes the entity from its region.
func (ws *worldState) clearRegion(e Entity) (bool, error) {
	ws.lock()
	defer ws.unlock()

	if !ws.entities.isValid(e) {
		return false, eris.Wrapf(ErrInvalidHandle, "%s", e)
	}
	cleared := ws.regions.clear(e)
	if cleared {
		ws.invalidateRelationalCaches()
	}
	return cleared, nil
}

// -------------------------------------------------------------------------------------------------
// Bulk state replacement
// -------------------------------------------------------------------------------------------------

// replaceFrom swaps in the entity, archetype, and assignment tables of a staged state.
// Used by deserialization: the staged state is built completely before the swap, so a
// failed load never leaves the world half-restored. The component registry, caches,
// subscriptions, and tunables stay as they are; hierarchy and region assignments reset
// because archives do not carry them.
func (ws *worldState) replaceFrom(staged *worldState) {
	ws.lock()
	defer ws.unlock()

	ws.entities = staged.entities
	ws.archetypes = staged.archetypes
	ws.archIndex = staged.archIndex
	ws.entityArch = staged.entityArch
	ws.relations = newRelationshipManager()
	ws.regions = newRegionManager()

	for _, q := range ws.caches {
		q.invalidate()
	}
}
