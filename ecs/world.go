package ecs

import (
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// worldConfig carries everything NewWorld can tune.
type worldConfig struct {
	stateConfig
	logger zerolog.Logger
}

// WorldOption configures a World at construction time.
type WorldOption func(*worldConfig)

// WithMaxEntities caps how many entities may be alive at once. Creation past the cap
// fails with ErrEntityCapacityExceeded.
func WithMaxEntities(n int) WorldOption {
	return func(cfg *worldConfig) { cfg.maxEntities = n }
}

// WithThreadSafety toggles the world's internal locking. Disabling it removes lock
// overhead for single-goroutine embeddings; the world must then never be touched from
// more than one goroutine, and parallel ticks and iteration are off the table.
func WithThreadSafety(enabled bool) WorldOption {
	return func(cfg *worldConfig) { cfg.threadSafe = enabled }
}

// WithChangeTracking enables the change history ring from the start with the given
// capacity, rounded up to a power of two. A capacity of 0 uses DefaultChangeCapacity.
func WithChangeTracking(capacity int) WorldOption {
	return func(cfg *worldConfig) {
		cfg.trackChanges = true
		if capacity > 0 {
			cfg.changeCapacity = capacity
		}
	}
}

// WithLogger attaches a logger for the world's internal warnings, such as failing
// change handlers. The default discards everything.
func WithLogger(logger zerolog.Logger) WorldOption {
	return func(cfg *worldConfig) { cfg.logger = logger }
}

// World is the root of an ECS instance: the entity and component state plus the system
// schedulers that drive it. Create one with NewWorld, register component types and
// systems, then call Tick once per frame.
//
// Entity and component operations are safe for concurrent use unless thread safety was
// disabled. Tick, TickParallel, and Shutdown drive the systems and must not overlap
// with each other.
type World struct {
	state      *worldState
	schedulers [numSystemHooks]*systemScheduler

	initDone bool

	tickCount uint64
	lastTick  time.Duration
	totalTick time.Duration

	logger zerolog.Logger
}

// NewWorld creates an empty world.
func NewWorld(opts ...WorldOption) (*World, error) {
	cfg := worldConfig{
		stateConfig: defaultStateConfig(),
		logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxEntities <= 0 {
		return nil, eris.Errorf("max entities must be > 0, got %d", cfg.maxEntities)
	}

	state, err := newWorldState(cfg.stateConfig)
	if err != nil {
		return nil, err
	}
	state.logger = cfg.logger

	w := &World{
		state:  state,
		logger: cfg.logger,
	}
	for i := range w.schedulers {
		w.schedulers[i] = newSystemScheduler(SystemHook(i))
	}
	return w, nil
}

// -------------------------------------------------------------------------------------------------
// Entities
// -------------------------------------------------------------------------------------------------

// CreateEntity creates an empty entity and returns its handle.
func (w *World) CreateEntity() (Entity, error) {
	return w.state.createEntity()
}

// CreateEntityWith creates an entity that starts with the given components. The entity
// lands directly in the matching archetype; listing the same component type twice fails
// with ErrDuplicateComponent.
func (w *World) CreateEntityWith(comps ...Component) (Entity, error) {
	return w.state.createEntityWith(comps...)
}

// CreateBatch creates n empty entities under one lock acquisition and returns their
// handles. The batch is atomic against the entity cap: if it would push the live count
// past the limit, nothing is created and ErrEntityCapacityExceeded is returned.
func (w *World) CreateBatch(n int) ([]Entity, error) {
	return w.state.createBatch(n)
}

// DestroyEntity removes an entity and all of its components. Its children, if any,
// become hierarchy roots; use DestroyHierarchy to take them down with it. The slot is
// recycled under a bumped generation, so handles to the destroyed entity go stale
// immediately.
func (w *World) DestroyEntity(e Entity) error {
	return w.state.destroyEntity(e)
}

// DestroyBatch destroys all listed entities under one lock acquisition. Every handle is
// validated first: one stale handle fails the whole batch with ErrInvalidHandle and
// nothing is destroyed.
func (w *World) DestroyBatch(handles []Entity) error {
	return w.state.destroyBatch(handles)
}

// DestroyHierarchy destroys an entity and every entity below it in the parent-child
// hierarchy, leaves first.
func (w *World) DestroyHierarchy(root Entity) error {
	return w.state.destroyHierarchy(root)
}

// IsValid reports whether the handle refers to a live entity. Stale handles from
// recycled slots report false.
func (w *World) IsValid(e Entity) bool {
	return w.state.isValid(e)
}

// EntityCount returns the number of live entities.
func (w *World) EntityCount() int {
	return w.state.entityCount()
}

// ComponentsOf returns the IDs of the entity's components in ascending order.
func (w *World) ComponentsOf(e Entity) ([]ComponentID, error) {
	return w.state.componentsOf(e)
}

// ArchetypeCount returns the number of distinct component combinations seen so far.
// Archetypes are never evicted, so the count only grows.
func (w *World) ArchetypeCount() int {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	return len(ws.archetypes)
}

// ComponentTypes returns the registered component types in registration order.
func (w *World) ComponentTypes() []ComponentInfo {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	return ws.components.list()
}

// ComponentID resolves a registered component name.
func (w *World) ComponentID(name string) (ComponentID, error) {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	return ws.components.getID(name)
}

// componentName resolves an ID for error messages, tolerating unknown IDs.
func (w *World) componentName(cid ComponentID) string {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	info, err := ws.components.info(cid)
	if err != nil {
		return "unknown"
	}
	return info.Name
}

// -------------------------------------------------------------------------------------------------
// Relationships and regions
// -------------------------------------------------------------------------------------------------

// SetParent makes child a child of parent, replacing any previous parent. Fails with
// ErrHierarchyCycle if child is an ancestor of parent (or child == parent).
func (w *World) SetParent(child, parent Entity) error {
	return w.state.setParent(child, parent)
}

// RemoveParent detaches child from its parent, making it a root. Returns false when the
// entity had no parent.
func (w *World) RemoveParent(child Entity) (bool, error) {
	return w.state.removeParent(child)
}

// Parent returns the entity's parent, if it has one.
func (w *World) Parent(e Entity) (Entity, bool) {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	if !ws.entities.isValid(e) {
		return Nil, false
	}
	return ws.relations.parent(e)
}

// Children returns the entity's direct children in attachment order.
func (w *World) Children(e Entity) []Entity {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	return ws.relations.childrenOf(e)
}

// Descendants returns everything below the entity in the hierarchy, breadth-first.
func (w *World) Descendants(root Entity) []Entity {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	return ws.relations.descendants(root)
}

// Walk visits root and its descendants in the given order. The visit function returns
// false to stop early. The hierarchy must not be mutated from inside the walk.
func (w *World) Walk(root Entity, order TraversalOrder, visit func(Entity) bool) {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	ws.relations.walk(root, order, visit)
}

// IsAncestor reports whether ancestor appears anywhere on the entity's parent chain.
func (w *World) IsAncestor(ancestor, e Entity) bool {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	return ws.relations.isAncestor(ancestor, e)
}

// Depth returns the number of parent links between the entity and its root. Roots, and
// entities outside any hierarchy, have depth 0.
func (w *World) Depth(e Entity) int {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	return ws.relations.depth(e)
}

// Root walks the entity's parent chain to its topmost ancestor. An entity with no
// parent is its own root; invalid handles return (Nil, false).
func (w *World) Root(e Entity) (Entity, bool) {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	if !ws.entities.isValid(e) {
		return Nil, false
	}
	return ws.relations.root(e), true
}

// ReparentChildren moves every direct child of from under to, keeping their order. The
// destination must be live and outside from's subtree; either every child moves or,
// on error, none do.
func (w *World) ReparentChildren(from, to Entity) error {
	return w.state.reparentChildren(from, to)
}

// AssignRegion places the entity into the region at the given coordinates, creating the
// region on first use. An entity is in at most one region; assigning moves it.
func (w *World) AssignRegion(e Entity, x, y, z int32) error {
	return w.state.assignRegion(e, x, y, z)
}

// ClearRegion removes the entity from its region. Returns false when the entity was not
// in any region.
func (w *World) ClearRegion(e Entity) (bool, error) {
	return w.state.clearRegion(e)
}

// RegionOf returns the key of the region the entity is assigned to, if any.
func (w *World) RegionOf(e Entity) (RegionKey, bool) {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	if !ws.entities.isValid(e) {
		return 0, false
	}
	return ws.regions.regionOf(e)
}

// RegionAt returns the region at the given grid coordinates, if one was ever created.
// The returned region is a live view; don't hold on to it across mutations.
func (w *World) RegionAt(x, y, z int32) (*Region, bool) {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	return ws.regions.at(x, y, z)
}

// ActiveRegions returns the regions currently flagged active, in key order.
func (w *World) ActiveRegions() []*Region {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	return ws.regions.active()
}

// SetRegionActive flags or unflags the region at the given coordinates, so systems can
// skip simulation for regions nobody is near. Returns false when no region exists
// there. New regions start active.
func (w *World) SetRegionActive(x, y, z int32, active bool) bool {
	ws := w.state
	ws.lock()
	defer ws.unlock()
	return ws.regions.setActive(x, y, z, active)
}

// -------------------------------------------------------------------------------------------------
// Change tracking
// -------------------------------------------------------------------------------------------------

// Notifier returns the world's change notifier for subscribing to component changes.
// Subscriptions work whether or not history tracking is enabled.
func (w *World) Notifier() *Notifier {
	return w.state.notifier
}

// EnableChangeTracking starts recording component changes into a bounded ring with the
// given capacity, rounded up to a power of two (0 uses DefaultChangeCapacity). Calling
// it again replaces the ring and drops the recorded history.
func (w *World) EnableChangeTracking(capacity int) error {
	if capacity <= 0 {
		capacity = DefaultChangeCapacity
	}
	tracker, err := newChangeTracker(capacity)
	if err != nil {
		return err
	}

	ws := w.state
	ws.lock()
	defer ws.unlock()
	ws.tracker = tracker
	return nil
}

// DisableChangeTracking stops recording changes and drops the recorded history.
// Notifier subscriptions keep firing.
func (w *World) DisableChangeTracking() {
	ws := w.state
	ws.lock()
	defer ws.unlock()
	ws.tracker = nil
}

func (w *World) trackerOrErr() (*changeTracker, error) {
	ws := w.state
	ws.rlock()
	defer ws.runlock()
	if ws.tracker == nil {
		return nil, eris.New("change tracking is not enabled")
	}
	return ws.tracker, nil
}

// ChangesSince returns the recorded changes with a timestamp at or after the given
// time, oldest first. Only as many changes as the ring holds are retained.
func (w *World) ChangesSince(at time.Time) ([]ChangeRecord, error) {
	tracker, err := w.trackerOrErr()
	if err != nil {
		return nil, err
	}
	return tracker.since(at), nil
}

// ChangesFor returns the recorded changes touching the given entity, oldest first.
func (w *World) ChangesFor(e Entity) ([]ChangeRecord, error) {
	tracker, err := w.trackerOrErr()
	if err != nil {
		return nil, err
	}
	return tracker.forEntity(e), nil
}

// ChangesForComponent returns the recorded changes touching the given component type,
// oldest first.
func (w *World) ChangesForComponent(cid ComponentID) ([]ChangeRecord, error) {
	tracker, err := w.trackerOrErr()
	if err != nil {
		return nil, err
	}
	return tracker.forComponent(cid), nil
}

// -------------------------------------------------------------------------------------------------
// Systems
// -------------------------------------------------------------------------------------------------

// RegisterSystem adds a system to the Update hook, or to the hook picked with WithHook.
// System names must be unique across all hooks so dependencies can be declared by name
// alone. Registering after the first tick is allowed; the hook's schedule is rebuilt on
// the next tick, and the new system's Init runs lazily before its first update.
func (w *World) RegisterSystem(sys System, opts ...SystemOption) error {
	if sys == nil {
		return eris.New("system must not be nil")
	}
	name := sys.Name()
	if name == "" {
		return eris.New("system name must not be empty")
	}

	meta := systemMetadata{name: name, sys: sys, hook: Update}
	for _, opt := range opts {
		if err := opt(w, &meta); err != nil {
			return eris.Wrapf(err, "failed to register system %s", name)
		}
	}

	for i := range w.schedulers {
		if SystemHook(i) == meta.hook {
			continue
		}
		if _, exists := w.schedulers[i].index[name]; exists {
			return eris.Errorf("system %s is already registered in %s", name, SystemHook(i))
		}
	}

	if err := w.schedulers[meta.hook].register(meta); err != nil {
		return err
	}

	// Systems registered after the init pass still get their Init before running.
	if w.initDone {
		if err := sys.Init(w); err != nil {
			return eris.Wrapf(err, "failed to init system %s", name)
		}
	}
	return nil
}

// AddDependency orders two systems of the same hook: before completes before after
// starts, in serial and parallel ticks alike. The schedule is recomputed immediately; a
// dependency that closes a cycle is rejected with ErrDependencyCycle naming the cycle's
// members, leaving the schedule as it was.
func (w *World) AddDependency(before, after string) error {
	bh, bok := w.hookOf(before)
	ah, aok := w.hookOf(after)
	if !bok {
		return eris.Errorf("system %s is not registered", before)
	}
	if !aok {
		return eris.Errorf("system %s is not registered", after)
	}
	if bh != ah {
		return eris.Errorf("system %s runs in %s and %s in %s; hooks already order them",
			before, bh, after, ah)
	}
	return w.schedulers[bh].addDependency(before, after)
}

func (w *World) hookOf(name string) (SystemHook, bool) {
	for i := range w.schedulers {
		if _, ok := w.schedulers[i].index[name]; ok {
			return SystemHook(i), true
		}
	}
	return 0, false
}

// System returns the registered system with the given name.
func (w *World) System(name string) (System, bool) {
	hook, ok := w.hookOf(name)
	if !ok {
		return nil, false
	}
	s := w.schedulers[hook]
	return s.systems[s.index[name]].sys, true
}

// SystemStats returns a snapshot of per-system timing, keyed by system name.
func (w *World) SystemStats() map[string]SystemStats {
	out := make(map[string]SystemStats)
	for i := range w.schedulers {
		w.schedulers[i].statsSnapshot(out)
	}
	return out
}

// Tick advances the world by one frame: the first call runs every system's Init in
// registration order, then each tick runs the PreUpdate, Update, and PostUpdate systems
// in dependency order and flushes batched change notifications. A failing system fails
// the tick; remaining systems do not run.
func (w *World) Tick(dt float64) error {
	return w.tick(func(s *systemScheduler) error {
		return s.runSerial(w, dt)
	})
}

// TickParallel is Tick with independent systems running concurrently on up to workers
// goroutines per hook (0 = number of CPUs). Dependency edges are honored; the first
// parallel tick of a schedule fails with ErrConflictingAccess if unordered systems
// declare overlapping component access, or declare nothing at all.
func (w *World) TickParallel(dt float64, workers int) error {
	return w.tick(func(s *systemScheduler) error {
		return s.runParallel(w, dt, workers, w.componentName)
	})
}

func (w *World) tick(run func(*systemScheduler) error) error {
	start := time.Now()

	if !w.initDone {
		for i := range w.schedulers {
			if err := w.schedulers[i].initAll(w); err != nil {
				return err
			}
		}
		w.initDone = true
	}

	for i := range w.schedulers {
		if err := run(w.schedulers[i]); err != nil {
			return err
		}
	}

	if err := w.state.notifier.Flush(); err != nil {
		return eris.Wrap(err, "failed to flush change notifications")
	}

	elapsed := time.Since(start)
	w.tickCount++
	w.lastTick = elapsed
	w.totalTick += elapsed
	return nil
}

// Shutdown flushes pending change notifications and runs every system's Shutdown,
// PostUpdate hook first and within each hook in reverse registration order. All
// shutdown errors are collected; the world itself stays usable for data access.
func (w *World) Shutdown() error {
	var errs []error
	if err := w.state.notifier.Flush(); err != nil {
		errs = append(errs, err)
	}
	for i := len(w.schedulers) - 1; i >= 0; i-- {
		if err := w.schedulers[i].shutdownAll(w); err != nil {
			errs = append(errs, err)
		}
	}
	w.initDone = false

	if len(errs) > 0 {
		return eris.Errorf("world shutdown finished with %d error(s): %v", len(errs), errs)
	}
	return nil
}

// TickCount returns how many ticks have completed successfully.
func (w *World) TickCount() uint64 { return w.tickCount }

// LastTickDuration returns the wall time of the most recent successful tick.
func (w *World) LastTickDuration() time.Duration { return w.lastTick }

// AverageTickDuration returns the mean wall time across all successful ticks, or 0
// before the first one.
func (w *World) AverageTickDuration() time.Duration {
	if w.tickCount == 0 {
		return 0
	}
	return w.totalTick / time.Duration(w.tickCount)
}
