package ecs

import (
	"context"
	"runtime"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kelindar/bitmap"
	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"

	"github.com/lattice-ecs/lattice/internal/assert"
)

// systemScheduler orders the systems of one update hook. Explicit dependencies are the
// only ordering source: systems without a path between them are considered independent
// and may run concurrently, which is why a parallel schedule verifies that unordered
// systems never declare overlapping writes before its first run.
type systemScheduler struct {
	hook    SystemHook
	systems []systemMetadata
	index   map[string]int // System name -> index into systems

	edges map[int]map[int]struct{} // Explicit edges: before -> set of after

	// Built schedule. Rebuilt lazily after registrations and after a failed run.
	built     bool
	verified  bool // Access conflicts checked; only parallel runs need this
	graph     map[int][]int
	indegree  map[int]int
	order     []int // Topological order, ties broken by registration order
	firstTier []int

	// Double-buffered dependency counters for parallel runs. The active buffer is
	// consumed as systems complete; each system then restores its own slot, so the
	// buffer is clean again two runs later.
	counters [2][]atomic.Int32
	epoch    uint64

	statsMu sync.Mutex
}

func newSystemScheduler(hook SystemHook) *systemScheduler {
	return &systemScheduler{
		hook:  hook,
		index: make(map[string]int),
		edges: make(map[int]map[int]struct{}),
	}
}

// register adds a system to the scheduler. Names must be unique within the hook.
func (s *systemScheduler) register(meta systemMetadata) error {
	if _, exists := s.index[meta.name]; exists {
		return eris.Errorf("system %s is already registered in %s", meta.name, s.hook)
	}

	meta.order = len(s.systems)
	s.index[meta.name] = meta.order
	s.systems = append(s.systems, meta)
	s.built = false
	return nil
}

// addDependency records that before must complete before after starts. The topological
// order is recomputed immediately: an edge that closes a cycle is rolled back and fails
// with ErrDependencyCycle naming the cycle's members.
func (s *systemScheduler) addDependency(before, after string) error {
	b, ok := s.index[before]
	if !ok {
		return eris.Errorf("system %s is not registered in %s", before, s.hook)
	}
	a, ok := s.index[after]
	if !ok {
		return eris.Errorf("system %s is not registered in %s", after, s.hook)
	}
	if a == b {
		return eris.Wrapf(ErrDependencyCycle, "%s -> %s", before, after)
	}

	if s.edges[b] == nil {
		s.edges[b] = make(map[int]struct{})
	}
	if _, dup := s.edges[b][a]; dup {
		return nil
	}
	s.edges[b][a] = struct{}{}
	s.built = false

	if _, err := s.sortSystems(); err != nil {
		delete(s.edges[b], a)
		return err
	}
	return nil
}

// buildDependencyGraph converts the explicit edges into an adjacency list with an entry
// per system, neighbors deduplicated and sorted, plus the indegree of every node.
func (s *systemScheduler) buildDependencyGraph() (map[int][]int, map[int]int) {
	graph := make(map[int][]int, len(s.systems))
	indegree := make(map[int]int)

	for i := range s.systems {
		graph[i] = nil
	}
	for b, afters := range s.edges {
		neighbors := make([]int, 0, len(afters))
		for a := range afters {
			neighbors = append(neighbors, a)
			indegree[a]++
		}
		slices.Sort(neighbors)
		graph[b] = neighbors
	}
	return graph, indegree
}

// sortSystems runs an iterative topological sort over the dependency graph. Among the
// runnable systems it always picks the earliest-registered one, so the serial order is
// deterministic. A cycle fails with ErrDependencyCycle enumerating its members.
func (s *systemScheduler) sortSystems() ([]int, error) {
	graph, indegree := s.buildDependencyGraph()

	n := len(s.systems)
	indeg := make([]int, n)
	for v, d := range indegree {
		indeg[v] = d
	}

	order := make([]int, 0, n)
	placed := make([]bool, n)
	for len(order) < n {
		next := -1
		for i := range n {
			if !placed[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next == -1 {
			return nil, s.cycleError(graph, placed)
		}
		placed[next] = true
		order = append(order, next)
		for _, v := range graph[next] {
			indeg[v]--
		}
	}
	return order, nil
}

// cycleError recovers the cycle that stalled the sort. Every system the sort could not
// place keeps at least one unplaced predecessor, so walking predecessors within the
// unplaced remainder must revisit a system; the revisit closes the cycle.
func (s *systemScheduler) cycleError(graph map[int][]int, placed []bool) error {
	preds := make(map[int][]int)
	start := -1
	for u, neighbors := range graph {
		if placed[u] {
			continue
		}
		if start == -1 || u < start {
			start = u
		}
		for _, v := range neighbors {
			if !placed[v] {
				preds[v] = append(preds[v], u)
			}
		}
	}
	assert.That(start >= 0, "topological sort failed without leftover systems")

	path := []int{}
	pos := make(map[int]int)
	for cur := start; ; {
		if at, seen := pos[cur]; seen {
			// The walk went backwards, so reverse the tail to report the cycle in
			// execution order.
			names := make([]string, 0, len(path)-at+1)
			names = append(names, s.systems[path[at]].name)
			for i := len(path) - 1; i > at; i-- {
				names = append(names, s.systems[path[i]].name)
			}
			names = append(names, s.systems[cur].name)
			return eris.Wrapf(ErrDependencyCycle, "%s", strings.Join(names, " -> "))
		}
		pos[cur] = len(path)
		path = append(path, cur)

		assert.That(len(preds[cur]) > 0, "unplaced system %s has no unplaced predecessor", s.systems[cur].name)
		cur = preds[cur][0]
	}
}

// verifyAccess checks that every pair of systems with no ordering between them declares
// non-conflicting component access. Called at schedule build so a conflicting registration
// fails before anything runs.
func (s *systemScheduler) verifyAccess(graph map[int][]int, nameFor func(ComponentID) string) error {
	n := len(s.systems)
	if n < 2 {
		return nil
	}

	// Reachability closure, computed in reverse topological order so each node only
	// needs its direct successors' sets.
	reach := make([]bitmap.Bitmap, n)
	for i := len(s.order) - 1; i >= 0; i-- {
		u := s.order[i]
		var set bitmap.Bitmap
		for _, v := range graph[u] {
			set.Set(uint32(v))
			set.Or(reach[v])
		}
		reach[u] = set
	}

	for i := range n {
		for j := i + 1; j < n; j++ {
			if reach[i].Contains(uint32(j)) || reach[j].Contains(uint32(i)) {
				continue
			}
			a, b := &s.systems[i], &s.systems[j]
			if !a.conflictsWith(b) {
				continue
			}
			if !a.declared || !b.declared {
				return eris.Wrapf(ErrConflictingAccess,
					"systems %s and %s are unordered and at least one declares no component access; add a dependency between them",
					a.name, b.name)
			}
			cid, ok := a.conflictingComponent(b)
			assert.That(ok, "conflicting systems %s and %s share no component", a.name, b.name)
			return eris.Wrapf(ErrConflictingAccess,
				"systems %s and %s are unordered and both touch component %s; add a dependency between them",
				a.name, b.name, nameFor(cid))
		}
	}
	return nil
}

// ensureBuilt recomputes the schedule if registrations changed or a failed run left the
// parallel counters dirty. Access verification only happens for parallel runs: serial
// execution honors the order regardless of what the systems declare, so undeclared
// systems stay usable until the first parallel tick.
func (s *systemScheduler) ensureBuilt(parallel bool, nameFor func(ComponentID) string) error {
	if !s.built {
		order, err := s.sortSystems()
		if err != nil {
			return err
		}
		graph, indegree := s.buildDependencyGraph()

		s.graph = graph
		s.indegree = indegree
		s.order = order

		s.firstTier = s.firstTier[:0]
		for i := range s.systems {
			if indegree[i] == 0 {
				s.firstTier = append(s.firstTier, i)
			}
		}

		for b := range s.counters {
			s.counters[b] = make([]atomic.Int32, len(s.systems))
			for i := range s.systems {
				s.counters[b][i].Store(int32(indegree[i]))
			}
		}
		s.epoch = 0
		s.built = true
		s.verified = false
	}

	if parallel && !s.verified {
		if err := s.verifyAccess(s.graph, nameFor); err != nil {
			return err
		}
		s.verified = true
	}
	return nil
}

// runSerial executes every system once, in topological order.
func (s *systemScheduler) runSerial(w *World, dt float64) error {
	if err := s.ensureBuilt(false, nil); err != nil {
		return err
	}
	for _, i := range s.order {
		if err := s.updateOne(w, dt, i); err != nil {
			return err
		}
	}
	return nil
}

// runParallel executes every system once across a pool of up to workers goroutines
// (0 = number of CPUs), honoring all dependency edges. Ready systems flow through a
// buffered execution queue: each completed system decrements its successors' counters
// in the active buffer, enqueues the ones that reach zero, and restores its own slot
// so the buffer is clean when its turn comes again.
func (s *systemScheduler) runParallel(w *World, dt float64, workers int, nameFor func(ComponentID) string) error {
	if err := s.ensureBuilt(true, nameFor); err != nil {
		return err
	}
	n := len(s.systems)
	if n == 0 {
		return nil
	}

	cur := s.counters[s.epoch&1]
	s.epoch++

	// Every system is enqueued exactly once, so a buffer of n keeps sends from ever
	// blocking and the queue never needs to be closed.
	queue := make(chan int, n)
	for _, i := range s.firstTier {
		queue <- i
	}

	var pending atomic.Int32
	pending.Store(int32(n))
	done := make(chan struct{})

	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	g, ctx := errgroup.WithContext(context.Background())
	for range min(workers, n) {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-done:
					return nil
				case i := <-queue:
					if err := s.updateOne(w, dt, i); err != nil {
						return err
					}
					for _, v := range s.graph[i] {
						if cur[v].Add(-1) == 0 {
							queue <- v
						}
					}
					cur[i].Store(int32(s.indegree[i]))
					if pending.Add(-1) == 0 {
						close(done)
					}
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		// A cancelled run leaves counters partially decremented; rebuild next time.
		s.built = false
		return err
	}
	return nil
}

// updateOne runs a single system's update and records its timing.
func (s *systemScheduler) updateOne(w *World, dt float64, i int) error {
	meta := &s.systems[i]

	start := time.Now()
	err := meta.sys.Update(w, dt)
	elapsed := time.Since(start)

	s.statsMu.Lock()
	meta.stats.Count++
	meta.stats.Last = elapsed
	meta.stats.Total += elapsed
	s.statsMu.Unlock()

	if err != nil {
		return eris.Wrapf(err, "system %s failed", meta.name)
	}
	return nil
}

// initAll runs every system's Init in registration order.
func (s *systemScheduler) initAll(w *World) error {
	for i := range s.systems {
		if err := s.systems[i].sys.Init(w); err != nil {
			return eris.Wrapf(err, "failed to init system %s", s.systems[i].name)
		}
	}
	return nil
}

// shutdownAll runs every system's Shutdown in reverse registration order, collecting
// failures instead of stopping at the first one.
func (s *systemScheduler) shutdownAll(w *World) error {
	var errs []error
	for i := len(s.systems) - 1; i >= 0; i-- {
		if err := s.systems[i].sys.Shutdown(w); err != nil {
			errs = append(errs, eris.Wrapf(err, "failed to shut down system %s", s.systems[i].name))
		}
	}
	if len(errs) > 0 {
		return eris.Errorf("system shutdown finished with %d error(s): %v", len(errs), errs)
	}
	return nil
}

// statsSnapshot copies the timing stats of every registered system.
func (s *systemScheduler) statsSnapshot(out map[string]SystemStats) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	for i := range s.systems {
		out[s.systems[i].name] = s.systems[i].stats
	}
}
