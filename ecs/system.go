package ecs

import (
	"time"

	"github.com/kelindar/bitmap"
	"github.com/rotisserie/eris"
)

// SystemHook defines when a system runs in the update cycle.
type SystemHook uint8

const (
	// PreUpdate runs before the main update.
	PreUpdate SystemHook = 0
	// Update runs during the main update phase.
	Update SystemHook = 1
	// PostUpdate runs after the main update.
	PostUpdate SystemHook = 2

	numSystemHooks = 3
)

// String returns the hook's name for logs and error messages.
func (h SystemHook) String() string {
	switch h {
	case PreUpdate:
		return "pre_update"
	case Update:
		return "update"
	case PostUpdate:
		return "post_update"
	default:
		return "unknown"
	}
}

// System is a unit of world logic with a lifecycle. Init runs once before the first
// update, Update runs every tick, and Shutdown runs when the world shuts down. Systems
// must not retain world access between calls.
type System interface {
	// Name returns a unique string identifier for the system.
	Name() string
	Init(w *World) error
	Update(w *World, dt float64) error
	Shutdown(w *World) error
}

// SystemFunc adapts a bare update function to the System interface.
type SystemFunc struct {
	name string
	fn   func(*World, float64) error
}

// NewSystemFunc wraps an update function as a System with no init or shutdown logic.
func NewSystemFunc(name string, fn func(*World, float64) error) *SystemFunc {
	return &SystemFunc{name: name, fn: fn}
}

func (s *SystemFunc) Name() string { return s.name }

func (s *SystemFunc) Init(*World) error { return nil }

func (s *SystemFunc) Update(w *World, dt float64) error { return s.fn(w, dt) }

func (s *SystemFunc) Shutdown(*World) error { return nil }

// SystemStats tracks one system's execution timing.
type SystemStats struct {
	Count uint64        // Number of completed updates
	Last  time.Duration // Duration of the most recent update
	Total time.Duration // Sum of all update durations
}

// Average returns the mean update duration, or zero before the first update.
func (s SystemStats) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// systemMetadata carries a registered system plus everything the scheduler needs to
// place it: its registration order, declared component access, and timing stats.
type systemMetadata struct {
	name  string
	sys   System
	order int // Registration order within the hook, used as the scheduling tiebreak
	hook  SystemHook

	// Declared component access, used for conflict detection between unordered
	// systems. A system that declares nothing is assumed to write everything.
	reads    bitmap.Bitmap
	writes   bitmap.Bitmap
	declared bool

	stats SystemStats
}

// accessed returns the component IDs the system reads or writes.
func (m *systemMetadata) accessed() bitmap.Bitmap {
	all := m.reads.Clone(nil)
	all.Or(m.writes)
	return all
}

// conflictsWith reports whether two systems cannot run unordered: one writes what the
// other reads or writes. Undeclared systems conflict with everything.
func (m *systemMetadata) conflictsWith(other *systemMetadata) bool {
	if !m.declared || !other.declared {
		return true
	}
	return !maskDisjoint(m.writes, other.accessed()) || !maskDisjoint(other.writes, m.accessed())
}

// conflictingComponent returns one component ID involved in the conflict between two
// declared systems, for error messages.
func (m *systemMetadata) conflictingComponent(other *systemMetadata) (ComponentID, bool) {
	shared := m.writes.Clone(nil)
	shared.Or(other.writes)
	shared.And(m.accessed())
	overlap := other.accessed()
	overlap.And(shared)

	cid, ok := overlap.Min()
	return ComponentID(cid), ok
}

// SystemOption configures a system at registration.
type SystemOption func(*World, *systemMetadata) error

// WithHook places the system in the given update phase. The default is Update.
func WithHook(hook SystemHook) SystemOption {
	return func(_ *World, meta *systemMetadata) error {
		if hook >= numSystemHooks {
			return eris.Errorf("invalid system hook %d", hook)
		}
		meta.hook = hook
		return nil
	}
}

// WithReads declares that the system reads component T, registering T on first use.
// Declaring access lets the scheduler run non-conflicting systems in parallel without
// an explicit dependency between them.
func WithReads[T Component]() SystemOption {
	return func(w *World, meta *systemMetadata) error {
		cid, err := registerComponentType[T](w.state)
		if err != nil {
			return err
		}
		meta.reads.Set(uint32(cid))
		meta.declared = true
		return nil
	}
}

// WithWrites declares that the system writes component T, registering T on first use.
func WithWrites[T Component]() SystemOption {
	return func(w *World, meta *systemMetadata) error {
		cid, err := registerComponentType[T](w.state)
		if err != nil {
			return err
		}
		meta.writes.Set(uint32(cid))
		meta.declared = true
		return nil
	}
}
