package ecs

import (
	"math/bits"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// ChangeKind classifies a component change.
type ChangeKind uint8

const (
	// ChangeAdded records a component being attached to an entity.
	ChangeAdded ChangeKind = iota
	// ChangeModified records a component value being overwritten.
	ChangeModified
	// ChangeRemoved records a component being detached from an entity.
	ChangeRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// ChangeRecord describes one component change on one entity.
type ChangeRecord struct {
	Entity    Entity
	Component ComponentID
	Kind      ChangeKind
	At        time.Time
}

// DefaultChangeCapacity is the default size of the change history ring.
const DefaultChangeCapacity = 1024

// changeTracker is a bounded ring buffer of ChangeRecords indexed by a monotonically
// increasing cursor. Once full, the oldest records are overwritten. It is safe for a
// single writer with concurrent readers.
type changeTracker struct {
	mu   sync.RWMutex
	buf  []ChangeRecord
	mask uint64 // cap-1, cap is power of two
	head uint64 // absolute write cursor
}

// newChangeTracker creates a ring buffer with power-of-two capacity.
// If capacity is not a power of two, it is rounded up.
func newChangeTracker(capacity int) (*changeTracker, error) {
	if capacity <= 0 {
		return nil, eris.Errorf("capacity must be > 0, got %d", capacity)
	}
	capacity = roundUpPowerOfTwo(capacity)
	return &changeTracker{
		buf:  make([]ChangeRecord, capacity),
		mask: uint64(capacity - 1),
	}, nil
}

// record appends a change, overwriting the oldest once the ring is full.
func (t *changeTracker) record(rec ChangeRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf[t.head&t.mask] = rec
	t.head++
}

// snapshot copies the retained records in chronological order, keeping only those the
// keep function accepts. A nil keep returns everything retained.
func (t *changeTracker) snapshot(keep func(ChangeRecord) bool) []ChangeRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.head == 0 || len(t.buf) == 0 {
		return nil
	}

	start := uint64(0)
	if t.head > uint64(len(t.buf)) {
		start = t.head - uint64(len(t.buf))
	}

	out := make([]ChangeRecord, 0, t.head-start)
	for c := start; c < t.head; c++ {
		rec := t.buf[c&t.mask]
		if keep == nil || keep(rec) {
			out = append(out, rec)
		}
	}
	return out
}

// since returns the retained records with a timestamp at or after the given time.
func (t *changeTracker) since(at time.Time) []ChangeRecord {
	return t.snapshot(func(rec ChangeRecord) bool { return !rec.At.Before(at) })
}

// forEntity returns the retained records touching the given entity.
func (t *changeTracker) forEntity(e Entity) []ChangeRecord {
	return t.snapshot(func(rec ChangeRecord) bool { return rec.Entity == e })
}

// forComponent returns the retained records touching the given component type.
func (t *changeTracker) forComponent(cid ComponentID) []ChangeRecord {
	return t.snapshot(func(rec ChangeRecord) bool { return rec.Component == cid })
}

func roundUpPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

// -------------------------------------------------------------------------------------------------
// Notifier
// -------------------------------------------------------------------------------------------------

// Subscription identifies a registered change handler. Handles are never reused.
type Subscription uint64

// ChangeHandler is called for each change a subscription matches. Handlers must not
// mutate the world.
type ChangeHandler func(ChangeRecord) error

// defaultPendingChannelCapacity is the size of the buffered channel batched changes pass
// through before spilling into the overflow buffer.
const defaultPendingChannelCapacity = 1024

// initialPendingBufferCapacity is the starting capacity of the overflow buffer.
const initialPendingBufferCapacity = 128

type subscriber struct {
	id        Subscription
	component ComponentID
	all       bool // Matches every component
	kinds     [3]bool
	fn        ChangeHandler
}

func (s *subscriber) matches(rec ChangeRecord) bool {
	if !s.kinds[rec.Kind] {
		return false
	}
	return s.all || s.component == rec.Component
}

// Notifier fans change records out to subscribers. In immediate mode handlers run
// synchronously inside the world operation that caused the change; in batched mode
// records are buffered and delivered on Flush, still in event order.
type Notifier struct {
	mu      sync.Mutex
	nextID  Subscription
	subs    []subscriber
	batched bool
	channel chan ChangeRecord // Buffered path for batched records
	pending []ChangeRecord    // Overflow buffer for when the channel is full
}

// newNotifier creates a notifier in immediate mode.
func newNotifier() *Notifier {
	return &Notifier{
		nextID:  1,
		subs:    make([]subscriber, 0),
		channel: make(chan ChangeRecord, defaultPendingChannelCapacity),
		pending: make([]ChangeRecord, 0, initialPendingBufferCapacity),
	}
}

// Subscribe registers a handler for changes of the given kinds on one component type.
// Passing no kinds subscribes to all of them. The returned handle cancels the
// subscription via Unsubscribe.
func (n *Notifier) Subscribe(cid ComponentID, fn ChangeHandler, kinds ...ChangeKind) Subscription {
	return n.subscribe(subscriber{component: cid, kinds: kindSet(kinds), fn: fn})
}

// SubscribeAll registers a handler for changes of the given kinds on every component
// type. Passing no kinds subscribes to all of them.
func (n *Notifier) SubscribeAll(fn ChangeHandler, kinds ...ChangeKind) Subscription {
	return n.subscribe(subscriber{all: true, kinds: kindSet(kinds), fn: fn})
}

func (n *Notifier) subscribe(sub subscriber) Subscription {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub.id = n.nextID
	n.nextID++
	n.subs = append(n.subs, sub)
	return sub.id
}

// Unsubscribe cancels a subscription. Returns false if the handle is unknown.
func (n *Notifier) Unsubscribe(id Subscription) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	for i := range n.subs {
		if n.subs[i].id == id {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			return true
		}
	}
	return false
}

// SetBatched switches between immediate and batched delivery. Switching to immediate
// mode flushes anything still pending.
func (n *Notifier) SetBatched(batched bool) error {
	n.mu.Lock()
	wasBatched := n.batched
	n.batched = batched
	n.mu.Unlock()

	if wasBatched && !batched {
		return n.Flush()
	}
	return nil
}

// dispatch routes one record. Immediate mode calls the matching handlers now; batched
// mode enqueues, spilling to the overflow buffer when the channel is full.
func (n *Notifier) dispatch(rec ChangeRecord) error {
	n.mu.Lock()
	batched := n.batched
	n.mu.Unlock()

	if !batched {
		return n.deliver(rec)
	}

	select {
	case n.channel <- rec:
		// Happy path: channel has capacity.
	default:
		// Channel full: drain to the overflow buffer, then send.
		n.drain()
		n.channel <- rec
	}
	return nil
}

// drain moves everything in the channel into the overflow buffer.
func (n *Notifier) drain() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for {
		select {
		case rec := <-n.channel:
			n.pending = append(n.pending, rec)
		default:
			return
		}
	}
}

// Flush delivers all batched records to their subscribers in the order they were
// recorded. Handler errors are collected; delivery continues past them.
func (n *Notifier) Flush() error {
	n.drain()

	n.mu.Lock()
	batch := n.pending
	n.pending = make([]ChangeRecord, 0, initialPendingBufferCapacity)
	n.mu.Unlock()

	var errs []error
	for _, rec := range batch {
		if err := n.deliver(rec); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("change delivery encountered %d error(s): %v", len(errs), errs)
	}
	return nil
}

// deliver calls every matching handler for one record, in subscription order.
func (n *Notifier) deliver(rec ChangeRecord) error {
	n.mu.Lock()
	subs := make([]subscriber, len(n.subs))
	copy(subs, n.subs)
	n.mu.Unlock()

	var errs []error
	for i := range subs {
		if !subs[i].matches(rec) {
			continue
		}
		if err := subs[i].fn(rec); err != nil {
			errs = append(errs, eris.Wrapf(err, "change handler %d failed", subs[i].id))
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("change delivery encountered %d error(s): %v", len(errs), errs)
	}
	return nil
}

func kindSet(kinds []ChangeKind) [3]bool {
	var set [3]bool
	if len(kinds) == 0 {
		return [3]bool{true, true, true}
	}
	for _, k := range kinds {
		if int(k) < len(set) {
			set[k] = true
		}
	}
	return set
}

// -------------------------------------------------------------------------------------------------
// Reactive systems
// -------------------------------------------------------------------------------------------------

// ReactiveSystem runs a callback against the component changes that happened since its
// previous update. It subscribes itself on Init and cancels the subscription on
// Shutdown. Without Watch it sees changes on every component type.
type ReactiveSystem struct {
	name    string
	watched []string // Component names to watch; empty watches everything
	kinds   []ChangeKind
	fn      func(w *World, dt float64, changes []ChangeRecord) error

	mu      sync.Mutex
	subs    []Subscription
	pending []ChangeRecord
}

// NewReactiveSystem creates a reactive system that hands buffered changes of the given
// kinds to fn once per tick. Passing no kinds watches all of them.
func NewReactiveSystem(
	name string,
	fn func(w *World, dt float64, changes []ChangeRecord) error,
	kinds ...ChangeKind,
) *ReactiveSystem {
	return &ReactiveSystem{
		name:  name,
		kinds: kinds,
		fn:    fn,
	}
}

// Watch restricts the system to changes on the named component types. The types must be
// registered by the time the system initializes.
func (r *ReactiveSystem) Watch(componentNames ...string) *ReactiveSystem {
	r.watched = append(r.watched, componentNames...)
	return r
}

func (r *ReactiveSystem) Name() string { return r.name }

// Init subscribes the system to the watched component changes.
func (r *ReactiveSystem) Init(w *World) error {
	buffer := func(rec ChangeRecord) error {
		r.mu.Lock()
		r.pending = append(r.pending, rec)
		r.mu.Unlock()
		return nil
	}

	notifier := w.Notifier()
	if len(r.watched) == 0 {
		r.subs = append(r.subs, notifier.SubscribeAll(buffer, r.kinds...))
		return nil
	}

	for _, name := range r.watched {
		cid, err := w.state.components.getID(name)
		if err != nil {
			return eris.Wrapf(err, "reactive system %s cannot watch %s", r.name, name)
		}
		r.subs = append(r.subs, notifier.Subscribe(cid, buffer, r.kinds...))
	}
	return nil
}

// Update drains the buffered changes and hands them to the callback. Ticks with no
// matching changes skip the callback entirely.
func (r *ReactiveSystem) Update(w *World, dt float64) error {
	r.mu.Lock()
	changes := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(changes) == 0 {
		return nil
	}
	return r.fn(w, dt, changes)
}

// Shutdown cancels the system's subscriptions.
func (r *ReactiveSystem) Shutdown(w *World) error {
	notifier := w.Notifier()
	for _, sub := range r.subs {
		notifier.Unsubscribe(sub)
	}
	r.subs = nil
	return nil
}
