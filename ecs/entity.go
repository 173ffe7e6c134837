package ecs

import (
	"fmt"
	"math"
	"time"

	"github.com/rotisserie/eris"

	"github.com/lattice-ecs/lattice/internal/assert"
)

// Entity is a generational handle to an entity. The zero value is Nil and never refers
// to a live entity. A handle stays valid until its entity is destroyed; once the slot is
// recycled the old handle is rejected by every operation.
type Entity struct {
	id  uint32
	gen uint32
}

// Nil is the zero entity handle.
var Nil = Entity{}

// ID returns the slot index of the handle.
func (e Entity) ID() uint32 { return e.id }

// Generation returns the generation of the handle.
func (e Entity) Generation() uint32 { return e.gen }

// IsZero reports whether the handle is the zero value.
func (e Entity) IsZero() bool { return e == Entity{} }

func (e Entity) String() string {
	return fmt.Sprintf("Entity(%d:%d)", e.id, e.gen)
}

// DefaultMaxEntities is the default cap on live entities.
const DefaultMaxEntities = 1_000_000

// maxGeneration is the last usable generation of a slot. Destroying an entity at this
// generation retires the slot instead of recycling it.
const maxGeneration = math.MaxUint32

// firstGeneration is the generation assigned to a freshly allocated slot. Starting at 1
// keeps the zero handle permanently invalid.
const firstGeneration = 1

// entityDescriptor records per-slot bookkeeping beyond the generation counter.
type entityDescriptor struct {
	createdAt   time.Time
	destroyedAt time.Time
}

// entityManager allocates generational entity handles. Destroyed slots are recycled
// through a FIFO free list after their generation is bumped, so stale handles can never
// alias a new occupant. Slots whose generation counter is exhausted are retired.
type entityManager struct {
	nextID      uint32
	free        []uint32 // FIFO queue of recyclable slot indexes
	generations []uint32 // Slot index -> current generation
	alive       []bool   // Slot index -> whether the slot holds a live entity
	descriptors []entityDescriptor
	liveCount   int
	retired     int
	maxEntities int
}

// newEntityManager creates an entity manager with the given live-entity cap.
func newEntityManager(maxEntities int) entityManager {
	if maxEntities <= 0 {
		maxEntities = DefaultMaxEntities
	}
	return entityManager{
		nextID:      0,
		free:        make([]uint32, 0),
		generations: make([]uint32, 0),
		alive:       make([]bool, 0),
		descriptors: make([]entityDescriptor, 0),
		maxEntities: maxEntities,
	}
}

// create returns a new entity handle, recycling a free slot when one is available.
func (em *entityManager) create() (Entity, error) {
	if em.liveCount >= em.maxEntities {
		return Nil, eris.Wrapf(ErrEntityCapacityExceeded, "limit %d", em.maxEntities)
	}

	// Pop from the front of the free list (FIFO). Slots claimed out of band by a
	// restore are skipped lazily here.
	for len(em.free) > 0 {
		id := em.free[0]
		em.free = em.free[1:]
		if em.alive[id] {
			continue
		}
		em.alive[id] = true
		em.liveCount++
		em.descriptors[id] = entityDescriptor{createdAt: time.Now()}
		return Entity{id: id, gen: em.generations[id]}, nil
	}

	// No free slots, mint the next sequential one.
	if em.nextID == math.MaxUint32 {
		return Nil, eris.Wrap(ErrEntityCapacityExceeded, "entity id space exhausted")
	}
	id := em.nextID
	em.nextID++
	em.generations = append(em.generations, firstGeneration)
	em.alive = append(em.alive, true)
	em.descriptors = append(em.descriptors, entityDescriptor{createdAt: time.Now()})
	em.liveCount++

	assert.That(len(em.generations) == int(em.nextID), "generation table out of sync with id space")
	return Entity{id: id, gen: firstGeneration}, nil
}

// destroy invalidates the handle and recycles its slot. A slot at the last usable
// generation is retired rather than recycled so the exhausted counter never wraps.
func (em *entityManager) destroy(e Entity) error {
	if !em.isValid(e) {
		return eris.Wrapf(ErrInvalidHandle, "%s", e)
	}

	em.alive[e.id] = false
	em.liveCount--
	em.descriptors[e.id].destroyedAt = time.Now()

	if em.generations[e.id] == maxGeneration {
		em.retired++
		return nil
	}

	em.generations[e.id]++
	em.free = append(em.free, e.id)
	return nil
}

// isValid reports whether the handle refers to a live entity. This is the sole
// precondition check used by every entity operation.
func (em *entityManager) isValid(e Entity) bool {
	if e.gen == 0 || int(e.id) >= len(em.generations) {
		return false
	}
	return em.alive[e.id] && em.generations[e.id] == e.gen
}

// handle rebuilds the live handle for a slot index.
func (em *entityManager) handle(id uint32) (Entity, bool) {
	if int(id) >= len(em.generations) || !em.alive[id] {
		return Nil, false
	}
	return Entity{id: id, gen: em.generations[id]}, true
}

// canRestore reports whether the (id, generation) pair can be claimed. Occupied slots
// cannot be restored over, retired slots cannot come back, and a generation below the
// slot's current one would re-validate stale handles.
func (em *entityManager) canRestore(id uint32, gen uint32) error {
	if gen == 0 {
		return eris.Wrapf(ErrInvalidHandle, "generation 0 for slot %d", id)
	}

	if int(id) < len(em.generations) {
		switch {
		case em.alive[id]:
			return eris.Wrapf(ErrInvalidHandle, "slot %d is already live at generation %d", id, em.generations[id])
		case em.generations[id] == maxGeneration:
			return eris.Wrapf(ErrGenerationOverflow, "slot %d is retired", id)
		case gen < em.generations[id]:
			return eris.Wrapf(ErrInvalidHandle, "slot %d is at generation %d, restoring generation %d would revive stale handles",
				id, em.generations[id], gen)
		}
	}

	if em.liveCount >= em.maxEntities {
		return eris.Wrapf(ErrEntityCapacityExceeded, "limit %d", em.maxEntities)
	}
	return nil
}

// restore claims a specific (id, generation) pair, growing the id space as needed. It is
// used when loading archives so that persisted handles stay valid.
func (em *entityManager) restore(id uint32, gen uint32) (Entity, error) {
	if err := em.canRestore(id, gen); err != nil {
		return Nil, err
	}

	// Grow the slot tables up to and including id. The gap slots stay dead at
	// generation 1 and are appended to the free list.
	for int(id) >= len(em.generations) {
		em.generations = append(em.generations, firstGeneration)
		em.alive = append(em.alive, false)
		em.descriptors = append(em.descriptors, entityDescriptor{})
		if uint32(len(em.generations)-1) != id {
			em.free = append(em.free, uint32(len(em.generations)-1))
		}
	}
	if em.nextID < id+1 {
		em.nextID = id + 1
	}

	em.generations[id] = gen
	em.alive[id] = true
	em.liveCount++
	em.descriptors[id] = entityDescriptor{createdAt: time.Now()}
	return Entity{id: id, gen: gen}, nil
}

// createdAt returns the creation timestamp recorded for a live handle.
func (em *entityManager) createdAt(e Entity) (time.Time, bool) {
	if !em.isValid(e) {
		return time.Time{}, false
	}
	return em.descriptors[e.id].createdAt, true
}

// reset drops all entities and bookkeeping, keeping the configured cap.
func (em *entityManager) reset() {
	*em = newEntityManager(em.maxEntities)
}
