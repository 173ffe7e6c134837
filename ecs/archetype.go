package ecs

import (
	"github.com/kelindar/bitmap"

	"github.com/lattice-ecs/lattice/internal/assert"
)

// archetypeID is the unique identifier for an archetype.
// It is used internally to track and manage archetypes efficiently.
type archetypeID = int

// componentMask is a bitmap of component IDs identifying an exact component set.
type componentMask = bitmap.Bitmap

// maskOf builds a component mask from a list of component IDs.
func maskOf(cids ...ComponentID) componentMask {
	var mask componentMask
	for _, cid := range cids {
		mask.Set(uint32(cid))
	}
	return mask
}

// maskKey returns the map key identifying an exact component set. Cloning through
// ToBytes keeps the key stable even if the source bitmap is mutated later.
func maskKey(mask componentMask) string {
	return string(mask.ToBytes())
}

// maskContainsAll returns true if every bit of want is set in mask.
func maskContainsAll(mask, want componentMask) bool {
	intersect := want.Clone(nil)
	intersect.And(mask)
	return intersect.Count() == want.Count()
}

// maskDisjoint returns true if mask and avoid share no bits.
func maskDisjoint(mask, avoid componentMask) bool {
	intersect := avoid.Clone(nil)
	intersect.And(mask)
	return intersect.Count() == 0
}

// maskEqual returns true if both masks carry the same bit set.
func maskEqual(a, b componentMask) bool {
	return a.Count() == b.Count() && maskContainsAll(a, b)
}

// archetype groups all entities that share an exact component set. Each registered
// component in the mask has one column, and all columns plus the entities slice stay
// parallel: row i of every column belongs to entities[i].
// NOTE: compCount caches Count() because counting bits is O(words). Columns live in a
// slice instead of a map because iteration dominates lookups at this scale.
type archetype struct {
	id        archetypeID   // Corresponds to the index in the archetypes array
	mask      componentMask // Bitmap of components contained in this archetype
	rows      sparseSet     // Entity ID -> row index
	entities  []Entity      // Entity handles in dense row order
	columns   []abstractColumn
	colIndex  map[ComponentID]int // Component ID -> index into columns
	compCount int
}

// newArchetype creates an archetype for the given component mask. Columns must be in
// ascending component ID order, matching the mask's iteration order.
func newArchetype(aid archetypeID, mask componentMask, columns []abstractColumn) archetype {
	assert.That(mask.Count() == len(columns), "mismatched number of columns and components")

	colIndex := make(map[ComponentID]int, len(columns))
	i := 0
	mask.Range(func(x uint32) {
		colIndex[ComponentID(x)] = i
		i++
	})

	return archetype{
		id:        aid,
		mask:      mask,
		rows:      newSparseSet(),
		entities:  make([]Entity, 0),
		columns:   columns,
		colIndex:  colIndex,
		compCount: len(columns),
	}
}

// exact returns true if the given mask matches the archetype's exactly.
func (a *archetype) exact(mask componentMask) bool {
	if a.compCount != mask.Count() {
		return false
	}
	return a.contains(mask)
}

// contains returns true if the archetype has every component in the given mask.
func (a *archetype) contains(mask componentMask) bool {
	return maskContainsAll(a.mask, mask)
}

// disjoint returns true if the archetype has none of the components in the given mask.
func (a *archetype) disjoint(mask componentMask) bool {
	return maskDisjoint(a.mask, mask)
}

// has returns true if the archetype stores the given component type.
func (a *archetype) has(cid ComponentID) bool {
	_, ok := a.colIndex[cid]
	return ok
}

// column returns the column holding the given component type.
func (a *archetype) column(cid ComponentID) (abstractColumn, bool) {
	i, ok := a.colIndex[cid]
	if !ok {
		return nil, false
	}
	return a.columns[i], true
}

// row returns the dense row index of an entity in this archetype.
func (a *archetype) row(e Entity) (int, bool) {
	return a.rows.get(e.ID())
}

// hasEntity returns true if the entity is stored in this archetype.
func (a *archetype) hasEntity(e Entity) bool {
	_, ok := a.rows.get(e.ID())
	return ok
}

// -------------------------------------------------------------------------------------------------
// Entity operations
// -------------------------------------------------------------------------------------------------

// newEntity adds the entity to the archetype. The entity's components are initialized
// with their zero values so that every column stays as long as the entities slice.
func (a *archetype) newEntity(e Entity) int {
	a.entities = append(a.entities, e)

	for _, column := range a.columns {
		column.extend()
		assert.That(column.len() == len(a.entities), "column length doesn't match entities")
	}

	row := len(a.entities) - 1
	a.rows.set(e.ID(), row)
	return row
}

// removeEntity removes an entity from the archetype. A remove swaps the last entity in
// the slice into the removed row and fixes up the moved entity's row mapping. Expects
// the caller to check that the entity belongs to this archetype.
func (a *archetype) removeEntity(e Entity) {
	row, exists := a.rows.get(e.ID())
	assert.That(exists, "entity is not in archetype")

	lastIndex := len(a.entities) - 1

	// Swap the entity to remove with the last entity in the array, then truncate.
	a.entities[row] = a.entities[lastIndex]
	a.entities = a.entities[:lastIndex]

	for _, column := range a.columns {
		column.remove(row)
		assert.That(column.len() == len(a.entities), "column length doesn't match entities")
	}

	ok := a.rows.remove(e.ID())
	assert.That(ok, "entity isn't removed from sparse set")

	// If the removed entity was the last row nothing was swapped.
	if row == lastIndex {
		return
	}

	// Point the swapped entity at its new row.
	moved := a.entities[row]
	a.rows.set(moved.ID(), row)
}

// moveEntity moves an entity into the destination archetype, copying the values of every
// component the two archetypes share. Returns the entity's row in the destination.
func (a *archetype) moveEntity(destination *archetype, e Entity) int {
	row, exists := a.rows.get(e.ID())
	assert.That(exists, "entity is not in archetype")

	newRow := destination.newEntity(e)

	// Copy shared component values across.
	for cid, srcIdx := range a.colIndex {
		dst, ok := destination.column(cid)
		if !ok {
			continue
		}
		dst.setAbstract(newRow, a.columns[srcIdx].getAbstract(row))
	}

	// Remove from the current archetype, which also fixes up the swapped row.
	a.removeEntity(e)
	return newRow
}

// len returns the number of entities in the archetype.
func (a *archetype) len() int {
	return len(a.entities)
}
