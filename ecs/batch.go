package ecs

import (
	"unsafe"

	"github.com/rotisserie/eris"

	"github.com/lattice-ecs/lattice/internal/assert"
)

// ComponentBatchSize is the number of component values handed to a BatchProcess
// callback at a time on the fast path. Eight values of a small plain struct fit a
// cache line or two, and a fixed width lets the compiler unroll and vectorize the
// callback body.
const ComponentBatchSize = 8

// BatchProcess runs fn over the T column of every archetype matched by the query,
// in place and without boxing. When T is plain data and the column's base address
// satisfies T's alignment, fn receives dense batches of exactly ComponentBatchSize
// values; the remainder, and misaligned columns, fall back to single-value batches.
// Registering T on first use, like With.
//
// The callback owns the values for the duration of the call and may overwrite them.
// Every visited entity is therefore recorded as modified. The world stays locked for
// the whole run, so fn must not call back into it.
//
// Only component filters are supported: region, hierarchy, value, limit, and offset
// filters cannot be applied to whole columns. T is required to be plain data, with
// no pointers, maps, slices, or strings.
func BatchProcess[T Component](q *Query, fn func(batch []T)) (int, error) {
	if q.err != nil {
		return 0, q.err
	}
	if q.usesValues() || q.usesRelations() || q.limit != 0 || q.offset != 0 {
		return 0, eris.New("batch processing supports component filters only")
	}

	cid, err := registerComponentType[T](q.state)
	if err != nil {
		return 0, err
	}

	st := q.state
	st.lock()
	defer st.unlock()
	q.mu.Lock()
	defer q.mu.Unlock()

	info, err := st.components.info(cid)
	if err != nil {
		return 0, err
	}
	if !info.Plain {
		return 0, eris.Errorf("component %s holds references and cannot be batch processed", info.Name)
	}

	q.refreshMatchesLocked()

	processed := 0
	for _, aid := range q.matches {
		arch := &st.archetypes[aid]
		col, ok := arch.column(cid)
		if !ok {
			// The query did not name T, and this archetype happens not to carry it.
			continue
		}
		tcol, ok := col.(*column[T])
		assert.That(ok, "column for %s has the wrong element type", info.Name)

		data := tcol.components
		if len(data) == 0 {
			continue
		}

		processColumn(data, info.Align, fn)
		processed += len(data)

		for _, e := range arch.entities {
			st.recordChange(e, cid, ChangeModified)
		}
		st.invalidateValueCachesFor(aid)
	}
	return processed, nil
}

// processColumn feeds the column to the callback in fixed-size batches when the base
// pointer is aligned for T, and one value at a time otherwise.
func processColumn[T Component](data []T, align uintptr, fn func(batch []T)) {
	aligned := uintptr(unsafe.Pointer(unsafe.SliceData(data)))%align == 0

	i := 0
	if aligned {
		full := len(data) - len(data)%ComponentBatchSize
		for ; i < full; i += ComponentBatchSize {
			fn(data[i : i+ComponentBatchSize : i+ComponentBatchSize])
		}
	}
	for ; i < len(data); i++ {
		fn(data[i : i+1 : i+1])
	}
}
