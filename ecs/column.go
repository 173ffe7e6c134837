package ecs

import (
	"github.com/rotisserie/eris"

	"github.com/lattice-ecs/lattice/codec"
	"github.com/lattice-ecs/lattice/internal/assert"
)

// columnFactory is a function that creates a new abstractColumn instance.
type columnFactory func() abstractColumn

// abstractColumn is an internal interface for generic column operations.
type abstractColumn interface {
	len() int
	name() string
	extend()

	setAbstract(row int, component Component)
	getAbstract(row int) Component
	remove(row int)

	marshalRow(row int, f codec.Format) ([]byte, error)
	decodeValue(data []byte, f codec.Format) (Component, error)
}

var _ abstractColumn = &column[Component]{}

// column stores the component data of entities in an archetype. The length of the
// components slice must match the length of the entities slice in the archetype.
type column[T Component] struct {
	compName   string // The name of the component stored in this column
	components []T    // Array containing the component data
}

// newColumn creates a new column with the specified type.
func newColumn[T Component]() column[T] {
	var zero T
	const initialCapacity = 16
	return column[T]{
		compName:   zero.Name(),
		components: make([]T, 0, initialCapacity),
	}
}

// newColumnFactory returns a function that constructs a new column of type T.
func newColumnFactory[T Component]() columnFactory {
	return func() abstractColumn {
		col := newColumn[T]()
		return &col
	}
}

// len returns the length of the components slice.
func (c *column[T]) len() int {
	return len(c.components)
}

// name returns the name of the component type.
func (c *column[T]) name() string {
	return c.compName
}

// extend adds a new row to the components slice initialized with the zero value.
func (c *column[T]) extend() {
	// Double the capacity when the capacity is reached.
	if len(c.components) == cap(c.components) {
		newCap := max(cap(c.components)*2, 1)
		newComponents := make([]T, len(c.components), newCap)
		copy(newComponents, c.components)
		c.components = newComponents
	}

	var zero T
	c.components = append(c.components, zero)
}

// set sets the component in a given row. A row corresponds to a single entity. Whenever
// possible prefer this method over setAbstract since it avoids the type assertion and
// the boxing allocation.
func (c *column[T]) set(row int, component T) {
	assert.That(row < len(c.components), "column isn't extended when entity is created")
	c.components[row] = component
}

// setAbstract sets the component in a given row. Use this method only when the concrete
// type of the component isn't known.
func (c *column[T]) setAbstract(row int, component Component) {
	concrete, ok := component.(T)
	assert.That(ok, "tried to set the wrong component type")
	c.set(row, concrete)
}

// get gets the value from a given row. Expects the caller to make sure the row is inside
// the column.
func (c *column[T]) get(row int) T {
	assert.That(row < len(c.components), "component doesn't exist")
	return c.components[row]
}

// getAbstract gets the value from a given row. Use this method only when the concrete
// type of the component isn't known.
func (c *column[T]) getAbstract(row int) Component {
	return c.get(row)
}

// remove removes a given row. A remove swaps the last value in the slice with the row to
// remove. Expects the caller to make sure the row is inside the column.
func (c *column[T]) remove(row int) {
	assert.That(row < len(c.components), "tried to remove component that doesn't exist")

	lastIndex := len(c.components) - 1

	// Swap the component to remove with the last component in the array, then truncate.
	c.components[row] = c.components[lastIndex]
	c.components = c.components[:lastIndex]
}

// marshalRow encodes the component value of a single row in the given archive format.
func (c *column[T]) marshalRow(row int, f codec.Format) ([]byte, error) {
	data, err := codec.Encode(c.get(row), f)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to encode component %s", c.compName)
	}
	return data, nil
}

// decodeValue decodes an encoded payload into a standalone component value without
// touching the column's rows.
func (c *column[T]) decodeValue(data []byte, f codec.Format) (Component, error) {
	var component T
	if err := codec.Decode(data, &component, f); err != nil {
		return nil, eris.Wrapf(err, "failed to decode component %s", c.compName)
	}
	return component, nil
}
