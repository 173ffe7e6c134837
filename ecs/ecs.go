// Package ecs implements an archetype-based entity component system. Entities are
// generational handles, components are plain Go structs stored in dense per-archetype
// columns, and systems run on a dependency-ordered scheduler. Component types register
// per world; two worlds never share a registry.
package ecs

import (
	"reflect"

	"github.com/lattice-ecs/lattice/internal/assert"
)

// registerComponentType registers T with the world's component registry, returning its
// ID. Repeated registration of the same type is a cheap lookup.
func registerComponentType[T Component](ws *worldState) (ComponentID, error) {
	var zero T
	name := zero.Name()

	ws.rlock()
	cid, err := ws.components.getID(name)
	ws.runlock()
	if err == nil {
		return cid, nil
	}

	ws.lock()
	defer ws.unlock()
	return ws.components.register(name, reflect.TypeOf(zero), newColumnFactory[T]())
}

// Register registers component type T with the world and returns its ID. Registration
// is idempotent; the registry holds at most MaxComponentTypes types and is full after
// that, failing with ErrRegistryFull. Component names must map to exactly one Go type.
func Register[T Component](w *World) (ComponentID, error) {
	return registerComponentType[T](w.state)
}

// Add attaches a component to an entity, registering T on first use. The entity moves
// to the archetype extended by T and keeps its other component values. Fails with
// ErrDuplicateComponent if the entity already has a T; use Set to overwrite.
func Add[T Component](w *World, e Entity, value T) error {
	if _, err := registerComponentType[T](w.state); err != nil {
		return err
	}
	return w.state.addComponent(e, value)
}

// Set overwrites the entity's T value, attaching the component first if it is absent.
func Set[T Component](w *World, e Entity, value T) error {
	if _, err := registerComponentType[T](w.state); err != nil {
		return err
	}
	return w.state.setComponent(e, value)
}

// Get returns the entity's T value. Fails with ErrUnregisteredType if T was never
// registered, ErrInvalidHandle if the handle is stale, and ErrComponentNotFound if the
// entity does not have a T.
func Get[T Component](w *World, e Entity) (T, error) {
	var zero T
	ws := w.state

	ws.rlock()
	defer ws.runlock()

	cid, err := ws.components.getID(zero.Name())
	if err != nil {
		return zero, err
	}
	comp, err := ws.getComponentLocked(e, cid)
	if err != nil {
		return zero, err
	}

	value, ok := comp.(T)
	assert.That(ok, "component %s stored with the wrong type", zero.Name())
	return value, nil
}

// Has reports whether the entity has a T. Stale handles and unregistered types report
// false.
func Has[T Component](w *World, e Entity) bool {
	var zero T
	ws := w.state

	ws.rlock()
	cid, err := ws.components.getID(zero.Name())
	ws.runlock()
	if err != nil {
		return false
	}
	return ws.hasComponent(e, cid)
}

// Remove detaches T from the entity, reporting whether it was present. Removing an
// absent component is not an error. The entity moves to the archetype without T.
func Remove[T Component](w *World, e Entity) (bool, error) {
	var zero T
	ws := w.state

	ws.rlock()
	cid, err := ws.components.getID(zero.Name())
	ws.runlock()
	if err != nil {
		return false, err
	}
	return ws.removeComponent(e, cid)
}
