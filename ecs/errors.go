package ecs

import "github.com/rotisserie/eris"

var (
	// ErrInvalidHandle is returned when an entity handle refers to an entity that was never
	// created, has been destroyed, or belongs to a previous occupant of a recycled slot.
	ErrInvalidHandle = eris.New("entity handle is invalid or stale")

	// ErrComponentNotFound is returned when reading or removing a component the entity
	// does not have.
	ErrComponentNotFound = eris.New("entity does not have the component")

	// ErrDuplicateComponent is returned when adding a component type the entity already has.
	ErrDuplicateComponent = eris.New("entity already has the component")

	// ErrUnregisteredType is returned when an operation references a component type that was
	// never registered with the world.
	ErrUnregisteredType = eris.New("component type is not registered")

	// ErrRegistryFull is returned when registering a component type beyond MaxComponentTypes.
	ErrRegistryFull = eris.New("component registry is full")

	// ErrEntityCapacityExceeded is returned when creating an entity beyond the configured
	// maximum number of live entities.
	ErrEntityCapacityExceeded = eris.New("max number of entities exceeded")

	// ErrGenerationOverflow is returned when an operation would force the reuse of an entity
	// slot whose generation counter has been exhausted.
	ErrGenerationOverflow = eris.New("entity slot generation is exhausted")

	// ErrHierarchyCycle is returned when a reparenting operation would make an entity its
	// own ancestor.
	ErrHierarchyCycle = eris.New("operation would create a hierarchy cycle")

	// ErrDependencyCycle is returned when system dependencies form a cycle. The wrapped
	// message enumerates the systems on the cycle.
	ErrDependencyCycle = eris.New("system dependency cycle detected")

	// ErrConflictingAccess is returned when two unordered systems declare overlapping write
	// access and are asked to run in parallel.
	ErrConflictingAccess = eris.New("unordered systems have conflicting component access")

	// ErrFormatMismatch is returned when serialized data cannot be interpreted under the
	// expected archive format or component schema.
	ErrFormatMismatch = eris.New("serialized data does not match the expected format")

	// ErrNoMatch is returned by query operations that require at least one matching entity.
	ErrNoMatch = eris.New("no entity matches the query")
)
