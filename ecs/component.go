package ecs

import (
	"reflect"

	"github.com/invopop/jsonschema"
	"github.com/rotisserie/eris"

	"github.com/lattice-ecs/lattice/internal/assert"
)

// Component is the interface that all components must implement.
// Components are pure data containers that can be attached to entities.
type Component interface {
	// Name returns a unique string identifier for the component type.
	// This should be consistent across program executions.
	Name() string
}

// ComponentID is a dense identifier for a registered component type, assigned from 0 in
// registration order. IDs are local to the world that registered the type.
type ComponentID uint16

// MaxComponentTypes is the maximum number of component types a world can register.
const MaxComponentTypes = 256

// ComponentInfo describes a registered component type.
type ComponentInfo struct {
	ID     ComponentID
	Name   string
	Type   reflect.Type
	Size   uintptr
	Align  uintptr
	Plain  bool   // True when the type holds no references and can be batch-iterated
	Schema []byte // JSON schema reflected from the type at registration
}

// componentManager manages component type registration and lookup. It is owned by a
// world state; there is no process-wide registry.
type componentManager struct {
	nextID    ComponentID
	catalog   map[string]ComponentID // Component name -> component ID
	infos     []ComponentInfo        // Component ID -> info
	factories []columnFactory        // Component ID -> column factory
}

// newComponentManager creates a new component manager.
func newComponentManager() componentManager {
	return componentManager{
		nextID:    0,
		catalog:   make(map[string]ComponentID),
		infos:     make([]ComponentInfo, 0),
		factories: make([]columnFactory, 0),
	}
}

// register registers a new component type and returns its ID.
// If the component is already registered, no-op.
func (cm *componentManager) register(name string, typ reflect.Type, factory columnFactory) (ComponentID, error) {
	if name == "" {
		return 0, eris.New("component name cannot be empty")
	}

	// If component already exists, no-op. Re-registering a name with a different
	// type is rejected: columns are typed by the first registration.
	if cid, exists := cm.catalog[name]; exists {
		if cm.infos[cid].Type != typ {
			return 0, eris.Errorf("component name %s is already registered to type %s", name, cm.infos[cid].Type)
		}
		return cid, nil
	}

	if int(cm.nextID) >= MaxComponentTypes {
		return 0, eris.Wrapf(ErrRegistryFull, "limit %d", MaxComponentTypes)
	}

	schema, err := reflectSchema(typ)
	if err != nil {
		return 0, eris.Wrapf(err, "failed to reflect schema for component %s", name)
	}

	cid := cm.nextID
	cm.catalog[name] = cid
	cm.infos = append(cm.infos, ComponentInfo{
		ID:     cid,
		Name:   name,
		Type:   typ,
		Size:   typ.Size(),
		Align:  uintptr(typ.Align()),
		Plain:  isPlainType(typ),
		Schema: schema,
	})
	cm.factories = append(cm.factories, factory)
	cm.nextID++
	assert.That(int(cm.nextID) == len(cm.factories), "component id doesn't match number of components")

	return cid, nil
}

// getID returns a component's ID given a name.
func (cm *componentManager) getID(name string) (ComponentID, error) {
	id, exists := cm.catalog[name]
	if !exists {
		return 0, eris.Wrapf(ErrUnregisteredType, "component %s", name)
	}
	return id, nil
}

// info returns the ComponentInfo for a registered ID.
func (cm *componentManager) info(cid ComponentID) (ComponentInfo, error) {
	if int(cid) >= len(cm.infos) {
		return ComponentInfo{}, eris.Wrapf(ErrUnregisteredType, "component id %d", cid)
	}
	return cm.infos[cid], nil
}

// list returns all registered component infos in ID order.
func (cm *componentManager) list() []ComponentInfo {
	out := make([]ComponentInfo, len(cm.infos))
	copy(out, cm.infos)
	return out
}

// createArchetype builds an archetype whose columns match the mask, in ascending
// component ID order.
func (cm *componentManager) createArchetype(aid archetypeID, mask componentMask) archetype {
	columns := make([]abstractColumn, 0, mask.Count())
	mask.Range(func(x uint32) {
		assert.That(int(x) < len(cm.factories), "archetype mask references unregistered component %d", x)
		columns = append(columns, cm.factories[x]())
	})
	return newArchetype(aid, mask, columns)
}

// reflectSchema builds the JSON schema document for a component type.
func reflectSchema(typ reflect.Type) ([]byte, error) {
	reflector := jsonschema.Reflector{}
	schema := reflector.ReflectFromType(typ)
	data, err := schema.MarshalJSON()
	if err != nil {
		return nil, eris.Wrap(err, "component must be json serializable")
	}
	return data, nil
}

// isPlainType reports whether a type contains no references, which makes its column
// safe to hand out as raw batches.
func isPlainType(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return true
	case reflect.Array:
		return isPlainType(t.Elem())
	case reflect.Struct:
		for i := range t.NumField() {
			if !isPlainType(t.Field(i).Type) {
				return false
			}
		}
		return true
	default:
		return false
	}
}
