package ecs

import (
	"fmt"
	"reflect"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattice-ecs/lattice/internal/testutils"
)

// -------------------------------------------------------------------------------------------------
// Registration
// -------------------------------------------------------------------------------------------------

func TestComponentManager_Register(t *testing.T) {
	t.Parallel()

	t.Run("assigns dense ids in registration order", func(t *testing.T) {
		t.Parallel()
		cm := newComponentManager()

		pos, err := cm.register("position", reflect.TypeOf(testutils.Position{}), newColumnFactory[testutils.Position]())
		require.NoError(t, err)
		vel, err := cm.register("velocity", reflect.TypeOf(testutils.Velocity{}), newColumnFactory[testutils.Velocity]())
		require.NoError(t, err)
		hp, err := cm.register("health", reflect.TypeOf(testutils.Health{}), newColumnFactory[testutils.Health]())
		require.NoError(t, err)

		assert.Equal(t, ComponentID(0), pos)
		assert.Equal(t, ComponentID(1), vel)
		assert.Equal(t, ComponentID(2), hp)
	})

	t.Run("re-registering the same type is a no-op", func(t *testing.T) {
		t.Parallel()
		cm := newComponentManager()

		first, err := cm.register("position", reflect.TypeOf(testutils.Position{}), newColumnFactory[testutils.Position]())
		require.NoError(t, err)
		second, err := cm.register("position", reflect.TypeOf(testutils.Position{}), newColumnFactory[testutils.Position]())
		require.NoError(t, err)

		assert.Equal(t, first, second)
		assert.Len(t, cm.list(), 1)
	})

	t.Run("rejects a name claimed by a different type", func(t *testing.T) {
		t.Parallel()
		cm := newComponentManager()

		_, err := cm.register("position", reflect.TypeOf(testutils.Position{}), newColumnFactory[testutils.Position]())
		require.NoError(t, err)

		_, err = cm.register("position", reflect.TypeOf(testutils.Velocity{}), newColumnFactory[testutils.Velocity]())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already registered to type")
	})

	t.Run("rejects the empty name", func(t *testing.T) {
		t.Parallel()
		cm := newComponentManager()

		_, err := cm.register("", reflect.TypeOf(testutils.Position{}), newColumnFactory[testutils.Position]())
		require.Error(t, err)
	})

	t.Run("distinct names may share a type", func(t *testing.T) {
		t.Parallel()
		cm := newComponentManager()

		a, err := cm.register("hitbox", reflect.TypeOf(testutils.Position{}), newColumnFactory[testutils.Position]())
		require.NoError(t, err)
		b, err := cm.register("anchor", reflect.TypeOf(testutils.Position{}), newColumnFactory[testutils.Position]())
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})
}

func TestComponentManager_RegistryFull(t *testing.T) {
	t.Parallel()
	cm := newComponentManager()

	typ := reflect.TypeOf(testutils.Position{})
	factory := newColumnFactory[testutils.Position]()
	for i := range MaxComponentTypes {
		cid, err := cm.register(fmt.Sprintf("component_%d", i), typ, factory)
		require.NoError(t, err)
		require.Equal(t, ComponentID(i), cid)
	}

	_, err := cm.register("one_too_many", typ, factory)
	assert.True(t, eris.Is(err, ErrRegistryFull), "register past the limit: %v", err)
	assert.Contains(t, err.Error(), fmt.Sprintf("limit %d", MaxComponentTypes))

	// Already-registered names still resolve after the registry fills up.
	cid, err := cm.register("component_0", typ, factory)
	require.NoError(t, err)
	assert.Equal(t, ComponentID(0), cid)
}

// -------------------------------------------------------------------------------------------------
// Lookup
// -------------------------------------------------------------------------------------------------

func TestComponentManager_Lookup(t *testing.T) {
	t.Parallel()
	cm := newComponentManager()

	pos, err := cm.register("position", reflect.TypeOf(testutils.Position{}), newColumnFactory[testutils.Position]())
	require.NoError(t, err)
	vel, err := cm.register("velocity", reflect.TypeOf(testutils.Velocity{}), newColumnFactory[testutils.Velocity]())
	require.NoError(t, err)

	t.Run("getID resolves registered names", func(t *testing.T) {
		t.Parallel()
		cid, err := cm.getID("velocity")
		require.NoError(t, err)
		assert.Equal(t, vel, cid)
	})

	t.Run("getID rejects unknown names", func(t *testing.T) {
		t.Parallel()
		_, err := cm.getID("mana")
		assert.True(t, eris.Is(err, ErrUnregisteredType), "unknown name: %v", err)
	})

	t.Run("info describes the registered type", func(t *testing.T) {
		t.Parallel()
		info, err := cm.info(pos)
		require.NoError(t, err)

		typ := reflect.TypeOf(testutils.Position{})
		assert.Equal(t, "position", info.Name)
		assert.Equal(t, typ, info.Type)
		assert.Equal(t, typ.Size(), info.Size)
		assert.Equal(t, uintptr(typ.Align()), info.Align)
		assert.True(t, info.Plain)
	})

	t.Run("info rejects ids that were never assigned", func(t *testing.T) {
		t.Parallel()
		_, err := cm.info(ComponentID(99))
		assert.True(t, eris.Is(err, ErrUnregisteredType))
	})

	t.Run("list returns a copy in id order", func(t *testing.T) {
		t.Parallel()
		infos := cm.list()
		require.Len(t, infos, 2)
		assert.Equal(t, "position", infos[0].Name)
		assert.Equal(t, "velocity", infos[1].Name)

		infos[0].Name = "mutated"
		fresh, err := cm.info(pos)
		require.NoError(t, err)
		assert.Equal(t, "position", fresh.Name)
	})
}

// -------------------------------------------------------------------------------------------------
// Schema reflection
// -------------------------------------------------------------------------------------------------

func TestComponentManager_SchemaReflection(t *testing.T) {
	t.Parallel()
	cm := newComponentManager()

	cid, err := cm.register("health", reflect.TypeOf(testutils.Health{}), newColumnFactory[testutils.Health]())
	require.NoError(t, err)

	info, err := cm.info(cid)
	require.NoError(t, err)
	require.NotEmpty(t, info.Schema)
	assert.True(t, json.Valid(info.Schema), "schema is not valid json: %s", info.Schema)

	// The same Go type always reflects to the same document, which is what archive
	// compatibility checks rely on.
	again, err := reflectSchema(reflect.TypeOf(testutils.Health{}))
	require.NoError(t, err)
	assert.Equal(t, info.Schema, again)
}

// -------------------------------------------------------------------------------------------------
// Plain type detection
// -------------------------------------------------------------------------------------------------
// Plain types hold no references, which makes their columns safe to hand out as raw
// slices during batch iteration.
// -------------------------------------------------------------------------------------------------

func TestIsPlainType(t *testing.T) {
	t.Parallel()

	type nested struct {
		Flags [4]uint8
		Score float32
	}
	type holder struct {
		Inner nested
		Count int64
	}
	type labeled struct {
		Name string
	}
	type linked struct {
		Next *int
	}

	tests := []struct {
		name  string
		value any
		plain bool
	}{
		{name: "float struct", value: testutils.Position{}, plain: true},
		{name: "int struct", value: testutils.Health{}, plain: true},
		{name: "empty struct", value: testutils.Frozen{}, plain: true},
		{name: "string field", value: testutils.Tag{}, plain: false},
		{name: "scalar int", value: int(0), plain: true},
		{name: "scalar complex", value: complex128(0), plain: true},
		{name: "bare string", value: "", plain: false},
		{name: "array of scalars", value: [8]float64{}, plain: true},
		{name: "array of strings", value: [2]string{}, plain: false},
		{name: "slice", value: []int{}, plain: false},
		{name: "map", value: map[string]int{}, plain: false},
		{name: "pointer field", value: linked{}, plain: false},
		{name: "nested plain struct", value: holder{}, plain: true},
		{name: "nested string struct", value: struct{ L labeled }{}, plain: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.plain, isPlainType(reflect.TypeOf(tt.value)))
		})
	}
}
