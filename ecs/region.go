package ecs

import (
	"fmt"
	"sort"
)

// RegionKey packs integer region coordinates into a single map key. Each axis keeps 21
// bits, which covers the coordinate range [-2^20, 2^20).
type RegionKey uint64

const regionAxisBits = 21
const regionAxisMask = (1 << regionAxisBits) - 1

// PackRegionKey builds the key for the region at the given grid coordinates.
func PackRegionKey(x, y, z int32) RegionKey {
	return RegionKey(uint64(uint32(x))&regionAxisMask |
		(uint64(uint32(y))&regionAxisMask)<<regionAxisBits |
		(uint64(uint32(z))&regionAxisMask)<<(2*regionAxisBits))
}

func (k RegionKey) String() string {
	return fmt.Sprintf("region(%#x)", uint64(k))
}

// Region is a coarse spatial bucket entities can be assigned to. Regions are explicit:
// the engine never derives them from component payloads.
type Region struct {
	Key     RegionKey
	X, Y, Z int32
	active  bool
	members map[uint32]Entity // Entity ID -> handle
}

// Active reports whether the region is flagged active.
func (r *Region) Active() bool { return r.active }

// Len returns the number of entities assigned to the region.
func (r *Region) Len() int { return len(r.members) }

// Entities returns the entities assigned to the region in ID order.
func (r *Region) Entities() []Entity {
	out := make([]Entity, 0, len(r.members))
	for _, e := range r.members {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// regionManager owns the region grid and the entity -> region assignment. An entity is
// in at most one region at a time.
type regionManager struct {
	regions      map[RegionKey]*Region
	entityRegion map[uint32]RegionKey // Entity ID -> region key
}

func newRegionManager() regionManager {
	return regionManager{
		regions:      make(map[RegionKey]*Region),
		entityRegion: make(map[uint32]RegionKey),
	}
}

// findOrCreate returns the region at the given coordinates, creating it on first use.
// New regions start active.
func (rm *regionManager) findOrCreate(x, y, z int32) *Region {
	key := PackRegionKey(x, y, z)
	if r, ok := rm.regions[key]; ok {
		return r
	}
	r := &Region{
		Key:     key,
		X:       x,
		Y:       y,
		Z:       z,
		active:  true,
		members: make(map[uint32]Entity),
	}
	rm.regions[key] = r
	return r
}

// at returns the region at the given coordinates, if it exists.
func (rm *regionManager) at(x, y, z int32) (*Region, bool) {
	r, ok := rm.regions[PackRegionKey(x, y, z)]
	return r, ok
}

// assign puts the entity in the region at the given coordinates, moving it out of its
// previous region if it had one.
func (rm *regionManager) assign(e Entity, x, y, z int32) *Region {
	rm.clear(e)
	r := rm.findOrCreate(x, y, z)
	r.members[e.ID()] = e
	rm.entityRegion[e.ID()] = r.Key
	return r
}

// clear detaches the entity from its region, if any. Returns true if it was assigned.
func (rm *regionManager) clear(e Entity) bool {
	key, ok := rm.entityRegion[e.ID()]
	if !ok {
		return false
	}
	delete(rm.entityRegion, e.ID())
	if r, ok := rm.regions[key]; ok {
		delete(r.members, e.ID())
	}
	return true
}

// regionOf returns the key of the region the entity is assigned to.
func (rm *regionManager) regionOf(e Entity) (RegionKey, bool) {
	key, ok := rm.entityRegion[e.ID()]
	return key, ok
}

// active returns all regions flagged active, in key order.
func (rm *regionManager) active() []*Region {
	out := make([]*Region, 0)
	for _, r := range rm.regions {
		if r.active {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// setActive flags the region at the given coordinates. Returns false if the region does
// not exist.
func (rm *regionManager) setActive(x, y, z int32, active bool) bool {
	r, ok := rm.regions[PackRegionKey(x, y, z)]
	if !ok {
		return false
	}
	r.active = active
	return true
}
