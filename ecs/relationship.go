package ecs

import (
	"slices"

	"github.com/rotisserie/eris"

	"github.com/lattice-ecs/lattice/internal/assert"
)

// TraversalOrder selects how Walk visits a hierarchy.
type TraversalOrder uint8

const (
	// PreOrder visits a parent before its children.
	PreOrder TraversalOrder = iota
	// PostOrder visits all children before their parent.
	PostOrder
	// BreadthFirst visits the hierarchy level by level.
	BreadthFirst
)

// relationshipManager tracks parent/child links between live entities. Links are kept in
// both directions so parent lookups and child enumeration are O(1). Children keep
// attachment order, which makes traversal deterministic.
type relationshipManager struct {
	parents  map[Entity]Entity
	children map[Entity][]Entity
}

func newRelationshipManager() relationshipManager {
	return relationshipManager{
		parents:  make(map[Entity]Entity),
		children: make(map[Entity][]Entity),
	}
}

// setParent links child under parent. Reparenting is allowed; attaching an entity under
// one of its own descendants is rejected.
func (rm *relationshipManager) setParent(child, parent Entity) error {
	if child == parent {
		return eris.Wrapf(ErrHierarchyCycle, "%s cannot be its own parent", child)
	}

	// Walk up from the new parent. Finding the child means the child is an ancestor of
	// the parent and the link would close a cycle.
	for cur, ok := parent, true; ok; cur, ok = rm.parents[cur] {
		if cur == child {
			return eris.Wrapf(ErrHierarchyCycle, "%s is an ancestor of %s", child, parent)
		}
	}

	rm.removeParent(child)
	rm.parents[child] = parent
	rm.children[parent] = append(rm.children[parent], child)
	return nil
}

// removeParent detaches child from its parent, if any. Returns true if a link existed.
func (rm *relationshipManager) removeParent(child Entity) bool {
	parent, ok := rm.parents[child]
	if !ok {
		return false
	}

	delete(rm.parents, child)

	siblings := rm.children[parent]
	i := slices.Index(siblings, child)
	assert.That(i >= 0, "child missing from its parent's child list")
	siblings = slices.Delete(siblings, i, i+1)
	if len(siblings) == 0 {
		delete(rm.children, parent)
	} else {
		rm.children[parent] = siblings
	}
	return true
}

// parent returns the parent of child, if any.
func (rm *relationshipManager) parent(child Entity) (Entity, bool) {
	p, ok := rm.parents[child]
	return p, ok
}

// childrenOf returns the direct children of parent in attachment order.
func (rm *relationshipManager) childrenOf(parent Entity) []Entity {
	kids := rm.children[parent]
	out := make([]Entity, len(kids))
	copy(out, kids)
	return out
}

// descendants returns every entity below root in breadth-first order, excluding root.
func (rm *relationshipManager) descendants(root Entity) []Entity {
	var out []Entity
	queue := append([]Entity(nil), rm.children[root]...)
	for len(queue) > 0 {
		e := queue[0]
		queue = queue[1:]
		out = append(out, e)
		queue = append(queue, rm.children[e]...)
	}
	return out
}

// isAncestor reports whether ancestor appears on the parent chain of e.
func (rm *relationshipManager) isAncestor(ancestor, e Entity) bool {
	for cur, ok := rm.parents[e]; ok; cur, ok = rm.parents[cur] {
		if cur == ancestor {
			return true
		}
	}
	return false
}

// depth returns the number of links between e and its root. A root has depth 0.
func (rm *relationshipManager) depth(e Entity) int {
	d := 0
	for cur, ok := rm.parents[e]; ok; cur, ok = rm.parents[cur] {
		d++
	}
	return d
}

// root walks the parent chain of e up to its topmost ancestor.
func (rm *relationshipManager) root(e Entity) Entity {
	cur := e
	for {
		p, ok := rm.parents[cur]
		if !ok {
			return cur
		}
		cur = p
	}
}

// reparentChildren moves every child of from under to. Children keep their order.
func (rm *relationshipManager) reparentChildren(from, to Entity) error {
	for _, child := range rm.childrenOf(from) {
		if err := rm.setParent(child, to); err != nil {
			return err
		}
	}
	return nil
}

// detach removes every link touching e: its parent link and the parent links of its
// children. Called when an entity is destroyed; the children become roots.
func (rm *relationshipManager) detach(e Entity) {
	rm.removeParent(e)
	for _, child := range rm.childrenOf(e) {
		rm.removeParent(child)
	}
}

// walk visits root and its descendants in the given order. The visit function can stop
// the walk early by returning false. All traversals are iterative.
func (rm *relationshipManager) walk(root Entity, order TraversalOrder, visit func(Entity) bool) {
	switch order {
	case PreOrder:
		stack := []Entity{root}
		for len(stack) > 0 {
			e := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if !visit(e) {
				return
			}
			// Push children reversed so the first child is visited first.
			kids := rm.children[e]
			for i := len(kids) - 1; i >= 0; i-- {
				stack = append(stack, kids[i])
			}
		}
	case PostOrder:
		// Two-stack post-order: the second stack reverses a children-first pre-order.
		stack := []Entity{root}
		var out []Entity
		for len(stack) > 0 {
			e := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			out = append(out, e)
			stack = append(stack, rm.children[e]...)
		}
		for i := len(out) - 1; i >= 0; i-- {
			if !visit(out[i]) {
				return
			}
		}
	case BreadthFirst:
		queue := []Entity{root}
		for len(queue) > 0 {
			e := queue[0]
			queue = queue[1:]
			if !visit(e) {
				return
			}
			queue = append(queue, rm.children[e]...)
		}
	}
}
