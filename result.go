package dsa

import (
	"fmt"

	"golang.org/x/tools/go/ssa"
)

// Pointer is the result of a points-to query for a value.
type Pointer struct {
	h Handle
}

// Pointer returns what v may point to. v must have a pointer-like type. Values
// that are absent from the graph (e.g. because they are always nil) point
// nowhere.
func (ds *DataStructures) Pointer(v ssa.Value) Pointer {
	if !PointerLike(v.Type()) {
		panic(fmt.Errorf("The type of %v is not pointer-like", v))
	}

	g := ds.graphOf(v)
	if g == nil {
		return Pointer{}
	}
	h, _ := g.Handle(v)
	return Pointer{h}
}

func (p Pointer) Handle() Handle { return p.h }
func (p Pointer) Node() *DSNode  { return p.h.Node() }

// PointsTo returns the labels of the objects in the pointee node, in a
// deterministic order. All labels share the offset of the pointer.
func (p Pointer) PointsTo() []Label {
	n, off := p.h.Resolve()
	if n == nil {
		return nil
	}

	var res []Label
	seen := make(map[ssa.Value]bool)
	for _, site := range n.Sites() {
		seen[site] = true
		res = append(res, Label{site, off})
	}
	for _, fn := range n.Functions() {
		if !seen[fn] {
			res = append(res, Label{fn, off})
		}
	}
	return res
}

// MayAlias reports whether p and o may point to the same memory.
func (p Pointer) MayAlias(o Pointer) bool {
	n1, o1 := p.h.Resolve()
	n2, o2 := o.h.Resolve()
	if n1 == nil || n2 == nil {
		return false
	}

	if n1 == n2 {
		return o1 == o2 || n1.IsCollapsed()
	}
	// Unknown nodes stand for memory the analysis cannot see.
	return n1.Has(UnknownNode) && n2.Has(UnknownNode)
}
