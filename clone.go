package dsa

import (
	"go/types"

	"github.com/BarrensZeppelin/dsa/internal/maps"
	"github.com/BarrensZeppelin/dsa/internal/queue"
	"golang.org/x/tools/go/ssa"
)

// cloner copies nodes of one graph into another. Every source representative
// is copied at most once. The edges of a copied node are filled in by drain,
// and the destination is not modified in any other way until then, so that
// merges in the destination never observe half-copied nodes.
type cloner struct {
	dst     *Graph
	nodes   map[*DSNode]*DSNode
	pending queue.Queue[*DSNode]
}

func newCloner(dst *Graph) *cloner {
	return &cloner{dst: dst, nodes: make(map[*DSNode]*DSNode)}
}

func (c *cloner) handle(h Handle) Handle {
	root, off := h.Resolve()
	if root == nil {
		return Handle{}
	}
	return Handle{node: c.node(root), offset: off}
}

func (c *cloner) node(src *DSNode) *DSNode {
	if n, found := c.nodes[src]; found {
		return n
	}

	n := c.dst.newNode(src.flags)
	n.size = src.size
	for off, l := range src.leaves {
		n.leaves[off] = l
	}
	for v := range src.globals {
		n.addMember(v)
	}
	for v := range src.sites {
		n.addSite(v)
	}
	if src.dynTypes != nil {
		src.dynTypes.Iterate(func(t types.Type, _ any) {
			n.addDynType(t)
		})
	}

	c.nodes[src] = n
	c.pending.Push(src)
	return n
}

func (c *cloner) drain() {
	for !c.pending.Empty() {
		src := c.pending.Pop()
		n := c.nodes[src]
		for off, e := range src.edges {
			n.edges[off] = c.handle(e)
		}
	}
}

func (c *cloner) callSite(cs *CallSite) *CallSite {
	res := *cs
	res.CalleeHandle = c.handle(cs.CalleeHandle)
	res.Ret = c.handle(cs.Ret)
	res.Args = make([]Handle, len(cs.Args))
	for i, h := range cs.Args {
		res.Args[i] = c.handle(h)
	}
	return &res
}

// cloneInto copies the scalar entries of src selected by keep, and the panic
// handle, into dst. Entries that already exist in dst are unified with the
// copies. When all is set, return, vararg and context handles and the call
// sites of src are copied as well. It returns the number of merges performed
// in dst.
func cloneInto(dst, src *Graph, keep func(ssa.Value) bool, all bool) int {
	c := newCloner(dst)

	type entry struct {
		v ssa.Value
		h Handle
	}
	var entries []entry
	for _, v := range src.Values() {
		if keep == nil || keep(v) {
			entries = append(entries, entry{v, c.handle(src.scalars[v])})
		}
	}

	panics := c.handle(src.panics)

	type fnEntry struct {
		m  map[*ssa.Function]Handle
		fn *ssa.Function
		h  Handle
	}
	var fnEntries []fnEntry
	var calls []*CallSite
	if all {
		for _, p := range [...][2]map[*ssa.Function]Handle{
			{dst.returns, src.returns},
			{dst.varargs, src.varargs},
			{dst.contexts, src.contexts},
		} {
			for _, fn := range maps.SortedKeys(p[1], functionLess) {
				fnEntries = append(fnEntries, fnEntry{p[0], fn, c.handle(p[1][fn])})
			}
		}

		for _, cs := range src.calls {
			calls = append(calls, c.callSite(cs))
		}
	}

	c.drain()

	merges := 0
	for _, e := range entries {
		if old, found := dst.scalars[e.v]; found {
			merges += merge(old, e.h)
		} else if !e.h.IsNil() {
			dst.scalars[e.v] = e.h
		}
	}

	if !panics.IsNil() {
		merges += merge(dst.panicHandle(), panics)
	}

	for _, e := range fnEntries {
		if old, found := e.m[e.fn]; found {
			merges += merge(old, e.h)
		} else {
			e.m[e.fn] = e.h
		}
	}
	dst.calls = append(dst.calls, calls...)

	return merges
}

// isGlobal selects the scalar entries that belong in the globals graph.
func isGlobal(v ssa.Value) bool {
	switch v.(type) {
	case *ssa.Global, *ssa.Function:
		return true
	default:
		return false
	}
}
