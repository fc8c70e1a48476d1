package dsa

import (
	"go/types"

	"github.com/BarrensZeppelin/dsa/internal/maps"
	"github.com/BarrensZeppelin/dsa/internal/queue"
	"golang.org/x/tools/go/ssa"
)

// Graph is a points-to graph. A graph built for a single function
// is a local graph; the globals graph and the graph computed by the
// Steensgaard analysis are not associated with any function and may hold
// return and vararg handles for many functions.
type Graph struct {
	fn     *ssa.Function
	layout *layout

	nodes   []*DSNode
	scalars map[ssa.Value]Handle

	returns  map[*ssa.Function]Handle
	varargs  map[*ssa.Function]Handle
	contexts map[*ssa.Function]Handle

	// Values passed to panic and returned by recover
	panics Handle

	calls []*CallSite

	globals *Graph
}

func newGraph(fn *ssa.Function, l *layout) *Graph {
	return &Graph{
		fn:       fn,
		layout:   l,
		scalars:  make(map[ssa.Value]Handle),
		returns:  make(map[*ssa.Function]Handle),
		varargs:  make(map[*ssa.Function]Handle),
		contexts: make(map[*ssa.Function]Handle),
	}
}

// Function returns the function the graph was built for, or nil.
func (g *Graph) Function() *ssa.Function { return g.fn }

// GlobalsGraph returns the graph holding the global variables of the program.
func (g *Graph) GlobalsGraph() *Graph { return g.globals }

// Nodes returns the representative nodes of the graph in creation order.
func (g *Graph) Nodes() []*DSNode {
	var res []*DSNode
	for _, n := range g.nodes {
		if n.parent == nil {
			res = append(res, n)
		}
	}
	return res
}

// NumNodes returns the number of representative nodes in the graph.
func (g *Graph) NumNodes() int {
	cnt := 0
	for _, n := range g.nodes {
		if n.parent == nil {
			cnt++
		}
	}
	return cnt
}

// Handle returns the entry of v in the scalar map.
func (g *Graph) Handle(v ssa.Value) (Handle, bool) {
	h, found := g.scalars[v]
	return h, found
}

// Values returns the values in the scalar map.
func (g *Graph) Values() []ssa.Value {
	return maps.SortedKeys(g.scalars, valueLess)
}

func (g *Graph) ReturnHandle(fn *ssa.Function) Handle { return g.returns[fn] }
func (g *Graph) VarArgHandle(fn *ssa.Function) Handle { return g.varargs[fn] }

// CallSites returns the call sites recorded in the graph.
func (g *Graph) CallSites() []*CallSite { return g.calls }

func (g *Graph) newNode(flags NodeFlags) *DSNode {
	n := newNode(len(g.nodes), flags)
	g.nodes = append(g.nodes, n)
	return n
}

func (g *Graph) newHandle(flags NodeFlags) Handle {
	return Handle{node: g.newNode(flags)}
}

// bind associates v with h, unifying h with any handle v already had.
func (g *Graph) bind(v ssa.Value, h Handle) {
	if h.node == nil {
		return
	}

	if old, found := g.scalars[v]; found {
		merge(old, h)
	} else {
		g.scalars[v] = h
	}
}

// link returns the target of the outgoing edge at the position designated by
// h. A fresh node is created if there is no such edge.
func (g *Graph) link(h Handle) Handle {
	if h.node == nil {
		return Handle{}
	}

	root, off := h.Resolve()
	if e, found := root.edges[off]; found {
		return e
	}

	e := g.newHandle(0)
	root.edges[off] = e
	return e
}

// record remembers that a value of type t lives at the position designated by
// h, collapsing the node if that contradicts earlier records.
func (g *Graph) record(h Handle, t types.Type) {
	root, off := h.Resolve()
	if root == nil || root.flags&CollapsedNode != 0 {
		return
	}

	conflict := false
	g.layout.leaves(t, off, func(o int64, lt types.Type) {
		if !root.addLeaf(o, leaf{lt, g.layout.sizeof(lt)}) {
			conflict = true
		}
	})

	if conflict {
		collapseNode(h)
	}
}

// returnHandle returns the handle for the results of fn, creating it when fn
// returns something that can hold pointers.
func (g *Graph) returnHandle(fn *ssa.Function) Handle {
	if h, found := g.returns[fn]; found {
		return h
	}

	res := fn.Signature.Results()
	switch {
	case res.Len() == 0:
		return Handle{}
	case res.Len() == 1 && !hasHandle(res.At(0).Type()):
		return Handle{}
	}

	h := g.newHandle(0)
	g.returns[fn] = h
	return h
}

// contextHandle returns the handle for the closure object that holds the
// free variables of fn.
func (g *Graph) contextHandle(fn *ssa.Function) Handle {
	if len(fn.FreeVars) == 0 {
		return Handle{}
	}
	if h, found := g.contexts[fn]; found {
		return h
	}

	h := g.newHandle(0)
	g.contexts[fn] = h
	return h
}

func (g *Graph) panicHandle() Handle {
	if g.panics.node == nil {
		g.panics = g.newHandle(0)
	}
	return g.panics
}

// formals returns the handles a call to fn binds its operands to: the
// parameters (with the receiver first for methods), the result, and the
// closure context.
func (g *Graph) formals(fn *ssa.Function) (params []Handle, ret, ctx Handle) {
	params = make([]Handle, len(fn.Params))
	for i, p := range fn.Params {
		params[i] = g.scalars[p]
	}
	return params, g.returns[fn], g.contexts[fn]
}

// reachable returns the representatives reachable from the given handles.
func reachable(roots []Handle) map[*DSNode]bool {
	seen := make(map[*DSNode]bool)
	var wl queue.Worklist[*DSNode]
	for _, h := range roots {
		if n := h.Node(); n != nil && !seen[n] {
			seen[n] = true
			wl.Push(n)
		}
	}

	for !wl.Empty() {
		n := wl.Pop()
		for _, e := range n.edges {
			if m := e.Node(); !seen[m] {
				seen[m] = true
				wl.Push(m)
			}
		}
	}
	return seen
}

// markIncomplete flags every node reachable from the given handles as
// incomplete.
func markIncomplete(roots []Handle) {
	for n := range reachable(roots) {
		n.flags |= IncompleteNode
	}
}

// externalRoots returns the handles through which code outside of g may
// access the nodes of g.
func (g *Graph) externalRoots() []Handle {
	var roots []Handle
	for v, h := range g.scalars {
		switch v.(type) {
		case *ssa.Global, *ssa.Parameter, *ssa.FreeVar:
			roots = append(roots, h)
		}
	}
	for _, h := range g.returns {
		roots = append(roots, h)
	}
	for _, h := range g.contexts {
		roots = append(roots, h)
	}
	for _, n := range g.nodes {
		if n.parent == nil && n.flags&UnknownNode != 0 {
			roots = append(roots, Handle{node: n})
		}
	}
	return append(roots, g.panics)
}

// unknownRoots returns the representatives that are flagged unknown.
func (g *Graph) unknownRoots() []*DSNode {
	var res []*DSNode
	for _, n := range g.nodes {
		if n.parent == nil && n.flags&UnknownNode != 0 {
			res = append(res, n)
		}
	}
	return res
}

// refersTo reports whether anything in g other than the scalar entry of skip
// refers to n.
func (g *Graph) refersTo(n *DSNode, skip ssa.Value) bool {
	hits := func(h Handle) bool { return h.Node() == n }

	for v, h := range g.scalars {
		if v != skip && hits(h) {
			return true
		}
	}
	for _, m := range []map[*ssa.Function]Handle{g.returns, g.varargs, g.contexts} {
		for _, h := range m {
			if hits(h) {
				return true
			}
		}
	}
	if hits(g.panics) {
		return true
	}
	for _, cs := range g.calls {
		if hits(cs.Ret) || hits(cs.CalleeHandle) {
			return true
		}
		for _, a := range cs.Args {
			if hits(a) {
				return true
			}
		}
	}
	for _, m := range g.nodes {
		if m.parent != nil {
			continue
		}
		for _, h := range m.edges {
			if hits(h) {
				return true
			}
		}
	}
	return false
}
