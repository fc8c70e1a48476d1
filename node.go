package dsa

import (
	"fmt"
	"go/types"
	"strings"

	"github.com/BarrensZeppelin/dsa/internal/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/types/typeutil"
)

// NodeFlags describe the kind of memory a node stands for and what the
// analysis knows about it.
type NodeFlags uint16

const (
	// GlobalNode contains global variables or functions.
	GlobalNode NodeFlags = 1 << iota
	// HeapNode contains heap allocated objects.
	HeapNode
	// StackNode contains stack allocated objects.
	StackNode
	// UnknownNode escaped to, or was produced by, code the analysis cannot see.
	UnknownNode
	// IncompleteNode may be aliased by values that have not been seen yet.
	IncompleteNode
	// CollapsedNode lost its field structure due to conflicting accesses.
	CollapsedNode
	// ReadNode is loaded from.
	ReadNode
	// ModifiedNode is stored to.
	ModifiedNode
	// PtrToIntNode had its address converted to an integer.
	PtrToIntNode
	// IntToPtrNode was produced from an integer.
	IntToPtrNode
	// ExternalNode is passed to or returned from a function without a body.
	ExternalNode
)

var flagNames = [...]string{
	"G", "H", "S", "U", "I", "C", "R", "M", "P2I", "I2P", "E",
}

func (f NodeFlags) String() string {
	var parts []string
	for i, name := range flagNames {
		if f&(1<<i) != 0 {
			parts = append(parts, name)
		}
	}
	return strings.Join(parts, "")
}

type leaf struct {
	t    types.Type
	size int64
}

// DSNode is a node of a points-to graph. It represents one or more abstract
// memory objects. Nodes form a union-find forest: once a node has been merged
// into another, only the representative carries information, and every
// exported method transparently redirects to it.
type DSNode struct {
	id int

	// Union-find parent. Offset x in this node corresponds to offset
	// x+delta in the parent.
	parent *DSNode
	delta  int64

	size   int64
	flags  NodeFlags
	leaves map[int64]leaf
	edges  map[int64]Handle

	// Global variables and functions in the node
	globals map[ssa.Value]bool
	// Allocation sites of the objects in the node
	sites map[ssa.Value]bool
	// Types that have been boxed into interfaces pointing at the node
	dynTypes *typeutil.Map
}

func newNode(id int, flags NodeFlags) *DSNode {
	return &DSNode{
		id:     id,
		flags:  flags,
		leaves: make(map[int64]leaf),
		edges:  make(map[int64]Handle),
	}
}

// find returns the representative of n and the offset of n's origin inside
// it. Paths are compressed on the way back.
func (n *DSNode) find() (*DSNode, int64) {
	if n.parent == nil {
		return n, 0
	}

	root, d := n.parent.find()
	n.parent = root
	n.delta += d
	return root, n.delta
}

func (n *DSNode) rep() *DSNode {
	r, _ := n.find()
	return r
}

func (n *DSNode) ID() int              { return n.rep().id }
func (n *DSNode) Flags() NodeFlags     { return n.rep().flags }
func (n *DSNode) Has(f NodeFlags) bool { return n.rep().flags&f == f }
func (n *DSNode) Size() int64          { return n.rep().size }
func (n *DSNode) IsCollapsed() bool    { return n.Has(CollapsedNode) }

func (n *DSNode) setFlags(f NodeFlags) {
	n.rep().flags |= f
}

func (n *DSNode) clearFlags(f NodeFlags) {
	n.rep().flags &^= f
}

// Edge returns the outgoing edge at the given offset.
func (n *DSNode) Edge(off int64) (Handle, bool) {
	r := n.rep()
	if r.flags&CollapsedNode != 0 {
		off = 0
	}
	h, found := r.edges[off]
	return h, found
}

// EdgeOffsets returns the offsets with outgoing edges in increasing order.
func (n *DSNode) EdgeOffsets() []int64 {
	return maps.SortedKeys(n.rep().edges, func(a, b int64) bool { return a < b })
}

// TypeAt returns the leaf type recorded at the given offset.
func (n *DSNode) TypeAt(off int64) types.Type {
	if l, found := n.rep().leaves[off]; found {
		return l.t
	}
	return nil
}

// Globals returns the global variables and functions in the node.
func (n *DSNode) Globals() []ssa.Value {
	return maps.SortedKeys(n.rep().globals, valueLess)
}

// Functions returns the functions in the node.
func (n *DSNode) Functions() []*ssa.Function {
	var res []*ssa.Function
	for _, g := range n.Globals() {
		if fn, ok := g.(*ssa.Function); ok {
			res = append(res, fn)
		}
	}
	return res
}

// Sites returns the allocation sites of the objects in the node.
func (n *DSNode) Sites() []ssa.Value {
	return maps.SortedKeys(n.rep().sites, valueLess)
}

// DynamicTypes returns the types boxed into interfaces that point at the node.
func (n *DSNode) DynamicTypes() []types.Type {
	r := n.rep()
	if r.dynTypes == nil {
		return nil
	}
	res := r.dynTypes.Keys()
	slices.SortFunc(res, func(a, b types.Type) bool { return a.String() < b.String() })
	return res
}

func (n *DSNode) String() string {
	r := n.rep()
	return fmt.Sprintf("n%d[%s]", r.id, r.flags)
}

func (n *DSNode) addGlobal(v ssa.Value) {
	n.addMember(v)
	n.rep().flags |= GlobalNode
}

// addFunction records fn as the code of the closure objects in the node.
func (n *DSNode) addFunction(fn *ssa.Function) {
	n.addMember(fn)
}

func (n *DSNode) addMember(v ssa.Value) {
	r := n.rep()
	if r.globals == nil {
		r.globals = make(map[ssa.Value]bool)
	}
	r.globals[v] = true
}

func (n *DSNode) addSite(v ssa.Value) {
	r := n.rep()
	if r.sites == nil {
		r.sites = make(map[ssa.Value]bool)
	}
	r.sites[v] = true
}

func (n *DSNode) addDynType(t types.Type) {
	r := n.rep()
	if r.dynTypes == nil {
		r.dynTypes = new(typeutil.Map)
	}
	r.dynTypes.Set(t, true)
}

// addLeaf records a leaf type at off. It returns false when the leaf
// overlaps an incompatible record, in which case the node must be collapsed.
func (n *DSNode) addLeaf(off int64, l leaf) bool {
	if n.flags&CollapsedNode != 0 || l.size == 0 {
		return true
	}

	for o, e := range n.leaves {
		if o == off && compatibleLeaves(e.t, l.t) {
			return true
		}
		if off < o+e.size && o < off+l.size {
			return false
		}
	}

	n.leaves[off] = l
	if end := off + l.size; end > n.size {
		n.size = end
	}
	return true
}

// Handle designates a position inside a node. The zero Handle designates
// nothing: it is produced for values that cannot point anywhere (e.g. nil
// constants) and every operation on it is a no-op.
type Handle struct {
	node   *DSNode
	offset int64
}

func (h Handle) IsNil() bool { return h.node == nil }

// Resolve returns the representative node and the offset of h inside it.
func (h Handle) Resolve() (*DSNode, int64) {
	if h.node == nil {
		return nil, 0
	}

	root, d := h.node.find()
	if root.flags&CollapsedNode != 0 {
		return root, 0
	}
	return root, h.offset + d
}

func (h Handle) Node() *DSNode {
	n, _ := h.Resolve()
	return n
}

func (h Handle) Offset() int64 {
	_, off := h.Resolve()
	return off
}

// Add returns a handle to the position off bytes further into the node.
func (h Handle) Add(off int64) Handle {
	if h.node == nil {
		return h
	}
	return Handle{h.node, h.offset + off}
}

// Same reports whether both handles designate the same position.
func (h Handle) Same(o Handle) bool {
	n1, o1 := h.Resolve()
	n2, o2 := o.Resolve()
	return n1 == n2 && o1 == o2
}

func (h Handle) String() string {
	if h.node == nil {
		return "<nil>"
	}
	n, off := h.Resolve()
	return fmt.Sprintf("%v+%d", n, off)
}

// merger unifies nodes. Colliding edges give rise to further unifications,
// which are kept on an explicit work list rather than the call stack.
type merger struct {
	work   [][2]Handle
	unions int
}

// merge unifies the positions designated by a and b, and returns the number
// of representatives that were merged away.
func merge(a, b Handle) int {
	if a.node == nil || b.node == nil {
		return 0
	}

	var m merger
	m.work = append(m.work, [2]Handle{a, b})
	for len(m.work) != 0 {
		p := m.work[len(m.work)-1]
		m.work = m.work[:len(m.work)-1]
		m.mergeOne(p[0], p[1])
	}
	return m.unions
}

func (m *merger) mergeOne(a, b Handle) {
	ra, oa := a.Resolve()
	rb, ob := b.Resolve()
	if ra == rb {
		if oa != ob {
			m.collapse(ra)
		}
		return
	}

	if ra.flags&CollapsedNode != rb.flags&CollapsedNode {
		if ra.flags&CollapsedNode == 0 {
			m.collapse(ra)
		} else {
			m.collapse(rb)
		}
		oa, ob = 0, 0
	}

	// Keep deltas non-negative. With equal offsets, the node with more edges
	// survives so fewer edges have to be moved.
	if oa < ob || (oa == ob && len(rb.edges) > len(ra.edges)) {
		ra, rb = rb, ra
		oa, ob = ob, oa
	}

	m.union(ra, rb, oa-ob)
}

// union makes `a` the parent of `b`. Offset x of b becomes offset x+delta of a.
func (m *merger) union(a, b *DSNode, delta int64) {
	if a.parent != nil || b.parent != nil {
		panic("union arguments should be representatives")
	}

	b.parent = a
	b.delta = delta
	m.unions++

	a.flags |= b.flags
	if end := b.size + delta; end > a.size {
		a.size = end
	}

	for v := range b.globals {
		a.addMember(v)
	}
	for v := range b.sites {
		a.addSite(v)
	}
	if b.dynTypes != nil {
		b.dynTypes.Iterate(func(t types.Type, _ any) {
			a.addDynType(t)
		})
	}

	conflict := false
	for _, off := range maps.SortedKeys(b.leaves, func(x, y int64) bool { return x < y }) {
		if !a.addLeaf(off+delta, b.leaves[off]) {
			conflict = true
		}
	}

	collapsed := a.flags&CollapsedNode != 0
	for _, off := range maps.SortedKeys(b.edges, func(x, y int64) bool { return x < y }) {
		e := b.edges[off]
		target := off + delta
		if collapsed {
			target = 0
		}

		if existing, found := a.edges[target]; found {
			m.work = append(m.work, [2]Handle{existing, e})
		} else {
			a.edges[target] = e
		}
	}

	b.leaves, b.edges, b.globals, b.sites, b.dynTypes = nil, nil, nil, nil, nil

	if conflict {
		m.collapse(a)
	}
}

// collapse discards the field structure of the representative n. All
// outgoing edges are folded onto offset 0.
func (m *merger) collapse(n *DSNode) {
	if n.flags&CollapsedNode != 0 {
		return
	}

	n.flags |= CollapsedNode
	n.leaves = make(map[int64]leaf)

	var first Handle
	for i, off := range maps.SortedKeys(n.edges, func(x, y int64) bool { return x < y }) {
		e := n.edges[off]
		if i == 0 {
			first = e
		} else {
			m.work = append(m.work, [2]Handle{first, e})
		}
	}

	n.edges = make(map[int64]Handle)
	if first.node != nil {
		n.edges[0] = first
	}
}

// collapseNode collapses the node designated by h.
func collapseNode(h Handle) {
	n := h.Node()
	if n == nil {
		return
	}

	var m merger
	m.collapse(n)
	for len(m.work) != 0 {
		p := m.work[len(m.work)-1]
		m.work = m.work[:len(m.work)-1]
		m.mergeOne(p[0], p[1])
	}
}
