package dsa

import (
	"go/types"

	"github.com/BarrensZeppelin/dsa/internal/slices"
	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/go/ssa"
)

// PassStats describe one pass of the global unification loop.
type PassStats struct {
	Pass int
	// Number of representative nodes in the shared graph after the pass
	Representatives int
	// Number of (call site, callee) pairs resolved in the pass
	Callees int
	// Number of unions performed in the pass
	Merges int
	// Number of (call site, callee) pairs resolved for the first time
	NewCallees int
}

type binding struct {
	cs     *CallSite
	callee *ssa.Function
}

// steensgaard is the state of one run of the global unification.
type steensgaard struct {
	ds        *DataStructures
	g         *Graph
	addrTaken *AddressTaken
	bound     map[binding]bool
}

// RunSteensgaard merges the graphs of src, together with its globals graph,
// into one graph shared by every function, and unifies the actual and formal
// parameters of every call until the call graph and the graph are stable.
// Indirect calls resolve to the address-taken functions in the node of the
// called value, interface method calls to the methods of the dynamic types
// recorded on the receiver's node.
//
// The graphs of src are left intact.
func RunSteensgaard(src *DataStructures, at *AddressTaken) (*DataStructures, error) {
	shared := newGraph(nil, src.layout)
	shared.globals = shared

	cloneInto(shared, src.globals, nil, true)
	for _, fun := range src.Functions() {
		cloneInto(shared, src.graphs[fun], nil, true)
	}

	ds := &DataStructures{
		name:    "steensgaard",
		prog:    src.prog,
		layout:  src.layout,
		graphs:  make(map[*ssa.Function]*Graph, len(src.graphs)),
		globals: shared,
	}
	for fun := range src.graphs {
		ds.graphs[fun] = shared
	}

	for _, class := range src.globalECs.Members() {
		for _, v := range class[1:] {
			ds.globalECs.Union(class[0], v)
		}
	}
	mergeClasses(shared, src.globals, ds.globalECs.Members())

	s := &steensgaard{
		ds:        ds,
		g:         shared,
		addrTaken: at,
		bound:     make(map[binding]bool),
	}
	s.unify()
	s.restoreCallGraph()
	s.markIncomplete()

	return ds, nil
}

func (s *steensgaard) unify() {
	// A pass that only discovers callees is followed by one that merges or
	// by the last pass, and every merging pass removes a representative.
	initial := s.g.NumNodes()
	limit := 2*initial + 2

	for pass := 1; ; pass++ {
		if pass > limit {
			log.Panicf("Global unification did not converge after %d passes (%d initial nodes)",
				limit, initial)
		}

		stats := PassStats{Pass: pass}
		stats.Merges += s.mergeUnknowns()

		for _, cs := range s.g.calls {
			callees, _ := s.resolve(cs)
			stats.Callees += len(callees)
			for _, callee := range callees {
				b := binding{cs, callee}
				if s.bound[b] {
					continue
				}

				s.bound[b] = true
				stats.NewCallees++
				stats.Merges += s.bindCall(cs, callee)
			}
		}

		stats.Representatives = s.g.NumNodes()
		s.ds.Passes = append(s.ds.Passes, stats)

		log.WithFields(log.Fields{
			"pass":            pass,
			"representatives": stats.Representatives,
			"callees":         stats.Callees,
			"merges":          stats.Merges,
			"new":             stats.NewCallees,
		}).Debug("Unification pass")

		if stats.Merges == 0 && stats.NewCallees == 0 {
			return
		}
	}
}

// mergeUnknowns unifies all unknown nodes: any two of them may alias.
func (s *steensgaard) mergeUnknowns() int {
	unknowns := s.g.unknownRoots()
	if len(unknowns) < 2 {
		return 0
	}

	merges := 0
	for _, n := range unknowns[1:] {
		merges += merge(Handle{node: unknowns[0]}, Handle{node: n})
	}
	return merges
}

// resolve returns the callees of cs in the current graph, and whether the
// callee set is known to be complete.
func (s *steensgaard) resolve(cs *CallSite) ([]*ssa.Function, bool) {
	switch {
	case cs.IsDirect():
		return []*ssa.Function{cs.Callee}, true

	case cs.IsInvoke():
		n := cs.Args[0].Node()
		if n == nil {
			return nil, true
		}

		prog := s.ds.prog
		method := cs.Method
		var res []*ssa.Function
		for _, t := range n.DynamicTypes() {
			if types.IsInterface(t) {
				continue
			}
			sel := prog.MethodSets.MethodSet(t).Lookup(method.Pkg(), method.Name())
			if sel == nil {
				continue
			}
			if fn := prog.MethodValue(sel); fn != nil && arityMatches(fn, cs) {
				res = append(res, fn)
			}
		}
		return res, !n.Has(UnknownNode)

	default:
		n := cs.CalleeHandle.Node()
		if n == nil {
			return nil, true
		}

		res := slices.Filter(n.Functions(), func(fn *ssa.Function) bool {
			return s.addrTaken.HasAddressTaken(fn) && arityMatches(fn, cs)
		})
		return res, !n.Has(UnknownNode)
	}
}

// arityMatches reports whether fn takes as many operands as cs passes,
// counting the receiver of methods.
func arityMatches(fn *ssa.Function, cs *CallSite) bool {
	n := fn.Signature.Params().Len()
	if fn.Signature.Recv() != nil {
		n++
	}
	return n == len(cs.Args)
}

// bindCall unifies the operands of cs with the formals of callee.
func (s *steensgaard) bindCall(cs *CallSite, callee *ssa.Function) int {
	if cs.IsModeled() {
		return 0
	}

	if !s.ds.HasGraph(callee) {
		for _, h := range append([]Handle{cs.Ret}, cs.Args...) {
			if n := h.Node(); n != nil && !n.Has(UnknownNode|ExternalNode) {
				n.setFlags(UnknownNode | IncompleteNode | ExternalNode)
			}
		}
		return 0
	}

	params, ret, ctx := s.g.formals(callee)
	merges := 0
	for i, p := range params {
		if i < len(cs.Args) {
			merges += merge(p, cs.Args[i])
		}
	}
	merges += merge(ret, cs.Ret)
	merges += merge(ctx, cs.CalleeHandle)
	return merges
}

// restoreCallGraph rebuilds the call graph from the final resolution of the
// call sites.
func (s *steensgaard) restoreCallGraph() {
	cg := newCallGraph()
	for _, cs := range s.g.calls {
		callees, complete := s.resolve(cs)
		if cs.IsIndirect() {
			// Make sure that sites without callees are recorded.
			cg.insureEntry(cs.Site)
		}
		for _, callee := range callees {
			cg.Insert(cs.Site, callee)
		}
		if !complete {
			cg.markIncomplete(cs.Site)
		}
	}
	s.ds.callGraph = cg
}

// markIncomplete recomputes the incomplete flags of the shared graph. Nodes
// are incomplete if they are reachable from an unknown node, from an operand
// of a call whose callees may be missing, or from the interface of a function
// that is never called.
func (s *steensgaard) markIncomplete() {
	for _, n := range s.g.nodes {
		if n.parent == nil {
			n.clearFlags(IncompleteNode)
		}
	}

	var roots []Handle
	for _, n := range s.g.unknownRoots() {
		roots = append(roots, Handle{node: n})
	}

	cg := s.ds.callGraph
	called := make(map[*ssa.Function]bool)
	for _, cs := range s.g.calls {
		if cg.IsIncomplete(cs.Site) {
			roots = append(roots, cs.handles()...)
		}
		for _, callee := range cg.callees[cs.Site] {
			called[callee] = true
		}
	}

	for _, fun := range s.ds.Functions() {
		if called[fun] {
			continue
		}
		params, ret, ctx := s.g.formals(fun)
		roots = append(append(roots, params...), ret, ctx)
	}

	markIncomplete(roots)
}
