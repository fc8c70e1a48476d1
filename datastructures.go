package dsa

import (
	"fmt"
	"sync"

	"github.com/BarrensZeppelin/dsa/internal/equiv"
	"github.com/BarrensZeppelin/dsa/internal/maps"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// DataStructures is the result of one of the analyses: a graph for every
// function with a body, the globals graph and the call graph.
//
// Queries compress union-find paths, so a DataStructures must not be used
// from several goroutines at once.
type DataStructures struct {
	name   string
	prog   *ssa.Program
	layout *layout

	graphs  map[*ssa.Function]*Graph
	globals *Graph

	// Global variables and functions that must share a node in every graph
	globalECs equiv.Classes[ssa.Value]

	callGraph *CallGraph

	// Statistics of the unification passes (Steensgaard only)
	Passes []PassStats
}

// RunLocal builds the local graph of every function of prog. Calls are not
// resolved: the call graph only contains direct calls, and every indirect
// call is incomplete.
func RunLocal(prog *ssa.Program, at *AddressTaken, ai *AllocIdentResult, opts Options) (*DataStructures, error) {
	return runLocal("local", prog, at, ai, opts, localStrategy)
}

// RunStdLib is RunLocal with calls to well-known library functions replaced
// by models of their behavior, and calls to allocator wrappers treated as
// allocations.
func RunStdLib(prog *ssa.Program, at *AddressTaken, ai *AllocIdentResult, opts Options) (*DataStructures, error) {
	return runLocal("stdlib", prog, at, ai, opts, stdlibStrategy)
}

func runLocal(name string, prog *ssa.Program, at *AddressTaken, ai *AllocIdentResult,
	opts Options, strat strategy) (*DataStructures, error) {
	opts = opts.withDefaults()
	l, err := newLayout(opts.Arch)
	if err != nil {
		return nil, err
	}

	e := &engine{
		prog:      prog,
		layout:    l,
		opts:      opts,
		addrTaken: at,
		allocs:    ai,
		strategy:  strat,
	}

	var funs []*ssa.Function
	for fun := range ssautil.AllFunctions(prog) {
		if hasBody(fun) && !isGeneric(fun) {
			funs = append(funs, fun)
		}
	}

	ds := &DataStructures{
		name:   name,
		prog:   prog,
		layout: l,
		graphs: make(map[*ssa.Function]*Graph, len(funs)),
	}

	var mu sync.Mutex
	var eg errgroup.Group
	eg.SetLimit(opts.Parallelism)
	for _, fun := range funs {
		fun := fun
		eg.Go(func() error {
			g, err := e.buildGraph(fun)
			if err != nil {
				return fmt.Errorf("building graph of %v: %w", fun, err)
			}

			mu.Lock()
			ds.graphs[fun] = g
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	ds.formGlobalsGraph()
	ds.formGlobalECs()
	ds.eliminateECGlobals()
	ds.recordCalls()

	log.WithFields(log.Fields{
		"analysis":  name,
		"functions": len(ds.graphs),
		"nodes":     ds.numNodes(),
	}).Debug("Built local graphs")

	return ds, nil
}

// formGlobalsGraph copies everything reachable from globals and functions in
// every graph into the globals graph.
func (ds *DataStructures) formGlobalsGraph() {
	ds.globals = newGraph(nil, ds.layout)
	ds.globals.globals = ds.globals
	for _, fun := range ds.Functions() {
		g := ds.graphs[fun]
		g.globals = ds.globals
		cloneInto(ds.globals, g, isGlobal, false)
	}
}

// formGlobalECs puts globals that ended up in the same node of the globals
// graph into one equivalence class.
func (ds *DataStructures) formGlobalECs() {
	for _, n := range ds.globals.Nodes() {
		members := n.Globals()
		if len(members) < 2 {
			continue
		}
		for _, v := range members[1:] {
			ds.globalECs.Union(members[0], v)
		}
	}
}

// eliminateECGlobals makes the members of every global equivalence class
// share a node in every graph, at the same relative positions as in the
// globals graph.
func (ds *DataStructures) eliminateECGlobals() {
	classes := ds.globalECs.Members()
	if len(classes) == 0 {
		return
	}

	for _, g := range ds.allGraphs() {
		mergeClasses(g, ds.globals, classes)
	}
}

func mergeClasses(g, globals *Graph, classes [][]ssa.Value) int {
	merges := 0
	for _, class := range classes {
		var leader ssa.Value
		var lh Handle
		for _, v := range class {
			h, found := g.scalars[v]
			if !found {
				continue
			}
			if leader == nil {
				leader, lh = v, h
				continue
			}

			_, lo := globals.scalars[leader].Resolve()
			_, vo := globals.scalars[v].Resolve()
			merges += merge(lh.Add(vo-lo), h)
		}
	}
	return merges
}

// recordCalls fills the call graph with the call sites of the local graphs.
func (ds *DataStructures) recordCalls() {
	ds.callGraph = newCallGraph()
	for _, fun := range ds.Functions() {
		for _, cs := range ds.graphs[fun].calls {
			if cs.IsDirect() {
				ds.callGraph.Insert(cs.Site, cs.Callee)
			} else {
				ds.callGraph.markIncomplete(cs.Site)
			}
		}
	}
}

func (ds *DataStructures) Name() string { return ds.name }

func (ds *DataStructures) HasGraph(fn *ssa.Function) bool {
	_, found := ds.graphs[fn]
	return found
}

// Graph returns the graph of fn. It is a fatal error to ask for the graph of
// a function that has none.
func (ds *DataStructures) Graph(fn *ssa.Function) *Graph {
	g, found := ds.graphs[fn]
	if !found {
		log.Panicf("%s: no graph for %v", ds.name, fn)
	}
	return g
}

func (ds *DataStructures) GlobalsGraph() *Graph  { return ds.globals }
func (ds *DataStructures) CallGraph() *CallGraph { return ds.callGraph }

// Functions returns the functions that have a graph.
func (ds *DataStructures) Functions() []*ssa.Function {
	return maps.SortedKeys(ds.graphs, functionLess)
}

// GlobalECs returns the classes of globals that share a node, each with at
// least two members.
func (ds *DataStructures) GlobalECs() [][]ssa.Value {
	return ds.globalECs.Members()
}

// allGraphs returns the distinct graphs, the globals graph last.
func (ds *DataStructures) allGraphs() []*Graph {
	seen := make(map[*Graph]bool)
	var res []*Graph
	for _, fun := range ds.Functions() {
		if g := ds.graphs[fun]; !seen[g] {
			seen[g] = true
			res = append(res, g)
		}
	}
	if !seen[ds.globals] {
		res = append(res, ds.globals)
	}
	return res
}

func (ds *DataStructures) numNodes() int {
	cnt := 0
	for _, g := range ds.allGraphs() {
		cnt += g.NumNodes()
	}
	return cnt
}

// graphOf returns the graph whose scalar map holds v.
func (ds *DataStructures) graphOf(v ssa.Value) *Graph {
	if fn := v.Parent(); fn != nil && !isGlobal(v) {
		return ds.graphs[fn]
	}
	return ds.globals
}

// DeleteValue removes v from the scalar maps. Deleting a function also drops
// its graph. The nodes v pointed to are left untouched; with debug logging
// enabled, entries holding the last reference to their node are reported.
func (ds *DataStructures) DeleteValue(v ssa.Value) {
	if fn, ok := v.(*ssa.Function); ok {
		delete(ds.graphs, fn)
	}

	if isGlobal(v) {
		for _, g := range ds.allGraphs() {
			ds.checkLastReference(g, v)
			delete(g.scalars, v)
		}
		return
	}

	if g := ds.graphOf(v); g != nil {
		ds.checkLastReference(g, v)
		delete(g.scalars, v)
	}
}

func (ds *DataStructures) checkLastReference(g *Graph, v ssa.Value) {
	if !log.IsLevelEnabled(log.DebugLevel) {
		return
	}
	h, found := g.scalars[v]
	if !found || h.IsNil() {
		return
	}
	if n := h.Node(); !g.refersTo(n, v) {
		log.WithFields(log.Fields{
			"value": v.Name(),
			"node":  n.ID(),
		}).Debug("DeleteValue drops the last reference to a node")
	}
}

// CopyValue makes to an alias of from. For functions, to shares the graph
// and the return and vararg handles of from. Other values must live in the
// same graph.
func (ds *DataStructures) CopyValue(from, to ssa.Value) {
	if ff, ok := from.(*ssa.Function); ok {
		tf, ok := to.(*ssa.Function)
		if !ok {
			log.Panicf("CopyValue: %v is a function but %v is not", from, to)
		}

		if g, found := ds.graphs[ff]; found {
			ds.graphs[tf] = g
			if h, found := g.returns[ff]; found {
				g.returns[tf] = h
			}
			if h, found := g.varargs[ff]; found {
				g.varargs[tf] = h
			}
			if h, found := g.contexts[ff]; found {
				g.contexts[tf] = h
			}
		}
		return
	}

	g := ds.graphOf(from)
	if g == nil {
		return
	}
	if ds.graphOf(to) != g {
		log.Panicf("CopyValue: %v and %v live in different graphs", from, to)
	}
	if h, found := g.scalars[from]; found {
		g.bind(to, h)
	}
}
