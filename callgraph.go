package dsa

import (
	"fmt"
	"go/token"
	"io"

	"github.com/BarrensZeppelin/dsa/internal/maps"
	"github.com/BarrensZeppelin/dsa/internal/slices"
	"github.com/yourbasic/graph"
	xslices "golang.org/x/exp/slices"
	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/ssa"
)

// CallGraph records the possible callees of every call site.
// Indirect sites whose callee set may still grow are marked incomplete.
type CallGraph struct {
	callees    map[ssa.CallInstruction][]*ssa.Function
	sites      map[*ssa.Function][]ssa.CallInstruction
	incomplete map[ssa.CallInstruction]bool
}

func newCallGraph() *CallGraph {
	return &CallGraph{
		callees:    make(map[ssa.CallInstruction][]*ssa.Function),
		sites:      make(map[*ssa.Function][]ssa.CallInstruction),
		incomplete: make(map[ssa.CallInstruction]bool),
	}
}

// insureEntry registers site without adding callees to it.
func (cg *CallGraph) insureEntry(site ssa.CallInstruction) {
	if _, found := cg.callees[site]; found {
		return
	}

	cg.callees[site] = nil
	caller := site.Parent()
	cg.sites[caller] = append(cg.sites[caller], site)
}

// Insert adds callee to the callees of site. It reports whether the callee
// was new.
func (cg *CallGraph) Insert(site ssa.CallInstruction, callee *ssa.Function) bool {
	cg.insureEntry(site)
	if slices.Contains(cg.callees[site], callee) {
		return false
	}

	cg.callees[site] = append(cg.callees[site], callee)
	return true
}

func (cg *CallGraph) markIncomplete(site ssa.CallInstruction) {
	cg.insureEntry(site)
	cg.incomplete[site] = true
}

// IsIncomplete reports whether more callees may be discovered for site.
func (cg *CallGraph) IsIncomplete(site ssa.CallInstruction) bool {
	return cg.incomplete[site]
}

// Callees returns the callees of site.
func (cg *CallGraph) Callees(site ssa.CallInstruction) []*ssa.Function {
	res := append([]*ssa.Function(nil), cg.callees[site]...)
	xslices.SortFunc(res, functionLess)
	return res
}

// Sites returns the call sites in caller, in the order they were recorded.
func (cg *CallGraph) Sites(caller *ssa.Function) []ssa.CallInstruction {
	return cg.sites[caller]
}

// Callers returns the functions that contain call sites.
func (cg *CallGraph) Callers() []*ssa.Function {
	return maps.SortedKeys(cg.sites, functionLess)
}

// CalleesOf returns the union of the callees of all sites in caller.
func (cg *CallGraph) CalleesOf(caller *ssa.Function) []*ssa.Function {
	var res []*ssa.Function
	for _, site := range cg.sites[caller] {
		for _, callee := range cg.callees[site] {
			res = slices.AppendUnique(res, callee)
		}
	}
	xslices.SortFunc(res, functionLess)
	return res
}

// Size returns the number of (site, callee) pairs in the call graph.
func (cg *CallGraph) Size() int {
	cnt := 0
	for _, callees := range cg.callees {
		cnt += len(callees)
	}
	return cnt
}

// functions returns every function that occurs in the call graph, in a
// deterministic order.
func (cg *CallGraph) functions() []*ssa.Function {
	set := make(map[*ssa.Function]bool)
	for caller, sites := range cg.sites {
		set[caller] = true
		for _, site := range sites {
			for _, callee := range cg.callees[site] {
				set[callee] = true
			}
		}
	}
	return maps.SortedKeys(set, functionLess)
}

// SCCs returns the strongly connected components of the function-level call
// graph.
func (cg *CallGraph) SCCs() [][]*ssa.Function {
	funs := cg.functions()
	index := make(map[*ssa.Function]int, len(funs))
	for i, fun := range funs {
		index[fun] = i
	}

	g := graph.New(len(funs))
	for _, caller := range funs {
		for _, callee := range cg.CalleesOf(caller) {
			g.Add(index[caller], index[callee])
		}
	}

	components := graph.StrongComponents(g)
	res := make([][]*ssa.Function, len(components))
	for i, comp := range components {
		scc := make([]*ssa.Function, len(comp))
		for j, v := range comp {
			scc[j] = funs[v]
		}
		xslices.SortFunc(scc, functionLess)
		res[i] = scc
	}
	return res
}

// Callgraph converts the call graph to the representation used by the
// golang.org/x/tools/go/callgraph package.
func (cg *CallGraph) Callgraph() *callgraph.Graph {
	res := callgraph.New(nil)
	for _, caller := range cg.Callers() {
		n := res.CreateNode(caller)
		for _, site := range cg.sites[caller] {
			for _, callee := range cg.Callees(site) {
				callgraph.AddEdge(n, site, res.CreateNode(callee))
			}
		}
	}
	return res
}

// Dump writes a textual description of the call graph to w.
func (cg *CallGraph) Dump(w io.Writer) error {
	var fset *token.FileSet
	pos := func(site ssa.CallInstruction) string {
		if fset == nil {
			fset = site.Parent().Prog.Fset
		}
		if p := site.Pos(); p.IsValid() {
			return fset.Position(p).String()
		}
		return "-"
	}

	for _, caller := range cg.Callers() {
		if _, err := fmt.Fprintf(w, "%s\n", caller); err != nil {
			return err
		}
		for _, site := range cg.sites[caller] {
			mark := ""
			if cg.incomplete[site] {
				mark = " (incomplete)"
			}
			if _, err := fmt.Fprintf(w, "  %s: %s%s\n", pos(site), site.Common(), mark); err != nil {
				return err
			}
			for _, callee := range cg.Callees(site) {
				if _, err := fmt.Fprintf(w, "    -> %s\n", callee); err != nil {
					return err
				}
			}
		}
	}

	for _, scc := range cg.SCCs() {
		if len(scc) < 2 {
			continue
		}
		if _, err := fmt.Fprintf(w, "SCC %v\n", scc); err != nil {
			return err
		}
	}
	return nil
}
