package dsa_test

import (
	"fmt"
	"go/types"
	"os"
	"path/filepath"
	"testing"

	"github.com/BarrensZeppelin/dsa"
	"github.com/BarrensZeppelin/dsa/internal/maps"
	"github.com/BarrensZeppelin/dsa/internal/slices"
	"github.com/BarrensZeppelin/dsa/pkgutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/callgraph"
	"golang.org/x/tools/go/packages"
	gopointer "golang.org/x/tools/go/pointer"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
}

// PPValue pretty-prints the given value.
func PPValue(v ssa.Value) string {
	return fmt.Sprintf("%v: %s = %v", v.Parent(), v.Name(), v)
}

type site struct{ v ssa.Value }

func (s site) String() string { return PPValue(s.v) }

// toSites extracts the allocation sites that p may point to.
func toSites(p dsa.Pointer) []site {
	return slices.Map(p.PointsTo(), func(l dsa.Label) site { return site{l.Site()} })
}

// andersenToSites extracts the allocation sites of the points-to relation of
// the andersen analysis. Only sites in reachable functions are returned.
func andersenToSites(p gopointer.Pointer, reachable map[*ssa.Function]bool) []site {
	labels := p.PointsTo().Labels()
	res := make([]site, 0, len(labels))
	for _, label := range labels {
		if v := label.Value(); v != nil && reachable[v.Parent()] {
			res = append(res, site{v})
		}
	}
	return res
}

// reachableFrom returns the functions reachable from the roots in cg.
func reachableFrom(cg *dsa.CallGraph, roots ...*ssa.Function) map[*ssa.Function]bool {
	res := make(map[*ssa.Function]bool)
	var visit func(*ssa.Function)
	visit = func(fn *ssa.Function) {
		if fn == nil || res[fn] {
			return
		}
		res[fn] = true
		for _, callee := range cg.CalleesOf(fn) {
			visit(callee)
		}
	}
	for _, fn := range roots {
		visit(fn)
	}
	return res
}

// checkSoundness verifies that the unification result over-approximates the
// call graph and (non-interface) points-to sets computed by go/pointer.
func checkSoundness(t *testing.T, prog *ssa.Program) {
	checkSoundnessWithin(t, prog, func(*ssa.Function) bool { return true })
}

// checkSoundnessWithin is checkSoundness restricted to the functions accepted
// by within. Modeled library calls are not analyzed, so comparisons against
// go/pointer only make sense for code outside the models.
func checkSoundnessWithin(t *testing.T, prog *ssa.Program, within func(*ssa.Function) bool) {
	t.Helper()
	res, err := dsa.Analyze(dsa.AnalysisConfig{Program: prog})
	require.NoError(t, err)
	ds := res.Steensgaard
	cg := ds.CallGraph().Callgraph()

	mains := ssautil.MainPackages(prog.AllPackages())
	var roots []*ssa.Function
	for _, pkg := range mains {
		roots = append(roots, pkg.Func("main"), pkg.Func("init"))
	}
	reachable := reachableFrom(ds.CallGraph(), roots...)
	for fun := range reachable {
		if !within(fun) {
			delete(reachable, fun)
		}
	}

	pconfig := &gopointer.Config{
		Mains:          mains,
		BuildCallGraph: true,
	}

	query := func(v ssa.Value) {
		if dsa.PointerLike(v.Type()) && !types.IsInterface(v.Type()) {
			pconfig.AddQuery(v)
		}
	}

	for fun := range reachable {
		if !ds.HasGraph(fun) {
			continue
		}

		for _, param := range fun.Params {
			query(param)
		}
		for _, fv := range fun.FreeVars {
			query(fv)
		}

		for _, block := range fun.Blocks {
			for _, insn := range block.Instrs {
				switch val := insn.(type) {
				case *ssa.Range: // has degenerate type
				case ssa.Value:
					query(val)
				}
			}
		}
	}

	ares, err := gopointer.Analyze(pconfig)
	require.NoError(t, err)

	eds := func(n *callgraph.Node) map[ssa.CallInstruction][]*ssa.Function {
		ret := map[ssa.CallInstruction][]*ssa.Function{}
		for _, out := range n.Out {
			ret[out.Site] = append(ret[out.Site], out.Callee.Func)
		}
		return ret
	}

	for fun, n1 := range cg.Nodes {
		if fun == nil || !within(fun) {
			continue
		}
		if n2, found := ares.CallGraph.Nodes[fun]; found {
			e1, e2 := eds(n1), eds(n2)
			for site, out := range e2 {
				if site == nil {
					continue
				}

				assert.True(t, slices.Subset(out, e1[site]),
					"Missing callees in %v at %v: %v ⊈ %v", fun, site, out, e1[site])
			}
		}
	}

	for reg, ptset := range ares.Queries {
		pmap := maps.FromKeys(toSites(ds.Pointer(reg)))
		flattened := andersenToSites(ptset, reachable)

		var missing []site
		for _, p := range flattened {
			if _, found := pmap[p]; !found {
				missing = append(missing, p)
			}
		}

		if len(missing) != 0 {
			t.Errorf("%s:\n%s\n⊈\n%s", PPValue(reg), flattened, toSites(ds.Pointer(reg)))
		}
	}
}

func buildProgram(t *testing.T, source string) (*ssa.Program, *ssa.Package) {
	t.Helper()
	prog, pkg, err := pkgutil.BuildFromSource(source)
	require.NoError(t, err)
	return prog, pkg
}

func TestAnalyze(t *testing.T) {
	t.Run("NoProgram", func(t *testing.T) {
		_, err := dsa.Analyze(dsa.AnalysisConfig{})
		assert.ErrorIs(t, err, dsa.ErrNoProgram)
	})

	t.Run("Example", func(t *testing.T) {
		prog, _ := buildProgram(t, `
			package main

			func ubool() bool

			func main() {
				x := new(*int)
				*x = new(int)
				if ubool() {
					*x = new(int)
				}
				y := *x
				*y = 10
				println(y)
			}`)

		checkSoundness(t, prog)
	})

	t.Run("SpuriousPointsTo", func(t *testing.T) {
		prog, pkg := buildProgram(t, `
			package main
			func ubool() bool
			func main() {
				x := new(*int)
				y := new(*int)
				z := *x
				if ubool() { z = *y }
				println(z)
			}`)

		var allocs []*ssa.Alloc
		for _, insn := range pkg.Func("main").Blocks[0].Instrs {
			if alloc, ok := insn.(*ssa.Alloc); ok {
				allocs = append(allocs, alloc)
			}
		}
		require.Len(t, allocs, 2)

		res, err := dsa.Analyze(dsa.AnalysisConfig{Program: prog})
		require.NoError(t, err)

		for _, ds := range []*dsa.DataStructures{res.Local, res.StdLib, res.Steensgaard} {
			x, y := ds.Pointer(allocs[0]), ds.Pointer(allocs[1])

			assert.Len(t, toSites(x), 1,
				"%s: x should only point to one allocation site", ds.Name())
			assert.Len(t, toSites(y), 1,
				"%s: y should only point to one allocation site", ds.Name())
			// The loads are merged by the phi, but the cells that hold them
			// are not.
			assert.False(t, x.MayAlias(y), "%s: x and y should not alias", ds.Name())
		}
	})

	t.Run("Calls", func(t *testing.T) {
		prog, _ := buildProgram(t, `
			package main

			type T struct{ f *int }

			type I interface{ Get() *int }

			func (t *T) Get() *int { return t.f }

			type U struct{}

			func (U) Get() *int { return new(int) }

			func ubool() bool

			func id(x *int) *int { return x }

			func wrap(x *int) func() *int {
				return func() *int { return id(x) }
			}

			func main() {
				var i I = &T{f: new(int)}
				if ubool() {
					i = U{}
				}
				p := i.Get()
				q := wrap(p)()
				m := map[*int]*T{q: {f: p}}
				for k, v := range m {
					v.f = k
				}
				c := make(chan *T, 1)
				c <- m[p]
				println(<-c)
			}`)

		checkSoundness(t, prog)
	})

	t.Run("Globals", func(t *testing.T) {
		prog, _ := buildProgram(t, `
			package main

			var g, h *int

			func init() {
				g = new(int)
			}

			func swap() {
				g, h = h, g
			}

			func main() {
				swap()
				h = new(int)
				println(*g + *h)
			}`)

		checkSoundness(t, prog)
	})
}

func TestAnalyzeStdlibImports(t *testing.T) {
	prog, pkg := buildProgram(t, `
		package main

		import (
			"fmt"
			"sort"
			"strings"
			"sync"
		)

		type T struct{ f *int }

		var (
			once sync.Once
			mu   sync.Mutex
			g    *T
		)

		func setup() { g = &T{f: new(int)} }

		func get() *T {
			once.Do(setup)
			mu.Lock()
			defer mu.Unlock()
			return g
		}

		func main() {
			t := get()
			x := t.f
			words := strings.Fields("b a")
			sort.Strings(words)
			fmt.Println(*x, words)
		}`)

	res, err := dsa.Analyze(dsa.AnalysisConfig{Program: prog})
	require.NoError(t, err, "generic instances in the standard library should not fail the analysis")
	assert.True(t, res.Steensgaard.HasGraph(pkg.Func("main")))

	checkSoundnessWithin(t, prog, func(fn *ssa.Function) bool {
		return fn.Pkg == pkg
	})
}

func TestGoatExamples(t *testing.T) {
	gopath, err := filepath.Abs("submodules/goat/examples")
	require.NoError(t, err)

	if _, err := os.Stat(gopath); err != nil {
		t.Skip(
			"The example programs from goat are missing. Run\n" +
				"git submodule update --init\nto clone them.")
	}

	config := &packages.Config{
		Mode:  pkgutil.LoadMode,
		Tests: true,
		Dir:   "",
		Env: append(os.Environ(), "GO111MODULE=off",
			"GOPATH="+gopath),
	}

	pkgs, err := pkgutil.LoadPackagesWithConfig(config,
		"simple-examples/...",
		"session-types-benchmarks/...",
		"sync-pkg/...",
		"top-pointers/...",
	)
	require.NoError(t, err)

	for _, pkg := range pkgs {
		pkg := pkg
		t.Run(pkg.PkgPath, func(t *testing.T) {
			t.Parallel()
			prog, spkgs := pkgutil.BuildProgram([]*packages.Package{pkg}, 0)
			if spkgs[0].Func("main") == nil {
				t.Skip("No main function")
			}

			checkSoundness(t, prog)
		})
	}
}
