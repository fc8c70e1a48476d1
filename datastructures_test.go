package dsa

import (
	"testing"

	"github.com/BarrensZeppelin/dsa/internal/slices"
	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

func TestGlobalECs(t *testing.T) {
	prog, pkg := buildProgram(t, `
		package main

		type P *int

		var a, b, c int
		var p *int

		func ubool() bool

		func choose() {
			p = &a
			if ubool() {
				p = &b
			}
		}

		func sink(x, y P) {}

		func main() {
			choose()
			sink(P(&a), P(&b))
			sink(P(&a), P(&c))
		}`)

	res := analyze(t, prog)
	ga, gb := pkg.Var("a"), pkg.Var("b")

	for _, ds := range []*DataStructures{res.Local, res.StdLib} {
		classes := ds.GlobalECs()
		require.Len(t, classes, 1, ds.Name())
		assert.ElementsMatch(t, []ssa.Value{ga, gb}, classes[0], ds.Name())
	}

	// a and b share a node in main even though main never mixes them.
	main := pkg.Func("main")
	var calls [][]ssa.Value
	for _, call := range instructions[*ssa.Call](main) {
		if call.Call.StaticCallee() == pkg.Func("sink") {
			calls = append(calls, call.Call.Args)
		}
	}
	require.Len(t, calls, 2)

	ds := res.Local
	assert.True(t, ds.Pointer(calls[0][0]).MayAlias(ds.Pointer(calls[0][1])))
	assert.False(t, ds.Pointer(calls[1][0]).MayAlias(ds.Pointer(calls[1][1])))

	n := ds.GlobalsGraph().scalars[ga].Node()
	assert.ElementsMatch(t, []ssa.Value{ga, gb}, n.Globals())
}

func TestFunctionsAndGraphs(t *testing.T) {
	prog, pkg := buildProgram(t, `
		package main

		func ext()

		func f() {}

		func main() {
			f()
			ext()
		}`)

	res := analyze(t, prog)

	for _, ds := range []*DataStructures{res.Local, res.StdLib, res.Steensgaard} {
		funs := ds.Functions()
		assert.Contains(t, funs, pkg.Func("main"), ds.Name())
		assert.Contains(t, funs, pkg.Func("f"), ds.Name())
		assert.NotContains(t, funs, pkg.Func("ext"), ds.Name())
		assert.IsNonDecreasing(t, slices.Map(funs, (*ssa.Function).String), ds.Name())

		assert.True(t, ds.HasGraph(pkg.Func("f")))
		assert.Panics(t, func() { ds.Graph(pkg.Func("ext")) })
	}

	assert.Equal(t, pkg.Func("f"), res.Local.Graph(pkg.Func("f")).Function())
	assert.Nil(t, res.Steensgaard.Graph(pkg.Func("f")).Function(), "the shared graph belongs to no function")

	assert.Equal(t, "local", res.Local.Name())
	assert.Equal(t, "stdlib", res.StdLib.Name())
	assert.Equal(t, "steensgaard", res.Steensgaard.Name())
}

func TestCopyAndDeleteValue(t *testing.T) {
	prog, pkg := buildProgram(t, `
		package main

		func ext()

		func sink(p, q *int) {}

		func main() {
			sink(new(int), new(int))
		}`)

	res := analyze(t, prog)
	ds := res.Local
	main := pkg.Func("main")
	args := callArgs(t, main, "sink")
	g := ds.Graph(main)

	require.False(t, ds.Pointer(args[0]).MayAlias(ds.Pointer(args[1])))
	ds.CopyValue(args[0], args[1])
	assert.True(t, ds.Pointer(args[0]).MayAlias(ds.Pointer(args[1])),
		"copied values should alias")

	ds.DeleteValue(args[0])
	_, found := g.Handle(args[0])
	assert.False(t, found)
	assert.Nil(t, ds.Pointer(args[0]).Node())
	_, found = g.Handle(args[1])
	assert.True(t, found, "other values are untouched")

	ext := pkg.Func("ext")
	ds.CopyValue(main, ext)
	require.True(t, ds.HasGraph(ext))
	assert.Same(t, g, ds.Graph(ext))

	ds.DeleteValue(ext)
	assert.False(t, ds.HasGraph(ext))
	assert.True(t, ds.HasGraph(main))

	assert.Panics(t, func() { ds.CopyValue(main, args[1]) })
	assert.Panics(t, func() { ds.CopyValue(args[1], pkg.Func("sink").Params[0]) },
		"values of different graphs cannot be copied")
}

func TestDeleteValueLastReference(t *testing.T) {
	prog, pkg := buildProgram(t, `
		package main

		func sink(p *int)

		func unused(p *int) {}

		func quiet(q *int) {}

		func main() {
			x := new(int)
			sink(x)
			unused(x)
			quiet(x)
		}`)

	res := analyze(t, prog)
	ds := res.Local

	hook := test.NewGlobal()
	lvl := log.GetLevel()
	log.SetLevel(log.DebugLevel)
	defer log.SetLevel(lvl)

	// The external call still holds the node of x.
	ds.DeleteValue(callArgs(t, pkg.Func("main"), "sink")[0])
	assert.Empty(t, hook.AllEntries())

	p := pkg.Func("unused").Params[0]
	ds.DeleteValue(p)
	entry := hook.LastEntry()
	require.NotNil(t, entry, "dropping the only reference should be reported")
	assert.Equal(t, log.DebugLevel, entry.Level)
	assert.Equal(t, "p", entry.Data["value"])

	hook.Reset()
	log.SetLevel(log.InfoLevel)
	ds.DeleteValue(pkg.Func("quiet").Params[0])
	assert.Empty(t, hook.AllEntries(), "the check only runs with debug logging")
}

func TestGenericInstances(t *testing.T) {
	prog, pkg := buildProgram(t, `
		package main

		type Box[T any] struct{ v T }

		func apply[T, U any](f func(T) U, x T) U { return f(x) }

		func Map[T, U any](xs []T, f func(T) U) []U {
			var res []U
			for _, x := range xs {
				res = append(res, apply(f, x))
			}
			return res
		}

		func unbox[T any](b *Box[T]) T { return b.v }

		func boxed[T any](x T) T { return unbox(&Box[T]{x}) }

		func id(p *int) *int { return p }

		func main() {
			x := new(int)
			ys := Map([]*int{x}, id)
			_ = boxed(ys[0])
		}`)

	res := analyze(t, prog)

	origins := map[*ssa.Function]bool{
		pkg.Func("apply"): true,
		pkg.Func("Map"):   true,
		pkg.Func("unbox"): true,
		pkg.Func("boxed"): true,
	}
	generic, concrete := 0, 0
	for fn := range ssautil.AllFunctions(prog) {
		if !origins[fn.Origin()] && !origins[fn] {
			continue
		}

		if isGeneric(fn) {
			generic++
			for _, ds := range []*DataStructures{res.Local, res.StdLib, res.Steensgaard} {
				assert.False(t, ds.HasGraph(fn), "%s: %v has type parameters", ds.Name(), fn)
			}
		} else {
			concrete++
			assert.True(t, res.Local.HasGraph(fn), "%v", fn)
		}
	}
	// The bodies, the concrete instances and the instances over the type
	// parameters of Map and boxed.
	assert.GreaterOrEqual(t, generic, 6)
	assert.Equal(t, 4, concrete)

	main := pkg.Func("main")
	var x, y ssa.Value
	for _, alloc := range instructions[*ssa.Alloc](main) {
		if alloc.Type().String() == "*int" {
			x = alloc
		}
	}
	for _, call := range instructions[*ssa.Call](main) {
		if sc := call.Call.StaticCallee(); sc != nil && sc.Origin() == pkg.Func("boxed") {
			y = call.Call.Args[0]
		}
	}
	require.NotNil(t, x)
	require.NotNil(t, y)

	ds := res.Steensgaard
	assert.True(t, ds.Pointer(x).MayAlias(ds.Pointer(y)),
		"x flows through the instances of Map and apply")
}
