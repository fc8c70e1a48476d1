package dsa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/ssa"
)

const allocProgram = `
	package main

	import "unsafe"

	func malloc(n uintptr) unsafe.Pointer
	func free(p unsafe.Pointer)
	func myalloc() *int

	func ubool() bool

	func W(n uintptr) *int {
		return (*int)(malloc(n))
	}

	func W2() *int {
		return W(8)
	}

	func MaybeNil(n uintptr) unsafe.Pointer {
		if ubool() {
			return malloc(n)
		}
		return nil
	}

	func compute(p unsafe.Pointer) unsafe.Pointer {
		q := malloc(8)
		_ = q
		return unsafe.Add(p, 1)
	}

	func M() *int {
		return myalloc()
	}

	func F(p unsafe.Pointer) {
		free(p)
	}

	func G(p *int) {
		free(unsafe.Pointer(p))
	}

	func H() {
		free(malloc(8))
	}

	func main() {}
`

func TestAllocIdentify(t *testing.T) {
	prog, pkg := buildProgram(t, allocProgram)

	res := RunAllocIdentify(prog, DefaultOptions())

	for name, expected := range map[string]bool{
		"malloc":   true,
		"W":        true,
		"MaybeNil": false,
		"compute":  false,
		"W2":       false,
		"M":        false,
		"main":     false,
	} {
		fn := pkg.Func(name)
		require.NotNil(t, fn, name)
		assert.Equal(t, expected, res.IsAllocator(fn), "IsAllocator(%s)", name)
	}

	for name, expected := range map[string]bool{
		"free": true,
		"F":    true,
		"G":    true,
		"H":    false,
	} {
		fn := pkg.Func(name)
		require.NotNil(t, fn, name)
		assert.Equal(t, expected, res.IsDeallocator(fn), "IsDeallocator(%s)", name)
	}

	assert.True(t, res.IsSeedAllocator(pkg.Func("malloc")))
	assert.False(t, res.IsSeedAllocator(pkg.Func("W")), "wrappers are not seeds")
	assert.True(t, res.IsSeedDeallocator(pkg.Func("free")))
	assert.False(t, res.IsSeedDeallocator(pkg.Func("F")))

	assert.Contains(t, res.Allocators(), pkg.Func("W").String())
	assert.Contains(t, res.Deallocators(), pkg.Func("G").String())
	assert.IsNonDecreasing(t, res.Allocators())
}

func TestAllocIdentifyTransitive(t *testing.T) {
	prog, pkg := buildProgram(t, allocProgram)

	opts := DefaultOptions()
	opts.TransitiveWrappers = true
	res := RunAllocIdentify(prog, opts)

	assert.True(t, res.IsAllocator(pkg.Func("W")))
	assert.True(t, res.IsAllocator(pkg.Func("W2")), "wrappers of wrappers should be found")
	assert.False(t, res.IsAllocator(pkg.Func("compute")))
}

func TestAllocIdentifyCustomSeeds(t *testing.T) {
	prog, pkg := buildProgram(t, allocProgram)

	opts := DefaultOptions()
	opts.Allocators = []string{"myalloc"}
	opts.Deallocators = []string{pkg.Func("H").String()}
	res := RunAllocIdentify(prog, opts)

	assert.True(t, res.IsSeedAllocator(pkg.Func("myalloc")))
	assert.True(t, res.IsAllocator(pkg.Func("M")))
	assert.True(t, res.IsSeedDeallocator(pkg.Func("H")), "qualified names should match")
}

func TestAllocIdentifyIgnoresGoDefinitions(t *testing.T) {
	prog, pkg := buildProgram(t, `
		package main

		var g *int
		var h int

		func sink(p, q *int) {}

		func free(p *int) { g = p }

		func malloc() *int { return &h }

		func main() {
			x := new(int)
			free(x)
			sink(g, x)
			sink(malloc(), &h)
		}`)

	res := analyze(t, prog)
	free, malloc := pkg.Func("free"), pkg.Func("malloc")

	assert.False(t, res.Allocators.IsSeedAllocator(malloc))
	assert.False(t, res.Allocators.IsAllocator(malloc))
	assert.False(t, res.Allocators.IsSeedDeallocator(free))
	assert.False(t, res.Allocators.IsDeallocator(free))

	main := pkg.Func("main")
	for _, ds := range []*DataStructures{res.Local, res.StdLib} {
		for _, cs := range ds.Graph(main).CallSites() {
			assert.False(t, cs.IsModeled(), "%s: %v", ds.Name(), cs.Site)
		}
	}

	var sinks [][]ssa.Value
	for _, call := range instructions[*ssa.Call](main) {
		if call.Call.StaticCallee() == pkg.Func("sink") {
			sinks = append(sinks, call.Call.Args)
		}
	}
	require.Len(t, sinks, 2)

	ds := res.Steensgaard
	x := callArgs(t, main, "free")[0]
	assert.True(t, ds.Pointer(x).MayAlias(ds.Pointer(free.Params[0])))
	assert.True(t, ds.Pointer(sinks[0][0]).MayAlias(ds.Pointer(sinks[0][1])),
		"free stores its argument in g")
	assert.True(t, ds.Pointer(sinks[1][0]).MayAlias(ds.Pointer(sinks[1][1])),
		"malloc returns the address of h")
}
