package dsa

import (
	"go/types"

	"github.com/BarrensZeppelin/dsa/internal/maps"
	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

var (
	seedAllocators = [...]string{
		"malloc", "calloc", "realloc", "valloc", "memalign", "aligned_alloc",
		"runtime.mallocgc", "runtime.newobject", "runtime.makeslice",
	}
	seedDeallocators = [...]string{
		"free", "cfree", "runtime.free",
	}
)

// AllocIdentResult holds the names of the functions that allocate or release
// heap memory, either because they are well known primitives or because they
// wrap one.
type AllocIdentResult struct {
	allocators   map[string]bool
	deallocators map[string]bool

	// Names that were not discovered as wrappers
	seedAllocators   map[string]bool
	seedDeallocators map[string]bool
}

// RunAllocIdentify identifies the allocator and deallocator wrappers of prog.
// The seed sets are the standard allocation primitives plus the names given
// in opts.
//
// A function wraps an allocator if it has a single pointer-like result and
// every value it returns flows from a call to a known allocator. A function
// wraps a deallocator if it passes one of its own parameters, unchanged, as
// the first argument to a known deallocator. Unless opts.TransitiveWrappers
// is set, only wrappers of seeds are found.
func RunAllocIdentify(prog *ssa.Program, opts Options) *AllocIdentResult {
	res := &AllocIdentResult{
		allocators:       make(map[string]bool),
		deallocators:     make(map[string]bool),
		seedAllocators:   make(map[string]bool),
		seedDeallocators: make(map[string]bool),
	}

	for _, name := range seedAllocators {
		res.seedAllocators[name] = true
	}
	for _, name := range opts.Allocators {
		res.seedAllocators[name] = true
	}
	for _, name := range seedDeallocators {
		res.seedDeallocators[name] = true
	}
	for _, name := range opts.Deallocators {
		res.seedDeallocators[name] = true
	}
	for name := range res.seedAllocators {
		res.allocators[name] = true
	}
	for name := range res.seedDeallocators {
		res.deallocators[name] = true
	}

	type staticCall struct {
		caller *ssa.Function
		call   *ssa.Call
	}

	var calls []staticCall
	for fun := range ssautil.AllFunctions(prog) {
		for _, block := range fun.Blocks {
			for _, insn := range block.Instrs {
				if call, ok := insn.(*ssa.Call); ok && call.Call.StaticCallee() != nil {
					calls = append(calls, staticCall{fun, call})
				}
			}
		}
	}

	for round := 1; ; round++ {
		// Classify against a snapshot so that a round only discovers
		// wrappers of functions known before it started.
		isAlloc := snapshot(res.allocators)
		isDealloc := snapshot(res.deallocators)

		found := 0
		for _, c := range calls {
			callee := c.call.Call.StaticCallee()
			if c.caller == callee || !hasBody(c.caller) {
				continue
			}

			name := c.caller.String()
			if isAlloc(callee) && !res.allocators[name] && allocWrapper(c.caller, c.call) {
				res.allocators[name] = true
				found++
			}
			if isDealloc(callee) && !res.deallocators[name] && deallocWrapper(c.caller, c.call) {
				res.deallocators[name] = true
				found++
			}
		}

		log.WithFields(log.Fields{
			"round":    round,
			"wrappers": found,
		}).Debug("Allocator identification")

		if found == 0 || !opts.TransitiveWrappers {
			break
		}
	}

	return res
}

// snapshot returns a membership test for a copy of names.
func snapshot(names map[string]bool) func(*ssa.Function) bool {
	cp := make(map[string]bool, len(names))
	for name := range names {
		cp[name] = true
	}
	return func(fn *ssa.Function) bool {
		return matchesAny(fn, cp)
	}
}

// allocWrapper reports whether every value returned by fn flows from the
// result of call.
func allocWrapper(fn *ssa.Function, call *ssa.Call) bool {
	if !pointerResult(fn.Signature) {
		return false
	}

	returns := 0
	for _, block := range fn.Blocks {
		if ret, ok := block.Instrs[len(block.Instrs)-1].(*ssa.Return); ok {
			returns++
			if !flowsFrom(ret.Results[0], call, nil) {
				return false
			}
		}
	}
	return returns > 0
}

// deallocWrapper reports whether call releases one of fn's parameters.
func deallocWrapper(fn *ssa.Function, call *ssa.Call) bool {
	args := call.Call.Args
	if len(args) == 0 {
		return false
	}

	for _, p := range fn.Params {
		if flowsFrom(args[0], p, nil) {
			return true
		}
	}
	return false
}

// flowsFrom reports whether dest is src, a cast of src, or a phi whose edges
// all flow from src.
func flowsFrom(dest, src ssa.Value, visiting map[*ssa.Phi]bool) bool {
	if dest == src {
		return true
	}

	switch d := dest.(type) {
	case *ssa.ChangeType:
		return d.X == src
	case *ssa.Convert:
		return d.X == src
	case *ssa.MultiConvert:
		return d.X == src
	case *ssa.ChangeInterface:
		return d.X == src
	case *ssa.MakeInterface:
		// Boxing a pointer does not copy the pointee.
		return d.X == src && PointerLike(d.X.Type())
	case *ssa.Phi:
		if visiting[d] {
			// Cycles through phis add no new sources.
			return true
		}
		if visiting == nil {
			visiting = make(map[*ssa.Phi]bool)
		}
		visiting[d] = true
		for _, e := range d.Edges {
			if !flowsFrom(e, src, visiting) {
				return false
			}
		}
		return len(d.Edges) > 0
	}
	return false
}

func matchesAny(fn *ssa.Function, names map[string]bool) bool {
	if names[fn.String()] {
		return true
	}
	// Unqualified names only match external declarations.
	if fn.Signature.Recv() == nil && !hasBody(fn) && names[fn.Name()] {
		return true
	}
	return false
}

// Allocators returns the names of the allocators in lexicographic order.
func (r *AllocIdentResult) Allocators() []string {
	return maps.SortedKeys(r.allocators, func(a, b string) bool { return a < b })
}

// Deallocators returns the names of the deallocators in lexicographic order.
func (r *AllocIdentResult) Deallocators() []string {
	return maps.SortedKeys(r.deallocators, func(a, b string) bool { return a < b })
}

func (r *AllocIdentResult) IsAllocator(fn *ssa.Function) bool {
	return matchesAny(fn, r.allocators)
}

func (r *AllocIdentResult) IsDeallocator(fn *ssa.Function) bool {
	return matchesAny(fn, r.deallocators)
}

// IsSeedAllocator reports whether fn is an allocation primitive, as opposed
// to a wrapper that was discovered.
func (r *AllocIdentResult) IsSeedAllocator(fn *ssa.Function) bool {
	return matchesAny(fn, r.seedAllocators)
}

func (r *AllocIdentResult) IsSeedDeallocator(fn *ssa.Function) bool {
	return matchesAny(fn, r.seedDeallocators)
}

// pointerResult reports whether the single result of sig can hold a pointer.
func pointerResult(sig *types.Signature) bool {
	return sig.Results().Len() == 1 && PointerLike(sig.Results().At(0).Type())
}
