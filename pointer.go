// Package dsa implements Data Structure Analysis for Go programs in SSA form:
// a Steensgaard-style, context-insensitive points-to analysis that is field
// sensitive by byte offset.
//
// The analysis runs in phases. [RunAddressTaken] finds the functions that
// may be called indirectly and [RunAllocIdentify] finds the allocator
// wrappers. [RunLocal] and [RunStdLib] build a graph for every function
// without looking at its callers or callees, and [RunSteensgaard] unifies
// them into a single graph while resolving calls. [Analyze] runs all phases
// in order.
package dsa

import (
	"go/types"
)

// PointerLike reports whether values of type t point to memory.
func PointerLike(t types.Type) bool {
	switch t := t.(type) {
	case *types.Pointer,
		*types.Map,
		*types.Chan,
		*types.Slice,
		*types.Interface,
		*types.Signature:
		return true
	case *types.Basic:
		return t.Kind() == types.UnsafePointer
	case *types.Named, *types.TypeParam:
		return PointerLike(t.Underlying())
	default:
		return false
	}
}

// Aggregate reports whether values of type t are stored inline and consist of
// several leaves (structs, arrays and result tuples).
func Aggregate(t types.Type) bool {
	switch t.Underlying().(type) {
	case *types.Struct, *types.Array, *types.Tuple:
		return true
	default:
		return false
	}
}

// hasHandle reports whether SSA values of type t are represented in the scalar
// map of a graph.
func hasHandle(t types.Type) bool {
	return PointerLike(t) || Aggregate(t)
}

// wordPointer reports whether t is a single machine word that points
// somewhere. Leaves of such types are compatible with each other when
// unifying type records.
func wordPointer(t types.Type) bool {
	switch t := t.Underlying().(type) {
	case *types.Pointer, *types.Map, *types.Chan, *types.Signature:
		return true
	case *types.Basic:
		return t.Kind() == types.UnsafePointer
	default:
		return false
	}
}

func compatibleLeaves(a, b types.Type) bool {
	if types.Identical(a, b) || (wordPointer(a) && wordPointer(b)) {
		return true
	}

	// Interfaces and slices of any type share their layout.
	switch a.Underlying().(type) {
	case *types.Interface:
		_, ok := b.Underlying().(*types.Interface)
		return ok
	case *types.Slice:
		_, ok := b.Underlying().(*types.Slice)
		return ok
	}
	return false
}
