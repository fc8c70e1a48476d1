package dsa

import (
	"fmt"
	"go/types"

	"golang.org/x/tools/go/ssa"
)

func FieldIndex(t *types.Struct, fieldName string) int {
	for i := 0; i < t.NumFields(); i++ {
		if t.Field(i).Name() == fieldName {
			return i
		}
	}

	return -1
}

// layout answers size and offset questions for a fixed target architecture.
type layout struct {
	sizes types.Sizes
}

func newLayout(arch string) (*layout, error) {
	sizes := types.SizesFor("gc", arch)
	if sizes == nil {
		return nil, fmt.Errorf("unsupported architecture %q", arch)
	}
	return &layout{sizes}, nil
}

func (l *layout) wordSize() int64 {
	return l.sizes.Sizeof(types.Typ[types.UnsafePointer])
}

func (l *layout) sizeof(t types.Type) int64 {
	if tup, ok := t.(*types.Tuple); ok {
		n := tup.Len()
		if n == 0 {
			return 0
		}
		offs := l.tupleOffsets(tup)
		return offs[n-1] + l.sizeof(tup.At(n-1).Type())
	}
	return l.sizes.Sizeof(t)
}

func (l *layout) fieldOffset(s *types.Struct, field int) int64 {
	fields := make([]*types.Var, s.NumFields())
	for i := range fields {
		fields[i] = s.Field(i)
	}
	return l.sizes.Offsetsof(fields)[field]
}

func (l *layout) tupleOffsets(t *types.Tuple) []int64 {
	vars := make([]*types.Var, t.Len())
	for i := range vars {
		vars[i] = t.At(i)
	}
	return l.sizes.Offsetsof(vars)
}

// closureOffsets returns the offsets of the free variables of fn inside a
// closure object. The code pointer occupies the first word.
func (l *layout) closureOffsets(fn *ssa.Function) []int64 {
	vars := make([]*types.Var, len(fn.FreeVars)+1)
	vars[0] = types.NewVar(fn.Pos(), nil, "fn", types.Typ[types.Uintptr])
	for i, fv := range fn.FreeVars {
		vars[i+1] = types.NewVar(fv.Pos(), nil, fv.Name(), fv.Type())
	}
	return l.sizes.Offsetsof(vars)[1:]
}

// leaves calls f for every non-aggregate component of t, with its offset
// relative to base. Array elements are folded onto the first element.
func (l *layout) leaves(t types.Type, base int64, f func(off int64, leaf types.Type)) {
	switch u := t.Underlying().(type) {
	case *types.Struct:
		for i := 0; i < u.NumFields(); i++ {
			l.leaves(u.Field(i).Type(), base+l.fieldOffset(u, i), f)
		}
	case *types.Array:
		if u.Len() > 0 {
			l.leaves(u.Elem(), base, f)
		}
	case *types.Tuple:
		offs := l.tupleOffsets(u)
		for i := 0; i < u.Len(); i++ {
			l.leaves(u.At(i).Type(), base+offs[i], f)
		}
	default:
		f(base, t)
	}
}

// uninstantiated reports whether fn is the body of a generic function that
// has not been instantiated.
func uninstantiated(fn *ssa.Function) bool {
	return fn.TypeParams().Len() > len(fn.TypeArgs())
}

// isGeneric reports whether fn has no layout of its own: it is either an
// uninstantiated body or an instance whose type arguments still mention type
// parameters (e.g. runtime.fandbits[F], instantiated from another generic
// body). Anonymous functions inherit this from their parent.
func isGeneric(fn *ssa.Function) bool {
	for ; fn != nil; fn = fn.Parent() {
		if uninstantiated(fn) {
			return true
		}
		for _, targ := range fn.TypeArgs() {
			if mentionsTypeParam(targ) {
				return true
			}
		}
	}
	return false
}

// mentionsTypeParam reports whether t is or contains a type parameter. Named
// types are only inspected through their type arguments.
func mentionsTypeParam(t types.Type) bool {
	switch t := t.(type) {
	case *types.TypeParam:
		return true
	case *types.Pointer:
		return mentionsTypeParam(t.Elem())
	case *types.Slice:
		return mentionsTypeParam(t.Elem())
	case *types.Array:
		return mentionsTypeParam(t.Elem())
	case *types.Chan:
		return mentionsTypeParam(t.Elem())
	case *types.Map:
		return mentionsTypeParam(t.Key()) || mentionsTypeParam(t.Elem())
	case *types.Tuple:
		for i := 0; i < t.Len(); i++ {
			if mentionsTypeParam(t.At(i).Type()) {
				return true
			}
		}
	case *types.Signature:
		return mentionsTypeParam(t.Params()) || mentionsTypeParam(t.Results())
	case *types.Struct:
		for i := 0; i < t.NumFields(); i++ {
			if mentionsTypeParam(t.Field(i).Type()) {
				return true
			}
		}
	case *types.Interface:
		for i := 0; i < t.NumMethods(); i++ {
			if mentionsTypeParam(t.Method(i).Type()) {
				return true
			}
		}
	case *types.Named:
		targs := t.TypeArgs()
		for i := 0; i < targs.Len(); i++ {
			if mentionsTypeParam(targs.At(i)) {
				return true
			}
		}
	}
	return false
}

func hasBody(fn *ssa.Function) bool {
	return len(fn.Blocks) > 0
}

func valueKey(v ssa.Value) string {
	switch v := v.(type) {
	case *ssa.Function:
		return v.String()
	case *ssa.Global:
		return v.String()
	}
	if fn := v.Parent(); fn != nil {
		return fn.String() + ":" + v.Name()
	}
	return v.String()
}

func valueLess(a, b ssa.Value) bool {
	if a.Pos() != b.Pos() {
		return a.Pos() < b.Pos()
	}
	return valueKey(a) < valueKey(b)
}

func functionLess(a, b *ssa.Function) bool {
	if sa, sb := a.String(), b.String(); sa != sb {
		return sa < sb
	}
	return a.Pos() < b.Pos()
}
