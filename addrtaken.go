package dsa

import (
	"github.com/BarrensZeppelin/dsa/internal/maps"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// AddressTaken is the set of functions whose address escapes, i.e. which may
// be the target of an indirect call.
type AddressTaken struct {
	funcs map[*ssa.Function]bool
}

// RunAddressTaken finds the address-taken functions of prog. A function is
// address-taken if it is used anywhere except as the callee operand of a
// call: stored to memory, passed as an argument, bound into a closure,
// merged by a phi, converted to an interface and so on. Uses through a closure
// of the function or a conversion of the function value to another function
// type are followed.
func RunAddressTaken(prog *ssa.Program) *AddressTaken {
	res := &AddressTaken{funcs: make(map[*ssa.Function]bool)}

	var rands []*ssa.Value
	for fun := range ssautil.AllFunctions(prog) {
		for _, block := range fun.Blocks {
			for _, insn := range block.Instrs {
				rands = insn.Operands(rands[:0])
				for _, rand := range rands {
					f, ok := (*rand).(*ssa.Function)
					if ok && !res.funcs[f] && escapes(insn, rand) {
						res.funcs[f] = true
					}
				}
			}
		}
	}

	return res
}

// escapes reports whether the operand rand of insn lets the value escape.
func escapes(insn ssa.Instruction, rand *ssa.Value) bool {
	switch insn := insn.(type) {
	case *ssa.Store:
		return true
	case ssa.CallInstruction:
		common := insn.Common()
		return common.IsInvoke() || rand != &common.Value
	case *ssa.MakeClosure:
		if rand != &insn.Fn {
			return true
		}
		return valueEscapes(insn)
	case *ssa.ChangeType:
		return valueEscapes(insn)
	case *ssa.DebugRef:
		return false
	default:
		return true
	}
}

// valueEscapes reports whether any use of v lets it escape.
func valueEscapes(v ssa.Value) bool {
	refs := v.Referrers()
	if refs == nil {
		return false
	}

	var rands []*ssa.Value
	for _, user := range *refs {
		rands = user.Operands(rands[:0])
		for _, rand := range rands {
			if *rand == v && escapes(user, rand) {
				return true
			}
		}
	}
	return false
}

func (a *AddressTaken) HasAddressTaken(fn *ssa.Function) bool {
	return a.funcs[fn]
}

// Functions returns the address-taken functions.
func (a *AddressTaken) Functions() []*ssa.Function {
	return maps.SortedKeys(a.funcs, functionLess)
}

func (a *AddressTaken) Len() int {
	return len(a.funcs)
}
