package dsa

import (
	"fmt"
	"go/types"
	"strings"

	"github.com/BarrensZeppelin/dsa/internal/slices"
	"golang.org/x/tools/go/ssa"
)

// CallSite is a call recorded in a graph. Calls are not resolved
// while local graphs are built: the operands are only bound to the formals of
// the callees during global unification.
type CallSite struct {
	// Site is the call instruction. Synthesized calls (e.g. finalizers
	// registered with runtime.SetFinalizer) share the instruction of the call
	// that registered them.
	Site   ssa.CallInstruction
	Caller *ssa.Function

	// Callee is the statically known callee, or nil for indirect calls.
	Callee *ssa.Function
	// CalleeHandle designates the called function value for indirect calls
	// and the closure object for static calls of closures.
	CalleeHandle Handle
	// Method is the invoked interface method for calls in invoke mode. The
	// receiver is Args[0].
	Method *types.Func

	Args []Handle
	Ret  Handle

	// modeled calls have been replaced by a hand-written model and are only
	// kept for the call graph.
	modeled bool
}

func (cs *CallSite) IsDirect() bool   { return cs.Callee != nil }
func (cs *CallSite) IsInvoke() bool   { return cs.Method != nil }
func (cs *CallSite) IsModeled() bool  { return cs.modeled }
func (cs *CallSite) IsIndirect() bool { return cs.Callee == nil }

func (cs *CallSite) String() string {
	var callee string
	switch {
	case cs.Callee != nil:
		callee = cs.Callee.String()
	case cs.Method != nil:
		callee = "invoke " + cs.Method.Name()
	default:
		callee = "*" + cs.CalleeHandle.String()
	}

	args := slices.Map(cs.Args, Handle.String)
	return fmt.Sprintf("%s(%s) -> %v", callee, strings.Join(args, ", "), cs.Ret)
}

// handles returns every handle mentioned by the call site.
func (cs *CallSite) handles() []Handle {
	return append([]Handle{cs.CalleeHandle, cs.Ret}, cs.Args...)
}
