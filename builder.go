package dsa

import (
	"fmt"
	"go/constant"
	"go/token"
	"go/types"

	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/go/ssa"
)

// strategy selects how much an engine knows about library code.
type strategy int

const (
	// Only the seed allocators are modeled.
	localStrategy strategy = iota
	// Library functions with known behavior are replaced by models.
	stdlibStrategy
)

// engine holds the program-wide state shared by the builders of all
// functions. It is read-only while graphs are built, so several builders may
// run concurrently.
type engine struct {
	prog      *ssa.Program
	layout    *layout
	opts      Options
	addrTaken *AddressTaken
	allocs    *AllocIdentResult
	strategy  strategy
}

// builder constructs the local graph of a single function.
type builder struct {
	*engine
	g  *Graph
	fn *ssa.Function
}

var (
	unsafePointerType = types.Typ[types.UnsafePointer]
	emptyInterface    = types.NewInterfaceType(nil, nil).Complete()
)

// buildGraph builds the local graph of fn in a single pass over its
// instructions.
func (e *engine) buildGraph(fn *ssa.Function) (*Graph, error) {
	b := &builder{engine: e, g: newGraph(fn, e.layout), fn: fn}

	for _, p := range fn.Params {
		b.eval(p)
	}
	if sig := fn.Signature; sig.Variadic() && len(fn.Params) > 0 {
		if h := b.eval(fn.Params[len(fn.Params)-1]); !h.IsNil() {
			b.g.varargs[fn] = h
		}
	}
	b.g.returnHandle(fn)

	if ctx := b.g.contextHandle(fn); !ctx.IsNil() {
		offs := e.layout.closureOffsets(fn)
		for i, fv := range fn.FreeVars {
			b.g.bind(fv, b.fetch(ctx.Add(offs[i]), fv.Type()))
		}
	}

	for _, block := range fn.Blocks {
		for _, insn := range block.Instrs {
			if err := b.visit(insn); err != nil {
				return nil, err
			}
		}
	}

	var roots []Handle
	for _, cs := range b.g.calls {
		roots = append(roots, cs.handles()...)
	}
	markIncomplete(append(roots, b.g.externalRoots()...))

	return b.g, nil
}

// eval returns the handle of v, creating it on first use. Values that cannot
// hold pointers have no handle.
func (b *builder) eval(v ssa.Value) Handle {
	switch v := v.(type) {
	case *ssa.Const, *ssa.Builtin:
		return Handle{}
	case *ssa.Global:
		return b.global(v)
	case *ssa.Function:
		return b.function(v)
	}

	if h, found := b.g.scalars[v]; found {
		return h
	}
	if !hasHandle(v.Type()) {
		return Handle{}
	}

	h := b.g.newHandle(0)
	if Aggregate(v.Type()) {
		b.g.record(h, v.Type())
	}
	b.g.scalars[v] = h
	return h
}

func (b *builder) global(v *ssa.Global) Handle {
	if h, found := b.g.scalars[v]; found {
		return h
	}

	h := b.g.newHandle(0)
	h.node.addGlobal(v)
	h.node.addSite(v)
	b.g.record(h, deref(v.Type()))
	b.g.scalars[v] = h
	return h
}

func (b *builder) function(fn *ssa.Function) Handle {
	if h, found := b.g.scalars[fn]; found {
		return h
	}

	h := b.g.newHandle(0)
	h.node.addGlobal(fn)
	b.g.scalars[fn] = h
	return h
}

// alloc binds v to a fresh object holding a value of type t.
func (b *builder) alloc(v ssa.Value, t types.Type, flags NodeFlags) Handle {
	h := b.g.newHandle(flags)
	h.node.addSite(v)
	b.g.record(h, t)
	b.g.bind(v, h)
	return h
}

func (b *builder) unknown(v ssa.Value) {
	if hasHandle(v.Type()) {
		b.g.bind(v, b.g.newHandle(UnknownNode|IncompleteNode))
	}
}

// fetch returns the handle of a value of type t stored at addr.
func (b *builder) fetch(addr Handle, t types.Type) Handle {
	if addr.IsNil() {
		return Handle{}
	}

	b.g.record(addr, t)
	switch {
	case PointerLike(t):
		return b.g.link(addr)
	case Aggregate(t):
		h := b.g.newHandle(0)
		b.g.record(h, t)
		b.copyLeaves(h, addr, t)
		return h
	default:
		return Handle{}
	}
}

// assign writes a value of type t with handle val to addr.
func (b *builder) assign(addr Handle, t types.Type, val Handle) {
	if addr.IsNil() {
		return
	}

	b.g.record(addr, t)
	switch {
	case PointerLike(t):
		if !val.IsNil() {
			merge(b.g.link(addr), val)
		}
	case Aggregate(t):
		b.copyLeaves(addr, val, t)
	}
}

// load and store are fetch and assign on program memory.
func (b *builder) load(addr Handle, t types.Type) Handle {
	if n := addr.Node(); n != nil {
		n.setFlags(ReadNode)
	}
	return b.fetch(addr, t)
}

func (b *builder) store(addr Handle, t types.Type, val Handle) {
	if n := addr.Node(); n != nil {
		n.setFlags(ModifiedNode)
	}
	b.assign(addr, t, val)
}

// copyLeaves unifies the pointees of the pointer-like leaves of two
// aggregates of type t.
func (b *builder) copyLeaves(dst, src Handle, t types.Type) {
	if dst.IsNil() || src.IsNil() {
		return
	}

	b.layout.leaves(t, 0, func(off int64, lt types.Type) {
		if PointerLike(lt) {
			merge(b.g.link(dst.Add(off)), b.g.link(src.Add(off)))
		}
	})
}

// commaOk binds v, a (T, bool) tuple, to a tuple holding h.
func (b *builder) commaOk(v ssa.Value, t types.Type, h Handle) {
	b.assign(b.eval(v), t, h)
}

func deref(t types.Type) types.Type {
	if p, ok := t.Underlying().(*types.Pointer); ok {
		return p.Elem()
	}
	return t
}

func (b *builder) visit(insn ssa.Instruction) error {
	switch t := insn.(type) {
	case ssa.CallInstruction:
		return b.visitCall(t)

	case *ssa.Alloc:
		flags := StackNode
		if t.Heap {
			flags = HeapNode
		}
		b.alloc(t, deref(t.Type()), flags)

	case *ssa.MakeSlice:
		b.alloc(t, t.Type().Underlying().(*types.Slice).Elem(), HeapNode)

	case *ssa.MakeMap:
		h := b.g.newHandle(HeapNode)
		h.node.addSite(t)
		b.g.bind(t, h)

	case *ssa.MakeChan:
		b.alloc(t, t.Type().Underlying().(*types.Chan).Elem(), HeapNode)

	case *ssa.MakeClosure:
		fn := t.Fn.(*ssa.Function)
		h := b.g.newHandle(HeapNode)
		h.node.addFunction(fn)
		h.node.addSite(t)
		offs := b.layout.closureOffsets(fn)
		for i, bv := range t.Bindings {
			b.assign(h.Add(offs[i]), fn.FreeVars[i].Type(), b.eval(bv))
		}
		b.g.bind(t, h)

	case *ssa.MakeInterface:
		b.visitMakeInterface(t)

	case *ssa.UnOp:
		switch t.Op {
		case token.MUL:
			b.g.bind(t, b.load(b.eval(t.X), deref(t.X.Type())))
		case token.ARROW:
			elem := t.X.Type().Underlying().(*types.Chan).Elem()
			h := b.load(b.eval(t.X), elem)
			if t.CommaOk {
				b.commaOk(t, elem, h)
			} else {
				b.g.bind(t, h)
			}
		}

	case *ssa.FieldAddr:
		s := deref(t.X.Type()).Underlying().(*types.Struct)
		x := b.eval(t.X)
		b.g.record(x, s)
		b.g.bind(t, x.Add(b.layout.fieldOffset(s, t.Field)))

	case *ssa.Field:
		s := t.X.Type().Underlying().(*types.Struct)
		off := b.layout.fieldOffset(s, t.Field)
		b.g.bind(t, b.fetch(b.eval(t.X).Add(off), t.Type()))

	case *ssa.IndexAddr:
		// Every element is folded onto the first.
		b.g.bind(t, b.eval(t.X))

	case *ssa.Index:
		if _, ok := t.X.Type().Underlying().(*types.Array); ok {
			b.g.bind(t, b.fetch(b.eval(t.X), t.Type()))
		}

	case *ssa.Lookup:
		if m, ok := t.X.Type().Underlying().(*types.Map); ok {
			h := b.load(b.g.link(b.eval(t.X).Add(b.layout.wordSize())), m.Elem())
			if t.CommaOk {
				b.commaOk(t, m.Elem(), h)
			} else {
				b.g.bind(t, h)
			}
		}

	case *ssa.Slice:
		if _, ok := t.X.Type().Underlying().(*types.Basic); !ok {
			b.g.bind(t, b.eval(t.X))
		}

	case *ssa.SliceToArrayPointer:
		b.g.bind(t, b.eval(t.X))
	case *ssa.ChangeType:
		b.g.bind(t, b.eval(t.X))
	case *ssa.ChangeInterface:
		b.g.bind(t, b.eval(t.X))

	case *ssa.Convert:
		b.visitConvert(t, t.X)
	case *ssa.MultiConvert:
		b.visitConvert(t, t.X)

	case *ssa.TypeAssert:
		var h Handle
		switch {
		case types.IsInterface(t.AssertedType), PointerLike(t.AssertedType):
			h = b.eval(t.X)
		case Aggregate(t.AssertedType):
			h = b.fetch(b.eval(t.X), t.AssertedType)
		}
		if t.CommaOk {
			b.commaOk(t, t.AssertedType, h)
		} else {
			b.g.bind(t, h)
		}

	case *ssa.Phi:
		for _, e := range t.Edges {
			b.g.bind(t, b.eval(e))
		}

	case *ssa.Extract:
		tup := t.Tuple.Type().(*types.Tuple)
		off := b.layout.tupleOffsets(tup)[t.Index]
		b.g.bind(t, b.fetch(b.eval(t.Tuple).Add(off), t.Type()))

	case *ssa.Select:
		tup := t.Type().(*types.Tuple)
		offs := b.layout.tupleOffsets(tup)
		res := b.eval(t)
		// Received values follow the chosen index and recvOk.
		next := 2
		for _, st := range t.States {
			elem := st.Chan.Type().Underlying().(*types.Chan).Elem()
			ch := b.eval(st.Chan)
			if st.Dir == types.RecvOnly {
				b.assign(res.Add(offs[next]), elem, b.load(ch, elem))
				next++
			} else {
				b.store(ch, elem, b.eval(st.Send))
			}
		}

	case *ssa.Range:
		if _, ok := t.X.Type().Underlying().(*types.Map); ok {
			b.g.bind(t, b.eval(t.X))
		}

	case *ssa.Next:
		if t.IsString {
			break
		}
		m := t.Iter.(*ssa.Range).X.Type().Underlying().(*types.Map)
		tup := t.Type().(*types.Tuple)
		offs := b.layout.tupleOffsets(tup)
		iter := b.eval(t.Iter)
		res := b.eval(t)
		b.assign(res.Add(offs[1]), m.Key(), b.load(b.g.link(iter), m.Key()))
		b.assign(res.Add(offs[2]), m.Elem(),
			b.load(b.g.link(iter.Add(b.layout.wordSize())), m.Elem()))

	case *ssa.BinOp:

	case *ssa.Store:
		b.store(b.eval(t.Addr), t.Val.Type(), b.eval(t.Val))

	case *ssa.Send:
		b.store(b.eval(t.Chan), t.X.Type(), b.eval(t.X))

	case *ssa.MapUpdate:
		mt := t.Map.Type().Underlying().(*types.Map)
		m := b.eval(t.Map)
		b.store(b.g.link(m), mt.Key(), b.eval(t.Key))
		b.store(b.g.link(m.Add(b.layout.wordSize())), mt.Elem(), b.eval(t.Value))

	case *ssa.Panic:
		merge(b.g.panicHandle(), b.eval(t.X))

	case *ssa.Return:
		ret := b.g.returns[b.fn]
		switch len(t.Results) {
		case 0:
		case 1:
			if h := b.eval(t.Results[0]); !ret.IsNil() && !h.IsNil() {
				merge(ret, h)
			}
		default:
			tup := b.fn.Signature.Results()
			offs := b.layout.tupleOffsets(tup)
			for i, res := range t.Results {
				b.assign(ret.Add(offs[i]), tup.At(i).Type(), b.eval(res))
			}
		}

	case *ssa.DebugRef,
		*ssa.RunDefers,
		*ssa.If,
		*ssa.Jump:

	default:
		log.Debugf("Unhandled instruction in %v: %T %v", b.fn, t, t)
		if v, ok := t.(ssa.Value); ok {
			b.unknown(v)
		}
	}

	return nil
}

func (b *builder) visitMakeInterface(t *ssa.MakeInterface) {
	xt := t.X.Type()

	var h Handle
	switch {
	case PointerLike(xt):
		h = b.eval(t.X)
		if h.IsNil() {
			// Boxed nil pointers still need a node to carry their type.
			h = b.g.newHandle(0)
		}
	default:
		h = b.g.newHandle(HeapNode)
		h.node.addSite(t)
		b.assign(h, xt, b.eval(t.X))
	}

	h.Node().addDynType(xt)
	b.g.bind(t, h)
}

// visitConvert handles conversions between pointers, integers and strings.
func (b *builder) visitConvert(v ssa.Value, x ssa.Value) {
	from, to := PointerLike(x.Type()), PointerLike(v.Type())
	switch {
	case from && to:
		b.g.bind(v, b.eval(x))

	case to && isString(x.Type()):
		// []byte(s) and []rune(s) allocate.
		b.alloc(v, v.Type().Underlying().(*types.Slice).Elem(), HeapNode)

	case to:
		h := b.g.newHandle(UnknownNode | IntToPtrNode | IncompleteNode)
		b.g.bind(v, h)

	case from:
		if n := b.eval(x).Node(); n != nil {
			n.setFlags(PtrToIntNode)
		}
	}
}

func isString(t types.Type) bool {
	basic, ok := t.Underlying().(*types.Basic)
	return ok && basic.Info()&types.IsString != 0
}

func (b *builder) evalAll(vs []ssa.Value) []Handle {
	res := make([]Handle, len(vs))
	for i, v := range vs {
		res[i] = b.eval(v)
	}
	return res
}

func (b *builder) addCall(cs *CallSite) {
	b.g.calls = append(b.g.calls, cs)
}

func (b *builder) visitCall(insn ssa.CallInstruction) error {
	common := insn.Common()

	var ret Handle
	if v := insn.Value(); v != nil {
		ret = b.eval(v)
	}
	cs := &CallSite{Site: insn, Caller: b.fn, Ret: ret}

	if common.IsInvoke() {
		cs.Method = common.Method
		cs.Args = b.evalAll(append([]ssa.Value{common.Value}, common.Args...))
		b.addCall(cs)
		return nil
	}

	if builtin, ok := common.Value.(*ssa.Builtin); ok {
		b.visitBuiltin(insn, builtin)
		return nil
	}

	cs.Args = b.evalAll(common.Args)

	sc := common.StaticCallee()
	if sc == nil {
		cs.CalleeHandle = b.eval(common.Value)
		b.addCall(cs)
		return nil
	}

	if uninstantiated(sc) {
		return fmt.Errorf("discovered uninstantiated call to generic function %v in %v "+
			"(build with ssa.InstantiateGenerics)", sc, b.fn)
	}

	cs.Callee = sc
	if _, ok := common.Value.(*ssa.MakeClosure); ok {
		cs.CalleeHandle = b.eval(common.Value)
	}

	switch {
	case b.applyModel(cs):
		cs.modeled = true
	case !hasBody(sc) || isGeneric(sc):
		// Instances over type parameters get no graph and behave like
		// external code.
		for _, h := range append([]Handle{cs.Ret}, cs.Args...) {
			if n := h.Node(); n != nil {
				n.setFlags(UnknownNode | IncompleteNode | ExternalNode)
			}
		}
	}

	b.addCall(cs)
	return nil
}

func (b *builder) visitBuiltin(insn ssa.CallInstruction, builtin *ssa.Builtin) {
	common := insn.Common()
	args := common.Args
	v := insn.Value()

	switch builtin.Name() {
	case "append":
		res := b.eval(v)
		res.Node().setFlags(HeapNode)
		res.Node().addSite(v)
		merge(res, b.eval(args[0]))

		if st, ok := args[1].Type().Underlying().(*types.Slice); ok {
			b.store(res, st.Elem(), b.load(b.eval(args[1]), st.Elem()))
		}

	case "copy":
		if st, ok := args[1].Type().Underlying().(*types.Slice); ok {
			b.store(b.eval(args[0]), st.Elem(), b.load(b.eval(args[1]), st.Elem()))
		}

	case "recover":
		b.g.bind(v, b.g.panicHandle())

	case "ssa:wrapnilchk", "Slice", "SliceData":
		b.g.bind(v, b.eval(args[0]))

	case "Add":
		ptr := b.eval(args[0])
		if c, ok := args[1].(*ssa.Const); ok && c.Value != nil && c.Value.Kind() == constant.Int {
			if off, exact := constant.Int64Val(c.Value); exact {
				b.g.bind(v, ptr.Add(off))
				break
			}
		}
		// Unknown displacement
		collapseNode(ptr)
		b.g.bind(v, ptr)

	case "StringData":
		b.g.bind(v, b.g.newHandle(0))
	}
}
