package dsa

import "go/types"

// applyModel replaces a call to a library function with a description of its
// effect on memory. It reports whether the call was modeled. Models may
// synthesize call sites for functions that the callee calls back.
func (b *builder) applyModel(cs *CallSite) bool {
	sc := cs.Callee

	allocator, deallocator := b.allocs.IsSeedAllocator(sc), b.allocs.IsSeedDeallocator(sc)
	if b.strategy != localStrategy {
		allocator = allocator || b.allocs.IsAllocator(sc)
		deallocator = deallocator || b.allocs.IsDeallocator(sc)
	}

	switch {
	case allocator:
		if n := cs.Ret.Node(); n != nil {
			n.setFlags(HeapNode)
			if v := cs.Site.Value(); v != nil {
				n.addSite(v)
			}
		}
		if sc.Name() == "realloc" && len(cs.Args) > 0 {
			merge(cs.Ret, cs.Args[0])
		}
		return true

	case deallocator:
		if len(cs.Args) > 0 {
			if n := cs.Args[0].Node(); n != nil {
				n.setFlags(HeapNode)
			}
		}
		return true
	}

	if b.strategy == localStrategy {
		return false
	}

	switch sc.String() {
	case "fmt.Print", "fmt.Printf", "fmt.Println",
		"fmt.Sprint", "fmt.Sprintf", "fmt.Sprintln",
		"log.Print", "log.Printf", "log.Println",
		"log.Fatal", "log.Fatalf", "log.Fatalln",
		"bytes.Equal", "bytes.Compare",
		"runtime.KeepAlive", "runtime.Gosched", "runtime.GC":
		// Read-only
		for _, h := range cs.Args {
			if n := h.Node(); n != nil {
				n.setFlags(ReadNode)
			}
		}
		return true

	case "(*sync.Mutex).Lock", "(*sync.Mutex).Unlock", "(*sync.Mutex).TryLock",
		"(*sync.RWMutex).Lock", "(*sync.RWMutex).Unlock",
		"(*sync.RWMutex).RLock", "(*sync.RWMutex).RUnlock",
		"(*sync.WaitGroup).Add", "(*sync.WaitGroup).Done", "(*sync.WaitGroup).Wait":
		return true

	case "runtime.memmove":
		merge(cs.Args[0], cs.Args[1])
		return true

	case "sync/atomic.LoadPointer":
		merge(cs.Ret, b.load(cs.Args[0], unsafePointerType))
		return true
	case "sync/atomic.StorePointer":
		b.store(cs.Args[0], unsafePointerType, cs.Args[1])
		return true
	case "sync/atomic.SwapPointer":
		merge(cs.Ret, b.load(cs.Args[0], unsafePointerType))
		b.store(cs.Args[0], unsafePointerType, cs.Args[1])
		return true
	case "sync/atomic.CompareAndSwapPointer":
		b.load(cs.Args[0], unsafePointerType)
		b.store(cs.Args[0], unsafePointerType, cs.Args[2])
		return true

	// atomic.Value holds a single interface value at offset 0.
	case "(*sync/atomic.Value).Load":
		merge(cs.Ret, b.load(cs.Args[0], emptyInterface))
		return true
	case "(*sync/atomic.Value).Store":
		b.store(cs.Args[0], emptyInterface, cs.Args[1])
		return true
	case "(*sync/atomic.Value).Swap":
		merge(cs.Ret, b.load(cs.Args[0], emptyInterface))
		b.store(cs.Args[0], emptyInterface, cs.Args[1])
		return true
	case "(*sync/atomic.Value).CompareAndSwap":
		b.load(cs.Args[0], emptyInterface)
		b.store(cs.Args[0], emptyInterface, cs.Args[2])
		return true

	// Callback registration. The callback is treated as called right away.
	case "runtime.SetFinalizer":
		b.callback(cs, cs.Args[1], cs.Args[0])
		return true
	case "sync.runtime_registerPoolCleanup":
		b.callback(cs, cs.Args[0])
		return true
	case "internal/godebug.setUpdate":
		b.callback(cs, cs.Args[0], Handle{}, Handle{})
		return true
	case "(*sync.Once).Do":
		b.callback(cs, cs.Args[1])
		return true

	case "time.startTimer":
		// The timer calls its field f with its field arg.
		rt, ok := deref(sc.Signature.Params().At(0).Type()).Underlying().(*types.Struct)
		if !ok {
			return false
		}
		fI, argI := FieldIndex(rt, "f"), FieldIndex(rt, "arg")
		if fI == -1 || argI == -1 {
			return false
		}

		timer := cs.Args[0]
		f := b.load(timer.Add(b.layout.fieldOffset(rt, fI)), rt.Field(fI).Type())
		arg := b.load(timer.Add(b.layout.fieldOffset(rt, argI)), rt.Field(argI).Type())
		b.callback(cs, f, arg, Handle{})
		return true
	}

	return false
}

// callback records an indirect call of fun with args at the site of cs.
func (b *builder) callback(cs *CallSite, fun Handle, args ...Handle) {
	b.addCall(&CallSite{
		Site:         cs.Site,
		Caller:       cs.Caller,
		CalleeHandle: fun,
		Args:         args,
	})
}
