package dsa

import (
	"fmt"

	"golang.org/x/tools/go/ssa"
)

// Label denotes an abstract object that a pointer may point into: the
// objects allocated at a site (or a global variable, or a function), together
// with the byte offset the pointer designates inside them.
type Label struct {
	site   ssa.Value
	offset int64
}

// Site returns the allocation site, global or function of the object.
func (l Label) Site() ssa.Value { return l.site }
func (l Label) Offset() int64   { return l.offset }

// Path returns "" for pointers to the start of the object and "+N" for
// pointers N bytes into it.
func (l Label) Path() string {
	if l.offset == 0 {
		return ""
	}
	return fmt.Sprintf("+%d", l.offset)
}

func (l Label) String() string {
	var name string
	switch site := l.site.(type) {
	case *ssa.Function, *ssa.Global:
		name = site.String()
	default:
		name = fmt.Sprintf("%v: %s = %v", site.Parent(), site.Name(), site)
	}
	return name + l.Path()
}
