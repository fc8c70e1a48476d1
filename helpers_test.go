package dsa

import (
	"testing"

	"github.com/BarrensZeppelin/dsa/pkgutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/ssa"
)

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
}

func buildProgram(t *testing.T, source string) (*ssa.Program, *ssa.Package) {
	t.Helper()
	prog, pkg, err := pkgutil.BuildFromSource(source)
	require.NoError(t, err)
	return prog, pkg
}

// instructions returns the instructions of type T in fn, in order.
func instructions[T ssa.Instruction](fn *ssa.Function) []T {
	var res []T
	for _, block := range fn.Blocks {
		for _, insn := range block.Instrs {
			if x, ok := insn.(T); ok {
				res = append(res, x)
			}
		}
	}
	return res
}

// analyze runs every phase of the analysis on the program.
func analyze(t *testing.T, prog *ssa.Program) *Result {
	t.Helper()
	res, err := Analyze(AnalysisConfig{Program: prog})
	require.NoError(t, err)
	return res
}

// callArgs returns the arguments of the first static call to the function
// called name in fn.
func callArgs(t *testing.T, fn *ssa.Function, name string) []ssa.Value {
	t.Helper()
	for _, call := range instructions[*ssa.Call](fn) {
		if callee := call.Call.StaticCallee(); callee != nil && callee.Name() == name {
			return call.Call.Args
		}
	}
	require.FailNow(t, "missing call", "no call to %s in %v", name, fn)
	return nil
}

// indirectCall returns the first call in fn that has no static callee.
func indirectCall(t *testing.T, fn *ssa.Function) ssa.CallInstruction {
	t.Helper()
	for _, call := range instructions[*ssa.Call](fn) {
		if call.Call.StaticCallee() == nil {
			return call
		}
	}
	require.FailNow(t, "missing call", "no indirect call in %v", fn)
	return nil
}
