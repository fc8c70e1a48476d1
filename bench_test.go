package dsa_test

import (
	"testing"

	"github.com/BarrensZeppelin/dsa"
	"github.com/BarrensZeppelin/dsa/pkgutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/tools/go/packages"
)

var blackHole any

// Benchmark performance of the analysis phases on the standard library (w.
// tests)
func BenchmarkStdlibAnalysis(b *testing.B) {
	pkgs, err := pkgutil.LoadPackagesWithConfig(
		&packages.Config{
			Mode:  pkgutil.LoadMode,
			Tests: true,
			Dir:   "",
		}, "std")
	require.NoError(b, err)

	prog, _ := pkgutil.BuildProgram(pkgs, 0)

	b.Run("Analyze", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			res, err := dsa.Analyze(dsa.AnalysisConfig{Program: prog})
			require.NoError(b, err)
			blackHole = res
		}
	})

	at := dsa.RunAddressTaken(prog)
	opts := dsa.DefaultOptions()
	ai := dsa.RunAllocIdentify(prog, opts)

	b.Run("Local", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			ds, err := dsa.RunLocal(prog, at, ai, opts)
			require.NoError(b, err)
			blackHole = ds
		}
	})

	b.Run("Steensgaard", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			b.StopTimer()
			ds, err := dsa.RunStdLib(prog, at, ai, opts)
			require.NoError(b, err)
			b.StartTimer()

			blackHole, err = dsa.RunSteensgaard(ds, at)
			require.NoError(b, err)
		}
	})
}
