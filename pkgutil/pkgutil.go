// Package pkgutil loads Go packages and builds them into SSA form for the
// analysis.
package pkgutil

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/tools/go/packages"
	"golang.org/x/tools/go/ssa"
	"golang.org/x/tools/go/ssa/ssautil"
)

// Should be equivalent to packages.LoadAllSyntax (which is deprecated)
const LoadMode = packages.NeedSyntax | packages.NeedTypesInfo | packages.NeedTypes |
	packages.NeedTypesSizes | packages.NeedImports | packages.NeedName |
	packages.NeedFiles | packages.NeedCompiledGoFiles | packages.NeedDeps

// ErrLoad is returned when the loaded packages contain errors.
var ErrLoad = errors.New("errors encountered while loading packages")

func LoadPackagesFromSource(source string) ([]*packages.Package, error) {
	// We use the Overlay mechanism to allow the tool to load a non-existent file.
	config := &packages.Config{
		Mode:  LoadMode,
		Tests: false,
		Dir:   "",
		Env:   append(os.Environ(), "GO111MODULE=off", "GOPATH=/fake"),
		Overlay: map[string][]byte{
			"/fake/testpackage/main.go": []byte(source),
		},
	}

	return LoadPackagesWithConfig(config, "/fake/testpackage/main.go")
}

func LoadPackagesWithConfig(config *packages.Config, queries ...string) ([]*packages.Package, error) {
	pkgs, err := packages.Load(config, queries...)
	switch {
	case err != nil:
		return nil, fmt.Errorf("loading %v: %w", queries, err)
	case packages.PrintErrors(pkgs) > 0:
		return pkgs, ErrLoad
	default:
		return pkgs, nil
	}
}

// BuildProgram builds SSA for pkgs and all their dependencies. Generic
// functions are instantiated, which the analysis requires.
func BuildProgram(pkgs []*packages.Package, mode ssa.BuilderMode) (*ssa.Program, []*ssa.Package) {
	prog, spkgs := ssautil.AllPackages(pkgs, mode|ssa.InstantiateGenerics)
	prog.Build()
	return prog, spkgs
}

// BuildFromSource loads and builds a single-file main package.
func BuildFromSource(source string) (*ssa.Program, *ssa.Package, error) {
	pkgs, err := LoadPackagesFromSource(source)
	if err != nil {
		return nil, nil, err
	}

	prog, spkgs := BuildProgram(pkgs, ssa.SanityCheckFunctions)
	return prog, spkgs[0], nil
}
