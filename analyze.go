package dsa

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/tools/go/ssa"
)

var ErrNoProgram = errors.New("no program to analyze")

type AnalysisConfig struct {
	Program *ssa.Program

	// The zero value is replaced by DefaultOptions.
	Options *Options
}

// Result holds the outcome of every phase of the analysis.
type Result struct {
	AddressTaken *AddressTaken
	Allocators   *AllocIdentResult

	Local       *DataStructures
	StdLib      *DataStructures
	Steensgaard *DataStructures
}

// Analyze runs the phases of the analysis in order. The program must have
// been built, with ssa.InstantiateGenerics if it uses generics.
func Analyze(config AnalysisConfig) (*Result, error) {
	prog := config.Program
	if prog == nil {
		return nil, ErrNoProgram
	}

	opts := DefaultOptions()
	if config.Options != nil {
		opts = config.Options.withDefaults()
	}

	res := &Result{}
	phases := []struct {
		name string
		run  func() error
	}{
		{"address-taken analysis", func() error {
			res.AddressTaken = RunAddressTaken(prog)
			return nil
		}},
		{"allocator identification", func() error {
			res.Allocators = RunAllocIdentify(prog, opts)
			return nil
		}},
		{"local analysis", func() (err error) {
			res.Local, err = RunLocal(prog, res.AddressTaken, res.Allocators, opts)
			return
		}},
		{"stdlib analysis", func() (err error) {
			res.StdLib, err = RunStdLib(prog, res.AddressTaken, res.Allocators, opts)
			return
		}},
		{"steensgaard analysis", func() (err error) {
			res.Steensgaard, err = RunSteensgaard(res.StdLib, res.AddressTaken)
			return
		}},
	}

	for _, p := range phases {
		start := time.Now()
		if err := p.run(); err != nil {
			return nil, fmt.Errorf("%s: %w", p.name, err)
		}
		log.WithField("elapsed", time.Since(start)).Debugf("Finished %s", p.name)
	}

	return res, nil
}
