package main

import (
	"flag"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/BarrensZeppelin/dsa"
	"github.com/BarrensZeppelin/dsa/pkgutil"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/slices"
	"golang.org/x/term"
	"golang.org/x/tools/go/packages"
	"gonum.org/v1/gonum/stat"
)

var (
	configPath = flag.String("config", "", "read analysis options from the YAML `file`")
	cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
	dir        = flag.String("dir", "", "alternative directory to run the go build tool in")
	dump       = flag.Bool("dump", false, "print the call graph")
	stats      = flag.Bool("stats", false, "print graph statistics")
	debug      = flag.Bool("debug", false, "enable debug logging")
)

func color(code string) func(...any) string {
	return func(args ...any) string {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			return fmt.Sprintf("\033[%sm%s\033[0m", code, fmt.Sprint(args...))
		}
		return fmt.Sprint(args...)
	}
}

var (
	bold  = color("1")
	green = color("1;32")
	red   = color("1;31")
)

func main() {
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})

	if flag.NArg() == 0 {
		log.Fatal("Specify a package query on the command line")
	}

	opts := dsa.DefaultOptions()
	if *configPath != "" {
		var err error
		if opts, err = dsa.LoadOptions(*configPath); err != nil {
			log.Fatal(err)
		}
	}

	lvl, err := opts.Level()
	if err != nil {
		log.Fatal(err)
	}
	if *debug {
		lvl = log.DebugLevel
	}
	log.SetLevel(lvl)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		defer func() {
			if err := f.Close(); err != nil {
				log.Fatal("Failed to close ", f.Name())
			}
		}()
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		defer pprof.StopCPUProfile()
	}

	pkgs, err := pkgutil.LoadPackagesWithConfig(&packages.Config{
		Mode:  pkgutil.LoadMode,
		Tests: true,
		Dir:   *dir,
	}, flag.Args()...)
	if err != nil {
		log.Fatalf("Loading packages failed: %v", err)
	}

	log.Infof("Loaded %d packages", len(pkgs))

	prog, _ := pkgutil.BuildProgram(pkgs, 0)

	log.Info("Built packages")

	res, err := dsa.Analyze(dsa.AnalysisConfig{
		Program: prog,
		Options: &opts,
	})
	if err != nil {
		log.Fatalf("Analysis failed: %v", err)
	}

	ds := res.Steensgaard
	log.Infof("%d address-taken functions, %d allocators, %d deallocators",
		res.AddressTaken.Len(), len(res.Allocators.Allocators()), len(res.Allocators.Deallocators()))
	log.Infof("Converged after %d passes, %d call edges",
		len(ds.Passes), ds.CallGraph().Size())

	if *dump {
		if err := ds.CallGraph().Dump(os.Stdout); err != nil {
			log.Fatal(err)
		}
	}

	if *stats {
		printStats(res)
	}
}

func printStats(res *dsa.Result) {
	fmt.Println(bold("Local graph sizes"))
	for _, ds := range []*dsa.DataStructures{res.Local, res.StdLib} {
		sizes := graphSizes(ds)
		if len(sizes) == 0 {
			continue
		}
		fmt.Printf("  %-8s functions: %d, mean nodes: %.1f, median: %.0f, p95: %.0f, max: %.0f\n",
			ds.Name(), len(sizes),
			stat.Mean(sizes, nil),
			stat.Quantile(0.5, stat.Empirical, sizes, nil),
			stat.Quantile(0.95, stat.Empirical, sizes, nil),
			sizes[len(sizes)-1])
	}

	fmt.Println(bold("Unification passes"))
	for _, p := range res.Steensgaard.Passes {
		mark := green("stable")
		if p.Merges != 0 || p.NewCallees != 0 {
			mark = red("changed")
		}
		fmt.Printf("  %3d: %8d nodes %8d callees %8d merges %8d new  %s\n",
			p.Pass, p.Representatives, p.Callees, p.Merges, p.NewCallees, mark)
	}

	cg := res.Steensgaard.CallGraph()
	incomplete := 0
	for _, caller := range cg.Callers() {
		for _, site := range cg.Sites(caller) {
			if cg.IsIncomplete(site) {
				incomplete++
			}
		}
	}
	fmt.Printf("%s %d\n", bold("Incomplete call sites:"), incomplete)
}

// graphSizes returns the number of nodes in the graph of every function in
// increasing order.
func graphSizes(ds *dsa.DataStructures) []float64 {
	var sizes []float64
	for _, fun := range ds.Functions() {
		sizes = append(sizes, float64(ds.Graph(fun).NumNodes()))
	}
	slices.Sort(sizes)
	return sizes
}
