package dsa

import (
	"fmt"
	"os"
	"runtime"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Options control the analysis. They can be loaded from a YAML file; fields
// that are absent from the file keep their default value.
type Options struct {
	// Arch is the GOARCH whose type layout determines node offsets.
	Arch string `yaml:"arch"`

	// Allocators and Deallocators extend the built-in seed sets. Names may be
	// qualified ("pkg/path.Func", "(*pkg/path.T).Method") or unqualified
	// ("malloc"), in which case they match body-less package-level functions
	// of any package.
	Allocators   []string `yaml:"allocators"`
	Deallocators []string `yaml:"deallocators"`

	// TransitiveWrappers makes allocator identification iterate until no new
	// wrappers are found, so that wrappers of wrappers are also recognized.
	TransitiveWrappers bool `yaml:"transitive-wrappers"`

	// Parallelism bounds the number of functions whose local graphs are
	// built concurrently. Values below 1 mean GOMAXPROCS.
	Parallelism int `yaml:"parallelism"`

	LogLevel string `yaml:"log-level"`
}

func DefaultOptions() Options {
	return Options{
		Arch:        "amd64",
		Parallelism: runtime.GOMAXPROCS(0),
		LogLevel:    "info",
	}
}

// LoadOptions reads options from the YAML file at path.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()

	b, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("could not read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &opts); err != nil {
		return opts, fmt.Errorf("could not unmarshal config file %s: %w", path, err)
	}

	if _, err := opts.Level(); err != nil {
		return opts, err
	}

	return opts.withDefaults(), nil
}

// withDefaults fills in zero fields.
func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Arch == "" {
		o.Arch = def.Arch
	}
	if o.Parallelism < 1 {
		o.Parallelism = def.Parallelism
	}
	if o.LogLevel == "" {
		o.LogLevel = def.LogLevel
	}
	return o
}

// Level returns the configured logrus level.
func (o Options) Level() (log.Level, error) {
	if o.LogLevel == "" {
		return log.InfoLevel, nil
	}

	lvl, err := log.ParseLevel(o.LogLevel)
	if err != nil {
		return lvl, fmt.Errorf("invalid log-level: %w", err)
	}
	return lvl, nil
}
