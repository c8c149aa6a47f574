// Package config loads bridge settings from YAML.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy values for unresolved imports.
const (
	PolicyLazy   = "lazy"
	PolicyStrict = "strict"
)

// Config holds guest layout and runtime settings.
type Config struct {
	// MemorySize is the size of the guest address space.
	MemorySize uint32 `yaml:"memory_size"`
	// StackSize is reserved at the top of the address space.
	StackSize uint32 `yaml:"stack_size"`
	// StubRegionSize bounds the number of host stubs and trampolines.
	StubRegionSize uint32 `yaml:"stub_region_size"`
	// UnresolvedPolicy is "lazy" or "strict".
	UnresolvedPolicy string `yaml:"unresolved_policy"`
	// MaxCallDepth bounds nested host-to-guest calls.
	MaxCallDepth int `yaml:"max_call_depth"`

	Debug bool `yaml:"debug"`
	Trace bool `yaml:"trace"`
	// Disasm adds the disassembled instruction to every traced step.
	Disasm bool `yaml:"disasm"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		MemorySize:       0x10000000,
		StackSize:        0x00100000,
		StubRegionSize:   0x00010000,
		UnresolvedPolicy: PolicyLazy,
		MaxCallDepth:     64,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks layout constraints.
func (c Config) Validate() error {
	var errs []error
	if c.MemorySize < 0x100000 {
		errs = append(errs, fmt.Errorf("memory_size 0x%x below 1MB", c.MemorySize))
	}
	if c.MemorySize > 0xe0000000 {
		errs = append(errs, fmt.Errorf("memory_size 0x%x overlaps the fault window", c.MemorySize))
	}
	if c.StackSize == 0 || c.StackSize >= c.MemorySize/2 {
		errs = append(errs, fmt.Errorf("stack_size 0x%x out of range", c.StackSize))
	}
	if c.StubRegionSize < 0x100 {
		errs = append(errs, fmt.Errorf("stub_region_size 0x%x too small", c.StubRegionSize))
	}
	if c.UnresolvedPolicy != PolicyLazy && c.UnresolvedPolicy != PolicyStrict {
		errs = append(errs, fmt.Errorf("unresolved_policy %q: want %q or %q", c.UnresolvedPolicy, PolicyLazy, PolicyStrict))
	}
	if c.MaxCallDepth < 1 {
		errs = append(errs, fmt.Errorf("max_call_depth %d must be positive", c.MaxCallDepth))
	}
	return errors.Join(errs...)
}

// StackTop returns the initial stack pointer.
func (c Config) StackTop() uint32 {
	return (c.MemorySize - 0x10) &^ 7
}

// StackBottom returns the lowest stack address; the heap ends here.
func (c Config) StackBottom() uint32 {
	return c.MemorySize - c.StackSize
}
