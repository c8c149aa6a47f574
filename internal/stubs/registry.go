// Package stubs collects the host implementations exported to the guest.
// Each framework package registers its functions, constants and classes from
// init(), and the environment is built from the assembled catalog.
//
// Import internal/stubs/all to register every framework.
package stubs

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	glog "github.com/zboralski/hlego/internal/log"
	"github.com/zboralski/hlego/internal/objc"
)

// Registry holds registered export lists, one per framework.
type Registry struct {
	mu        sync.RWMutex
	functions []dyld.FunctionExports
	constants []dyld.ConstantExports
	classes   []objc.ClassExports

	// Callbacks
	OnCall func(category, name, detail string)
}

// DefaultRegistry is the global registry used by init() functions.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// RegisterFunctions adds a framework's functions under category.
func (r *Registry) RegisterFunctions(category string, list dyld.FunctionExports) {
	stamped := make(dyld.FunctionExports, len(list))
	for i, f := range list {
		f.Category = category
		stamped[i] = f
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions = append(r.functions, stamped)

	if Debug && glog.L != nil {
		glog.L.Debug("registered functions",
			zap.String("cat", category),
			zap.Int("count", len(list)),
		)
	}
}

// RegisterConstants adds a framework's constants under category.
func (r *Registry) RegisterConstants(category string, list dyld.ConstantExports) {
	stamped := make(dyld.ConstantExports, len(list))
	for i, c := range list {
		c.Category = category
		stamped[i] = c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.constants = append(r.constants, stamped)
}

// RegisterClasses adds a framework's classes.
func (r *Registry) RegisterClasses(list objc.ClassExports) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classes = append(r.classes, list)
}

// Catalog returns everything registered so far.
func (r *Registry) Catalog() env.Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return env.Catalog{
		Functions: append([]dyld.FunctionExports(nil), r.functions...),
		Constants: append([]dyld.ConstantExports(nil), r.constants...),
		Classes:   append([]objc.ClassExports(nil), r.classes...),
	}
}

// Count returns the number of registered functions and constants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, l := range r.functions {
		n += len(l)
	}
	for _, l := range r.constants {
		n += len(l)
	}
	return n
}

// Entry is one exported symbol for listings.
type Entry struct {
	Name      string
	Category  string
	Kind      string // "function" or "constant"
	Signature string
}

// List returns all registered symbols sorted by name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Entry
	for _, l := range r.functions {
		for _, f := range l {
			out = append(out, Entry{Name: f.Name, Category: f.Category, Kind: "function", Signature: f.Func.Signature().String()})
		}
	}
	for _, l := range r.constants {
		for _, c := range l {
			out = append(out, Entry{Name: c.Name, Category: c.Category, Kind: "constant"})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ClassNames returns all registered class names sorted.
func (r *Registry) ClassNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, l := range r.classes {
		for _, c := range l {
			out = append(out, c.Name)
		}
	}
	sort.Strings(out)
	return out
}

// Log reports a notable event from a host function: the OnCall callback
// gets it and it is traced at the guest return address.
func (r *Registry) Log(e *env.Environment, category, name, detail string) {
	r.mu.RLock()
	cb := r.OnCall
	r.mu.RUnlock()

	if cb != nil {
		cb(category, name, detail)
	}
	e.Log.Trace(e.CPU.LR(), category, name, detail)
}

// Debug enables verbose logging during registration.
var Debug = false

// Convenience functions for the default registry

// RegisterFunctions adds functions to the default registry.
func RegisterFunctions(category string, list dyld.FunctionExports) {
	DefaultRegistry.RegisterFunctions(category, list)
}

// RegisterConstants adds constants to the default registry.
func RegisterConstants(category string, list dyld.ConstantExports) {
	DefaultRegistry.RegisterConstants(category, list)
}

// RegisterClasses adds classes to the default registry.
func RegisterClasses(list objc.ClassExports) {
	DefaultRegistry.RegisterClasses(list)
}

// Log reports through the default registry.
func Log(e *env.Environment, category, name, detail string) {
	DefaultRegistry.Log(e, category, name, detail)
}

// Helper functions for stubs

// FormatHex formats a value as hex string.
func FormatHex(v uint32) string {
	if v == 0 {
		return "0"
	}
	return fmt.Sprintf("0x%x", v)
}

// FormatPtr formats name=value pairs.
func FormatPtr(name string, val uint32) string {
	return name + "=" + FormatHex(val)
}

// FormatPtrPair formats two name=value pairs.
func FormatPtrPair(name1 string, val1 uint32, name2 string, val2 uint32) string {
	if name2 == "" {
		return FormatPtr(name1, val1)
	}
	return FormatPtr(name1, val1) + " " + FormatPtr(name2, val2)
}
