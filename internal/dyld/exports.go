// Package dyld binds a guest binary's imports to host functions and
// constants, and creates guest-callable stubs for host functions.
package dyld

import (
	"fmt"
	"sort"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/mem"
)

// FunctionExport is a host function exported under a guest symbol name.
type FunctionExport struct {
	Name     string
	Category string
	Func     *abi.Func
}

// FunctionExports is one framework's list of exported functions.
type FunctionExports []FunctionExport

// Export exports fn under the exact symbol name.
func Export(name string, fn any) FunctionExport {
	return FunctionExport{Name: name, Func: abi.Wrap(fn)}
}

// ExportC exports fn under the C-mangled form of name.
func ExportC(name string, fn any) FunctionExport {
	return Export(MangleC(name), fn)
}

// MangleC applies the C symbol mangling of the guest toolchain.
func MangleC(name string) string { return "_" + name }

// HostConstant produces the guest storage for an exported constant.
type HostConstant interface {
	// Materialize returns the address of the constant's storage.
	Materialize(l *Linker) mem.Ptr
}

// NullPtr is a pointer-sized constant holding NULL.
type NullPtr struct{}

func (NullPtr) Materialize(l *Linker) mem.Ptr { return l.cell(0) }

// U32 is a 32-bit constant.
type U32 uint32

func (v U32) Materialize(l *Linker) mem.Ptr { return l.cell(uint32(v)) }

// Custom builds the storage itself, for structures such as callback tables.
type Custom func(l *Linker) mem.Ptr

func (f Custom) Materialize(l *Linker) mem.Ptr { return f(l) }

// ConstantExport is a host constant exported under a guest symbol name.
type ConstantExport struct {
	Name     string
	Category string
	Value    HostConstant
}

// ConstantExports is one framework's list of exported constants.
type ConstantExports []ConstantExport

// Symbol is an entry of the merged export table.
type Symbol struct {
	Name     string
	Category string
	Func     *abi.Func    // set for functions
	Constant HostConstant // set for constants
}

// Table is the merged, flat export table.
type Table struct {
	symbols map[string]*Symbol
}

// LoadExports merges function and constant lists into one table. A name that
// appears more than once anywhere is a configuration error.
func LoadExports(funcs []FunctionExports, consts []ConstantExports) (*Table, error) {
	t := &Table{symbols: make(map[string]*Symbol)}
	seen := make(map[string]int)
	for _, list := range funcs {
		for _, f := range list {
			seen[f.Name]++
			if f.Func == nil {
				return nil, &ConfigError{Problems: []string{fmt.Sprintf("function %s has no implementation", f.Name)}}
			}
			t.symbols[f.Name] = &Symbol{Name: f.Name, Category: f.Category, Func: f.Func}
		}
	}
	for _, list := range consts {
		for _, c := range list {
			seen[c.Name]++
			if c.Value == nil {
				return nil, &ConfigError{Problems: []string{fmt.Sprintf("constant %s has no value", c.Name)}}
			}
			t.symbols[c.Name] = &Symbol{Name: c.Name, Category: c.Category, Constant: c.Value}
		}
	}

	var dups []string
	for name, n := range seen {
		if n > 1 {
			dups = append(dups, fmt.Sprintf("%s exported %d times", name, n))
		}
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return nil, &ConfigError{Problems: dups}
	}
	return t, nil
}

// Lookup returns the symbol for an exact (mangled) name.
func (t *Table) Lookup(name string) (*Symbol, bool) {
	s, ok := t.symbols[name]
	return s, ok
}

// Len returns the number of symbols.
func (t *Table) Len() int { return len(t.symbols) }

// Symbols returns all symbols sorted by name.
func (t *Table) Symbols() []*Symbol {
	out := make([]*Symbol, 0, len(t.symbols))
	for _, s := range t.symbols {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
