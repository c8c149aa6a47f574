package dyld

import (
	"errors"
	"fmt"

	"github.com/zboralski/hlego/internal/abi"
	glog "github.com/zboralski/hlego/internal/log"
	"github.com/zboralski/hlego/internal/loader"
	"github.com/zboralski/hlego/internal/mem"
)

// StubInstruction is the body of every host stub: ARM "bx lr". The emulator
// intercepts execution of the stub before it matters what the instruction
// does.
const StubInstruction = 0xe12fff1e

// StubSize is the guest size of one stub.
const StubSize = 4

// Data imports that resolve to nothing point into this never-mapped window,
// one slot per symbol, so a fault on them can be named.
const (
	FaultWindowBase = 0xe0000000
	FaultWindowSize = 0x01000000
	faultSlotSize   = 0x10
)

// Policy selects what happens to imports nothing can resolve.
type Policy string

const (
	// PolicyLazy binds each unresolved import to a fault location that names
	// the symbol when the guest touches it.
	PolicyLazy Policy = "lazy"
	// PolicyStrict fails binding and lists every unresolved symbol.
	PolicyStrict Policy = "strict"
)

// BindingKind says what an import was bound to.
type BindingKind int

const (
	BindFunction BindingKind = iota // host function stub
	BindConstant                    // host constant storage
	BindData                        // address from a resolver
)

func (k BindingKind) String() string {
	switch k {
	case BindFunction:
		return "function"
	case BindConstant:
		return "constant"
	default:
		return "data"
	}
}

// Binding is a resolved import.
type Binding struct {
	Name     string
	Category string
	Kind     BindingKind
	Addr     mem.Ptr
}

// Resolver maps a symbol the export table lacks to a guest address, e.g.
// class references.
type Resolver func(name string) (mem.Ptr, bool)

type resolver struct {
	category string
	resolve  Resolver
}

// Stub is a guest address whose execution transfers control to the host.
type Stub struct {
	Name     string
	Category string
	Addr     mem.Ptr
	Func     *abi.Func // nil for the return stub and fault stubs
	Fault    bool      // executing it is an unresolved-symbol error
}

// Stats counts the linker's work.
type Stats struct {
	Exports     int
	Stubs       int
	Trampolines int
	Bound       int
	Unresolved  int
}

// Linker owns the stub region and the export table.
type Linker struct {
	mem       *mem.Mem
	table     *Table
	resolvers []resolver

	region mem.Ptr
	size   uint32
	next   uint32

	stubs       map[mem.Ptr]*Stub
	exports     map[string]*Stub
	trampolines map[string]*Stub
	faults      map[string]*Stub
	constants   map[string]mem.Ptr
	dataFaults  map[mem.Ptr]string
	faultSlots  map[string]mem.Ptr

	ret   *Stub
	stats Stats
}

// NewLinker allocates a stub region of regionSize bytes from m's heap.
func NewLinker(m *mem.Mem, table *Table, regionSize uint32) *Linker {
	if regionSize < 2*StubSize {
		regionSize = 2 * StubSize
	}
	l := &Linker{
		mem:         m,
		table:       table,
		region:      m.Alloc(regionSize),
		size:        regionSize &^ (StubSize - 1),
		stubs:       make(map[mem.Ptr]*Stub),
		exports:     make(map[string]*Stub),
		trampolines: make(map[string]*Stub),
		faults:      make(map[string]*Stub),
		constants:   make(map[string]mem.Ptr),
		dataFaults:  make(map[mem.Ptr]string),
		faultSlots:  make(map[string]mem.Ptr),
	}
	l.stats.Exports = table.Len()
	l.ret = l.newStub(&Stub{Name: "<return>"})
	return l
}

// Mem returns guest memory.
func (l *Linker) Mem() *mem.Mem { return l.mem }

// Table returns the export table.
func (l *Linker) Table() *Table { return l.table }

// Region returns the stub region. Execution anywhere inside it must be
// intercepted.
func (l *Linker) Region() (mem.Ptr, uint32) { return l.region, l.size }

// ReturnStub is the address host-to-guest calls use as their return address.
func (l *Linker) ReturnStub() mem.Ptr { return l.ret.Addr }

// AddResolver appends a resolver consulted after the export table.
func (l *Linker) AddResolver(category string, r Resolver) {
	l.resolvers = append(l.resolvers, resolver{category: category, resolve: r})
}

// Stats returns counters.
func (l *Linker) Stats() Stats { return l.stats }

func (l *Linker) newStub(s *Stub) *Stub {
	if l.next+StubSize > l.size {
		panic(fmt.Sprintf("dyld: stub region exhausted (%d stubs)", len(l.stubs)))
	}
	s.Addr = l.region.Add(l.next)
	l.next += StubSize
	if err := l.mem.WriteU32(s.Addr, StubInstruction); err != nil {
		panic(fmt.Sprintf("dyld: write stub at %s: %v", s.Addr, err))
	}
	l.stubs[s.Addr] = s
	l.stats.Stubs++
	return s
}

// cell allocates a pointer-sized cell holding v.
func (l *Linker) cell(v uint32) mem.Ptr {
	p := l.mem.Alloc(pointerSize)
	if err := l.mem.WriteU32(p, v); err != nil {
		panic(fmt.Sprintf("dyld: write constant at %s: %v", p, err))
	}
	return p
}

const pointerSize = 4

// StubAt returns the stub at addr. The Thumb bit is ignored.
func (l *Linker) StubAt(addr uint32) (*Stub, bool) {
	s, ok := l.stubs[mem.Ptr(addr&^1)]
	return s, ok
}

// InStubRegion reports whether addr lies in the stub region.
func (l *Linker) InStubRegion(addr uint32) bool {
	a := mem.Ptr(addr &^ 1)
	return a >= l.region && a < l.region.Add(l.size)
}

// FaultSymbol names the unresolved data import whose fault location contains
// addr.
func (l *Linker) FaultSymbol(addr uint32) (string, bool) {
	if addr < FaultWindowBase || addr >= FaultWindowBase+FaultWindowSize {
		return "", false
	}
	name, ok := l.dataFaults[mem.Ptr(addr&^(faultSlotSize-1))]
	return name, ok
}

// ResolveImport resolves a mangled symbol name. Functions get a stub shared
// by every import of that name; constants get storage materialized once.
func (l *Linker) ResolveImport(name string) (Binding, error) {
	if sym, ok := l.table.Lookup(name); ok {
		if sym.Func != nil {
			return Binding{Name: name, Category: sym.Category, Kind: BindFunction, Addr: l.exportStub(sym).Addr}, nil
		}
		return Binding{Name: name, Category: sym.Category, Kind: BindConstant, Addr: l.constant(sym)}, nil
	}
	for _, r := range l.resolvers {
		if addr, ok := r.resolve(name); ok {
			return Binding{Name: name, Category: r.category, Kind: BindData, Addr: addr}, nil
		}
	}
	return Binding{}, &UnresolvedSymbolError{Name: name}
}

func (l *Linker) exportStub(sym *Symbol) *Stub {
	if s, ok := l.exports[sym.Name]; ok {
		return s
	}
	s := l.newStub(&Stub{Name: sym.Name, Category: sym.Category, Func: sym.Func})
	l.exports[sym.Name] = s
	// a trampoline for the same function reuses this stub
	l.trampolines[sym.Func.Key()] = s
	return s
}

func (l *Linker) constant(sym *Symbol) mem.Ptr {
	if p, ok := l.constants[sym.Name]; ok {
		return p
	}
	p := sym.Constant.Materialize(l)
	l.constants[sym.Name] = p
	return p
}

func (l *Linker) faultStub(name string) *Stub {
	if s, ok := l.faults[name]; ok {
		return s
	}
	s := l.newStub(&Stub{Name: name, Category: "fault", Fault: true})
	l.faults[name] = s
	return s
}

func (l *Linker) faultData(name string) mem.Ptr {
	if p, ok := l.faultSlots[name]; ok {
		return p
	}
	off := uint32(len(l.faultSlots)) * faultSlotSize
	if off >= FaultWindowSize {
		panic("dyld: fault window exhausted")
	}
	p := mem.Ptr(FaultWindowBase + off)
	l.faultSlots[name] = p
	l.dataFaults[p] = name
	return p
}

// BindImports writes the resolved address of every import into its slot.
// Under PolicyStrict nothing is written unless every import resolves.
func (l *Linker) BindImports(imports []loader.Import, policy Policy) error {
	bindings := make([]Binding, len(imports))
	missing := make([]bool, len(imports))
	var unresolved []error
	for i, imp := range imports {
		b, err := l.ResolveImport(imp.Name)
		if err != nil {
			var ue *UnresolvedSymbolError
			if !errors.As(err, &ue) {
				return err
			}
			unresolved = append(unresolved, err)
			missing[i] = true
			if imp.Lazy {
				b = Binding{Name: imp.Name, Category: "fault", Kind: BindFunction, Addr: l.faultStub(imp.Name).Addr}
			} else {
				b = Binding{Name: imp.Name, Category: "fault", Kind: BindData, Addr: l.faultData(imp.Name)}
			}
		}
		bindings[i] = b
	}
	if policy == PolicyStrict && len(unresolved) > 0 {
		return fmt.Errorf("bind imports: %w", errors.Join(unresolved...))
	}

	for i, imp := range imports {
		b := bindings[i]
		addr := b.Addr
		if !missing[i] {
			addr = addr.Add(imp.Addend)
		}
		if err := l.mem.WritePtr(imp.Slot, addr); err != nil {
			return fmt.Errorf("bind %s at %s: %w", imp.Name, imp.Slot, err)
		}
		if missing[i] {
			l.stats.Unresolved++
			if glog.L != nil {
				glog.L.Unresolved(imp.Name, uint32(imp.Slot))
			}
			continue
		}
		l.stats.Bound++
		if glog.L != nil {
			glog.L.Bind(b.Category, imp.Name, uint32(imp.Slot), uint32(b.Addr), b.Kind.String())
		}
	}
	return nil
}

// CreateGuestFunction returns a guest-callable address for a host function.
// Asking twice for the same function returns the same address.
func (l *Linker) CreateGuestFunction(name string, fn *abi.Func) abi.GuestFunction {
	key := fn.Key()
	if s, ok := l.trampolines[key]; ok {
		return abi.GuestFunction(s.Addr)
	}
	s := l.newStub(&Stub{Name: name, Category: "trampoline", Func: fn})
	l.trampolines[key] = s
	l.stats.Trampolines++
	if glog.L != nil {
		glog.L.Trampoline(name, uint32(s.Addr), fn.Signature().String())
	}
	return abi.GuestFunction(s.Addr)
}

// ProcAddress looks up an unmangled C name the way dlsym does. It returns
// the same address a static import of the name is bound to.
func (l *Linker) ProcAddress(name string) (mem.Ptr, error) {
	b, err := l.ResolveImport(MangleC(name))
	if err != nil {
		return mem.Null, err
	}
	return b.Addr, nil
}
