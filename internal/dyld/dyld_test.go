package dyld

import (
	"errors"
	"strings"
	"testing"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/loader"
	"github.com/zboralski/hlego/internal/mem"
)

type ctx struct{ calls int }

func add(c *ctx, a, b int32) int32 {
	c.calls++
	return a + b
}

func sub(_ *ctx, a, b int32) int32 { return a - b }

func newTestLinker(t *testing.T, funcs []FunctionExports, consts []ConstantExports) *Linker {
	t.Helper()
	m, err := mem.New(0x100000)
	if err != nil {
		t.Fatalf("Failed to create memory: %v", err)
	}
	if err := m.InitHeap(0x10000, 0x100000); err != nil {
		t.Fatalf("Failed to init heap: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	table, err := LoadExports(funcs, consts)
	if err != nil {
		t.Fatalf("Failed to load exports: %v", err)
	}
	return NewLinker(m, table, 0x1000)
}

func TestLoadExportsRejectsDuplicates(t *testing.T) {
	_, err := LoadExports(
		[]FunctionExports{{ExportC("add", add)}, {ExportC("add", sub)}},
		[]ConstantExports{{{Name: "_add", Value: U32(1)}}},
	)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %v", err)
	}
	if len(ce.Problems) != 1 || !strings.Contains(ce.Problems[0], "_add exported 3 times") {
		t.Errorf("unexpected problems: %v", ce.Problems)
	}
}

func TestBindAndCallExport(t *testing.T) {
	l := newTestLinker(t, []FunctionExports{{ExportC("add", add)}}, nil)
	m := l.Mem()

	slot := m.AllocZeroed(8)
	imports := []loader.Import{
		{Name: "_add", Slot: slot, Lazy: true},
		{Name: "_add", Slot: slot + 4},
	}
	if err := l.BindImports(imports, PolicyLazy); err != nil {
		t.Fatalf("Failed to bind imports: %v", err)
	}

	a, _ := m.ReadU32(slot)
	b, _ := m.ReadU32(slot + 4)
	if a != b {
		t.Errorf("two imports of _add bound to different stubs: 0x%x 0x%x", a, b)
	}
	if insn, _ := m.ReadU32(mem.Ptr(a)); insn != StubInstruction {
		t.Errorf("stub body 0x%08x", insn)
	}

	stub, ok := l.StubAt(a)
	if !ok || stub.Func == nil || stub.Name != "_add" {
		t.Fatalf("no host function at bound address: %+v", stub)
	}

	var regs abi.RegisterFile
	regs.SetReg(abi.R0, 3)
	regs.SetReg(abi.R1, 4)
	c := &ctx{}
	if err := stub.Func.CallFromGuest(c, &regs, m); err != nil {
		t.Fatalf("Failed to call _add: %v", err)
	}
	if regs.Reg(abi.R0) != 7 || c.calls != 1 {
		t.Errorf("_add(3, 4): r0=%d calls=%d", regs.Reg(abi.R0), c.calls)
	}

	p, err := l.ProcAddress("add")
	if err != nil || uint32(p) != a {
		t.Errorf("ProcAddress(add) = %s, %v; want 0x%x", p, err, a)
	}
	if s := l.Stats(); s.Bound != 2 || s.Unresolved != 0 {
		t.Errorf("stats %+v", s)
	}
}

func TestConstants(t *testing.T) {
	l := newTestLinker(t, nil, []ConstantExports{{
		{Name: "_kNull", Value: NullPtr{}},
		{Name: "_kAnswer", Value: U32(42)},
		{Name: "_kTable", Value: Custom(func(l *Linker) mem.Ptr {
			p := l.Mem().AllocZeroed(8)
			l.Mem().WriteU32(p+4, 9)
			return p
		})},
	}})
	m := l.Mem()

	for name, want := range map[string]uint32{"_kNull": 0, "_kAnswer": 42} {
		b, err := l.ResolveImport(name)
		if err != nil || b.Kind != BindConstant {
			t.Fatalf("resolve %s: %+v %v", name, b, err)
		}
		if got, _ := m.ReadU32(b.Addr); got != want {
			t.Errorf("%s holds %d, want %d", name, got, want)
		}
		again, _ := l.ResolveImport(name)
		if again.Addr != b.Addr {
			t.Errorf("%s materialized twice", name)
		}
	}

	b, _ := l.ResolveImport("_kTable")
	if got, _ := m.ReadU32(b.Addr + 4); got != 9 {
		t.Errorf("custom constant field = %d", got)
	}
}

func TestTrampolineIdentity(t *testing.T) {
	l := newTestLinker(t, []FunctionExports{{ExportC("add", add)}}, nil)

	f := abi.Wrap(sub)
	g1 := l.CreateGuestFunction("sub", f)
	g2 := l.CreateGuestFunction("sub", abi.Wrap(sub))
	if g1 != g2 {
		t.Errorf("trampolines differ: %s %s", g1, g2)
	}
	if g1.IsThumb() {
		t.Error("trampoline should be an ARM address")
	}
	if s, ok := l.StubAt(uint32(g1)); !ok || s.Func != f {
		t.Error("trampoline does not map back to its function")
	}

	// an exported function's stub doubles as its trampoline
	b, _ := l.ResolveImport("_add")
	if g := l.CreateGuestFunction("add", abi.Wrap(add)); g.Addr() != b.Addr {
		t.Errorf("trampoline for exported add = %s, stub = %s", g, b.Addr)
	}
	if l.Stats().Trampolines != 1 {
		t.Errorf("trampolines created: %d", l.Stats().Trampolines)
	}
}

func TestClosureTrampolinesDiffer(t *testing.T) {
	l := newTestLinker(t, nil, nil)

	scale := func(k int32) *abi.Func {
		return abi.Wrap(func(_ *ctx, a int32) int32 { return a * k })
	}
	double, triple := scale(2), scale(3)
	g1 := l.CreateGuestFunction("scale", double)
	g2 := l.CreateGuestFunction("scale", triple)
	if g1 == g2 {
		t.Fatalf("closures over different values share trampoline %s", g1)
	}
	if s, ok := l.StubAt(uint32(g2)); !ok || s.Func != triple {
		t.Error("second trampoline does not map back to its closure")
	}
	if g := l.CreateGuestFunction("scale", double); g != g1 {
		t.Errorf("same closure, new trampoline: %s %s", g, g1)
	}
	if l.Stats().Trampolines != 2 {
		t.Errorf("trampolines created: %d", l.Stats().Trampolines)
	}
}

func TestLazyPolicyFaults(t *testing.T) {
	l := newTestLinker(t, nil, nil)
	m := l.Mem()
	slot := m.AllocZeroed(8)
	imports := []loader.Import{
		{Name: "_missing_fn", Slot: slot, Lazy: true},
		{Name: "_missing_data", Slot: slot + 4},
	}
	if err := l.BindImports(imports, PolicyLazy); err != nil {
		t.Fatalf("lazy binding failed: %v", err)
	}

	fn, _ := m.ReadU32(slot)
	s, ok := l.StubAt(fn)
	if !ok || !s.Fault || s.Name != "_missing_fn" {
		t.Errorf("function import not bound to its fault stub: %+v", s)
	}

	data, _ := m.ReadU32(slot + 4)
	if name, ok := l.FaultSymbol(data + 8); !ok || name != "_missing_data" {
		t.Errorf("FaultSymbol(0x%x) = %q, %v", data+8, name, ok)
	}
	if data < uint32(m.Size()) {
		t.Errorf("fault address 0x%x is inside guest memory", data)
	}

	if _, err := l.ProcAddress("missing_fn"); err == nil {
		t.Error("ProcAddress of unknown name succeeded")
	}
}

func TestStrictPolicy(t *testing.T) {
	l := newTestLinker(t, []FunctionExports{{ExportC("add", add)}}, nil)
	m := l.Mem()
	slot := m.AllocZeroed(12)
	imports := []loader.Import{
		{Name: "_add", Slot: slot, Lazy: true},
		{Name: "_foo", Slot: slot + 4, Lazy: true},
		{Name: "_bar", Slot: slot + 8},
	}
	err := l.BindImports(imports, PolicyStrict)
	if err == nil {
		t.Fatal("strict binding succeeded with missing symbols")
	}
	for _, name := range []string{"_foo", "_bar"} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error does not name %s: %v", name, err)
		}
	}
	var ue *UnresolvedSymbolError
	if !errors.As(err, &ue) {
		t.Errorf("expected UnresolvedSymbolError in chain, got %v", err)
	}
	if v, _ := m.ReadU32(slot); v != 0 {
		t.Error("strict failure still wrote slots")
	}
}

func TestResolverFallback(t *testing.T) {
	l := newTestLinker(t, nil, nil)
	l.AddResolver("objc", func(name string) (mem.Ptr, bool) {
		if name == "_OBJC_CLASS_$_Thing" {
			return 0x5000, true
		}
		return mem.Null, false
	})
	b, err := l.ResolveImport("_OBJC_CLASS_$_Thing")
	if err != nil || b.Addr != 0x5000 || b.Kind != BindData || b.Category != "objc" {
		t.Errorf("resolver binding: %+v %v", b, err)
	}
}

func TestReturnStubInRegion(t *testing.T) {
	l := newTestLinker(t, nil, nil)
	ret := uint32(l.ReturnStub())
	if !l.InStubRegion(ret) || !l.InStubRegion(ret|1) {
		t.Error("return stub outside stub region")
	}
	if s, ok := l.StubAt(ret); !ok || s.Func != nil || s.Fault {
		t.Errorf("return stub: %+v", s)
	}
}
