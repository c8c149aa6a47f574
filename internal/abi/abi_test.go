package abi

import (
	"math"
	"strings"
	"testing"

	"github.com/zboralski/hlego/internal/mem"
)

type testCtx struct {
	calls int
}

func newTestMem(t *testing.T) *mem.Mem {
	t.Helper()
	m, err := mem.New(0x40000)
	if err != nil {
		t.Fatalf("Failed to create memory: %v", err)
	}
	if err := m.InitHeap(0x10000, 0x30000); err != nil {
		t.Fatalf("Failed to init heap: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func add(ctx *testCtx, a, b int32) int32 {
	ctx.calls++
	return a + b
}

func TestCallFromGuestAdd(t *testing.T) {
	m := newTestMem(t)
	var regs RegisterFile
	regs[R0] = 3
	regs[R1] = 4
	regs[SP] = 0x3F000

	f := Wrap(add)
	if got := f.Signature().String(); got != "(i32,i32)->i32" {
		t.Errorf("signature: got %s", got)
	}

	ctx := &testCtx{}
	if err := f.CallFromGuest(ctx, &regs, m); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if regs[R0] != 7 {
		t.Errorf("Expected R0=7, got R0=%d", regs[R0])
	}
	if ctx.calls != 1 {
		t.Errorf("Expected 1 call, got %d", ctx.calls)
	}
}

func TestNegativeAndSubword(t *testing.T) {
	m := newTestMem(t)
	var regs RegisterFile
	regs[R0] = uint32(0xFFFFFFFE) // -2
	regs[R1] = 0x1FF              // int8 sees -1
	regs[SP] = 0x3F000

	f := Wrap(func(_ *testCtx, a int32, b int8) int32 { return a * int32(b) })
	if err := f.CallFromGuest(&testCtx{}, &regs, m); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if int32(regs[R0]) != 2 {
		t.Errorf("Expected 2, got %d", int32(regs[R0]))
	}
}

func TestStackAndSplitU64(t *testing.T) {
	m := newTestMem(t)
	var regs RegisterFile
	sp := mem.Ptr(0x3F000)
	regs[SP] = uint32(sp)

	// f(a, b, c u32, d u64, e u32): d is split between r3 and the stack.
	regs[R0] = 1
	regs[R1] = 2
	regs[R2] = 3
	regs[R3] = 0x89ABCDEF // low half of d
	m.WriteU32(sp, 0x01234567)
	m.WriteU32(sp+4, 42)

	var gotD uint64
	var gotE uint32
	f := Wrap(func(_ *testCtx, a, b, c uint32, d uint64, e uint32) uint64 {
		gotD, gotE = d, e
		return d + 1
	})
	if err := f.CallFromGuest(&testCtx{}, &regs, m); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if gotD != 0x0123456789ABCDEF {
		t.Errorf("split u64: got 0x%x", gotD)
	}
	if gotE != 42 {
		t.Errorf("stack arg: got %d", gotE)
	}
	if regs[R0] != 0x89ABCDF0 || regs[R1] != 0x01234567 {
		t.Errorf("u64 result: r0=0x%x r1=0x%x", regs[R0], regs[R1])
	}
}

func TestFloatSoftFP(t *testing.T) {
	m := newTestMem(t)
	var regs RegisterFile
	regs[SP] = 0x3F000
	regs[R0] = math.Float32bits(1.5)
	bits := math.Float64bits(2.25)
	regs[R1] = uint32(bits)
	regs[R2] = uint32(bits >> 32)

	f := Wrap(func(_ *testCtx, a float32, b float64) float64 { return float64(a) * b })
	if err := f.CallFromGuest(&testCtx{}, &regs, m); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	got := math.Float64frombits(ReadResult(&regs, Float64))
	if got != 3.375 {
		t.Errorf("Expected 3.375, got %v", got)
	}
}

func TestVoidLeavesR0(t *testing.T) {
	m := newTestMem(t)
	var regs RegisterFile
	regs[SP] = 0x3F000
	regs[R0] = 99

	f := Wrap(func(_ *testCtx, a uint32) {})
	if f.Signature().Result != Void {
		t.Fatalf("expected void result")
	}
	f.CallFromGuest(&testCtx{}, &regs, m)
	if regs[R0] != 99 {
		t.Errorf("void call changed r0 to %d", regs[R0])
	}
}

func TestVarArgs(t *testing.T) {
	m := newTestMem(t)
	var regs RegisterFile
	sp := mem.Ptr(0x3F000)
	regs[SP] = uint32(sp)

	// f(fmt, ...) called with (fmt, 7, 1.5 as double, 9)
	regs[R0] = 0x1234
	regs[R1] = 7
	bits := math.Float64bits(1.5)
	regs[R2] = uint32(bits)
	regs[R3] = uint32(bits >> 32)
	m.WriteU32(sp, 9)

	var n, last int32
	var d float64
	f := Wrap(func(_ *testCtx, format mem.Ptr, va *VarArgs) {
		n = Next[int32](va)
		d = Next[float64](va)
		last = Next[int32](va)
	})
	if !f.Signature().Variadic {
		t.Fatalf("expected variadic signature, got %s", f.Signature())
	}
	if err := f.CallFromGuest(&testCtx{}, &regs, m); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if n != 7 || d != 1.5 || last != 9 {
		t.Errorf("varargs: got %d %v %d", n, d, last)
	}
}

func TestVaListAt(t *testing.T) {
	m := newTestMem(t)
	p := m.Alloc(16)
	m.WriteU32(p, 5)
	m.WriteU32(p+4, uint32(0xFFFFFFFF))

	va := VaListAt(m, p)
	if got := Next[uint32](va); got != 5 {
		t.Errorf("first: got %d", got)
	}
	if got := Next[int32](va); got != -1 {
		t.Errorf("second: got %d", got)
	}
	if va.Err() != nil {
		t.Errorf("unexpected error: %v", va.Err())
	}
}

func TestWrapRejectsBadSignatures(t *testing.T) {
	cases := []struct {
		name string
		fn   any
		want string
	}{
		{"not a func", 42, "not a function"},
		{"no context", func() {}, "no context"},
		{"host int", func(_ *testCtx, n int) {}, "unsupported type"},
		{"string result", func(_ *testCtx) string { return "" }, "unsupported result"},
		{"two results", func(_ *testCtx) (int32, int32) { return 0, 0 }, "more than one"},
		{"varargs not last", func(_ *testCtx, _ *VarArgs, _ int32) {}, "last parameter"},
		{"go variadic", func(_ *testCtx, _ ...int32) {}, "Go variadics"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				r := recover()
				if r == nil {
					t.Fatalf("expected panic")
				}
				if msg, _ := r.(string); !strings.Contains(msg, tc.want) {
					t.Errorf("panic %q does not mention %q", r, tc.want)
				}
			}()
			Wrap(tc.fn)
		})
	}
}

func TestFuncKeyStable(t *testing.T) {
	a := Wrap(add)
	b := Wrap(add)
	if a.Key() != b.Key() {
		t.Errorf("same function, different keys: %s %s", a.Key(), b.Key())
	}
	c := Wrap(func(_ *testCtx, a, b int32) int32 { return a - b })
	if a.Key() == c.Key() {
		t.Errorf("different functions share key %s", a.Key())
	}

	offset := func(n int32) func(*testCtx, int32) int32 {
		return func(_ *testCtx, x int32) int32 { return x + n }
	}
	one, two := Wrap(offset(1)), Wrap(offset(2))
	if one.Identity() != two.Identity() {
		t.Fatalf("closures from one literal should share code")
	}
	if one.Key() == two.Key() {
		t.Errorf("closures over different values share key %s", one.Key())
	}
}

// fakeCaller runs a Go stand-in for guest code.
type fakeCaller struct {
	RegisterFile
	*mem.Mem
	guest func(c *fakeCaller)
}

func (c *fakeCaller) Snapshot() RegisterFile { return c.RegisterFile }
func (c *fakeCaller) Restore(r RegisterFile) { c.RegisterFile = r }

func (c *fakeCaller) RunGuest(GuestFunction) error {
	c.guest(c)
	return nil
}

func TestCallGuestLayout(t *testing.T) {
	m := newTestMem(t)
	c := &fakeCaller{Mem: m}
	c.RegisterFile[SP] = 0x3F000
	c.RegisterFile[R4] = 0xAAAA

	var stack [2]uint32
	var spSeen uint32
	c.guest = func(c *fakeCaller) {
		spSeen = c.Reg(SP)
		stack[0], _ = c.ReadU32(mem.Ptr(spSeen))
		stack[1], _ = c.ReadU32(mem.Ptr(spSeen + 4))
		c.SetReg(R0, c.Reg(R0)+c.Reg(R1)+c.Reg(R2)+c.Reg(R3)+stack[0]+stack[1])
		c.SetReg(R4, 0) // clobber a callee-saved register
	}

	got, err := CallGuestTyped[uint32](c, 0x2000, uint32(1), uint32(2), uint32(3), uint32(4), uint32(5), int32(6))
	if err != nil {
		t.Fatalf("CallGuest failed: %v", err)
	}
	if got != 21 {
		t.Errorf("Expected 21, got %d", got)
	}
	if stack != [2]uint32{5, 6} {
		t.Errorf("stack args: %v", stack)
	}
	if spSeen%8 != 0 {
		t.Errorf("stack not 8-byte aligned: 0x%x", spSeen)
	}
	if c.Reg(SP) != 0x3F000 || c.Reg(R4) != 0xAAAA {
		t.Errorf("registers not restored: sp=0x%x r4=0x%x", c.Reg(SP), c.Reg(R4))
	}
}

func TestCallGuestRejectsHostInt(t *testing.T) {
	c := &fakeCaller{Mem: newTestMem(t), guest: func(*fakeCaller) {}}
	if _, err := CallGuest(c, 0x2000, 5); err == nil {
		t.Error("expected error for host-width int argument")
	}
}
