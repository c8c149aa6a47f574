package libc

import (
	"bytes"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/config"
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	glog "github.com/zboralski/hlego/internal/log"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
)

func newTestEnv(t *testing.T) *env.Environment {
	t.Helper()
	cfg := config.Default()
	cfg.MemorySize = 0x1000000
	e, err := env.New(cfg, stubs.DefaultRegistry.Catalog(), "")
	if err != nil {
		t.Fatalf("Failed to create environment: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func call(t *testing.T, e *env.Environment, name string, args ...any) (uint32, error) {
	t.Helper()
	b, err := e.Dyld.ResolveImport(name)
	if err != nil {
		t.Fatalf("Failed to resolve %s: %v", name, err)
	}
	r, err := e.CallGuest(abi.GuestFunction(b.Addr), args...)
	return uint32(r), err
}

func mustCall(t *testing.T, e *env.Environment, name string, args ...any) uint32 {
	t.Helper()
	r, err := call(t, e, name, args...)
	if err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}
	return r
}

func loadCode(t *testing.T, e *env.Environment, code []uint32) abi.GuestFunction {
	t.Helper()
	p := e.Mem.Alloc(uint32(4 * len(code)))
	for i, insn := range code {
		if err := e.Mem.WriteU32(p+mem.Ptr(4*i), insn); err != nil {
			t.Fatalf("Failed to write code: %v", err)
		}
	}
	return abi.GuestFunction(p)
}

func TestFormat(t *testing.T) {
	e := newTestEnv(t)
	hi := e.Mem.AllocCString("hi")

	tests := []struct {
		format string
		words  []uint32
		want   string
	}{
		{"%d|%i|%u", []uint32{uint32(0xffffffd6), 7, 0xffffffff}, "-42|7|4294967295"},
		{"%5s|%-4s|%.1s", []uint32{uint32(hi), uint32(hi), uint32(hi)}, "   hi|hi  |h"},
		{"%x %X %#x %08x", []uint32{0xab, 0xab, 0xab, 0xab}, "ab AB 0xab 000000ab"},
		{"%c%c %%", []uint32{'o', 'k'}, "ok %"},
		{"%s %p", []uint32{0, 0x1000}, "(null) 0x1000"},
		{"%*d|%-*d|", []uint32{4, 7, 3, 7}, "   7|7  |"},
		// 3.5 as a double, low word first
		{"%.2f %g", []uint32{0, 0x400c0000, 0, 0x400c0000}, "3.50 3.5"},
		// -5000000000 as a 64-bit integer
		{"%lld", []uint32{0xd5fa0e00, 0xfffffffe}, "-5000000000"},
	}
	for _, tt := range tests {
		ap := e.Mem.AllocZeroed(uint32(4 * len(tt.words)))
		for i, w := range tt.words {
			if err := e.Mem.WriteU32(ap+mem.Ptr(4*i), w); err != nil {
				t.Fatalf("Failed to write va_list: %v", err)
			}
		}
		got, err := Format(e.Mem, tt.format, abi.VaListAt(e.Mem, ap))
		if err != nil {
			t.Errorf("Format(%q) failed: %v", tt.format, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Format(%q) = %q, want %q", tt.format, got, tt.want)
		}
	}
}

func TestFormatRejectsUnknownConversion(t *testing.T) {
	e := newTestEnv(t)
	if _, err := Format(e.Mem, "%k", abi.VaListAt(e.Mem, e.Mem.AllocZeroed(8))); err == nil {
		t.Error("Expected error for %k")
	}
}

func TestPrintfThroughStub(t *testing.T) {
	e := newTestEnv(t)
	var out bytes.Buffer
	e.Stdout = &out

	f := e.Mem.AllocCString("n=%d s=%s\n")
	s := e.Mem.AllocCString("ok")
	n := mustCall(t, e, "_printf", uint32(f), int32(7), uint32(s))
	if out.String() != "n=7 s=ok\n" || n != 9 {
		t.Errorf("printf wrote %q, returned %d", out.String(), n)
	}

	out.Reset()
	mustCall(t, e, "_puts", uint32(s))
	if out.String() != "ok\n" {
		t.Errorf("puts wrote %q", out.String())
	}
}

func TestSnprintfTruncates(t *testing.T) {
	e := newTestEnv(t)
	buf := e.Mem.AllocZeroed(16)
	f := e.Mem.AllocCString("%d")

	n := mustCall(t, e, "_snprintf", uint32(buf), uint32(4), uint32(f), int32(12345))
	got, _ := e.Mem.ReadCString(buf)
	if n != 5 || got != "123" {
		t.Errorf("snprintf: returned %d, wrote %q", n, got)
	}
}

func TestMallocFree(t *testing.T) {
	e := newTestEnv(t)
	blocks, _ := e.Mem.HeapInUse()

	p := mustCall(t, e, "_calloc", uint32(4), uint32(8))
	if p == 0 || p%16 != 0 {
		t.Fatalf("calloc returned 0x%x", p)
	}
	if size := mustCall(t, e, "_malloc_size", p); size < 32 {
		t.Errorf("malloc_size = %d", size)
	}
	p = mustCall(t, e, "_realloc", p, uint32(256))
	mustCall(t, e, "_free", p)
	if after, _ := e.Mem.HeapInUse(); after != blocks {
		t.Errorf("heap blocks %d -> %d", blocks, after)
	}
}

func observeWarnings(e *env.Environment) *observer.ObservedLogs {
	core, logs := observer.New(zap.WarnLevel)
	e.Log = &glog.Logger{Logger: zap.New(core)}
	return logs
}

func TestAllocationFailureReturnsNull(t *testing.T) {
	e := newTestEnv(t)
	logs := observeWarnings(e)

	if p := mustCall(t, e, "_malloc", uint32(0xfffffff8)); p != 0 {
		t.Errorf("malloc(0xfffffff8) = 0x%x", p)
	}
	a := mustCall(t, e, "_malloc", uint32(16))
	b := mustCall(t, e, "_malloc", uint32(16))
	if a == 0 || a == b {
		t.Fatalf("malloc after a failed request: 0x%x, 0x%x", a, b)
	}
	if err := e.Mem.WriteCString(mem.Ptr(a), "live"); err != nil {
		t.Fatalf("Failed to write block: %v", err)
	}
	if p := mustCall(t, e, "_realloc", a, uint32(0xfffffff0)); p != 0 {
		t.Errorf("realloc to 0xfffffff0 = 0x%x", p)
	}
	if s, _ := e.Mem.ReadCString(mem.Ptr(a)); s != "live" {
		t.Errorf("failed realloc changed the block: %q", s)
	}
	if logs.FilterMessage("malloc failed").Len() != 1 || logs.FilterMessage("realloc failed").Len() != 1 {
		t.Errorf("expected one warning per failure, got %v", logs.All())
	}
}

func TestForeignPointersWarn(t *testing.T) {
	e := newTestEnv(t)
	logs := observeWarnings(e)
	blocks, _ := e.Mem.HeapInUse()

	mustCall(t, e, "_free", uint32(0x1234))
	if p := mustCall(t, e, "_realloc", uint32(0x1234), uint32(32)); p != 0 {
		t.Errorf("realloc of a foreign pointer = 0x%x", p)
	}
	if after, _ := e.Mem.HeapInUse(); after != blocks {
		t.Errorf("heap blocks %d -> %d", blocks, after)
	}

	warned := logs.FilterField(glog.Ptr("ptr", 0x1234)).All()
	if len(warned) != 2 {
		t.Fatalf("expected 2 warnings naming the pointer, got %v", logs.All())
	}
	if warned[0].Message != "free of a pointer malloc did not return" {
		t.Errorf("unexpected warning %q", warned[0].Message)
	}
}

func TestStrings(t *testing.T) {
	e := newTestEnv(t)
	a := e.Mem.AllocCString("hello")
	b := e.Mem.AllocCString("help")

	if n := mustCall(t, e, "_strlen", uint32(a)); n != 5 {
		t.Errorf("strlen = %d", n)
	}
	if r := int32(mustCall(t, e, "_strcmp", uint32(a), uint32(b))); r >= 0 {
		t.Errorf("strcmp(hello, help) = %d", r)
	}
	if r := mustCall(t, e, "_strncmp", uint32(a), uint32(b), uint32(3)); r != 0 {
		t.Errorf("strncmp 3 = %d", int32(r))
	}
	if p := mustCall(t, e, "_strchr", uint32(a), int32('l')); p != uint32(a)+2 {
		t.Errorf("strchr = 0x%x", p)
	}

	dup := mustCall(t, e, "_strdup", uint32(a))
	dst := e.Mem.AllocZeroed(16)
	mustCall(t, e, "_strcpy", uint32(dst), dup)
	mustCall(t, e, "_strcat", uint32(dst), uint32(b))
	if got, _ := e.Mem.ReadCString(dst); got != "hellohelp" {
		t.Errorf("strcpy+strcat = %q", got)
	}
}

// ARM:
//
//	PUSH {R4-R7, LR}
//	MOV R4, R0; MOV R5, R1; MOV R6, R2
//	MOV R0, R4; BLX R5          ; setjmp(buf)
//	CMP R0, #0; BNE done
//	MOV R0, R4; MOV R1, #7; BLX R6  ; longjmp(buf, 7)
//
// done:
//
//	POP {R4-R7, PC}
var setjmpCode = []uint32{
	0xe92d40f0,
	0xe1a04000,
	0xe1a05001,
	0xe1a06002,
	0xe1a00004,
	0xe12fff35,
	0xe3500000,
	0x1a000002,
	0xe1a00004,
	0xe3a01007,
	0xe12fff36,
	0xe8bd80f0,
}

func TestSetjmpLongjmp(t *testing.T) {
	e := newTestEnv(t)
	fn := loadCode(t, e, setjmpCode)
	sj, _ := e.Dyld.ResolveImport("_setjmp")
	lj, _ := e.Dyld.ResolveImport("_longjmp")
	buf := e.Mem.AllocZeroed(4 * 27)

	sp := e.Reg(abi.SP)
	r, err := e.CallGuest(fn, uint32(buf), uint32(sj.Addr), uint32(lj.Addr))
	if err != nil {
		t.Fatalf("setjmp/longjmp run failed: %v", err)
	}
	if uint32(r) != 7 {
		t.Errorf("setjmp returned %d after longjmp, want 7", uint32(r))
	}
	if e.Reg(abi.SP) != sp {
		t.Errorf("SP not restored: 0x%x -> 0x%x", sp, e.Reg(abi.SP))
	}
}

func TestLongjmpAcrossHostFrames(t *testing.T) {
	e := newTestEnv(t)
	buf := e.Mem.AllocZeroed(4 * 27)
	// a jmp_buf filled at depth 0 cannot be used from a guest call
	if _, err := call(t, e, "_longjmp", uint32(buf), int32(1)); err == nil {
		t.Error("Expected longjmp depth mismatch error")
	}
}

func TestExitRunsAtexitHandlers(t *testing.T) {
	e := newTestEnv(t)
	var order []int
	first := e.Dyld.CreateGuestFunction("first", abi.Wrap(func(e *env.Environment) { order = append(order, 1) }))
	second := e.Dyld.CreateGuestFunction("second", abi.Wrap(func(e *env.Environment, arg uint32) { order = append(order, int(arg)) }))

	mustCall(t, e, "_atexit", uint32(first))
	mustCall(t, e, "___cxa_atexit", uint32(second), uint32(2), uint32(0))

	_, err := call(t, e, "_exit", int32(3))
	var exit *env.ExitError
	if !errors.As(err, &exit) || exit.Code != 3 {
		t.Fatalf("Expected exit status 3, got %v", err)
	}
	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("handlers ran in order %v, want [2 1]", order)
	}
}

func TestDlsym(t *testing.T) {
	e := newTestEnv(t)
	h := mustCall(t, e, "_dlopen", uint32(0), int32(0))
	if h == 0 {
		t.Fatal("dlopen returned NULL")
	}

	addr := mustCall(t, e, "_dlsym", h, uint32(e.Mem.AllocCString("malloc")))
	b, _ := e.Dyld.ResolveImport("_malloc")
	if addr != uint32(b.Addr) {
		t.Errorf("dlsym(malloc) = 0x%x, static import bound to %s", addr, b.Addr)
	}

	_, err := call(t, e, "_dlsym", h, uint32(e.Mem.AllocCString("no_such_fn")))
	var ue *dyld.UnresolvedSymbolError
	if !errors.As(err, &ue) {
		t.Fatalf("dlsym of an unknown symbol: expected UnresolvedSymbolError, got %v", err)
	}
	if ue.Name != "_no_such_fn" {
		t.Errorf("error names %q", ue.Name)
	}
	if mustCall(t, e, "_dlerror") != 0 {
		t.Error("dlerror returned a message")
	}
}

func TestMathSoftFloat(t *testing.T) {
	e := newTestEnv(t)
	b, _ := e.Dyld.ResolveImport("_sqrt")
	r, err := abi.CallGuestTyped[float64](e, abi.GuestFunction(b.Addr), float64(2.25))
	if err != nil || r != 1.5 {
		t.Errorf("sqrt(2.25) = %v, %v", r, err)
	}
	b, _ = e.Dyld.ResolveImport("_pow")
	r, err = abi.CallGuestTyped[float64](e, abi.GuestFunction(b.Addr), float64(2), float64(10))
	if err != nil || r != 1024 {
		t.Errorf("pow(2, 10) = %v, %v", r, err)
	}
}

func TestStdoutStream(t *testing.T) {
	e := newTestEnv(t)
	var out bytes.Buffer
	e.Stdout = &out

	b, err := e.Dyld.ResolveImport("___stdoutp")
	if err != nil {
		t.Fatalf("Failed to resolve ___stdoutp: %v", err)
	}
	file, _ := e.Mem.ReadU32(b.Addr)
	s := e.Mem.AllocCString("x")
	mustCall(t, e, "_fputs", uint32(s), file)
	if fd := mustCall(t, e, "_fileno", file); fd != 1 {
		t.Errorf("fileno(stdout) = %d", fd)
	}
	if out.String() != "x" {
		t.Errorf("fputs wrote %q", out.String())
	}
}

func TestQsort(t *testing.T) {
	e := newTestEnv(t)
	keys := []int32{5, -2, 7, 5, 0, -2}
	base := e.Mem.Alloc(uint32(8 * len(keys)))
	for i, k := range keys {
		e.Mem.WriteU32(base.Add(uint32(8*i)), uint32(k))
		e.Mem.WriteU32(base.Add(uint32(8*i+4)), uint32(i))
	}

	calls := 0
	byKey := e.Dyld.CreateGuestFunction("byKey", abi.Wrap(func(e *env.Environment, a, b mem.Ptr) int32 {
		calls++
		x, _ := e.Mem.ReadU32(a)
		y, _ := e.Mem.ReadU32(b)
		return int32(x) - int32(y)
	}))
	blocks, _ := e.Mem.HeapInUse()

	mustCall(t, e, "_qsort", uint32(base), uint32(len(keys)), uint32(8), uint32(byKey))
	if calls == 0 {
		t.Fatal("comparator never called")
	}

	wantKeys := []int32{-2, -2, 0, 5, 5, 7}
	wantTags := []uint32{1, 5, 4, 0, 3, 2}
	for i := range wantKeys {
		k, _ := e.Mem.ReadU32(base.Add(uint32(8 * i)))
		tag, _ := e.Mem.ReadU32(base.Add(uint32(8*i + 4)))
		if int32(k) != wantKeys[i] || tag != wantTags[i] {
			t.Errorf("element %d = (%d, %d), want (%d, %d)", i, int32(k), tag, wantKeys[i], wantTags[i])
		}
	}
	if after, _ := e.Mem.HeapInUse(); after != blocks {
		t.Errorf("scratch block leaked: %d blocks in use, was %d", after, blocks)
	}

	// nothing to sort: the comparator is not consulted
	calls = 0
	mustCall(t, e, "_qsort", uint32(base), uint32(1), uint32(8), uint32(byKey))
	if calls != 0 {
		t.Errorf("comparator called %d times for one element", calls)
	}
}
