package objcrt

import (
	"errors"
	"testing"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/config"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/objc"
	"github.com/zboralski/hlego/internal/stubs"
	_ "github.com/zboralski/hlego/internal/stubs/foundation"
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

func nsobject(t *testing.T, e *env.Environment) objc.ID {
	t.Helper()
	cls, ok := e.Objc.ClassByName("NSObject")
	if !ok {
		t.Fatal("NSObject is not registered")
	}
	return cls
}

func TestGetClassAndNames(t *testing.T) {
	e := newTestEnv(t)
	cls := nsobject(t, e)

	if got := objc.ID(mustCall(t, e, "_objc_getClass", uint32(e.Mem.AllocCString("NSObject")))); got != cls {
		t.Errorf("objc_getClass = %s, want %s", got, cls)
	}
	if got := mustCall(t, e, "_objc_getClass", uint32(e.Mem.AllocCString("NSNope"))); got != 0 {
		t.Errorf("objc_getClass of unknown class = 0x%x", got)
	}

	name := mem.Ptr(mustCall(t, e, "_class_getName", uint32(cls)))
	if s, _ := e.Mem.ReadCString(name); s != "NSObject" {
		t.Errorf("class_getName = %q", s)
	}
	if again := mem.Ptr(mustCall(t, e, "_class_getName", uint32(cls))); again != name {
		t.Error("class_getName did not reuse its string")
	}

	meta := objc.ID(mustCall(t, e, "_objc_getMetaClass", uint32(e.Mem.AllocCString("NSObject"))))
	if mustCall(t, e, "_class_isMetaClass", uint32(meta)) != 1 {
		t.Error("metaclass not reported as one")
	}
	if mustCall(t, e, "_class_isMetaClass", uint32(cls)) != 0 {
		t.Error("class reported as metaclass")
	}

	nilName := mem.Ptr(mustCall(t, e, "_object_getClassName", uint32(0)))
	if s, _ := e.Mem.ReadCString(nilName); s != "nil" {
		t.Errorf("object_getClassName(nil) = %q", s)
	}
}

func TestSelectors(t *testing.T) {
	e := newTestEnv(t)
	sel := objc.SEL(mustCall(t, e, "_sel_registerName", uint32(e.Mem.AllocCString("fooWithBar:"))))
	if want := e.Objc.Selectors.Register("fooWithBar:"); sel != want {
		t.Errorf("sel_registerName = %s, want %s", sel, want)
	}
	if uid := objc.SEL(mustCall(t, e, "_sel_getUid", uint32(e.Mem.AllocCString("fooWithBar:")))); uid != sel {
		t.Errorf("sel_getUid = %s, want %s", uid, sel)
	}
	p := mem.Ptr(mustCall(t, e, "_sel_getName", uint32(sel)))
	if s, _ := e.Mem.ReadCString(p); s != "fooWithBar:" {
		t.Errorf("sel_getName = %q", s)
	}
}

func TestMsgSendHostMethods(t *testing.T) {
	e := newTestEnv(t)
	cls := nsobject(t, e)
	sel := func(name string) uint32 { return uint32(e.Objc.Selectors.Register(name)) }

	obj := objc.ID(mustCall(t, e, "_objc_msgSend", uint32(cls), sel("new")))
	if obj == objc.Nil || e.Objc.ClassOf(obj) != cls {
		t.Fatalf("+[NSObject new] = %s", obj)
	}
	if got := mustCall(t, e, "_objc_msgSend", uint32(obj), sel("hash")); got != uint32(obj) {
		t.Errorf("-hash = 0x%x", got)
	}
	if got := mustCall(t, e, "_objc_msgSend", uint32(obj), sel("isKindOfClass:"), uint32(cls)); got != 1 {
		t.Error("-isKindOfClass: NSObject = NO")
	}

	mustCall(t, e, "_objc_retain", uint32(obj))
	if n, _, _ := e.Objc.Objects.RefCount(obj); n != 2 {
		t.Errorf("retain count after objc_retain = %d", n)
	}
	mustCall(t, e, "_objc_release", uint32(obj))
	mustCall(t, e, "_objc_release", uint32(obj))
	if e.Objc.Objects.Exists(obj) {
		t.Error("object survived its last release")
	}
}

func TestMsgSendToNil(t *testing.T) {
	e := newTestEnv(t)
	b, err := e.Dyld.ResolveImport("_objc_msgSend")
	if err != nil {
		t.Fatalf("Failed to resolve objc_msgSend: %v", err)
	}
	sel := e.Objc.Selectors.Register("anything")
	r, err := e.CallGuest(abi.GuestFunction(b.Addr), uint32(0), uint32(sel))
	if err != nil {
		t.Fatalf("objc_msgSend to nil failed: %v", err)
	}
	if r != 0 {
		t.Errorf("objc_msgSend to nil = 0x%x, want r0 and r1 cleared", r)
	}
}

func TestMsgSendUnknownSelector(t *testing.T) {
	e := newTestEnv(t)
	cls := nsobject(t, e)
	sel := e.Objc.Selectors.Register("frobnicate")
	_, err := call(t, e, "_objc_msgSend", uint32(cls), uint32(sel))
	var unknown *objc.UnknownSelectorError
	if !errors.As(err, &unknown) {
		t.Fatalf("Expected UnknownSelectorError, got %v", err)
	}
	if !unknown.Meta || unknown.Class != "NSObject" || unknown.Selector != "frobnicate" {
		t.Errorf("Unexpected error details: %+v", unknown)
	}
}

// MOV R0, #9; BX LR
var nineCode = []uint32{0xe3a00009, 0xe12fff1e}

func TestGuestMethodIsTailCalled(t *testing.T) {
	e := newTestEnv(t)
	cls := nsobject(t, e)

	imp := e.Mem.Alloc(8)
	for i, insn := range nineCode {
		if err := e.Mem.WriteU32(imp+mem.Ptr(4*i), insn); err != nil {
			t.Fatalf("Failed to write code: %v", err)
		}
	}
	sel := e.Objc.Selectors.Register("nine")
	if mustCall(t, e, "_class_addMethod", uint32(cls), uint32(sel), uint32(imp), uint32(0)) != 1 {
		t.Fatal("class_addMethod refused a new selector")
	}
	if mustCall(t, e, "_class_addMethod", uint32(cls), uint32(sel), uint32(imp), uint32(0)) != 0 {
		t.Error("class_addMethod replaced an existing method")
	}

	obj := objc.ID(mustCall(t, e, "_class_createInstance", uint32(cls), uint32(0)))
	if got := mustCall(t, e, "_objc_msgSend", uint32(obj), uint32(sel)); got != 9 {
		t.Errorf("-nine = %d", got)
	}
	if mustCall(t, e, "_class_respondsToSelector", uint32(cls), uint32(sel)) != 1 {
		t.Error("class_respondsToSelector = NO after class_addMethod")
	}
}

func TestSuperSends(t *testing.T) {
	e := newTestEnv(t)
	root := nsobject(t, e)
	cls, err := e.Objc.RegisterClass(objc.ClassTemplate{
		Name:       "Counter",
		Superclass: "NSObject",
		InstanceMethods: []objc.MethodExport{
			objc.Export("hash", func(e *env.Environment, self objc.ID, _ objc.SEL) uint32 { return 7 }),
		},
	})
	if err != nil {
		t.Fatalf("Failed to register class: %v", err)
	}
	obj := e.Objc.Objects.Alloc(cls, nil)
	hash := uint32(e.Objc.Selectors.Register("hash"))

	if got := mustCall(t, e, "_objc_msgSend", uint32(obj), hash); got != 7 {
		t.Errorf("-[Counter hash] = %d", got)
	}

	sup := e.Mem.AllocZeroed(8)
	if err := e.Mem.WritePtr(sup, obj.Ptr()); err != nil {
		t.Fatalf("Failed to write objc_super: %v", err)
	}

	if err := e.Mem.WritePtr(sup+4, root.Ptr()); err != nil {
		t.Fatalf("Failed to write objc_super: %v", err)
	}
	if got := mustCall(t, e, "_objc_msgSendSuper", uint32(sup), hash); got != uint32(obj) {
		t.Errorf("objc_msgSendSuper hash = 0x%x, want NSObject's 0x%x", got, uint32(obj))
	}

	if err := e.Mem.WritePtr(sup+4, cls.Ptr()); err != nil {
		t.Fatalf("Failed to write objc_super: %v", err)
	}
	if got := mustCall(t, e, "_objc_msgSendSuper2", uint32(sup), hash); got != uint32(obj) {
		t.Errorf("objc_msgSendSuper2 hash = 0x%x, want NSObject's 0x%x", got, uint32(obj))
	}

	if _, err := call(t, e, "_objc_msgSendSuper2", uint32(sup), uint32(e.Objc.Selectors.Register("missing"))); err == nil {
		t.Error("Super send of a missing selector succeeded")
	}
}

func TestStretHostMethodFails(t *testing.T) {
	e := newTestEnv(t)
	cls := nsobject(t, e)
	ret := e.Mem.AllocZeroed(16)
	if _, err := call(t, e, "_objc_msgSend_stret", uint32(ret), uint32(cls), uint32(e.Objc.Selectors.Register("class"))); err == nil {
		t.Error("objc_msgSend_stret dispatched to a host method")
	}
}

// guestSubclass writes a 32-bit class_t pair for a subclass of super whose
// only method is -sel implemented at imp.
func guestSubclass(t *testing.T, e *env.Environment, name string, super objc.ID, sel string, imp mem.Ptr) mem.Ptr {
	t.Helper()
	m := e.Mem
	words := func(p mem.Ptr, vals ...uint32) {
		for i, v := range vals {
			if err := m.WriteU32(p+mem.Ptr(4*i), v); err != nil {
				t.Fatalf("Failed to write class %s: %v", name, err)
			}
		}
	}
	namePtr := uint32(m.AllocCString(name))

	list := m.AllocZeroed(20)
	words(list, 12, 1, uint32(m.AllocCString(sel)), uint32(m.AllocCString("I8@0:4")), uint32(imp))

	metaRO := m.AllocZeroed(40)
	words(metaRO, 1, objc.ClassObjectSize, objc.ClassObjectSize, 0, namePtr)
	ro := m.AllocZeroed(40)
	words(ro, 0, 4, 4, 0, namePtr, uint32(list))

	meta := m.AllocZeroed(objc.ClassObjectSize)
	words(meta, uint32(e.Objc.ClassOf(e.Objc.ClassOf(super))), uint32(e.Objc.ClassOf(super)), 0, 0, uint32(metaRO))
	cls := m.AllocZeroed(objc.ClassObjectSize)
	words(cls, uint32(meta), uint32(super), 0, 0, uint32(ro))
	return cls
}

func TestGuestSubclassOverridesHostMethod(t *testing.T) {
	e := newTestEnv(t)
	root := nsobject(t, e)

	imp := e.Mem.Alloc(8)
	for i, insn := range nineCode {
		if err := e.Mem.WriteU32(imp+mem.Ptr(4*i), insn); err != nil {
			t.Fatalf("Failed to write code: %v", err)
		}
	}
	cls := guestSubclass(t, e, "Nine", root, "hash", imp)
	if err := e.Objc.RegisterGuestClasses([]mem.Ptr{cls}); err != nil {
		t.Fatalf("Failed to register guest class: %v", err)
	}

	if got := mustCall(t, e, "_objc_getClass", uint32(e.Mem.AllocCString("Nine"))); got != uint32(cls) {
		t.Fatalf("objc_getClass(Nine) = 0x%x, want 0x%x", got, uint32(cls))
	}
	hash := uint32(e.Objc.Selectors.Register("hash"))
	obj := mustCall(t, e, "_objc_msgSend", uint32(cls), uint32(e.Objc.Selectors.Register("alloc")))
	if objc.ID(obj) == objc.Nil || e.Objc.ClassOf(objc.ID(obj)) != objc.ID(cls) {
		t.Fatalf("+[Nine alloc] = 0x%x", obj)
	}

	if got := mustCall(t, e, "_objc_msgSend", obj, hash); got != 9 {
		t.Errorf("-[Nine hash] = %d, want the guest override", got)
	}

	sup := e.Mem.AllocZeroed(8)
	if err := e.Mem.WritePtr(sup, mem.Ptr(obj)); err != nil {
		t.Fatalf("Failed to write objc_super: %v", err)
	}
	if err := e.Mem.WritePtr(sup+4, mem.Ptr(cls)); err != nil {
		t.Fatalf("Failed to write objc_super: %v", err)
	}
	if got := mustCall(t, e, "_objc_msgSendSuper2", uint32(sup), hash); got != obj {
		t.Errorf("super hash from Nine = 0x%x, want NSObject's 0x%x", got, obj)
	}
	if mustCall(t, e, "_class_respondsToSelector", uint32(cls), uint32(e.Objc.Selectors.Register("retain"))) != 1 {
		t.Error("Nine does not inherit -retain from NSObject")
	}
}
