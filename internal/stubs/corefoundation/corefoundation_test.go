package corefoundation

import (
	"testing"
	"time"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/config"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/objc"
	"github.com/zboralski/hlego/internal/runloop"
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

func call(t *testing.T, e *env.Environment, name string, args ...any) (uint64, error) {
	t.Helper()
	b, err := e.Dyld.ResolveImport(name)
	if err != nil {
		t.Fatalf("Failed to resolve %s: %v", name, err)
	}
	return e.CallGuest(abi.GuestFunction(b.Addr), args...)
}

func mustCall(t *testing.T, e *env.Environment, name string, args ...any) uint32 {
	t.Helper()
	r, err := call(t, e, name, args...)
	if err != nil {
		t.Fatalf("%s failed: %v", name, err)
	}
	return uint32(r)
}

func symbol(t *testing.T, e *env.Environment, name string) uint32 {
	t.Helper()
	b, err := e.Dyld.ResolveImport(name)
	if err != nil {
		t.Fatalf("Failed to resolve %s: %v", name, err)
	}
	return uint32(b.Addr)
}

func newObject(t *testing.T, e *env.Environment) objc.ID {
	t.Helper()
	cls, ok := e.Objc.ClassByName("NSObject")
	if !ok {
		t.Fatal("NSObject is not registered")
	}
	r, err := e.MsgSend(cls, "new")
	if err != nil {
		t.Fatalf("Failed to create object: %v", err)
	}
	return objc.ID(r)
}

func retainCount(t *testing.T, e *env.Environment, obj objc.ID) uint32 {
	t.Helper()
	return mustCall(t, e, "_CFGetRetainCount", uint32(obj))
}

func TestRetainRelease(t *testing.T) {
	e := newTestEnv(t)
	obj := newObject(t, e)

	if got := objc.ID(mustCall(t, e, "_CFRetain", uint32(obj))); got != obj {
		t.Errorf("CFRetain returned %s", got)
	}
	if n := retainCount(t, e, obj); n != 2 {
		t.Errorf("retain count = %d, want 2", n)
	}
	if mustCall(t, e, "_CFEqual", uint32(obj), uint32(obj)) != 1 {
		t.Error("CFEqual of an object with itself = false")
	}
	if mustCall(t, e, "_CFHash", uint32(obj)) != uint32(obj) {
		t.Error("CFHash is not the NSObject hash")
	}
	mustCall(t, e, "_CFRelease", uint32(obj))
	mustCall(t, e, "_CFRelease", uint32(obj))
	if e.Objc.Objects.Exists(obj) {
		t.Error("Object survived its last CFRelease")
	}
	if _, err := call(t, e, "_CFRelease", uint32(0)); err == nil {
		t.Error("CFRelease(NULL) did not fail")
	}
}

func TestDictionaryWithTypeCallBacks(t *testing.T) {
	e := newTestEnv(t)
	keyCB := symbol(t, e, "_kCFTypeDictionaryKeyCallBacks")
	valueCB := symbol(t, e, "_kCFTypeDictionaryValueCallBacks")

	d := objc.ID(mustCall(t, e, "_CFDictionaryCreateMutable", uint32(0), int32(0), keyCB, valueCB))
	key, v1, v2 := newObject(t, e), newObject(t, e), newObject(t, e)

	mustCall(t, e, "_CFDictionarySetValue", uint32(d), uint32(key), uint32(v1))
	if n := retainCount(t, e, key); n != 2 {
		t.Errorf("key retain count = %d, want 2", n)
	}
	if n := retainCount(t, e, v1); n != 2 {
		t.Errorf("value retain count = %d, want 2", n)
	}
	if got := objc.ID(mustCall(t, e, "_CFDictionaryGetValue", uint32(d), uint32(key))); got != v1 {
		t.Errorf("CFDictionaryGetValue = %s, want %s", got, v1)
	}
	if mustCall(t, e, "_CFDictionaryContainsKey", uint32(d), uint32(v2)) != 0 {
		t.Error("CFDictionaryContainsKey found a missing key")
	}

	// Replacing releases the old value; adding an existing key does nothing.
	mustCall(t, e, "_CFDictionarySetValue", uint32(d), uint32(key), uint32(v2))
	mustCall(t, e, "_CFDictionaryAddValue", uint32(d), uint32(key), uint32(v1))
	if n := retainCount(t, e, v1); n != 1 {
		t.Errorf("replaced value retain count = %d, want 1", n)
	}
	if got := objc.ID(mustCall(t, e, "_CFDictionaryGetValue", uint32(d), uint32(key))); got != v2 {
		t.Errorf("CFDictionaryGetValue after replace = %s, want %s", got, v2)
	}
	if n := mustCall(t, e, "_CFDictionaryGetCount", uint32(d)); n != 1 {
		t.Errorf("CFDictionaryGetCount = %d", n)
	}

	mustCall(t, e, "_CFRelease", uint32(d))
	if e.Objc.Objects.Exists(d) {
		t.Fatal("Dictionary survived its last release")
	}
	if n := retainCount(t, e, key); n != 1 {
		t.Errorf("key retain count after dealloc = %d, want 1", n)
	}
	if n := retainCount(t, e, v2); n != 1 {
		t.Errorf("value retain count after dealloc = %d, want 1", n)
	}
}

func TestDictionaryWithoutCallBacks(t *testing.T) {
	e := newTestEnv(t)
	d := uint32(mustCall(t, e, "_CFDictionaryCreateMutable", uint32(0), int32(4), uint32(0), uint32(0)))

	mustCall(t, e, "_CFDictionarySetValue", d, uint32(1), uint32(100))
	mustCall(t, e, "_CFDictionarySetValue", d, uint32(2), uint32(200))
	if got := mustCall(t, e, "_CFDictionaryGetValue", d, uint32(2)); got != 200 {
		t.Errorf("CFDictionaryGetValue(2) = %d", got)
	}
	if got := mustCall(t, e, "_CFDictionaryGetValue", d, uint32(3)); got != 0 {
		t.Errorf("CFDictionaryGetValue(3) = %d", got)
	}
	mustCall(t, e, "_CFDictionaryRemoveValue", d, uint32(1))
	if n := mustCall(t, e, "_CFDictionaryGetCount", d); n != 1 {
		t.Errorf("CFDictionaryGetCount after remove = %d", n)
	}
	mustCall(t, e, "_CFDictionaryRemoveAllValues", d)
	if n := mustCall(t, e, "_CFDictionaryGetCount", d); n != 0 {
		t.Errorf("CFDictionaryGetCount after remove all = %d", n)
	}
}

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

func TestOneShotTimer(t *testing.T) {
	e := newTestEnv(t)
	clock := &fakeClock{now: time.Date(2010, time.April, 3, 12, 0, 0, 0, time.UTC)}
	e.Loop = runloop.New(clock)
	start := clock.now

	type firing struct {
		timer objc.ID
		info  uint32
		at    time.Time
	}
	var fired []firing
	callout := e.Dyld.CreateGuestFunction("callout", abi.Wrap(func(e *env.Environment, timer objc.ID, info uint32) {
		fired = append(fired, firing{timer, info, clock.now})
	}))

	ctx := e.Mem.AllocZeroed(20)
	if err := e.Mem.WriteU32(ctx+4, 0x1234); err != nil {
		t.Fatalf("Failed to write context: %v", err)
	}
	now := toAbsoluteTime(clock.now)
	if got, err := abi.CallGuestTyped[float64](e, abi.GuestFunction(symbol(t, e, "_CFAbsoluteTimeGetCurrent"))); err != nil || got != now {
		t.Fatalf("CFAbsoluteTimeGetCurrent = %v, %v; want %v", got, err, now)
	}

	tm := objc.ID(mustCall(t, e, "_CFRunLoopTimerCreate",
		uint32(0), now+2, float64(0), uint32(0), int32(0), uint32(callout), uint32(ctx)))
	rl := mustCall(t, e, "_CFRunLoopGetCurrent")
	if main := mustCall(t, e, "_CFRunLoopGetMain"); main != rl {
		t.Errorf("CFRunLoopGetMain = 0x%x, CFRunLoopGetCurrent = 0x%x", main, rl)
	}
	mode, err := e.Mem.ReadU32(mem.Ptr(symbol(t, e, "_kCFRunLoopDefaultMode")))
	if err != nil {
		t.Fatalf("Failed to read mode: %v", err)
	}

	mustCall(t, e, "_CFRunLoopAddTimer", rl, uint32(tm), mode)
	mustCall(t, e, "_CFRelease", uint32(tm))
	if mustCall(t, e, "_CFRunLoopTimerIsValid", uint32(tm)) != 1 {
		t.Fatal("Scheduled timer is not valid")
	}

	res := mustCall(t, e, "_CFRunLoopRunInMode", mode, float64(10), true)
	if res != uint32(runloop.HandledSource) {
		t.Errorf("CFRunLoopRunInMode = %d, want %d", res, runloop.HandledSource)
	}
	if len(fired) != 1 {
		t.Fatalf("Timer fired %d times", len(fired))
	}
	if fired[0].timer != tm || fired[0].info != 0x1234 {
		t.Errorf("Callout got timer %s info 0x%x", fired[0].timer, fired[0].info)
	}
	if d := fired[0].at.Sub(start); d < 2*time.Second-time.Millisecond || d > 2*time.Second+time.Millisecond {
		t.Errorf("Timer fired %v after start, want 2s", d)
	}
	if e.Objc.Objects.Exists(tm) {
		t.Error("One-shot timer was not released after firing")
	}

	if res := mustCall(t, e, "_CFRunLoopRunInMode", mode, float64(1), false); res != uint32(runloop.Finished) {
		t.Errorf("CFRunLoopRunInMode with no timers = %d, want %d", res, runloop.Finished)
	}
}
