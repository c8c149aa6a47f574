package corefoundation

import (
	"time"

	"go.uber.org/zap"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/objc"
	"github.com/zboralski/hlego/internal/runloop"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("cf", dyld.FunctionExports{
		dyld.ExportC("CFAbsoluteTimeGetCurrent", absoluteTimeGetCurrent),
		dyld.ExportC("CFRunLoopGetCurrent", runLoopGetCurrent),
		dyld.ExportC("CFRunLoopGetMain", runLoopGetCurrent),
		dyld.ExportC("CFRunLoopRun", runLoopRun),
		dyld.ExportC("CFRunLoopRunInMode", runLoopRunInMode),
		dyld.ExportC("CFRunLoopStop", runLoopStop),
		dyld.ExportC("CFRunLoopAddTimer", runLoopAddTimer),
		dyld.ExportC("CFRunLoopTimerCreate", timerCreate),
		dyld.ExportC("CFRunLoopTimerInvalidate", timerInvalidate),
		dyld.ExportC("CFRunLoopTimerIsValid", timerIsValid),
		dyld.ExportC("CFRunLoopTimerGetNextFireDate", timerGetNextFireDate),
	})

	stubs.RegisterConstants("cf", dyld.ConstantExports{
		{Name: "_kCFRunLoopDefaultMode", Value: modeName("kCFRunLoopDefaultMode")},
		{Name: "_kCFRunLoopCommonModes", Value: modeName("kCFRunLoopCommonModes")},
	})

	stubs.RegisterClasses(objc.ClassExports{
		{Name: "__CFRunLoop", Superclass: "NSObject"},
		{
			Name:       "__CFRunLoopTimer",
			Superclass: "NSObject",
			InstanceMethods: []objc.MethodExport{
				objc.Export("dealloc", timerDealloc),
			},
		},
	})
}

// Run loop modes are accepted and ignored: there is one mode.
func modeName(name string) dyld.Custom {
	return func(l *dyld.Linker) mem.Ptr {
		m := l.Mem()
		cell := m.AllocZeroed(4)
		_ = m.WritePtr(cell, m.AllocCString(name))
		return cell
	}
}

// CFAbsoluteTime is seconds since 2001-01-01 00:00:00 UTC.
var absoluteTimeEpoch = time.Date(2001, time.January, 1, 0, 0, 0, 0, time.UTC)

func toAbsoluteTime(t time.Time) float64 { return t.Sub(absoluteTimeEpoch).Seconds() }

func fromAbsoluteTime(at float64) time.Time {
	return absoluteTimeEpoch.Add(time.Duration(at * float64(time.Second)))
}

func seconds(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

func absoluteTimeGetCurrent(e *env.Environment) float64 {
	return toAbsoluteTime(e.Loop.Now())
}

type runLoopState struct {
	current objc.ID
}

// runLoopGetCurrent returns the single run loop object, created on first use.
func runLoopGetCurrent(e *env.Environment) objc.ID {
	st := env.State[runLoopState](e)
	if st.current == objc.Nil {
		cls, _ := e.Objc.ClassByName("__CFRunLoop")
		st.current = e.Objc.Objects.AllocStatic(cls, e.Loop)
	}
	return st.current
}

// Results match CFRunLoopRunResult.
func run(e *env.Environment, d time.Duration, returnAfterSource bool) int32 {
	res, err := e.Loop.RunUntil(e.Loop.Now().Add(d), returnAfterSource)
	if err != nil {
		e.Fail(err)
	}
	e.Log.Debug("run loop returned", zap.Int("result", int(res)), zap.Int("timers", e.Loop.Len()))
	return int32(res)
}

// runLoopRun runs until stopped or no timers are left.
func runLoopRun(e *env.Environment) {
	run(e, 1<<62, false)
}

func runLoopRunInMode(e *env.Environment, mode mem.Ptr, secs float64, returnAfterSourceHandled bool) int32 {
	return run(e, seconds(secs), returnAfterSourceHandled)
}

func runLoopStop(e *env.Environment, rl objc.ID) {
	e.Loop.Stop()
}

// timer is the payload of a __CFRunLoopTimer.
type timer struct {
	t         *runloop.Timer
	callout   abi.GuestFunction
	info      uint32
	scheduled bool // retained by the run loop
	invalid   bool
}

func borrowTimer(e *env.Environment, id objc.ID) *timer {
	return objc.Borrow[*timer](e.Objc.Objects, id)
}

// timerCreate reads info from CFRunLoopTimerContext { version; info; retain;
// release; copyDescription }. The context's own retain and release are not
// called.
func timerCreate(e *env.Environment, allocator mem.Ptr, fireDate, interval float64, flags uint32, order int32, callout uint32, context mem.Ptr) objc.ID {
	cls, ok := e.Objc.ClassByName("__CFRunLoopTimer")
	if !ok {
		e.Failf("__CFRunLoopTimer is not registered")
	}
	tm := &timer{
		t: &runloop.Timer{
			Fire:     fromAbsoluteTime(fireDate),
			Interval: seconds(interval),
		},
		callout: abi.GuestFunction(callout),
	}
	if !context.IsNull() {
		info, err := e.Mem.ReadU32(context + 4)
		e.Must(err)
		tm.info = info
	}
	id := e.Objc.Objects.Alloc(cls, tm)
	tm.t.Callback = func() error {
		if _, err := e.CallGuest(tm.callout, id, tm.info); err != nil {
			return err
		}
		if !tm.t.Valid() {
			tm.invalid = true
			unschedule(e, id, tm)
		}
		return nil
	}
	return id
}

func runLoopAddTimer(e *env.Environment, rl, id objc.ID, mode mem.Ptr) {
	tm := borrowTimer(e, id)
	if tm.scheduled || tm.invalid {
		return
	}
	e.Objc.Objects.Retain(id)
	tm.scheduled = true
	e.Loop.Add(tm.t)
}

// unschedule drops the run loop's reference. It may deallocate the timer.
func unschedule(e *env.Environment, id objc.ID, tm *timer) {
	if !tm.scheduled {
		return
	}
	tm.scheduled = false
	e.MustMsgSend(id, "release")
}

func timerInvalidate(e *env.Environment, id objc.ID) {
	tm := borrowTimer(e, id)
	tm.invalid = true
	tm.t.Invalidate()
	unschedule(e, id, tm)
}

func timerIsValid(e *env.Environment, id objc.ID) bool {
	return !borrowTimer(e, id).invalid
}

func timerGetNextFireDate(e *env.Environment, id objc.ID) float64 {
	return toAbsoluteTime(borrowTimer(e, id).t.Fire)
}

func timerDealloc(e *env.Environment, this objc.ID, _ objc.SEL) {
	borrowTimer(e, this).t.Invalidate()
	e.Objc.Objects.Dealloc(this)
}
