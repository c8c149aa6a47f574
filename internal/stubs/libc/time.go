package libc

import (
	"time"

	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("libc", dyld.FunctionExports{
		dyld.ExportC("time", timeNow),
		dyld.ExportC("gettimeofday", gettimeofday),
		dyld.ExportC("usleep", usleep),
		dyld.ExportC("sleep", sleep),
		dyld.ExportC("mach_absolute_time", machAbsoluteTime),
		dyld.ExportC("mach_timebase_info", machTimebaseInfo),
	})
}

// Guest time follows the run loop clock.

func timeNow(e *env.Environment, out mem.Ptr) uint32 {
	t := uint32(e.Loop.Now().Unix())
	if !out.IsNull() {
		e.Must(e.Mem.WriteU32(out, t))
	}
	return t
}

// gettimeofday fills struct timeval { int32 tv_sec; int32 tv_usec; }.
func gettimeofday(e *env.Environment, tv, tz mem.Ptr) int32 {
	if tv.IsNull() {
		return 0
	}
	now := e.Loop.Now()
	e.Must(e.Mem.WriteU32(tv, uint32(now.Unix())))
	e.Must(e.Mem.WriteU32(tv+4, uint32(now.Nanosecond()/1000)))
	return 0
}

func usleep(e *env.Environment, usec uint32) int32 {
	time.Sleep(time.Duration(usec) * time.Microsecond)
	return 0
}

func sleep(e *env.Environment, sec uint32) uint32 {
	time.Sleep(time.Duration(sec) * time.Second)
	return 0
}

// machAbsoluteTime counts nanoseconds; the timebase is 1/1.
func machAbsoluteTime(e *env.Environment) uint64 {
	return uint64(e.Loop.Now().UnixNano())
}

func machTimebaseInfo(e *env.Environment, info mem.Ptr) int32 {
	e.Must(e.Mem.WriteU32(info, 1))
	e.Must(e.Mem.WriteU32(info+4, 1))
	return 0
}
