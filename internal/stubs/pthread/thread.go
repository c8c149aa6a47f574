// Package pthread provides the host implementations of pthreads. The guest
// runs on a single thread: locks track ownership so a self-deadlock is an
// error instead of a hang, and thread creation is refused.
package pthread

import (
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
)

// Error numbers returned to the guest.
const (
	errBusy   = 16 // EBUSY
	errInval  = 22 // EINVAL
	errAgain  = 35 // EAGAIN
	errDeadlk = 11 // EDEADLK
	errPerm   = 1  // EPERM
)

func init() {
	stubs.RegisterFunctions("pthread", dyld.FunctionExports{
		dyld.ExportC("pthread_create", pthreadCreate),
		dyld.ExportC("pthread_self", pthreadSelf),
		dyld.ExportC("pthread_equal", pthreadEqual),
		dyld.ExportC("pthread_main_np", pthreadMainNP),
		dyld.ExportC("sched_yield", schedYield),
	})
}

type threadState struct {
	self mem.Ptr
}

func pthreadCreate(e *env.Environment, out, attr mem.Ptr, start uint32, arg mem.Ptr) int32 {
	stubs.Log(e, "pthread", "pthread_create", stubs.FormatPtrPair("start", start, "arg", uint32(arg)))
	return errAgain
}

// pthreadSelf returns the main thread's handle, allocated on first use.
func pthreadSelf(e *env.Environment) mem.Ptr {
	st := env.State[threadState](e)
	if st.self.IsNull() {
		st.self = e.Mem.AllocZeroed(16)
	}
	return st.self
}

func pthreadEqual(e *env.Environment, a, b mem.Ptr) int32 {
	if a == b {
		return 1
	}
	return 0
}

func pthreadMainNP(e *env.Environment) int32 { return 1 }

func schedYield(e *env.Environment) int32 { return 0 }
