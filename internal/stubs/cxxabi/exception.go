// Package cxxabi provides the C++ runtime support the guest links against:
// operator new and delete, static initialization guards, and the exception
// entry points. Exceptions are not unwound; throwing stops the run.
package cxxabi

import (
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("cxxabi", dyld.FunctionExports{
		// operator new/delete, size_t is unsigned int
		dyld.Export("__Znwj", operatorNew),
		dyld.Export("__Znaj", operatorNew),
		dyld.Export("__ZdlPv", operatorDelete),
		dyld.Export("__ZdaPv", operatorDelete),

		// Static initialization guards
		dyld.ExportC("__cxa_guard_acquire", guardAcquire),
		dyld.ExportC("__cxa_guard_release", guardRelease),
		dyld.ExportC("__cxa_guard_abort", guardAbort),

		// Exceptions
		dyld.ExportC("__cxa_allocate_exception", allocateException),
		dyld.ExportC("__cxa_free_exception", freeException),
		dyld.ExportC("__cxa_throw", throw),
		dyld.ExportC("__cxa_rethrow", rethrow),
		dyld.ExportC("__cxa_pure_virtual", pureVirtual),
	})
}

func operatorNew(e *env.Environment, size uint32) mem.Ptr {
	if size == 0 {
		size = 1
	}
	return e.Mem.Alloc(size)
}

func operatorDelete(e *env.Environment, p mem.Ptr) {
	if p.IsNull() {
		return
	}
	if !e.Mem.TryFree(p) {
		e.Failf("operator delete of %s, which operator new did not return", p)
	}
}

// guards tracks guards whose initializer is running.
type guards map[mem.Ptr]bool

func pending(e *env.Environment) guards {
	g := env.State[guards](e)
	if *g == nil {
		*g = make(guards)
	}
	return *g
}

// guardAcquire returns 1 when the caller must run the initializer. Bit 0 of
// the guard's first byte marks a completed initialization.
func guardAcquire(e *env.Environment, guard mem.Ptr) int32 {
	b, err := e.Mem.ReadU8(guard)
	e.Must(err)
	if b&1 != 0 {
		return 0
	}
	g := pending(e)
	if g[guard] {
		e.Failf("recursive initialization of static guarded by %s", guard)
	}
	g[guard] = true
	return 1
}

func guardRelease(e *env.Environment, guard mem.Ptr) {
	delete(pending(e), guard)
	e.Must(e.Mem.WriteU8(guard, 1))
}

func guardAbort(e *env.Environment, guard mem.Ptr) {
	delete(pending(e), guard)
}

// __cxa_exception header space in front of the thrown object.
const exceptionHeaderSize = 0x80

func allocateException(e *env.Environment, size uint32) mem.Ptr {
	p := e.Mem.AllocZeroed(exceptionHeaderSize + size)
	return p + exceptionHeaderSize
}

func freeException(e *env.Environment, p mem.Ptr) {
	e.Mem.Free(p - exceptionHeaderSize)
}

// ExceptionError stops the run when guest code throws.
type ExceptionError struct {
	Object mem.Ptr
	Type   mem.Ptr // std::type_info of the thrown object
}

func (err *ExceptionError) Error() string {
	return "C++ exception thrown (object " + err.Object.String() + ", type_info " + err.Type.String() + ")"
}

func throw(e *env.Environment, obj, tinfo mem.Ptr, dest uint32) {
	stubs.Log(e, "cxxabi", "__cxa_throw", stubs.FormatPtrPair("obj", uint32(obj), "type", uint32(tinfo)))
	e.Fail(&ExceptionError{Object: obj, Type: tinfo})
}

func rethrow(e *env.Environment) {
	e.Fail(&ExceptionError{})
}

func pureVirtual(e *env.Environment) {
	e.Failf("pure virtual function called")
}
