package libc

import (
	"fmt"

	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("libc", dyld.FunctionExports{
		dyld.ExportC("dlopen", dlopen),
		dyld.ExportC("dlsym", dlsym),
		dyld.ExportC("dlclose", dlclose),
		dyld.ExportC("dlerror", dlerror),
	})
}

// dlState is the handle every dlopen returns.
type dlState struct {
	handle mem.Ptr
}

// dlopen returns one handle for everything: all symbols live in the host
// export table.
func dlopen(e *env.Environment, path mem.Ptr, mode int32) mem.Ptr {
	st := env.State[dlState](e)
	if !path.IsNull() {
		stubs.Log(e, "libc", "dlopen", e.CString(path))
	}
	if st.handle.IsNull() {
		st.handle = e.Mem.AllocZeroed(4)
	}
	return st.handle
}

// dlsym of a name the host does not export stops the run with the name, the
// same as calling an unresolved import.
func dlsym(e *env.Environment, handle, name mem.Ptr) mem.Ptr {
	sym := e.CString(name)
	addr, err := e.Dyld.ProcAddress(sym)
	if err != nil {
		e.Fail(fmt.Errorf("dlsym: %w", err))
	}
	stubs.Log(e, "libc", "dlsym", stubs.FormatPtr(sym, uint32(addr)))
	return addr
}

func dlclose(e *env.Environment, handle mem.Ptr) int32 {
	return 0
}

// dlerror has nothing to report: every dl call either succeeds or stops
// the run.
func dlerror(e *env.Environment) mem.Ptr {
	return mem.Null
}
