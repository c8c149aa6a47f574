package libc

import (
	"go.uber.org/zap"

	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	glog "github.com/zboralski/hlego/internal/log"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("libc", dyld.FunctionExports{
		dyld.ExportC("malloc", malloc),
		dyld.ExportC("calloc", calloc),
		dyld.ExportC("realloc", realloc),
		dyld.ExportC("free", free),
		dyld.ExportC("malloc_size", mallocSize),

		// Memory info
		dyld.ExportC("getpagesize", getpagesize),
	})
}

// Allocation failures return NULL like the C library does; the run goes on.

func malloc(e *env.Environment, size uint32) mem.Ptr {
	if size == 0 {
		size = 16
	}
	p, ok := e.Mem.TryAlloc(size)
	if !ok {
		e.Log.Warn("malloc failed", zap.Uint32("size", size))
		return mem.Null
	}
	return p
}

func calloc(e *env.Environment, count, size uint32) mem.Ptr {
	total := uint64(count) * uint64(size)
	if total > uint64(e.Mem.Size()) {
		stubs.Log(e, "libc", "calloc", stubs.FormatPtrPair("count", count, "size", size))
		return mem.Null
	}
	if total == 0 {
		total = 16
	}
	p := malloc(e, uint32(total))
	if !p.IsNull() {
		n, _ := e.Mem.BlockSize(p)
		e.Must(e.Mem.Memset(p, 0, n))
	}
	return p
}

func realloc(e *env.Environment, p mem.Ptr, size uint32) mem.Ptr {
	if !p.IsNull() {
		if _, ok := e.Mem.BlockSize(p); !ok {
			e.Log.Warn("realloc of a pointer malloc did not return", glog.Ptr("ptr", uint32(p)))
			return mem.Null
		}
	}
	if size == 0 {
		size = 16
	}
	n, ok := e.Mem.TryRealloc(p, size)
	if !ok {
		e.Log.Warn("realloc failed", glog.Ptr("ptr", uint32(p)), zap.Uint32("size", size))
		return mem.Null
	}
	return n
}

func free(e *env.Environment, p mem.Ptr) {
	if p.IsNull() {
		return
	}
	if !e.Mem.TryFree(p) {
		e.Log.Warn("free of a pointer malloc did not return", glog.Ptr("ptr", uint32(p)))
	}
}

func mallocSize(e *env.Environment, p mem.Ptr) uint32 {
	n, _ := e.Mem.BlockSize(p)
	return n
}

func getpagesize(e *env.Environment) int32 {
	return mem.PageSize
}
