package pthread

import (
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
)

// Mutex types.
const (
	mutexNormal    = 0
	mutexErrCheck  = 1
	mutexRecursive = 2
)

// pthread_mutexattr_t is { long sig; char opaque[8]; }; the type is kept in
// the first opaque word.
const (
	attrSig      = 0x4d545841 // "MTXA"
	attrTypeOffs = 4
)

func init() {
	stubs.RegisterFunctions("pthread", dyld.FunctionExports{
		dyld.ExportC("pthread_mutexattr_init", mutexattrInit),
		dyld.ExportC("pthread_mutexattr_destroy", mutexattrDestroy),
		dyld.ExportC("pthread_mutexattr_settype", mutexattrSettype),
		dyld.ExportC("pthread_mutexattr_gettype", mutexattrGettype),
	})
}

func mutexattrInit(e *env.Environment, attr mem.Ptr) int32 {
	e.Must(e.Mem.WriteU32(attr, attrSig))
	e.Must(e.Mem.WriteU32(attr+attrTypeOffs, mutexNormal))
	return 0
}

func mutexattrDestroy(e *env.Environment, attr mem.Ptr) int32 {
	e.Must(e.Mem.WriteU32(attr, 0))
	return 0
}

func mutexattrSettype(e *env.Environment, attr mem.Ptr, kind int32) int32 {
	if kind < mutexNormal || kind > mutexRecursive {
		return errInval
	}
	e.Must(e.Mem.WriteU32(attr+attrTypeOffs, uint32(kind)))
	return 0
}

func mutexattrGettype(e *env.Environment, attr, out mem.Ptr) int32 {
	kind, err := e.Mem.ReadU32(attr + attrTypeOffs)
	e.Must(err)
	e.Must(e.Mem.WriteU32(out, kind))
	return 0
}

// attrType reads the mutex type from an attribute object, NULL meaning the
// default.
func attrType(e *env.Environment, attr mem.Ptr) uint32 {
	if attr.IsNull() {
		return mutexNormal
	}
	kind, err := e.Mem.ReadU32(attr + attrTypeOffs)
	e.Must(err)
	return kind
}
