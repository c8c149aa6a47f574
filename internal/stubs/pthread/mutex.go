package pthread

import (
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("pthread", dyld.FunctionExports{
		dyld.ExportC("pthread_mutex_init", mutexInit),
		dyld.ExportC("pthread_mutex_destroy", mutexDestroy),
		dyld.ExportC("pthread_mutex_lock", mutexLock),
		dyld.ExportC("pthread_mutex_trylock", mutexTrylock),
		dyld.ExportC("pthread_mutex_unlock", mutexUnlock),
	})
}

type mutex struct {
	kind  uint32
	count int
}

// mutexes tracks guest mutexes by address. Statically initialized ones
// (PTHREAD_MUTEX_INITIALIZER) are picked up on first lock.
type mutexes map[mem.Ptr]*mutex

func lookup(e *env.Environment, p mem.Ptr) *mutex {
	st := env.State[mutexes](e)
	if *st == nil {
		*st = make(mutexes)
	}
	m, ok := (*st)[p]
	if !ok {
		m = &mutex{kind: mutexNormal}
		(*st)[p] = m
	}
	return m
}

func mutexInit(e *env.Environment, p, attr mem.Ptr) int32 {
	m := lookup(e, p)
	m.kind = attrType(e, attr)
	m.count = 0
	return 0
}

func mutexDestroy(e *env.Environment, p mem.Ptr) int32 {
	if lookup(e, p).count > 0 {
		return errBusy
	}
	delete(*env.State[mutexes](e), p)
	return 0
}

func mutexLock(e *env.Environment, p mem.Ptr) int32 {
	m := lookup(e, p)
	if m.count > 0 {
		switch m.kind {
		case mutexRecursive:
		case mutexErrCheck:
			return errDeadlk
		default:
			e.Failf("deadlock: pthread_mutex_lock of held mutex %s", p)
		}
	}
	m.count++
	return 0
}

func mutexTrylock(e *env.Environment, p mem.Ptr) int32 {
	m := lookup(e, p)
	if m.count > 0 && m.kind != mutexRecursive {
		return errBusy
	}
	m.count++
	return 0
}

func mutexUnlock(e *env.Environment, p mem.Ptr) int32 {
	m := lookup(e, p)
	if m.count == 0 {
		return errPerm
	}
	m.count--
	return 0
}
