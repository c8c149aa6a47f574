package pthread

import (
	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("pthread", dyld.FunctionExports{
		dyld.ExportC("pthread_key_create", keyCreate),
		dyld.ExportC("pthread_key_delete", keyDelete),
		dyld.ExportC("pthread_setspecific", setspecific),
		dyld.ExportC("pthread_getspecific", getspecific),
		dyld.ExportC("pthread_once", once),
	})
}

type tlsState struct {
	next   uint32
	values map[uint32]uint32
}

func tls(e *env.Environment) *tlsState {
	st := env.State[tlsState](e)
	if st.values == nil {
		st.values = make(map[uint32]uint32)
	}
	return st
}

// keyCreate ignores the destructor: the single thread never exits.
func keyCreate(e *env.Environment, out mem.Ptr, destructor uint32) int32 {
	st := tls(e)
	key := st.next
	st.next++
	st.values[key] = 0
	e.Must(e.Mem.WriteU32(out, key))
	return 0
}

func keyDelete(e *env.Environment, key uint32) int32 {
	st := tls(e)
	if _, ok := st.values[key]; !ok {
		return errInval
	}
	delete(st.values, key)
	return 0
}

func setspecific(e *env.Environment, key, value uint32) int32 {
	st := tls(e)
	if _, ok := st.values[key]; !ok {
		return errInval
	}
	st.values[key] = value
	return 0
}

func getspecific(e *env.Environment, key uint32) uint32 {
	return tls(e).values[key]
}

// pthread_once_t is { long sig; char opaque[4]; }. The opaque word is set
// once the routine has run.
const onceDoneOffs = 4

func once(e *env.Environment, control mem.Ptr, routine uint32) int32 {
	done, err := e.Mem.ReadU32(control + onceDoneOffs)
	e.Must(err)
	if done != 0 {
		return 0
	}
	e.Must(e.Mem.WriteU32(control+onceDoneOffs, 1))
	e.MustCallGuest(abi.GuestFunction(routine))
	return 0
}
