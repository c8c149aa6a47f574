package libc

import (
	"fmt"
	"slices"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("libc", dyld.FunctionExports{
		dyld.ExportC("qsort", qsort),
	})
}

// qsort copies the array to a scratch block so the comparator always sees
// the original elements, sorts an index permutation and writes the elements
// back in order.
func qsort(e *env.Environment, base mem.Ptr, nmemb, size uint32, compar abi.GuestFunction) {
	if nmemb < 2 || size == 0 {
		return
	}
	total := uint64(nmemb) * uint64(size)
	if total > uint64(e.Mem.Size()) {
		stubs.Log(e, "libc", "qsort", stubs.FormatPtrPair("nmemb", nmemb, "size", size))
		return
	}
	src, err := e.Mem.Read(base, uint32(total))
	e.Must(err)

	scratch, ok := e.Mem.TryAlloc(uint32(total))
	if !ok {
		e.Fail(fmt.Errorf("qsort: heap exhausted (%d bytes)", total))
	}
	defer e.Mem.Free(scratch)
	e.Must(e.Mem.Write(scratch, src))

	order := make([]uint32, nmemb)
	for i := range order {
		order[i] = uint32(i)
	}
	slices.SortStableFunc(order, func(a, b uint32) int {
		return int(int32(e.MustCallGuest(compar, scratch.Add(a*size), scratch.Add(b*size))))
	})

	out := make([]byte, 0, total)
	for _, i := range order {
		out = append(out, src[i*size:(i+1)*size]...)
	}
	e.Must(e.Mem.Write(base, out))
}
