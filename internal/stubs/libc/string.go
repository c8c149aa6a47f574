package libc

import (
	"bytes"
	"strings"

	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("libc", dyld.FunctionExports{
		dyld.ExportC("memcpy", memmove),
		dyld.ExportC("memmove", memmove),
		dyld.ExportC("memset", memset),
		dyld.ExportC("memcmp", memcmp),
		dyld.ExportC("bzero", bzero),
		dyld.ExportC("strlen", strlen),
		dyld.ExportC("strcmp", strcmp),
		dyld.ExportC("strncmp", strncmp),
		dyld.ExportC("strcpy", strcpy),
		dyld.ExportC("strncpy", strncpy),
		dyld.ExportC("strcat", strcat),
		dyld.ExportC("strchr", strchr),
		dyld.ExportC("strrchr", strrchr),
		dyld.ExportC("strstr", strstr),
		dyld.ExportC("strdup", strdup),
	})
}

func view(e *env.Environment, p mem.Ptr, n uint32) []byte {
	b, err := e.Mem.View(p, n)
	e.Must(err)
	return b
}

func memmove(e *env.Environment, dst, src mem.Ptr, n uint32) mem.Ptr {
	e.Must(e.Mem.Memmove(dst, src, n))
	return dst
}

func memset(e *env.Environment, dst mem.Ptr, c int32, n uint32) mem.Ptr {
	e.Must(e.Mem.Memset(dst, byte(c), n))
	return dst
}

func bzero(e *env.Environment, dst mem.Ptr, n uint32) {
	e.Must(e.Mem.Memset(dst, 0, n))
}

func memcmp(e *env.Environment, a, b mem.Ptr, n uint32) int32 {
	return int32(bytes.Compare(view(e, a, n), view(e, b, n)))
}

func strlen(e *env.Environment, s mem.Ptr) uint32 {
	return uint32(len(e.CString(s)))
}

func strcmp(e *env.Environment, a, b mem.Ptr) int32 {
	return int32(strings.Compare(e.CString(a), e.CString(b)))
}

func strncmp(e *env.Environment, a, b mem.Ptr, n uint32) int32 {
	sa, sb := e.CString(a), e.CString(b)
	if uint32(len(sa)) > n {
		sa = sa[:n]
	}
	if uint32(len(sb)) > n {
		sb = sb[:n]
	}
	return int32(strings.Compare(sa, sb))
}

func strcpy(e *env.Environment, dst, src mem.Ptr) mem.Ptr {
	e.Must(e.Mem.WriteCString(dst, e.CString(src)))
	return dst
}

// strncpy pads with NULs up to n and does not terminate a truncated copy.
func strncpy(e *env.Environment, dst, src mem.Ptr, n uint32) mem.Ptr {
	s := e.CString(src)
	out := view(e, dst, n)
	k := copy(out, s)
	clear(out[k:])
	return dst
}

func strcat(e *env.Environment, dst, src mem.Ptr) mem.Ptr {
	d := e.CString(dst)
	e.Must(e.Mem.WriteCString(dst+mem.Ptr(len(d)), e.CString(src)))
	return dst
}

func strchr(e *env.Environment, s mem.Ptr, c int32) mem.Ptr {
	str := e.CString(s)
	if byte(c) == 0 {
		return s + mem.Ptr(len(str))
	}
	i := strings.IndexByte(str, byte(c))
	if i < 0 {
		return mem.Null
	}
	return s + mem.Ptr(i)
}

func strrchr(e *env.Environment, s mem.Ptr, c int32) mem.Ptr {
	str := e.CString(s)
	if byte(c) == 0 {
		return s + mem.Ptr(len(str))
	}
	i := strings.LastIndexByte(str, byte(c))
	if i < 0 {
		return mem.Null
	}
	return s + mem.Ptr(i)
}

func strstr(e *env.Environment, haystack, needle mem.Ptr) mem.Ptr {
	i := strings.Index(e.CString(haystack), e.CString(needle))
	if i < 0 {
		return mem.Null
	}
	return haystack + mem.Ptr(i)
}

func strdup(e *env.Environment, s mem.Ptr) mem.Ptr {
	return e.Mem.AllocCString(e.CString(s))
}
