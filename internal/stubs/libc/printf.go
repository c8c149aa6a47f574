package libc

import (
	"io"
	"strings"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("libc", dyld.FunctionExports{
		dyld.ExportC("printf", printf),
		dyld.ExportC("fprintf", fprintf),
		dyld.ExportC("sprintf", sprintf),
		dyld.ExportC("snprintf", snprintf),
		dyld.ExportC("asprintf", asprintf),
		dyld.ExportC("vprintf", vprintf),
		dyld.ExportC("vfprintf", vfprintf),
		dyld.ExportC("vsprintf", vsprintf),
		dyld.ExportC("vsnprintf", vsnprintf),

		dyld.ExportC("puts", puts),
		dyld.ExportC("putchar", putchar),
		dyld.ExportC("fputs", fputs),
		dyld.ExportC("fputc", fputc),
		dyld.ExportC("fwrite", fwrite),
		dyld.ExportC("fflush", fflush),
		dyld.ExportC("fileno", fileno),
	})

	stubs.RegisterConstants("libc", dyld.ConstantExports{
		{Name: "___stdinp", Value: stream(0)},
		{Name: "___stdoutp", Value: stream(1)},
		{Name: "___stderrp", Value: stream(2)},
	})
}

const (
	fileSize   = 88 // sizeof(FILE)
	fileFdOffs = 14 // _file
)

// stream creates a FILE for fd and a pointer cell holding it, which is what
// the ___stdoutp family of symbols are.
func stream(fd uint16) dyld.Custom {
	return func(l *dyld.Linker) mem.Ptr {
		m := l.Mem()
		file := m.AllocZeroed(fileSize)
		_ = m.WriteU16(file+fileFdOffs, fd)
		cell := m.AllocZeroed(4)
		_ = m.WritePtr(cell, file)
		return cell
	}
}

func format(e *env.Environment, fp mem.Ptr, va *abi.VarArgs) string {
	s, err := Format(e.Mem, e.CString(fp), va)
	e.Must(err)
	return s
}

// writer maps a FILE to the host stream. Anything but stdout and stderr has
// no backing file.
func writer(e *env.Environment, file mem.Ptr) io.Writer {
	fd, err := e.Mem.ReadU16(file + fileFdOffs)
	e.Must(err)
	switch fd {
	case 1:
		return e.Stdout
	case 2:
		return e.Stderr
	}
	e.Failf("write to unsupported stream %s (fd %d)", file, fd)
	return nil
}

func output(e *env.Environment, w io.Writer, name, s string) int32 {
	stubs.Log(e, "libc", name, strings.TrimRight(s, "\n"))
	n, err := io.WriteString(w, s)
	if err != nil {
		return -1
	}
	return int32(n)
}

// store writes at most n-1 bytes of s and a terminator, like snprintf.
func store(e *env.Environment, buf mem.Ptr, n uint32, s string) int32 {
	if n > 0 {
		if uint32(len(s)) >= n {
			e.Must(e.Mem.WriteCString(buf, s[:n-1]))
		} else {
			e.Must(e.Mem.WriteCString(buf, s))
		}
	}
	return int32(len(s))
}

func printf(e *env.Environment, fp mem.Ptr, va *abi.VarArgs) int32 {
	return output(e, e.Stdout, "printf", format(e, fp, va))
}

func fprintf(e *env.Environment, file, fp mem.Ptr, va *abi.VarArgs) int32 {
	return output(e, writer(e, file), "fprintf", format(e, fp, va))
}

func sprintf(e *env.Environment, buf, fp mem.Ptr, va *abi.VarArgs) int32 {
	s := format(e, fp, va)
	e.Must(e.Mem.WriteCString(buf, s))
	return int32(len(s))
}

func snprintf(e *env.Environment, buf mem.Ptr, n uint32, fp mem.Ptr, va *abi.VarArgs) int32 {
	return store(e, buf, n, format(e, fp, va))
}

func asprintf(e *env.Environment, ret, fp mem.Ptr, va *abi.VarArgs) int32 {
	s := format(e, fp, va)
	e.Must(e.Mem.WritePtr(ret, e.Mem.AllocCString(s)))
	return int32(len(s))
}

func vprintf(e *env.Environment, fp, ap mem.Ptr) int32 {
	return output(e, e.Stdout, "vprintf", format(e, fp, abi.VaListAt(e.Mem, ap)))
}

func vfprintf(e *env.Environment, file, fp, ap mem.Ptr) int32 {
	return output(e, writer(e, file), "vfprintf", format(e, fp, abi.VaListAt(e.Mem, ap)))
}

func vsprintf(e *env.Environment, buf, fp, ap mem.Ptr) int32 {
	s := format(e, fp, abi.VaListAt(e.Mem, ap))
	e.Must(e.Mem.WriteCString(buf, s))
	return int32(len(s))
}

func vsnprintf(e *env.Environment, buf mem.Ptr, n uint32, fp, ap mem.Ptr) int32 {
	return store(e, buf, n, format(e, fp, abi.VaListAt(e.Mem, ap)))
}

func puts(e *env.Environment, s mem.Ptr) int32 {
	return output(e, e.Stdout, "puts", e.CString(s)+"\n")
}

func putchar(e *env.Environment, c int32) int32 {
	if output(e, e.Stdout, "putchar", string([]byte{byte(c)})) < 0 {
		return -1
	}
	return c & 0xff
}

func fputs(e *env.Environment, s, file mem.Ptr) int32 {
	return output(e, writer(e, file), "fputs", e.CString(s))
}

func fputc(e *env.Environment, c int32, file mem.Ptr) int32 {
	if output(e, writer(e, file), "fputc", string([]byte{byte(c)})) < 0 {
		return -1
	}
	return c & 0xff
}

func fwrite(e *env.Environment, p mem.Ptr, size, count uint32, file mem.Ptr) uint32 {
	if size == 0 || count == 0 {
		return 0
	}
	b, err := e.Mem.View(p, size*count)
	e.Must(err)
	n, _ := writer(e, file).Write(b)
	return uint32(n) / size
}

func fflush(e *env.Environment, file mem.Ptr) int32 {
	return 0
}

func fileno(e *env.Environment, file mem.Ptr) int32 {
	fd, err := e.Mem.ReadU16(file + fileFdOffs)
	e.Must(err)
	return int32(fd)
}
