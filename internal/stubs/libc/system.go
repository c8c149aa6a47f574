package libc

import (
	"os"

	"github.com/mattn/go-isatty"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("libc", dyld.FunctionExports{
		dyld.ExportC("abort", abort),
		dyld.ExportC("exit", exit),
		dyld.ExportC("_exit", quickExit),
		dyld.ExportC("atexit", atexit),
		dyld.ExportC("__cxa_atexit", cxaAtexit),
		dyld.ExportC("getenv", getenv),
		dyld.ExportC("getpid", getpid),
		dyld.ExportC("isatty", isTTY),
	})
}

// exitState holds handlers registered with atexit and __cxa_atexit.
type exitState struct {
	handlers []exitHandler
}

type exitHandler struct {
	fn     abi.GuestFunction
	arg    uint32
	hasArg bool
}

func abort(e *env.Environment) {
	stubs.Log(e, "libc", "abort", "program aborted")
	e.Failf("guest called abort")
}

// exit runs atexit handlers, most recent first, then stops the guest.
func exit(e *env.Environment, code int32) {
	st := env.State[exitState](e)
	for len(st.handlers) > 0 {
		h := st.handlers[len(st.handlers)-1]
		st.handlers = st.handlers[:len(st.handlers)-1]
		if h.hasArg {
			e.MustCallGuest(h.fn, h.arg)
		} else {
			e.MustCallGuest(h.fn)
		}
	}
	quickExit(e, code)
}

func quickExit(e *env.Environment, code int32) {
	stubs.Log(e, "libc", "exit", stubs.FormatHex(uint32(code)))
	e.Exit(int(code))
}

func atexit(e *env.Environment, fn uint32) int32 {
	st := env.State[exitState](e)
	st.handlers = append(st.handlers, exitHandler{fn: abi.GuestFunction(fn)})
	return 0
}

// cxaAtexit registers a static destructor. Handlers are never run per
// image, only at exit.
func cxaAtexit(e *env.Environment, fn, arg, dso uint32) int32 {
	st := env.State[exitState](e)
	st.handlers = append(st.handlers, exitHandler{fn: abi.GuestFunction(fn), arg: arg, hasArg: true})
	return 0
}

// getenv exposes no host environment to the guest.
func getenv(e *env.Environment, name mem.Ptr) mem.Ptr {
	stubs.Log(e, "libc", "getenv", e.CString(name))
	return mem.Null
}

func getpid(e *env.Environment) int32 {
	return int32(os.Getpid())
}

// isTTY answers for the host streams the guest's stdio maps to.
func isTTY(e *env.Environment, fd int32) int32 {
	var f *os.File
	switch fd {
	case 0:
		f = os.Stdin
	case 1:
		f = os.Stdout
	case 2:
		f = os.Stderr
	default:
		return 0
	}
	if isatty.IsTerminal(f.Fd()) {
		return 1
	}
	return 0
}
