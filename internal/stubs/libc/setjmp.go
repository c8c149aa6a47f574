package libc

import (
	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("libc", dyld.FunctionExports{
		dyld.ExportC("setjmp", setjmp),
		dyld.ExportC("_setjmp", setjmp),
		dyld.ExportC("longjmp", longjmp),
		dyld.ExportC("_longjmp", longjmp),
	})
}

// jmp_buf layout: r4-r11, sp, lr, then the guest run depth of the setjmp.
var jmpRegs = []int{4, 5, 6, 7, 8, 9, 10, 11, abi.SP, abi.LR}

const jmpDepthSlot = 10

func setjmp(e *env.Environment, buf mem.Ptr) int32 {
	for i, r := range jmpRegs {
		e.Must(e.Mem.WriteU32(buf+mem.Ptr(4*i), e.Reg(r)))
	}
	e.Must(e.Mem.WriteU32(buf+4*jmpDepthSlot, uint32(e.Depth())))
	return 0
}

// longjmp resumes after the setjmp that filled buf. Unwinding through a host
// function is not possible, so the jump must stay within one guest run.
func longjmp(e *env.Environment, buf mem.Ptr, val int32) {
	depth, err := e.Mem.ReadU32(buf + 4*jmpDepthSlot)
	e.Must(err)
	if int(depth) != e.Depth() {
		e.Failf("longjmp across host frames (setjmp at depth %d, longjmp at depth %d)", depth, e.Depth())
	}
	for i, r := range jmpRegs {
		v, err := e.Mem.ReadU32(buf + mem.Ptr(4*i))
		e.Must(err)
		e.SetReg(r, v)
	}
	if val == 0 {
		val = 1
	}
	e.SetReg(abi.R0, uint32(val))
	e.TailCall(abi.GuestFunction(e.Reg(abi.LR)))
}
