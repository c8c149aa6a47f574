package abi

import (
	"fmt"
	"reflect"

	"github.com/zboralski/hlego/internal/mem"
)

// ArgCursor walks argument slots: r0-r3 first, then the stack upward from SP.
type ArgCursor struct {
	regs Registers // nil for a memory-only cursor
	mem  Memory
	reg  int
	sp   mem.Ptr
}

// NewArgCursor starts at r0 and the current stack pointer.
func NewArgCursor(regs Registers, m Memory) *ArgCursor {
	return &ArgCursor{regs: regs, mem: m, sp: mem.Ptr(regs.Reg(SP))}
}

func (c *ArgCursor) word() (uint32, error) {
	if c.regs != nil && c.reg < NumArgRegs {
		v := c.regs.Reg(c.reg)
		c.reg++
		return v, nil
	}
	v, err := c.mem.ReadU32(c.sp)
	if err != nil {
		return 0, fmt.Errorf("read stack argument at %s: %w", c.sp, err)
	}
	c.sp += 4
	return v, nil
}

// Next reads one argument of kind k as raw bits.
func (c *ArgCursor) Next(k Kind) (uint64, error) {
	lo, err := c.word()
	if err != nil || k.Words() < 2 {
		return uint64(lo), err
	}
	hi, err := c.word()
	return uint64(lo) | uint64(hi)<<32, err
}

// VarArgs is the cursor handed to variadic host functions. Each read names
// its type at the call site:
//
//	n := abi.Next[int32](va)
//	s := abi.Next[mem.Ptr](va)
type VarArgs struct {
	cur *ArgCursor
	err error
}

// VaListAt returns a cursor over a C va_list that points to guest memory.
func VaListAt(m Memory, p mem.Ptr) *VarArgs {
	return &VarArgs{cur: &ArgCursor{mem: m, reg: NumArgRegs, sp: p}}
}

// Err returns the first error encountered while reading.
func (va *VarArgs) Err() error { return va.err }

// Next reads the next variadic argument as a T. T must be a marshallable type;
// anything else panics. A read error yields the zero value and is kept in Err.
func Next[T any](va *VarArgs) T {
	var zero T
	t := reflect.TypeOf(zero)
	if t == nil {
		panic("abi: Next needs a concrete type")
	}
	k, ok := KindOf(t)
	if !ok {
		panic(fmt.Sprintf("abi: cannot read variadic argument of type %s", t))
	}
	raw, err := va.cur.Next(k)
	if err != nil {
		if va.err == nil {
			va.err = err
		}
		return zero
	}
	return decode(raw, t).Interface().(T)
}
