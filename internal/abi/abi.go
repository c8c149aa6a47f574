// Package abi converts between Go function calls and the guest calling
// convention.
//
// The guest follows Apple's ARMv6/ARMv7 variant of AAPCS with soft-float:
// argument words are taken from r0-r3 and then from the stack, 64-bit values
// occupy two consecutive words with only 4-byte alignment (so they may be
// split between r3 and the stack), and results come back in r0 or r0:r1.
//
// Nothing in this package locks: the guest has a single active thread.
package abi

import (
	"fmt"

	"github.com/zboralski/hlego/internal/mem"
)

// Architectural register numbers.
const (
	R0 = 0
	R1 = 1
	R2 = 2
	R3 = 3
	R4 = 4
	FP = 7 // frame pointer on iPhone OS
	SP = 13
	LR = 14
	PC = 15

	NumRegs    = 16
	NumArgRegs = 4
)

// Registers is the guest register file.
//
// Reading PC returns the current address with bit 0 set in Thumb state;
// writing PC branches, switching state on bit 0.
type Registers interface {
	Reg(n int) uint32
	SetReg(n int, v uint32)
}

// Memory is the part of guest memory the marshaller needs.
type Memory interface {
	ReadU32(addr mem.Ptr) (uint32, error)
	WriteU32(addr mem.Ptr, v uint32) error
}

// RegisterFile is a snapshot of all general purpose registers.
type RegisterFile [NumRegs]uint32

// Reg implements Registers.
func (r *RegisterFile) Reg(n int) uint32 { return r[n] }

// SetReg implements Registers.
func (r *RegisterFile) SetReg(n int, v uint32) { r[n] = v }

// GuestFunction is the address of guest code. Bit 0 selects Thumb state.
type GuestFunction uint32

// IsThumb reports whether the function is Thumb code.
func (f GuestFunction) IsThumb() bool { return f&1 != 0 }

// Addr returns the address of the first instruction.
func (f GuestFunction) Addr() mem.Ptr { return mem.Ptr(f &^ 1) }

func (f GuestFunction) String() string {
	if f.IsThumb() {
		return fmt.Sprintf("0x%08x (thumb)", uint32(f.Addr()))
	}
	return fmt.Sprintf("0x%08x", uint32(f))
}

// writeResult stores a raw result of kind k into r0 (and r1 for 64-bit kinds).
func writeResult(regs Registers, k Kind, raw uint64) {
	regs.SetReg(R0, uint32(raw))
	if k.Words() == 2 {
		regs.SetReg(R1, uint32(raw>>32))
	}
}

// ReadResult reads a raw result of kind k from r0 (and r1).
func ReadResult(regs Registers, k Kind) uint64 {
	v := uint64(regs.Reg(R0))
	if k.Words() == 2 {
		v |= uint64(regs.Reg(R1)) << 32
	}
	return v
}
