package abi

import (
	"fmt"
	"reflect"

	"github.com/zboralski/hlego/internal/mem"
)

// Caller is what host code needs to call into the guest.
type Caller interface {
	Registers
	Memory
	Snapshot() RegisterFile
	Restore(RegisterFile)
	// RunGuest transfers control to fn with the return address set to the
	// host return stub and runs until fn returns.
	RunGuest(fn GuestFunction) error
}

// CallGuest calls a guest function with args laid out exactly as a guest
// caller would, and returns r0:r1 as raw bits. All registers are restored
// afterwards.
func CallGuest(c Caller, fn GuestFunction, args ...any) (uint64, error) {
	words, err := encodeArgs(args)
	if err != nil {
		return 0, err
	}

	saved := c.Snapshot()
	defer c.Restore(saved)

	for i := 0; i < len(words) && i < NumArgRegs; i++ {
		c.SetReg(i, words[i])
	}
	if len(words) > NumArgRegs {
		stack := words[NumArgRegs:]
		sp := (mem.Ptr(saved[SP]) - mem.Ptr(4*len(stack))) &^ 7
		for i, w := range stack {
			if err := c.WriteU32(sp+mem.Ptr(4*i), w); err != nil {
				return 0, fmt.Errorf("push argument %d: %w", NumArgRegs+i, err)
			}
		}
		c.SetReg(SP, uint32(sp))
	}

	if err := c.RunGuest(fn); err != nil {
		return 0, err
	}
	return uint64(c.Reg(R0)) | uint64(c.Reg(R1))<<32, nil
}

// CallGuestTyped is CallGuest with the result decoded as an R.
func CallGuestTyped[R any](c Caller, fn GuestFunction, args ...any) (R, error) {
	var zero R
	t := reflect.TypeOf(zero)
	if t == nil {
		panic("abi: CallGuestTyped needs a concrete result type")
	}
	k, ok := KindOf(t)
	if !ok {
		panic(fmt.Sprintf("abi: unsupported result type %s", t))
	}
	raw, err := CallGuest(c, fn, args...)
	if err != nil {
		return zero, err
	}
	if k.Words() == 1 {
		raw = uint64(uint32(raw))
	}
	return decode(raw, t).Interface().(R), nil
}

func encodeArgs(args []any) ([]uint32, error) {
	words := make([]uint32, 0, len(args))
	for i, a := range args {
		v := reflect.ValueOf(a)
		if !v.IsValid() {
			return nil, fmt.Errorf("argument %d is nil", i)
		}
		k, ok := KindOf(v.Type())
		if !ok {
			return nil, fmt.Errorf("argument %d has unsupported type %s", i, v.Type())
		}
		raw := encode(v)
		words = append(words, uint32(raw))
		if k.Words() == 2 {
			words = append(words, uint32(raw>>32))
		}
	}
	return words, nil
}
