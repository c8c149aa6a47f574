// Package emulator provides 32-bit ARM emulation using Unicorn Engine.
package emulator

import (
	"fmt"
	"unsafe"

	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/mem"
)

// cpsrThumb is the T bit of CPSR.
const cpsrThumb = 1 << 5

// StopKind says why Run returned.
type StopKind int

const (
	StopHalted    StopKind = iota // emulation ended without a hook asking for it
	StopIntercept                 // execution reached an intercepted address
	StopFault                     // invalid memory access
)

func (k StopKind) String() string {
	switch k {
	case StopIntercept:
		return "intercept"
	case StopFault:
		return "fault"
	default:
		return "halted"
	}
}

// Stop describes where and why emulation stopped.
type Stop struct {
	Kind   StopKind
	Addr   uint32 // intercepted PC, or faulting data address
	PC     uint32 // PC at the time of a fault
	Access string // "read", "write" or "fetch" for faults
}

// CodeHookFunc is called for each instruction
type CodeHookFunc func(emu *Emulator, addr uint32, size uint32)

// regs maps abi register numbers to Unicorn registers.
var regs = [abi.NumRegs]int{
	uc.ARM_REG_R0, uc.ARM_REG_R1, uc.ARM_REG_R2, uc.ARM_REG_R3,
	uc.ARM_REG_R4, uc.ARM_REG_R5, uc.ARM_REG_R6, uc.ARM_REG_R7,
	uc.ARM_REG_R8, uc.ARM_REG_R9, uc.ARM_REG_R10, uc.ARM_REG_R11,
	uc.ARM_REG_R12, uc.ARM_REG_SP, uc.ARM_REG_LR, uc.ARM_REG_PC,
}

// Emulator wraps Unicorn for ARM32 emulation over guest memory.
type Emulator struct {
	mu  uc.Unicorn
	mem *mem.Mem

	codeHooks []CodeHookFunc
	codeHook  bool

	pending *Stop
}

// New creates an ARM emulator and maps m at guest address 0. The null page
// stays unmapped so null dereferences fault.
func New(m *mem.Mem) (*Emulator, error) {
	mu, err := uc.NewUnicorn(uc.ARCH_ARM, uc.MODE_ARM)
	if err != nil {
		return nil, fmt.Errorf("create unicorn: %w", err)
	}

	e := &Emulator{mu: mu, mem: m}

	base := unsafe.Add(m.Base(), mem.NullPageSize)
	if err := mu.MemMapPtr(mem.NullPageSize, uint64(m.Size())-mem.NullPageSize, uc.PROT_ALL, base); err != nil {
		mu.Close()
		return nil, fmt.Errorf("map guest memory: %w", err)
	}

	if err := e.setupHooks(); err != nil {
		mu.Close()
		return nil, err
	}
	return e, nil
}

// setupHooks installs the invalid-memory hook that records faults.
func (e *Emulator) setupHooks() error {
	_, err := e.mu.HookAdd(uc.HOOK_MEM_INVALID, func(mu uc.Unicorn, access int, addr uint64, size int, value int64) bool {
		pc, _ := mu.RegRead(uc.ARM_REG_PC)
		e.pending = &Stop{Kind: StopFault, Addr: uint32(addr), PC: uint32(pc), Access: accessName(access)}
		return false
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("add fault hook: %w", err)
	}
	return nil
}

func accessName(access int) string {
	switch access {
	case uc.MEM_WRITE_UNMAPPED, uc.MEM_WRITE_PROT:
		return "write"
	case uc.MEM_FETCH_UNMAPPED, uc.MEM_FETCH_PROT:
		return "fetch"
	default:
		return "read"
	}
}

// Intercept stops emulation whenever execution reaches [begin, begin+size).
// Run reports the address; the instruction there is not the caller's concern.
func (e *Emulator) Intercept(begin, size uint32) error {
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, _ uint32) {
		if e.pending == nil {
			e.pending = &Stop{Kind: StopIntercept, Addr: uint32(addr)}
		}
		mu.Stop()
	}, uint64(begin), uint64(begin+size-1))
	if err != nil {
		return fmt.Errorf("add intercept hook: %w", err)
	}
	return nil
}

// HookCode adds a code hook called for every instruction
func (e *Emulator) HookCode(fn CodeHookFunc) error {
	e.codeHooks = append(e.codeHooks, fn)
	if e.codeHook {
		return nil
	}
	_, err := e.mu.HookAdd(uc.HOOK_CODE, func(mu uc.Unicorn, addr uint64, size uint32) {
		for _, h := range e.codeHooks {
			h(e, uint32(addr), size)
		}
	}, 1, 0)
	if err != nil {
		return fmt.Errorf("add code hook: %w", err)
	}
	e.codeHook = true
	return nil
}

// Run executes from pc (bit 0 selects Thumb) until something stops it. A
// fault is reported in the Stop, not as an error.
func (e *Emulator) Run(pc uint32) (Stop, error) {
	e.pending = nil
	err := e.mu.Start(uint64(pc), 0)
	if p := e.pending; p != nil {
		e.pending = nil
		return *p, nil
	}
	if err != nil {
		return Stop{}, fmt.Errorf("emulate from 0x%08x: %w", pc, err)
	}
	return Stop{Kind: StopHalted, PC: e.Reg(abi.PC)}, nil
}

// Stop stops emulation
func (e *Emulator) Stop() {
	e.mu.Stop()
}

// Close releases resources
func (e *Emulator) Close() error {
	return e.mu.Close()
}

// Mem returns the guest memory the emulator runs over.
func (e *Emulator) Mem() *mem.Mem { return e.mem }

// Reg reads r0-r15. PC carries the Thumb bit.
func (e *Emulator) Reg(n int) uint32 {
	v, _ := e.mu.RegRead(regs[n])
	if n == abi.PC && e.Thumb() {
		v |= 1
	}
	return uint32(v)
}

// SetReg writes r0-r15. Writing PC with bit 0 set selects Thumb state.
func (e *Emulator) SetReg(n int, v uint32) {
	e.mu.RegWrite(regs[n], uint64(v))
}

// Thumb reports whether the CPU is in Thumb state.
func (e *Emulator) Thumb() bool {
	cpsr, _ := e.mu.RegRead(uc.ARM_REG_CPSR)
	return cpsr&cpsrThumb != 0
}

// PC returns the program counter
func (e *Emulator) PC() uint32 { return e.Reg(abi.PC) }

// SP returns the stack pointer
func (e *Emulator) SP() uint32 { return e.Reg(abi.SP) }

// LR returns the link register
func (e *Emulator) LR() uint32 { return e.Reg(abi.LR) }

// Snapshot captures r0-r15.
func (e *Emulator) Snapshot() abi.RegisterFile {
	var rf abi.RegisterFile
	for i := range rf {
		rf[i] = e.Reg(i)
	}
	return rf
}

// Restore writes back a snapshot.
func (e *Emulator) Restore(rf abi.RegisterFile) {
	for i, v := range rf {
		e.SetReg(i, v)
	}
}
