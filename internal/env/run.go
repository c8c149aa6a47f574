package env

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/emulator"
	glog "github.com/zboralski/hlego/internal/log"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/objc"
)

// ExitError carries the status passed to exit. Run turns it into ExitCode.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("guest exited with status %d", e.Code) }

// FaultError is an invalid guest memory access. Accesses through an
// unresolved data import carry the symbol name.
type FaultError struct {
	Addr   uint32
	PC     uint32
	Access string
	Symbol string
}

func (e *FaultError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("%s of unresolved symbol %q (address 0x%08x, pc 0x%08x)", e.Access, e.Symbol, e.Addr, e.PC)
	}
	return fmt.Sprintf("invalid %s at 0x%08x (pc 0x%08x)", e.Access, e.Addr, e.PC)
}

func (e *FaultError) Unwrap() error {
	if e.Symbol == "" {
		return nil
	}
	return &dyld.UnresolvedSymbolError{Name: e.Symbol}
}

// hostFailure carries an error out of a host function by panic.
type hostFailure struct{ err error }

// Fail aborts the current host function with err. The run stops and returns
// err unless an enclosing host function handles it.
func (e *Environment) Fail(err error) {
	panic(hostFailure{err})
}

// Failf is Fail with a formatted error.
func (e *Environment) Failf(format string, args ...any) {
	e.Fail(fmt.Errorf(format, args...))
}

// Must aborts the current host function if err is not nil.
func (e *Environment) Must(err error) {
	if err != nil {
		e.Fail(err)
	}
}

// CString reads a NUL-terminated guest string for a host function.
func (e *Environment) CString(p mem.Ptr) string {
	s, err := e.Mem.ReadCString(p)
	e.Must(err)
	return s
}

// Exit stops the guest with status code.
func (e *Environment) Exit(code int) {
	e.Fail(&ExitError{Code: code})
}

// TailCall makes the current host function jump to fn instead of returning.
// fn sees the registers as the host function left them and returns directly
// to the host function's caller.
func (e *Environment) TailCall(fn abi.GuestFunction) {
	e.tail = &fn
}

// Run calls the image's entry point with a minimal argv and runs until it
// returns or the guest exits.
func (e *Environment) Run() (err error) {
	if e.Image == nil {
		return errors.New("no binary loaded")
	}
	defer func() {
		if r := recover(); r != nil {
			err = e.recovered(r, "<entry>")
		}
		var exit *ExitError
		if errors.As(err, &exit) {
			e.ExitCode = exit.Code
			err = nil
		}
	}()

	argv0 := e.Mem.AllocCString(e.Image.Path)
	sp := mem.Ptr(e.Config.StackTop()-32) &^ 7
	// argc, argv[0], NULL, envp NULL, apple NULL, as start expects them
	for i, v := range []uint32{1, uint32(argv0), 0, 0, 0} {
		if err := e.Mem.WriteU32(sp+mem.Ptr(4*i), v); err != nil {
			return fmt.Errorf("set up process stack: %w", err)
		}
	}
	e.CPU.SetReg(abi.SP, uint32(sp))
	e.CPU.SetReg(abi.R0, 1)
	e.CPU.SetReg(abi.R1, uint32(sp+4))
	e.CPU.SetReg(abi.R2, uint32(sp+12))
	e.CPU.SetReg(abi.R3, uint32(sp+16))

	e.Log.Info("run", glog.Ptr("entry", e.Image.Entry), zap.String("path", e.Image.Path))
	if err := e.RunGuest(abi.GuestFunction(e.Image.Entry)); err != nil {
		return err
	}
	e.ExitCode = int(int32(e.CPU.Reg(abi.R0)))
	return nil
}

// RunGuest runs fn with the return stub as its return address until it
// returns. It implements abi.Caller.
func (e *Environment) RunGuest(fn abi.GuestFunction) error {
	if e.depth >= e.Config.MaxCallDepth {
		return fmt.Errorf("guest call depth %d exceeded calling %s", e.Config.MaxCallDepth, fn)
	}
	e.depth++
	defer func() { e.depth-- }()

	e.CPU.SetReg(abi.LR, uint32(e.Dyld.ReturnStub()))
	return e.run(uint32(fn))
}

// run executes guest code from pc, dispatching host stubs, until the return
// stub is reached.
func (e *Environment) run(pc uint32) error {
	for {
		stop, err := e.CPU.Run(pc)
		if err != nil {
			return err
		}

		switch stop.Kind {
		case emulator.StopFault:
			fe := &FaultError{Addr: stop.Addr, PC: stop.PC, Access: stop.Access}
			if name, ok := e.Dyld.FaultSymbol(stop.Addr); ok {
				fe.Symbol = name
			}
			return fe
		case emulator.StopHalted:
			return fmt.Errorf("guest halted at 0x%08x", stop.PC)
		}

		stub, ok := e.Dyld.StubAt(stop.Addr)
		if !ok {
			return fmt.Errorf("execution reached unused stub slot 0x%08x", stop.Addr)
		}
		if stub.Addr == e.Dyld.ReturnStub() {
			return nil
		}
		if stub.Fault {
			return &dyld.UnresolvedSymbolError{Name: stub.Name}
		}

		pc, err = e.callHost(stub)
		if err != nil {
			return err
		}
	}
}

// callHost runs a host function for the stub that was hit and returns where
// the guest continues.
func (e *Environment) callHost(stub *dyld.Stub) (next uint32, err error) {
	lr := e.CPU.Reg(abi.LR)
	e.tail = nil

	e.Log.Trace(lr, stub.Category, stub.Name, "")
	if e.hook != nil {
		e.hook(HostCall{Name: stub.Name, Category: stub.Category, LR: lr, Depth: e.depth})
	}

	defer func() {
		if r := recover(); r != nil {
			err = e.recovered(r, stub.Name)
		}
	}()

	if err := stub.Func.CallFromGuest(e, e.CPU, e.Mem); err != nil {
		return 0, fmt.Errorf("%s: %w", stub.Name, err)
	}
	if e.tail != nil {
		next = uint32(*e.tail)
		e.tail = nil
		return next, nil
	}
	return lr, nil
}

// recovered turns a panic from host code into the run's error. Integrity
// violations are logged here so they carry the host function's name.
func (e *Environment) recovered(r any, name string) error {
	switch v := r.(type) {
	case hostFailure:
		return v.err
	case *objc.IntegrityError:
		e.Log.Error("integrity violation", glog.Fn(name), zap.Error(v))
		return v
	case error:
		return fmt.Errorf("%s: %w", name, v)
	default:
		return fmt.Errorf("%s: %v", name, v)
	}
}

// CallGuest calls a guest function from host code.
func (e *Environment) CallGuest(fn abi.GuestFunction, args ...any) (uint64, error) {
	return abi.CallGuest(e, fn, args...)
}

// MustCallGuest is CallGuest for host functions: an error aborts the host
// function.
func (e *Environment) MustCallGuest(fn abi.GuestFunction, args ...any) uint32 {
	r, err := abi.CallGuest(e, fn, args...)
	if err != nil {
		e.Fail(err)
	}
	return uint32(r)
}

// Method returns a guest-callable address for an implementation.
func (e *Environment) Method(m objc.Method, name string) abi.GuestFunction {
	if m.IsHost() {
		return e.Dyld.CreateGuestFunction(name, m.Host)
	}
	return m.Guest
}

// MsgSend sends sel to receiver from host code, as objc_msgSend would.
// Messages to nil return 0.
func (e *Environment) MsgSend(receiver objc.ID, sel string, args ...any) (uint64, error) {
	if receiver == objc.Nil {
		return 0, nil
	}
	s := e.Objc.Selectors.Register(sel)
	m, err := e.Objc.Resolve(receiver, s)
	if err != nil {
		return 0, err
	}
	return e.CallGuest(e.Method(m, sel), append([]any{receiver, s}, args...)...)
}

// MustMsgSend is MsgSend for host functions.
func (e *Environment) MustMsgSend(receiver objc.ID, sel string, args ...any) uint32 {
	r, err := e.MsgSend(receiver, sel, args...)
	if err != nil {
		e.Fail(err)
	}
	return uint32(r)
}
