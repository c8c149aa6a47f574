// Package env is the execution environment: it owns guest memory, the CPU,
// the Objective-C runtime and the dynamic linker, and runs guest code with
// host calls dispatched in between.
//
// An Environment is used from a single goroutine. Host-to-guest calls nest as
// Go calls on that goroutine.
package env

import (
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/config"
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/emulator"
	glog "github.com/zboralski/hlego/internal/log"
	"github.com/zboralski/hlego/internal/loader"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/objc"
	"github.com/zboralski/hlego/internal/runloop"
)

// Catalog is everything the host exports to the guest.
type Catalog struct {
	Functions []dyld.FunctionExports
	Constants []dyld.ConstantExports
	Classes   []objc.ClassExports
}

// Environment is one running guest.
type Environment struct {
	Config  config.Config
	Session uuid.UUID
	Log     *glog.Logger

	Mem   *mem.Mem
	CPU   *emulator.Emulator
	Objc  *objc.Runtime
	Dyld  *dyld.Linker
	Loop  *runloop.Loop
	Image *loader.Image

	// Stdout and Stderr receive guest console output.
	Stdout io.Writer
	Stderr io.Writer
	// ExitCode is set when the guest calls exit.
	ExitCode int

	depth int // nested guest runs
	tail  *abi.GuestFunction
	state map[reflect.Type]any
	hook  func(HostCall)
}

// HostCall describes one dispatched host function.
type HostCall struct {
	Name     string
	Category string
	LR       uint32
	Depth    int
}

// New builds an environment. When binary is not empty it is loaded and its
// imports bound; the heap starts after the image.
func New(cfg config.Config, cat Catalog, binary string) (*Environment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	m, err := mem.New(cfg.MemorySize)
	if err != nil {
		return nil, err
	}
	e := &Environment{
		Config:  cfg,
		Session: uuid.New(),
		Mem:     m,
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		state:   make(map[reflect.Type]any),
	}
	base := glog.L
	if base == nil {
		base = glog.NewNop()
	}
	e.Log = base.With(zap.String("session", e.Session.String()))

	heapStart := mem.Ptr(mem.NullPageSize)
	if binary != "" {
		img, err := loader.Load(binary, m)
		if err != nil {
			m.Close()
			return nil, fmt.Errorf("load %s: %w", binary, err)
		}
		e.Image = img
		heapStart = img.End
	}
	heapStart = (heapStart + mem.PageSize - 1) &^ (mem.PageSize - 1)
	if err := m.InitHeap(heapStart, mem.Ptr(cfg.StackBottom())); err != nil {
		m.Close()
		return nil, err
	}

	e.Objc = objc.NewRuntime(m)
	if err := e.Objc.RegisterClasses(cat.Classes...); err != nil {
		m.Close()
		return nil, err
	}

	table, err := dyld.LoadExports(cat.Functions, cat.Constants)
	if err != nil {
		m.Close()
		return nil, err
	}
	e.Dyld = dyld.NewLinker(m, table, cfg.StubRegionSize)
	e.Dyld.AddResolver("objc", e.Objc.ResolveClassSymbol)

	e.CPU, err = emulator.New(m)
	if err != nil {
		m.Close()
		return nil, err
	}
	start, size := e.Dyld.Region()
	if err := e.CPU.Intercept(uint32(start), size); err != nil {
		e.Close()
		return nil, err
	}
	e.CPU.SetReg(abi.SP, cfg.StackTop())

	e.Loop = runloop.New(nil)

	if e.Image != nil {
		if err := e.Dyld.BindImports(e.Image.Imports, dyld.Policy(cfg.UnresolvedPolicy)); err != nil {
			e.Close()
			return nil, err
		}
		if err := e.Objc.Selectors.FixupRefs(e.Image.SelectorRefs); err != nil {
			e.Close()
			return nil, fmt.Errorf("selector references: %w", err)
		}
		if err := e.Objc.RegisterGuestClasses(e.Image.ClassList); err != nil {
			e.Close()
			return nil, fmt.Errorf("image classes: %w", err)
		}
	}

	e.Log.Info("environment ready",
		zap.Int("exports", table.Len()),
		zap.Int("classes", e.Objc.ClassCount()),
		glog.Ptr("heap", uint32(heapStart)),
		glog.Ptr("stubs", uint32(start)),
	)
	return e, nil
}

// Close releases the CPU and guest memory.
func (e *Environment) Close() error {
	var errs []error
	if e.CPU != nil {
		errs = append(errs, e.CPU.Close())
	}
	errs = append(errs, e.Mem.Close())
	return errors.Join(errs...)
}

// OnHostCall registers a callback for every dispatched host function.
func (e *Environment) OnHostCall(fn func(HostCall)) { e.hook = fn }

// Depth returns the number of active guest runs.
func (e *Environment) Depth() int { return e.depth }

// Registers and memory, so host code can marshal through the environment.

func (e *Environment) Reg(n int) uint32 { return e.CPU.Reg(n) }

func (e *Environment) SetReg(n int, v uint32) { e.CPU.SetReg(n, v) }

func (e *Environment) ReadU32(p mem.Ptr) (uint32, error) { return e.Mem.ReadU32(p) }

func (e *Environment) WriteU32(p mem.Ptr, v uint32) error { return e.Mem.WriteU32(p, v) }

func (e *Environment) Snapshot() abi.RegisterFile { return e.CPU.Snapshot() }

func (e *Environment) Restore(rf abi.RegisterFile) { e.CPU.Restore(rf) }

// State returns per-environment host state of type T, created on first use.
func State[T any](e *Environment) *T {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if s, ok := e.state[t]; ok {
		return s.(*T)
	}
	s := new(T)
	e.state[t] = s
	return s
}
