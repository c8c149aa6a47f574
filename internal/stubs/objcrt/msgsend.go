// Package objcrt provides the Objective-C runtime functions the guest links
// against: message sending and the class, selector and object introspection
// calls.
package objcrt

import (
	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/objc"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("objc", dyld.FunctionExports{
		dyld.ExportC("objc_msgSend", msgSend),
		dyld.ExportC("objc_msgSend_stret", msgSendStret),
		dyld.ExportC("objc_msgSendSuper", msgSendSuper),
		dyld.ExportC("objc_msgSendSuper2", msgSendSuper2),
	})
}

// Message sends leave the registers as the caller set them, so the method
// sees the same arguments whether it is a host or a guest implementation.
// Host methods are called in place; guest methods are tail called.

func dispatch(e *env.Environment, m objc.Method) {
	if m.IsHost() {
		if err := m.Host.CallFromGuest(e, e, e.Mem); err != nil {
			e.Fail(err)
		}
		return
	}
	e.TailCall(m.Guest)
}

func describe(e *env.Environment, class objc.ID, sel objc.SEL) string {
	name, _ := e.Objc.Selectors.Name(sel)
	sign := "-"
	if e.Objc.IsMetaclass(class) {
		sign = "+"
	}
	return sign + "[" + e.Objc.ClassName(class) + " " + name + "]"
}

func msgSend(e *env.Environment, self objc.ID, sel objc.SEL, _ *abi.VarArgs) {
	if self == objc.Nil {
		e.SetReg(abi.R0, 0)
		e.SetReg(abi.R1, 0)
		return
	}
	m, err := e.Objc.Resolve(self, sel)
	if err != nil {
		e.Fail(err)
	}
	stubs.Log(e, "objc", "objc_msgSend", describe(e, e.Objc.ClassOf(self), sel))
	dispatch(e, m)
}

// msgSendStret returns a struct through ret, so the receiver is the second
// argument. Host methods never return structures.
func msgSendStret(e *env.Environment, ret mem.Ptr, self objc.ID, sel objc.SEL, _ *abi.VarArgs) {
	if self == objc.Nil {
		return
	}
	m, err := e.Objc.Resolve(self, sel)
	if err != nil {
		e.Fail(err)
	}
	if m.IsHost() {
		e.Failf("%s returns a structure and has a host implementation", describe(e, e.Objc.ClassOf(self), sel))
	}
	e.TailCall(m.Guest)
}

// superTarget reads struct objc_super { id receiver; Class class; } and puts
// the receiver in r0 for the method.
func superTarget(e *env.Environment, sup mem.Ptr) (receiver, class objc.ID) {
	r, err := e.Mem.ReadPtr(sup)
	e.Must(err)
	c, err := e.Mem.ReadPtr(sup + 4)
	e.Must(err)
	e.SetReg(abi.R0, uint32(r))
	return objc.ID(r), objc.ID(c)
}

func sendSuper(e *env.Environment, receiver, start objc.ID, sel objc.SEL) {
	if receiver == objc.Nil {
		e.SetReg(abi.R1, 0)
		return
	}
	if start == objc.Nil {
		e.Failf("super send of %s to a root class", describe(e, e.Objc.ClassOf(receiver), sel))
	}
	m, err := e.Objc.ResolveSuper(start, sel)
	if err != nil {
		e.Fail(err)
	}
	dispatch(e, m)
}

// msgSendSuper starts the search at objc_super.class.
func msgSendSuper(e *env.Environment, sup mem.Ptr, sel objc.SEL, _ *abi.VarArgs) {
	receiver, class := superTarget(e, sup)
	sendSuper(e, receiver, class, sel)
}

// msgSendSuper2 starts at the superclass of objc_super.class, which holds
// the class of the calling method.
func msgSendSuper2(e *env.Environment, sup mem.Ptr, sel objc.SEL, _ *abi.VarArgs) {
	receiver, class := superTarget(e, sup)
	if receiver == objc.Nil {
		e.SetReg(abi.R1, 0)
		return
	}
	sendSuper(e, receiver, e.Objc.SuperclassOf(class), sel)
}
