// Package foundation provides the Foundation classes the guest links
// against. NSObject is the root class every other host class derives from.
package foundation

import (
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/objc"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterClasses(objc.ClassExports{
		{
			Name:         "NSObject",
			InstanceSize: objc.HeaderSize,
			ClassMethods: []objc.MethodExport{
				objc.Export("alloc", alloc),
				objc.Export("allocWithZone:", allocWithZone),
				objc.Export("new", newObject),
				objc.Export("class", self),
				objc.Export("superclass", classSuperclass),
				objc.Export("initialize", noop),
				objc.Export("retain", self),
				objc.Export("release", noop),
				objc.Export("autorelease", self),
				objc.Export("instancesRespondToSelector:", instancesRespondToSelector),
			},
			InstanceMethods: []objc.MethodExport{
				objc.Export("init", self),
				objc.Export("self", self),
				objc.Export("class", class),
				objc.Export("superclass", superclass),
				objc.Export("retain", retain),
				objc.Export("release", release),
				objc.Export("autorelease", self),
				objc.Export("dealloc", dealloc),
				objc.Export("retainCount", retainCount),
				objc.Export("hash", hash),
				objc.Export("isEqual:", isEqual),
				objc.Export("respondsToSelector:", respondsToSelector),
				objc.Export("isKindOfClass:", isKindOfClass),
				objc.Export("isMemberOfClass:", isMemberOfClass),
				objc.Export("performSelector:", performSelector),
				objc.Export("performSelector:withObject:", performSelectorWithObject),
			},
		},
	})
}

func alloc(e *env.Environment, cls objc.ID, _ objc.SEL) objc.ID {
	return e.Objc.Objects.Alloc(cls, nil)
}

func allocWithZone(e *env.Environment, cls objc.ID, _ objc.SEL, _ uint32) objc.ID {
	return objc.ID(e.MustMsgSend(cls, "alloc"))
}

func newObject(e *env.Environment, cls objc.ID, _ objc.SEL) objc.ID {
	obj := objc.ID(e.MustMsgSend(cls, "alloc"))
	return objc.ID(e.MustMsgSend(obj, "init"))
}

func self(e *env.Environment, this objc.ID, _ objc.SEL) objc.ID { return this }

func noop(e *env.Environment, this objc.ID, _ objc.SEL) {}

func classSuperclass(e *env.Environment, cls objc.ID, _ objc.SEL) objc.ID {
	return e.Objc.SuperclassOf(cls)
}

func class(e *env.Environment, this objc.ID, _ objc.SEL) objc.ID {
	return e.Objc.ClassOf(this)
}

func superclass(e *env.Environment, this objc.ID, _ objc.SEL) objc.ID {
	return e.Objc.SuperclassOf(e.Objc.ClassOf(this))
}

func retain(e *env.Environment, this objc.ID, _ objc.SEL) objc.ID {
	e.Objc.Objects.Retain(this)
	return this
}

// release sends dealloc when the count reaches zero, so subclasses can
// override dealloc.
func release(e *env.Environment, this objc.ID, _ objc.SEL) {
	if e.Objc.Objects.Release(this) {
		e.MustMsgSend(this, "dealloc")
	}
}

func dealloc(e *env.Environment, this objc.ID, _ objc.SEL) {
	e.Objc.Objects.Dealloc(this)
}

func retainCount(e *env.Environment, this objc.ID, _ objc.SEL) uint32 {
	n, static, _ := e.Objc.Objects.RefCount(this)
	if static {
		return ^uint32(0)
	}
	return n
}

func hash(e *env.Environment, this objc.ID, _ objc.SEL) uint32 {
	return uint32(this)
}

func isEqual(e *env.Environment, this objc.ID, _ objc.SEL, other objc.ID) bool {
	return this == other
}

func respondsToSelector(e *env.Environment, this objc.ID, _ objc.SEL, sel objc.SEL) bool {
	return e.Objc.RespondsTo(e.Objc.ClassOf(this), sel)
}

func instancesRespondToSelector(e *env.Environment, cls objc.ID, _ objc.SEL, sel objc.SEL) bool {
	return e.Objc.RespondsTo(cls, sel)
}

func isKindOfClass(e *env.Environment, this objc.ID, _ objc.SEL, cls objc.ID) bool {
	for c := e.Objc.ClassOf(this); c != objc.Nil; c = e.Objc.SuperclassOf(c) {
		if c == cls {
			return true
		}
	}
	return false
}

func isMemberOfClass(e *env.Environment, this objc.ID, _ objc.SEL, cls objc.ID) bool {
	return e.Objc.ClassOf(this) == cls
}

func selectorName(e *env.Environment, sel objc.SEL) string {
	name, ok := e.Objc.Selectors.Name(sel)
	if !ok {
		e.Failf("performSelector: unknown selector %s", sel)
	}
	return name
}

func performSelector(e *env.Environment, this objc.ID, _ objc.SEL, sel objc.SEL) objc.ID {
	return objc.ID(e.MustMsgSend(this, selectorName(e, sel)))
}

func performSelectorWithObject(e *env.Environment, this objc.ID, _ objc.SEL, sel objc.SEL, arg objc.ID) objc.ID {
	return objc.ID(e.MustMsgSend(this, selectorName(e, sel), arg))
}
