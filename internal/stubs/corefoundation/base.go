// Package corefoundation provides the CoreFoundation functions the guest
// links against: reference counting, mutable dictionaries with guest
// callbacks, and run loop timers. CF objects are NSObject subclasses, so
// CFRetain and friends are message sends.
package corefoundation

import (
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/objc"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("cf", dyld.FunctionExports{
		dyld.ExportC("CFRetain", cfRetain),
		dyld.ExportC("CFRelease", cfRelease),
		dyld.ExportC("CFGetRetainCount", cfGetRetainCount),
		dyld.ExportC("CFEqual", cfEqual),
		dyld.ExportC("CFHash", cfHash),
	})

	stubs.RegisterConstants("cf", dyld.ConstantExports{
		{Name: "_kCFAllocatorDefault", Value: dyld.NullPtr{}},
	})
}

func cfRetain(e *env.Environment, cf objc.ID) objc.ID {
	if cf == objc.Nil {
		e.Failf("CFRetain called with NULL")
	}
	e.MustMsgSend(cf, "retain")
	return cf
}

func cfRelease(e *env.Environment, cf objc.ID) {
	if cf == objc.Nil {
		e.Failf("CFRelease called with NULL")
	}
	e.MustMsgSend(cf, "release")
}

func cfGetRetainCount(e *env.Environment, cf objc.ID) int32 {
	return int32(e.MustMsgSend(cf, "retainCount"))
}

func cfEqual(e *env.Environment, a, b objc.ID) bool {
	if a == b {
		return true
	}
	if a == objc.Nil || b == objc.Nil {
		return false
	}
	return e.MustMsgSend(a, "isEqual:", b)&0xff != 0
}

func cfHash(e *env.Environment, cf objc.ID) uint32 {
	return e.MustMsgSend(cf, "hash")
}
