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
		// Classes
		dyld.ExportC("objc_getClass", getClass),
		dyld.ExportC("objc_lookUpClass", getClass),
		dyld.ExportC("objc_getMetaClass", getMetaClass),
		dyld.ExportC("class_getName", classGetName),
		dyld.ExportC("class_getSuperclass", classGetSuperclass),
		dyld.ExportC("class_isMetaClass", classIsMetaClass),
		dyld.ExportC("class_respondsToSelector", classRespondsToSelector),
		dyld.ExportC("class_getInstanceSize", classGetInstanceSize),
		dyld.ExportC("class_addMethod", classAddMethod),
		dyld.ExportC("class_createInstance", classCreateInstance),

		// Selectors
		dyld.ExportC("sel_registerName", selRegisterName),
		dyld.ExportC("sel_getUid", selRegisterName),
		dyld.ExportC("sel_getName", selGetName),

		// Objects
		dyld.ExportC("object_getClass", objectGetClass),
		dyld.ExportC("object_getClassName", objectGetClassName),
		dyld.ExportC("objc_retain", retain),
		dyld.ExportC("objc_release", release),
		dyld.ExportC("objc_autorelease", autorelease),
	})
}

func getClass(e *env.Environment, name mem.Ptr) objc.ID {
	id, ok := e.Objc.ClassByName(e.CString(name))
	if !ok {
		return objc.Nil
	}
	return id
}

func getMetaClass(e *env.Environment, name mem.Ptr) objc.ID {
	return e.Objc.ClassOf(getClass(e, name))
}

// classNames caches one guest copy of each class name.
type classNames map[objc.ID]mem.Ptr

func classGetName(e *env.Environment, cls objc.ID) mem.Ptr {
	if cls == objc.Nil {
		return mem.Null
	}
	names := env.State[classNames](e)
	if *names == nil {
		*names = make(classNames)
	}
	if p, ok := (*names)[cls]; ok {
		return p
	}
	p := e.Mem.AllocCString(e.Objc.ClassName(cls))
	(*names)[cls] = p
	return p
}

func classGetSuperclass(e *env.Environment, cls objc.ID) objc.ID {
	if cls == objc.Nil {
		return objc.Nil
	}
	return e.Objc.SuperclassOf(cls)
}

func classIsMetaClass(e *env.Environment, cls objc.ID) bool {
	return cls != objc.Nil && e.Objc.IsMetaclass(cls)
}

func classRespondsToSelector(e *env.Environment, cls objc.ID, sel objc.SEL) bool {
	return cls != objc.Nil && e.Objc.RespondsTo(cls, sel)
}

func classGetInstanceSize(e *env.Environment, cls objc.ID) uint32 {
	if cls == objc.Nil {
		return 0
	}
	co := objc.Borrow[*objc.ClassHostObject](e.Objc.Objects, cls)
	return co.InstanceSize
}

// classAddMethod installs a guest implementation. The type encoding is not
// needed for dispatch and is ignored.
func classAddMethod(e *env.Environment, cls objc.ID, sel objc.SEL, imp uint32, types mem.Ptr) bool {
	name, _ := e.Objc.Selectors.Name(sel)
	stubs.Log(e, "objc", "class_addMethod", e.Objc.ClassName(cls)+" "+name)
	return e.Objc.AddMethod(cls, objc.Method{Selector: sel, Guest: abi.GuestFunction(imp)})
}

func classCreateInstance(e *env.Environment, cls objc.ID, extra uint32) objc.ID {
	if cls == objc.Nil {
		return objc.Nil
	}
	return e.Objc.Objects.Alloc(cls, nil)
}

func selRegisterName(e *env.Environment, name mem.Ptr) objc.SEL {
	return e.Objc.Selectors.Register(e.CString(name))
}

// selGetName relies on a selector being the address of its name.
func selGetName(e *env.Environment, sel objc.SEL) mem.Ptr {
	return sel.Ptr()
}

func objectGetClass(e *env.Environment, obj objc.ID) objc.ID {
	return e.Objc.ClassOf(obj)
}

func objectGetClassName(e *env.Environment, obj objc.ID) mem.Ptr {
	if obj != objc.Nil {
		return classGetName(e, e.Objc.ClassOf(obj))
	}
	names := env.State[classNames](e)
	if *names == nil {
		*names = make(classNames)
	}
	if _, ok := (*names)[objc.Nil]; !ok {
		(*names)[objc.Nil] = e.Mem.AllocCString("nil")
	}
	return (*names)[objc.Nil]
}

func retain(e *env.Environment, obj objc.ID) objc.ID {
	return objc.ID(e.MustMsgSend(obj, "retain"))
}

func release(e *env.Environment, obj objc.ID) {
	e.MustMsgSend(obj, "release")
}

func autorelease(e *env.Environment, obj objc.ID) objc.ID {
	return objc.ID(e.MustMsgSend(obj, "autorelease"))
}
