// Package objc implements the object runtime shared by guest and host code:
// the object table, selectors, classes and method resolution.
//
// A guest object is a pointer to a header whose only field is isa. Everything
// else the host knows about the object lives in a type-erased payload held by
// the ObjectTable. Classes and metaclasses are objects in the same table with
// a *ClassHostObject payload, so the class/metaclass cycle is expressed with
// IDs rather than Go pointers.
//
// None of these types lock. Only one guest thread runs at a time.
package objc

import (
	"fmt"
	"math"

	glog "github.com/zboralski/hlego/internal/log"
	"github.com/zboralski/hlego/internal/mem"
	"go.uber.org/zap"
)

// ID is a guest object reference.
type ID uint32

// Nil is the null object.
const Nil ID = 0

// HeaderSize is the size of the guest-visible object header (isa).
const HeaderSize = 4

// Ptr returns the object's address.
func (id ID) Ptr() mem.Ptr { return mem.Ptr(id) }

func (id ID) String() string {
	if id == Nil {
		return "nil"
	}
	return fmt.Sprintf("0x%08x", uint32(id))
}

// HostObject is the host-side payload of an object. Payloads are normally
// pointers so that Borrow gives a mutable view.
type HostObject = any

type record struct {
	payload  HostObject
	refcount uint32
	static   bool
}

// ObjectTable maps guest object references to host records.
type ObjectTable struct {
	mem     *mem.Mem
	objects map[ID]*record
}

// NewObjectTable creates an empty table over m.
func NewObjectTable(m *mem.Mem) *ObjectTable {
	return &ObjectTable{mem: m, objects: make(map[ID]*record)}
}

// Alloc creates an object of class with refcount 1. The instance size comes
// from the class, and is at least the header.
func (t *ObjectTable) Alloc(class ID, payload HostObject) ID {
	return t.alloc(class, payload, false)
}

// AllocStatic creates an object that is never reference counted or freed.
func (t *ObjectTable) AllocStatic(class ID, payload HostObject) ID {
	return t.alloc(class, payload, true)
}

func (t *ObjectTable) alloc(class ID, payload HostObject, static bool) ID {
	cls, ok := t.classObject(class)
	if !ok {
		integrityf("alloc", class, "not a registered class")
	}
	size := cls.InstanceSize
	if size < HeaderSize {
		size = HeaderSize
	}
	p := t.mem.AllocZeroed(size)
	if err := t.mem.WritePtr(p, class.Ptr()); err != nil {
		integrityf("alloc", ID(p), "write isa: %v", err)
	}
	id := ID(p)
	t.insert("alloc", id, &record{payload: payload, refcount: 1, static: static})
	return id
}

// RegisterStatic attaches a payload to guest bytes that already exist, such
// as a class structure or a process-wide singleton.
func (t *ObjectTable) RegisterStatic(id ID, payload HostObject) {
	t.insert("register static", id, &record{payload: payload, static: true})
}

func (t *ObjectTable) insert(op string, id ID, r *record) {
	if _, exists := t.objects[id]; exists {
		integrityf(op, id, "address already has a host record")
	}
	t.objects[id] = r
}

func (t *ObjectTable) live(op string, id ID) *record {
	r, ok := t.objects[id]
	if !ok {
		integrityf(op, id, "no such object, it may have already been deallocated")
	}
	return r
}

// Retain increments the reference count of a live, non-static object.
func (t *ObjectTable) Retain(id ID) {
	r := t.live("retain", id)
	if r.static {
		integrityf("retain", id, "static-lifetime object")
	}
	if r.refcount == 0 {
		integrityf("retain", id, "object is being deallocated")
	}
	if r.refcount == math.MaxUint32 {
		integrityf("retain", id, "reference count overflow")
	}
	r.refcount++
}

// Release decrements the reference count and reports whether it reached
// zero. The caller must then deallocate the object, normally by sending it
// dealloc.
func (t *ObjectTable) Release(id ID) bool {
	r := t.live("release", id)
	if r.static {
		integrityf("release", id, "static-lifetime object")
	}
	if r.refcount == 0 {
		integrityf("release", id, "object is being deallocated")
	}
	r.refcount--
	return r.refcount == 0
}

// Dealloc removes the record and frees the guest memory.
func (t *ObjectTable) Dealloc(id ID) {
	r := t.live("dealloc", id)
	if r.static {
		integrityf("dealloc", id, "static-lifetime object")
	}
	if r.refcount != 0 && glog.L != nil {
		glog.L.Warn("deallocated with non-zero reference count",
			zap.Stringer("obj", id),
			zap.Uint32("refcount", r.refcount),
		)
	}
	delete(t.objects, id)
	t.mem.Free(id.Ptr())
}

// RefCount returns the reference count, whether the object is static and
// whether it exists at all.
func (t *ObjectTable) RefCount(id ID) (count uint32, static, ok bool) {
	r, ok := t.objects[id]
	if !ok {
		return 0, false, false
	}
	return r.refcount, r.static, true
}

// Exists reports whether id has a host record.
func (t *ObjectTable) Exists(id ID) bool {
	_, ok := t.objects[id]
	return ok
}

// Len returns the number of records.
func (t *ObjectTable) Len() int { return len(t.objects) }

// Payload returns the untyped payload.
func (t *ObjectTable) Payload(id ID) (HostObject, bool) {
	r, ok := t.objects[id]
	if !ok {
		return nil, false
	}
	return r.payload, true
}

// ReadISA reads the class pointer from the object's guest header.
func (t *ObjectTable) ReadISA(id ID) ID {
	isa, err := t.mem.ReadPtr(id.Ptr())
	if err != nil {
		integrityf("read isa", id, "%v", err)
	}
	return ID(isa)
}

func (t *ObjectTable) classObject(id ID) (*ClassHostObject, bool) {
	r, ok := t.objects[id]
	if !ok {
		return nil, false
	}
	c, ok := r.payload.(*ClassHostObject)
	return c, ok
}

// Borrow returns the payload of id as a T. A missing object or a payload of
// another type is an integrity error.
func Borrow[T any](t *ObjectTable, id ID) T {
	r := t.live("borrow", id)
	v, ok := r.payload.(T)
	if !ok {
		var want T
		integrityf("borrow", id, "payload is %T, expected %T", r.payload, want)
	}
	return v
}

// TryBorrow is Borrow without the integrity check.
func TryBorrow[T any](t *ObjectTable, id ID) (T, bool) {
	var zero T
	r, ok := t.objects[id]
	if !ok {
		return zero, false
	}
	v, ok := r.payload.(T)
	return v, ok
}
