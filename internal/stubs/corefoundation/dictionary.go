package corefoundation

import (
	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/objc"
	"github.com/zboralski/hlego/internal/stubs"
)

func init() {
	stubs.RegisterFunctions("cf", dyld.FunctionExports{
		dyld.ExportC("CFDictionaryCreateMutable", dictionaryCreateMutable),
		dyld.ExportC("CFDictionaryGetCount", dictionaryGetCount),
		dyld.ExportC("CFDictionaryGetValue", dictionaryGetValue),
		dyld.ExportC("CFDictionaryContainsKey", dictionaryContainsKey),
		dyld.ExportC("CFDictionarySetValue", dictionarySetValue),
		dyld.ExportC("CFDictionaryAddValue", dictionaryAddValue),
		dyld.ExportC("CFDictionaryRemoveValue", dictionaryRemoveValue),
		dyld.ExportC("CFDictionaryRemoveAllValues", dictionaryRemoveAllValues),
	})

	stubs.RegisterConstants("cf", dyld.ConstantExports{
		{Name: "_kCFTypeDictionaryKeyCallBacks", Value: dyld.Custom(typeKeyCallBacks)},
		{Name: "_kCFTypeDictionaryValueCallBacks", Value: dyld.Custom(typeValueCallBacks)},
	})

	stubs.RegisterClasses(objc.ClassExports{
		{
			Name:       "__CFDictionary",
			Superclass: "NSObject",
			InstanceMethods: []objc.MethodExport{
				objc.Export("dealloc", dictionaryDealloc),
			},
		},
	})
}

// callBacks holds the guest function pointers of a CFDictionaryKeyCallBacks
// or CFDictionaryValueCallBacks struct. Zero means absent: pointer identity
// for equal and hash, no retain or release.
type callBacks struct {
	retain  abi.GuestFunction
	release abi.GuestFunction
	equal   abi.GuestFunction
	hash    abi.GuestFunction
}

// Field offsets shared by both callback structs:
// { version; retain; release; copyDescription; equal; hash (keys only) }.
const (
	cbRetain  = 4
	cbRelease = 8
	cbEqual   = 16
	cbHash    = 20
)

func readCallBacks(e *env.Environment, p mem.Ptr, keys bool) callBacks {
	var cb callBacks
	if p.IsNull() {
		return cb
	}
	word := func(off mem.Ptr) abi.GuestFunction {
		v, err := e.Mem.ReadU32(p + off)
		e.Must(err)
		return abi.GuestFunction(v)
	}
	cb.retain = word(cbRetain)
	cb.release = word(cbRelease)
	cb.equal = word(cbEqual)
	if keys {
		cb.hash = word(cbHash)
	}
	return cb
}

func (cb callBacks) doRetain(e *env.Environment, v uint32) uint32 {
	if cb.retain == 0 {
		return v
	}
	return e.MustCallGuest(cb.retain, uint32(0), v)
}

func (cb callBacks) doRelease(e *env.Environment, v uint32) {
	if cb.release != 0 {
		e.MustCallGuest(cb.release, uint32(0), v)
	}
}

func (cb callBacks) isEqual(e *env.Environment, a, b uint32) bool {
	if a == b {
		return true
	}
	if cb.equal == 0 {
		return false
	}
	return e.MustCallGuest(cb.equal, a, b)&0xff != 0
}

func (cb callBacks) hashOf(e *env.Environment, v uint32) uint32 {
	if cb.hash == 0 {
		return v
	}
	return e.MustCallGuest(cb.hash, v)
}

type entry struct {
	key, value, hash uint32
}

// dictionary is the payload of a __CFDictionary. Entries keep insertion
// order; lookups compare hashes before calling the equal callback.
type dictionary struct {
	keys    callBacks
	values  callBacks
	entries []entry
}

func (d *dictionary) find(e *env.Environment, key uint32) (int, uint32) {
	h := d.keys.hashOf(e, key)
	for i, en := range d.entries {
		if en.hash == h && d.keys.isEqual(e, en.key, key) {
			return i, h
		}
	}
	return -1, h
}

func borrowDictionary(e *env.Environment, d objc.ID) *dictionary {
	return objc.Borrow[*dictionary](e.Objc.Objects, d)
}

func dictionaryCreateMutable(e *env.Environment, allocator mem.Ptr, capacity int32, keyCallBacks, valueCallBacks mem.Ptr) objc.ID {
	cls, ok := e.Objc.ClassByName("__CFDictionary")
	if !ok {
		e.Failf("__CFDictionary is not registered")
	}
	d := &dictionary{
		keys:   readCallBacks(e, keyCallBacks, true),
		values: readCallBacks(e, valueCallBacks, false),
	}
	if capacity > 0 {
		d.entries = make([]entry, 0, capacity)
	}
	return e.Objc.Objects.Alloc(cls, d)
}

func dictionaryGetCount(e *env.Environment, d objc.ID) int32 {
	return int32(len(borrowDictionary(e, d).entries))
}

func dictionaryGetValue(e *env.Environment, d objc.ID, key uint32) uint32 {
	dict := borrowDictionary(e, d)
	if i, _ := dict.find(e, key); i >= 0 {
		return dict.entries[i].value
	}
	return 0
}

func dictionaryContainsKey(e *env.Environment, d objc.ID, key uint32) bool {
	i, _ := borrowDictionary(e, d).find(e, key)
	return i >= 0
}

func dictionarySetValue(e *env.Environment, d objc.ID, key, value uint32) {
	dict := borrowDictionary(e, d)
	i, h := dict.find(e, key)
	value = dict.values.doRetain(e, value)
	if i >= 0 {
		old := dict.entries[i].value
		dict.entries[i].value = value
		dict.values.doRelease(e, old)
		return
	}
	key = dict.keys.doRetain(e, key)
	dict.entries = append(dict.entries, entry{key: key, value: value, hash: h})
}

func dictionaryAddValue(e *env.Environment, d objc.ID, key, value uint32) {
	dict := borrowDictionary(e, d)
	i, h := dict.find(e, key)
	if i >= 0 {
		return
	}
	key = dict.keys.doRetain(e, key)
	value = dict.values.doRetain(e, value)
	dict.entries = append(dict.entries, entry{key: key, value: value, hash: h})
}

func dictionaryRemoveValue(e *env.Environment, d objc.ID, key uint32) {
	dict := borrowDictionary(e, d)
	i, _ := dict.find(e, key)
	if i < 0 {
		return
	}
	en := dict.entries[i]
	dict.entries = append(dict.entries[:i], dict.entries[i+1:]...)
	dict.keys.doRelease(e, en.key)
	dict.values.doRelease(e, en.value)
}

func dictionaryRemoveAllValues(e *env.Environment, d objc.ID) {
	dict := borrowDictionary(e, d)
	entries := dict.entries
	dict.entries = nil
	for _, en := range entries {
		dict.keys.doRelease(e, en.key)
		dict.values.doRelease(e, en.value)
	}
}

func dictionaryDealloc(e *env.Environment, this objc.ID, _ objc.SEL) {
	dictionaryRemoveAllValues(e, this)
	e.Objc.Objects.Dealloc(this)
}

// The kCFType callbacks treat keys and values as CF objects. Their members
// are guest-callable trampolines to the host functions below.

func typeRetainCallBack(e *env.Environment, allocator mem.Ptr, v objc.ID) objc.ID {
	return cfRetain(e, v)
}

func typeReleaseCallBack(e *env.Environment, allocator mem.Ptr, v objc.ID) {
	cfRelease(e, v)
}

func typeEqualCallBack(e *env.Environment, a, b objc.ID) bool {
	return cfEqual(e, a, b)
}

func typeHashCallBack(e *env.Environment, v objc.ID) uint32 {
	return cfHash(e, v)
}

func writeCallBacks(l *dyld.Linker, size uint32, hash bool) mem.Ptr {
	m := l.Mem()
	p := m.AllocZeroed(size)
	fields := map[mem.Ptr]abi.GuestFunction{
		cbRetain:  l.CreateGuestFunction("__CFTypeRetainCallBack", abi.Wrap(typeRetainCallBack)),
		cbRelease: l.CreateGuestFunction("__CFTypeReleaseCallBack", abi.Wrap(typeReleaseCallBack)),
		cbEqual:   l.CreateGuestFunction("__CFTypeEqualCallBack", abi.Wrap(typeEqualCallBack)),
	}
	if hash {
		fields[cbHash] = l.CreateGuestFunction("__CFTypeHashCallBack", abi.Wrap(typeHashCallBack))
	}
	for off, fn := range fields {
		_ = m.WriteU32(p+off, uint32(fn))
	}
	return p
}

func typeKeyCallBacks(l *dyld.Linker) mem.Ptr { return writeCallBacks(l, 24, true) }

func typeValueCallBacks(l *dyld.Linker) mem.Ptr { return writeCallBacks(l, 20, false) }
