package objc

import (
	"fmt"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/mem"
)

// Layout of the 32-bit class_t, class_ro_t and method_list_t.
const (
	classSuperOffset = 4
	classDataOffset  = 16
	classDataMask    = ^uint32(3) // low bits of data are flags

	roInstanceSize = 8
	roName         = 16
	roBaseMethods  = 20

	methodListHeader = 8
	methodEntryMin   = 12 // name, types, imp
	methodImpOffset  = 8
	methodEntryMask  = ^uint32(3)
)

type guestClass struct {
	addr, meta   mem.Ptr
	super        mem.Ptr
	name         string
	instanceSize uint32
	methods      map[SEL]Method
	classMethods map[SEL]Method
}

// RegisterGuestClasses registers the classes listed in an image's
// __objc_classlist. Their superclass fields must already be bound, to a
// registered class or to another class of the list. The class structures
// stay where the image put them; methods point at guest code.
func (r *Runtime) RegisterGuestClasses(list []mem.Ptr) error {
	inList := make(map[mem.Ptr]bool, len(list))
	pending := make([]*guestClass, 0, len(list))
	for _, p := range list {
		gc, err := r.readGuestClass(p)
		if err != nil {
			return err
		}
		pending = append(pending, gc)
		inList[p] = true
	}

	var problems []string
	seen := make(map[string]bool)
	for _, gc := range pending {
		if seen[gc.name] || r.hasClass(gc.name) {
			problems = append(problems, fmt.Sprintf("duplicate class %s", gc.name))
		}
		seen[gc.name] = true
		if gc.super != mem.Null && !inList[gc.super] && !r.IsClass(ID(gc.super)) {
			problems = append(problems, fmt.Sprintf("class %s: superclass %s is not a class", gc.name, gc.super))
		}
	}
	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}

	for len(pending) > 0 {
		var next []*guestClass
		for _, gc := range pending {
			if gc.super != mem.Null && !r.IsClass(ID(gc.super)) {
				next = append(next, gc)
				continue
			}
			if err := r.registerGuestClass(gc); err != nil {
				return err
			}
		}
		if len(next) == len(pending) {
			names := make([]string, len(next))
			for i, gc := range next {
				names[i] = gc.name
			}
			return &ConfigError{Problems: []string{fmt.Sprintf("superclass cycle among %v", names)}}
		}
		pending = next
	}
	return nil
}

func (r *Runtime) registerGuestClass(gc *guestClass) error {
	cls, meta, super := ID(gc.addr), ID(gc.meta), ID(gc.super)
	var superMeta, rootMeta ID
	instanceSize := gc.instanceSize
	if super != Nil {
		if sc := r.class(super); sc.InstanceSize > instanceSize {
			instanceSize = sc.InstanceSize
		}
		superMeta = r.Objects.ReadISA(super)
		rootMeta = r.Objects.ReadISA(superMeta)
	} else {
		rootMeta = meta
		superMeta = cls
	}
	if instanceSize < HeaderSize {
		instanceSize = HeaderSize
	}

	metaObj := &ClassHostObject{
		Name:         gc.name,
		Superclass:   superMeta,
		IsMeta:       true,
		InstanceSize: ClassObjectSize,
		Methods:      gc.classMethods,
	}
	clsObj := &ClassHostObject{
		Name:         gc.name,
		Superclass:   super,
		InstanceSize: instanceSize,
		Methods:      gc.methods,
	}
	return r.install(cls, clsObj, meta, metaObj, rootMeta)
}

func (r *Runtime) readGuestClass(p mem.Ptr) (*guestClass, error) {
	gc := &guestClass{addr: p}
	var err error
	if gc.meta, err = r.mem.ReadPtr(p); err != nil {
		return nil, fmt.Errorf("class at %s: %w", p, err)
	}
	if gc.super, err = r.mem.ReadPtr(p + classSuperOffset); err != nil {
		return nil, fmt.Errorf("class at %s: %w", p, err)
	}
	ro, err := r.classData(p)
	if err != nil {
		return nil, err
	}
	namePtr, err := r.mem.ReadPtr(ro + roName)
	if err != nil {
		return nil, fmt.Errorf("class at %s: %w", p, err)
	}
	if gc.name, err = r.mem.ReadCString(namePtr); err != nil {
		return nil, fmt.Errorf("class at %s: name: %w", p, err)
	}
	if gc.instanceSize, err = r.mem.ReadU32(ro + roInstanceSize); err != nil {
		return nil, fmt.Errorf("class %s: %w", gc.name, err)
	}
	if gc.methods, err = r.readMethodList(gc.name, ro); err != nil {
		return nil, err
	}

	if gc.meta == mem.Null {
		return nil, fmt.Errorf("class %s has no metaclass", gc.name)
	}
	metaRO, err := r.classData(gc.meta)
	if err != nil {
		return nil, err
	}
	if gc.classMethods, err = r.readMethodList("+"+gc.name, metaRO); err != nil {
		return nil, err
	}
	return gc, nil
}

func (r *Runtime) classData(p mem.Ptr) (mem.Ptr, error) {
	data, err := r.mem.ReadU32(p + classDataOffset)
	if err != nil {
		return mem.Null, fmt.Errorf("class at %s: %w", p, err)
	}
	if data&classDataMask == 0 {
		return mem.Null, fmt.Errorf("class at %s has no read-only data", p)
	}
	return mem.Ptr(data & classDataMask), nil
}

func (r *Runtime) readMethodList(class string, ro mem.Ptr) (map[SEL]Method, error) {
	methods := make(map[SEL]Method)
	list, err := r.mem.ReadPtr(ro + roBaseMethods)
	if err != nil || list == mem.Null {
		return methods, err
	}
	entsize, err := r.mem.ReadU32(list)
	if err != nil {
		return nil, fmt.Errorf("%s methods: %w", class, err)
	}
	entsize &= methodEntryMask
	count, err := r.mem.ReadU32(list + 4)
	if err != nil {
		return nil, fmt.Errorf("%s methods: %w", class, err)
	}
	if entsize < methodEntryMin {
		return nil, fmt.Errorf("%s methods: entry size %d", class, entsize)
	}
	for i := uint32(0); i < count; i++ {
		entry := list + methodListHeader + mem.Ptr(i*entsize)
		namePtr, err := r.mem.ReadPtr(entry)
		if err != nil {
			return nil, fmt.Errorf("%s method %d: %w", class, i, err)
		}
		name, err := r.mem.ReadCString(namePtr)
		if err != nil {
			return nil, fmt.Errorf("%s method %d: %w", class, i, err)
		}
		imp, err := r.mem.ReadU32(entry + methodImpOffset)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", class, name, err)
		}
		sel := r.Selectors.Register(name)
		if _, dup := methods[sel]; !dup {
			methods[sel] = Method{Selector: sel, Guest: abi.GuestFunction(imp)}
		}
	}
	return methods, nil
}
