package objc

import (
	"fmt"
	"strings"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/mem"
)

// ClassObjectSize is the guest size of a class structure:
// isa, superclass, cache, vtable, data.
const ClassObjectSize = 20

// Guest symbol prefixes for class references.
const (
	ClassSymbolPrefix     = "_OBJC_CLASS_$_"
	MetaclassSymbolPrefix = "_OBJC_METACLASS_$_"
)

// Method is one entry of a method table. Exactly one of Host and Guest is set.
type Method struct {
	Selector SEL
	Host     *abi.Func
	Guest    abi.GuestFunction
}

// IsHost reports whether the implementation is a Go function.
func (m Method) IsHost() bool { return m.Host != nil }

// ClassHostObject is the payload of class and metaclass objects.
type ClassHostObject struct {
	Name         string
	Superclass   ID
	IsMeta       bool
	InstanceSize uint32
	Methods      map[SEL]Method
}

// MethodExport declares a host method by selector name.
type MethodExport struct {
	Selector string
	Func     *abi.Func
}

// Export pairs a selector with a Go implementation. The function takes the
// host context, the receiver and the selector, then the message arguments.
func Export(selector string, fn any) MethodExport {
	return MethodExport{Selector: selector, Func: abi.Wrap(fn)}
}

// ClassTemplate describes a host class.
type ClassTemplate struct {
	Name            string
	Superclass      string // empty for a root class
	InstanceSize    uint32
	ClassMethods    []MethodExport
	InstanceMethods []MethodExport
}

// ClassExports is one framework's list of host classes.
type ClassExports []ClassTemplate

// Runtime owns the object table, the selectors and the classes.
type Runtime struct {
	Objects   *ObjectTable
	Selectors *SelectorTable

	mem     *mem.Mem
	classes map[string]ID
}

// NewRuntime creates an empty runtime over m.
func NewRuntime(m *mem.Mem) *Runtime {
	return &Runtime{
		Objects:   NewObjectTable(m),
		Selectors: NewSelectorTable(m),
		mem:       m,
		classes:   make(map[string]ID),
	}
}

// ValidateClassExports checks an assembled set of class lists without
// registering anything: names are unique, selectors are unique within each
// method list and every superclass is defined somewhere in the set or in
// known.
func ValidateClassExports(known func(name string) bool, lists ...ClassExports) error {
	var problems []string
	defined := make(map[string]bool)
	for _, list := range lists {
		for _, c := range list {
			if c.Name == "" {
				problems = append(problems, "class with empty name")
				continue
			}
			if defined[c.Name] || (known != nil && known(c.Name)) {
				problems = append(problems, fmt.Sprintf("duplicate class %s", c.Name))
			}
			defined[c.Name] = true
			problems = append(problems, duplicateSelectors("+", c.Name, c.ClassMethods)...)
			problems = append(problems, duplicateSelectors("-", c.Name, c.InstanceMethods)...)
		}
	}
	for _, list := range lists {
		for _, c := range list {
			if c.Superclass == "" || defined[c.Superclass] || (known != nil && known(c.Superclass)) {
				continue
			}
			problems = append(problems, fmt.Sprintf("class %s: unknown superclass %s", c.Name, c.Superclass))
		}
	}
	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}

func duplicateSelectors(sign, class string, methods []MethodExport) []string {
	var out []string
	seen := make(map[string]bool, len(methods))
	for _, m := range methods {
		if seen[m.Selector] {
			out = append(out, fmt.Sprintf("%s[%s %s] defined twice", sign, class, m.Selector))
		}
		seen[m.Selector] = true
	}
	return out
}

// RegisterClasses validates and registers a set of class lists, superclasses
// before subclasses.
func (r *Runtime) RegisterClasses(lists ...ClassExports) error {
	if err := ValidateClassExports(r.hasClass, lists...); err != nil {
		return err
	}
	var pending []ClassTemplate
	for _, list := range lists {
		pending = append(pending, list...)
	}
	for len(pending) > 0 {
		var next []ClassTemplate
		for _, c := range pending {
			if c.Superclass != "" && !r.hasClass(c.Superclass) {
				next = append(next, c)
				continue
			}
			if _, err := r.RegisterClass(c); err != nil {
				return err
			}
		}
		if len(next) == len(pending) {
			names := make([]string, len(next))
			for i, c := range next {
				names[i] = c.Name
			}
			return &ConfigError{Problems: []string{"superclass cycle among " + strings.Join(names, ", ")}}
		}
		pending = next
	}
	return nil
}

func (r *Runtime) hasClass(name string) bool {
	_, ok := r.classes[name]
	return ok
}

// RegisterClass creates a class and its metaclass. A class name can only be
// registered once.
func (r *Runtime) RegisterClass(tmpl ClassTemplate) (ID, error) {
	if err := ValidateClassExports(r.hasClass, ClassExports{tmpl}); err != nil {
		return Nil, err
	}

	var super, superMeta, rootMeta ID
	instanceSize := tmpl.InstanceSize
	if tmpl.Superclass != "" {
		super = r.classes[tmpl.Superclass]
		sc := r.class(super)
		if sc.InstanceSize > instanceSize {
			instanceSize = sc.InstanceSize
		}
		superMeta = r.Objects.ReadISA(super)
		rootMeta = r.Objects.ReadISA(superMeta)
	}
	if instanceSize < HeaderSize {
		instanceSize = HeaderSize
	}

	metaPtr := r.mem.AllocZeroed(ClassObjectSize)
	clsPtr := r.mem.AllocZeroed(ClassObjectSize)
	meta, cls := ID(metaPtr), ID(clsPtr)
	if super == Nil {
		// root metaclass: isa is itself, superclass is the root class
		rootMeta = meta
		superMeta = cls
	}

	classMethods := make(map[SEL]Method)
	for _, m := range tmpl.ClassMethods {
		sel := r.Selectors.Register(m.Selector)
		classMethods[sel] = Method{Selector: sel, Host: m.Func}
	}
	instanceMethods := make(map[SEL]Method)
	for _, m := range tmpl.InstanceMethods {
		sel := r.Selectors.Register(m.Selector)
		instanceMethods[sel] = Method{Selector: sel, Host: m.Func}
	}

	metaObj := &ClassHostObject{
		Name:         tmpl.Name,
		Superclass:   superMeta,
		IsMeta:       true,
		InstanceSize: ClassObjectSize,
		Methods:      classMethods,
	}
	clsObj := &ClassHostObject{
		Name:         tmpl.Name,
		Superclass:   super,
		InstanceSize: instanceSize,
		Methods:      instanceMethods,
	}
	if err := r.install(cls, clsObj, meta, metaObj, rootMeta); err != nil {
		return Nil, err
	}
	return cls, nil
}

// install records a class pair and writes the isa and superclass fields of
// both structures.
func (r *Runtime) install(cls ID, clsObj *ClassHostObject, meta ID, metaObj *ClassHostObject, rootMeta ID) error {
	r.Objects.RegisterStatic(meta, metaObj)
	r.Objects.RegisterStatic(cls, clsObj)
	if err := r.writeClassStruct(meta, rootMeta, metaObj.Superclass); err != nil {
		return err
	}
	if err := r.writeClassStruct(cls, meta, clsObj.Superclass); err != nil {
		return err
	}
	r.classes[clsObj.Name] = cls
	return nil
}

func (r *Runtime) writeClassStruct(c, isa, super ID) error {
	if err := r.mem.WritePtr(c.Ptr(), isa.Ptr()); err != nil {
		return fmt.Errorf("write isa of %s: %w", c, err)
	}
	if err := r.mem.WritePtr(c.Ptr()+4, super.Ptr()); err != nil {
		return fmt.Errorf("write superclass of %s: %w", c, err)
	}
	return nil
}

// class returns the payload of a class object; anything else is an
// integrity error.
func (r *Runtime) class(id ID) *ClassHostObject {
	c, ok := r.Objects.classObject(id)
	if !ok {
		integrityf("class", id, "not a class")
	}
	return c
}

// IsClass reports whether id is a class or metaclass.
func (r *Runtime) IsClass(id ID) bool {
	_, ok := r.Objects.classObject(id)
	return ok
}

// ClassByName returns a registered class.
func (r *Runtime) ClassByName(name string) (ID, bool) {
	id, ok := r.classes[name]
	return id, ok
}

// ClassCount returns the number of registered classes.
func (r *Runtime) ClassCount() int { return len(r.classes) }

// ClassOf returns the isa of an object (for a class, its metaclass).
func (r *Runtime) ClassOf(obj ID) ID {
	if obj == Nil {
		return Nil
	}
	return r.Objects.ReadISA(obj)
}

// ClassName returns the name of a class or metaclass.
func (r *Runtime) ClassName(class ID) string { return r.class(class).Name }

// SuperclassOf returns the superclass, Nil for a root class.
func (r *Runtime) SuperclassOf(class ID) ID { return r.class(class).Superclass }

// IsMetaclass reports whether class is a metaclass.
func (r *Runtime) IsMetaclass(class ID) bool { return r.class(class).IsMeta }

// Lookup walks from class up the superclass chain and returns the first
// implementation of sel. Starting the walk at a superclass gives super
// dispatch; starting at a metaclass resolves class methods.
func (r *Runtime) Lookup(class ID, sel SEL) (Method, bool) {
	for c := class; c != Nil; {
		co := r.class(c)
		if m, ok := co.Methods[sel]; ok {
			return m, true
		}
		c = co.Superclass
	}
	return Method{}, false
}

// Resolve finds the implementation of sel for receiver's dynamic class.
func (r *Runtime) Resolve(receiver ID, sel SEL) (Method, error) {
	class := r.ClassOf(receiver)
	if m, ok := r.Lookup(class, sel); ok {
		return m, nil
	}
	return Method{}, r.unknownSelector(class, sel)
}

// ResolveSuper finds the implementation of sel starting at class.
func (r *Runtime) ResolveSuper(class ID, sel SEL) (Method, error) {
	if m, ok := r.Lookup(class, sel); ok {
		return m, nil
	}
	return Method{}, r.unknownSelector(class, sel)
}

func (r *Runtime) unknownSelector(class ID, sel SEL) error {
	name, ok := r.Selectors.Name(sel)
	if !ok {
		name = sel.String()
	}
	co := r.class(class)
	return &UnknownSelectorError{Class: co.Name, Selector: name, Meta: co.IsMeta}
}

// RespondsTo reports whether instances of class implement sel.
func (r *Runtime) RespondsTo(class ID, sel SEL) bool {
	_, ok := r.Lookup(class, sel)
	return ok
}

// AddMethod adds a method to class. It refuses to replace a method the class
// itself defines, and returns false in that case.
func (r *Runtime) AddMethod(class ID, m Method) bool {
	co := r.class(class)
	if _, exists := co.Methods[m.Selector]; exists {
		return false
	}
	co.Methods[m.Selector] = m
	return true
}

// ResolveClassSymbol maps _OBJC_CLASS_$_Name and _OBJC_METACLASS_$_Name to
// class objects, for binding guest class references.
func (r *Runtime) ResolveClassSymbol(symbol string) (mem.Ptr, bool) {
	if name, ok := strings.CutPrefix(symbol, ClassSymbolPrefix); ok {
		id, ok := r.classes[name]
		return id.Ptr(), ok
	}
	if name, ok := strings.CutPrefix(symbol, MetaclassSymbolPrefix); ok {
		id, ok := r.classes[name]
		if !ok {
			return mem.Null, false
		}
		return r.ClassOf(id).Ptr(), true
	}
	return mem.Null, false
}
