package abi

import (
	"fmt"
	"reflect"
	"unsafe"
)

var varArgsType = reflect.TypeOf((*VarArgs)(nil))

// Func is a host function paired with the signature derived from its Go type.
//
// The Go function takes the host context first, then one parameter per guest
// argument, optionally ending with *VarArgs, and returns at most one value.
type Func struct {
	fn    reflect.Value
	typ   reflect.Type
	sig   Signature
	value uintptr
}

// Wrap validates fn and derives its guest signature. A function whose type
// cannot be marshalled is a programming error and panics, so every exported
// function is checked as soon as its package registers it.
func Wrap(fn any) *Func {
	v := reflect.ValueOf(fn)
	if !v.IsValid() || v.Kind() != reflect.Func || v.IsNil() {
		panic(fmt.Sprintf("abi: %T is not a function", fn))
	}
	t := v.Type()
	if t.IsVariadic() {
		panic(fmt.Sprintf("abi: %s uses Go variadics; take *abi.VarArgs instead", t))
	}
	if t.NumIn() < 1 {
		panic(fmt.Sprintf("abi: %s has no context parameter", t))
	}

	var sig Signature
	for i := 1; i < t.NumIn(); i++ {
		pt := t.In(i)
		if pt == varArgsType {
			if i != t.NumIn()-1 {
				panic(fmt.Sprintf("abi: %s: *VarArgs must be the last parameter", t))
			}
			sig.Variadic = true
			continue
		}
		k, ok := KindOf(pt)
		if !ok {
			panic(fmt.Sprintf("abi: %s: parameter %d has unsupported type %s", t, i, pt))
		}
		sig.Params = append(sig.Params, k)
	}

	switch t.NumOut() {
	case 0:
	case 1:
		k, ok := KindOf(t.Out(0))
		if !ok {
			panic(fmt.Sprintf("abi: %s: unsupported result type %s", t, t.Out(0)))
		}
		sig.Result = k
	default:
		panic(fmt.Sprintf("abi: %s returns more than one value", t))
	}

	return &Func{fn: v, typ: t, sig: sig, value: funcValue(fn)}
}

// funcValue returns the address of the func value held by fn. Every call of
// a named function shares one; each closure that captures variables gets its
// own. The *Func keeps fn reachable, so the address is never reused while
// the key is live.
func funcValue(fn any) uintptr {
	type eface struct {
		typ, data unsafe.Pointer
	}
	return uintptr((*eface)(unsafe.Pointer(&fn)).data)
}

// Signature returns the derived guest signature.
func (f *Func) Signature() Signature { return f.sig }

// Identity returns the code address of the wrapped Go function. Closures
// created from the same literal share it.
func (f *Func) Identity() uintptr { return f.fn.Pointer() }

// Key identifies the function for trampoline memoization. Closures from one
// literal get distinct keys when they capture different variables.
func (f *Func) Key() string {
	return fmt.Sprintf("%x.%x%s", f.Identity(), f.value, f.sig)
}

func (f *Func) String() string { return f.typ.String() }

// CallFromGuest reads the arguments from the guest registers and stack,
// invokes the Go function with ctx as its first argument and writes the
// result back to r0 (and r1). It does not touch PC or LR.
func (f *Func) CallFromGuest(ctx any, regs Registers, m Memory) error {
	cv := reflect.ValueOf(ctx)
	if !cv.IsValid() || !cv.Type().AssignableTo(f.typ.In(0)) {
		panic(fmt.Sprintf("abi: %s called with context %T", f.typ, ctx))
	}

	in := make([]reflect.Value, f.typ.NumIn())
	in[0] = cv
	cur := NewArgCursor(regs, m)
	for i, k := range f.sig.Params {
		raw, err := cur.Next(k)
		if err != nil {
			return fmt.Errorf("argument %d of %s: %w", i, f.typ, err)
		}
		in[i+1] = decode(raw, f.typ.In(i+1))
	}
	if f.sig.Variadic {
		in[len(in)-1] = reflect.ValueOf(&VarArgs{cur: cur})
	}

	out := f.fn.Call(in)
	if f.sig.Result != Void {
		writeResult(regs, f.sig.Result, encode(out[0]))
	}
	return nil
}
