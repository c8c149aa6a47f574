package abi

import (
	"math"
	"reflect"
	"strings"
)

// Kind is the coarse shape of a value crossing the boundary.
type Kind uint8

const (
	Void Kind = iota
	Int32
	Uint32
	Int64
	Uint64
	Float32
	Float64
	Bool
)

var kindNames = [...]string{
	Void:    "void",
	Int32:   "i32",
	Uint32:  "u32",
	Int64:   "i64",
	Uint64:  "u64",
	Float32: "f32",
	Float64: "f64",
	Bool:    "bool",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "invalid"
}

// Words returns the number of 32-bit argument slots the kind occupies.
func (k Kind) Words() int {
	switch k {
	case Void:
		return 0
	case Int64, Uint64, Float64:
		return 2
	}
	return 1
}

// KindOf maps a Go type to its guest kind. Host-width int, uint and uintptr
// are rejected because their size differs from the guest's.
func KindOf(t reflect.Type) (Kind, bool) {
	switch t.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return Int32, true
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return Uint32, true
	case reflect.Int64:
		return Int64, true
	case reflect.Uint64:
		return Uint64, true
	case reflect.Float32:
		return Float32, true
	case reflect.Float64:
		return Float64, true
	case reflect.Bool:
		return Bool, true
	}
	return Void, false
}

// decode converts raw slot bits into a value of type t.
func decode(raw uint64, t reflect.Type) reflect.Value {
	v := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32:
		v.SetInt(int64(int32(uint32(raw))))
	case reflect.Int64:
		v.SetInt(int64(raw))
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		v.SetUint(uint64(uint32(raw)))
	case reflect.Uint64:
		v.SetUint(raw)
	case reflect.Float32:
		v.SetFloat(float64(math.Float32frombits(uint32(raw))))
	case reflect.Float64:
		v.SetFloat(math.Float64frombits(raw))
	case reflect.Bool:
		v.SetBool(uint8(raw) != 0)
	}
	return v
}

// encode converts a value into raw slot bits. Sub-word integers are extended
// to a full register the way the guest compiler does.
func encode(v reflect.Value) uint64 {
	switch v.Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return uint64(uint32(int32(v.Int())))
	case reflect.Int64:
		return uint64(v.Int())
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32:
		return uint64(math.Float32bits(float32(v.Float())))
	case reflect.Float64:
		return math.Float64bits(v.Float())
	case reflect.Bool:
		if v.Bool() {
			return 1
		}
	}
	return 0
}

// Signature describes the parameter and result shape of a host function.
type Signature struct {
	Params   []Kind
	Result   Kind // Void when there is no result
	Variadic bool
}

func (s Signature) String() string {
	parts := make([]string, 0, len(s.Params)+1)
	for _, p := range s.Params {
		parts = append(parts, p.String())
	}
	if s.Variadic {
		parts = append(parts, "...")
	}
	return "(" + strings.Join(parts, ",") + ")->" + s.Result.String()
}
