package stubs

import (
	"errors"
	"testing"

	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/objc"
)

func one(e *env.Environment) int32 { return 1 }
func two(e *env.Environment) int32 { return 2 }

func TestRegistryStampsCategories(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunctions("libc", dyld.FunctionExports{
		dyld.ExportC("one", one),
		dyld.ExportC("two", two),
	})
	r.RegisterConstants("cf", dyld.ConstantExports{
		{Name: "_kZero", Value: dyld.U32(0)},
	})
	r.RegisterClasses(objc.ClassExports{{Name: "Root"}})

	if r.Count() != 3 {
		t.Errorf("Count = %d, want 3", r.Count())
	}
	list := r.List()
	want := []string{"_kZero", "_one", "_two"}
	if len(list) != len(want) {
		t.Fatalf("List returned %d entries", len(list))
	}
	for i, entry := range list {
		if entry.Name != want[i] {
			t.Errorf("List[%d] = %s, want %s", i, entry.Name, want[i])
		}
	}
	if list[1].Category != "libc" || list[1].Kind != "function" || list[1].Signature != "()->i32" {
		t.Errorf("Unexpected entry: %+v", list[1])
	}
	if list[0].Category != "cf" || list[0].Kind != "constant" {
		t.Errorf("Unexpected entry: %+v", list[0])
	}
	if names := r.ClassNames(); len(names) != 1 || names[0] != "Root" {
		t.Errorf("ClassNames = %v", names)
	}
}

func TestCatalogDetectsDuplicates(t *testing.T) {
	r := NewRegistry()
	r.RegisterFunctions("a", dyld.FunctionExports{dyld.ExportC("dup", one)})
	r.RegisterFunctions("b", dyld.FunctionExports{dyld.ExportC("dup", two)})

	cat := r.Catalog()
	_, err := dyld.LoadExports(cat.Functions, cat.Constants)
	var ce *dyld.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConfigError, got %v", err)
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := FormatHex(0); got != "0" {
		t.Errorf("FormatHex(0) = %q", got)
	}
	if got := FormatPtrPair("a", 0x10, "b", 0); got != "a=0x10 b=0" {
		t.Errorf("FormatPtrPair = %q", got)
	}
}
