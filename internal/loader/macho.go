// Package loader maps 32-bit ARM Mach-O executables into guest memory and
// lists the symbol pointer slots the dynamic linker has to fill.
package loader

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"

	"github.com/zboralski/hlego/internal/mem"
)

// Section types from the low byte of a section's flags.
const (
	sectionNonLazySymbolPointers = 0x6
	sectionLazySymbolPointers    = 0x7
)

// Indirect symbol table markers for slots that need no binding.
const (
	indirectSymbolLocal = 0x80000000
	indirectSymbolAbs   = 0x40000000
)

const (
	nTypeMask     = 0x0e
	nSect         = 0x0e
	nArmThumbDef  = 0x0008
	pointerSize   = 4
	pageZeroLimit = mem.NullPageSize
)

// Thread state layout for LC_UNIXTHREAD.
const (
	armThreadState = 1
	armThreadPC    = 15
)

// Fields of a relocation_info entry.
const (
	relocSize       = 8
	relocScattered  = 0x80000000
	relocSymbolMask = 0x00ffffff
	relocPCRel      = 1 << 24
	relocLengthLong = 2 << 25
	relocLengthMask = 3 << 25
	relocExtern     = 1 << 27
	relocTypeShift  = 28
	armRelocVanilla = 0
)

// Image describes a loaded executable.
type Image struct {
	Path     string
	Entry    uint32 // bit 0 set for a Thumb entry point
	Base     mem.Ptr
	End      mem.Ptr
	Segments []Segment
	Imports  []Import
	Symbols  map[string]uint32 // defined symbols; bit 0 set for Thumb functions

	// SelectorRefs are the slots of __objc_selrefs. Each holds the address
	// of a selector name in the image until the runtime uniques it.
	SelectorRefs []mem.Ptr

	// ClassList holds the class_t addresses listed in __objc_classlist.
	ClassList []mem.Ptr
}

// Segment is a mapped segment.
type Segment struct {
	Name     string
	Addr     mem.Ptr
	Size     uint32
	FileSize uint32
	Prot     uint32
}

// Import is a symbol pointer slot that refers to an external symbol.
type Import struct {
	Name string
	Slot mem.Ptr
	Lazy bool // slot in a lazy (function) pointer section

	// Addend is added to the symbol address. External relocations carry it
	// in the slot itself.
	Addend uint32
}

// Lookup returns the address of a defined symbol.
func (img *Image) Lookup(name string) (uint32, bool) {
	addr, ok := img.Symbols[name]
	return addr, ok
}

// Load parses path and copies its segments into m at their link addresses.
func Load(path string, m *mem.Mem) (*Image, error) {
	f, err := macho.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open Mach-O: %w", err)
	}
	defer f.Close()

	if f.CPU != types.CPUArm {
		return nil, fmt.Errorf("expected 32-bit ARM, got %v", f.CPU)
	}

	img := &Image{
		Path:    path,
		Base:    mem.Ptr(^uint32(0)),
		Symbols: make(map[string]uint32),
	}

	for _, seg := range f.Segments() {
		if seg.Memsz == 0 || (seg.Addr < pageZeroLimit && seg.Filesz == 0) {
			continue // __PAGEZERO
		}
		if seg.Addr+seg.Memsz > uint64(m.Size()) {
			return nil, fmt.Errorf("segment %s [0x%x, 0x%x) outside guest memory", seg.Name, seg.Addr, seg.Addr+seg.Memsz)
		}
		s := Segment{
			Name:     seg.Name,
			Addr:     mem.Ptr(seg.Addr),
			Size:     uint32(seg.Memsz),
			FileSize: uint32(seg.Filesz),
			Prot:     uint32(seg.Prot),
		}
		if s.FileSize > 0 {
			data := make([]byte, s.FileSize)
			if _, err := f.ReadAt(data, int64(seg.Offset)); err != nil {
				return nil, fmt.Errorf("read segment %s: %w", seg.Name, err)
			}
			if err := m.Write(s.Addr, data); err != nil {
				return nil, fmt.Errorf("write segment %s at %s: %w", seg.Name, s.Addr, err)
			}
		}
		// the tail past the file data is already zero in fresh guest memory
		img.Segments = append(img.Segments, s)
		if s.Addr < img.Base {
			img.Base = s.Addr
		}
		if end := s.Addr.Add(s.Size); end > img.End {
			img.End = end
		}
	}
	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("no loadable segments")
	}

	if f.Symtab != nil {
		for _, sym := range f.Symtab.Syms {
			if sym.Name == "" || uint8(sym.Type)&nTypeMask != nSect {
				continue
			}
			addr := uint32(sym.Value)
			if uint16(sym.Desc)&nArmThumbDef != 0 {
				addr |= 1
			}
			img.Symbols[sym.Name] = addr
		}
	}

	img.Entry, err = entryPoint(f, img)
	if err != nil {
		return nil, err
	}

	for _, sec := range f.Sections {
		switch sec.Name {
		case "__objc_selrefs":
			for off := uint32(0); off+pointerSize <= uint32(sec.Size); off += pointerSize {
				img.SelectorRefs = append(img.SelectorRefs, mem.Ptr(uint32(sec.Addr)+off))
			}
		case "__objc_classlist":
			for off := uint32(0); off+pointerSize <= uint32(sec.Size); off += pointerSize {
				cls, err := m.ReadPtr(mem.Ptr(uint32(sec.Addr) + off))
				if err != nil {
					return nil, fmt.Errorf("read __objc_classlist: %w", err)
				}
				img.ClassList = append(img.ClassList, cls)
			}
		}
	}

	if f.Dysymtab != nil && f.Symtab != nil {
		var secs []pointerSection
		for _, sec := range f.Sections {
			kind := uint32(sec.Flags) & 0xff
			if kind != sectionNonLazySymbolPointers && kind != sectionLazySymbolPointers {
				continue
			}
			secs = append(secs, pointerSection{
				Name:      sec.Seg + "," + sec.Name,
				Addr:      uint32(sec.Addr),
				Size:      uint32(sec.Size),
				Lazy:      kind == sectionLazySymbolPointers,
				Reserved1: sec.Reserved1,
			})
		}
		syms := f.Symtab.Syms
		img.Imports, err = collectImports(secs, f.Dysymtab.IndirectSyms, func(i uint32) (string, bool) {
			if int(i) >= len(syms) {
				return "", false
			}
			return syms[i].Name, true
		})
		if err != nil {
			return nil, err
		}

		if n := f.Dysymtab.Nextrel; n > 0 {
			data := make([]byte, n*relocSize)
			if _, err := f.ReadAt(data, int64(f.Dysymtab.Extreloff)); err != nil {
				return nil, fmt.Errorf("read external relocations: %w", err)
			}
			var base uint32
			if segs := f.Segments(); len(segs) > 0 {
				base = uint32(segs[0].Addr)
			}
			ext, err := collectExternalRelocs(data, base, func(i uint32) (string, bool) {
				if int(i) >= len(syms) {
					return "", false
				}
				return syms[i].Name, true
			}, m.ReadU32)
			if err != nil {
				return nil, err
			}
			img.Imports = append(img.Imports, ext...)
			sort.SliceStable(img.Imports, func(i, j int) bool { return img.Imports[i].Slot < img.Imports[j].Slot })
		}
	}

	return img, nil
}

func entryPoint(f *macho.File, img *Image) (uint32, error) {
	var text mem.Ptr
	for _, s := range img.Segments {
		if s.Name == "__TEXT" {
			text = s.Addr
		}
	}

	var pc uint32
	found := false
	for _, l := range f.Loads {
		switch cmd := l.(type) {
		case *macho.EntryPoint:
			pc, found = uint32(text)+uint32(cmd.EntryOffset), true
		case *macho.UnixThread:
			for _, th := range cmd.Threads {
				if th.Flavor != armThreadState || th.Count <= armThreadPC || len(th.Data) < 4*(armThreadPC+1) {
					continue
				}
				pc, found = binary.LittleEndian.Uint32(th.Data[4*armThreadPC:]), true
			}
		}
	}
	if !found {
		addr, ok := img.Symbols["start"]
		if !ok {
			return 0, fmt.Errorf("no entry point")
		}
		return addr, nil
	}

	for _, addr := range img.Symbols {
		if addr&^1 == pc&^1 {
			return addr, nil
		}
	}
	return pc, nil
}

type pointerSection struct {
	Name      string
	Addr      uint32
	Size      uint32
	Lazy      bool
	Reserved1 uint32 // first index into the indirect symbol table
}

// collectImports walks symbol pointer sections through the indirect symbol
// table and returns one Import per slot that names an external symbol.
func collectImports(secs []pointerSection, indirect []uint32, symbol func(uint32) (string, bool)) ([]Import, error) {
	var out []Import
	for _, sec := range secs {
		n := sec.Size / pointerSize
		for i := uint32(0); i < n; i++ {
			idx := sec.Reserved1 + i
			if int(idx) >= len(indirect) {
				return nil, fmt.Errorf("%s: indirect symbol index %d out of range", sec.Name, idx)
			}
			s := indirect[idx]
			if s&(indirectSymbolLocal|indirectSymbolAbs) != 0 {
				continue
			}
			name, ok := symbol(s)
			if !ok {
				return nil, fmt.Errorf("%s: symbol index %d out of range", sec.Name, s)
			}
			out = append(out, Import{
				Name: name,
				Slot: mem.Ptr(sec.Addr + i*pointerSize),
				Lazy: sec.Lazy,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Slot < out[j].Slot })
	return out, nil
}

// collectExternalRelocs decodes the external relocation table. Each entry
// names a pointer-sized slot at base+r_address that receives the address of
// an undefined symbol plus the value the slot already holds.
func collectExternalRelocs(data []byte, base uint32, symbol func(uint32) (string, bool), read func(mem.Ptr) (uint32, error)) ([]Import, error) {
	if len(data)%relocSize != 0 {
		return nil, fmt.Errorf("external relocation table size %d is not a multiple of %d", len(data), relocSize)
	}
	var out []Import
	for off := 0; off < len(data); off += relocSize {
		addr := binary.LittleEndian.Uint32(data[off:])
		info := binary.LittleEndian.Uint32(data[off+4:])
		if addr&relocScattered != 0 || info&relocExtern == 0 {
			return nil, fmt.Errorf("external relocation %d is not an extern entry", off/relocSize)
		}
		if info&relocPCRel != 0 || info&relocLengthMask != relocLengthLong || info>>relocTypeShift != armRelocVanilla {
			return nil, fmt.Errorf("external relocation %d: unsupported kind 0x%08x", off/relocSize, info)
		}
		name, ok := symbol(info & relocSymbolMask)
		if !ok {
			return nil, fmt.Errorf("external relocation %d: symbol index %d out of range", off/relocSize, info&relocSymbolMask)
		}
		slot := mem.Ptr(base + addr)
		addend, err := read(slot)
		if err != nil {
			return nil, fmt.Errorf("external relocation %d for %s: %w", off/relocSize, name, err)
		}
		out = append(out, Import{Name: name, Slot: slot, Addend: addend})
	}
	return out, nil
}
