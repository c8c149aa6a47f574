// Package machotest writes small 32-bit ARM Mach-O executables for tests.
package machotest

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Fixed layout of the generated image.
const (
	TextAddr      = 0x1000
	CodeAddr      = 0x1800
	DataAddr      = 0x2000
	ClassRefsAddr = DataAddr
	ClassListAddr = DataAddr + 0x200

	codeOffset = CodeAddr - TextAddr
	dataOffset = 0x1000
	linkOffset = 0x2000
)

const (
	lcSegment    = 0x1
	lcSymtab     = 0x2
	lcUnixThread = 0x5
	lcDysymtab   = 0xb

	segmentSize = 56
	sectionSize = 68

	nExt         = 0x01
	nSect        = 0x0e
	nArmThumbDef = 0x0008
)

type nlist struct {
	Strx  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint32
}

type segmentCommand struct {
	Cmd, Size         uint32
	Name              [16]byte
	Addr, VMSize      uint32
	Off, FileSize     uint32
	MaxProt, InitProt uint32
	NSects, Flags     uint32
}

type section struct {
	Name, Seg            [16]byte
	Addr, Size, Off      uint32
	Align                uint32
	RelOff, NReloc       uint32
	Flags                uint32
	Reserved1, Reserved2 uint32
}

// Symbol is a defined symbol in __TEXT,__text.
type Symbol struct {
	Name  string
	Addr  uint32
	Thumb bool
}

// Image describes the executable to write.
type Image struct {
	Code    []uint32 // placed at CodeAddr
	Entry   uint32   // pc in the LC_UNIXTHREAD state
	Symbols []Symbol

	// ClassRefs names the class of each __objc_classrefs slot. Every slot
	// is bound through an external relocation.
	ClassRefs []string

	// ClassList is the content of __objc_classlist.
	ClassList []uint32
}

// Write builds img in a temporary directory and returns its path.
func Write(tb testing.TB, img Image) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "a.out")
	if err := os.WriteFile(path, Build(img), 0o644); err != nil {
		tb.Fatalf("Failed to write Mach-O: %v", err)
	}
	return path
}

// Build returns the file content for img.
func Build(img Image) []byte {
	le := binary.LittleEndian

	var undefs []string
	undefIndex := make(map[string]uint32)
	for _, name := range img.ClassRefs {
		if _, ok := undefIndex[name]; !ok {
			undefIndex[name] = uint32(len(img.Symbols) + len(undefs))
			undefs = append(undefs, name)
		}
	}

	strtab := []byte{0}
	strx := func(s string) uint32 {
		off := uint32(len(strtab))
		strtab = append(strtab, s...)
		strtab = append(strtab, 0)
		return off
	}
	var syms bytes.Buffer
	for _, s := range img.Symbols {
		var desc uint16
		if s.Thumb {
			desc = nArmThumbDef
		}
		binary.Write(&syms, le, nlist{strx(s.Name), nSect | nExt, 1, desc, s.Addr})
	}
	for _, name := range undefs {
		binary.Write(&syms, le, nlist{Strx: strx(name), Type: nExt})
	}

	var relocs bytes.Buffer
	for i, name := range img.ClassRefs {
		info := undefIndex[name] | 2<<25 | 1<<27
		binary.Write(&relocs, le, [2]uint32{ClassRefsAddr + uint32(4*i), info})
	}

	relocOff := uint32(linkOffset)
	symOff := relocOff + uint32(relocs.Len())
	strOff := symOff + uint32(syms.Len())

	var cmds bytes.Buffer
	ncmds := 0
	segment := func(name string, addr, size, off, fileSize, prot uint32, sects ...section) {
		ncmds++
		seg := segmentCommand{
			Cmd: lcSegment, Size: uint32(segmentSize + sectionSize*len(sects)),
			Addr: addr, VMSize: size, Off: off, FileSize: fileSize,
			MaxProt: prot, InitProt: prot, NSects: uint32(len(sects)),
		}
		copy(seg.Name[:], name)
		binary.Write(&cmds, le, seg)
		for _, s := range sects {
			copy(s.Seg[:], name)
			binary.Write(&cmds, le, s)
		}
	}
	sect := func(name string, addr, size, off, flags uint32) section {
		s := section{Addr: addr, Size: size, Off: off, Align: 2, Flags: flags}
		copy(s.Name[:], name)
		return s
	}

	segment("__PAGEZERO", 0, TextAddr, 0, 0, 0)
	segment("__TEXT", TextAddr, 0x1000, 0, 0x1000, 5,
		sect("__text", CodeAddr, uint32(4*len(img.Code)), codeOffset, 0x80000400))
	segment("__DATA", DataAddr, 0x1000, dataOffset, 0x1000, 3,
		sect("__objc_classrefs", ClassRefsAddr, uint32(4*len(img.ClassRefs)), dataOffset, 0x10000000),
		sect("__objc_classlist", ClassListAddr, uint32(4*len(img.ClassList)), dataOffset+ClassListAddr-DataAddr, 0x10000000))

	ncmds++
	binary.Write(&cmds, le, [6]uint32{lcSymtab, 24, symOff, uint32(len(img.Symbols) + len(undefs)), strOff, uint32(len(strtab))})

	ncmds++
	binary.Write(&cmds, le, [20]uint32{
		0:  lcDysymtab,
		1:  80,
		5:  uint32(len(img.Symbols)), // externally defined
		6:  uint32(len(img.Symbols)),
		7:  uint32(len(undefs)),
		16: relocOff,
		17: uint32(len(img.ClassRefs)),
	})

	ncmds++
	// ARM_THREAD_STATE: r0-r12, sp, lr, pc, cpsr
	binary.Write(&cmds, le, [21]uint32{0: lcUnixThread, 1: 84, 2: 1, 3: 17, 4 + 15: img.Entry})

	file := make([]byte, int(strOff)+len(strtab))
	for i, v := range [7]uint32{0xfeedface, 12, 9, 2, uint32(ncmds), uint32(cmds.Len()), 0} {
		le.PutUint32(file[4*i:], v)
	}
	copy(file[28:], cmds.Bytes())
	for i, insn := range img.Code {
		le.PutUint32(file[codeOffset+4*i:], insn)
	}
	for i, cls := range img.ClassList {
		le.PutUint32(file[dataOffset+ClassListAddr-DataAddr+4*i:], cls)
	}
	copy(file[relocOff:], relocs.Bytes())
	copy(file[symOff:], syms.Bytes())
	copy(file[strOff:], strtab)
	return file
}
