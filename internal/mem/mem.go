// Package mem provides the flat 32-bit guest address space.
//
// The whole address space is one anonymous host mapping. The CPU maps the same
// bytes directly (see emulator.New), so host code and guest code always observe
// the same memory without copies.
package mem

import (
	"encoding/binary"
	"fmt"
	"math"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Layout constants.
const (
	NullPageSize = 0x1000     // never handed out; address 0 is the null pointer
	PageSize     = 0x1000     // guest page size
	DefaultSize  = 0x10000000 // 256MB address space
)

// Ptr is a guest pointer.
type Ptr uint32

// Null is the null guest pointer.
const Null Ptr = 0

// IsNull reports whether p is the null pointer.
func (p Ptr) IsNull() bool { return p == 0 }

// Add returns p offset by n bytes.
func (p Ptr) Add(n uint32) Ptr { return p + Ptr(n) }

func (p Ptr) String() string { return fmt.Sprintf("0x%08x", uint32(p)) }

// Mem is the guest address space [0, Size).
type Mem struct {
	bytes []byte
	heap  *allocator
}

// New maps a zeroed address space of size bytes (rounded up to a page).
func New(size uint32) (*Mem, error) {
	if size == 0 {
		size = DefaultSize
	}
	size = (size + PageSize - 1) &^ (PageSize - 1)
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap guest memory (%d bytes): %w", size, err)
	}
	return &Mem{bytes: b}, nil
}

// Close unmaps the address space.
func (m *Mem) Close() error {
	if m.bytes == nil {
		return nil
	}
	err := unix.Munmap(m.bytes)
	m.bytes = nil
	return err
}

// Size returns the size of the address space.
func (m *Mem) Size() uint32 { return uint32(len(m.bytes)) }

// Base returns the host address of guest address 0, for mapping into the CPU.
func (m *Mem) Base() unsafe.Pointer { return unsafe.Pointer(&m.bytes[0]) }

// InitHeap sets the range used by Alloc. Both ends are rounded inwards to 16 bytes.
func (m *Mem) InitHeap(start, end Ptr) error {
	start = (start + 15) &^ 15
	end &^= 15
	if start < NullPageSize || end <= start || uint32(end) > m.Size() {
		return fmt.Errorf("invalid heap range %s-%s", start, end)
	}
	m.heap = newAllocator(start, end)
	return nil
}

func (m *Mem) check(addr Ptr, n uint32) error {
	if uint32(addr) < NullPageSize {
		return fmt.Errorf("access to null page at %s", addr)
	}
	if uint64(addr)+uint64(n) > uint64(len(m.bytes)) {
		return fmt.Errorf("access out of range at %s (+%d)", addr, n)
	}
	return nil
}

// View returns the raw bytes [addr, addr+n) without copying.
func (m *Mem) View(addr Ptr, n uint32) ([]byte, error) {
	if err := m.check(addr, n); err != nil {
		return nil, err
	}
	return m.bytes[addr : uint32(addr)+n : uint32(addr)+n], nil
}

// Read copies n bytes starting at addr.
func (m *Mem) Read(addr Ptr, n uint32) ([]byte, error) {
	v, err := m.View(addr, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), v...), nil
}

// Write copies data to addr.
func (m *Mem) Write(addr Ptr, data []byte) error {
	v, err := m.View(addr, uint32(len(data)))
	if err != nil {
		return err
	}
	copy(v, data)
	return nil
}

// ReadU8 reads a byte.
func (m *Mem) ReadU8(addr Ptr) (uint8, error) {
	v, err := m.View(addr, 1)
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

// ReadU16 reads a little-endian uint16.
func (m *Mem) ReadU16(addr Ptr) (uint16, error) {
	v, err := m.View(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(v), nil
}

// ReadU32 reads a little-endian uint32.
func (m *Mem) ReadU32(addr Ptr) (uint32, error) {
	v, err := m.View(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(v), nil
}

// ReadU64 reads a little-endian uint64.
func (m *Mem) ReadU64(addr Ptr) (uint64, error) {
	v, err := m.View(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(v), nil
}

// ReadF32 reads an IEEE-754 single.
func (m *Mem) ReadF32(addr Ptr) (float32, error) {
	v, err := m.ReadU32(addr)
	return math.Float32frombits(v), err
}

// ReadF64 reads an IEEE-754 double.
func (m *Mem) ReadF64(addr Ptr) (float64, error) {
	v, err := m.ReadU64(addr)
	return math.Float64frombits(v), err
}

// ReadPtr reads a guest pointer.
func (m *Mem) ReadPtr(addr Ptr) (Ptr, error) {
	v, err := m.ReadU32(addr)
	return Ptr(v), err
}

// WriteU8 writes a byte.
func (m *Mem) WriteU8(addr Ptr, val uint8) error {
	v, err := m.View(addr, 1)
	if err != nil {
		return err
	}
	v[0] = val
	return nil
}

// WriteU16 writes a little-endian uint16.
func (m *Mem) WriteU16(addr Ptr, val uint16) error {
	v, err := m.View(addr, 2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(v, val)
	return nil
}

// WriteU32 writes a little-endian uint32.
func (m *Mem) WriteU32(addr Ptr, val uint32) error {
	v, err := m.View(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(v, val)
	return nil
}

// WriteU64 writes a little-endian uint64.
func (m *Mem) WriteU64(addr Ptr, val uint64) error {
	v, err := m.View(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(v, val)
	return nil
}

// WritePtr writes a guest pointer.
func (m *Mem) WritePtr(addr, val Ptr) error {
	return m.WriteU32(addr, uint32(val))
}

// ReadCString reads a NUL-terminated string starting at addr.
func (m *Mem) ReadCString(addr Ptr) (string, error) {
	if err := m.check(addr, 1); err != nil {
		return "", err
	}
	for end := uint32(addr); end < uint32(len(m.bytes)); end++ {
		if m.bytes[end] == 0 {
			return string(m.bytes[addr:end]), nil
		}
	}
	return "", fmt.Errorf("unterminated string at %s", addr)
}

// WriteCString writes s followed by a NUL byte.
func (m *Mem) WriteCString(addr Ptr, s string) error {
	v, err := m.View(addr, uint32(len(s))+1)
	if err != nil {
		return err
	}
	copy(v, s)
	v[len(s)] = 0
	return nil
}

// Memset fills n bytes at addr with b.
func (m *Mem) Memset(addr Ptr, b byte, n uint32) error {
	v, err := m.View(addr, n)
	if err != nil {
		return err
	}
	for i := range v {
		v[i] = b
	}
	return nil
}

// Memmove copies n bytes from src to dst; the ranges may overlap.
func (m *Mem) Memmove(dst, src Ptr, n uint32) error {
	d, err := m.View(dst, n)
	if err != nil {
		return err
	}
	s, err := m.View(src, n)
	if err != nil {
		return err
	}
	copy(d, s)
	return nil
}
