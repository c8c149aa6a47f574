package mem

import (
	"fmt"
	"sort"
)

const allocAlign = 16

// allocator is a first-fit free list over one heap range.
type allocator struct {
	start, end Ptr
	free       []span         // sorted by base, coalesced
	used       map[Ptr]uint32 // live block -> rounded size
}

type span struct {
	base Ptr
	size uint32
}

func newAllocator(start, end Ptr) *allocator {
	return &allocator{
		start: start,
		end:   end,
		free:  []span{{start, uint32(end - start)}},
		used:  make(map[Ptr]uint32),
	}
}

func (a *allocator) alloc(size uint32) (Ptr, bool) {
	if size == 0 {
		size = 1
	}
	if size > uint32(a.end-a.start) {
		return 0, false
	}
	size = (size + allocAlign - 1) &^ (allocAlign - 1)
	for i, s := range a.free {
		if s.size < size {
			continue
		}
		p := s.base
		if s.size == size {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = span{s.base + Ptr(size), s.size - size}
		}
		a.used[p] = size
		return p, true
	}
	return 0, false
}

func (a *allocator) release(p Ptr) (uint32, bool) {
	size, ok := a.used[p]
	if !ok {
		return 0, false
	}
	delete(a.used, p)
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].base > p })
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = span{p, size}
	// merge with next, then previous
	if i+1 < len(a.free) && a.free[i].base+Ptr(a.free[i].size) == a.free[i+1].base {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	if i > 0 && a.free[i-1].base+Ptr(a.free[i-1].size) == a.free[i].base {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
	return size, true
}

// Alloc returns a 16-byte aligned block of at least size bytes.
// Its contents are unspecified. Panics when the heap is exhausted.
func (m *Mem) Alloc(size uint32) Ptr {
	p, ok := m.TryAlloc(size)
	if !ok {
		panic(fmt.Sprintf("heap exhausted (request %d bytes)", size))
	}
	return p
}

// TryAlloc is Alloc for requests that come from guest code: it reports
// failure instead of panicking.
func (m *Mem) TryAlloc(size uint32) (Ptr, bool) {
	if m.heap == nil {
		panic("mem: heap not initialized")
	}
	return m.heap.alloc(size)
}

// AllocZeroed is Alloc followed by zero fill.
func (m *Mem) AllocZeroed(size uint32) Ptr {
	p := m.Alloc(size)
	_ = m.Memset(p, 0, m.heap.used[p])
	return p
}

// AllocCString allocates and writes a NUL-terminated copy of s.
func (m *Mem) AllocCString(s string) Ptr {
	p := m.Alloc(uint32(len(s)) + 1)
	_ = m.WriteCString(p, s)
	return p
}

// Free releases a block returned by Alloc. Freeing anything else panics.
func (m *Mem) Free(p Ptr) {
	if _, ok := m.heap.release(p); !ok {
		panic(fmt.Sprintf("free of unallocated pointer %s", p))
	}
}

// TryFree is Free for pointers that come from guest code: it reports
// instead of panicking when p is not a live block.
func (m *Mem) TryFree(p Ptr) bool {
	_, ok := m.heap.release(p)
	return ok
}

// BlockSize returns the usable size of a live block.
func (m *Mem) BlockSize(p Ptr) (uint32, bool) {
	size, ok := m.heap.used[p]
	return size, ok
}

// Realloc resizes a block, moving it if needed. A null p behaves like Alloc.
func (m *Mem) Realloc(p Ptr, size uint32) Ptr {
	if p.IsNull() {
		return m.Alloc(size)
	}
	old, ok := m.heap.used[p]
	if !ok {
		panic(fmt.Sprintf("realloc of unallocated pointer %s", p))
	}
	if size <= old {
		return p
	}
	n := m.Alloc(size)
	_ = m.Memmove(n, p, old)
	m.Free(p)
	return n
}

// TryRealloc is Realloc for guest requests. When there is no room it
// returns false and leaves p allocated and unchanged.
func (m *Mem) TryRealloc(p Ptr, size uint32) (Ptr, bool) {
	if p.IsNull() {
		return m.TryAlloc(size)
	}
	old, ok := m.heap.used[p]
	if !ok {
		return Null, false
	}
	if size <= old {
		return p, true
	}
	n, ok := m.TryAlloc(size)
	if !ok {
		return Null, false
	}
	_ = m.Memmove(n, p, old)
	m.Free(p)
	return n, true
}

// HeapInUse returns the number of live blocks and their total size.
func (m *Mem) HeapInUse() (blocks int, bytes uint32) {
	for _, s := range m.heap.used {
		blocks++
		bytes += s
	}
	return blocks, bytes
}
