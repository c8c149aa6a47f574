package objc

import (
	"fmt"

	"github.com/zboralski/hlego/internal/mem"
)

// SEL is a selector: a pointer to its interned, NUL-terminated name in guest
// memory. Two selectors are equal iff their names are.
type SEL uint32

func (s SEL) Ptr() mem.Ptr { return mem.Ptr(s) }

func (s SEL) String() string { return fmt.Sprintf("0x%08x", uint32(s)) }

// SelectorTable interns selector names.
type SelectorTable struct {
	mem    *mem.Mem
	byName map[string]SEL
	byPtr  map[SEL]string
}

// NewSelectorTable creates an empty table.
func NewSelectorTable(m *mem.Mem) *SelectorTable {
	return &SelectorTable{
		mem:    m,
		byName: make(map[string]SEL),
		byPtr:  make(map[SEL]string),
	}
}

// Register returns the selector for name, creating it on first use.
func (s *SelectorTable) Register(name string) SEL {
	if sel, ok := s.byName[name]; ok {
		return sel
	}
	sel := SEL(s.mem.AllocCString(name))
	s.byName[name] = sel
	s.byPtr[sel] = name
	return sel
}

// Lookup returns the selector for name if it was registered.
func (s *SelectorTable) Lookup(name string) (SEL, bool) {
	sel, ok := s.byName[name]
	return sel, ok
}

// Name returns the name of an interned selector.
func (s *SelectorTable) Name(sel SEL) (string, bool) {
	name, ok := s.byPtr[sel]
	return name, ok
}

// Len returns the number of interned selectors.
func (s *SelectorTable) Len() int { return len(s.byName) }

// FixupRefs points each selector reference slot at the interned selector
// for the name it currently points to.
func (s *SelectorTable) FixupRefs(slots []mem.Ptr) error {
	for _, slot := range slots {
		p, err := s.mem.ReadPtr(slot)
		if err != nil {
			return err
		}
		name, err := s.mem.ReadCString(p)
		if err != nil {
			return fmt.Errorf("selector name for slot %s: %w", slot, err)
		}
		if err := s.mem.WritePtr(slot, s.Register(name).Ptr()); err != nil {
			return err
		}
	}
	return nil
}
