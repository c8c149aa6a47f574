package libc

import (
	"fmt"
	"strings"

	"github.com/zboralski/hlego/internal/abi"
	"github.com/zboralski/hlego/internal/mem"
)

// Format expands a C printf format, reading arguments from va. Strings are
// read from m.
func Format(m *mem.Mem, format string, va *abi.VarArgs) (string, error) {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		i++
		if i >= len(format) {
			b.WriteByte('%')
			break
		}
		if format[i] == '%' {
			b.WriteByte('%')
			continue
		}

		conv := conversion{}
		i = conv.parse(format, i, va)
		if i >= len(format) {
			return b.String(), fmt.Errorf("truncated conversion in %q", format)
		}
		conv.verb = format[i]
		s, err := conv.render(m, va)
		if err != nil {
			return b.String(), err
		}
		b.WriteString(s)
		if err := va.Err(); err != nil {
			return b.String(), err
		}
	}
	return b.String(), nil
}

type conversion struct {
	flags     string
	width     string
	precision string // includes the dot
	long      int    // number of 'l' modifiers, or 2 for q/j/ll
	verb      byte
}

// parse reads flags, width, precision and length, and returns the index of
// the conversion character.
func (c *conversion) parse(f string, i int, va *abi.VarArgs) int {
	for ; i < len(f) && strings.IndexByte("-+ #0", f[i]) >= 0; i++ {
		c.flags += string(f[i])
	}
	if i < len(f) && f[i] == '*' {
		w := abi.Next[int32](va)
		if w < 0 {
			c.flags += "-"
			w = -w
		}
		c.width = fmt.Sprint(w)
		i++
	} else {
		for ; i < len(f) && f[i] >= '0' && f[i] <= '9'; i++ {
			c.width += string(f[i])
		}
	}
	if i < len(f) && f[i] == '.' {
		i++
		if i < len(f) && f[i] == '*' {
			if p := abi.Next[int32](va); p >= 0 {
				c.precision = fmt.Sprintf(".%d", p)
			}
			i++
		} else {
			c.precision = "."
			for ; i < len(f) && f[i] >= '0' && f[i] <= '9'; i++ {
				c.precision += string(f[i])
			}
		}
	}
	for ; i < len(f); i++ {
		switch f[i] {
		case 'l':
			c.long++
		case 'q', 'j':
			c.long = 2
		case 'h', 'z', 't', 'L':
		default:
			return i
		}
	}
	return i
}

func (c *conversion) goFormat(verb byte) string {
	return "%" + c.flags + c.width + c.precision + string(verb)
}

func (c *conversion) render(m *mem.Mem, va *abi.VarArgs) (string, error) {
	switch c.verb {
	case 'd', 'i':
		if c.long >= 2 {
			return fmt.Sprintf(c.goFormat('d'), abi.Next[int64](va)), nil
		}
		return fmt.Sprintf(c.goFormat('d'), abi.Next[int32](va)), nil
	case 'u', 'x', 'X', 'o':
		verb := c.verb
		if verb == 'u' {
			verb = 'd'
		}
		if c.long >= 2 {
			return fmt.Sprintf(c.goFormat(verb), abi.Next[uint64](va)), nil
		}
		return fmt.Sprintf(c.goFormat(verb), abi.Next[uint32](va)), nil
	case 'f', 'F', 'e', 'E', 'g', 'G':
		return fmt.Sprintf(c.goFormat(c.verb), abi.Next[float64](va)), nil
	case 'c':
		return fmt.Sprintf(c.goFormat('c'), rune(byte(abi.Next[int32](va)))), nil
	case 'p':
		return fmt.Sprintf("%"+c.flags+c.width+"s", fmt.Sprintf("0x%x", abi.Next[uint32](va))), nil
	case 's':
		p := abi.Next[mem.Ptr](va)
		if p.IsNull() {
			return fmt.Sprintf(c.goFormat('s'), "(null)"), nil
		}
		s, err := m.ReadCString(p)
		if err != nil {
			return "", fmt.Errorf("%%s argument: %w", err)
		}
		return fmt.Sprintf(c.goFormat('s'), s), nil
	case '@':
		// Objects print as their address; there is no description support.
		return fmt.Sprintf("<0x%x>", abi.Next[uint32](va)), nil
	}
	return "", fmt.Errorf("unsupported conversion %%%c", c.verb)
}
