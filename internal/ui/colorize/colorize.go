package colorize

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
)

// first returns the first non-nil lookup result.
func first[T comparable](get func(string) T, names ...string) T {
	var zero T
	for _, name := range names {
		if v := get(name); v != zero {
			return v
		}
	}
	return zero
}

var (
	setupOnce sync.Once
	lexer     chroma.Lexer
	style     *chroma.Style
	formatter chroma.Formatter
)

// setup picks the ARM lexer, the disassembly style and a truecolor
// formatter, falling back to whatever chroma has.
func setup() {
	lexer = first(lexers.Get, "armasm", "gas", "nasm")
	style = first(styles.Get, DisasmDark.Name, "dracula", "monokai")
	if style == nil {
		style = styles.Fallback
	}
	formatter = first(formatters.Get, "terminal16m", "terminal256")
	if formatter == nil {
		formatter = formatters.Fallback
	}
}

// IsDisabled returns true if colors are disabled via environment
func IsDisabled() bool {
	return os.Getenv("HLEGO_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

// Instruction colorizes a disassembled ARM instruction.
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}
	setupOnce.Do(setup)
	if lexer == nil {
		return insn
	}

	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}
	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return insn
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func rgb(r, g, b int, s string) string {
	if IsDisabled() {
		return s
	}
	return fmt.Sprintf("\033[38;2;%d;%d;%dm%s\033[0m", r, g, b, s)
}

// Address formats a guest address in yellow
func Address(addr uint32) string {
	return rgb(255, 200, 0, fmt.Sprintf("%08X", addr))
}

// Tag formats a hashtag in light pink
func Tag(tag string) string { return rgb(255, 180, 200, tag) }

// FuncName formats a symbol name in yellow
func FuncName(name string) string { return rgb(255, 200, 0, name) }

// Detail formats detail text in light gray
func Detail(detail string) string { return rgb(180, 180, 180, detail) }

// Border formats border characters in dark gray
func Border(s string) string { return rgb(80, 80, 80, s) }

// Comment formats comments in white
func Comment(s string) string { return rgb(255, 255, 255, s) }

// Header formats header text in blue
func Header(s string) string { return rgb(86, 156, 214, s) }

// HexBytes formats opcode bytes in light gray
func HexBytes(s string) string { return rgb(180, 180, 180, s) }

// Error formats error messages in pink
func Error(s string) string { return rgb(255, 128, 192, s) }

// String formats guest strings in pink
func String(s string) string { return rgb(255, 128, 192, s) }
