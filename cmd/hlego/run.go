package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"golang.org/x/arch/arm/armasm"

	"github.com/zboralski/hlego/internal/config"
	"github.com/zboralski/hlego/internal/emulator"
	"github.com/zboralski/hlego/internal/env"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/stubs"
	"github.com/zboralski/hlego/internal/trace"
	"github.com/zboralski/hlego/internal/ui/colorize"
)

type runFlags struct {
	trace   bool
	disasm  bool
	strict  bool
	quiet   bool
	maxInsn int
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <binary>",
		Short: "Run a binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("trace") {
				cfg.Trace = f.trace
			}
			if cmd.Flags().Changed("disasm") {
				cfg.Disasm = f.disasm
			}
			if f.strict {
				cfg.UnresolvedPolicy = config.PolicyStrict
			}
			return runBinary(cfg, args[0], f)
		},
	}
	cmd.Flags().BoolVarP(&f.trace, "trace", "t", false, "trace host calls")
	cmd.Flags().BoolVarP(&f.disasm, "disasm", "d", false, "trace instructions with disassembly")
	cmd.Flags().BoolVar(&f.strict, "strict", false, "fail on unresolved imports")
	cmd.Flags().BoolVarP(&f.quiet, "quiet", "q", false, "no header or summary")
	cmd.Flags().IntVarP(&f.maxInsn, "num", "n", 500, "max instructions to show")
	return cmd
}

// traceCollector holds host call events until the trace prints them.
type traceCollector struct {
	mu     sync.Mutex
	events []*trace.Event
}

func (tc *traceCollector) Add(e *trace.Event) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.events = append(tc.events, e)
}

// Detail attaches a host function's own report to its call event.
func (tc *traceCollector) Detail(category, name, detail string) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	for i := len(tc.events) - 1; i >= 0; i-- {
		if ev := tc.events[i]; ev.Name == name && ev.Detail == "" {
			ev.Detail = detail
			return
		}
	}
	ev := trace.NewEvent(0, category, name, detail)
	trace.DefaultEnricher(ev)
	tc.events = append(tc.events, ev)
}

func (tc *traceCollector) GetAndClear() []*trace.Event {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	events := tc.events
	tc.events = nil
	return events
}

// outputWriter writes trace lines from a goroutine through a large buffer.
type outputWriter struct {
	ch     chan string
	done   chan struct{}
	writer *bufio.Writer
}

func newOutputWriter(w io.Writer) *outputWriter {
	o := &outputWriter{
		ch:     make(chan string, 2048),
		done:   make(chan struct{}),
		writer: bufio.NewWriterSize(w, 64*1024),
	}
	go o.run()
	return o
}

func (w *outputWriter) run() {
	for line := range w.ch {
		w.writer.WriteString(line)
		w.writer.WriteByte('\n')
		if len(w.ch) == 0 {
			w.writer.Flush()
		}
	}
	w.writer.Flush()
	close(w.done)
}

func (w *outputWriter) Write(line string) { w.ch <- line }

func (w *outputWriter) Close() {
	close(w.ch)
	<-w.done
}

func runBinary(cfg config.Config, path string, f runFlags) error {
	e, err := env.New(cfg, stubs.DefaultRegistry.Catalog(), path)
	if err != nil {
		return err
	}
	defer e.Close()

	out := newOutputWriter(os.Stderr)
	collector := &traceCollector{}
	calls := make(map[string]int)

	flushCalls := func() {
		for _, ev := range collector.GetAndClear() {
			out.Write(formatCall(ev))
		}
	}
	e.OnHostCall(func(c env.HostCall) {
		calls[c.Category]++
		if !cfg.Trace && !cfg.Disasm {
			return
		}
		if !cfg.Disasm {
			flushCalls()
		}
		ev := trace.NewEvent(c.LR, c.Category, strings.TrimPrefix(c.Name, "_"), "")
		ev.Depth = c.Depth
		trace.DefaultEnricher(ev)
		collector.Add(ev)
	})
	stubs.DefaultRegistry.OnCall = func(category, name, detail string) {
		if cfg.Trace || cfg.Disasm {
			collector.Detail(category, name, detail)
		}
	}
	defer func() { stubs.DefaultRegistry.OnCall = nil }()

	count := 0
	if cfg.Disasm {
		names := symbolNames(e)
		err := e.CPU.HookCode(func(cpu *emulator.Emulator, addr, size uint32) {
			count++
			if count > f.maxInsn {
				return
			}
			code, err := cpu.Mem().Read(mem.Ptr(addr), size)
			if err != nil {
				return
			}
			dis := disasm(code, cpu.Thumb())
			name := names[addr]
			if stub, ok := e.Dyld.StubAt(addr); ok {
				name = stub.Name
			}
			out.Write(formatLine(addr, code, dis, name, collector.GetAndClear()))
			if isBlockEnd(dis) {
				out.Write("")
			}
		})
		if err != nil {
			return err
		}
	}

	if !f.quiet {
		printHeader(out, e)
	}
	runErr := e.Run()
	flushCalls()
	out.Close()

	if !f.quiet {
		printSummary(os.Stderr, e, count, calls, runErr)
	}
	if runErr != nil {
		return runErr
	}
	if e.ExitCode != 0 {
		return exitStatus(e.ExitCode)
	}
	return nil
}

// symbolNames maps code addresses to the image's symbol names, preferring
// the shortest name at an address.
func symbolNames(e *env.Environment) map[uint32]string {
	names := make(map[uint32]string, len(e.Image.Symbols))
	for name, addr := range e.Image.Symbols {
		addr &^= 1
		if have, ok := names[addr]; !ok || len(name) < len(have) {
			names[addr] = name
		}
	}
	return names
}

func disasm(code []byte, thumb bool) string {
	if thumb {
		if len(code) == 2 {
			return fmt.Sprintf(".short 0x%04x", uint16(code[0])|uint16(code[1])<<8)
		}
		return fmt.Sprintf(".inst.w 0x%02x%02x%02x%02x", code[1], code[0], code[3], code[2])
	}
	if len(code) < 4 {
		return "???"
	}
	inst, err := armasm.Decode(code, armasm.ModeARM)
	if err != nil {
		return fmt.Sprintf(".word 0x%08x", uint32(code[0])|uint32(code[1])<<8|uint32(code[2])<<16|uint32(code[3])<<24)
	}
	return armasm.GNUSyntax(inst)
}

var conditions = map[string]bool{
	"eq": true, "ne": true, "cs": true, "cc": true, "hs": true, "lo": true,
	"mi": true, "pl": true, "vs": true, "vc": true, "hi": true, "ls": true,
	"ge": true, "lt": true, "gt": true, "le": true, "al": true,
}

// mnemonic returns the lower-case mnemonic with any condition code removed.
func mnemonic(dis string) string {
	fields := strings.Fields(strings.ToLower(dis))
	if len(fields) == 0 {
		return ""
	}
	m := strings.TrimSuffix(fields[0], ".w")
	if len(m) > 2 && conditions[m[len(m)-2:]] {
		switch base := m[:len(m)-2]; base {
		case "b", "bx", "bl", "blx", "mov", "ldr", "pop", "eor":
			return base
		}
	}
	return m
}

func operands(dis string) string {
	_, ops, _ := strings.Cut(strings.ToLower(dis), " ")
	return ops
}

func writesPC(dis string) bool {
	return strings.Contains(operands(dis), "pc")
}

func instructionTags(dis string) []string {
	switch m := mnemonic(dis); {
	case m == "bl" || m == "blx":
		return []string{"#call"}
	case m == "bx" && strings.Contains(dis, "lr"):
		return []string{"#ret"}
	case m == "pop" && writesPC(dis):
		return []string{"#ret"}
	case m == "svc" || m == "swi":
		return []string{"#syscall"}
	case m == "eor":
		return []string{"#xor"}
	case strings.HasPrefix(m, "v"):
		return []string{"#vfp"}
	}
	return nil
}

func isBlockEnd(dis string) bool {
	switch m := mnemonic(dis); {
	case m == "b" || m == "bx":
		return true
	case m == "pop" || strings.HasPrefix(m, "ldm"):
		return writesPC(dis)
	case m == "mov" || m == "ldr":
		dst, _, _ := strings.Cut(operands(dis), ",")
		return strings.TrimSpace(dst) == "pc"
	}
	return false
}

func formatCall(ev *trace.Event) string {
	var b strings.Builder
	b.WriteString(colorize.Address(ev.PC))
	b.WriteString("  ")
	b.WriteString(strings.Repeat("  ", max(ev.Depth-1, 0)))
	b.WriteString(colorize.FuncName(ev.Name))
	if ev.Detail != "" {
		b.WriteString(" ")
		b.WriteString(colorize.Detail(ev.Detail))
	}
	b.WriteString("  ")
	b.WriteString(colorize.Tag(strings.Join(ev.Tags.Strings(), " ")))
	return b.String()
}

func formatLine(addr uint32, code []byte, dis string, funcName string, events []*trace.Event) string {
	var b strings.Builder
	b.Grow(256)

	visibleLen := 0

	b.WriteString(colorize.Address(addr))
	b.WriteString("  ")
	visibleLen += 8 + 2

	hex := make([]string, 0, len(code))
	for i := len(code) - 1; i >= 0; i-- {
		hex = append(hex, fmt.Sprintf("%02X", code[i]))
	}
	hexBytes := fmt.Sprintf("%-8s", strings.Join(hex, ""))
	b.WriteString(colorize.HexBytes(hexBytes))
	b.WriteString("  ")
	visibleLen += len(hexBytes) + 2

	b.WriteString(colorize.Instruction(dis))
	visibleLen += len(dis)

	const insnCol = 50
	for visibleLen < insnCol {
		b.WriteByte(' ')
		visibleLen++
	}

	var comments []string
	tags := instructionTags(dis)
	for _, e := range events {
		if e.Detail != "" {
			comments = append(comments, e.Detail)
		}
		for _, k := range e.Annotations.Keys() {
			comments = append(comments, k+"="+e.Annotations.Get(k))
		}
		tags = append(tags, e.Tags.Strings()...)
	}
	if len(comments) > 0 || len(tags) > 0 {
		var parts []string
		if len(tags) > 0 {
			parts = append(parts, strings.Join(tags, " "))
		}
		if len(comments) > 0 {
			parts = append(parts, strings.Join(comments, ", "))
		}
		b.WriteString(colorize.Comment("; " + strings.Join(parts, " ")))
		b.WriteString("  ")
	}

	if funcName != "" {
		b.WriteString(colorize.FuncName(funcName))
	}
	for _, e := range events {
		b.WriteByte(' ')
		b.WriteString(colorize.FuncName(e.Name))
	}
	return strings.TrimRight(b.String(), " ")
}

func printHeader(w *outputWriter, e *env.Environment) {
	binary := e.Image.Path
	if cwd, err := os.Getwd(); err == nil {
		if rel, err := filepath.Rel(cwd, binary); err == nil && !strings.HasPrefix(rel, "..") {
			binary = rel
		}
	}
	st := e.Dyld.Stats()

	w.Write("")
	w.Write(fmt.Sprintf("%s hlego %s %s", colorize.Header("▶"), colorize.Detail("session"), e.Session))
	w.Write(fmt.Sprintf("  %s %s", colorize.Detail("Loading:"), binary))
	w.Write(fmt.Sprintf("  %s %s  %s %s",
		colorize.Detail("Base:"), colorize.Address(uint32(e.Image.Base)),
		colorize.Detail("Entry:"), colorize.Address(e.Image.Entry)))
	w.Write(fmt.Sprintf("  %s %s  %s %s  %s %s",
		colorize.Detail("Imports:"), colorize.FuncName(fmt.Sprint(len(e.Image.Imports))),
		colorize.Detail("Bound:"), colorize.FuncName(fmt.Sprint(st.Bound)),
		colorize.Detail("Unresolved:"), colorize.FuncName(fmt.Sprint(st.Unresolved))))
	w.Write("")
}

func printSummary(w io.Writer, e *env.Environment, insns int, calls map[string]int, runErr error) {
	categories := make([]string, 0, len(calls))
	for c := range calls {
		categories = append(categories, c)
	}
	sort.Strings(categories)

	rows := make([][]string, 0, len(categories)+4)
	total := 0
	for _, c := range categories {
		rows = append(rows, []string{"#" + c, fmt.Sprint(calls[c])})
		total += calls[c]
	}
	rows = append(rows, []string{"host calls", fmt.Sprint(total)})
	if insns > 0 {
		rows = append(rows, []string{"instructions", fmt.Sprint(insns)})
	}
	blocks, bytes := e.Mem.HeapInUse()
	rows = append(rows,
		[]string{"live objects", fmt.Sprint(e.Objc.Objects.Len())},
		[]string{"heap", fmt.Sprintf("%d blocks, %d bytes", blocks, bytes)},
	)
	status := fmt.Sprintf("exit %d", e.ExitCode)
	if runErr != nil {
		status = colorize.Error(runErr.Error())
	}
	rows = append(rows, []string{"status", status})

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if col == 1 {
				s = s.Align(lipgloss.Right)
			}
			return s
		}).
		Rows(rows...)
	fmt.Fprintln(w)
	fmt.Fprintln(w, t.String())
}
