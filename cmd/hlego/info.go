package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/ianlancetaylor/demangle"
	"github.com/spf13/cobra"

	"github.com/zboralski/hlego/internal/dyld"
	"github.com/zboralski/hlego/internal/loader"
	"github.com/zboralski/hlego/internal/mem"
	"github.com/zboralski/hlego/internal/objc"
	"github.com/zboralski/hlego/internal/stubs"
	"github.com/zboralski/hlego/internal/ui/colorize"
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				s = s.Bold(true)
			}
			return s
		}).
		Headers(headers...)
}

// displayName strips the C underscore and demangles C++ names.
func displayName(symbol string) string {
	name := strings.TrimPrefix(symbol, "_")
	if strings.HasPrefix(name, "_Z") {
		return demangle.Filter(name)
	}
	return name
}

func newInfoCmd() *cobra.Command {
	var unresolvedOnly bool
	cmd := &cobra.Command{
		Use:   "info <binary>",
		Short: "Show segments and imports of a binary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			m, err := mem.New(cfg.MemorySize)
			if err != nil {
				return err
			}
			defer m.Close()

			absPath, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			img, err := loader.Load(absPath, m)
			if err != nil {
				return fmt.Errorf("load binary: %w", err)
			}
			return showInfo(img, unresolvedOnly)
		},
	}
	cmd.Flags().BoolVarP(&unresolvedOnly, "unresolved", "u", false, "list only imports without a host implementation")
	return cmd
}

// importStatus says how an import would bind.
func importStatus(exports *dyld.Table, classes map[string]bool, name string) (category, status string) {
	if sym, ok := exports.Lookup(name); ok {
		if sym.Func != nil {
			return sym.Category, "function " + sym.Func.Signature().String()
		}
		return sym.Category, "constant"
	}
	for _, prefix := range []string{objc.ClassSymbolPrefix, objc.MetaclassSymbolPrefix} {
		if cls, ok := strings.CutPrefix(name, prefix); ok && classes[cls] {
			return "objc", "class"
		}
	}
	return "", ""
}

func showInfo(img *loader.Image, unresolvedOnly bool) error {
	cat := stubs.DefaultRegistry.Catalog()
	exports, err := dyld.LoadExports(cat.Functions, cat.Constants)
	if err != nil {
		return err
	}
	classes := make(map[string]bool)
	for _, name := range stubs.DefaultRegistry.ClassNames() {
		classes[name] = true
	}

	fmt.Printf("%s %s\n", colorize.Header("Binary:"), filepath.Base(img.Path))
	fmt.Printf("  %s %s  %s %s  %s %s\n",
		colorize.Detail("Base:"), colorize.Address(uint32(img.Base)),
		colorize.Detail("End:"), colorize.Address(uint32(img.End)),
		colorize.Detail("Entry:"), colorize.Address(img.Entry))
	fmt.Printf("  %s %d  %s %d\n\n",
		colorize.Detail("Symbols:"), len(img.Symbols),
		colorize.Detail("Selector refs:"), len(img.SelectorRefs))

	segs := newTable("Segment", "Address", "Size", "File", "Prot")
	for _, s := range img.Segments {
		segs.Row(s.Name, s.Addr.String(), fmt.Sprintf("0x%x", s.Size), fmt.Sprintf("0x%x", s.FileSize), protString(s.Prot))
	}
	fmt.Println(segs.String())

	imports := make([]loader.Import, len(img.Imports))
	copy(imports, img.Imports)
	sort.Slice(imports, func(i, j int) bool { return imports[i].Name < imports[j].Name })

	t := newTable("Import", "Slot", "Category", "Binding")
	missing := 0
	for _, imp := range imports {
		category, status := importStatus(exports, classes, imp.Name)
		if status == "" {
			missing++
			status = colorize.Error("unresolved")
		} else if unresolvedOnly {
			continue
		}
		t.Row(displayName(imp.Name), imp.Slot.String(), category, status)
	}
	fmt.Println(t.String())
	fmt.Printf("%d imports, %d unresolved\n", len(imports), missing)
	return nil
}

func protString(prot uint32) string {
	b := []byte("---")
	if prot&1 != 0 {
		b[0] = 'r'
	}
	if prot&2 != 0 {
		b[1] = 'w'
	}
	if prot&4 != 0 {
		b[2] = 'x'
	}
	return string(b)
}

func newExportsCmd() *cobra.Command {
	var category string
	var showClasses bool
	cmd := &cobra.Command{
		Use:   "exports",
		Short: "List the host functions, constants and classes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := setup(); err != nil {
				return err
			}
			if showClasses {
				t := newTable("Class")
				for _, name := range stubs.DefaultRegistry.ClassNames() {
					t.Row(name)
				}
				fmt.Println(t.String())
				return nil
			}

			t := newTable("Symbol", "Category", "Kind", "Signature")
			n := 0
			for _, e := range stubs.DefaultRegistry.List() {
				if category != "" && e.Category != category {
					continue
				}
				t.Row(displayName(e.Name), e.Category, e.Kind, e.Signature)
				n++
			}
			fmt.Println(t.String())
			fmt.Printf("%d symbols\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "only list one category (libc, objc, cf, pthread, cxxabi)")
	cmd.Flags().BoolVar(&showClasses, "classes", false, "list host classes instead")
	return cmd
}
