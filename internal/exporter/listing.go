package exporter

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/VladMinzatu/dbgsym/internal/symbols"
)

// WriteSymbolListing writes one line per symbol ordered by address:
//
//	00007f0000001230 malloc
//	00007f0000004000 __imp_free [import]
//
// The decorated name follows in parentheses when it differs.
func WriteSymbolListing(w io.Writer, syms []symbols.Symbol) error {
	sorted := make([]symbols.Symbol, len(syms))
	copy(sorted, syms)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Addr < sorted[j].Addr })

	bw := bufio.NewWriter(w)
	for _, s := range sorted {
		line := fmt.Sprintf("%016x %s", s.Addr, escapeName(s.Name()))
		if s.Undecorated != "" {
			line += " (" + escapeName(s.Decorated) + ")"
		}
		if s.Imported {
			line += " [import]"
		}
		if _, err := fmt.Fprintln(bw, line); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteModuleListing writes one line per module: base, end and name.
func WriteModuleListing(w io.Writer, modules []symbols.ModuleSnapshot, sizes map[uint64]uint64) error {
	bw := bufio.NewWriter(w)
	for _, m := range modules {
		if _, err := fmt.Fprintf(bw, "%016x-%016x %s\n", m.Base, m.Base+sizes[m.Base], escapeName(m.Name)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func escapeName(name string) string {
	// one symbol per line
	name = strings.ReplaceAll(name, "\n", " ")
	name = strings.TrimSpace(name)
	if name == "" {
		return "<unknown>"
	}
	return name
}
