package elfsym

import (
	"cmp"
	"debug/dwarf"
	"debug/elf"
	"debug/gosym"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/VladMinzatu/dbgsym/internal/symbols"
)

// Source is a symbols.SymbolSource over the symbol tables and line
// information of one ELF file.
type Source struct {
	path    string
	bias    uint64
	symbols []symbols.IndexedSymbol
	dwarf   *dwarf.Data
	goTab   *gosym.Table
	closed  atomic.Bool

	unitsOnce sync.Once
	units     []compileUnit
}

type compileUnit struct {
	ranges [][2]uint64
	entry  *dwarf.Entry
}

type Option func(*Source)

// WithUndecorator fills in the undecorated names while the tables are read.
func WithUndecorator(u symbols.Undecorator) Option {
	return func(s *Source) {
		for i := range s.symbols {
			if name, ok := u.Undecorate(s.symbols[i].Decorated); ok {
				s.symbols[i].Undecorated = name
			}
		}
	}
}

func Open(path string, opts ...Option) (*Source, error) {
	slog.Info("Loading ELF symbols", "path", path)
	ef, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer ef.Close()

	s := &Source{path: path, bias: LoadBias(ef)}
	s.symbols = indexSymbols(readElfSymbols(ef), s.bias)

	if d, err := ef.DWARF(); err == nil {
		s.dwarf = d
	} else {
		slog.Debug("DWARF data not available", "path", path, "error", err)
	}
	if tab, err := readGoSymbolTable(ef); err == nil {
		s.goTab = tab
	} else {
		slog.Debug("Go symbol table not available", "path", path, "error", err)
	}
	if len(s.symbols) == 0 && s.dwarf == nil && s.goTab == nil {
		return nil, fmt.Errorf("no symbol data in %s", path)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Source) Path() string { return s.path }

func (s *Source) IsOpen() bool { return !s.closed.Load() }

func (s *Source) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Source) Len() int { return len(s.symbols) }

func (s *Source) EnumSymbols(visit func(symbols.IndexedSymbol) bool) bool {
	for _, sym := range s.symbols {
		if !visit(sym) {
			return false
		}
	}
	return true
}

// FindSourceLine maps an offset from the module base to a file and line,
// trying DWARF line programs first and the Go line table second.
func (s *Source) FindSourceLine(rva uint64) (symbols.LineInfo, bool) {
	pc := rva + s.bias
	if s.dwarf != nil {
		if li, err := s.lineFromDwarf(pc); err == nil {
			return li, true
		}
	}
	if s.goTab != nil {
		file, line, fn := s.goTab.PCToLine(pc)
		if fn != nil && file != "" {
			return symbols.LineInfo{File: file, Line: line}, true
		}
	}
	return symbols.LineInfo{}, false
}

func (s *Source) lineFromDwarf(pc uint64) (symbols.LineInfo, error) {
	s.unitsOnce.Do(s.indexUnits)
	for _, cu := range s.units {
		if !inRanges(cu.ranges, pc) {
			continue
		}
		lr, err := s.dwarf.LineReader(cu.entry)
		if err != nil || lr == nil {
			continue
		}
		var entry dwarf.LineEntry
		if err := lr.SeekPC(pc, &entry); err != nil {
			continue
		}
		if entry.File == nil {
			continue
		}
		return symbols.LineInfo{File: entry.File.Name, Line: entry.Line}, nil
	}
	return symbols.LineInfo{}, errors.New("pc not found in DWARF line tables")
}

func (s *Source) indexUnits() {
	rdr := s.dwarf.Reader()
	for {
		ent, err := rdr.Next()
		if err != nil {
			slog.Warn("Failed to read DWARF compile units", "path", s.path, "error", err)
			return
		}
		if ent == nil {
			return
		}
		if ent.Tag != dwarf.TagCompileUnit {
			rdr.SkipChildren()
			continue
		}
		ranges, err := s.dwarf.Ranges(ent)
		if err == nil && len(ranges) > 0 {
			s.units = append(s.units, compileUnit{ranges: ranges, entry: ent})
		}
		rdr.SkipChildren()
	}
}

func inRanges(ranges [][2]uint64, pc uint64) bool {
	for _, r := range ranges {
		if pc >= r[0] && pc < r[1] {
			return true
		}
	}
	return false
}

func readElfSymbols(ef *elf.File) []elf.Symbol {
	var syms []elf.Symbol
	if section := ef.Section(".symtab"); section != nil {
		if st, err := ef.Symbols(); err == nil {
			syms = append(syms, st...)
		}
	}
	if section := ef.Section(".dynsym"); section != nil {
		if st, err := ef.DynamicSymbols(); err == nil {
			syms = append(syms, st...)
		}
	}
	return syms
}

// indexSymbols keeps defined function and data symbols, rebased on bias,
// ordered by address and without duplicates from .symtab/.dynsym overlap.
func indexSymbols(syms []elf.Symbol, bias uint64) []symbols.IndexedSymbol {
	out := make([]symbols.IndexedSymbol, 0, len(syms))
	for _, s := range syms {
		if s.Name == "" || s.Value < bias || s.Section == elf.SHN_UNDEF {
			continue
		}
		switch elf.ST_TYPE(s.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE, elf.STT_GNU_IFUNC:
		default:
			continue
		}
		out = append(out, symbols.IndexedSymbol{RVA: s.Value - bias, Decorated: s.Name})
	}
	slices.SortFunc(out, func(a, b symbols.IndexedSymbol) int {
		if c := cmp.Compare(a.RVA, b.RVA); c != 0 {
			return c
		}
		return cmp.Compare(a.Decorated, b.Decorated)
	})
	return slices.CompactFunc(out, func(a, b symbols.IndexedSymbol) bool {
		return a.RVA == b.RVA && a.Decorated == b.Decorated
	})
}

func readGoSymbolTable(ef *elf.File) (*gosym.Table, error) {
	pcln := ef.Section(".gopclntab")
	if pcln == nil {
		return nil, errors.New("no .gopclntab section")
	}
	pclnData, err := pcln.Data()
	if err != nil {
		return nil, fmt.Errorf("read .gopclntab: %w", err)
	}

	var symtabData []byte
	if symsec := ef.Section(".gosymtab"); symsec != nil {
		if data, err := symsec.Data(); err == nil {
			symtabData = data
		}
	}

	var textAddr uint64
	if text := ef.Section(".text"); text != nil {
		textAddr = text.Addr
	}
	return gosym.NewTable(symtabData, gosym.NewLineTable(pclnData, textAddr))
}
