package elfsym

import (
	"debug/elf"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/VladMinzatu/dbgsym/internal/symbols"
	"github.com/google/go-cmp/cmp"
)

func TestIndexSymbols(t *testing.T) {
	fn := byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_FUNC)
	obj := byte(elf.STB_GLOBAL)<<4 | byte(elf.STT_OBJECT)
	sec := byte(elf.STB_LOCAL)<<4 | byte(elf.STT_SECTION)
	in := []elf.Symbol{
		{Name: "b", Info: fn, Section: 1, Value: 0x401020},
		{Name: "a", Info: fn, Section: 1, Value: 0x401000},
		{Name: "data", Info: obj, Section: 2, Value: 0x402000},
		{Name: "undef", Info: fn, Section: elf.SHN_UNDEF},
		{Name: ".text", Info: sec, Section: 1, Value: 0x401000},
		{Name: "", Info: fn, Section: 1, Value: 0x401030},
		{Name: "below", Info: fn, Section: 1, Value: 0x10},
		// .dynsym repeats exported .symtab entries
		{Name: "a", Info: fn, Section: 1, Value: 0x401000},
	}
	want := []symbols.IndexedSymbol{
		{RVA: 0x1000, Decorated: "a"},
		{RVA: 0x1020, Decorated: "b"},
		{RVA: 0x2000, Decorated: "data"},
	}
	if diff := cmp.Diff(want, indexSymbols(in, 0x400000)); diff != "" {
		t.Errorf("indexSymbols mismatch (-want +got):\n%s", diff)
	}
}

func TestOpen_FixtureSymbols(t *testing.T) {
	src, err := Open(testBinary(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !src.IsOpen() {
		t.Fatal("new source is not open")
	}

	var (
		found bool
		rva   uint64
		prev  uint64
		count int
	)
	src.EnumSymbols(func(s symbols.IndexedSymbol) bool {
		if s.RVA < prev {
			t.Errorf("symbols out of order: 0x%x after 0x%x", s.RVA, prev)
		}
		prev = s.RVA
		count++
		if s.Decorated == fixtureSymbol {
			found, rva = true, s.RVA
		}
		return true
	})
	if count != src.Len() {
		t.Errorf("enumerated %d symbols, Len() = %d", count, src.Len())
	}
	if !found {
		t.Fatalf("%s not among the enumerated symbols", fixtureSymbol)
	}

	line, ok := src.FindSourceLine(rva)
	if !ok {
		t.Fatalf("no line for %s at rva 0x%x", fixtureSymbol, rva)
	}
	if filepath.Base(line.File) != "main.go" || line.Line <= 0 {
		t.Errorf("FindSourceLine() = %+v, want a line in main.go", line)
	}

	if err := src.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if src.IsOpen() {
		t.Error("source still open after Close")
	}
}

func TestOpen_StopsEnumeration(t *testing.T) {
	src, err := Open(testBinary(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var n int
	complete := src.EnumSymbols(func(symbols.IndexedSymbol) bool {
		n++
		return n < 3
	})
	if complete || n != 3 {
		t.Errorf("EnumSymbols visited %d, complete=%v; want 3, false", n, complete)
	}
}

type upper struct{}

func (upper) Undecorate(name string) (string, bool) {
	if !strings.HasPrefix(name, "runtime.") {
		return "", false
	}
	return strings.ToUpper(name), true
}

func TestOpen_WithUndecorator(t *testing.T) {
	src, err := Open(testBinary(t), WithUndecorator(upper{}))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	src.EnumSymbols(func(s symbols.IndexedSymbol) bool {
		switch {
		case strings.HasPrefix(s.Decorated, "runtime."):
			if s.Undecorated != strings.ToUpper(s.Decorated) {
				t.Errorf("%s undecorated to %q", s.Decorated, s.Undecorated)
				return false
			}
		case s.Undecorated != "":
			t.Errorf("%s unexpectedly undecorated to %q", s.Decorated, s.Undecorated)
			return false
		}
		return true
	})
}

func TestOpen_Errors(t *testing.T) {
	if _, err := Open("/nonexistent/binary"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Open(missing) error = %v, want ErrNotExist", err)
	}
	f, err := os.CreateTemp(t.TempDir(), "notelf")
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString("plain text")
	f.Close()
	if _, err := Open(f.Name()); err == nil {
		t.Error("Open(non-ELF) succeeded")
	}
}

func TestInspect(t *testing.T) {
	img, err := Inspect(testBinary(t))
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if !img.HasSymtab {
		t.Error("fixture reported without .symtab")
	}
	if !img.HasDWARF {
		t.Error("fixture reported without DWARF")
	}
	if img.Entry == 0 {
		t.Error("entry point not found")
	}
	if img.Bias&0xfff != 0 {
		t.Errorf("bias 0x%x is not page aligned", img.Bias)
	}
}
