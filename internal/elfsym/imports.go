package elfsym

import (
	"debug/elf"
	"fmt"
	"log/slog"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/VladMinzatu/dbgsym/internal/symbols"
)

// ImportSlot is an import of a module. Offset is relative to the module base.
type ImportSlot struct {
	Offset uint64
	Name   string
	Module string
}

const importCacheSize = 256

// ImportWalker reads the import table of a module from the image on disk.
// Parsed tables are kept for the most recently used image paths.
type ImportWalker struct {
	images symbols.ImagePathResolver
	cache  *lru.Cache[string, []ImportSlot]
}

func NewImportWalker(images symbols.ImagePathResolver) *ImportWalker {
	cache, err := lru.New[string, []ImportSlot](importCacheSize)
	if err != nil {
		panic(err)
	}
	return &ImportWalker{images: images, cache: cache}
}

func (w *ImportWalker) Imports(base uint64, visit func(symbols.Import) bool) {
	path, err := w.images.ImagePath(base)
	if err != nil {
		slog.Debug("No image for import table", "base", base, "error", err)
		return
	}
	slots, err := w.slots(path)
	if err != nil {
		slog.Warn("Failed to read import table", "path", path, "error", err)
		return
	}
	for _, s := range slots {
		if !visit(symbols.Import{Base: base, Addr: base + s.Offset, Name: s.Name, Module: s.Module}) {
			return
		}
	}
}

func (w *ImportWalker) slots(path string) ([]ImportSlot, error) {
	if slots, ok := w.cache.Get(path); ok {
		return slots, nil
	}

	slots, err := ReadImports(path)
	if err != nil {
		return nil, err
	}
	w.cache.Add(path, slots)
	return slots, nil
}

// ReadImports lists the relocation slots that bind undefined dynamic symbols.
func ReadImports(path string) ([]ImportSlot, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer ef.Close()

	dynsyms, err := ef.DynamicSymbols()
	if err != nil {
		// statically linked images have nothing to import
		return nil, nil
	}
	libraries := make(map[string]string)
	if imported, err := ef.ImportedSymbols(); err == nil {
		for _, s := range imported {
			libraries[s.Name] = s.Library
		}
	}

	bias := LoadBias(ef)
	var slots []ImportSlot
	seen := make(map[uint64]bool)
	for _, section := range ef.Sections {
		if section.Type != elf.SHT_RELA && section.Type != elf.SHT_REL {
			continue
		}
		if !strings.HasPrefix(section.Name, ".rela.") && !strings.HasPrefix(section.Name, ".rel.") {
			continue
		}
		relocs, err := readRelocations(ef, section)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", section.Name, err)
		}
		for _, r := range relocs {
			// DynamicSymbols drops the null symbol at index 0
			if r.sym == 0 || int(r.sym) > len(dynsyms) {
				continue
			}
			sym := dynsyms[r.sym-1]
			if sym.Section != elf.SHN_UNDEF || sym.Name == "" || r.offset < bias || seen[r.offset] {
				continue
			}
			seen[r.offset] = true
			slots = append(slots, ImportSlot{
				Offset: r.offset - bias,
				Name:   sym.Name,
				Module: libraries[sym.Name],
			})
		}
	}
	return slots, nil
}

type relocation struct {
	offset uint64
	sym    uint32
}

func readRelocations(ef *elf.File, section *elf.Section) ([]relocation, error) {
	data, err := section.Data()
	if err != nil {
		return nil, err
	}
	order := ef.ByteOrder
	var entSize int
	switch {
	case ef.Class == elf.ELFCLASS64 && section.Type == elf.SHT_RELA:
		entSize = 24
	case ef.Class == elf.ELFCLASS64:
		entSize = 16
	case section.Type == elf.SHT_RELA:
		entSize = 12
	default:
		entSize = 8
	}

	relocs := make([]relocation, 0, len(data)/entSize)
	for off := 0; off+entSize <= len(data); off += entSize {
		entry := data[off : off+entSize]
		if ef.Class == elf.ELFCLASS64 {
			relocs = append(relocs, relocation{
				offset: order.Uint64(entry[0:8]),
				sym:    elf.R_SYM64(order.Uint64(entry[8:16])),
			})
			continue
		}
		relocs = append(relocs, relocation{
			offset: uint64(order.Uint32(entry[0:4])),
			sym:    elf.R_SYM32(order.Uint32(entry[4:8])),
		})
	}
	return relocs, nil
}
