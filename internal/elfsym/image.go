package elfsym

import (
	"bytes"
	"debug/elf"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
)

var ErrNoBuildIDSection = errors.New("build ID section not found")

// Image describes the parts of an ELF file the symbol engine and the module
// directory care about. Entry is relative to the lowest loaded address.
type Image struct {
	Path      string
	Bias      uint64
	Entry     uint64
	BuildID   string
	DebugLink string
	HasDWARF  bool
	HasSymtab bool
	HasDynsym bool
}

func Inspect(path string) (*Image, error) {
	slog.Debug("Inspecting ELF image", "path", path)
	ef, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer ef.Close()

	img := &Image{
		Path:      path,
		Bias:      LoadBias(ef),
		HasDWARF:  ef.Section(".debug_info") != nil || ef.Section(".zdebug_info") != nil,
		HasSymtab: ef.Section(".symtab") != nil,
		HasDynsym: ef.Section(".dynsym") != nil,
	}
	if ef.Entry >= img.Bias {
		img.Entry = ef.Entry - img.Bias
	}
	if id, err := GNUBuildID(ef); err == nil {
		img.BuildID = id
	} else if !errors.Is(err, ErrNoBuildIDSection) {
		slog.Warn("Failed to read build id", "path", path, "error", err)
	}
	if link, err := DebugLink(ef); err == nil {
		img.DebugLink = link
	}
	return img, nil
}

// LoadBias returns the page aligned virtual address of the first loadable
// segment. Symbol values minus the bias are offsets from the module base.
func LoadBias(ef *elf.File) uint64 {
	var (
		minVaddr uint64
		found    bool
	)
	for _, prog := range ef.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if !found || prog.Vaddr < minVaddr {
			minVaddr = prog.Vaddr
			found = true
		}
	}
	return minVaddr &^ 0xfff
}

func GNUBuildID(ef *elf.File) (string, error) {
	section := ef.Section(".note.gnu.build-id")
	if section == nil {
		return "", ErrNoBuildIDSection
	}
	data, err := section.Data()
	if err != nil {
		return "", fmt.Errorf("reading .note.gnu.build-id: %w", err)
	}
	if len(data) < 16 {
		return "", errors.New(".note.gnu.build-id is too small")
	}
	if !bytes.Equal([]byte("GNU"), data[12:15]) {
		return "", errors.New(".note.gnu.build-id is not a GNU build-id")
	}
	raw := data[16:]
	if len(raw) != 20 && len(raw) != 8 && len(raw) != 16 {
		return "", fmt.Errorf(".note.gnu.build-id has unexpected size %d", len(raw))
	}
	return hex.EncodeToString(raw), nil
}

// DebugLink returns the file name recorded in .gnu_debuglink.
func DebugLink(ef *elf.File) (string, error) {
	section := ef.Section(".gnu_debuglink")
	if section == nil {
		return "", errors.New("no .gnu_debuglink section")
	}
	data, err := section.Data()
	if err != nil {
		return "", fmt.Errorf("reading .gnu_debuglink: %w", err)
	}
	end := bytes.IndexByte(data, 0)
	if end <= 0 {
		return "", errors.New("malformed .gnu_debuglink")
	}
	return string(data[:end]), nil
}
