package modules

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

type MapRegion struct {
	Start, End uint64
	Offset     uint64
	Perms      string
	Path       string
}

type MapsReader interface {
	ReadLines() ([]string, error)
}

// ProcMaps reads the memory map of one process.
type ProcMaps struct {
	path string
}

func NewProcMapsReader(pid int) *ProcMaps {
	return &ProcMaps{path: fmt.Sprintf("/proc/%d/maps", pid)}
}

// ReadLines reads the whole map in one go and splits it into lines.
func (p *ProcMaps) ReadLines() ([]string, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, err
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	slog.Debug("Read process maps", "path", p.path, "bytes", len(data))
	return strings.Split(text, "\n"), nil
}

func parseMaps(lines []string) []MapRegion {
	regions := make([]MapRegion, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		r, err := parseMapEntry(line)
		if err != nil {
			slog.Warn("Failed to parse map entry", "line", line, "error", err)
			continue
		}
		regions = append(regions, r)
	}
	return regions
}

// parseMapEntry parses one line of /proc/<pid>/maps:
//
//	address           perms offset  dev   inode  pathname
//	55d4b2000000-55d4b2021000 r--p 00000000 08:01 131073 /usr/bin/myprog
//
// The pathname is optional and may contain spaces.
func parseMapEntry(line string) (MapRegion, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return MapRegion{}, fmt.Errorf("want at least 5 fields, got %d", len(fields))
	}
	lo, hi, ok := strings.Cut(fields[0], "-")
	if !ok {
		return MapRegion{}, fmt.Errorf("malformed address range %q", fields[0])
	}

	var (
		r   = MapRegion{Perms: fields[1]}
		err error
	)
	if r.Start, err = strconv.ParseUint(lo, 16, 64); err != nil {
		return MapRegion{}, fmt.Errorf("start address: %w", err)
	}
	if r.End, err = strconv.ParseUint(hi, 16, 64); err != nil {
		return MapRegion{}, fmt.Errorf("end address: %w", err)
	}
	if r.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return MapRegion{}, fmt.Errorf("offset: %w", err)
	}
	if len(fields) > 5 {
		r.Path = strings.Join(fields[5:], " ")
	}
	return r, nil
}

// imagePath returns the file backing a region, or "" for anonymous and
// kernel provided mappings.
func imagePath(r MapRegion) string {
	if !strings.HasPrefix(r.Path, "/") {
		return ""
	}
	return strings.TrimSuffix(r.Path, " (deleted)")
}
