package modules

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/VladMinzatu/dbgsym/internal/elfsym"
	"github.com/VladMinzatu/dbgsym/internal/symbols"
)

var ErrImageUnavailable = errors.New("module image unavailable")

// SourceOpener opens the symbol source of a module image. A nil opener leaves
// every module without a source until one is attached.
type SourceOpener func(path string) (symbols.SymbolSource, error)

type entry struct {
	mod symbols.Module
	// first mapped region, names the /proc/<pid>/map_files link
	start, end uint64
}

// Directory is the module table of one process, built from /proc/<pid>/maps.
type Directory struct {
	pid     int
	reader  MapsReader
	opener  SourceOpener
	inspect func(path string) (*elfsym.Image, error)

	mu      sync.RWMutex
	entries []entry // sorted by base
}

type Option func(*Directory)

// WithInspector replaces the ELF header reader used for entry points.
func WithInspector(inspect func(path string) (*elfsym.Image, error)) Option {
	return func(d *Directory) { d.inspect = inspect }
}

func NewDirectory(pid int, reader MapsReader, opener SourceOpener, opts ...Option) *Directory {
	d := &Directory{pid: pid, reader: reader, opener: opener, inspect: elfsym.Inspect}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Refresh rereads the process maps. Modules whose base and path did not change
// keep their symbol source; sources of modules that went away are closed.
// Mapped files that are not ELF images are not modules. When the maps cannot
// be read the directory is emptied.
func (d *Directory) Refresh() error {
	lines, err := d.reader.ReadLines()
	if err != nil {
		d.clear()
		return fmt.Errorf("reading maps of pid %d: %w", d.pid, err)
	}
	found := groupRegions(parseMaps(lines))

	d.mu.RLock()
	current := make(map[uint64]entry, len(d.entries))
	for _, e := range d.entries {
		current[e.mod.Base] = e
	}
	d.mu.RUnlock()

	images := found[:0]
	for _, e := range found {
		if old, ok := current[e.mod.Base]; ok && old.mod.Path == e.mod.Path {
			e.mod.EntryPoint = old.mod.EntryPoint
		} else if !d.describe(&e) {
			continue
		}
		images = append(images, e)
	}
	found = images

	d.mu.Lock()
	live := make(map[uint64]entry, len(d.entries))
	for _, e := range d.entries {
		live[e.mod.Base] = e
	}
	for i := range found {
		if old, ok := live[found[i].mod.Base]; ok && old.mod.Path == found[i].mod.Path {
			found[i].mod.Source = old.mod.Source
			delete(live, old.mod.Base)
		}
	}
	d.entries = found
	d.mu.Unlock()

	for _, e := range live {
		closeSource(e.mod.Source)
	}
	slog.Debug("Refreshed module directory", "pid", d.pid, "modules", len(found), "removed", len(live))
	return nil
}

// describe fills in the entry point and opens the symbol source of a new
// module. It reports false for mapped files that are not ELF images.
func (d *Directory) describe(e *entry) bool {
	img, err := d.inspect(e.mod.Path)
	if err != nil {
		slog.Debug("Skipping mapped file", "path", e.mod.Path, "error", err)
		return false
	}
	if img.Entry != 0 {
		e.mod.EntryPoint = e.mod.Base + img.Entry
	}
	if d.opener == nil {
		return true
	}
	src, err := d.opener(e.mod.Path)
	if err != nil {
		slog.Warn("Failed to open module symbols", "path", e.mod.Path, "error", err)
		return true
	}
	e.mod.Source = src
	return true
}

// groupRegions folds the file backed regions of each image into one module
// spanning from its lowest start to its highest end.
func groupRegions(regions []MapRegion) []entry {
	byPath := make(map[string]*entry)
	var order []string
	for _, r := range regions {
		path := imagePath(r)
		if path == "" {
			continue
		}
		e, ok := byPath[path]
		if !ok {
			name, ext := splitName(filepath.Base(path))
			e = &entry{
				mod:   symbols.Module{Base: r.Start, Size: r.End - r.Start, Name: name, Extension: ext, Path: path},
				start: r.Start,
				end:   r.End,
			}
			byPath[path] = e
			order = append(order, path)
			continue
		}
		end := max(e.mod.Base+e.mod.Size, r.End)
		if r.Start < e.mod.Base {
			e.mod.Base, e.start, e.end = r.Start, r.Start, r.End
		}
		e.mod.Size = end - e.mod.Base
	}

	entries := make([]entry, 0, len(order))
	for _, p := range order {
		entries = append(entries, *byPath[p])
	}
	slices.SortFunc(entries, func(a, b entry) int { return cmp.Compare(a.mod.Base, b.mod.Base) })
	return entries
}

// splitName splits "libc.so.6" into "libc" and ".so.6".
func splitName(file string) (string, string) {
	if i := strings.IndexByte(file, '.'); i > 0 {
		return file[:i], file[i:]
	}
	return file, ""
}

// Load adds a module that is not backed by the process maps, replacing any
// module at the same base.
func (d *Directory) Load(m symbols.Module) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e := entry{mod: m, start: m.Base, end: m.Base + m.Size}
	i, ok := d.index(m.Base)
	if ok {
		closeSource(d.entries[i].mod.Source)
		d.entries[i] = e
		return
	}
	d.entries = slices.Insert(d.entries, i, e)
}

func (d *Directory) Unload(base uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index(base)
	if !ok {
		return false
	}
	closeSource(d.entries[i].mod.Source)
	d.entries = slices.Delete(d.entries, i, i+1)
	return true
}

// AttachSource replaces the symbol source of the module at base.
func (d *Directory) AttachSource(base uint64, src symbols.SymbolSource) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	i, ok := d.index(base)
	if !ok {
		return false
	}
	if old := d.entries[i].mod.Source; old != src {
		closeSource(old)
	}
	d.entries[i].mod.Source = src
	return true
}

// index returns the position of base in the sorted entries.
func (d *Directory) index(base uint64) (int, bool) {
	i := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].mod.Base >= base })
	return i, i < len(d.entries) && d.entries[i].mod.Base == base
}

// find returns the entry containing addr. Callers hold the lock.
func (d *Directory) find(addr uint64) *entry {
	i := sort.Search(len(d.entries), func(i int) bool { return d.entries[i].mod.Base > addr })
	if i == 0 {
		return nil
	}
	if e := &d.entries[i-1]; e.mod.Contains(addr) {
		return e
	}
	return nil
}

func (d *Directory) Modules() ([]symbols.Module, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]symbols.Module, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.mod
	}
	return out, nil
}

func (d *Directory) WithModule(addr uint64, fn func(m *symbols.Module)) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e := d.find(addr)
	if e == nil {
		return false
	}
	fn(&e.mod)
	return true
}

// ModuleName returns the name, without extension, of the module containing addr.
func (d *Directory) ModuleName(addr uint64) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e := d.find(addr); e != nil {
		return e.mod.Name, true
	}
	return "", false
}

func (d *Directory) EntryPoint(addr uint64) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if e := d.find(addr); e != nil {
		return e.mod.EntryPoint
	}
	return 0
}

// ImagePath returns a readable path to the image mapped at base. The
// map_files link survives the file being replaced or deleted on disk; the
// recorded path is used when the link cannot be read.
func (d *Directory) ImagePath(base uint64) (string, error) {
	d.mu.RLock()
	i, ok := d.index(base)
	var e entry
	if ok {
		e = d.entries[i]
	}
	d.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: 0x%x", symbols.ErrModuleNotFound, base)
	}

	link := fmt.Sprintf("/proc/%d/map_files/%x-%x", d.pid, e.start, e.end)
	buf := make([]byte, unix.PathMax)
	n, err := unix.Readlink(link, buf)
	if err == nil {
		target := string(buf[:n])
		if strings.HasSuffix(target, " (deleted)") {
			return link, nil
		}
		return target, nil
	}
	slog.Debug("Failed to read map_files link", "link", link, "error", err)
	if e.mod.Path == "" {
		return "", ErrImageUnavailable
	}
	if err := unix.Access(e.mod.Path, unix.R_OK); err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrImageUnavailable, e.mod.Path, err)
	}
	return e.mod.Path, nil
}

// Close releases the symbol sources of all modules.
func (d *Directory) Close() error {
	d.clear()
	return nil
}

func (d *Directory) clear() {
	d.mu.Lock()
	entries := d.entries
	d.entries = nil
	d.mu.Unlock()
	for _, e := range entries {
		closeSource(e.mod.Source)
	}
}

func closeSource(src symbols.SymbolSource) {
	c, ok := src.(io.Closer)
	if !ok {
		return
	}
	if err := c.Close(); err != nil {
		slog.Warn("Failed to close symbol source", "error", err)
	}
}
