package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/ianlancetaylor/demangle"

	"github.com/VladMinzatu/dbgsym/internal/elfsym"
	"github.com/VladMinzatu/dbgsym/internal/symbols"
	"github.com/VladMinzatu/dbgsym/internal/symstore"
)

var (
	ErrClosed            = errors.New("symbol engine closed")
	ErrModuleNotLoaded   = errors.New("module not loaded in symbol engine")
	ErrInvalidSearchPath = errors.New("invalid search path")
)

// DefaultDebugDirs are searched when the search path is empty.
var DefaultDebugDirs = []string{"/usr/lib/debug"}

// SourceSink receives the symbol source of every module the engine loads.
type SourceSink interface {
	AttachSource(base uint64, src symbols.SymbolSource) bool
}

type Config struct {
	SearchPath string
	Options    symbols.Options
	// DefaultDirs replace DefaultDebugDirs when set.
	DefaultDirs []string
	// CacheDir receives downloads from stores declared without a cache.
	CacheDir string
	// Fetcher downloads from symbol stores. Stores are skipped when nil.
	Fetcher symstore.Fetcher
	Sink    SourceSink
	// DemangleMode is one of "full", "templates" or "simplified".
	DemangleMode string
}

type module struct {
	base, size uint64
	image      string
	file       string
	deferred   bool
	info       symbols.ModuleInfo
	src        *elfsym.Source
	names      map[string]uint64
}

// Engine loads module symbols from images and separate debug files found
// through its search path. The search path and options are shared by every
// caller.
type Engine struct {
	cfg      Config
	locator  *symstore.Locator
	demangle []demangle.Option

	mu         sync.Mutex
	closed     bool
	searchPath string
	options    symbols.Options
	modules    map[uint64]*module
}

var (
	_ symbols.Engine      = (*Engine)(nil)
	_ symbols.Undecorator = (*Engine)(nil)
)

func New(cfg Config) *Engine {
	if cfg.DefaultDirs == nil {
		cfg.DefaultDirs = DefaultDebugDirs
	}
	return &Engine{
		cfg:        cfg,
		locator:    symstore.NewLocator(cfg.Fetcher, cfg.CacheDir),
		demangle:   DemangleOptions(cfg.DemangleMode),
		searchPath: cfg.SearchPath,
		options:    cfg.Options,
		modules:    make(map[uint64]*module),
	}
}

func (e *Engine) SearchPath() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", ErrClosed
	}
	return e.searchPath, nil
}

func (e *Engine) SetSearchPath(path string) error {
	for _, elem := range symstore.ParseSearchPath(path) {
		if elem.Kind != symstore.KindDir && elem.URL == "" {
			return fmt.Errorf("%w: %q has no store url", ErrInvalidSearchPath, elem.String())
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	slog.Debug("Setting symbol search path", "path", path)
	e.searchPath = path
	return nil
}

func (e *Engine) Options() symbols.Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.options
}

func (e *Engine) SetOptions(opts symbols.Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.options = opts
	return nil
}

// LoadModule registers the image mapped at base. With OptDeferredLoads the
// symbols are read on first use, otherwise right away.
func (e *Engine) LoadModule(ctx context.Context, imagePath string, base, size uint64) error {
	if _, err := os.Stat(imagePath); err != nil {
		return fmt.Errorf("loading %s: %w", imagePath, err)
	}
	m := &module{
		base:     base,
		size:     size,
		image:    imagePath,
		file:     filepath.Base(imagePath),
		deferred: true,
		info:     symbols.ModuleInfo{Base: base, Size: size, ImageName: imagePath, SymType: symbols.SymDeferred},
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if old, ok := e.modules[base]; ok {
		closeModule(old)
	}
	e.modules[base] = m
	deferred := e.options&symbols.OptDeferredLoads != 0
	e.mu.Unlock()

	slog.Debug("Loaded module", "image", imagePath, "base", base, "deferred", deferred)
	if deferred {
		return nil
	}
	_, err := e.ModuleInfo(ctx, base)
	return err
}

// UnloadModule drops the symbols of the module at base. Unloading a module that
// was never loaded is not an error.
func (e *Engine) UnloadModule(base uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if m, ok := e.modules[base]; ok {
		closeModule(m)
		delete(e.modules, base)
	}
	return nil
}

// ModuleInfo describes the symbols of a loaded module, reading them first if
// the load was deferred.
func (e *Engine) ModuleInfo(ctx context.Context, base uint64) (symbols.ModuleInfo, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return symbols.ModuleInfo{}, ErrClosed
	}
	m, ok := e.modules[base]
	if !ok {
		e.mu.Unlock()
		return symbols.ModuleInfo{}, fmt.Errorf("%w: 0x%x", ErrModuleNotLoaded, base)
	}
	if !m.deferred {
		info := m.info
		e.mu.Unlock()
		return info, nil
	}
	searchPath, opts := e.searchPath, e.options
	e.mu.Unlock()

	loaded, err := e.materialize(ctx, m, searchPath, opts)
	if err != nil {
		return symbols.ModuleInfo{}, err
	}

	e.mu.Lock()
	if cur, ok := e.modules[base]; !ok || cur != m {
		// a concurrent call finished first, or the module went away
		var info symbols.ModuleInfo
		found := ok && !cur.deferred && cur.image == m.image
		if found {
			info = cur.info
		}
		e.mu.Unlock()
		closeModule(loaded)
		if found {
			return info, nil
		}
		return symbols.ModuleInfo{}, fmt.Errorf("%w: 0x%x", ErrModuleNotLoaded, base)
	}
	e.modules[base] = loaded
	e.mu.Unlock()

	if e.cfg.Sink != nil && loaded.src != nil {
		e.cfg.Sink.AttachSource(base, loaded.src)
	}
	return loaded.info, nil
}

// materialize reads the symbols of m into a new module value. It does not
// touch the engine state and runs without the lock.
func (e *Engine) materialize(ctx context.Context, m *module, searchPath string, opts symbols.Options) (*module, error) {
	img, err := elfsym.Inspect(m.image)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", m.image, err)
	}

	out := *m
	out.deferred = false
	out.info.SymType = symbols.SymNone

	symbolFile := m.image
	if img.HasDWARF {
		out.info.SymType = symbols.SymDebugInfo
		out.info.DebugFile = m.image
	} else if opts&symbols.OptIgnoreEmbeddedDebug == 0 && (img.BuildID != "" || img.DebugLink != "") {
		debugFile, err := e.locateDebugFile(ctx, searchPath, img)
		if err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err == nil {
			if dbg, err := elfsym.Inspect(debugFile); err == nil && dbg.HasDWARF {
				out.info.SymType = symbols.SymDebugInfo
				out.info.DebugFile = debugFile
				symbolFile = debugFile
			}
		}
	}
	if out.info.SymType == symbols.SymNone && (img.HasSymtab || img.HasDynsym) {
		out.info.SymType = symbols.SymExport
	}
	if out.info.SymType == symbols.SymNone {
		slog.Info("No symbols for module", "image", m.image)
		return &out, nil
	}

	var srcOpts []elfsym.Option
	if opts&symbols.OptUndecorate != 0 {
		srcOpts = append(srcOpts, elfsym.WithUndecorator(e))
	}
	src, err := elfsym.Open(symbolFile, srcOpts...)
	if err != nil {
		return nil, fmt.Errorf("reading symbols of %s: %w", m.image, err)
	}
	out.src = src
	out.names = make(map[string]uint64, src.Len())
	src.EnumSymbols(func(s symbols.IndexedSymbol) bool {
		if _, ok := out.names[s.Decorated]; !ok {
			out.names[s.Decorated] = m.base + s.RVA
		}
		if s.Undecorated != "" {
			if _, ok := out.names[s.Undecorated]; !ok {
				out.names[s.Undecorated] = m.base + s.RVA
			}
		}
		return true
	})
	slog.Info("Loaded module symbols", "image", m.image, "symbols", out.info.SymType, "file", symbolFile)
	return &out, nil
}

func (e *Engine) locateDebugFile(ctx context.Context, searchPath string, img *elfsym.Image) (string, error) {
	elems := symstore.ParseSearchPath(searchPath)
	if len(elems) == 0 {
		for _, d := range e.cfg.DefaultDirs {
			elems = append(elems, symstore.Element{Kind: symstore.KindDir, Dir: d})
		}
	}
	return e.locator.Locate(ctx, elems, symstore.Request{
		ImagePath: img.Path,
		BuildID:   img.BuildID,
		DebugLink: img.DebugLink,
	})
}

// FromName resolves "name" or "module!name" against the loaded modules,
// lowest base first. Deferred modules are not searched.
func (e *Engine) FromName(name string) (uint64, error) {
	mod, sym, qualified := strings.Cut(name, "!")
	if !qualified {
		mod, sym = "", name
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, ErrClosed
	}
	loaded := make([]*module, 0, len(e.modules))
	for _, m := range e.modules {
		loaded = append(loaded, m)
	}
	slices.SortFunc(loaded, func(a, b *module) int { return cmp.Compare(a.base, b.base) })
	for _, m := range loaded {
		if m.names == nil || (mod != "" && !m.matches(mod)) {
			continue
		}
		if addr, ok := m.names[sym]; ok {
			return addr, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", symbols.ErrSymbolNotFound, name)
}

func (m *module) matches(name string) bool {
	if strings.EqualFold(name, m.file) {
		return true
	}
	stem, _, _ := strings.Cut(m.file, ".")
	return strings.EqualFold(name, stem)
}

// Close releases every loaded module.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.modules {
		closeModule(m)
	}
	e.modules = nil
	e.closed = true
	return nil
}

func closeModule(m *module) {
	if m.src != nil {
		m.src.Close()
	}
}
