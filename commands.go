package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/VladMinzatu/dbgsym/internal/elfsym"
	"github.com/VladMinzatu/dbgsym/internal/engine"
	"github.com/VladMinzatu/dbgsym/internal/exporter"
	"github.com/VladMinzatu/dbgsym/internal/labels"
	"github.com/VladMinzatu/dbgsym/internal/modules"
	"github.com/VladMinzatu/dbgsym/internal/notify"
	"github.com/VladMinzatu/dbgsym/internal/pprof"
	"github.com/VladMinzatu/dbgsym/internal/symbols"
	"github.com/VladMinzatu/dbgsym/internal/symstore"
	"github.com/VladMinzatu/dbgsym/internal/watcher"
)

// session holds the symbol state of the inspected process.
type session struct {
	dir      *modules.Directory
	engine   *engine.Engine
	labels   *labels.Store
	enum     *symbols.Enumerator
	resolver *symbols.Resolver
}

func newSession() (*session, error) {
	store := labels.NewStore()
	for _, l := range cfg.labels {
		addr, text, ok := strings.Cut(l, "=")
		if !ok {
			return nil, fmt.Errorf("invalid label %q, want ADDR=TEXT", l)
		}
		a, err := parseAddr(addr)
		if err != nil {
			return nil, err
		}
		store.Set(a, text)
	}
	for _, l := range store.All() {
		slog.Debug("User label", "addr", fmt.Sprintf("0x%x", l.Addr), "text", l.Text)
	}

	dir := modules.NewDirectory(cfg.pid, modules.NewProcMapsReader(cfg.pid), nil)

	opts := symbols.OptUndecorate
	if cfg.deferred {
		opts |= symbols.OptDeferredLoads
	}
	eng := engine.New(engine.Config{
		SearchPath:   cfg.searchPath,
		Options:      opts,
		CacheDir:     cfg.cacheDir,
		Fetcher:      symstore.NewClient(symstore.DefaultClientConfig()),
		Sink:         dir,
		DemangleMode: cfg.demangle,
	})

	if err := dir.Refresh(); err != nil {
		eng.Close()
		return nil, err
	}
	return &session{
		dir:      dir,
		engine:   eng,
		labels:   store,
		enum:     symbols.NewEnumerator(dir, elfsym.NewImportWalker(dir), eng),
		resolver: symbols.NewResolver(dir, eng, store),
	}, nil
}

func (s *session) Close() {
	s.engine.Close()
	s.dir.Close()
}

// load hands the modules to the engine. Modules whose image cannot be read
// are skipped.
func (s *session) load(ctx context.Context, mods []symbols.Module) {
	for _, m := range mods {
		if m.Path == "" {
			continue
		}
		err := withTimeout(ctx, func(ctx context.Context) error {
			return s.engine.LoadModule(ctx, m.Path, m.Base, m.Size)
		})
		if err != nil {
			slog.Warn("Failed to load module symbols", "module", m.FullName(), "error", err)
		}
	}
}

func (s *session) loadAll(ctx context.Context) ([]symbols.Module, error) {
	mods, err := s.dir.Modules()
	if err != nil {
		return nil, err
	}
	s.load(ctx, mods)
	return mods, nil
}

// loadContaining loads only the module addr falls in.
func (s *session) loadContaining(ctx context.Context, addr uint64) {
	var mod symbols.Module
	if s.dir.WithModule(addr, func(m *symbols.Module) { mod = *m }) {
		s.load(ctx, []symbols.Module{mod})
	}
}

func (s *session) symbolsOf(mods []symbols.Module) map[uint64][]symbols.Symbol {
	out := make(map[uint64][]symbols.Symbol, len(mods))
	for _, m := range mods {
		out[m.Base] = slices.Collect(s.enum.Symbols(m.Base))
	}
	return out
}

func withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if cfg.timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()
	return fn(ctx)
}

func parseAddr(s string) (uint64, error) {
	addr, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return addr, nil
}

func listModules(ctx context.Context) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if cfg.modules.otlp != "" {
		mods, err := s.loadAll(ctx)
		if err != nil {
			return err
		}
		now := func() uint64 { return uint64(time.Now().UnixNano()) }
		data := exporter.BuildOtlpModules(cfg.pid, mods, s.symbolsOf(mods), now)
		if err := exporter.WriteOtlp(data, cfg.modules.otlp); err != nil {
			return err
		}
		slog.Info("Wrote module symbols", "file", cfg.modules.otlp, "modules", len(mods))
	}

	if cfg.modules.watch == 0 {
		list, err := symbols.GetModuleList(s.dir)
		if err != nil {
			return err
		}
		return exporter.WriteModuleListing(os.Stdout, list, moduleSizes(s.dir))
	}
	return watchModules(ctx, s)
}

func watchModules(ctx context.Context, s *session) error {
	ch := notify.NewChannel(16)
	w, err := watcher.NewWatcher(cfg.modules.watch, s.dir, symbols.NewPublisher(s.dir, ch))
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	defer func() {
		w.Stop()
		ch.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case list, ok := <-ch.Updates():
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stdout, "# %s\n", time.Now().Format(time.RFC3339))
			if err := exporter.WriteModuleListing(os.Stdout, list, moduleSizes(s.dir)); err != nil {
				return err
			}
		}
	}
}

func moduleSizes(dir symbols.ModuleLister) map[uint64]uint64 {
	mods, err := dir.Modules()
	if err != nil {
		return nil
	}
	sizes := make(map[uint64]uint64, len(mods))
	for _, m := range mods {
		sizes[m.Base] = m.Size
	}
	return sizes
}

func listSymbols(ctx context.Context) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	mods, err := s.dir.Modules()
	if err != nil {
		return err
	}
	i := slices.IndexFunc(mods, func(m symbols.Module) bool {
		return strings.EqualFold(m.FullName(), cfg.symbols.module) || strings.EqualFold(m.Name, cfg.symbols.module)
	})
	if i < 0 {
		return fmt.Errorf("%w: %s", symbols.ErrModuleNotFound, cfg.symbols.module)
	}
	mod := mods[i : i+1]
	s.load(ctx, mod)

	byBase := s.symbolsOf(mod)
	if err := exporter.WriteSymbolListing(os.Stdout, byBase[mod[0].Base]); err != nil {
		return err
	}
	if cfg.symbols.pprof == "" {
		return nil
	}

	p, err := pprof.BuildSymbolProfile(mod, byBase, s.resolver.SourceLine, time.Now())
	if err != nil {
		return err
	}
	f, err := os.Create(cfg.symbols.pprof)
	if err != nil {
		return err
	}
	if err := pprof.WriteProfileGzip(p, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncSymbols(ctx context.Context) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	slog.Debug("Symbol search path", "path", symstore.FormatSearchPath(symstore.ParseSearchPath(cfg.searchPath)))
	sync := symbols.NewSynchronizer(s.dir, s.engine, s.dir, symbols.SyncConfig{
		CacheDir: cfg.cacheDir,
		Timeout:  cfg.timeout,
	})
	report, err := sync.DownloadAllSymbols(ctx, cfg.sync.store)
	if err != nil {
		return err
	}

	failed := 0
	for _, m := range report.Modules {
		status := m.SymType.String()
		if m.Err != nil {
			failed++
			status = "failed: " + m.Err.Error()
		}
		fmt.Fprintf(os.Stdout, "%016x %-32s %s\n", m.Base, m.Name, status)
	}
	if report.RestoreErr != nil {
		return fmt.Errorf("restoring symbol settings: %w", report.RestoreErr)
	}
	if failed > 0 {
		slog.Warn("Some modules have no symbols", "failed", failed, "modules", len(report.Modules))
	}
	return nil
}

func addressFromName(ctx context.Context) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.loadAll(ctx); err != nil {
		return err
	}
	addr, err := s.resolver.AddressFromName(cfg.addr.name)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "0x%x\n", addr)
	return nil
}

func symbolicName(ctx context.Context) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	addr, err := parseAddr(cfg.name.addr)
	if err != nil {
		return err
	}
	name := s.resolver.SymbolicName(addr)
	if name == "" {
		return fmt.Errorf("%w: 0x%x", symbols.ErrModuleNotFound, addr)
	}
	fmt.Fprintln(os.Stdout, name)
	return nil
}

func sourceLine(ctx context.Context) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.Close()

	addr, err := parseAddr(cfg.line.addr)
	if err != nil {
		return err
	}
	s.loadContaining(ctx, addr)
	line, err := s.resolver.SourceLine(addr)
	if errors.Is(err, symbols.ErrNoSymbolSource) && cfg.deferred {
		// deferred loads attach the source on first use
		if _, err := s.engine.ModuleInfo(ctx, moduleBase(s.dir, addr)); err != nil {
			return err
		}
		line, err = s.resolver.SourceLine(addr)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "%s:%d +0x%x\n", line.File, line.Line, line.Displacement)
	return nil
}

func moduleBase(dir symbols.ModuleDirectory, addr uint64) uint64 {
	var base uint64
	dir.WithModule(addr, func(m *symbols.Module) { base = m.Base })
	return base
}
