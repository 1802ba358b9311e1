package symbols

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type SyncConfig struct {
	// CacheDir is the local directory downloaded symbols are stored in.
	CacheDir string
	// Timeout bounds every engine call that may hit the network. Zero disables it.
	Timeout time.Duration
}

type ModuleResult struct {
	Base     uint64
	Name     string
	Loaded   bool
	SymType  SymType
	Attempts int
	Err      error
}

type SyncReport struct {
	Modules    []ModuleResult
	RestoreErr error
}

// Synchronizer reloads the symbols of every loaded module through the engine,
// trying the engine's own search path first and a symbol store second.
type Synchronizer struct {
	dir    ModuleLister
	engine Engine
	images ImagePathResolver
	cfg    SyncConfig

	mu sync.Mutex
}

func NewSynchronizer(dir ModuleLister, engine Engine, images ImagePathResolver, cfg SyncConfig) *Synchronizer {
	return &Synchronizer{dir: dir, engine: engine, images: images, cfg: cfg}
}

// StoreSearchPath builds the search path element that caches symbols from store in cacheDir.
func StoreSearchPath(cacheDir, store string) string {
	return fmt.Sprintf("SRV*%s*%s", cacheDir, store)
}

// DownloadAllSymbols forces a fresh load of debug information for every module.
// The engine's search path and options are restored before returning, whatever
// happened to individual modules.
func (s *Synchronizer) DownloadAllSymbols(ctx context.Context, store string) (*SyncReport, error) {
	if !s.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	defer s.mu.Unlock()

	if store == "" {
		store = DefaultSymbolStore
	}

	modules, err := GetModuleList(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing modules: %w", err)
	}
	report := &SyncReport{}
	if len(modules) == 0 {
		return report, nil
	}

	oldSearchPath, err := s.engine.SearchPath()
	if err != nil {
		slog.Error("Failed to read symbol search path", "error", err)
		return nil, fmt.Errorf("%w: %w", ErrSearchPathUnavailable, err)
	}
	oldOptions := s.engine.Options()
	if err := s.engine.SetOptions(oldOptions &^ OptIgnoreEmbeddedDebug); err != nil {
		slog.Warn("Failed to relax symbol options", "error", err)
	}

	candidates := []string{"", StoreSearchPath(s.cfg.CacheDir, store)}
	for _, m := range modules {
		report.Modules = append(report.Modules, s.syncModule(ctx, m, candidates))
	}

	report.RestoreErr = s.restore(oldSearchPath, oldOptions)
	return report, nil
}

func (s *Synchronizer) syncModule(ctx context.Context, m ModuleSnapshot, candidates []string) ModuleResult {
	res := ModuleResult{Base: m.Base, Name: m.Name}
	for _, searchPath := range candidates {
		if err := ctx.Err(); err != nil {
			res.Err = err
			return res
		}
		if err := s.engine.SetSearchPath(searchPath); err != nil {
			slog.Warn("Failed to set symbol search path", "path", searchPath, "module", m.Name, "error", err)
			res.Err = err
			continue
		}
		res.Attempts++
		slog.Info("Downloading symbols", "module", m.Name, "path", searchPath)

		imagePath, err := s.images.ImagePath(m.Base)
		if err != nil {
			slog.Warn("Failed to resolve module image path", "module", m.Name, "base", m.Base, "error", err)
			res.Err = err
			return res
		}
		if err := s.engine.UnloadModule(m.Base); err != nil {
			slog.Warn("Failed to unload module symbols", "module", m.Name, "base", m.Base, "error", err)
			res.Err = err
			return res
		}
		if err := s.withTimeout(ctx, func(ctx context.Context) error {
			return s.engine.LoadModule(ctx, imagePath, m.Base, 0)
		}); err != nil {
			slog.Warn("Failed to load module symbols", "module", m.Name, "base", m.Base, "error", err)
			res.Err = err
			return res
		}

		// loads may be deferred, asking for the module info materializes them
		var info ModuleInfo
		if err := s.withTimeout(ctx, func(ctx context.Context) (err error) {
			info, err = s.engine.ModuleInfo(ctx, m.Base)
			return err
		}); err != nil {
			slog.Warn("Failed to query module symbols", "module", m.Name, "base", m.Base, "error", err)
			res.Err = err
			continue
		}
		res.SymType = info.SymType
		if info.SymType == SymDebugInfo {
			res.Loaded = true
			res.Err = nil
			return res
		}
		res.Err = fmt.Errorf("no debug information for %s (symbols: %s)", m.Name, info.SymType)
	}
	return res
}

func (s *Synchronizer) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	if s.cfg.Timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return fn(ctx)
}

func (s *Synchronizer) restore(searchPath string, opts Options) error {
	var errs []error
	if err := s.engine.SetOptions(opts); err != nil {
		slog.Error("Failed to restore symbol options", "error", err)
		errs = append(errs, fmt.Errorf("restoring options: %w", err))
	}
	if err := s.engine.SetSearchPath(searchPath); err != nil {
		slog.Error("Failed to restore symbol search path", "path", searchPath, "error", err)
		errs = append(errs, fmt.Errorf("restoring search path: %w", err))
	}
	return errors.Join(errs...)
}
