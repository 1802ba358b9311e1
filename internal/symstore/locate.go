package symstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Request names the debug file of one image.
type Request struct {
	// ImagePath is the path of the stripped image on disk.
	ImagePath string
	BuildID   string
	DebugLink string
}

// Fetcher downloads a debug file from a symbol store element.
type Fetcher interface {
	Fetch(ctx context.Context, elem Element, buildID string) ([]byte, error)
}

// Locator walks a search path looking for the separate debug file of an image.
type Locator struct {
	fetcher Fetcher
	// DefaultCache receives downloads from stores declared without a cache.
	DefaultCache string
}

func NewLocator(fetcher Fetcher, defaultCache string) *Locator {
	return &Locator{fetcher: fetcher, DefaultCache: defaultCache}
}

// Locate returns the first debug file found for req, trying the elements in
// order. Store elements are only consulted for requests with a build id.
func (l *Locator) Locate(ctx context.Context, elems []Element, req Request) (string, error) {
	var errs []error
	for _, e := range elems {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		var (
			path string
			err  error
		)
		switch e.Kind {
		case KindDir:
			path, err = searchDir(e.Dir, req)
		default:
			path, err = l.fromStore(ctx, e, req)
		}
		if err == nil {
			slog.Debug("Located debug file", "image", req.ImagePath, "debug", path, "element", e.String())
			return path, nil
		}
		if !errors.Is(err, ErrNotFound) {
			slog.Warn("Failed to search for debug file", "image", req.ImagePath, "element", e.String(), "error", err)
			errs = append(errs, err)
		}
	}
	return "", errors.Join(append([]error{fmt.Errorf("%w for %s", ErrNotFound, req.ImagePath)}, errs...)...)
}

// searchDir looks in dir the way gdb does: by build id first, then by debug
// link next to the image's own directory layout.
func searchDir(dir string, req Request) (string, error) {
	var candidates []string
	if len(req.BuildID) > 2 {
		candidates = append(candidates, filepath.Join(dir, ".build-id", req.BuildID[:2], req.BuildID[2:]+".debug"))
	}
	if req.DebugLink != "" {
		candidates = append(candidates,
			filepath.Join(dir, req.DebugLink),
			filepath.Join(dir, filepath.Dir(req.ImagePath), req.DebugLink),
		)
	}
	for _, c := range candidates {
		if c == req.ImagePath {
			continue
		}
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
			return c, nil
		}
	}
	return "", ErrNotFound
}

func (l *Locator) fromStore(ctx context.Context, e Element, req Request) (string, error) {
	if req.BuildID == "" {
		return "", ErrNotFound
	}
	key := SymbolServerKey(req.BuildID)
	if e.Kind == KindDebuginfod {
		key = DebuginfodKey(req.BuildID)
	}
	cache := Cache{Dir: e.Cache}
	if cache.Dir == "" {
		cache.Dir = l.DefaultCache
	}
	if cache.Dir != "" {
		if path, ok := cache.Lookup(key); ok {
			return path, nil
		}
	}
	if l.fetcher == nil {
		return "", ErrNotFound
	}
	data, err := l.fetcher.Fetch(ctx, e, req.BuildID)
	if err != nil {
		return "", err
	}
	if cache.Dir == "" {
		return "", fmt.Errorf("no cache directory for %s", e)
	}
	return cache.Store(key, data)
}
