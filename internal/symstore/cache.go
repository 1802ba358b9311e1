package symstore

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Cache keeps downloaded debug files on disk under their store key.
type Cache struct {
	Dir string
}

// Lookup returns the cached file for key, if there is one.
func (c Cache) Lookup(key string) (string, bool) {
	path := filepath.Join(c.Dir, filepath.FromSlash(key))
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		return path, true
	}
	return "", false
}

// Store writes data under key. The file appears atomically, readers never
// observe a partial download.
func (c Cache) Store(key string, data []byte) (string, error) {
	path := filepath.Join(c.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating cache directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return "", fmt.Errorf("creating cache file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("writing cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("publishing cache file: %w", err)
	}
	slog.Debug("Cached debug file", "path", path, "size", len(data))
	return path, nil
}

// SymbolServerKey is the SSQP key of the debug file of an ELF image.
func SymbolServerKey(buildID string) string {
	return "_.debug/elf-buildid-sym-" + buildID + "/_.debug"
}

// DebuginfodKey is the debuginfod request path, also used as cache key.
func DebuginfodKey(buildID string) string {
	return "buildid/" + buildID + "/debuginfo"
}
