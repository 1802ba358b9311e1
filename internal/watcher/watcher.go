package watcher

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/VladMinzatu/dbgsym/internal/symbols"
)

type Directory interface {
	symbols.ModuleLister
	Refresh() error
}

type Publisher interface {
	PublishModuleList()
}

// Watcher refreshes a module directory on a fixed interval and publishes the
// module list whenever it changes.
type Watcher struct {
	interval  time.Duration
	dir       Directory
	publisher Publisher

	last []symbols.ModuleSnapshot

	started bool
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewWatcher(interval time.Duration, dir Directory, publisher Publisher) (*Watcher, error) {
	if interval <= 1*time.Millisecond {
		return nil, errors.New("invalid interval; must be > 1ms")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		interval:  interval,
		dir:       dir,
		publisher: publisher,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start publishes the current module list and keeps watching in the background.
func (w *Watcher) Start() error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("watcher already started")
	}
	if w.ctx.Err() != nil {
		w.mu.Unlock()
		return errors.New("watcher stopped")
	}
	w.started = true
	w.mu.Unlock()

	w.poll(true)

	w.wg.Add(1)
	go w.loop()
	return nil
}

func (w *Watcher) Stop() error {
	w.cancel()
	w.wg.Wait()

	w.mu.Lock()
	w.started = false
	w.mu.Unlock()
	return nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.poll(false)
		}
	}
}

// poll publishes when the module list changed, or always when forced. A
// failed refresh counts as an empty module list.
func (w *Watcher) poll(force bool) {
	var current []symbols.ModuleSnapshot
	if err := w.dir.Refresh(); err != nil {
		slog.Warn("Failed to refresh module directory", "error", err)
	} else if current, err = symbols.GetModuleList(w.dir); err != nil {
		slog.Warn("Failed to list modules", "error", err)
		current = nil
	}
	if !force && slices.Equal(current, w.last) {
		return
	}
	w.last = current
	slog.Debug("Module list changed", "modules", len(current))
	w.publisher.PublishModuleList()
}
