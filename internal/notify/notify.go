package notify

import (
	"log/slog"
	"sync"

	"github.com/VladMinzatu/dbgsym/internal/symbols"
)

// Channel delivers module list updates to a single consumer. Updates are
// dropped when the consumer is not keeping up.
type Channel struct {
	mu     sync.Mutex
	closed bool
	ch     chan []symbols.ModuleSnapshot
}

func NewChannel(buffer int) *Channel {
	return &Channel{ch: make(chan []symbols.ModuleSnapshot, buffer)}
}

func (c *Channel) Updates() <-chan []symbols.ModuleSnapshot { return c.ch }

func (c *Channel) UpdateModuleList(modules []symbols.ModuleSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.ch <- modules:
	default:
		slog.Warn("consumer wasn't ready, module list update dropped", "modules", len(modules))
	}
}

func (c *Channel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}
