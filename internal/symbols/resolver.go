package symbols

import (
	"fmt"
	"log/slog"
)

type Resolver struct {
	dir         ModuleDirectory
	engine      NameLookup
	labels      LabelStore
	pointerSize int
}

type ResolverOption func(*Resolver)

// WithPointerSize sets the width, in bytes, used to format addresses.
func WithPointerSize(size int) ResolverOption {
	return func(r *Resolver) {
		r.pointerSize = size
	}
}

func NewResolver(dir ModuleDirectory, engine NameLookup, labels LabelStore, opts ...ResolverOption) *Resolver {
	r := &Resolver{dir: dir, engine: engine, labels: labels, pointerSize: 8}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddressFromName resolves a symbol name through the engine. Names that are
// empty, too long or ordinal placeholders are rejected without asking the engine.
func (r *Resolver) AddressFromName(name string) (uint64, error) {
	if name == "" || len(name) > MaxSymbolName || hasOrdinalPrefix(name) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	addr, err := r.engine.FromName(name)
	if err != nil {
		slog.Debug("Engine name lookup failed", "name", name, "error", err)
		return 0, fmt.Errorf("%w: %s", ErrSymbolNotFound, name)
	}
	return addr, nil
}

// SymbolicName formats addr as [module.]label. User labels win over
// everything else; without a label only the module and address are shown.
func (r *Resolver) SymbolicName(addr uint64) string {
	module, hasModule := r.dir.ModuleName(addr)
	label, hasLabel := r.labelAt(addr)
	switch {
	case hasLabel && hasModule:
		return fmt.Sprintf("<%s.%s>", module, label)
	case hasLabel:
		return fmt.Sprintf("<%s>", label)
	case hasModule:
		return fmt.Sprintf("%s.0x%0*X", module, r.pointerSize*2, addr)
	default:
		return ""
	}
}

func (r *Resolver) labelAt(addr uint64) (string, bool) {
	if r.labels == nil {
		return "", false
	}
	label, ok := r.labels.LabelAt(addr)
	if !ok || label == "" {
		return "", false
	}
	return label, true
}

// SourceLine maps addr to a file and line using the owning module's symbol source.
func (r *Resolver) SourceLine(addr uint64) (SourceLine, error) {
	var (
		line     LineInfo
		ok       bool
		noSource bool
	)
	found := r.dir.WithModule(addr, func(m *Module) {
		if m.Source == nil || !m.Source.IsOpen() {
			noSource = true
			return
		}
		line, ok = m.Source.FindSourceLine(addr - m.Base)
	})
	switch {
	case !found:
		return SourceLine{}, fmt.Errorf("%w: 0x%x", ErrModuleNotFound, addr)
	case noSource:
		return SourceLine{}, fmt.Errorf("%w: 0x%x", ErrNoSymbolSource, addr)
	case !ok:
		return SourceLine{}, fmt.Errorf("%w: 0x%x", ErrLineNotFound, addr)
	}
	line.File = truncate(line.File, MaxStringSize)
	return SourceLine{LineInfo: line}, nil
}
