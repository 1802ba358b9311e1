package symbols

import (
	"iter"
	"log/slog"
)

// Enumerator merges the indexed symbols of a module, its entry point and its
// import table into a single ordered stream.
type Enumerator struct {
	dir         ModuleDirectory
	imports     ImportWalker
	undecorator Undecorator
}

func NewEnumerator(dir ModuleDirectory, imports ImportWalker, undecorator Undecorator) *Enumerator {
	return &Enumerator{dir: dir, imports: imports, undecorator: undecorator}
}

// EnumerateSymbols calls visit for every symbol of the module at base: indexed
// symbols first, then the entry point, then imports. Returning false from visit
// ends the pass it was called from; the entry point and import passes always run.
func (e *Enumerator) EnumerateSymbols(base uint64, visit func(Symbol) bool) {
	e.indexed(base, visit)
	e.entryPoint(base, visit)
	e.importTable(base, visit)
}

// Symbols returns the same sequence as EnumerateSymbols. Stopping the iteration
// stops all passes.
func (e *Enumerator) Symbols(base uint64) iter.Seq[Symbol] {
	return func(yield func(Symbol) bool) {
		if !e.indexed(base, yield) {
			return
		}
		if !e.entryPoint(base, yield) {
			return
		}
		e.importTable(base, yield)
	}
}

func (e *Enumerator) indexed(base uint64, visit func(Symbol) bool) bool {
	completed := true
	found := e.dir.WithModule(base, func(m *Module) {
		if m.Source == nil || !m.Source.IsOpen() {
			return
		}
		m.Source.EnumSymbols(func(info IndexedSymbol) bool {
			sym, ok := e.fromIndexed(base, info)
			if !ok {
				return true
			}
			if !visit(sym) {
				completed = false
				return false
			}
			return true
		})
	})
	if !found {
		slog.Debug("No module for symbol enumeration", "base", base)
	}
	return completed
}

func (e *Enumerator) fromIndexed(base uint64, info IndexedSymbol) (Symbol, bool) {
	sym := Symbol{
		Addr:        base + info.RVA,
		Decorated:   truncate(info.Decorated, MaxSymbolName),
		Undecorated: truncate(info.Undecorated, MaxSymbolName),
	}
	if isOrdinalPlaceholder(sym.Decorated) && sym.Addr == base {
		return Symbol{}, false
	}
	if sym.Undecorated == "" && sym.Decorated != "" {
		sym.Undecorated = e.undecorate(sym.Decorated)
	}
	if sym.Decorated == "" {
		sym.Decorated, sym.Undecorated = sym.Undecorated, ""
	}
	if sym.Decorated == "" {
		return Symbol{}, false
	}
	if sym.Decorated == sym.Undecorated {
		sym.Undecorated = ""
	}
	sym.Imported = isImportThunkName(sym.Decorated)
	return sym, true
}

func (e *Enumerator) entryPoint(base uint64, visit func(Symbol) bool) bool {
	addr := e.dir.EntryPoint(base)
	if addr == 0 {
		return true
	}
	return visit(Symbol{Addr: addr, Decorated: EntryPointSymbol})
}

func (e *Enumerator) importTable(base uint64, visit func(Symbol) bool) bool {
	if e.imports == nil {
		return true
	}
	completed := true
	e.imports.Imports(base, func(imp Import) bool {
		if imp.Name == "" {
			return true
		}
		sym := Symbol{
			Addr:      imp.Addr,
			Decorated: truncate(imp.Name, MaxSymbolName),
			Imported:  true,
		}
		if undecorated := e.undecorate(sym.Decorated); undecorated != sym.Decorated {
			sym.Undecorated = undecorated
		}
		if !visit(sym) {
			completed = false
			return false
		}
		return true
	})
	return completed
}

// undecorate returns "" when the name cannot be demangled.
func (e *Enumerator) undecorate(name string) string {
	if e.undecorator == nil {
		return ""
	}
	undecorated, ok := e.undecorator.Undecorate(name)
	if !ok {
		return ""
	}
	return truncate(undecorated, MaxSymbolName)
}
