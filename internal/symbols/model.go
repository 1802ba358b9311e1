package symbols

import "context"

const (
	MaxSymbolName = 2000
	MaxModuleSize = 256
	MaxStringSize = 512
)

// EntryPointSymbol is the decorated name of the synthetic entry point symbol.
const EntryPointSymbol = "OptionalHeader.AddressOfEntryPoint"

// DefaultSymbolStore is used when DownloadAllSymbols is called without a store.
const DefaultSymbolStore = "https://msdl.microsoft.com/download/symbols"

type Module struct {
	Base, Size uint64
	Name       string
	Extension  string
	EntryPoint uint64
	Path       string
	Source     SymbolSource
}

func (m *Module) FullName() string {
	return m.Name + m.Extension
}

func (m *Module) Contains(addr uint64) bool {
	return addr >= m.Base && addr < m.Base+m.Size
}

// Symbol is a single enumerated program location. Undecorated is empty when the
// decorated name has no distinct human readable form.
type Symbol struct {
	Addr        uint64
	Decorated   string
	Undecorated string
	Imported    bool
}

// Name returns the undecorated name when there is one.
func (s Symbol) Name() string {
	if s.Undecorated != "" {
		return s.Undecorated
	}
	return s.Decorated
}

type IndexedSymbol struct {
	RVA         uint64
	Decorated   string
	Undecorated string
}

type Import struct {
	Base, Addr uint64
	Name       string
	Module     string
}

type LineInfo struct {
	File string
	Line int
}

type SourceLine struct {
	LineInfo
	Displacement uint64
}

type ModuleSnapshot struct {
	Base uint64
	Name string
}

type SymType int

const (
	SymNone SymType = iota
	SymDeferred
	SymExport
	SymDebugInfo
)

func (t SymType) String() string {
	switch t {
	case SymDeferred:
		return "deferred"
	case SymExport:
		return "export"
	case SymDebugInfo:
		return "debuginfo"
	default:
		return "none"
	}
}

type ModuleInfo struct {
	Base      uint64
	Size      uint64
	ImageName string
	DebugFile string
	SymType   SymType
}

type Options uint32

const (
	OptUndecorate Options = 1 << iota
	OptDeferredLoads
	// OptIgnoreEmbeddedDebug stops the engine from following the debug record
	// (build id, debug link) embedded in an image.
	OptIgnoreEmbeddedDebug
)

type SymbolSource interface {
	IsOpen() bool
	EnumSymbols(visit func(IndexedSymbol) bool) bool
	FindSourceLine(rva uint64) (LineInfo, bool)
}

type ModuleLister interface {
	Modules() ([]Module, error)
}

// ModuleDirectory is the authoritative table of loaded modules. WithModule calls
// fn while holding the directory's read lock; fn must not retain the pointer.
type ModuleDirectory interface {
	ModuleLister
	WithModule(addr uint64, fn func(m *Module)) bool
	// ModuleName returns the module name without its extension.
	ModuleName(addr uint64) (string, bool)
	EntryPoint(addr uint64) uint64
}

type NameLookup interface {
	FromName(name string) (uint64, error)
}

// Engine is the shared, stateful platform symbol engine. Search path and options
// are global to every consumer of the engine.
type Engine interface {
	NameLookup
	LoadModule(ctx context.Context, imagePath string, base, size uint64) error
	UnloadModule(base uint64) error
	ModuleInfo(ctx context.Context, base uint64) (ModuleInfo, error)
	SearchPath() (string, error)
	SetSearchPath(path string) error
	Options() Options
	SetOptions(opts Options) error
}

type Undecorator interface {
	Undecorate(name string) (string, bool)
}

type ImportWalker interface {
	Imports(base uint64, visit func(Import) bool)
}

type ImagePathResolver interface {
	ImagePath(base uint64) (string, error)
}

type LabelStore interface {
	LabelAt(addr uint64) (string, bool)
}

type Notifier interface {
	UpdateModuleList(modules []ModuleSnapshot)
}
