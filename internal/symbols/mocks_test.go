package symbols

import (
	"context"
	"errors"
	"strings"
	"sync"
)

type mockSource struct {
	open    bool
	symbols []IndexedSymbol
	lines   map[uint64]LineInfo
}

func (m *mockSource) IsOpen() bool { return m.open }

func (m *mockSource) EnumSymbols(visit func(IndexedSymbol) bool) bool {
	for _, s := range m.symbols {
		if !visit(s) {
			return false
		}
	}
	return true
}

func (m *mockSource) FindSourceLine(rva uint64) (LineInfo, bool) {
	l, ok := m.lines[rva]
	return l, ok
}

type mockDirectory struct {
	mu       sync.RWMutex
	modules  []Module
	err      error
	viewHeld bool
}

func (d *mockDirectory) find(addr uint64) *Module {
	for i := range d.modules {
		if d.modules[i].Contains(addr) {
			return &d.modules[i]
		}
	}
	return nil
}

func (d *mockDirectory) WithModule(addr uint64, fn func(*Module)) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m := d.find(addr)
	if m == nil {
		return false
	}
	d.viewHeld = true
	fn(m)
	d.viewHeld = false
	return true
}

func (d *mockDirectory) ModuleName(addr uint64) (string, bool) {
	if m := d.find(addr); m != nil {
		return m.Name, true
	}
	return "", false
}

func (d *mockDirectory) EntryPoint(addr uint64) uint64 {
	if m := d.find(addr); m != nil {
		return m.EntryPoint
	}
	return 0
}

func (d *mockDirectory) Modules() ([]Module, error) {
	if d.err != nil {
		return nil, d.err
	}
	return append([]Module(nil), d.modules...), nil
}

type mockImports struct {
	imports   map[uint64][]Import
	dir       *mockDirectory
	underLock bool
}

func (m *mockImports) Imports(base uint64, visit func(Import) bool) {
	if m.dir != nil && m.dir.viewHeld {
		m.underLock = true
	}
	for _, imp := range m.imports[base] {
		if !visit(imp) {
			return
		}
	}
}

type mockUndecorator struct {
	names map[string]string
	calls int
}

func (m *mockUndecorator) Undecorate(name string) (string, bool) {
	m.calls++
	s, ok := m.names[name]
	return s, ok
}

type mockLabels map[uint64]string

func (m mockLabels) LabelAt(addr uint64) (string, bool) {
	l, ok := m[addr]
	return l, ok
}

type mockNotifier struct {
	calls   int
	modules []ModuleSnapshot
}

func (m *mockNotifier) UpdateModuleList(modules []ModuleSnapshot) {
	m.calls++
	m.modules = modules
}

type mockImagePaths struct {
	paths map[uint64]string
}

func (m *mockImagePaths) ImagePath(base uint64) (string, error) {
	if p, ok := m.paths[base]; ok {
		return p, nil
	}
	return "", errors.New("no image for base")
}

type loadCall struct {
	path       string
	base       uint64
	searchPath string
	hasTimeout bool
}

// mockEngine records the global state it is driven through. symTypes maps an
// image path and search path to the resulting symbol type.
type mockEngine struct {
	mu sync.Mutex

	searchPath    string
	searchPathErr error
	setPathErr    map[string]error
	options       Options
	optionsSeen   []Options
	pathsSeen     []string

	loaded      map[uint64]string
	symTypes    map[string]map[string]SymType
	unloadErr   error
	loadErr     error
	infoErr     error
	loads       []loadCall
	names       map[string]uint64
	lookupCalls int
	block       chan struct{}
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		loaded:   map[uint64]string{},
		symTypes: map[string]map[string]SymType{},
		names:    map[string]uint64{},
	}
}

func (e *mockEngine) FromName(name string) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lookupCalls++
	if addr, ok := e.names[name]; ok {
		return addr, nil
	}
	if _, sym, ok := strings.Cut(name, "!"); ok {
		if addr, ok := e.names[sym]; ok {
			return addr, nil
		}
	}
	return 0, errors.New("not found")
}

func (e *mockEngine) LoadModule(ctx context.Context, imagePath string, base, size uint64) error {
	if e.block != nil {
		<-e.block
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, hasDeadline := ctx.Deadline()
	e.loads = append(e.loads, loadCall{path: imagePath, base: base, searchPath: e.searchPath, hasTimeout: hasDeadline})
	if e.loadErr != nil {
		return e.loadErr
	}
	e.loaded[base] = imagePath
	return nil
}

func (e *mockEngine) UnloadModule(base uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unloadErr != nil {
		return e.unloadErr
	}
	delete(e.loaded, base)
	return nil
}

func (e *mockEngine) ModuleInfo(ctx context.Context, base uint64) (ModuleInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.infoErr != nil {
		return ModuleInfo{}, e.infoErr
	}
	path, ok := e.loaded[base]
	if !ok {
		return ModuleInfo{}, errors.New("module not loaded")
	}
	return ModuleInfo{Base: base, ImageName: path, SymType: e.symTypes[path][e.searchPath]}, nil
}

func (e *mockEngine) SearchPath() (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.searchPathErr != nil {
		return "", e.searchPathErr
	}
	return e.searchPath, nil
}

func (e *mockEngine) SetSearchPath(path string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.setPathErr[path]; err != nil {
		return err
	}
	e.searchPath = path
	e.pathsSeen = append(e.pathsSeen, path)
	return nil
}

func (e *mockEngine) Options() Options {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.options
}

func (e *mockEngine) SetOptions(opts Options) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.options = opts
	e.optionsSeen = append(e.optionsSeen, opts)
	return nil
}
