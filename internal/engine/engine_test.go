package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/VladMinzatu/dbgsym/internal/symbols"
)

const testBase = 0x10000000

type mockSink struct {
	mu       sync.Mutex
	attached map[uint64]symbols.SymbolSource
}

func (s *mockSink) AttachSource(base uint64, src symbols.SymbolSource) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attached == nil {
		s.attached = map[uint64]symbols.SymbolSource{}
	}
	s.attached[base] = src
	return true
}

func TestEngine_DeferredLoad(t *testing.T) {
	sink := &mockSink{}
	e := New(Config{Options: symbols.OptDeferredLoads, Sink: sink})
	bin := testBinary(t)

	if err := e.LoadModule(context.Background(), bin, testBase, 0); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if _, err := e.FromName(fixtureSymbol); !errors.Is(err, symbols.ErrSymbolNotFound) {
		t.Fatalf("deferred module searched by FromName: %v", err)
	}
	if len(sink.attached) != 0 {
		t.Fatal("deferred load attached a source")
	}

	info, err := e.ModuleInfo(context.Background(), testBase)
	if err != nil {
		t.Fatalf("ModuleInfo: %v", err)
	}
	if info.SymType != symbols.SymDebugInfo || info.DebugFile != bin || info.ImageName != bin || info.Base != testBase {
		t.Errorf("ModuleInfo() = %+v", info)
	}
	if sink.attached[testBase] == nil {
		t.Error("materialized source not attached")
	}

	addr, err := e.FromName(fixtureSymbol)
	if err != nil {
		t.Fatalf("FromName: %v", err)
	}
	if addr <= testBase {
		t.Errorf("FromName() = 0x%x, want an address above the base 0x%x", addr, testBase)
	}
}

func TestEngine_ImmediateLoad(t *testing.T) {
	e := New(Config{})
	if err := e.LoadModule(context.Background(), testBinary(t), testBase, 0); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if _, err := e.FromName(fixtureSymbol); err != nil {
		t.Errorf("FromName(%s) after immediate load: %v", fixtureSymbol, err)
	}
}

func TestEngine_QualifiedNames(t *testing.T) {
	bin := testBinary(t)
	e := New(Config{})
	if err := e.LoadModule(context.Background(), bin, testBase, 0); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	file := filepath.Base(bin)
	stem, _, _ := strings.Cut(file, ".")

	tests := []struct {
		name    string
		query   string
		wantErr bool
	}{
		{name: "unqualified", query: fixtureSymbol},
		{name: "file name", query: file + "!" + fixtureSymbol},
		{name: "stem any case", query: strings.ToUpper(stem) + "!" + fixtureSymbol},
		{name: "other module", query: "libc!" + fixtureSymbol, wantErr: true},
		{name: "unknown symbol", query: "no_such_symbol_here", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.FromName(tt.query)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromName(%q) error = %v, wantErr %v", tt.query, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, symbols.ErrSymbolNotFound) {
				t.Errorf("FromName(%q) error = %v, want ErrSymbolNotFound", tt.query, err)
			}
		})
	}
}

func TestEngine_UnloadModule(t *testing.T) {
	e := New(Config{})
	if err := e.UnloadModule(testBase); err != nil {
		t.Fatalf("unloading an unknown module: %v", err)
	}
	if err := e.LoadModule(context.Background(), testBinary(t), testBase, 0); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	if err := e.UnloadModule(testBase); err != nil {
		t.Fatalf("UnloadModule: %v", err)
	}
	if _, err := e.ModuleInfo(context.Background(), testBase); !errors.Is(err, ErrModuleNotLoaded) {
		t.Errorf("ModuleInfo after unload error = %v, want ErrModuleNotLoaded", err)
	}
}

func TestEngine_LoadMissingImage(t *testing.T) {
	e := New(Config{})
	err := e.LoadModule(context.Background(), filepath.Join(t.TempDir(), "gone"), testBase, 0)
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadModule(missing) error = %v, want ErrNotExist", err)
	}
}

func TestEngine_NotAnImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "text")
	if err := os.WriteFile(path, []byte("not elf"), 0o644); err != nil {
		t.Fatal(err)
	}
	e := New(Config{Options: symbols.OptDeferredLoads})
	if err := e.LoadModule(context.Background(), path, testBase, 0); err != nil {
		t.Fatalf("deferred LoadModule: %v", err)
	}
	if _, err := e.ModuleInfo(context.Background(), testBase); err == nil {
		t.Error("ModuleInfo succeeded for a non-ELF file")
	}
}

func TestEngine_SearchPathAndOptions(t *testing.T) {
	e := New(Config{SearchPath: "/usr/lib/debug", Options: symbols.OptUndecorate})

	if p, err := e.SearchPath(); err != nil || p != "/usr/lib/debug" {
		t.Fatalf("SearchPath() = %q, %v", p, err)
	}
	if err := e.SetSearchPath("SRV*/cache*https://store;/opt"); err != nil {
		t.Fatalf("SetSearchPath: %v", err)
	}
	if p, _ := e.SearchPath(); p != "SRV*/cache*https://store;/opt" {
		t.Errorf("SearchPath() = %q", p)
	}
	if err := e.SetSearchPath("SRV*"); !errors.Is(err, ErrInvalidSearchPath) {
		t.Errorf("SetSearchPath(SRV*) error = %v, want ErrInvalidSearchPath", err)
	}
	if err := e.SetSearchPath(""); err != nil {
		t.Errorf("SetSearchPath(\"\") error = %v", err)
	}

	if err := e.SetOptions(symbols.OptIgnoreEmbeddedDebug); err != nil {
		t.Fatalf("SetOptions: %v", err)
	}
	if got := e.Options(); got != symbols.OptIgnoreEmbeddedDebug {
		t.Errorf("Options() = %b", got)
	}
}

func TestEngine_Closed(t *testing.T) {
	e := New(Config{})
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := e.SearchPath(); !errors.Is(err, ErrClosed) {
		t.Errorf("SearchPath() error = %v, want ErrClosed", err)
	}
	if err := e.SetSearchPath("/x"); !errors.Is(err, ErrClosed) {
		t.Errorf("SetSearchPath() error = %v, want ErrClosed", err)
	}
	if err := e.LoadModule(context.Background(), testBinary(t), testBase, 0); !errors.Is(err, ErrClosed) {
		t.Errorf("LoadModule() error = %v, want ErrClosed", err)
	}
}

func TestEngine_Undecorate(t *testing.T) {
	tests := []struct {
		mode   string
		in     string
		want   string
		wantOK bool
	}{
		{mode: "full", in: "_Z3foov", want: "foo()", wantOK: true},
		{mode: "full", in: "_ZN3foo3barEi", want: "foo::bar(int)", wantOK: true},
		{mode: "simplified", in: "_ZN3foo3barEi", want: "foo::bar", wantOK: true},
		{mode: "full", in: "main", wantOK: false},
		{mode: "full", in: "runtime.main", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.mode+"/"+tt.in, func(t *testing.T) {
			got, ok := New(Config{DemangleMode: tt.mode}).Undecorate(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Undecorate(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestEngine_ConcurrentModuleInfo(t *testing.T) {
	e := New(Config{Options: symbols.OptDeferredLoads})
	if err := e.LoadModule(context.Background(), testBinary(t), testBase, 0); err != nil {
		t.Fatalf("LoadModule: %v", err)
	}
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := e.ModuleInfo(context.Background(), testBase)
			if err == nil && info.SymType != symbols.SymDebugInfo {
				err = errors.New("unexpected symbol type " + info.SymType.String())
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("ModuleInfo: %v", err)
		}
	}
}
