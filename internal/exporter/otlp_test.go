package exporter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/VladMinzatu/dbgsym/internal/symbols"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	"google.golang.org/protobuf/proto"
)

func mustMarshal(t *testing.T, m proto.Message) []byte {
	t.Helper()
	b, err := proto.Marshal(m)
	if err != nil {
		t.Fatalf("failed to marshal proto: %v", err)
	}
	return b
}

func testModules() ([]symbols.Module, map[uint64][]symbols.Symbol) {
	modules := []symbols.Module{
		{Base: 0x400000, Size: 0x1000, Name: "app", Path: "/usr/bin/app"},
		{Base: 0x7f0000000000, Size: 0x2000, Name: "libc", Extension: ".so.6"},
	}
	syms := map[uint64][]symbols.Symbol{
		0x400000: {
			{Addr: 0x400100, Decorated: "_Z3foov", Undecorated: "foo()"},
			{Addr: 0x400200, Decorated: "main"},
		},
		0x7f0000000000: {
			{Addr: 0x7f0000000100, Decorated: "main"},
		},
	}
	return modules, syms
}

func TestBuildOtlpModules(t *testing.T) {
	modules, syms := testModules()
	got := BuildOtlpModules(42, modules, syms, func() uint64 { return 9999 })

	dict := got.Dictionary
	expectedStringTable := []string{"", "symbols", "count", "/usr/bin/app", "foo()", "_Z3foov", "main", "libc.so.6"}
	if len(dict.StringTable) != len(expectedStringTable) {
		t.Fatalf("string table = %q, want %q", dict.StringTable, expectedStringTable)
	}
	for i := range expectedStringTable {
		if dict.StringTable[i] != expectedStringTable[i] {
			t.Fatalf("string table = %q, want %q", dict.StringTable, expectedStringTable)
		}
	}

	expectedMappingTable := []*profilespb.Mapping{
		{},
		{MemoryStart: 0x400000, MemoryLimit: 0x401000, FilenameStrindex: 3},
		{MemoryStart: 0x7f0000000000, MemoryLimit: 0x7f0000002000, FilenameStrindex: 7},
	}
	for i, m := range expectedMappingTable {
		if !proto.Equal(m, dict.MappingTable[i]) {
			t.Errorf("mapping %d = %v, want %v", i, dict.MappingTable[i], m)
		}
	}

	expectedFunctionTable := []*profilespb.Function{
		{},
		{NameStrindex: 4, SystemNameStrindex: 5},
		{NameStrindex: 6, SystemNameStrindex: 6},
		{NameStrindex: 6, SystemNameStrindex: 6},
	}
	if len(dict.FunctionTable) != len(expectedFunctionTable) {
		t.Fatalf("function table has %d entries, want %d", len(dict.FunctionTable), len(expectedFunctionTable))
	}
	for i, f := range expectedFunctionTable {
		if !proto.Equal(f, dict.FunctionTable[i]) {
			t.Errorf("function %d = %v, want %v", i, dict.FunctionTable[i], f)
		}
	}

	expectedLocations := []*profilespb.Location{
		{},
		{Address: 0x400100, MappingIndex: 1, Lines: []*profilespb.Line{{FunctionIndex: 1}}},
		{Address: 0x400200, MappingIndex: 1, Lines: []*profilespb.Line{{FunctionIndex: 2}}},
		{Address: 0x7f0000000100, MappingIndex: 2, Lines: []*profilespb.Line{{FunctionIndex: 3}}},
	}
	for i, l := range expectedLocations {
		if !proto.Equal(l, dict.LocationTable[i]) {
			t.Errorf("location %d = %v, want %v", i, dict.LocationTable[i], l)
		}
	}

	profile := got.ResourceProfiles[0].ScopeProfiles[0].Profiles[0]
	if profile.TimeUnixNano != 9999 {
		t.Errorf("TimeUnixNano = %d", profile.TimeUnixNano)
	}
	if len(profile.Samples) != 3 {
		t.Fatalf("got %d samples, want 3", len(profile.Samples))
	}
	for i, s := range profile.Samples {
		stack := dict.StackTable[s.StackIndex]
		if len(stack.LocationIndices) != 1 || stack.LocationIndices[0] != int32(i+1) {
			t.Errorf("sample %d stack = %v", i, stack.LocationIndices)
		}
	}

	attrs := got.ResourceProfiles[0].Resource.Attributes
	if len(attrs) != 1 || attrs[0].Key != "process.pid" || attrs[0].Value.GetIntValue() != 42 {
		t.Errorf("resource attributes = %v", attrs)
	}
}

func TestBuildOtlpModules_Empty(t *testing.T) {
	got := BuildOtlpModules(1, nil, nil, func() uint64 { return 1 })
	if len(got.Dictionary.MappingTable) != 1 || len(got.ResourceProfiles[0].ScopeProfiles[0].Profiles[0].Samples) != 0 {
		t.Errorf("empty input produced %v", got)
	}
}

func TestWriteOtlp(t *testing.T) {
	modules, syms := testModules()
	data := BuildOtlpModules(42, modules, syms, func() uint64 { return 1 })
	path := filepath.Join(t.TempDir(), "modules.pb")
	if err := WriteOtlp(data, path); err != nil {
		t.Fatalf("WriteOtlp: %v", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != string(mustMarshal(t, data)) {
		t.Error("file content differs from the marshalled message")
	}
}
