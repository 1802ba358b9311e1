package exporter

import (
	"fmt"
	"os"

	"github.com/VladMinzatu/dbgsym/internal/symbols"
	v1 "go.opentelemetry.io/proto/otlp/common/v1"
	profilespb "go.opentelemetry.io/proto/otlp/profiles/v1development"
	resourceV1 "go.opentelemetry.io/proto/otlp/resource/v1"
	"google.golang.org/protobuf/proto"
)

type NowFunc func() uint64 // produces unix nsec

// BuildOtlpModules describes the modules of a process as OTLP profiles data:
// one mapping per module and one single-frame sample per symbol, so that a
// consumer can symbolize addresses from the dictionary alone.
func BuildOtlpModules(pid int, modules []symbols.Module, symbolsByBase map[uint64][]symbols.Symbol, now NowFunc) *profilespb.ProfilesData {
	strs := newStringTable()
	mappingTable := []*profilespb.Mapping{{}}
	locationTable := []*profilespb.Location{{}}
	functionTable := []*profilespb.Function{{}}
	stackTable := []*profilespb.Stack{{}}

	sampleType := &profilespb.ValueType{
		TypeStrindex: strs.index("symbols"),
		UnitStrindex: strs.index("count"),
	}

	var samples []*profilespb.Sample
	for _, m := range modules {
		file := m.Path
		if file == "" {
			file = m.FullName()
		}
		mappingTable = append(mappingTable, &profilespb.Mapping{
			MemoryStart:      m.Base,
			MemoryLimit:      m.Base + m.Size,
			FilenameStrindex: strs.index(file),
		})
		mappingIdx := int32(len(mappingTable) - 1)

		for _, sym := range symbolsByBase[m.Base] {
			functionTable = append(functionTable, &profilespb.Function{
				NameStrindex:       strs.index(sym.Name()),
				SystemNameStrindex: strs.index(sym.Decorated),
			})
			fnIdx := int32(len(functionTable) - 1)

			locationTable = append(locationTable, &profilespb.Location{
				Address:      sym.Addr,
				MappingIndex: mappingIdx,
				Lines:        []*profilespb.Line{{FunctionIndex: fnIdx, Line: 0}},
			})
			stackTable = append(stackTable, &profilespb.Stack{LocationIndices: []int32{int32(len(locationTable) - 1)}})

			samples = append(samples, &profilespb.Sample{
				StackIndex:       int32(len(stackTable) - 1),
				Values:           []int64{1},
				AttributeIndices: []int32{},
			})
		}
	}

	profile := &profilespb.Profile{
		TimeUnixNano: now(),
		SampleType:   sampleType,
		Samples:      samples,
	}

	resource := &resourceV1.Resource{
		Attributes: []*v1.KeyValue{
			{Key: "process.pid", Value: &v1.AnyValue{Value: &v1.AnyValue_IntValue{IntValue: int64(pid)}}},
		},
	}
	resourceProfiles := &profilespb.ResourceProfiles{
		Resource: resource,
		ScopeProfiles: []*profilespb.ScopeProfiles{
			{
				Scope: &v1.InstrumentationScope{
					Name:    "dbgsym",
					Version: "v1",
				},
				Profiles: []*profilespb.Profile{profile},
			},
		},
	}

	dictionary := &profilespb.ProfilesDictionary{
		MappingTable:  mappingTable,
		LocationTable: locationTable,
		FunctionTable: functionTable,
		StackTable:    stackTable,
		StringTable:   strs.table,
	}

	return &profilespb.ProfilesData{
		ResourceProfiles: []*profilespb.ResourceProfiles{resourceProfiles},
		Dictionary:       dictionary,
	}
}

func WriteOtlp(data *profilespb.ProfilesData, filename string) error {
	b, err := proto.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding profiles data: %w", err)
	}
	return os.WriteFile(filename, b, 0o644)
}

type stringTable struct {
	table []string
	ids   map[string]int32
}

func newStringTable() *stringTable {
	return &stringTable{table: []string{""}, ids: map[string]int32{"": 0}}
}

func (t *stringTable) index(s string) int32 {
	if i, ok := t.ids[s]; ok {
		return i
	}
	t.table = append(t.table, s)
	i := int32(len(t.table) - 1)
	t.ids[s] = i
	return i
}
