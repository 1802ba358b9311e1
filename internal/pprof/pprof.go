package pprof

import (
	"io"
	"time"

	"github.com/VladMinzatu/dbgsym/internal/symbols"
	"github.com/google/pprof/profile"
)

// LineFunc maps an address to its source line. It may be nil.
type LineFunc func(addr uint64) (symbols.SourceLine, error)

// BuildSymbolProfile renders the symbols of each module as a pprof profile with
// one sample per symbol, so that pprof tooling can list and search them.
func BuildSymbolProfile(modules []symbols.Module, symbolsByBase map[uint64][]symbols.Symbol, lines LineFunc, now time.Time) (*profile.Profile, error) {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{{Type: "symbols", Unit: "count"}},
		TimeNanos:  now.UnixNano(),
	}

	type funcKey struct{ name, file string }
	funcs := map[funcKey]*profile.Function{}
	locMap := map[uint64]*profile.Location{}
	nextFuncID := uint64(1)
	nextLocID := uint64(1)

	addFunction := func(sym symbols.Symbol, file string) *profile.Function {
		key := funcKey{sym.Name(), file}
		if f, ok := funcs[key]; ok {
			return f
		}
		fn := &profile.Function{
			ID:         nextFuncID,
			Name:       sym.Name(),
			SystemName: sym.Decorated,
			Filename:   file,
		}
		nextFuncID++
		funcs[key] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	addLocationFor := func(sym symbols.Symbol, mapping *profile.Mapping) *profile.Location {
		if loc, ok := locMap[sym.Addr]; ok {
			return loc
		}
		var line symbols.SourceLine
		if lines != nil && !sym.Imported {
			if l, err := lines(sym.Addr); err == nil {
				line = l
			}
		}
		fn := addFunction(sym, line.File)
		loc := &profile.Location{
			ID:      nextLocID,
			Mapping: mapping,
			Address: sym.Addr,
			Line:    []profile.Line{{Function: fn, Line: int64(line.Line)}},
		}
		nextLocID++
		locMap[sym.Addr] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	for i, m := range modules {
		mapping := &profile.Mapping{
			ID:    uint64(i + 1),
			Start: m.Base,
			Limit: m.Base + m.Size,
			File:  m.Path,
		}
		if mapping.File == "" {
			mapping.File = m.FullName()
		}
		p.Mapping = append(p.Mapping, mapping)

		for _, sym := range symbolsByBase[m.Base] {
			loc := addLocationFor(sym, mapping)
			kind := "defined"
			if sym.Imported {
				kind = "import"
			}
			p.Sample = append(p.Sample, &profile.Sample{
				Value:    []int64{1},
				Location: []*profile.Location{loc},
				Label: map[string][]string{
					"module": {m.FullName()},
					"kind":   {kind},
				},
			})
		}
		mapping.HasFunctions = len(symbolsByBase[m.Base]) > 0
		mapping.HasFilenames = lines != nil && mapping.HasFunctions
		mapping.HasLineNumbers = mapping.HasFilenames
	}

	if err := p.CheckValid(); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteProfileGzip writes p in the compressed protobuf format.
func WriteProfileGzip(p *profile.Profile, w io.Writer) error {
	return p.Write(w)
}
