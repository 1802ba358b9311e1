package modules

import (
	"testing"

	"github.com/VladMinzatu/dbgsym/internal/labels"
	"github.com/VladMinzatu/dbgsym/internal/symbols"
)

func TestDirectory_SymbolicNames(t *testing.T) {
	d, _, _ := newTestDirectory(t)
	store := labels.NewStore()
	store.Set(0x7f0000000010, "mylabel")
	store.Set(0x2000, "orphan")
	r := symbols.NewResolver(d, nil, store)

	tests := []struct {
		name string
		addr uint64
		want string
	}{
		{name: "library address", addr: 0x7f0000001230, want: "libc.0x00007F0000001230"},
		{name: "executable address", addr: 0x401040, want: "app.0x0000000000401040"},
		{name: "labelled library address", addr: 0x7f0000000010, want: "<libc.mylabel>"},
		{name: "label outside modules", addr: 0x2000, want: "<orphan>"},
		{name: "data file mapping", addr: 0x7f1000000010, want: ""},
		{name: "heap", addr: 0x1000010, want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.SymbolicName(tt.addr); got != tt.want {
				t.Errorf("SymbolicName(0x%x) = %q, want %q", tt.addr, got, tt.want)
			}
		})
	}
}
