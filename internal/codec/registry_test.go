package codec

import (
	"log/slog"
	"testing"
)

func TestRegistryResolve(t *testing.T) {
	r := NewRegistry(slog.Default())

	exact := &Table{DeviceType: 0xCA}
	fallback := &Table{DeviceType: 0xCA}
	r.Register(0xCA, "Q1F0C9D1", exact)
	r.Register(0xCA, DefaultModel, fallback)

	if got := r.Resolve(0xCA, "Q1F0C9D1"); got != Descriptor(exact) {
		t.Error("exact model must win over default")
	}
	if got := r.Resolve(0xCA, "UNKNOWN1"); got != Descriptor(fallback) {
		t.Error("unknown model must fall back to default")
	}
	if got := r.Resolve(0xB0, "Q1F0C9D1"); got != nil {
		t.Error("unregistered type must resolve to nil")
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestRegistryReplace(t *testing.T) {
	r := NewRegistry(slog.Default())

	first := &Table{DeviceType: 0xDB}
	second := &Table{DeviceType: 0xDB}
	r.Register(0xDB, "M1", first)
	r.Register(0xDB, "M1", second)

	if got := r.Resolve(0xDB, "M1"); got != Descriptor(second) {
		t.Error("later registration must replace earlier one")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestMappingDBLookup(t *testing.T) {
	db := NewMappingDB()

	exact := &Mapping{Models: []string{"22012227"}}
	pattern := compileMapping(mappingFile{Models: []string{"^Q1.*$"}}, slog.Default())
	def := &Mapping{Models: []string{DefaultModel}}
	db.Add(0xD9, exact)
	db.Add(0xD9, pattern)
	db.Add(0xD9, def)

	if got := db.Lookup(0xD9, "22012227"); got != exact {
		t.Error("exact sn8 must win")
	}
	if got := db.Lookup(0xD9, "Q1F0C9D1"); got != pattern {
		t.Error("pattern must match sn8 prefix")
	}
	if got := db.Lookup(0xD9, "ZZZZZZZZ"); got != def {
		t.Error("unmatched sn8 must fall back to default mapping")
	}
	if got := db.Lookup(0xCA, "22012227"); got != nil {
		t.Error("other device type must not match")
	}
}
