package codec

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

const fridgeJSON = `{
  "device_type": "0xCA",
  "descriptors": [
    {
      "models": ["Q1F0C9D1", "default"],
      "protocol_version": 2,
      "query": {
        "message_type": "0x03",
        "body": "0000000000000000",
        "fields": [
          {"name": "db_location", "offset": 0}
        ]
      },
      "control": {
        "message_type": "0x02",
        "body": "0000000000000000",
        "fields": [
          {"name": "power", "offset": 0, "bit": 0},
          {"name": "mode", "offset": 1, "enum": {"1": "cool", "2": "freeze"}}
        ]
      },
      "status": [
        {
          "body_type": "0x03",
          "min_length": 4,
          "fields": [
            {"name": "power", "offset": 1, "bit": 0},
            {"name": "temp", "offset": 2, "width": 2, "signed": true, "scale": 10}
          ]
        }
      ]
    }
  ],
  "mappings": [
    {
      "models": ["^Q1.*$"],
      "queries": [{"db_location": 1}, {"db_location": 2}],
      "centralized": ["db_running_status"],
      "calculate": {
        "get": [
          {"lvalue": "[temperature]", "rvalue": "[temp] / 10"},
          {"lvalue": "[broken]", "rvalue": "not an expression"}
        ]
      },
      "default_values": {"db_location_selection": "left"}
    },
    {
      "models": ["default"]
    }
  ]
}`

func writeDescriptorDir(t *testing.T, contents map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, data := range contents {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadDescriptorDir(t *testing.T) {
	dir := writeDescriptorDir(t, map[string]string{"ca_fridge.json": fridgeJSON})

	registry := NewRegistry(slog.Default())
	db, err := LoadDescriptorDir(dir, registry, slog.Default())
	if err != nil {
		t.Fatal(err)
	}

	if registry.Len() != 2 {
		t.Errorf("descriptors = %d, want 2 (two model keys, one table)", registry.Len())
	}
	if db.Len() != 2 {
		t.Errorf("mappings = %d, want 2", db.Len())
	}

	d := registry.Resolve(0xCA, "Q1F0C9D1")
	if d == nil {
		t.Fatal("descriptor not resolvable")
	}
	tbl, ok := d.(*Table)
	if !ok {
		t.Fatalf("descriptor type %T", d)
	}
	if tbl.ProtocolVersion != 2 {
		t.Errorf("protocol version = %d", tbl.ProtocolVersion)
	}
	if tbl.Query == nil || tbl.Query.MessageType != 0x03 || len(tbl.Query.Body) != 8 {
		t.Errorf("query template wrong: %+v", tbl.Query)
	}
	if len(tbl.Status) != 1 || tbl.Status[0].BodyType != 3 {
		t.Errorf("status formats wrong: %+v", tbl.Status)
	}

	m := db.Lookup(0xCA, "Q1ABCDEF")
	if m == nil {
		t.Fatal("pattern mapping not resolvable")
	}
	if len(m.Queries) != 2 {
		t.Errorf("queries = %d, want 2", len(m.Queries))
	}
	if len(m.Centralized) != 1 || m.Centralized[0] != "db_running_status" {
		t.Errorf("centralized = %v", m.Centralized)
	}
	// The malformed rule is skipped, the valid one compiled.
	if len(m.CalculateGet) != 1 || m.CalculateGet[0].LValue != "temperature" {
		t.Errorf("calculate get = %+v", m.CalculateGet)
	}
	if m.DefaultValues["db_location_selection"] != "left" {
		t.Errorf("default values = %v", m.DefaultValues)
	}
}

func TestLoadDescriptorDirEmpty(t *testing.T) {
	registry := NewRegistry(slog.Default())
	db, err := LoadDescriptorDir(t.TempDir(), registry, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if registry.Len() != 0 || db.Len() != 0 {
		t.Error("empty dir must yield empty database")
	}
}

func TestLoadDescriptorDirBadJSON(t *testing.T) {
	dir := writeDescriptorDir(t, map[string]string{"bad.json": "{"})

	registry := NewRegistry(slog.Default())
	if _, err := LoadDescriptorDir(dir, registry, slog.Default()); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestMappingEmptyQueriesDefaulted(t *testing.T) {
	m := compileMapping(mappingFile{Models: []string{"default"}}, slog.Default())
	if len(m.Queries) != 1 || len(m.Queries[0]) != 0 {
		t.Errorf("queries = %v, want single empty query", m.Queries)
	}
}
