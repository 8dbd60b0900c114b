package codec

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"midea-bridge/internal/calc"
)

// Mapping is a per-model session configuration: query templates, attributes
// echoed as context in every control, derived-attribute rules and defaults.
type Mapping struct {
	Models        []string
	Queries       []map[string]any
	Centralized   []string
	CalculateGet  []calc.Rule
	CalculateSet  []calc.Rule
	DefaultValues map[string]any

	patterns []*regexp.Regexp
}

func (m *Mapping) matches(sn8 string) bool {
	for _, model := range m.Models {
		if model == sn8 {
			return true
		}
	}
	for _, p := range m.patterns {
		if p.MatchString(sn8) {
			return true
		}
	}
	return false
}

func (m *Mapping) isDefault() bool {
	for _, model := range m.Models {
		if model == DefaultModel {
			return true
		}
	}
	return false
}

// MappingDB holds session mappings grouped by device type.
type MappingDB struct {
	byType map[uint8][]*Mapping
}

// NewMappingDB creates an empty mapping database.
func NewMappingDB() *MappingDB {
	return &MappingDB{byType: make(map[uint8][]*Mapping)}
}

// Add appends a mapping for a device type, preserving file order.
func (db *MappingDB) Add(deviceType uint8, m *Mapping) {
	db.byType[deviceType] = append(db.byType[deviceType], m)
}

// Lookup finds the mapping for a device's sn8: the first mapping listing the
// sn8 exactly or matching one of its model patterns wins, then the device
// type's default mapping, then nil.
func (db *MappingDB) Lookup(deviceType uint8, sn8 string) *Mapping {
	candidates := db.byType[deviceType]
	for _, m := range candidates {
		if m.matches(sn8) {
			return m
		}
	}
	for _, m := range candidates {
		if m.isDefault() {
			return m
		}
	}
	return nil
}

// Len returns the number of loaded mappings.
func (db *MappingDB) Len() int {
	n := 0
	for _, ms := range db.byType {
		n += len(ms)
	}
	return n
}

// hexByte accepts JSON numbers or "0xNN" strings.
type hexByte uint8

func (h *hexByte) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s, base = s[2:], 16
	}
	v, err := strconv.ParseUint(s, base, 8)
	if err != nil {
		return fmt.Errorf("byte value %q: %w", s, err)
	}
	*h = hexByte(v)
	return nil
}

// hexBytes is a hex-encoded byte string in JSON.
type hexBytes []byte

func (h *hexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("hex body: %w", err)
	}
	*h = b
	return nil
}

type fieldFile struct {
	Name   string            `json:"name"`
	Offset int               `json:"offset"`
	Width  int               `json:"width,omitempty"`
	Bit    *int              `json:"bit,omitempty"`
	Scale  float64           `json:"scale,omitempty"`
	Signed bool              `json:"signed,omitempty"`
	Enum   map[string]string `json:"enum,omitempty"`
}

type messageFile struct {
	MessageType hexByte     `json:"message_type"`
	Body        hexBytes    `json:"body"`
	Fields      []fieldFile `json:"fields,omitempty"`
}

type statusFile struct {
	BodyType  *hexByte    `json:"body_type,omitempty"`
	MinLength int         `json:"min_length,omitempty"`
	Fields    []fieldFile `json:"fields"`
}

type descriptorFile struct {
	Models          []string     `json:"models"`
	ProtocolVersion hexByte      `json:"protocol_version,omitempty"`
	Query           *messageFile `json:"query,omitempty"`
	Control         *messageFile `json:"control,omitempty"`
	Status          []statusFile `json:"status,omitempty"`
}

type calcEntryFile struct {
	LValue string `json:"lvalue"`
	RValue string `json:"rvalue"`
}

type mappingFile struct {
	Models      []string         `json:"models"`
	Queries     []map[string]any `json:"queries,omitempty"`
	Centralized []string         `json:"centralized,omitempty"`
	Calculate   struct {
		Get []calcEntryFile `json:"get,omitempty"`
		Set []calcEntryFile `json:"set,omitempty"`
	} `json:"calculate,omitempty"`
	DefaultValues map[string]any `json:"default_values,omitempty"`
}

// modelFile is the JSON structure of one file in the descriptors directory.
type modelFile struct {
	DeviceType  hexByte          `json:"device_type"`
	Descriptors []descriptorFile `json:"descriptors,omitempty"`
	Mappings    []mappingFile    `json:"mappings,omitempty"`
}

// LoadDescriptorDir reads all *.json files from a directory, compiling
// descriptors into the registry and session mappings into a MappingDB.
// A missing or empty directory yields an empty database, not an error.
func LoadDescriptorDir(dir string, registry *Registry, logger *slog.Logger) (*MappingDB, error) {
	db := NewMappingDB()

	matches, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return db, fmt.Errorf("glob descriptors dir: %w", err)
	}
	if len(matches) == 0 {
		logger.Info("no descriptor files found", "dir", dir)
		return db, nil
	}

	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return db, fmt.Errorf("read %s: %w", path, err)
		}

		var mf modelFile
		if err := json.Unmarshal(data, &mf); err != nil {
			return db, fmt.Errorf("parse %s: %w", path, err)
		}

		deviceType := uint8(mf.DeviceType)
		for _, df := range mf.Descriptors {
			table, err := compileDescriptor(deviceType, df)
			if err != nil {
				return db, fmt.Errorf("compile %s: %w", path, err)
			}
			for _, model := range df.Models {
				registry.Register(deviceType, model, table)
			}
		}
		for _, mpf := range mf.Mappings {
			m := compileMapping(mpf, logger)
			db.Add(deviceType, m)
		}

		logger.Info("loaded descriptor file", "path", filepath.Base(path),
			"descriptors", len(mf.Descriptors), "mappings", len(mf.Mappings))
	}

	logger.Info("descriptor database loaded", "files", len(matches),
		"descriptors", registry.Len(), "mappings", db.Len())
	return db, nil
}

func compileDescriptor(deviceType uint8, df descriptorFile) (*Table, error) {
	t := &Table{
		DeviceType:      deviceType,
		ProtocolVersion: uint8(df.ProtocolVersion),
	}
	if df.Query != nil {
		m, err := compileMessage(*df.Query)
		if err != nil {
			return nil, fmt.Errorf("query: %w", err)
		}
		t.Query = m
	}
	if df.Control != nil {
		m, err := compileMessage(*df.Control)
		if err != nil {
			return nil, fmt.Errorf("control: %w", err)
		}
		t.Control = m
	}
	for i, sf := range df.Status {
		fields, err := compileFields(sf.Fields)
		if err != nil {
			return nil, fmt.Errorf("status[%d]: %w", i, err)
		}
		bodyType := -1
		if sf.BodyType != nil {
			bodyType = int(*sf.BodyType)
		}
		t.Status = append(t.Status, StatusFormat{
			BodyType:  bodyType,
			MinLength: sf.MinLength,
			Fields:    fields,
		})
	}
	return t, nil
}

func compileMessage(mf messageFile) (*Message, error) {
	fields, err := compileFields(mf.Fields)
	if err != nil {
		return nil, err
	}
	return &Message{
		MessageType: uint8(mf.MessageType),
		Body:        []byte(mf.Body),
		Fields:      fields,
	}, nil
}

func compileFields(ffs []fieldFile) ([]FieldDef, error) {
	fields := make([]FieldDef, 0, len(ffs))
	for _, ff := range ffs {
		f := FieldDef{
			Name:   ff.Name,
			Offset: ff.Offset,
			Width:  ff.Width,
			Bit:    -1,
			Scale:  ff.Scale,
			Signed: ff.Signed,
		}
		if ff.Name == "" {
			return nil, fmt.Errorf("field without name at offset %d", ff.Offset)
		}
		if ff.Bit != nil {
			f.Bit = *ff.Bit
		}
		if len(ff.Enum) > 0 {
			f.Enum = make(map[uint64]string, len(ff.Enum))
			for rawStr, label := range ff.Enum {
				raw, err := strconv.ParseUint(rawStr, 0, 64)
				if err != nil {
					return nil, fmt.Errorf("field %s: enum key %q: %w", ff.Name, rawStr, err)
				}
				f.Enum[raw] = label
			}
		}
		fields = append(fields, f)
	}
	return fields, nil
}

func compileMapping(mpf mappingFile, logger *slog.Logger) *Mapping {
	m := &Mapping{
		Models:        mpf.Models,
		Queries:       mpf.Queries,
		Centralized:   mpf.Centralized,
		DefaultValues: mpf.DefaultValues,
	}
	if len(m.Queries) == 0 {
		m.Queries = []map[string]any{{}}
	}
	for _, model := range mpf.Models {
		if model == DefaultModel || !strings.ContainsAny(model, "^$.*+?[](){}|\\") {
			continue
		}
		p, err := regexp.Compile(model)
		if err != nil {
			logger.Warn("invalid model pattern", "pattern", model, "error", err)
			continue
		}
		m.patterns = append(m.patterns, p)
	}
	for _, e := range mpf.Calculate.Get {
		rule, err := calc.CompileRule(e.LValue, e.RValue)
		if err != nil {
			logger.Warn("invalid calculate rule", "lvalue", e.LValue, "error", err)
			continue
		}
		m.CalculateGet = append(m.CalculateGet, rule)
	}
	for _, e := range mpf.Calculate.Set {
		rule, err := calc.CompileRule(e.LValue, e.RValue)
		if err != nil {
			logger.Warn("invalid calculate rule", "lvalue", e.LValue, "error", err)
			continue
		}
		m.CalculateSet = append(m.CalculateSet, rule)
	}
	return m
}
