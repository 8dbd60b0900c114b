package codec

import (
	"math"

	"midea-bridge/internal/packet"
)

// FieldDef maps one attribute path onto a byte range of a message body.
// Multi-byte fields are little-endian. A Bit of 0..7 addresses a single
// boolean bit inside the byte at Offset; -1 means the whole byte range.
type FieldDef struct {
	Name   string
	Offset int
	Width  int
	Bit    int
	Scale  float64
	Signed bool
	Enum   map[uint64]string
}

func (f FieldDef) width() int {
	if f.Width <= 0 {
		return 1
	}
	return f.Width
}

func (f FieldDef) end() int {
	return f.Offset + f.width()
}

// Message is an outbound command template: a base body plus the fields that
// parameters or control values may overwrite.
type Message struct {
	MessageType uint8
	Body        []byte
	Fields      []FieldDef
}

// StatusFormat describes one inbound status body layout. BodyType of -1
// matches any body type byte.
type StatusFormat struct {
	BodyType  int
	MinLength int
	Fields    []FieldDef
}

// Table is a compiled data-driven Descriptor for one appliance model.
type Table struct {
	DeviceType      uint8
	ProtocolVersion uint8
	Query           *Message
	Control         *Message
	Status          []StatusFormat
}

// BuildQuery implements Descriptor.
func (t *Table) BuildQuery(params map[string]any) ([]byte, bool) {
	if t.Query == nil {
		return nil, false
	}
	body := append([]byte(nil), t.Query.Body...)
	flat := Flatten(params)
	for _, f := range t.Query.Fields {
		if v, ok := flat[f.Name]; ok {
			encodeField(body, f, v)
		}
	}
	cmd := packet.NewCommand(t.DeviceType, t.ProtocolVersion, t.Query.MessageType, body)
	return cmd.Serialize(), true
}

// BuildControl implements Descriptor. The current status seeds context
// fields first, then the desired control values overwrite them. A control
// payload that touches none of the template's fields reports ok=false.
func (t *Table) BuildControl(control map[string]any, status map[string]any) ([]byte, bool) {
	if t.Control == nil {
		return nil, false
	}
	flatControl := Flatten(control)
	flatStatus := Flatten(status)
	body := append([]byte(nil), t.Control.Body...)
	matched := false
	for _, f := range t.Control.Fields {
		if v, ok := flatStatus[f.Name]; ok {
			encodeField(body, f, v)
		}
		if v, ok := flatControl[f.Name]; ok {
			encodeField(body, f, v)
			matched = true
		}
	}
	if !matched {
		return nil, false
	}
	cmd := packet.NewCommand(t.DeviceType, t.ProtocolVersion, t.Control.MessageType, body)
	return cmd.Serialize(), true
}

// DecodeStatus implements Descriptor. raw is a decrypted inbound command
// frame; the body type byte selects the matching StatusFormat.
func (t *Table) DecodeStatus(raw []byte) (map[string]any, bool) {
	if len(raw) < 12 || raw[0] != 0xAA {
		return nil, false
	}
	bodyType := int(raw[10])
	body := raw[10 : len(raw)-1]
	for _, sf := range t.Status {
		if sf.BodyType >= 0 && sf.BodyType != bodyType {
			continue
		}
		if len(body) < sf.MinLength {
			continue
		}
		flat := make(map[string]any, len(sf.Fields))
		for _, f := range sf.Fields {
			if f.end() > len(body) {
				continue
			}
			flat[f.Name] = decodeField(body, f)
		}
		if len(flat) == 0 {
			continue
		}
		return Nest(flat), true
	}
	return nil, false
}

func encodeField(body []byte, f FieldDef, value any) {
	if f.end() > len(body) {
		return
	}
	if f.Bit >= 0 {
		if truthy(value) {
			body[f.Offset] |= 1 << uint(f.Bit)
		} else {
			body[f.Offset] &^= 1 << uint(f.Bit)
		}
		return
	}
	raw, ok := rawValue(f, value)
	if !ok {
		return
	}
	for i := 0; i < f.width(); i++ {
		body[f.Offset+i] = byte(raw >> (8 * uint(i)))
	}
}

func decodeField(body []byte, f FieldDef) any {
	if f.Bit >= 0 {
		return (body[f.Offset]>>uint(f.Bit))&1 == 1
	}
	var raw uint64
	for i := f.width() - 1; i >= 0; i-- {
		raw = raw<<8 | uint64(body[f.Offset+i])
	}
	if f.Enum != nil {
		if label, ok := f.Enum[raw]; ok {
			return label
		}
		return int64(raw)
	}
	v := int64(raw)
	if f.Signed {
		shift := 64 - 8*uint(f.width())
		v = int64(raw<<shift) >> shift
	}
	if f.Scale != 0 && f.Scale != 1 {
		return float64(v) / f.Scale
	}
	return v
}

func rawValue(f FieldDef, value any) (uint64, bool) {
	if f.Enum != nil {
		label, ok := value.(string)
		if !ok {
			return 0, false
		}
		for raw, l := range f.Enum {
			if l == label {
				return raw, true
			}
		}
		return 0, false
	}
	n, ok := numeric(value)
	if !ok {
		return 0, false
	}
	if f.Scale != 0 && f.Scale != 1 {
		n *= f.Scale
	}
	return uint64(int64(math.Round(n))), true
}

func numeric(value any) (float64, bool) {
	switch v := value.(type) {
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	}
	return 0, false
}

func truthy(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		return v == "on" || v == "true" || v == "1"
	default:
		n, ok := numeric(value)
		return ok && n != 0
	}
}
