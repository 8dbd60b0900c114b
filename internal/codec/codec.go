// Package codec translates between raw appliance protocol bytes and named
// attributes. Each appliance model is described by a Descriptor resolved
// from a Registry; descriptors are data-driven tables loaded from JSON.
package codec

import "strings"

// Descriptor is the per-model translation contract. All three operations are
// pure: the same inputs always produce the same output, and an unsupported
// operation reports ok=false instead of an error.
type Descriptor interface {
	// BuildQuery produces a serialized status-query command from query
	// parameters keyed by attribute path.
	BuildQuery(params map[string]any) ([]byte, bool)

	// BuildControl produces a serialized control command. control holds the
	// desired values in nested form; status holds the current attribute
	// state for context.
	BuildControl(control map[string]any, status map[string]any) ([]byte, bool)

	// DecodeStatus parses a raw inbound message into attribute values in
	// nested form.
	DecodeStatus(raw []byte) (map[string]any, bool)
}

// Nest converts dotted keys into a nested tree:
// {"x.y":1,"x.z":2} becomes {"x":{"y":1,"z":2}}.
func Nest(flat map[string]any) map[string]any {
	nested := make(map[string]any, len(flat))
	for key, value := range flat {
		if !strings.Contains(key, ".") {
			nested[key] = value
			continue
		}
		parts := strings.Split(key, ".")
		current := nested
		for _, part := range parts[:len(parts)-1] {
			next, ok := current[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				current[part] = next
			}
			current = next
		}
		current[parts[len(parts)-1]] = value
	}
	return nested
}

// Flatten is the inverse of Nest: nested maps become dotted keys.
func Flatten(nested map[string]any) map[string]any {
	flat := make(map[string]any, len(nested))
	flattenInto(flat, "", nested)
	return flat
}

func flattenInto(flat map[string]any, prefix string, value map[string]any) {
	for key, v := range value {
		full := key
		if prefix != "" {
			full = prefix + "." + key
		}
		if child, ok := v.(map[string]any); ok {
			flattenInto(flat, full, child)
			continue
		}
		flat[full] = v
	}
}
