package codec

import (
	"fmt"
	"log/slog"
	"sync"
)

// DefaultModel is the fallback model key consulted when no descriptor is
// registered for a device's exact model.
const DefaultModel = "default"

// Registry holds compiled descriptors keyed by device type and model.
// It is safe for concurrent use; descriptors themselves are immutable.
type Registry struct {
	mu     sync.RWMutex
	tables map[string]Descriptor
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tables: make(map[string]Descriptor),
		logger: logger,
	}
}

func descriptorKey(deviceType uint8, model string) string {
	return fmt.Sprintf("%02X\x00%s", deviceType, model)
}

// Register adds a descriptor for a device type and model, replacing any
// previous registration for the same key.
func (r *Registry) Register(deviceType uint8, model string, d Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := descriptorKey(deviceType, model)
	if _, ok := r.tables[key]; ok {
		r.logger.Debug("descriptor replaced", "type", fmt.Sprintf("0x%02X", deviceType), "model", model)
	} else {
		r.logger.Debug("descriptor registered", "type", fmt.Sprintf("0x%02X", deviceType), "model", model)
	}
	r.tables[key] = d
}

// Resolve looks up the descriptor for an exact (type, model) key, falling
// back to the device type's default descriptor. Returns nil when neither
// exists; callers treat that as "no local codec".
func (r *Registry) Resolve(deviceType uint8, model string) Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.tables[descriptorKey(deviceType, model)]; ok {
		return d
	}
	if d, ok := r.tables[descriptorKey(deviceType, DefaultModel)]; ok {
		return d
	}
	return nil
}

// Len returns the number of registered descriptors.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tables)
}
