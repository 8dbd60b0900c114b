package device

import (
	"context"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"midea-bridge/internal/cloud"
	"midea-bridge/internal/codec"
	"midea-bridge/internal/store"
)

// Hub owns all device sessions. Refreshes run on a shared schedule driven
// by the hub instead of per-device background threads.
type Hub struct {
	logger   *slog.Logger
	registry *codec.Registry
	mappings *codec.MappingDB
	bus      *EventBus
	db       store.Store

	refreshInterval time.Duration

	mu       sync.RWMutex
	sessions map[uint64]*Session

	wg sync.WaitGroup
}

// NewHub creates a hub.
func NewHub(registry *codec.Registry, mappings *codec.MappingDB, bus *EventBus,
	db store.Store, refreshInterval time.Duration, logger *slog.Logger) *Hub {
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	return &Hub{
		logger:          logger,
		registry:        registry,
		mappings:        mappings,
		bus:             bus,
		db:              db,
		refreshInterval: refreshInterval,
		sessions:        make(map[uint64]*Session),
	}
}

// Bus returns the hub's event bus.
func (h *Hub) Bus() *EventBus {
	return h.bus
}

// AddAppliance creates and registers a session for an appliance. The
// descriptor and mapping are resolved from the appliance's type and sn8;
// a local transport is attached when the appliance has a known address and
// pairing credentials.
func (h *Hub) AddAppliance(ctx context.Context, app *store.Appliance, provider cloud.Provider) *Session {
	info := Info{
		ID:               app.ID,
		Name:             app.Name,
		Type:             app.Type,
		SN:               app.SN,
		SN8:              app.SN8,
		ModelNumber:      app.ModelNumber,
		Model:            app.Model,
		ManufacturerCode: app.ManufacturerCode,
		Protocol:         app.Protocol,
	}
	session := NewSession(info, h.logger.With("device", app.ID))
	if d := h.registry.Resolve(app.Type, app.SN8); d != nil {
		session.SetDescriptor(d)
	}
	if m := h.mappings.Lookup(app.Type, app.SN8); m != nil {
		session.ApplyMapping(m)
		session.SeedAttributes(m.Centralized...)
		for name := range m.DefaultValues {
			session.SeedAttributes(name)
		}
	}
	if provider != nil {
		session.SetProvider(provider)
	}

	if app.Host != "" && app.Token != "" && app.Key != "" {
		token, errT := hex.DecodeString(app.Token)
		key, errK := hex.DecodeString(app.Key)
		if errT != nil || errK != nil {
			h.logger.Warn("invalid pairing credentials", "device", app.ID)
		} else {
			onConnected := func(connected bool) {
				session.setConnected(connected)
				if h.bus == nil {
					return
				}
				eventType := EventConnected
				if !connected {
					eventType = EventDisconnected
				}
				h.bus.Emit(Event{Type: eventType, Data: AttributeUpdateData{DeviceID: app.ID}})
			}
			transport := NewTransport(app.ID, app.Host, app.Port, token, key, app.Protocol,
				session.HandleMessage, onConnected, h.logger.With("device", app.ID))
			session.SetTransport(transport)
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				transport.Run(ctx)
			}()
		}
	}

	// Persist deltas and fan them out on the bus.
	session.RegisterUpdate(func(delta map[string]any) {
		if h.bus != nil {
			h.bus.Emit(Event{
				Type: EventAttributeUpdate,
				Data: AttributeUpdateData{DeviceID: app.ID, Delta: delta},
			})
		}
		if h.db != nil {
			if err := h.db.SaveState(app.ID, session.Attributes()); err != nil {
				h.logger.Warn("state snapshot failed", "device", app.ID, "error", err)
			}
		}
	})

	h.mu.Lock()
	h.sessions[app.ID] = session
	h.mu.Unlock()

	h.logger.Info("session added", "device", app.ID, "type", info.Type, "sn8", app.SN8)
	return session
}

// Remove drops a session and closes its transport.
func (h *Hub) Remove(id uint64) {
	h.mu.Lock()
	session := h.sessions[id]
	delete(h.sessions, id)
	h.mu.Unlock()
	if session != nil && session.transport != nil {
		session.transport.Close()
	}
}

// Get returns a session by device id.
func (h *Hub) Get(id uint64) (*Session, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.sessions[id]
	return s, ok
}

// List returns all sessions.
func (h *Hub) List() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Run refreshes every session on the hub interval until the context is
// cancelled. The first refresh happens immediately.
func (h *Hub) Run(ctx context.Context) {
	h.refreshAll(ctx)
	ticker := time.NewTicker(h.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
			h.refreshAll(ctx)
		}
	}
}

func (h *Hub) refreshAll(ctx context.Context) {
	for _, session := range h.List() {
		if ctx.Err() != nil {
			return
		}
		if err := session.RefreshStatus(ctx); err != nil {
			h.logger.Debug("refresh failed", "device", session.Info().ID, "error", err)
			if h.bus != nil {
				h.bus.Emit(Event{
					Type: EventRefreshFailed,
					Data: AttributeUpdateData{DeviceID: session.Info().ID},
				})
			}
		}
	}
}

// Stop closes all transports and waits for their goroutines. Safe to call
// after the Run context is cancelled.
func (h *Hub) Stop() {
	h.closeAll()
}

func (h *Hub) closeAll() {
	for _, session := range h.List() {
		if session.transport != nil {
			session.transport.Close()
		}
	}
	h.wg.Wait()
}
