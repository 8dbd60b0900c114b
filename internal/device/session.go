package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"midea-bridge/internal/calc"
	"midea-bridge/internal/cloud"
	"midea-bridge/internal/codec"
	"midea-bridge/internal/packet"
	"midea-bridge/internal/security"
)

// Info identifies one appliance.
type Info struct {
	ID               uint64
	Name             string
	Type             uint8
	SN               string
	SN8              string
	ModelNumber      int
	Model            string
	ManufacturerCode string
	Protocol         int
}

// dual-chamber washer
const typeDualChamber = 0xD9

// UpdateFunc receives the delta of one committed merge.
type UpdateFunc func(delta map[string]any)

// Session owns the attribute state of one appliance. It is the sole mutator
// of its attribute store; merges are serialized by the session mutex, and
// external callers observe state through Attributes or update callbacks.
type Session struct {
	logger     *slog.Logger
	info       Info
	descriptor codec.Descriptor
	provider   cloud.Provider
	transport  *Transport

	mu         sync.Mutex
	attributes map[string]any
	updates    []UpdateFunc

	queries     []map[string]any
	centralized []string
	calcGet     []calc.Rule
	calcSet     []calc.Rule
	defaults    map[string]any
}

// NewSession creates a session seeded with the appliance's identity
// attributes.
func NewSession(info Info, logger *slog.Logger) *Session {
	attrs := map[string]any{
		"device_type": fmt.Sprintf("T0x%02X", info.Type),
		"sn":          info.SN,
		"sn8":         info.SN8,
		"subtype":     info.ModelNumber,
	}
	if info.Type == typeDualChamber {
		attrs["db_location_selection"] = "left"
	}
	return &Session{
		logger:     logger,
		info:       info,
		attributes: attrs,
		queries:    []map[string]any{{}},
	}
}

// Info returns the appliance identity.
func (s *Session) Info() Info {
	return s.info
}

// SetDescriptor attaches the model's codec descriptor.
func (s *Session) SetDescriptor(d codec.Descriptor) {
	s.descriptor = d
}

// SetProvider attaches the cloud relay.
func (s *Session) SetProvider(p cloud.Provider) {
	s.provider = p
}

// SetTransport attaches the local transport.
func (s *Session) SetTransport(t *Transport) {
	s.transport = t
}

// ApplyMapping configures the session from the model's mapping: query
// templates, centralized attributes, derivation rules and default values.
func (s *Session) ApplyMapping(m *codec.Mapping) {
	if m == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(m.Queries) > 0 {
		s.queries = m.Queries
	}
	s.centralized = m.Centralized
	s.calcGet = m.CalculateGet
	s.calcSet = m.CalculateSet
	s.defaults = m.DefaultValues
}

// SeedAttributes pre-registers attribute names so later writes to them are
// accepted. Existing values are kept.
func (s *Session) SeedAttributes(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		if _, ok := s.attributes[name]; !ok {
			s.attributes[name] = nil
		}
	}
}

// Attributes returns a copy of the current attribute state.
func (s *Session) Attributes() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.attributes))
	for k, v := range s.attributes {
		out[k] = v
	}
	return out
}

// GetAttribute returns one attribute value.
func (s *Session) GetAttribute(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attributes[name]
	return v, ok
}

// RegisterUpdate subscribes to merge deltas. Returns an unsubscribe func.
func (s *Session) RegisterUpdate(fn UpdateFunc) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, fn)
	idx := len(s.updates) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if idx < len(s.updates) {
			s.updates[idx] = nil
		}
	}
}

// RefreshStatus asks for current state, one call per configured query
// template: the cloud relay first, then the local codec path when the cloud
// had no data. Returns ErrRefreshFailed if no path produced anything.
func (s *Session) RefreshStatus(ctx context.Context) error {
	refreshed := false
	for _, template := range s.queries {
		query := make(map[string]any, len(template)+1)
		for k, v := range template {
			query[k] = v
		}
		s.deriveQueryLocation(query)

		if s.provider != nil {
			status, err := s.provider.GetDeviceStatus(ctx, s.statusRequest(query))
			if err != nil {
				s.logger.Warn("cloud status failed", "device", s.info.ID, "error", err)
			} else if len(status) > 0 {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.MergeStatus(codec.Flatten(status))
				refreshed = true
				continue
			}
		}

		cmd, ok := s.safeBuildQuery(query)
		if !ok {
			continue
		}
		if err := s.sendCommand(ctx, cmd); err != nil {
			s.logger.Warn("local query failed", "device", s.info.ID, "error", err)
			continue
		}
		refreshed = true
	}
	if !refreshed {
		return ErrRefreshFailed
	}
	return nil
}

// SetAttribute changes one attribute on the appliance.
func (s *Session) SetAttribute(ctx context.Context, attribute string, value any) error {
	return s.SetAttributes(ctx, map[string]any{attribute: value})
}

// SetAttributes changes attributes on the appliance. Unknown attribute
// names are ignored. The outbound payload always carries the centralized
// context attributes; the codec path is tried first, then the cloud relay.
func (s *Session) SetAttributes(ctx context.Context, attributes map[string]any) error {
	s.mu.Lock()
	newStatus := make(map[string]any, len(s.centralized)+len(attributes))
	for _, attr := range s.centralized {
		newStatus[attr] = s.attributes[attr]
	}
	hasNew := false
	for attr, value := range attributes {
		if _, ok := s.attributes[attr]; !ok {
			continue
		}
		hasNew = true
		newStatus[attr] = value
	}
	refreshAfter := false
	if s.info.Type == typeDualChamber {
		refreshAfter = s.applyChamberControl(attributes, newStatus)
	}
	s.applySetRules(newStatus)
	s.mu.Unlock()

	if !hasNew {
		return nil
	}

	if refreshAfter {
		// Selection changed chambers; refresh so the state reflects the
		// newly selected one before the control goes out.
		if err := s.RefreshStatus(ctx); err != nil {
			s.logger.Warn("refresh after selection failed", "device", s.info.ID, "error", err)
		}
		s.mu.Lock()
		if running, ok := s.attributes["db_running_status"].(string); ok {
			cs := controlStatusForRunning(running)
			s.attributes["db_control_status"] = cs
			newStatus["db_control_status"] = cs
		}
		s.mu.Unlock()
	}

	nested := codec.Nest(newStatus)
	current := codec.Nest(s.Attributes())

	if cmd, ok := s.safeBuildControl(nested, current); ok {
		err := s.sendCommand(ctx, cmd)
		if err == nil {
			return nil
		}
		s.logger.Warn("local control failed", "device", s.info.ID, "error", err)
	}

	if s.provider == nil {
		return fmt.Errorf("device %d: %w", s.info.ID, ErrRefreshFailed)
	}
	return s.provider.SendDeviceControl(ctx, cloud.ControlRequest{
		ApplianceID:      s.info.ID,
		DeviceType:       s.info.Type,
		SN:               s.info.SN,
		ModelNumber:      s.info.ModelNumber,
		ManufacturerCode: s.info.ManufacturerCode,
		Control:          nested,
		Status:           s.Attributes(),
	})
}

// MergeStatus runs the merge algorithm on a reported status and notifies
// subscribers with the committed delta.
func (s *Session) MergeStatus(status map[string]any) {
	s.mu.Lock()
	delta := s.merge(status)
	updates := make([]UpdateFunc, 0, len(s.updates))
	for _, fn := range s.updates {
		if fn != nil {
			updates = append(updates, fn)
		}
	}
	s.mu.Unlock()

	if len(delta) == 0 {
		return
	}
	s.logger.Debug("status update", "device", s.info.ID, "delta", delta)
	for _, fn := range updates {
		fn(delta)
	}
}

// merge implements the four merge steps under the session mutex:
// seed defaults, overlay changes, derive calculated attributes, commit.
func (s *Session) merge(status map[string]any) map[string]any {
	delta := make(map[string]any)
	for attr, def := range s.defaults {
		if cur, ok := s.attributes[attr]; !ok || cur == nil {
			delta[attr] = def
		}
	}
	for key, value := range status {
		if cur, ok := s.attributes[key]; !ok || !valuesEqual(cur, value) {
			delta[key] = value
		}
	}
	if len(delta) == 0 {
		return delta
	}
	for _, rule := range s.calcGet {
		if !ruleTriggered(rule, delta) {
			continue
		}
		v, ok := rule.RValue.Eval(func(path string) (float64, bool) {
			if dv, ok := delta[path]; ok {
				return toFloat(dv)
			}
			if cv, ok := s.attributes[path]; ok {
				return toFloat(cv)
			}
			return 0, false
		})
		if !ok {
			s.logger.Warn("calculation error", "device", s.info.ID, "lvalue", rule.LValue)
			continue
		}
		delta[rule.LValue] = v
	}
	for k, v := range delta {
		s.attributes[k] = v
	}
	return delta
}

// applySetRules rewrites an outbound payload through the reverse derivation
// rules. Caller holds the mutex.
func (s *Session) applySetRules(newStatus map[string]any) {
	for _, rule := range s.calcSet {
		if !ruleTriggered(rule, newStatus) {
			continue
		}
		v, ok := rule.RValue.Eval(func(path string) (float64, bool) {
			if dv, ok := newStatus[path]; ok {
				return toFloat(dv)
			}
			if cv, ok := s.attributes[path]; ok {
				return toFloat(cv)
			}
			return 0, false
		})
		if !ok {
			s.logger.Warn("calculation error", "device", s.info.ID, "lvalue", rule.LValue)
			continue
		}
		newStatus[rule.LValue] = v
	}
}

// HandleMessage processes one inbound local-protocol message: heartbeats
// are dropped, encrypted status segments are decrypted, decoded through the
// codec and merged.
func (s *Session) HandleMessage(msg []byte) {
	if len(msg) < 6 {
		return
	}
	payloadType := int(msg[2]) | int(msg[3])<<8
	if payloadType == 0x1001 || payloadType == 0x0001 {
		// Heartbeat
		return
	}
	if len(msg) <= 56 {
		return
	}
	encrypted := msg[40 : len(msg)-16]
	if len(encrypted)%16 != 0 {
		s.logger.Warn("unaligned body", "device", s.info.ID, "error", ErrResponse)
		return
	}
	plain, err := security.AESDecrypt(encrypted)
	if err != nil {
		s.logger.Warn("body decrypt failed", "device", s.info.ID,
			"error", fmt.Errorf("%w: %v", ErrResponse, err))
		return
	}
	status, ok := s.safeDecodeStatus(plain)
	if !ok {
		return
	}
	s.MergeStatus(codec.Flatten(status))
}

// setConnected records transport availability as an attribute change.
func (s *Session) setConnected(connected bool) {
	if connected {
		s.logger.Debug("device connected", "device", s.info.ID)
	} else {
		s.logger.Warn("device disconnected", "device", s.info.ID)
	}
	s.MergeStatus(map[string]any{"connected": connected})
}

// sendCommand frames a codec command and sends it over the local transport,
// falling back to the cloud transparent relay.
func (s *Session) sendCommand(ctx context.Context, cmd []byte) error {
	frame, err := packet.NewBuilder(s.info.ID, cmd).Finalize(packet.MsgTypeEncrypted)
	if err != nil {
		return err
	}
	if s.transport != nil && s.transport.Connected() {
		return s.transport.Send(frame)
	}
	if s.provider == nil {
		return fmt.Errorf("device %d: no transport available", s.info.ID)
	}
	reply, err := s.provider.Transparent(ctx, s.info.ID, frame)
	if err != nil {
		return err
	}
	if len(reply) > 0 {
		s.HandleMessage(reply)
	}
	return nil
}

// deriveQueryLocation adds the chamber location parameter for dual-chamber
// appliances: position 1 keeps the stored location, position 0 selects the
// other chamber and updates the selection label.
func (s *Session) deriveQueryLocation(query map[string]any) {
	if s.info.Type != typeDualChamber {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	position := intAttr(s.attributes, "db_position", 1)
	location := intAttr(s.attributes, "db_location", 1)
	if position == 1 {
		query["db_location"] = location
		return
	}
	flipped := otherChamber(location)
	query["db_location"] = flipped
	s.attributes["db_location_selection"] = chamberLabel(flipped)
}

// applyChamberControl adjusts an outbound dual-chamber control payload.
// Returns true when an immediate refresh should follow. Caller holds the
// mutex.
func (s *Session) applyChamberControl(attributes, newStatus map[string]any) bool {
	if sel, ok := attributes["db_location_selection"]; ok {
		label, _ := sel.(string)
		switch label {
		case "left":
			s.attributes["db_location"] = 1
			newStatus["db_location"] = 1
		case "right":
			s.attributes["db_location"] = 2
			newStatus["db_location"] = 2
		}
		newStatus["db_location_selection"] = label
		return true
	}
	if pos, ok := attributes["db_position"]; ok {
		position, _ := toInt(pos)
		location := intAttr(s.attributes, "db_location", 1)
		if position == 1 {
			newStatus["db_location"] = location
			return false
		}
		if position == 0 {
			flipped := otherChamber(location)
			s.attributes["db_location"] = flipped
			newStatus["db_location"] = flipped
			label := chamberLabel(flipped)
			s.attributes["db_location_selection"] = label
			newStatus["db_location_selection"] = label
		}
		return false
	}
	position := intAttr(s.attributes, "db_position", 1)
	location := intAttr(s.attributes, "db_location", 1)
	if position == 0 {
		newStatus["db_location"] = otherChamber(location)
	} else {
		newStatus["db_location"] = location
	}
	return false
}

func (s *Session) statusRequest(query map[string]any) cloud.StatusRequest {
	return cloud.StatusRequest{
		ApplianceID:      s.info.ID,
		DeviceType:       s.info.Type,
		SN:               s.info.SN,
		ModelNumber:      s.info.ModelNumber,
		ManufacturerCode: s.info.ManufacturerCode,
		Query:            query,
	}
}

// The safe wrappers absorb descriptor panics; a failed build or decode is
// an expected negative outcome, not an error.

func (s *Session) safeBuildQuery(params map[string]any) (cmd []byte, ok bool) {
	if s.descriptor == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("codec build_query panic", "device", s.info.ID, "panic", r)
			cmd, ok = nil, false
		}
	}()
	return s.descriptor.BuildQuery(params)
}

func (s *Session) safeBuildControl(control, status map[string]any) (cmd []byte, ok bool) {
	if s.descriptor == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("codec build_control panic", "device", s.info.ID, "panic", r)
			cmd, ok = nil, false
		}
	}()
	return s.descriptor.BuildControl(control, status)
}

func (s *Session) safeDecodeStatus(raw []byte) (status map[string]any, ok bool) {
	if s.descriptor == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("codec decode_status panic", "device", s.info.ID, "panic", r)
			status, ok = nil, false
		}
	}()
	return s.descriptor.DecodeStatus(raw)
}

// Only a running appliance accepts "start"; anything else controls to pause.
func controlStatusForRunning(running string) string {
	if running == "start" {
		return "start"
	}
	return "pause"
}

func otherChamber(location int64) int64 {
	if location == 1 {
		return 2
	}
	return 1
}

func chamberLabel(location int64) string {
	if location == 2 {
		return "right"
	}
	return "left"
}

func ruleTriggered(rule calc.Rule, delta map[string]any) bool {
	for _, ref := range rule.RValue.Refs() {
		if _, ok := delta[ref]; ok {
			return true
		}
	}
	return false
}

func intAttr(attrs map[string]any, name string, def int64) int64 {
	if v, ok := attrs[name]; ok {
		if n, ok := toInt(v); ok {
			return n
		}
	}
	return def
}

func toInt(v any) (int64, bool) {
	f, ok := toFloat(v)
	return int64(f), ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			// booleans only equal other booleans
			_, ba := a.(bool)
			_, bb := b.(bool)
			return ba == bb && fa == fb
		}
		return false
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		return ok && sa == sb
	}
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
