package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"midea-bridge/internal/calc"
	"midea-bridge/internal/cloud"
	"midea-bridge/internal/codec"
	"midea-bridge/internal/security"
)

type fakeDescriptor struct {
	buildQuery   func(params map[string]any) ([]byte, bool)
	buildControl func(control, status map[string]any) ([]byte, bool)
	decodeStatus func(raw []byte) (map[string]any, bool)
}

func (d *fakeDescriptor) BuildQuery(params map[string]any) ([]byte, bool) {
	if d.buildQuery == nil {
		return nil, false
	}
	return d.buildQuery(params)
}

func (d *fakeDescriptor) BuildControl(control, status map[string]any) ([]byte, bool) {
	if d.buildControl == nil {
		return nil, false
	}
	return d.buildControl(control, status)
}

func (d *fakeDescriptor) DecodeStatus(raw []byte) (map[string]any, bool) {
	if d.decodeStatus == nil {
		return nil, false
	}
	return d.decodeStatus(raw)
}

type fakeProvider struct {
	status      func(req cloud.StatusRequest) (map[string]any, error)
	control     func(req cloud.ControlRequest) error
	transparent func(id uint64, data []byte) ([]byte, error)

	statusCalls      int
	controlCalls     []cloud.ControlRequest
	transparentCalls [][]byte
}

func (p *fakeProvider) Login(context.Context) error { return nil }

func (p *fakeProvider) ListHomes(context.Context) (map[string]string, error) {
	return nil, nil
}

func (p *fakeProvider) ListAppliances(context.Context, string) ([]cloud.Appliance, error) {
	return nil, nil
}

func (p *fakeProvider) GetDeviceStatus(_ context.Context, req cloud.StatusRequest) (map[string]any, error) {
	p.statusCalls++
	if p.status == nil {
		return nil, nil
	}
	return p.status(req)
}

func (p *fakeProvider) SendDeviceControl(_ context.Context, req cloud.ControlRequest) error {
	p.controlCalls = append(p.controlCalls, req)
	if p.control == nil {
		return nil
	}
	return p.control(req)
}

func (p *fakeProvider) Transparent(_ context.Context, id uint64, data []byte) ([]byte, error) {
	p.transparentCalls = append(p.transparentCalls, data)
	if p.transparent == nil {
		return nil, nil
	}
	return p.transparent(id, data)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, info Info) *Session {
	t.Helper()
	return NewSession(info, testLogger())
}

func mustRule(t *testing.T, lvalue, rvalue string) calc.Rule {
	t.Helper()
	rule, err := calc.CompileRule(lvalue, rvalue)
	if err != nil {
		t.Fatalf("CompileRule(%q, %q): %v", lvalue, rvalue, err)
	}
	return rule
}

func TestNewSessionSeedsIdentity(t *testing.T) {
	s := newTestSession(t, Info{ID: 1, Type: 0xCA, SN: "sn-1", SN8: "Q1B06VL", ModelNumber: 3})
	attrs := s.Attributes()
	if attrs["device_type"] != "T0xCA" {
		t.Errorf("device_type = %v, want T0xCA", attrs["device_type"])
	}
	if attrs["sn8"] != "Q1B06VL" {
		t.Errorf("sn8 = %v", attrs["sn8"])
	}
	if _, ok := attrs["db_location_selection"]; ok {
		t.Error("non dual-chamber session has db_location_selection")
	}

	dc := newTestSession(t, Info{ID: 2, Type: 0xD9})
	if v, _ := dc.GetAttribute("db_location_selection"); v != "left" {
		t.Errorf("dual-chamber selection = %v, want left", v)
	}
}

func TestMergeStatusSeedsDefaultsOnce(t *testing.T) {
	s := newTestSession(t, Info{ID: 1, Type: 0xCA})
	s.ApplyMapping(&codec.Mapping{
		DefaultValues: map[string]any{"mode": "auto", "sn8": "ignored"},
	})

	var deltas []map[string]any
	s.RegisterUpdate(func(delta map[string]any) { deltas = append(deltas, delta) })

	s.MergeStatus(map[string]any{"power": true})
	if len(deltas) != 1 {
		t.Fatalf("got %d notifications, want 1", len(deltas))
	}
	// Default fills the missing attribute; the identity attribute keeps
	// its existing value.
	if deltas[0]["mode"] != "auto" || deltas[0]["power"] != true {
		t.Errorf("delta = %v", deltas[0])
	}
	if _, ok := deltas[0]["sn8"]; ok {
		t.Error("default overwrote a populated attribute")
	}

	s.MergeStatus(map[string]any{"mode": "cool"})
	if len(deltas) != 2 {
		t.Fatalf("got %d notifications, want 2", len(deltas))
	}
	if deltas[1]["mode"] != "cool" {
		t.Errorf("second delta = %v", deltas[1])
	}
	if v, _ := s.GetAttribute("mode"); v != "cool" {
		t.Errorf("mode = %v after override", v)
	}
}

func TestMergeStatusUnchangedIsSilent(t *testing.T) {
	s := newTestSession(t, Info{ID: 1, Type: 0xCA})
	notified := 0
	s.RegisterUpdate(func(map[string]any) { notified++ })

	s.MergeStatus(map[string]any{"power": true, "temperature": 4.5})
	s.MergeStatus(map[string]any{"power": true, "temperature": 4.5})
	if notified != 1 {
		t.Errorf("got %d notifications, want 1", notified)
	}

	// Numeric equality crosses integer and float representations.
	s.MergeStatus(map[string]any{"temperature": 4.5, "count": 3})
	s.MergeStatus(map[string]any{"count": float64(3)})
	if notified != 2 {
		t.Errorf("got %d notifications, want 2", notified)
	}
}

func TestMergeStatusCalculatesDerived(t *testing.T) {
	s := newTestSession(t, Info{ID: 1, Type: 0xCA})
	s.ApplyMapping(&codec.Mapping{
		CalculateGet: []calc.Rule{
			mustRule(t, "[temperature]", "[temperature.raw] / 10 - 40"),
		},
	})

	var last map[string]any
	s.RegisterUpdate(func(delta map[string]any) { last = delta })

	s.MergeStatus(map[string]any{"temperature.raw": 485})
	if last["temperature"] != 8.5 {
		t.Errorf("temperature = %v, want 8.5", last["temperature"])
	}

	// A delta without the referenced attribute must not recompute.
	s.MergeStatus(map[string]any{"power": true})
	if _, ok := last["temperature"]; ok {
		t.Errorf("unrelated delta recomputed derived attribute: %v", last)
	}
	if v, _ := s.GetAttribute("temperature"); v != 8.5 {
		t.Errorf("temperature = %v after unrelated merge", v)
	}
}

func TestRegisterUpdateUnsubscribe(t *testing.T) {
	s := newTestSession(t, Info{ID: 1, Type: 0xCA})
	calls := 0
	off := s.RegisterUpdate(func(map[string]any) { calls++ })
	s.MergeStatus(map[string]any{"power": true})
	off()
	s.MergeStatus(map[string]any{"power": false})
	if calls != 1 {
		t.Errorf("got %d calls, want 1", calls)
	}
}

func TestSetAttributesUnknownIsNoOp(t *testing.T) {
	s := newTestSession(t, Info{ID: 1, Type: 0xCA})
	provider := &fakeProvider{}
	s.SetProvider(provider)

	if err := s.SetAttributes(context.Background(), map[string]any{"nonexistent": 1}); err != nil {
		t.Fatalf("SetAttributes: %v", err)
	}
	if len(provider.controlCalls) != 0 || len(provider.transparentCalls) != 0 {
		t.Error("unknown attribute reached a transport")
	}
}

func TestSetAttributesLocalPathCarriesContext(t *testing.T) {
	s := newTestSession(t, Info{ID: 77, Type: 0xCA})
	s.SeedAttributes("power", "mode")
	s.MergeStatus(map[string]any{"mode": "auto"})
	s.ApplyMapping(&codec.Mapping{Centralized: []string{"mode"}})

	var gotControl map[string]any
	s.SetDescriptor(&fakeDescriptor{
		buildControl: func(control, status map[string]any) ([]byte, bool) {
			gotControl = control
			return []byte{0xAA, 0x00, 0xCA}, true
		},
	})
	provider := &fakeProvider{}
	s.SetProvider(provider)

	if err := s.SetAttributes(context.Background(), map[string]any{"power": true}); err != nil {
		t.Fatalf("SetAttributes: %v", err)
	}
	if gotControl["power"] != true {
		t.Errorf("control payload = %v", gotControl)
	}
	if gotControl["mode"] != "auto" {
		t.Errorf("centralized context missing: %v", gotControl)
	}
	// The codec path succeeded; the relay control API must stay untouched,
	// but the framed command goes out through the transparent channel.
	if len(provider.controlCalls) != 0 {
		t.Error("cloud control called despite local success")
	}
	if len(provider.transparentCalls) != 1 {
		t.Fatalf("got %d transparent calls, want 1", len(provider.transparentCalls))
	}
}

func TestSetAttributesFallsBackToCloud(t *testing.T) {
	s := newTestSession(t, Info{ID: 77, Type: 0xCA, SN: "sn-x", ModelNumber: 5})
	s.SeedAttributes("power")
	provider := &fakeProvider{}
	s.SetProvider(provider)

	if err := s.SetAttributes(context.Background(), map[string]any{"power": true}); err != nil {
		t.Fatalf("SetAttributes: %v", err)
	}
	if len(provider.controlCalls) != 1 {
		t.Fatalf("got %d cloud controls, want 1", len(provider.controlCalls))
	}
	req := provider.controlCalls[0]
	if req.ApplianceID != 77 || req.SN != "sn-x" || req.ModelNumber != 5 {
		t.Errorf("request identity = %+v", req)
	}
	if req.Control["power"] != true {
		t.Errorf("control = %v", req.Control)
	}
}

func TestSetAttributesNoPathFails(t *testing.T) {
	s := newTestSession(t, Info{ID: 77, Type: 0xCA})
	s.SeedAttributes("power")

	err := s.SetAttributes(context.Background(), map[string]any{"power": true})
	if !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("err = %v, want ErrRefreshFailed", err)
	}
}

func TestSetAttributesAppliesSetRules(t *testing.T) {
	s := newTestSession(t, Info{ID: 1, Type: 0xCA})
	s.SeedAttributes("temperature")
	s.ApplyMapping(&codec.Mapping{
		CalculateSet: []calc.Rule{
			mustRule(t, "[target.raw]", "([temperature] + 40) * 10"),
		},
	})

	var gotControl map[string]any
	s.SetDescriptor(&fakeDescriptor{
		buildControl: func(control, status map[string]any) ([]byte, bool) {
			gotControl = control
			return []byte{0xAA}, true
		},
	})
	s.SetProvider(&fakeProvider{})

	if err := s.SetAttributes(context.Background(), map[string]any{"temperature": 8.5}); err != nil {
		t.Fatalf("SetAttributes: %v", err)
	}
	target, ok := gotControl["target"].(map[string]any)
	if !ok {
		t.Fatalf("control payload not nested: %v", gotControl)
	}
	if target["raw"] != 485.0 {
		t.Errorf("target.raw = %v, want 485", target["raw"])
	}
	if gotControl["temperature"] != 8.5 {
		t.Errorf("temperature = %v, want 8.5", gotControl["temperature"])
	}
}

func TestRefreshStatusPrefersCloud(t *testing.T) {
	s := newTestSession(t, Info{ID: 9, Type: 0xCA})
	provider := &fakeProvider{
		status: func(cloud.StatusRequest) (map[string]any, error) {
			return map[string]any{"power": true, "temperature": map[string]any{"raw": 485}}, nil
		},
	}
	s.SetProvider(provider)
	queried := false
	s.SetDescriptor(&fakeDescriptor{
		buildQuery: func(map[string]any) ([]byte, bool) {
			queried = true
			return []byte{0xAA}, true
		},
	})

	if err := s.RefreshStatus(context.Background()); err != nil {
		t.Fatalf("RefreshStatus: %v", err)
	}
	if queried {
		t.Error("local query built despite cloud data")
	}
	if v, _ := s.GetAttribute("power"); v != true {
		t.Errorf("power = %v", v)
	}
	if v, _ := s.GetAttribute("temperature.raw"); v != 485 {
		t.Errorf("temperature.raw = %v, flattening expected", v)
	}
}

func TestRefreshStatusFallsBackToLocal(t *testing.T) {
	s := newTestSession(t, Info{ID: 9, Type: 0xCA})
	provider := &fakeProvider{
		status: func(cloud.StatusRequest) (map[string]any, error) {
			return nil, errors.New("relay down")
		},
	}
	s.SetProvider(provider)
	s.SetDescriptor(&fakeDescriptor{
		buildQuery: func(map[string]any) ([]byte, bool) {
			return []byte{0xAA, 0x00, 0xCA, 0x03}, true
		},
	})

	if err := s.RefreshStatus(context.Background()); err != nil {
		t.Fatalf("RefreshStatus: %v", err)
	}
	if len(provider.transparentCalls) != 1 {
		t.Errorf("got %d transparent calls, want 1", len(provider.transparentCalls))
	}
}

func TestRefreshStatusAllPathsFail(t *testing.T) {
	s := newTestSession(t, Info{ID: 9, Type: 0xCA})
	s.SetProvider(&fakeProvider{
		status: func(cloud.StatusRequest) (map[string]any, error) {
			return nil, errors.New("relay down")
		},
	})

	err := s.RefreshStatus(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Errorf("err = %v, want ErrRefreshFailed", err)
	}
}

func TestRefreshStatusRunsEveryQueryTemplate(t *testing.T) {
	s := newTestSession(t, Info{ID: 9, Type: 0xCA})
	s.ApplyMapping(&codec.Mapping{
		Queries: []map[string]any{
			{"db_location": 1},
			{"db_location": 2},
		},
	})
	var seen []map[string]any
	provider := &fakeProvider{
		status: func(req cloud.StatusRequest) (map[string]any, error) {
			seen = append(seen, req.Query)
			return map[string]any{"power": true}, nil
		},
	}
	s.SetProvider(provider)

	if err := s.RefreshStatus(context.Background()); err != nil {
		t.Fatalf("RefreshStatus: %v", err)
	}
	if len(seen) != 2 {
		t.Fatalf("got %d queries, want 2", len(seen))
	}
	if seen[0]["db_location"] != 1 || seen[1]["db_location"] != 2 {
		t.Errorf("queries = %v", seen)
	}
}

func TestDeriveQueryLocation(t *testing.T) {
	tests := []struct {
		name          string
		position      any
		location      any
		wantLocation  int64
		wantSelection string
	}{
		{"position 1 keeps location", 1, 2, 2, "left"},
		{"position 0 flips left to right", 0, 1, 2, "right"},
		{"position 0 flips right to left", 0, 2, 1, "left"},
		{"missing attributes default", nil, nil, 1, "left"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := newTestSession(t, Info{ID: 1, Type: 0xD9})
			if tc.position != nil {
				s.MergeStatus(map[string]any{"db_position": tc.position, "db_location": tc.location})
			}
			query := map[string]any{}
			s.deriveQueryLocation(query)
			if query["db_location"] != tc.wantLocation {
				t.Errorf("db_location = %v, want %d", query["db_location"], tc.wantLocation)
			}
			if tc.position == nil {
				return
			}
			if v, _ := s.GetAttribute("db_location_selection"); tc.wantSelection != "" && tc.position == 0 && v != tc.wantSelection {
				t.Errorf("selection = %v, want %s", v, tc.wantSelection)
			}
		})
	}
}

func TestDeriveQueryLocationIgnoresOtherTypes(t *testing.T) {
	s := newTestSession(t, Info{ID: 1, Type: 0xCA})
	query := map[string]any{}
	s.deriveQueryLocation(query)
	if len(query) != 0 {
		t.Errorf("query mutated for non dual-chamber type: %v", query)
	}
}

func TestApplyChamberControl(t *testing.T) {
	t.Run("selection maps to location", func(t *testing.T) {
		s := newTestSession(t, Info{ID: 1, Type: 0xD9})
		newStatus := map[string]any{}
		refresh := s.applyChamberControl(map[string]any{"db_location_selection": "right"}, newStatus)
		if !refresh {
			t.Error("selection change must request a refresh")
		}
		if newStatus["db_location"] != 2 {
			t.Errorf("db_location = %v, want 2", newStatus["db_location"])
		}
		if v, _ := s.GetAttribute("db_location"); v != 2 {
			t.Errorf("stored db_location = %v", v)
		}
	})

	t.Run("position zero flips stored location", func(t *testing.T) {
		s := newTestSession(t, Info{ID: 1, Type: 0xD9})
		s.MergeStatus(map[string]any{"db_location": 1})
		newStatus := map[string]any{}
		refresh := s.applyChamberControl(map[string]any{"db_position": 0}, newStatus)
		if refresh {
			t.Error("position change must not request a refresh")
		}
		if newStatus["db_location"] != int64(2) {
			t.Errorf("db_location = %v, want 2", newStatus["db_location"])
		}
		if newStatus["db_location_selection"] != "right" {
			t.Errorf("selection = %v, want right", newStatus["db_location_selection"])
		}
	})

	t.Run("plain control carries current location", func(t *testing.T) {
		s := newTestSession(t, Info{ID: 1, Type: 0xD9})
		s.MergeStatus(map[string]any{"db_location": 2, "db_position": 1})
		newStatus := map[string]any{}
		refresh := s.applyChamberControl(map[string]any{"power": true}, newStatus)
		if refresh {
			t.Error("plain control must not request a refresh")
		}
		if newStatus["db_location"] != int64(2) {
			t.Errorf("db_location = %v, want 2", newStatus["db_location"])
		}
	})
}

func TestSetAttributesSelectionRefreshesControlStatus(t *testing.T) {
	s := newTestSession(t, Info{ID: 1, Type: 0xD9})
	s.SeedAttributes("db_location_selection", "db_running_status", "db_control_status")
	provider := &fakeProvider{
		status: func(cloud.StatusRequest) (map[string]any, error) {
			return map[string]any{"db_running_status": "standby"}, nil
		},
	}
	s.SetProvider(provider)

	var gotControl map[string]any
	s.SetDescriptor(&fakeDescriptor{
		buildControl: func(control, status map[string]any) ([]byte, bool) {
			gotControl = control
			return []byte{0xAA}, true
		},
	})

	if err := s.SetAttributes(context.Background(), map[string]any{"db_location_selection": "right"}); err != nil {
		t.Fatalf("SetAttributes: %v", err)
	}
	if provider.statusCalls == 0 {
		t.Error("selection change did not refresh")
	}
	if gotControl["db_control_status"] != "pause" {
		t.Errorf("db_control_status = %v, want pause", gotControl["db_control_status"])
	}
}

func TestHandleMessage(t *testing.T) {
	body := []byte{0xAA, 0x0A, 0xCA, 0, 0, 0, 0, 0, 0, 0x03, 0x01}
	encrypted, err := security.AESEncrypt(body)
	if err != nil {
		t.Fatalf("AESEncrypt: %v", err)
	}
	frame := make([]byte, 0, 40+len(encrypted)+16)
	frame = append(frame, make([]byte, 40)...)
	frame[2], frame[3] = 0x20, 0x00
	frame = append(frame, encrypted...)
	frame = append(frame, make([]byte, 16)...)

	t.Run("decodes encrypted status", func(t *testing.T) {
		s := newTestSession(t, Info{ID: 1, Type: 0xCA})
		var gotPlain []byte
		s.SetDescriptor(&fakeDescriptor{
			decodeStatus: func(raw []byte) (map[string]any, bool) {
				gotPlain = raw
				return map[string]any{"power": true}, true
			},
		})
		s.HandleMessage(frame)
		if len(gotPlain) < len(body) {
			t.Fatalf("decoded %d bytes, want at least %d", len(gotPlain), len(body))
		}
		for i, b := range body {
			if gotPlain[i] != b {
				t.Fatalf("plaintext[%d] = %#x, want %#x", i, gotPlain[i], b)
			}
		}
		if v, _ := s.GetAttribute("power"); v != true {
			t.Errorf("power = %v after decode", v)
		}
	})

	t.Run("skips heartbeats and short frames", func(t *testing.T) {
		s := newTestSession(t, Info{ID: 1, Type: 0xCA})
		decoded := false
		s.SetDescriptor(&fakeDescriptor{
			decodeStatus: func([]byte) (map[string]any, bool) {
				decoded = true
				return nil, false
			},
		})
		heartbeat := make([]byte, 80)
		heartbeat[2], heartbeat[3] = 0x01, 0x10
		s.HandleMessage(heartbeat)
		s.HandleMessage(make([]byte, 56))
		s.HandleMessage([]byte{1, 2, 3})
		if decoded {
			t.Error("skipped frame reached the codec")
		}
	})
}

func TestSetConnectedMergesAttribute(t *testing.T) {
	s := newTestSession(t, Info{ID: 1, Type: 0xCA})
	var last map[string]any
	s.RegisterUpdate(func(delta map[string]any) { last = delta })

	s.setConnected(true)
	if last["connected"] != true {
		t.Errorf("delta = %v", last)
	}
	s.setConnected(false)
	if last["connected"] != false {
		t.Errorf("delta = %v", last)
	}
}

func TestValuesEqual(t *testing.T) {
	tests := []struct {
		a, b any
		want bool
	}{
		{1, 1.0, true},
		{int64(485), 485, true},
		{true, true, true},
		{true, 1, false},
		{false, 0, false},
		{"start", "start", true},
		{"start", "pause", false},
		{"1", 1, false},
		{nil, nil, true},
		{nil, 0, false},
	}
	for _, tc := range tests {
		if got := valuesEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("valuesEqual(%v, %v) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}
