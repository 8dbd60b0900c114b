package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"midea-bridge/internal/automation"
	"midea-bridge/internal/cloud"
	"midea-bridge/internal/codec"
	"midea-bridge/internal/device"
	"midea-bridge/internal/store"
)

type stubCloud struct {
	status   map[string]any
	controls []cloud.ControlRequest
}

func (p *stubCloud) Login(context.Context) error { return nil }

func (p *stubCloud) ListHomes(context.Context) (map[string]string, error) { return nil, nil }

func (p *stubCloud) ListAppliances(context.Context, string) ([]cloud.Appliance, error) {
	return nil, nil
}

func (p *stubCloud) GetDeviceStatus(context.Context, cloud.StatusRequest) (map[string]any, error) {
	return p.status, nil
}

func (p *stubCloud) SendDeviceControl(_ context.Context, req cloud.ControlRequest) error {
	p.controls = append(p.controls, req)
	return nil
}

func (p *stubCloud) Transparent(context.Context, uint64, []byte) ([]byte, error) {
	return nil, nil
}

func newTestServer(t *testing.T, opts ...ServerOption) (*Server, *device.Session, *stubCloud) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := device.NewHub(codec.NewRegistry(logger), codec.NewMappingDB(),
		device.NewEventBus(logger), nil, 0, logger)

	provider := &stubCloud{status: map[string]any{"power": true}}
	session := hub.AddAppliance(context.Background(), &store.Appliance{
		ID:   42,
		Name: "fridge",
		Type: 0xCA,
		SN8:  "Q1B06VL0",
	}, provider)
	session.SeedAttributes("power")

	srv := NewServer(hub, logger, opts...)
	t.Cleanup(srv.Stop)
	return srv, session, provider
}

func doJSON(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Body.String(), "{") {
		json.Unmarshal(rec.Body.Bytes(), &decoded)
	}
	return rec, decoded
}

func TestAPIListDevices(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec, _ := doJSON(t, srv, http.MethodGet, "/api/devices", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var views []DeviceView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 1 || views[0].ID != 42 || views[0].Type != "ca" {
		t.Errorf("views = %+v", views)
	}
}

func TestAPIGetDevice(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec, body := doJSON(t, srv, http.MethodGet, "/api/devices/42", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if body["name"] != "fridge" {
		t.Errorf("body = %v", body)
	}

	rec, _ = doJSON(t, srv, http.MethodGet, "/api/devices/999", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown id status = %d", rec.Code)
	}

	rec, _ = doJSON(t, srv, http.MethodGet, "/api/devices/not-a-number", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad id status = %d", rec.Code)
	}
}

func TestAPISetAttributes(t *testing.T) {
	srv, _, provider := newTestServer(t)

	rec, _ := doJSON(t, srv, http.MethodPost, "/api/devices/42/set", `{"power":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(provider.controls) != 1 {
		t.Fatalf("got %d controls, want 1", len(provider.controls))
	}
	if provider.controls[0].Control["power"] != true {
		t.Errorf("control = %v", provider.controls[0].Control)
	}

	rec, _ = doJSON(t, srv, http.MethodPost, "/api/devices/42/set", `{not json`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad body status = %d", rec.Code)
	}

	rec, _ = doJSON(t, srv, http.MethodPost, "/api/devices/42/set", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d", rec.Code)
	}
}

func TestAPIRefresh(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec, body := doJSON(t, srv, http.MethodPost, "/api/devices/42/refresh", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	attrs, _ := body["attributes"].(map[string]any)
	if attrs["power"] != true {
		t.Errorf("attributes = %v", attrs)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _, _ := newTestServer(t, WithVersion("1.2.3"))
	rec, body := doJSON(t, srv, http.MethodGet, "/api/version", "")
	if rec.Code != http.StatusOK || body["version"] != "1.2.3" {
		t.Errorf("status = %d, body = %v", rec.Code, body)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, _, _ := newTestServer(t, WithAPIKey("secret-key"))

	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing key status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid key status = %d", rec.Code)
	}
}

func TestCORS(t *testing.T) {
	srv, _, _ := newTestServer(t, WithAllowedOrigins([]string{"http://allowed.local"}))

	t.Run("preflight allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/devices", nil)
		req.Header.Set("Origin", "http://allowed.local")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "http://allowed.local" {
			t.Errorf("allow-origin = %q", rec.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("preflight forbidden", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/api/devices", nil)
		req.Header.Set("Origin", "http://evil.local")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("mutating request from bad origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/devices/42/refresh", nil)
		req.Header.Set("Origin", "http://evil.local")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusForbidden {
			t.Errorf("status = %d", rec.Code)
		}
	})

	t.Run("read from any origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
		req.Header.Set("Origin", "http://evil.local")
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("status = %d", rec.Code)
		}
	})
}

func TestAutomationEndpoints(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := device.NewHub(codec.NewRegistry(logger), codec.NewMappingDB(),
		device.NewEventBus(logger), nil, 0, logger)
	mgr, err := automation.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	engine := automation.NewEngine(hub, mgr, logger, automation.TelegramConfig{})
	srv := NewServer(hub, logger, WithAutomation(engine, mgr))
	t.Cleanup(srv.Stop)

	rec, body := doJSON(t, srv, http.MethodPost, "/api/automations",
		`{"name":"Night Mode","lua_code":"midea.log('hi')","enabled":false}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	id, _ := body["id"].(string)
	if id == "" {
		t.Fatalf("create body = %v", body)
	}

	rec, _ = doJSON(t, srv, http.MethodGet, "/api/automations/"+id, "")
	if rec.Code != http.StatusOK {
		t.Errorf("get status = %d", rec.Code)
	}

	rec, _ = doJSON(t, srv, http.MethodPost, "/api/automations",
		`{"lua_code":"x = 1"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("nameless create status = %d", rec.Code)
	}

	rec, body = doJSON(t, srv, http.MethodPost, "/api/automations/_inline/run",
		`{"lua_code":"midea.log('from inline')"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("inline run status = %d", rec.Code)
	}
	if body["ok"] != true {
		t.Errorf("inline run result = %v", body)
	}

	rec, _ = doJSON(t, srv, http.MethodDelete, "/api/automations/"+id, "")
	if rec.Code != http.StatusOK {
		t.Errorf("delete status = %d", rec.Code)
	}
	rec, _ = doJSON(t, srv, http.MethodGet, "/api/automations/"+id, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d", rec.Code)
	}
}
