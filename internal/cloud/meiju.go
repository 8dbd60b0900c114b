package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	meijuBaseURL = "https://mp-prod.smartmidea.net/mas/v5/app/proxy?alias="
	meijuAppKey  = "ac21b9f9cbfe4ca5a88562ef25e2b768"
)

// Meiju is the direct appliance cloud. Its relay calls address a device by
// appliance code alone.
type Meiju struct {
	client   *client
	account  string
	password string
	loginID  string
}

// NewMeiju creates an unauthenticated Meiju provider.
func NewMeiju(account, password string) *Meiju {
	return &Meiju{
		client:   newClient(meijuBaseURL, meijuAppKey),
		account:  account,
		password: password,
	}
}

// Login performs the two-step login: fetch the account's login id, then
// post the encrypted password.
func (m *Meiju) Login(ctx context.Context) error {
	data, err := m.client.postJSON(ctx, "/v1/user/login/id/get", map[string]any{
		"loginAccount": m.account,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLogin, err)
	}
	var idResp struct {
		LoginID string `json:"loginId"`
	}
	if err := json.Unmarshal(data, &idResp); err != nil || idResp.LoginID == "" {
		return fmt.Errorf("%w: missing login id", ErrLogin)
	}
	m.loginID = idResp.LoginID

	data, err = m.client.postJSON(ctx, "/mj/user/login", map[string]any{
		"data": map[string]any{
			"platform":     "ios",
			"deviceId":     randomHex(16),
			"loginAccount": m.account,
		},
		"iotData": map[string]any{
			"iampwd":       encryptPassword(m.password, m.loginID, meijuAppKey),
			"loginAccount": m.account,
			"password":     encryptPassword(m.password, m.loginID, meijuAppKey),
		},
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrLogin, err)
	}
	var loginResp struct {
		MData struct {
			AccessToken string `json:"accessToken"`
		} `json:"mdata"`
	}
	if err := json.Unmarshal(data, &loginResp); err != nil || loginResp.MData.AccessToken == "" {
		return fmt.Errorf("%w: missing access token", ErrLogin)
	}
	m.client.accessToken = loginResp.MData.AccessToken
	return nil
}

// ListHomes returns home group ids mapped to their names.
func (m *Meiju) ListHomes(ctx context.Context) (map[string]string, error) {
	data, err := m.client.postJSON(ctx, "/v1/homegroup/list/get", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		HomeList []struct {
			HomegroupID json.Number `json:"homegroupId"`
			Name        string      `json:"name"`
		} `json:"homeList"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("cloud: parse home list: %w", err)
	}
	homes := make(map[string]string, len(resp.HomeList))
	for _, h := range resp.HomeList {
		homes[h.HomegroupID.String()] = h.Name
	}
	return homes, nil
}

// ListAppliances enumerates the appliances of one home.
func (m *Meiju) ListAppliances(ctx context.Context, homeID string) ([]Appliance, error) {
	data, err := m.client.postJSON(ctx, "/v1/appliance/home/list/get", map[string]any{
		"homegroupId": homeID,
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		HomeList []struct {
			RoomList []struct {
				ApplianceList []applianceEntry `json:"applianceList"`
			} `json:"roomList"`
		} `json:"homeList"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("cloud: parse appliance list: %w", err)
	}
	var out []Appliance
	for _, h := range resp.HomeList {
		for _, r := range h.RoomList {
			for _, e := range r.ApplianceList {
				out = append(out, e.toAppliance())
			}
		}
	}
	return out, nil
}

// GetDeviceStatus relays a status query; (nil, nil) means no data.
func (m *Meiju) GetDeviceStatus(ctx context.Context, req StatusRequest) (map[string]any, error) {
	data, err := m.client.postJSON(ctx, "/v1/appliance/operation/status/get", map[string]any{
		"applianceCode": strconv.FormatUint(req.ApplianceID, 10),
		"command":       req.Query,
	})
	if err != nil {
		return nil, err
	}
	return decodeStatusData(data)
}

// SendDeviceControl relays a control call with full status context.
func (m *Meiju) SendDeviceControl(ctx context.Context, req ControlRequest) error {
	_, err := m.client.postJSON(ctx, "/v1/appliance/operation/control", map[string]any{
		"applianceCode": strconv.FormatUint(req.ApplianceID, 10),
		"command":       req.Control,
		"status":        req.Status,
	})
	return err
}

// Transparent relays a raw local-protocol frame and returns the reply.
func (m *Meiju) Transparent(ctx context.Context, applianceID uint64, frame []byte) ([]byte, error) {
	data, err := m.client.postJSON(ctx, "/v1/appliance/transparent/send", map[string]any{
		"applianceCode": strconv.FormatUint(applianceID, 10),
		"order":         base64.StdEncoding.EncodeToString(frame),
	})
	if err != nil {
		return nil, err
	}
	var resp struct {
		Reply string `json:"reply"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("cloud: parse transparent reply: %w", err)
	}
	if resp.Reply == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(resp.Reply)
}

type applianceEntry struct {
	ApplianceCode    json.Number `json:"applianceCode"`
	Name             string      `json:"name"`
	Type             string      `json:"type"`
	SN               string      `json:"sn"`
	SN8              string      `json:"sn8"`
	ModelNumber      json.Number `json:"modelNumber"`
	ProductModel     string      `json:"productModel"`
	ManufacturerCode string      `json:"manufacturerCode"`
	OnlineStatus     json.Number `json:"onlineStatus"`
}

func (e applianceEntry) toAppliance() Appliance {
	id, _ := strconv.ParseUint(e.ApplianceCode.String(), 10, 64)
	model, _ := strconv.Atoi(e.ModelNumber.String())
	online, _ := e.OnlineStatus.Int64()
	typ, _ := strconv.ParseUint(stripHexPrefix(e.Type), 16, 8)
	return Appliance{
		ID:               id,
		Name:             e.Name,
		Type:             uint8(typ),
		SN:               e.SN,
		SN8:              e.SN8,
		ModelNumber:      model,
		Model:            e.ProductModel,
		ManufacturerCode: e.ManufacturerCode,
		Online:           online == 1,
	}
}

func stripHexPrefix(s string) string {
	if len(s) > 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}

// decodeStatusData unwraps a relayed status payload; an empty object is
// reported as no data.
func decodeStatusData(data json.RawMessage) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var status map[string]any
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("cloud: parse status: %w", err)
	}
	if len(status) == 0 {
		return nil, nil
	}
	return status, nil
}
