package cloud

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	msmartBaseURL = "https://mp-prod.appsmb.com/mas/v5/app/proxy?alias="
	msmartAppKey  = "ac21b9f9cbfe4ca5a88562ef25e2b768"
)

// MSmartHome is the broader smart-home cloud. Its relay calls identify a
// device by the full tuple of type, serial number, model number and
// manufacturer code.
type MSmartHome struct {
	client   *client
	account  string
	password string
	loginID  string
}

// NewMSmartHome creates an unauthenticated MSmartHome provider.
func NewMSmartHome(account, password string) *MSmartHome {
	return &MSmartHome{
		client:   newClient(msmartBaseURL, msmartAppKey),
		account:  account,
		password: password,
	}
}

func (m *MSmartHome) Login(ctx context.Context) error {
	data, err := m.client.postJSON(ctx, "/v1/user/login/id/get", map[string]any{
		"clientType":   1,
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
			"platform":     "android",
			"deviceId":     randomHex(16),
			"loginAccount": m.account,
		},
		"iotData": map[string]any{
			"loginAccount": m.account,
			"password":     encryptPassword(m.password, m.loginID, msmartAppKey),
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

func (m *MSmartHome) ListHomes(ctx context.Context) (map[string]string, error) {
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

func (m *MSmartHome) ListAppliances(ctx context.Context, homeID string) ([]Appliance, error) {
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

func (m *MSmartHome) GetDeviceStatus(ctx context.Context, req StatusRequest) (map[string]any, error) {
	data, err := m.client.postJSON(ctx, "/v2/device/status/get", map[string]any{
		"applianceCode":    strconv.FormatUint(req.ApplianceID, 10),
		"type":             fmt.Sprintf("0x%02X", req.DeviceType),
		"sn":               req.SN,
		"modelNumber":      req.ModelNumber,
		"manufacturerCode": req.ManufacturerCode,
		"command":          req.Query,
	})
	if err != nil {
		return nil, err
	}
	return decodeStatusData(data)
}

func (m *MSmartHome) SendDeviceControl(ctx context.Context, req ControlRequest) error {
	_, err := m.client.postJSON(ctx, "/v2/device/control", map[string]any{
		"applianceCode":    strconv.FormatUint(req.ApplianceID, 10),
		"type":             fmt.Sprintf("0x%02X", req.DeviceType),
		"sn":               req.SN,
		"modelNumber":      req.ModelNumber,
		"manufacturerCode": req.ManufacturerCode,
		"command":          req.Control,
		"status":           req.Status,
	})
	return err
}

func (m *MSmartHome) Transparent(ctx context.Context, applianceID uint64, frame []byte) ([]byte, error) {
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
