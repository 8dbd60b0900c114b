// Package cloud talks to the vendor cloud: account login, home and
// appliance enumeration, and status/control relay calls used as the
// fallback transport for devices without a local connection.
package cloud

import (
	"context"
	"errors"
	"fmt"
)

// ErrLogin indicates the cloud rejected the account credentials.
var ErrLogin = errors.New("cloud: login failed")

// Appliance is one enumerated device as reported by the cloud.
type Appliance struct {
	ID               uint64 `json:"applianceCode"`
	Name             string `json:"name"`
	Type             uint8  `json:"type"`
	SN               string `json:"sn"`
	SN8              string `json:"sn8"`
	ModelNumber      int    `json:"modelNumber"`
	Model            string `json:"productModel"`
	ManufacturerCode string `json:"manufacturerCode"`
	Online           bool   `json:"onlineStatus"`
}

// StatusRequest identifies a device for a relayed status query. Providers
// use the subset of fields their API requires.
type StatusRequest struct {
	ApplianceID      uint64
	DeviceType       uint8
	SN               string
	ModelNumber      int
	ManufacturerCode string
	Query            map[string]any
}

// ControlRequest carries a relayed control call: the desired values in
// nested form plus the full current status for appliance context.
type ControlRequest struct {
	ApplianceID      uint64
	DeviceType       uint8
	SN               string
	ModelNumber      int
	ManufacturerCode string
	Control          map[string]any
	Status           map[string]any
}

// Provider is the cloud API consumed by device sessions. GetDeviceStatus
// returning (nil, nil) means the cloud had no data, which callers treat as
// a fallback trigger rather than an error.
type Provider interface {
	Login(ctx context.Context) error
	ListHomes(ctx context.Context) (map[string]string, error)
	ListAppliances(ctx context.Context, homeID string) ([]Appliance, error)
	GetDeviceStatus(ctx context.Context, req StatusRequest) (map[string]any, error)
	SendDeviceControl(ctx context.Context, req ControlRequest) error

	// Transparent relays a raw local-protocol frame through the cloud and
	// returns the device's raw reply.
	Transparent(ctx context.Context, applianceID uint64, data []byte) ([]byte, error)
}

// NewProvider constructs a provider by server name.
func NewProvider(server, account, password string) (Provider, error) {
	switch server {
	case "meiju", "":
		return NewMeiju(account, password), nil
	case "msmarthome":
		return NewMSmartHome(account, password), nil
	}
	return nil, fmt.Errorf("cloud: unknown server %q", server)
}
