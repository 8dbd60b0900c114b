//go:build no_mqtt

package main

import (
	"log/slog"

	"midea-bridge/internal/device"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *device.Hub, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
