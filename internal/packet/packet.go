// Package packet builds device-addressed command frames. The layout is a wire
// contract with the appliances and the cloud relay: field order, widths, and
// endianness must not change.
package packet

import (
	"encoding/binary"
	"fmt"
	"time"

	"midea-bridge/internal/security"
)

const (
	headerLen  = 40
	trailerLen = 16

	// Packet message types passed to Finalize.
	MsgTypeEncrypted = 1 // command body is AES-ECB encrypted
	MsgTypePlain     = 0 // command body is sent as-is, header marked plain
)

// Builder assembles one outbound packet for a device.
type Builder struct {
	deviceID uint64
	command  []byte
	now      func() time.Time
}

// NewBuilder creates a Builder for the given device and command bytes.
func NewBuilder(deviceID uint64, command []byte) *Builder {
	return &Builder{deviceID: deviceID, command: command, now: time.Now}
}

// Finalize lays out the packet: 40-byte header (marker, message type, total
// length, timestamp, device id), the command body (encrypted when msgType is
// MsgTypeEncrypted), and the 16-byte MD5 trailer.
func (b *Builder) Finalize(msgType int) ([]byte, error) {
	packet := make([]byte, headerLen)
	packet[0] = 0x5A
	packet[1] = 0x5A
	packet[2] = 0x01
	packet[3] = 0x11
	// bytes 4-5: total length, filled in below
	packet[6] = 0x20
	packet[7] = 0x00
	// bytes 8-11: message id (zero)
	copy(packet[12:20], packetTime(b.now()))
	binary.LittleEndian.PutUint64(packet[20:28], b.deviceID)
	// bytes 28-39 reserved

	body := b.command
	if msgType == MsgTypeEncrypted {
		enc, err := security.AESEncrypt(b.command)
		if err != nil {
			return nil, fmt.Errorf("packet: encrypt command: %w", err)
		}
		body = enc
	} else {
		packet[3] = 0x10
		packet[6] = 0x7B
	}
	packet = append(packet, body...)
	binary.LittleEndian.PutUint16(packet[4:6], uint16(len(packet)+trailerLen))
	packet = append(packet, security.Encode32(packet)...)
	return packet, nil
}

// Heartbeat builds the periodic keep-alive packet for a device.
func Heartbeat(deviceID uint64) ([]byte, error) {
	return NewBuilder(deviceID, []byte{0x00}).Finalize(MsgTypePlain)
}

// packetTime encodes the current time as eight reversed two-digit groups of
// YYYYMMDDHHMMSSff.
func packetTime(t time.Time) []byte {
	s := t.Format("20060102150405") + fmt.Sprintf("%02d", t.Nanosecond()/1e7)
	out := make([]byte, 0, 8)
	for i := 0; i < len(s); i += 2 {
		d := (s[i]-'0')*10 + (s[i+1] - '0')
		out = append([]byte{d}, out...)
	}
	return out
}
