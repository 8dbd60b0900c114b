package packet

// Device command frame: flag 0xAA, length, device type, protocol version,
// message type, body, two's-complement checksum over everything after the flag.

const commandHeaderLen = 10

// Command is the inner frame the codec-produced bytes are wrapped in.
type Command struct {
	DeviceType      uint8
	ProtocolVersion uint8
	MessageType     uint8
	Body            []byte
}

// NewCommand creates a command frame for a device type and command type.
func NewCommand(deviceType, protocolVersion, msgType uint8, body []byte) *Command {
	return &Command{
		DeviceType:      deviceType,
		ProtocolVersion: protocolVersion,
		MessageType:     msgType,
		Body:            body,
	}
}

// Serialize renders the frame with its trailing checksum.
func (c *Command) Serialize() []byte {
	length := commandHeaderLen + len(c.Body)
	out := make([]byte, 0, length+1)
	out = append(out,
		0xAA,
		uint8(length),
		c.DeviceType,
		0x00,       // frame sync check
		0x00, 0x00, // reserved
		0x00, // message id
		c.ProtocolVersion,
		0x00, // device protocol version
		c.MessageType,
	)
	out = append(out, c.Body...)
	out = append(out, checksum(out[1:]))
	return out
}

// checksum is the two's complement of the byte sum.
func checksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return uint8(^sum + 1)
}
