// Package security implements the local transport security layer for Midea
// appliances: the 8370 framing protocol (v3, encrypted) with its handshake
// key exchange, the plain v2 length-prefixed framing, and the AES operations
// applied to command bodies.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

// Message types carried in byte 5 of the 8370 header.
const (
	MsgTypeHandshakeRequest  uint8 = 0x0
	MsgTypeHandshakeResponse uint8 = 0x1
	MsgTypeEncryptedResponse uint8 = 0x3
	MsgTypeEncryptedRequest  uint8 = 0x6
)

// 8370 frame layout.
const (
	magic0         = 0x83
	magic1         = 0x70
	headerSize     = 6  // magic(2) + size(2 BE) + 0x20 + padding/msgtype
	signSize       = 32 // SHA-256 over header+plaintext, appended to encrypted bodies
	handshakeSkip  = 8  // bytes preceding the key-exchange payload in the handshake response
	handshakeEnd   = 72 // key-exchange payload is response[8:72]
	keyPayloadSize = 64 // cipher(32) + sign(32)
)

// signKey is the vendor application key. The AES-ECB app key is its MD5 digest.
var signKey = []byte("xhdiwjnchekd4d512chdjx5d8e4c394D2D7S")

// errorSentinel is the literal payload appliances return on protocol errors.
var errorSentinel = []byte("ERROR")

// ErrAuth indicates a malformed or rejected handshake.
var ErrAuth = errors.New("security: authentication failed")

// appKey returns the AES-ECB key used for command bodies.
func appKey() []byte {
	sum := md5.Sum(signKey)
	return sum[:]
}

// Security holds per-connection encryption state. The tcpKey is derived once
// per local connection by TCPKey and reset on reconnect.
type Security struct {
	tcpKey        []byte
	requestCount  uint16
	responseCount uint16
}

// New creates a Security with no session key established.
func New() *Security {
	return &Security{}
}

// Reset clears the derived session key and frame counters.
func (s *Security) Reset() {
	s.tcpKey = nil
	s.requestCount = 0
	s.responseCount = 0
}

// HasKey reports whether a session key has been derived.
func (s *Security) HasKey() bool {
	return s.tcpKey != nil
}

// TCPKey derives the session key from the handshake response payload
// (response[8:72]) and the device key. The payload is cipher(32)+sign(32);
// the plaintext must hash to sign, and the session key is plaintext XOR key.
func (s *Security) TCPKey(payload, key []byte) error {
	if bytes.Equal(payload, errorSentinel) {
		return fmt.Errorf("%w: device returned ERROR", ErrAuth)
	}
	if len(payload) != keyPayloadSize {
		return fmt.Errorf("%w: key payload length %d, want %d", ErrAuth, len(payload), keyPayloadSize)
	}
	ciphertext := payload[:32]
	sign := payload[32:]
	plain, err := aesCBCDecrypt(key, ciphertext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	if digest := sha256.Sum256(plain); !bytes.Equal(digest[:], sign) {
		return fmt.Errorf("%w: key signature mismatch", ErrAuth)
	}
	s.tcpKey = make([]byte, len(plain))
	for i := range plain {
		s.tcpKey[i] = plain[i] ^ key[i]
	}
	s.requestCount = 0
	s.responseCount = 0
	return nil
}

// Encode8370 frames data for the local transport. Handshake frames are sent
// in the clear; encrypted frames are padded to the cipher block size, carry
// the request counter, and end with a SHA-256 sign over header+plaintext.
func (s *Security) Encode8370(data []byte, msgType uint8) ([]byte, error) {
	size := len(data)
	var padding int
	encrypted := msgType == MsgTypeEncryptedRequest || msgType == MsgTypeEncryptedResponse

	body := make([]byte, 0, size+2+signSize)
	if encrypted {
		if s.tcpKey == nil {
			return nil, errors.New("security: no session key for encrypted frame")
		}
		if (size+2)%aes.BlockSize != 0 {
			padding = aes.BlockSize - (size+2)%aes.BlockSize
			size += padding + signSize
			pad := make([]byte, padding)
			if _, err := rand.Read(pad); err != nil {
				return nil, fmt.Errorf("security: padding: %w", err)
			}
			data = append(append([]byte{}, data...), pad...)
		} else {
			size += signSize
		}
	}

	header := make([]byte, headerSize)
	header[0] = magic0
	header[1] = magic1
	binary.BigEndian.PutUint16(header[2:4], uint16(size))
	header[4] = 0x20
	header[5] = uint8(padding)<<4 | msgType

	body = binary.BigEndian.AppendUint16(body, s.requestCount)
	body = append(body, data...)
	s.requestCount++
	if s.requestCount >= 0xFFF {
		s.requestCount = 0
	}

	if encrypted {
		digest := sha256.Sum256(append(append([]byte{}, header...), body...))
		enc, err := aesCBCEncrypt(s.tcpKey, body)
		if err != nil {
			return nil, fmt.Errorf("security: encrypt frame: %w", err)
		}
		body = append(enc, digest[:]...)
	}

	return append(header, body...), nil
}

// Decode8370 incrementally reassembles 8370 frames from an arbitrarily
// fragmented stream. It returns complete message payloads and the unconsumed
// remainder; a short buffer is not an error.
func (s *Security) Decode8370(buf []byte) ([][]byte, []byte, error) {
	var messages [][]byte
	for {
		if len(buf) < headerSize {
			return messages, buf, nil
		}
		if buf[0] != magic0 || buf[1] != magic1 {
			return messages, buf, errors.New("security: not an 8370 frame")
		}
		total := int(binary.BigEndian.Uint16(buf[2:4])) + 8
		if len(buf) < total {
			return messages, buf, nil
		}
		frame := buf[:total]
		buf = buf[total:]

		if frame[4] != 0x20 {
			return messages, buf, errors.New("security: malformed 8370 header")
		}
		padding := int(frame[5] >> 4)
		msgType := frame[5] & 0x0F
		header := frame[:headerSize]
		data := frame[headerSize:]

		if msgType == MsgTypeEncryptedRequest || msgType == MsgTypeEncryptedResponse {
			if s.tcpKey == nil {
				return messages, buf, errors.New("security: encrypted frame before handshake")
			}
			if len(data) < signSize {
				return messages, buf, errors.New("security: encrypted frame too short")
			}
			sign := data[len(data)-signSize:]
			plain, err := aesCBCDecrypt(s.tcpKey, data[:len(data)-signSize])
			if err != nil {
				return messages, buf, fmt.Errorf("security: decrypt frame: %w", err)
			}
			if digest := sha256.Sum256(append(append([]byte{}, header...), plain...)); !bytes.Equal(digest[:], sign) {
				return messages, buf, errors.New("security: frame signature mismatch")
			}
			if padding > 0 {
				plain = plain[:len(plain)-padding]
			}
			data = plain
		}

		if len(data) < 2 {
			return messages, buf, errors.New("security: frame body too short")
		}
		s.responseCount = binary.BigEndian.Uint16(data[:2])
		messages = append(messages, data[2:])
	}
}

// FetchV2Messages splits plain v2 frames out of a byte stream. The frame
// length is a uint16 little-endian at offset 4; frames shorter than 6 bytes
// are incomplete. Leftover bytes are returned for the next call.
func FetchV2Messages(buf []byte) ([][]byte, []byte) {
	var messages [][]byte
	for len(buf) >= 6 {
		length := int(buf[4]) | int(buf[5])<<8
		if length < 6 || len(buf) < length {
			break
		}
		msg := make([]byte, length)
		copy(msg, buf[:length])
		messages = append(messages, msg)
		buf = buf[length:]
	}
	return messages, buf
}

// IsErrorSentinel reports whether a decoded message is the literal ERROR payload.
func IsErrorSentinel(msg []byte) bool {
	return bytes.Equal(msg, errorSentinel)
}

// AESEncrypt encrypts a command body with the application key (ECB). The body
// is zero-padded to the block size when needed.
func AESEncrypt(data []byte) ([]byte, error) {
	block, err := aes.NewCipher(appKey())
	if err != nil {
		return nil, err
	}
	if rem := len(data) % aes.BlockSize; rem != 0 {
		data = append(append([]byte{}, data...), make([]byte, aes.BlockSize-rem)...)
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Encrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return out, nil
}

// AESDecrypt decrypts an encrypted command body with the application key (ECB).
// Only valid for bodies whose length is a multiple of the block size.
func AESDecrypt(data []byte) ([]byte, error) {
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("security: ciphertext length %d not a block multiple", len(data))
	}
	block, err := aes.NewCipher(appKey())
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], data[i:i+aes.BlockSize])
	}
	return out, nil
}

// Encode32 computes the 16-byte MD5 trailer appended to outbound packets.
func Encode32(data []byte) []byte {
	sum := md5.Sum(append(append([]byte{}, data...), signKey...))
	return sum[:]
}

func aesCBCEncrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("security: CBC plaintext length %d not a block multiple", len(data))
	}
	out := make([]byte, len(data))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}

func aesCBCDecrypt(key, data []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	if len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("security: CBC ciphertext length %d not a block multiple", len(data))
	}
	out := make([]byte, len(data))
	iv := make([]byte, aes.BlockSize)
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, data)
	return out, nil
}
