package security

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"testing"
)

// testKey is a 32-byte pairing key stand-in.
var testKey = bytes.Repeat([]byte{0x42, 0x13}, 16)

// newKeyedPair returns two Security instances sharing a freshly derived
// session key, as after a completed handshake on both ends.
func newKeyedPair(t *testing.T) (*Security, *Security) {
	t.Helper()

	plain := bytes.Repeat([]byte{0xA5}, 32)
	cipher, err := aesCBCEncrypt(testKey, plain)
	if err != nil {
		t.Fatal(err)
	}
	sign := sha256.Sum256(plain)
	payload := append(cipher, sign[:]...)

	a, b := New(), New()
	if err := a.TCPKey(payload, testKey); err != nil {
		t.Fatal(err)
	}
	if err := b.TCPKey(payload, testKey); err != nil {
		t.Fatal(err)
	}
	return a, b
}

func TestTCPKeyDerivation(t *testing.T) {
	s, _ := newKeyedPair(t)

	if !s.HasKey() {
		t.Fatal("expected session key after TCPKey")
	}

	// plain XOR key
	want := make([]byte, 32)
	for i := range want {
		want[i] = 0xA5 ^ testKey[i]
	}
	if !bytes.Equal(s.tcpKey, want) {
		t.Errorf("tcpKey = %x, want %x", s.tcpKey, want)
	}
}

func TestTCPKeyErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
	}{
		{"error sentinel", []byte("ERROR")},
		{"short payload", make([]byte, 20)},
		{"bad signature", make([]byte, 64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New()
			err := s.TCPKey(tt.payload, testKey)
			if !errors.Is(err, ErrAuth) {
				t.Errorf("err = %v, want ErrAuth", err)
			}
			if s.HasKey() {
				t.Error("key must not be set after failed derivation")
			}
		})
	}
}

func TestEncode8370HandshakeIsPlain(t *testing.T) {
	s := New()

	token := bytes.Repeat([]byte{0x7E}, 64)
	frame, err := s.Encode8370(token, MsgTypeHandshakeRequest)
	if err != nil {
		t.Fatal(err)
	}

	if frame[0] != 0x83 || frame[1] != 0x70 {
		t.Errorf("magic = %x %x", frame[0], frame[1])
	}
	if frame[4] != 0x20 {
		t.Errorf("frame[4] = %#x, want 0x20", frame[4])
	}
	if frame[5]&0x0F != MsgTypeHandshakeRequest {
		t.Errorf("msg type = %#x", frame[5]&0x0F)
	}
	// Token visible in the clear after magic+size+flags+counter.
	if !bytes.Contains(frame, token) {
		t.Error("handshake token must not be encrypted")
	}
}

func TestEncryptedRoundTrip(t *testing.T) {
	sender, receiver := newKeyedPair(t)

	payloads := [][]byte{
		{0x01},
		bytes.Repeat([]byte{0xBB}, 14), // 14+2 = block aligned
		bytes.Repeat([]byte{0xCC}, 57),
	}

	var stream []byte
	for _, p := range payloads {
		frame, err := sender.Encode8370(p, MsgTypeEncryptedRequest)
		if err != nil {
			t.Fatal(err)
		}
		if bytes.Contains(frame, p) && len(p) > 4 {
			t.Errorf("payload visible in encrypted frame")
		}
		stream = append(stream, frame...)
	}

	msgs, rest, err := receiver.Decode8370(stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 0 {
		t.Errorf("leftover = %d bytes", len(rest))
	}
	if len(msgs) != len(payloads) {
		t.Fatalf("decoded %d messages, want %d", len(msgs), len(payloads))
	}
	for i, p := range payloads {
		if !bytes.Equal(msgs[i], p) {
			t.Errorf("msg[%d] = %x, want %x", i, msgs[i], p)
		}
	}
}

func TestDecode8370Fragmented(t *testing.T) {
	sender, receiver := newKeyedPair(t)

	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	frame, err := sender.Encode8370(payload, MsgTypeEncryptedRequest)
	if err != nil {
		t.Fatal(err)
	}

	// First half: incomplete, no error, everything returned as leftover.
	half := len(frame) / 2
	msgs, rest, err := receiver.Decode8370(frame[:half])
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("decoded %d messages from partial frame", len(msgs))
	}

	// Completing the buffer yields the message.
	msgs, rest, err = receiver.Decode8370(append(rest, frame[half:]...))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !bytes.Equal(msgs[0], payload) {
		t.Fatalf("msgs = %x, want [%x]", msgs, payload)
	}
	if len(rest) != 0 {
		t.Errorf("leftover = %d bytes", len(rest))
	}

	// Block-aligned payload with the cut inside the trailing signature.
	aligned := bytes.Repeat([]byte{0xBB}, 14)
	frame, err = sender.Encode8370(aligned, MsgTypeEncryptedRequest)
	if err != nil {
		t.Fatal(err)
	}
	cut := len(frame) - 16
	msgs, rest, err = receiver.Decode8370(frame[:cut])
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("decoded %d messages from partial frame", len(msgs))
	}
	msgs, rest, err = receiver.Decode8370(append(rest, frame[cut:]...))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || !bytes.Equal(msgs[0], aligned) {
		t.Fatalf("msgs = %x, want [%x]", msgs, aligned)
	}
	if len(rest) != 0 {
		t.Errorf("leftover = %d bytes", len(rest))
	}
}

func TestDecode8370BadMagic(t *testing.T) {
	s := New()
	_, _, err := s.Decode8370([]byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55})
	if err == nil {
		t.Fatal("expected error for non-8370 stream")
	}
}

func TestEncode8370RequiresKey(t *testing.T) {
	s := New()
	if _, err := s.Encode8370([]byte{0x01}, MsgTypeEncryptedRequest); err == nil {
		t.Fatal("expected error without session key")
	}
}

func TestFetchV2Messages(t *testing.T) {
	frame := func(payload []byte) []byte {
		length := 6 + len(payload)
		msg := []byte{0x5A, 0x5A, 0x01, 0x11, uint8(length), uint8(length >> 8)}
		return append(msg, payload...)
	}

	a := frame([]byte{0x01, 0x02})
	b := frame([]byte{0x03})

	stream := append(append([]byte{}, a...), b...)
	// Trailing partial frame stays in the buffer.
	stream = append(stream, a[:4]...)

	msgs, rest := FetchV2Messages(stream)
	if len(msgs) != 2 {
		t.Fatalf("decoded %d messages, want 2", len(msgs))
	}
	if !bytes.Equal(msgs[0], a) || !bytes.Equal(msgs[1], b) {
		t.Errorf("msgs = %x", msgs)
	}
	if !bytes.Equal(rest, a[:4]) {
		t.Errorf("rest = %x, want %x", rest, a[:4])
	}
}

func TestIsErrorSentinel(t *testing.T) {
	if !IsErrorSentinel([]byte("ERROR")) {
		t.Error("ERROR not recognized")
	}
	if IsErrorSentinel([]byte("OK")) {
		t.Error("false positive")
	}
}

func TestAESRoundTrip(t *testing.T) {
	body := bytes.Repeat([]byte{0x31}, 32)

	enc, err := AESEncrypt(body)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(enc, body) {
		t.Fatal("ciphertext equals plaintext")
	}

	dec, err := AESDecrypt(enc)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(dec, body) {
		t.Errorf("dec = %x, want %x", dec, body)
	}
}

func TestAESEncryptPadsShortBodies(t *testing.T) {
	enc, err := AESEncrypt([]byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatal(err)
	}
	if len(enc) != 16 {
		t.Errorf("len = %d, want 16", len(enc))
	}
}

func TestAESDecryptRejectsUnaligned(t *testing.T) {
	if _, err := AESDecrypt(make([]byte, 15)); err == nil {
		t.Fatal("expected error for unaligned ciphertext")
	}
}

func TestEncode32(t *testing.T) {
	sum := Encode32([]byte{0x5A, 0x5A})
	if len(sum) != 16 {
		t.Fatalf("len = %d, want 16", len(sum))
	}
	if !bytes.Equal(sum, Encode32([]byte{0x5A, 0x5A})) {
		t.Error("digest not deterministic")
	}
}
