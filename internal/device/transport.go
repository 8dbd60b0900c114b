package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"midea-bridge/internal/packet"
	"midea-bridge/internal/security"
)

const (
	readBufferSize    = 512
	connectTimeout    = 10 * time.Second
	heartbeatInterval = 10 * time.Second
	reconnectDelay    = 5 * time.Second
	maxReconnectDelay = 2 * time.Minute
)

// Transport is the stateful local-socket connection to one appliance.
// Protocol 3 frames are encrypted with the handshake-derived key; protocol 2
// frames go out as-is. The read loop owns the reassembly buffer and hands
// complete messages to the session.
type Transport struct {
	logger   *slog.Logger
	deviceID uint64
	addr     string
	token    []byte
	key      []byte
	protocol int
	security *security.Security

	onMessage   func([]byte)
	onConnected func(bool)

	mu        sync.Mutex
	conn      net.Conn
	connected bool

	wg   sync.WaitGroup
	done chan struct{}
	once sync.Once
}

// NewTransport creates a transport for one appliance. onMessage receives
// every complete inbound message; onConnected reports state transitions.
func NewTransport(deviceID uint64, host string, port int, token, key []byte, protocol int,
	onMessage func([]byte), onConnected func(bool), logger *slog.Logger) *Transport {
	return &Transport{
		logger:      logger,
		deviceID:    deviceID,
		addr:        net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		token:       token,
		key:         key,
		protocol:    protocol,
		security:    security.New(),
		onMessage:   onMessage,
		onConnected: onConnected,
		done:        make(chan struct{}),
	}
}

// Connected reports whether an authenticated connection is up.
func (t *Transport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Send writes one frame, wrapping it per the negotiated protocol version.
func (t *Transport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || !t.connected {
		return errors.New("transport: not connected")
	}
	data := frame
	if t.protocol == 3 {
		var err error
		data, err = t.security.Encode8370(frame, security.MsgTypeEncryptedRequest)
		if err != nil {
			return fmt.Errorf("transport: encode frame: %w", err)
		}
	}
	if _, err := t.conn.Write(data); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Run keeps the connection alive until the context is cancelled,
// reconnecting with exponential backoff. Handshake failures count as
// connection failures and retry after the delay.
func (t *Transport) Run(ctx context.Context) {
	t.wg.Add(1)
	defer t.wg.Done()

	delay := reconnectDelay
	for {
		if err := t.connect(ctx); err != nil {
			t.logger.Warn("connect failed", "addr", t.addr, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case <-time.After(delay):
			}
			if delay < maxReconnectDelay {
				delay *= 2
				if delay > maxReconnectDelay {
					delay = maxReconnectDelay
				}
			}
			continue
		}
		delay = reconnectDelay

		t.serve(ctx)
		t.disconnect()

		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Close shuts the transport down permanently.
func (t *Transport) Close() {
	t.once.Do(func() { close(t.done) })
	t.disconnect()
	t.wg.Wait()
}

// connect dials and, for protocol 3, performs the key handshake. A
// handshake response shorter than the minimum is an authentication failure.
func (t *Transport) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return err
	}

	if t.protocol == 3 {
		if err := t.authenticate(conn); err != nil {
			conn.Close()
			return err
		}
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.mu.Unlock()

	t.logger.Debug("connected", "addr", t.addr, "protocol", t.protocol)
	if t.onConnected != nil {
		t.onConnected(true)
	}
	return nil
}

func (t *Transport) authenticate(conn net.Conn) error {
	t.security.Reset()
	request, err := t.security.Encode8370(t.token, security.MsgTypeHandshakeRequest)
	if err != nil {
		return fmt.Errorf("transport: encode handshake: %w", err)
	}
	conn.SetDeadline(time.Now().Add(connectTimeout))
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(request); err != nil {
		return fmt.Errorf("transport: handshake write: %w", err)
	}
	buf := make([]byte, readBufferSize)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("transport: handshake read: %w", err)
	}
	if n < 20 {
		return security.ErrAuth
	}
	if err := t.security.TCPKey(buf[8:72], t.key); err != nil {
		return err
	}
	return nil
}

func (t *Transport) disconnect() {
	t.mu.Lock()
	conn := t.conn
	wasConnected := t.connected
	t.conn = nil
	t.connected = false
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if wasConnected && t.onConnected != nil {
		t.onConnected(false)
	}
}

// serve reads until the connection breaks, decoding frames incrementally
// and sending heartbeats. Returns when the socket errors or the context is
// cancelled.
func (t *Transport) serve(ctx context.Context) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	stopHeartbeat := make(chan struct{})
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := t.sendHeartbeat(); err != nil {
					t.logger.Debug("heartbeat failed", "error", err)
				}
			case <-stopHeartbeat:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	defer close(stopHeartbeat)

	var buffer []byte
	buf := make([]byte, readBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			t.logger.Debug("socket error", "addr", t.addr, "error", err)
			return
		}
		if n == 0 {
			t.logger.Debug("connection closed by peer", "addr", t.addr)
			return
		}

		buffer = append(buffer, buf[:n]...)
		var messages [][]byte
		if t.protocol == 3 {
			messages, buffer, err = t.security.Decode8370(buffer)
			if err != nil {
				t.logger.Warn("frame decode failed", "addr", t.addr, "error", err)
				return
			}
		} else {
			messages, buffer = security.FetchV2Messages(buffer)
		}
		for _, msg := range messages {
			if security.IsErrorSentinel(msg) {
				t.logger.Debug("error sentinel received", "addr", t.addr)
				return
			}
			if t.onMessage != nil {
				t.onMessage(msg)
			}
		}
	}
}

func (t *Transport) sendHeartbeat() error {
	frame, err := packet.Heartbeat(t.deviceID)
	if err != nil {
		return err
	}
	return t.Send(frame)
}
