package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"midea-bridge/internal/device"
)

const subscriberBuffer = 64

// EventStream fans device events out to WebSocket subscribers. Events are
// serialized once on entry; the loop only moves bytes. A subscriber that
// cannot keep up is evicted rather than allowed to stall the stream.
type EventStream struct {
	logger *slog.Logger

	mu          sync.Mutex
	subscribers map[*eventSubscriber]struct{}

	attach chan *eventSubscriber
	detach chan *eventSubscriber
	events chan []byte

	done     chan struct{}
	stopOnce sync.Once
}

type eventSubscriber struct {
	conn *websocket.Conn
	out  chan []byte
}

// NewEventStream creates a stream with no subscribers.
func NewEventStream(logger *slog.Logger) *EventStream {
	return &EventStream{
		logger:      logger,
		subscribers: make(map[*eventSubscriber]struct{}),
		attach:      make(chan *eventSubscriber),
		detach:      make(chan *eventSubscriber),
		events:      make(chan []byte, 256),
		done:        make(chan struct{}),
	}
}

// Run owns the subscriber set until Stop is called.
func (es *EventStream) Run() {
	for {
		select {
		case <-es.done:
			es.mu.Lock()
			for sub := range es.subscribers {
				close(sub.out)
				delete(es.subscribers, sub)
			}
			es.mu.Unlock()
			return

		case sub := <-es.attach:
			es.mu.Lock()
			es.subscribers[sub] = struct{}{}
			total := len(es.subscribers)
			es.mu.Unlock()
			es.logger.Debug("event stream subscriber added", "total", total)

		case sub := <-es.detach:
			es.mu.Lock()
			if _, ok := es.subscribers[sub]; ok {
				delete(es.subscribers, sub)
				close(sub.out)
			}
			total := len(es.subscribers)
			es.mu.Unlock()
			es.logger.Debug("event stream subscriber removed", "total", total)

		case payload := <-es.events:
			es.mu.Lock()
			var stalled []*eventSubscriber
			for sub := range es.subscribers {
				select {
				case sub.out <- payload:
				default:
					stalled = append(stalled, sub)
				}
			}
			for _, sub := range stalled {
				delete(es.subscribers, sub)
				close(sub.out)
				es.logger.Warn("event stream subscriber evicted, stalled")
			}
			es.mu.Unlock()
		}
	}
}

// Stop shuts the stream down and disconnects all subscribers. Safe to call
// multiple times.
func (es *EventStream) Stop() {
	es.stopOnce.Do(func() {
		close(es.done)
	})
}

// Broadcast queues one device event for every subscriber. A full queue drops
// the event; subscribers observe current state via the REST API anyway.
func (es *EventStream) Broadcast(event device.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		es.logger.Error("event encode failed", "type", event.Type, "err", err)
		return
	}
	select {
	case es.events <- payload:
	default:
		es.logger.Warn("event stream backlogged, event dropped", "type", event.Type)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// With no configured origins, nhooyr falls back to same-origin checks.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	sub := &eventSubscriber{
		conn: conn,
		out:  make(chan []byte, subscriberBuffer),
	}
	select {
	case s.events.attach <- sub:
	case <-s.events.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.writeEvents(sub)
	s.drainSubscriber(sub)
}

// writeEvents pushes queued event payloads until the stream closes the
// subscriber's channel.
func (s *Server) writeEvents(sub *eventSubscriber) {
	for payload := range sub.out {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := sub.conn.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			return
		}
	}
	sub.conn.Close(websocket.StatusNormalClosure, "")
}

// drainSubscriber reads (and discards) client frames so pings and close
// frames are processed, detaching the subscriber when the socket dies.
func (s *Server) drainSubscriber(sub *eventSubscriber) {
	defer func() {
		select {
		case s.events.detach <- sub:
		case <-s.events.done:
			sub.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.events.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := sub.conn.Read(ctx); err != nil {
			return
		}
		// The stream is one-way; inbound frames carry nothing.
	}
}
