package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"dscengine/core/events"
	"dscengine/core/types"
	"dscengine/observability"
)

const (
	wsWriteTimeout    = 10 * time.Second
	defaultHubBuffer  = 64
	eventsQueryFilter = "types"
)

// StreamEvent is the websocket frame for one engine event.
type StreamEvent struct {
	Sequence   uint64            `json:"sequence"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	Time       time.Time         `json:"time"`
}

type subscriber struct {
	ch     chan StreamEvent
	filter map[string]struct{}
}

func (s *subscriber) wants(eventType string) bool {
	if len(s.filter) == 0 {
		return true
	}
	_, ok := s.filter[eventType]
	return ok
}

// Hub fans committed engine events out to websocket subscribers. Slow
// subscribers lose events rather than stall the engine.
type Hub struct {
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	buffer   int
	sequence uint64
	closed   bool
	logger   *slog.Logger
	now      func() time.Time
}

func NewHub(buffer int, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultHubBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		buffer: buffer,
		logger: logger,
		now:    time.Now,
	}
}

var _ events.Emitter = (*Hub)(nil)

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	payload := evt.Event()
	if payload == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.sequence++
	frame := newStreamEvent(h.sequence, payload, h.now())
	for sub := range h.subs {
		if !sub.wants(frame.Type) {
			continue
		}
		select {
		case sub.ch <- frame:
		default:
			observability.Events().RecordDropped("websocket")
		}
	}
}

func newStreamEvent(seq uint64, evt *types.Event, at time.Time) StreamEvent {
	copied := evt.Clone()
	return StreamEvent{Sequence: seq, Type: copied.Type, Attributes: copied.Attributes, Time: at.UTC()}
}

// Subscribe registers a listener for the given event types, all types when
// empty. The returned cancel function must be called once.
func (h *Hub) Subscribe(eventTypes []string) (<-chan StreamEvent, func()) {
	sub := &subscriber{ch: make(chan StreamEvent, h.buffer)}
	for _, t := range eventTypes {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			if sub.filter == nil {
				sub.filter = make(map[string]struct{})
			}
			sub.filter[trimmed] = struct{}{}
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	h.subs[sub] = struct{}{}
	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[sub]; ok {
				delete(h.subs, sub)
				close(sub.ch)
			}
		})
	}
}

// Subscribers reports the number of attached listeners.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close detaches every subscriber and ignores later events.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var filter []string
	if raw := strings.TrimSpace(r.URL.Query().Get(eventsQueryFilter)); raw != "" {
		filter = strings.Split(raw, ",")
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		s.logger.Debug("websocket accept failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	// Inbound frames are not expected; CloseRead cancels ctx when the peer
	// goes away.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamEvents(ctx, conn, filter); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamEvents(ctx context.Context, conn *websocket.Conn, filter []string) error {
	frames, cancel := s.hub.Subscribe(filter)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if err := writeStreamEvent(ctx, conn, frame); err != nil {
				return err
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, frame StreamEvent) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
