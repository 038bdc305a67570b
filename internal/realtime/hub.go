// Package realtime streams bridge activity over WebSocket: confirmed
// commitment transitions and payout dispatch outcomes.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zkmarket/relayer/internal/metrics"
)

// Kind names a bridge event.
type Kind string

const (
	KindCommitmentRegistered Kind = "commitment_registered"
	KindCommitmentProven     Kind = "commitment_proven"
	KindCommitmentWithdrawn  Kind = "commitment_withdrawn"
	KindPayoutDispatched     Kind = "payout_dispatched"
	KindPayoutFailed         Kind = "payout_failed"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 30 * time.Second
	maxFilterSz = 16 << 10
	outboxSize  = 64
	// MaxSubscribers caps concurrent /ws connections.
	MaxSubscribers = 10000
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOrigin,
}

// sameOrigin admits non-browser clients and pages served from this host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Event is one bridge notification as written to subscribers.
type Event struct {
	Kind Kind           `json:"type"`
	At   time.Time      `json:"timestamp"`
	Data map[string]any `json:"data"`
}

// Filter selects the events a subscriber receives. The zero Filter matches
// everything. Subscribers replace their filter by sending it as a JSON text
// frame, e.g. {"kinds":["commitment_withdrawn"],"commitments":["0x2a..."]}.
type Filter struct {
	Kinds       []Kind   `json:"kinds,omitempty"`
	Commitments []string `json:"commitments,omitempty"`
}

// Match reports whether e passes f. Events that carry no commitmentHash
// (payout outcomes) are never excluded by the commitment list.
func (f Filter) Match(e *Event) bool {
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Commitments) == 0 {
		return true
	}
	hash, ok := e.Data["commitmentHash"].(string)
	if !ok {
		return true
	}
	return slices.ContainsFunc(f.Commitments, func(want string) bool {
		return strings.EqualFold(want, hash)
	})
}

// Stats is a point-in-time view of the hub, reported on /health.
type Stats struct {
	Subscribers int   `json:"subscribers"`
	Peak        int64 `json:"peakSubscribers"`
	Published   int64 `json:"published"`
	Evicted     int64 `json:"evicted"`
}

type subscriber struct {
	conn   *websocket.Conn
	out    chan []byte
	filter atomic.Pointer[Filter]
}

func newSubscriber(conn *websocket.Conn) *subscriber {
	s := &subscriber{conn: conn, out: make(chan []byte, outboxSize)}
	s.filter.Store(&Filter{})
	return s
}

// Hub fans bridge events out to WebSocket subscribers. All membership changes
// go through Run's loop; Notify never blocks the caller.
type Hub struct {
	logger *slog.Logger
	limit  int

	mu   sync.RWMutex
	subs map[*subscriber]struct{}

	events  chan *Event
	join    chan *subscriber
	leave   chan *subscriber
	stopped chan struct{}

	published atomic.Int64
	evicted   atomic.Int64
	peak      atomic.Int64
}

// NewHub returns a hub; call Run to start delivering events.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		limit:   MaxSubscribers,
		subs:    make(map[*subscriber]struct{}),
		events:  make(chan *Event, 256),
		join:    make(chan *subscriber),
		leave:   make(chan *subscriber),
		stopped: make(chan struct{}),
	}
}

// Run delivers events until ctx is cancelled, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.stopped)
	h.logger.Info("realtime hub started")

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for s := range h.subs {
				h.drop(s)
			}
			h.mu.Unlock()
			metrics.RealtimeClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case s := <-h.join:
			h.mu.Lock()
			h.subs[s] = struct{}{}
			n := len(h.subs)
			h.mu.Unlock()
			if int64(n) > h.peak.Load() {
				h.peak.Store(int64(n))
			}
			metrics.RealtimeClients.Set(float64(n))
			h.logger.Debug("subscriber joined", "subscribers", n)

		case s := <-h.leave:
			h.mu.Lock()
			h.drop(s)
			n := len(h.subs)
			h.mu.Unlock()
			metrics.RealtimeClients.Set(float64(n))
			h.logger.Debug("subscriber left", "subscribers", n)

		case e := <-h.events:
			h.deliver(e)
		}
	}
}

// deliver encodes e once and queues it for every matching subscriber.
// Subscribers whose outbox is full are evicted rather than waited on.
func (h *Hub) deliver(e *Event) {
	h.published.Add(1)
	frame, err := json.Marshal(e)
	if err != nil {
		h.logger.Error("realtime event not encodable", "type", e.Kind, "error", err)
		return
	}

	var slow []*subscriber
	h.mu.RLock()
	for s := range h.subs {
		if !s.filter.Load().Match(e) {
			continue
		}
		select {
		case s.out <- frame:
		default:
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	if len(slow) == 0 {
		return
	}
	h.mu.Lock()
	for _, s := range slow {
		h.drop(s)
		h.evicted.Add(1)
	}
	n := len(h.subs)
	h.mu.Unlock()
	metrics.RealtimeClients.Set(float64(n))
	h.logger.Warn("evicted slow realtime subscribers", "count", len(slow))
}

// drop removes s; callers hold h.mu. Closing the outbox makes the writer
// send a close frame and hang up.
func (h *Hub) drop(s *subscriber) {
	if _, ok := h.subs[s]; !ok {
		return
	}
	delete(h.subs, s)
	close(s.out)
}

// Notify publishes a bridge event. It satisfies the notifier interfaces of
// the commitment service and the payout engine. Events are dropped with a
// warning when the hub is saturated.
func (h *Hub) Notify(kind string, data map[string]any) {
	e := &Event{Kind: Kind(kind), At: time.Now().UTC(), Data: data}
	select {
	case h.events <- e:
	default:
		h.logger.Warn("realtime queue full, dropping event", "type", kind)
	}
}

// Stats reports current and lifetime counters.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.subs)
	h.mu.RUnlock()
	return Stats{
		Subscribers: n,
		Peak:        h.peak.Load(),
		Published:   h.published.Load(),
		Evicted:     h.evicted.Load(),
	}
}

// HandleWebSocket upgrades the request and registers a subscriber that
// initially receives every event.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.stopped:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}
	if h.Stats().Subscribers >= h.limit {
		http.Error(w, "too many subscribers", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	s := newSubscriber(conn)
	select {
	case h.join <- s:
	case <-h.stopped:
		_ = conn.Close()
		return
	}
	go h.write(s)
	go h.read(s)
}

// read applies filter updates until the peer goes away.
func (h *Hub) read(s *subscriber) {
	defer func() {
		select {
		case h.leave <- s:
		case <-h.stopped:
		}
		_ = s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFilterSz)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		var f Filter
		if err := json.Unmarshal(msg, &f); err != nil {
			h.logger.Debug("ignoring malformed realtime filter", "error", err)
			continue
		}
		s.filter.Store(&f)
	}
}

// write drains the outbox and keeps the connection alive with pings.
func (h *Hub) write(s *subscriber) {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
