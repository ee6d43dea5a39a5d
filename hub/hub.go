// Package hub fans state changes out to WebSocket viewers. Viewers subscribe
// to scopes; every non-empty diff advances a process-wide cursor once and is
// delivered at most once per connection.
package hub

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/eddielth/scada-core/logger"
	"github.com/eddielth/scada-core/metric"
)

var log = logger.Named("hub")

// Options tune the hub.
type Options struct {
	// HeartbeatInterval is the server ping period; a connection silent for
	// two periods is closed.
	HeartbeatInterval time.Duration
	// SendQueue bounds each connection's outbound queue. A full queue closes
	// the connection.
	SendQueue int
	// AllowedOrigins restricts the Origin header on upgrade; empty allows all.
	AllowedOrigins []string
}

const (
	defaultHeartbeat = 25 * time.Second
	defaultSendQueue = 256
	writeWait        = 10 * time.Second
	maxMessageSize   = 64 * 1024
)

// Hub owns the subscriptions, the last broadcast state and the cursor.
type Hub struct {
	opts     Options
	upgrader websocket.Upgrader
	metrics  *metric.Metrics

	mu     sync.Mutex
	conns  map[*conn]struct{}
	scopes map[string]map[*conn]struct{}
	tables map[Collection]*table
	cursor atomic.Uint64
}

// New creates a hub. metrics may be nil.
func New(opts Options, metrics *metric.Metrics) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	if opts.SendQueue <= 0 {
		opts.SendQueue = defaultSendQueue
	}
	h := &Hub{
		opts:    opts,
		metrics: metrics,
		conns:   make(map[*conn]struct{}),
		scopes:  make(map[string]map[*conn]struct{}),
		tables: map[Collection]*table{
			Points: newTable(),
			Alarms: newTable(),
			Events: newTable(),
		},
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	log.Warn("rejected websocket origin %s", origin)
	return false
}

// Cursor returns the current change cursor.
func (h *Hub) Cursor() uint64 {
	return h.cursor.Load()
}

// Clients returns the number of open connections.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Seed installs state without broadcasting. Used at startup so the first
// subscribers get a full snapshot.
func (h *Hub) Seed(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for coll, items := range s {
		if t, ok := h.tables[coll]; ok {
			t.replace(items)
		}
	}
}

// Publish diffs s against the last broadcast state. A non-empty diff advances
// the cursor once and queues one update per interested connection. It returns
// the cursor of the update and whether one was produced.
func (h *Hub) Publish(s Snapshot) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	changes := make(map[Collection][]change)
	touched := make(map[string]struct{})
	for coll, items := range s {
		t, ok := h.tables[coll]
		if !ok {
			continue
		}
		cs := t.replace(items)
		if len(cs) == 0 {
			continue
		}
		changes[coll] = cs
		for _, c := range cs {
			touched[c.scope] = struct{}{}
		}
	}
	if len(changes) == 0 {
		return h.cursor.Load(), false
	}

	cursor := h.cursor.Add(1)
	h.metrics.Broadcast(cursor)

	// each interested connection once, however many touched scopes it holds
	targets := make(map[*conn]struct{})
	for scope := range touched {
		for c := range h.scopes[scope] {
			targets[c] = struct{}{}
		}
	}

	for c := range targets {
		frame := updateFrame{
			Type:   "update",
			Cursor: cursor,
			Diffs:  make(map[Collection]Diff),
		}
		seen := make(map[string]struct{})
		for coll, cs := range changes {
			d := Diff{Changed: make(map[string]json.RawMessage), Removed: []string{}}
			for _, ch := range cs {
				if _, ok := c.scopes[ch.scope]; !ok {
					continue
				}
				if _, ok := seen[ch.scope]; !ok {
					seen[ch.scope] = struct{}{}
					frame.Scopes = append(frame.Scopes, ch.scope)
				}
				if ch.removed {
					d.Removed = append(d.Removed, ch.key)
				} else {
					d.Changed[ch.key] = ch.data
				}
			}
			if !d.empty() {
				frame.Diffs[coll] = d
			}
		}
		sort.Strings(frame.Scopes)
		h.sendLocked(c, frame)
	}
	return cursor, true
}

// sendLocked encodes and queues a frame. A full queue drops the connection.
func (h *Hub) sendLocked(c *conn, frame interface{}) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error("failed to encode frame: %v", err)
		return
	}
	select {
	case c.send <- data:
	default:
		log.Warn("client %s send queue full, closing", c.id)
		h.removeLocked(c, "slow")
	}
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed: %v", err)
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, h.opts.SendQueue),
		done:   make(chan struct{}),
		scopes: make(map[string]struct{}),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.sendLocked(c, welcomeFrame{
		Type:        "welcome",
		ID:          c.id,
		ServerTime:  time.Now().UnixMilli(),
		HeartbeatMs: h.opts.HeartbeatInterval.Milliseconds(),
	})
	h.mu.Unlock()

	h.metrics.ClientConnected()
	log.Info("client %s connected from %s", c.id, r.RemoteAddr)

	go c.writePump()
	c.readPump()
}

// subscribe adds c to scopes and queues a snapshot of exactly those scopes.
func (h *Hub) subscribe(c *conn, scopes []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, open := h.conns[c]; !open {
		return
	}

	requested := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		requested[s] = struct{}{}
		c.scopes[s] = struct{}{}
		set, ok := h.scopes[s]
		if !ok {
			set = make(map[*conn]struct{})
			h.scopes[s] = set
		}
		set[c] = struct{}{}
	}

	frame := snapshotFrame{
		Type:   "snapshot",
		Cursor: h.cursor.Load(),
		Scopes: sortedKeys(requested),
		Points: make(map[string]json.RawMessage),
		Alarms: []json.RawMessage{},
		Events: []json.RawMessage{},
	}
	for _, it := range h.tables[Points].inScopes(requested) {
		frame.Points[it.Key] = it.Data
	}
	for _, it := range h.tables[Alarms].inScopes(requested) {
		frame.Alarms = append(frame.Alarms, it.Data)
	}
	for _, it := range h.tables[Events].inScopes(requested) {
		frame.Events = append(frame.Events, it.Data)
	}
	h.sendLocked(c, frame)
}

func (h *Hub) unsubscribe(c *conn, scopes []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, s := range scopes {
		delete(c.scopes, s)
		if set, ok := h.scopes[s]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.scopes, s)
			}
		}
	}
}

// send queues a frame for one connection.
func (h *Hub) send(c *conn, frame interface{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, open := h.conns[c]; open {
		h.sendLocked(c, frame)
	}
}

// removeLocked unregisters c from every scope and stops its pumps. Later
// deliveries to c are no-ops.
func (h *Hub) removeLocked(c *conn, reason string) {
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	for s := range c.scopes {
		if set, ok := h.scopes[s]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(h.scopes, s)
			}
		}
	}
	c.shutdown()
	h.metrics.ClientDisconnected(reason)
	log.Info("client %s disconnected (%s)", c.id, reason)
}

func (h *Hub) remove(c *conn, reason string) {
	h.mu.Lock()
	h.removeLocked(c, reason)
	h.mu.Unlock()
}

// Close drops every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		h.removeLocked(c, "closed")
	}
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
