// Package live streams trail appends of panic events and escort sessions to
// WebSocket subscribers.
package live

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	gocache "github.com/patrickmn/go-cache"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/safeguard/internal/safety"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 32

	// endedTTL is how long a finished aggregate is remembered, so a client
	// that subscribes just after the end still gets the terminal frame.
	endedTTL = 10 * time.Minute
)

// Event types.
const (
	EventTrail    = "trail"
	EventTerminal = "terminal"
)

// Event is the JSON frame sent to subscribers.
type Event struct {
	Type  string             `json:"type"`
	Kind  safety.Kind        `json:"kind"`
	ID    string             `json:"id"`
	Point *safety.TrailPoint `json:"point,omitempty"`
}

type topic struct {
	kind safety.Kind
	id   string
}

func (t topic) key() string { return string(t.kind) + "/" + t.id }

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans events out to subscribers grouped by aggregate. A subscriber whose
// buffer is full is disconnected rather than blocking the publisher.
//
// Ending an aggregate and subscribing to it are serialized on mu, and ended
// aggregates are remembered for endedTTL, so a subscriber racing the end
// either receives the terminal frame live or receives it on connect.
type Hub struct {
	mu       sync.Mutex
	subs     map[topic]map[*client]struct{}
	ended    *gocache.Cache // topic key -> terminal frame
	closed   bool
	upgrader websocket.Upgrader
	logger   log.Logger
}

// NewHub creates a hub. checkOrigin may be nil to accept any origin; the
// route is expected to sit behind bearer auth.
func NewHub(logger log.Logger, checkOrigin func(*http.Request) bool) *Hub {
	if logger == nil {
		logger = log.Nop()
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		subs:   make(map[topic]map[*client]struct{}),
		ended:  gocache.New(endedTTL, endedTTL),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}
}

// Hooks returns engine hooks that publish trail appends and terminal
// transitions.
func (h *Hub) Hooks() safety.EngineHooks {
	return safety.EngineHooks{
		OnTrailAppend: func(kind safety.Kind, id string, pt safety.TrailPoint) {
			h.Publish(Event{Type: EventTrail, Kind: kind, ID: id, Point: &pt})
		},
		OnTerminal: func(kind safety.Kind, id string) {
			h.terminate(topic{kind, id})
		},
	}
}

// Publish sends ev to every subscriber of its aggregate.
func (h *Hub) Publish(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error(context.Background(), err, "marshal live event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	t := topic{ev.Kind, ev.ID}
	for c := range h.subs[t] {
		select {
		case c.send <- b:
		default:
			delete(h.subs[t], c)
			c.close()
		}
	}
	if len(h.subs[t]) == 0 {
		delete(h.subs, t)
	}
}

// Subscribers reports the current subscriber count for an aggregate.
func (h *Hub) Subscribers(kind safety.Kind, id string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[topic{kind, id}])
}

// ServeWS upgrades the request and subscribes the connection to (kind, id)
// until the client goes away, the aggregate ends or the hub closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, kind safety.Kind, id string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		h.logger.Warn(r.Context(), "websocket upgrade failed", "err", err.Error())
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	t := topic{kind, id}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	if frame, ok := h.ended.Get(t.key()); ok {
		h.mu.Unlock()
		c.send <- frame.([]byte)
		c.close()
		h.writePump(c)
		return
	}
	if h.subs[t] == nil {
		h.subs[t] = make(map[*client]struct{})
	}
	h.subs[t][c] = struct{}{}
	h.mu.Unlock()

	h.logger.Info(r.Context(), "live subscriber connected", "kind", string(kind), "id", id)

	go h.readPump(c, t)
	h.writePump(c)
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for t, set := range h.subs {
		for c := range set {
			c.close()
		}
		delete(h.subs, t)
	}
}

// terminate sends the terminal frame to t's subscribers, disconnects them and
// remembers t as ended.
func (h *Hub) terminate(t topic) {
	frame, err := json.Marshal(Event{Type: EventTerminal, Kind: t.kind, ID: t.id})
	if err != nil {
		h.logger.Error(context.Background(), err, "marshal live event")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended.SetDefault(t.key(), frame)
	for c := range h.subs[t] {
		select {
		case c.send <- frame:
		default:
		}
		c.close()
	}
	delete(h.subs, t)
}

func (h *Hub) unsubscribe(c *client, t topic) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[t]; ok {
		if _, ok := set[c]; ok {
			delete(set, c)
			c.close()
		}
		if len(set) == 0 {
			delete(h.subs, t)
		}
	}
}

// readPump discards client frames and notices disconnects.
func (h *Hub) readPump(c *client, t topic) {
	defer h.unsubscribe(c, t)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
