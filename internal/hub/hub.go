// Package hub bridges event bus topics to live duplex connections. Each
// websocket client declares interest in topics after a handshake; the
// hub forwards every bus event for those topics until the interest is
// withdrawn or the connection goes away.
package hub

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/chatrelay/chatrelay/internal/bus"
	"github.com/chatrelay/chatrelay/pkg/logger"
	"github.com/chatrelay/chatrelay/pkg/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 45 * time.Second

	// sendBuffer bounds the per-connection outbound queue. A connection
	// that cannot drain it is treated as gone.
	sendBuffer = 256
)

// Client protocol message types.
const (
	typeConnectionInit = "connection_init"
	typeConnectionAck  = "connection_ack"
	typeSubscribe      = "subscribe"
	typeComplete       = "complete"
	typeNext           = "next"
	typeError          = "error"
)

type clientMessage struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Payload struct {
		Topic string `json:"topic"`
	} `json:"payload,omitempty"`
}

type serverMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Hub tracks open duplex connections and their topic interests.
type Hub struct {
	bus      bus.Bus
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*connection]struct{}
}

// New creates a connection hub over b.
func New(b bus.Bus, log *logger.Logger) *Hub {
	return &Hub{
		bus: b,
		log: log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns: make(map[*connection]struct{}),
	}
}

// Handle upgrades the request to a websocket and serves it until the
// connection closes.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &connection{
		id:     uuid.NewString(),
		hub:    h,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		subs:   make(map[string]*bus.Subscription),
		closed: make(chan struct{}),
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	metrics.WSConnectionsActive.Inc()

	h.log.Info("websocket connected", zap.String("connection_id", c.id))

	go c.writePump()
	c.readPump()
}

// Shutdown tears down every open connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	conns := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.teardown()
	}
}

func (h *Hub) remove(c *connection) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	h.mu.Unlock()
	if ok {
		metrics.WSConnectionsActive.Dec()
	}
}

// connection is one duplex client. A single writer goroutine owns the
// websocket's write side; forwarders and the read loop only enqueue.
type connection struct {
	id   string
	hub  *Hub
	ws   *websocket.Conn
	send chan []byte

	mu   sync.Mutex
	subs map[string]*bus.Subscription // client-chosen subscription id -> bus handle

	closed    chan struct{}
	closeOnce sync.Once
}

func (c *connection) readPump() {
	defer c.teardown()

	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.log.Warn("websocket read failed",
					zap.String("connection_id", c.id), zap.Error(err))
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", "bad_request", "malformed message")
			continue
		}

		switch msg.Type {
		case typeConnectionInit:
			c.enqueue(serverMessage{Type: typeConnectionAck})
		case typeSubscribe:
			c.subscribe(msg.ID, msg.Payload.Topic)
		case typeComplete:
			c.unsubscribe(msg.ID)
		default:
			// Unknown types are ignored, not fatal.
		}
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.teardown()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.teardown()
				return
			}
		case <-c.closed:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// subscribe registers an interest and forwards its events until the
// interest is withdrawn or the connection closes.
func (c *connection) subscribe(subID, topic string) {
	if subID == "" || topic == "" {
		c.sendError(subID, "bad_request", "subscribe requires an id and a topic")
		return
	}

	c.mu.Lock()
	if _, exists := c.subs[subID]; exists {
		c.mu.Unlock()
		c.sendError(subID, "duplicate_subscription", "subscription id already in use")
		return
	}
	sub, err := c.hub.bus.Subscribe(topic)
	if err != nil {
		c.mu.Unlock()
		c.sendError(subID, "subscribe_failed", "could not subscribe to topic")
		return
	}
	c.subs[subID] = sub
	c.mu.Unlock()

	go func() {
		for data := range sub.Events() {
			c.enqueue(serverMessage{Type: typeNext, ID: subID, Payload: data})
		}
	}()
}

// unsubscribe withdraws one interest without touching the connection.
func (c *connection) unsubscribe(subID string) {
	c.mu.Lock()
	sub, ok := c.subs[subID]
	delete(c.subs, subID)
	c.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// teardown removes the connection from every topic it was registered to
// and closes the transport. In-flight events addressed to it are
// dropped, not errored.
func (c *connection) teardown() {
	c.closeOnce.Do(func() {
		close(c.closed)

		c.mu.Lock()
		subs := c.subs
		c.subs = make(map[string]*bus.Subscription)
		c.mu.Unlock()
		for _, sub := range subs {
			sub.Close()
		}

		c.hub.remove(c)
		c.ws.Close()
		c.hub.log.Info("websocket disconnected", zap.String("connection_id", c.id))
	})
}

func (c *connection) enqueue(msg serverMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.closed:
	default:
		// The client stopped draining; drop it per the best-effort contract.
		c.teardown()
	}
}

func (c *connection) sendError(subID, code, message string) {
	payload, _ := json.Marshal(map[string]string{"code": code, "message": message})
	c.enqueue(serverMessage{Type: typeError, ID: subID, Payload: payload})
}
