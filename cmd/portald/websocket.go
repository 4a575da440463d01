package main

import (
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kimhsiao/medportal/core/internal/logging"
	"github.com/kimhsiao/medportal/core/internal/network"
	"github.com/kimhsiao/medportal/core/internal/portal"
	"github.com/kimhsiao/medportal/core/internal/resource"
	syncengine "github.com/kimhsiao/medportal/core/internal/sync"
)

const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsWriteWait  = 10 * time.Second
	wsSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin accepts clients without an Origin header and pages served from
// the loopback interface.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// =====================================================
// WebSocket Event Types
// =====================================================

const (
	EventSyncStarted          = string(syncengine.EventStarted)
	EventSyncCompleted        = string(syncengine.EventCompleted)
	EventSyncFailed           = string(syncengine.EventFailed)
	EventSyncConflictDetected = string(syncengine.EventConflictDetected)
	EventSyncConflictResolved = string(syncengine.EventConflictResolved)

	EventNetworkChanged  = "network.changed"
	EventStrategyChanged = "resource.strategy_changed"
)

// WSEnvelope wraps all WebSocket messages.
type WSEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

type wsMessage struct {
	typ  string
	data []byte
}

// WSClient represents a WebSocket client connection.
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives events of typ. A client without
// subscriptions receives everything.
func (c *WSClient) wants(typ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[typ]
}

// WSHub maintains active client connections and broadcasts messages.
type WSHub struct {
	clients   map[string]*WSClient
	broadcast chan wsMessage
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewWSHub creates a new WebSocket hub and starts its loop.
func NewWSHub() *WSHub {
	hub := &WSHub{
		clients:   make(map[string]*WSClient),
		broadcast: make(chan wsMessage, wsSendBuffer),
		done:      make(chan struct{}),
	}
	go hub.run()
	return hub
}

// Close disconnects every client and stops the hub loop.
func (h *WSHub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients.
func (h *WSHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WSHub) run() {
	for {
		select {
		case msg := <-h.broadcast:
			h.mu.Lock()
			for _, client := range h.clients {
				if !client.wants(msg.typ) {
					continue
				}
				select {
				case client.send <- msg.data:
				default:
					// Slow consumer.
					h.drop(client)
				}
			}
			h.mu.Unlock()

		case <-h.done:
			h.mu.Lock()
			h.closed = true
			for _, client := range h.clients {
				h.drop(client)
			}
			h.mu.Unlock()
			return
		}
	}
}

// add registers client. It fails once the hub is closed.
func (h *WSHub) add(client *WSClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[client.id] = client
	logging.Debug("WebSocket client connected", map[string]interface{}{"client": client.id, "total": len(h.clients)})
	return true
}

func (h *WSHub) remove(client *WSClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.id]; ok {
		h.drop(client)
		logging.Debug("WebSocket client disconnected", map[string]interface{}{"client": client.id, "total": len(h.clients)})
	}
}

// drop removes client; h.mu must be held.
func (h *WSHub) drop(client *WSClient) {
	if _, ok := h.clients[client.id]; ok {
		delete(h.clients, client.id)
		close(client.send)
	}
}

// Broadcast queues a message for every subscribed client. It never blocks;
// messages are dropped when the hub is saturated.
func (h *WSHub) Broadcast(messageType string, data interface{}) {
	bytes, err := json.Marshal(WSEnvelope{
		Type:      messageType,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		logging.Warn("Failed to marshal WebSocket message", map[string]interface{}{"error": err.Error()})
		return
	}

	select {
	case h.broadcast <- wsMessage{typ: messageType, data: bytes}:
	case <-h.done:
	default:
		logging.Warn("WebSocket broadcast dropped", map[string]interface{}{"type": messageType})
	}
}

// Attach forwards sync events, connectivity changes and strategy changes
// from p to the connected clients. The returned func detaches.
func (h *WSHub) Attach(p *portal.Portal) func() {
	unsubs := []func(){
		p.Subscribe(func(ev syncengine.Event) {
			h.Broadcast(string(ev.Type), ev)
		}),
		p.Network().Subscribe(func(prev, next network.State) {
			h.Broadcast(EventNetworkChanged, map[string]interface{}{
				"previous":  prev,
				"current":   next,
				"bandwidth": next.Bandwidth(),
			})
		}),
		p.Resource().Subscribe(func(s resource.Strategy) {
			h.Broadcast(EventStrategyChanged, s)
		}),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// readPump pumps messages from the WebSocket connection.
func (c *WSClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn("WebSocket read failed", map[string]interface{}{"client": c.id, "error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string   `json:"action"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			logging.Debug("Invalid WebSocket message", map[string]interface{}{"client": c.id, "error": err.Error()})
			continue
		}

		switch msg.Action {
		case "subscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				c.subscriptions[e] = true
			}
			c.mu.Unlock()
			c.reply(map[string]interface{}{"action": "subscribe_ack", "subscribed": msg.Events})

		case "unsubscribe":
			c.mu.Lock()
			for _, e := range msg.Events {
				delete(c.subscriptions, e)
			}
			c.mu.Unlock()

		case "ping":
			c.reply(map[string]interface{}{"action": "pong"})
		}
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *WSClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply sends a control message to this client only. The hub lock keeps it
// from racing a close of the send channel.
func (c *WSClient) reply(envelope map[string]interface{}) {
	envelope["timestamp"] = time.Now().Unix()
	bytes, err := json.Marshal(envelope)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- bytes:
	default:
	}
}

// HandleWebSocket handles GET /ws.
func HandleWebSocket(hub *WSHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		client := &WSClient{
			id:            uuid.New().String(),
			conn:          conn,
			send:          make(chan []byte, wsSendBuffer),
			hub:           hub,
			subscriptions: make(map[string]bool),
		}

		if !hub.add(client) {
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}
