package ws

import (
	"log"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
	sendBuffer = 64
)

// Message is the envelope pushed to dashboard clients.
type Message struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// Push types broadcast by the ingestion service.
const (
	TypeWelcome      = "WELCOME"
	TypeDeviceStatus = "DEVICE_STATUS"
	TypeDeviceStats  = "DEVICE_STATS"
	TypeNewAlert     = "NEW_ALERT"
)

type client struct {
	conn *websocket.Conn
	id   string
	send chan Message
}

// Hub fans ingestion events out to dashboard WebSocket clients. Slow
// clients get dropped messages, never a stalled broadcast.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	nextID  uint64
	dropped uint64
}

func NewHub() *Hub {
	return &Hub{clients: make(map[string]*client)}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// HandleWS upgrades the connection and runs the pumps until close.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}

	id := r.URL.Query().Get("clientId")
	if id == "" {
		id = generateClientID(atomic.AddUint64(&h.nextID, 1))
	}

	c := &client{
		conn: conn,
		id:   id,
		send: make(chan Message, sendBuffer),
	}

	h.mu.Lock()
	if old, ok := h.clients[id]; ok {
		close(old.send)
	}
	h.clients[id] = c
	// Queue the welcome while holding the lock: CloseAll closes send
	// channels under the same lock, so this send cannot race it. The
	// channel is fresh and buffered, so it cannot block either.
	c.send <- Message{
		Type:      TypeWelcome,
		Timestamp: time.Now().Unix(),
		Payload: map[string]interface{}{
			"message":   "Connected to DrowsyGuard live feed",
			"client_id": id,
		},
	}
	h.mu.Unlock()
	log.Printf("WebSocket client connected: %s", id)

	go c.writePump()
	c.readPump(h)
}

// Broadcast queues msg for every connected client. A client whose
// buffer is full is skipped; the live feed is best-effort.
func (h *Hub) Broadcast(msgType string, payload interface{}) {
	msg := Message{Type: msgType, Payload: payload, Timestamp: time.Now().Unix()}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll tears down every connection; used during shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.send)
		c.conn.Close()
		log.Printf("Closed connection for client: %s", id)
	}
	h.clients = make(map[string]*client)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if cur, ok := h.clients[c.id]; ok && cur == c {
		delete(h.clients, c.id)
	}
	h.mu.Unlock()
}

func (c *client) readPump(h *Hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		log.Printf("WebSocket client disconnected: %s", c.id)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Dashboard clients are receive-only; the read loop exists to
	// notice disconnects and answer protocol pings.
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error for %s: %v", c.id, err)
			}
			return
		}
		if msg.Type == "PING" {
			select {
			case c.send <- Message{Type: "PONG", Timestamp: time.Now().Unix()}:
			default:
			}
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func generateClientID(n uint64) string {
	return "client-" + time.Now().Format("20060102150405") + "-" + strconv.FormatUint(n, 10)
}
