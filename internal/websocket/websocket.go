package websocket

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e2openplugins/webgrab/internal/grab"
	"github.com/e2openplugins/webgrab/internal/logging"
	"github.com/e2openplugins/webgrab/internal/status"
)

// writeWait bounds a single status write; clients slower than this are dropped.
var writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Hub pushes capture status messages to every connected browser.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	last    *status.Message
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]bool)}
}

// Notify implements grab.Notifier.
func (h *Hub) Notify(e grab.Event) {
	h.Send(status.FromEvent(e))
}

// Send delivers msg to all clients and remembers it for new connections.
func (h *Hub) Send(msg status.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.last = &msg
	logging.Trace("Broadcasting status: %s (%s)", msg.Text, msg.Code)
	for client := range h.clients {
		client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteJSON(msg); err != nil {
			logging.ErrorLogger.Printf("Error sending message: %v", err)
			client.Close()
			delete(h.clients, client)
		}
	}
}

// Len is the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeHTTP upgrades the connection and keeps it registered until the
// browser closes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.ErrorLogger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	h.mu.Lock()
	h.clients[conn] = true
	if h.last != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(h.last); err != nil {
			logging.ErrorLogger.Printf("Failed to send initial status: %v", err)
		}
	}
	h.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}
