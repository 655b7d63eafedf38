package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/rawblock/btn-analyzer/internal/alert"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for local dashboard
	},
}

// Hub maintains the set of active websocket clients and broadcasts messages.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
	done      chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
		done:      make(chan struct{}),
	}
}

// Run fans queued messages out to every client until Close.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mutex.Lock()
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			h.mutex.Unlock()
			return
		case message := <-h.broadcast:
			h.mutex.Lock()
			for client := range h.clients {
				// Write deadline keeps a blocked client from hanging the hub
				_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					log.Printf("[Hub] Websocket write error: %v", err)
					client.Close()
					delete(h.clients, client)
				}
			}
			h.mutex.Unlock()
		}
	}
}

// Close stops Run and disconnects every client.
func (h *Hub) Close() {
	close(h.done)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Subscribe handles incoming websocket connections
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[Hub] Failed to upgrade websocket: %v", err)
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	total := len(h.clients)
	h.mutex.Unlock()
	log.Printf("[Hub] Client connected. Total clients: %d", total)

	// Reads only detect disconnects; the stream is push-only.
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			total := len(h.clients)
			h.mutex.Unlock()
			conn.Close()
			log.Printf("[Hub] Client disconnected. Total clients: %d", total)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[Hub] Websocket error: %v", err)
				}
				return
			}
		}
	}()
}

// Broadcast queues data for every client. A full queue drops the message
// rather than stalling the analysis run that produced it.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		log.Printf("[Hub] Broadcast queue full, dropping message")
	}
}

// BroadcastAlert is the alert.Manager callback for the stream.
func (h *Hub) BroadcastAlert(a alert.Alert) {
	payload, err := json.Marshal(gin.H{"type": "alert", "alert": a})
	if err != nil {
		log.Printf("[Hub] Failed to marshal alert: %v", err)
		return
	}
	h.Broadcast(payload)
}

// BroadcastRun announces a finished run.
func (h *Hub) BroadcastRun(summary gin.H) {
	payload, err := json.Marshal(gin.H{"type": "run_complete", "run": summary})
	if err != nil {
		log.Printf("[Hub] Failed to marshal run summary: %v", err)
		return
	}
	h.Broadcast(payload)
}
