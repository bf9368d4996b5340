package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mtzanidakis/swarmer/internal/telemetry"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans swarm events out to WebSocket clients. A client connected with
// ?job=<id> only receives that job's events.
type Hub struct {
	clients   map[*websocket.Conn]string
	broadcast chan telemetry.Event
	mu        sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]string),
		broadcast: make(chan telemetry.Event, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.send(event.JobID, data)
		}
	}
}

func (h *Hub) send(jobID string, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client, filter := range h.clients {
		if filter != "" && filter != jobID {
			continue
		}
		_ = client.SetWriteDeadline(time.Now().Add(writeWait))
		if err := client.WriteMessage(websocket.TextMessage, data); err != nil {
			client.Close()
			delete(h.clients, client)
		}
	}
}

func (h *Hub) Broadcast(event telemetry.Event) {
	select {
	case h.broadcast <- event:
	default:
		slog.Warn("websocket broadcast channel full, dropping event", "type", event.Type, "job", event.JobID)
	}
}

func (h *Hub) Register(conn *websocket.Conn, jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = jobID
}

func (h *Hub) Unregister(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		client.Close()
		delete(h.clients, client)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	s.hub.Register(conn, r.URL.Query().Get("job"))
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	// Drain client frames so close and ping control messages are handled.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}
