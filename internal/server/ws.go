package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// hub fans job events out to websocket clients. All client bookkeeping
// happens on the run goroutine.
type hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	log        *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 16),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("websocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}

// forwardResults publishes every finished job to the hub.
func (s *Server) forwardResults(ctx context.Context) {
	resCh, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(newEvent(res))
			if err != nil {
				s.log.Warn("marshal job event", "job", res.Job.ID, "error", err)
				continue
			}
			select {
			case s.hub.broadcast <- payload:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case s.hub.register <- conn:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case s.hub.unregister <- conn:
			case <-s.hub.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
