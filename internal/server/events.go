package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"focusstack/internal/pipeline"
)

// Event is the websocket message sent when a job finishes.
type Event struct {
	ID     string         `json:"id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	Output string         `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
	Time   time.Time      `json:"time"`
}

func eventFromResult(res pipeline.Result) Event {
	ev := Event{
		ID:     res.Job.ID,
		Type:   string(res.Job.Type),
		Status: "completed",
		Output: res.Job.Output,
		Meta:   res.Meta,
		Time:   time.Now().UTC(),
	}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	return ev
}

// hub fans pipeline results out to websocket clients.
type hub struct {
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	log        *slog.Logger
}

func newHub(log *slog.Logger) *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for development
			},
		},
		clients:    make(map[*websocket.Conn]bool),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		log:        log,
	}
}

func (h *hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// run owns the client set until ctx is cancelled.
func (h *hub) run(ctx context.Context, queue Queue) {
	results, unsubscribe := queue.Subscribe()
	defer unsubscribe()
	defer close(h.done)
	defer func() {
		for client := range h.clients {
			client.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
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

		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			msg, err := json.Marshal(eventFromResult(res))
			if err != nil {
				h.log.Warn("failed to encode event", "job", res.Job.ID, "error", err)
				continue
			}
			for client := range h.clients {
				client.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := client.WriteMessage(websocket.TextMessage, msg); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}
