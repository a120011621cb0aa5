package app

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event is the envelope pushed to dashboard WebSocket clients.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// EventHub fans engine and application events out to connected
// WebSocket clients. Notify never blocks; when the buffer is full the
// event is dropped.
type EventHub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	corsOrigin string
}

func NewEventHub(corsOrigin string) *EventHub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &EventHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan Event, 100),
		ctx:        ctx,
		cancel:     cancel,
		corsOrigin: corsOrigin,
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// Notify implements the engine and service notifier contract.
func (h *EventHub) Notify(event string, payload any) {
	select {
	case h.broadcast <- Event{Type: event, Timestamp: time.Now(), Data: payload}:
	case <-h.ctx.Done():
	default:
		log.Printf("events: broadcast buffer full, dropping %s", event)
	}
}

// Close disconnects all clients and stops the broadcast loop.
func (h *EventHub) Close() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

func (h *EventHub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				log.Printf("events: marshal %s: %v", event.Type, err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.removeClient(conn)
				}
			}
		}
	}
}

// HandleWS upgrades the request and subscribes the client to events.
func (h *EventHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if h.corsOrigin == "*" {
		opts.OriginPatterns = []string{"*"}
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		log.Printf("events: websocket upgrade: %v", err)
		return
	}

	h.clientsMu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientsMu.Unlock()
	log.Printf("events: client connected (total %d)", count)

	go h.readLoop(conn)
}

// readLoop drains client frames so pings are answered and disconnects
// are noticed. Client messages are not processed.
func (h *EventHub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *EventHub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()
}
