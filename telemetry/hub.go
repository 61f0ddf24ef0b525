package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/berr-exo/exodrive/loop"
	"github.com/edaniels/golog"
	"github.com/gorilla/websocket"
)

// writeWait bounds a write to one websocket client, so a slow browser cannot
// hold up the loop
const writeWait = 50 * time.Millisecond

// Hub streams every status to websocket clients as JSON.  It satisfies
// loop.Sink and http.Handler.
type Hub struct {
	mu       sync.Mutex
	clients  map[*websocket.Conn]bool
	upgrader websocket.Upgrader
	kt       float64
	log      golog.Logger
}

// NewHub returns a hub with no clients
func NewHub(torqueConstant float64, logger golog.Logger) *Hub {
	return &Hub{
		clients: map[*websocket.Conn]bool{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		kt:  torqueConstant,
		log: logger,
	}
}

// ServeHTTP upgrades the connection and keeps it registered until the client goes away
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnw("websocket upgrade failed", "error", err)
		return
	}
	h.mu.Lock()
	h.clients[ws] = true
	h.mu.Unlock()
	for {
		// messages from the browser are not used
		if _, _, err := ws.ReadMessage(); err != nil {
			h.drop(ws)
			return
		}
	}
}

func (h *Hub) drop(ws *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[ws] {
		delete(h.clients, ws)
		ws.Close()
	}
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Emit satisfies loop.Sink.  Clients that cannot keep up are dropped.
func (h *Hub) Emit(s loop.Status) error {
	rec := FromStatus(s, h.kt)
	h.mu.Lock()
	defer h.mu.Unlock()
	for ws := range h.clients {
		ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := ws.WriteJSON(rec); err != nil {
			h.log.Infow("dropping websocket client", "error", err)
			ws.Close()
			delete(h.clients, ws)
		}
	}
	return nil
}

// Close disconnects every client
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ws := range h.clients {
		ws.Close()
		delete(h.clients, ws)
	}
	return nil
}
