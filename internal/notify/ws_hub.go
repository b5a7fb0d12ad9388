// Package notify delivers auction events to watchers: WebSocket clients
// connected to this process and a Kafka topic for downstream consumers.
// Delivery is best-effort; a full buffer drops the event instead of
// blocking the bid path.
package notify

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/auction-engine/internal/metrics"
	"github.com/atmx/auction-engine/internal/model"
)

type outbound struct {
	auctionID string
	data      []byte
}

// WSHub manages WebSocket connections and fans events out to them. A
// client may watch a single auction (?auction_id=) or all of them.
type WSHub struct {
	clients    map[*websocket.Conn]string // conn -> watched auction, "" for all
	broadcast  chan outbound
	register   chan watch
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
	logger     *slog.Logger
}

type watch struct {
	conn      *websocket.Conn
	auctionID string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan outbound, 256),
		register:   make(chan watch),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "ws_hub"),
	}
}

// Run starts the hub's event loop and returns after Stop. Must be called in
// a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case w := <-h.register:
			h.mu.Lock()
			h.clients[w.conn] = w.auctionID
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(total))
			h.logger.Info("ws client connected", "auction_id", w.auctionID, "total", total)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var dead []*websocket.Conn
			for conn, watched := range h.clients {
				if watched != "" && watched != msg.auctionID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					dead = append(dead, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range dead {
				h.drop(conn)
			}

		case <-h.done:
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return
		}
	}
}

// Stop closes every connection and ends Run.
func (h *WSHub) Stop() {
	close(h.done)
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	total := len(h.clients)
	h.mu.Unlock()
	metrics.WebSocketClients.Set(float64(total))
}

// Clients returns the number of connected watchers.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish queues evt for connected clients without blocking.
func (h *WSHub) Publish(evt model.Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("marshal event failed", "type", evt.Type, "err", err)
		return
	}
	select {
	case h.broadcast <- outbound{auctionID: evt.AuctionID, data: data}:
	default:
		metrics.NotificationsDropped.WithLabelValues("websocket").Inc()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- watch{conn: conn, auctionID: r.URL.Query().Get("auction_id")}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
			}
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}
