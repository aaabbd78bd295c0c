package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"dialectic/api/internal/metrics"
)

const (
	sendBuffer   = 256
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	seenTTL      = 10 * time.Minute
	seenJanitor  = time.Minute
	maxReadBytes = 4096
)

type hubClient struct {
	id      string
	groupID string
	conn    *websocket.Conn
	send    chan []byte
	hub     *Hub
}

type hubMessage struct {
	groupID string
	data    []byte
}

// Hub maintains WebSocket client connections and broadcasts events to them.
// Events whose id was already delivered are dropped.
type Hub struct {
	logger     *zap.Logger
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
	seen       *cache.Cache
	clients    map[*hubClient]struct{}
	broadcast  chan hubMessage
	register   chan *hubClient
	unregister chan *hubClient
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a hub. allowedOrigin "*" accepts any origin. Call Run to
// start delivering.
func NewHub(allowedOrigin string, logger *zap.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		logger:  logger.Named("ws"),
		metrics: m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return allowedOrigin == "*" || origin == "" || origin == allowedOrigin
			},
		},
		// No janitor goroutine; Run prunes expired ids itself.
		seen:       cache.New(seenTTL, 0),
		clients:    make(map[*hubClient]struct{}),
		broadcast:  make(chan hubMessage, sendBuffer),
		register:   make(chan *hubClient),
		unregister: make(chan *hubClient),
		done:       make(chan struct{}),
	}
}

// Run manages client connections and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	prune := time.NewTicker(seenJanitor)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client connected", zap.String("client", client.id), zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.String("client", client.id), zap.Int("total", total))

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				if client.groupID != message.groupID {
					continue
				}
				select {
				case client.send <- message.data:
				default:
					// Slow consumer; drop the connection.
					delete(h.clients, client)
					close(client.send)
				}
			}
			h.mu.Unlock()

		case <-prune.C:
			h.seen.DeleteExpired()
		}
	}
}

// Broadcast queues ev for every client in its group. Repeated event ids
// are ignored.
func (h *Hub) Broadcast(_ context.Context, ev Event) {
	if ev.ID != "" {
		if err := h.seen.Add(ev.ID, struct{}{}, cache.DefaultExpiration); err != nil {
			return
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("marshal event", zap.String("type", ev.Type), zap.Error(err))
		return
	}

	select {
	case h.broadcast <- hubMessage{groupID: ev.GroupID, data: data}:
	default:
		h.metrics.RecordBroadcastError("ws")
		h.logger.Warn("broadcast queue full, dropping event", zap.String("type", ev.Type), zap.String("id", ev.ID))
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client. The groupId
// query parameter scopes delivery to one group; without it the client only
// receives ungrouped events.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	client := &hubClient{
		id:      r.RemoteAddr,
		groupID: r.URL.Query().Get("groupId"),
		conn:    conn,
		send:    make(chan []byte, sendBuffer),
		hub:     h,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump drains the connection so pongs and close frames are processed.
func (c *hubClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxReadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
	}
}

func (c *hubClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
