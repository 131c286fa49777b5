// Package statusfeed streams room state snapshots to local displays over WebSocket.
package statusfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Snapshot is one state change of the room as shown to displays.
type Snapshot struct {
	State    string    `json:"state"`
	Previous string    `json:"previous"`
	Trigger  string    `json:"trigger"`
	Room     string    `json:"room,omitempty"`
	At       time.Time `json:"at"`
}

// Config holds configuration for feed connections
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBuffer      int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBuffer:      64,
		CheckOrigin: func(r *http.Request) bool {
			// Displays live on the same local network as the node.
			return true
		},
	}
}

// Hub fans snapshots out to every connected display. New connections get the latest
// snapshot first.
type Hub struct {
	mu    sync.RWMutex
	conns map[*connection]bool
	last  []byte

	upgrader    websocket.Upgrader
	config      Config
	broadcastCh chan Snapshot
	logger      zerolog.Logger
}

type connection struct {
	id   string
	ws   *websocket.Conn
	send chan []byte
	hub  *Hub
}

// NewHub creates a hub. Run must be called for snapshots to be delivered.
func NewHub(config Config) *Hub {
	return &Hub{
		conns: make(map[*connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan Snapshot, 256),
		logger:      log.With().Str("component", "statusfeed").Logger(),
	}
}

// Run delivers published snapshots until ctx is done, then closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info().Msg("status feed started")
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info().Msg("status feed shutting down")
			return
		case s := <-h.broadcastCh:
			h.broadcast(s)
		}
	}
}

// Publish queues s for every connection. It never blocks; snapshots are dropped when
// the queue is full.
func (h *Hub) Publish(s Snapshot) {
	select {
	case h.broadcastCh <- s:
	default:
		h.logger.Warn().Str("state", s.State).Msg("broadcast channel full, dropping snapshot")
	}
}

// Connections returns the number of connected displays.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the request.
		h.logger.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	c := &connection{
		id:   uuid.New().String(),
		ws:   ws,
		send: make(chan []byte, h.config.SendBuffer),
		hub:  h,
	}
	h.register(c)

	go c.writePump()
	go c.readPump()

	h.logger.Info().Str("connection_id", c.id).Str("remote", r.RemoteAddr).Msg("display connected")
}

// RegisterRoutes registers the feed and its stats endpoint with mux.
func (h *Hub) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/ws/room", h)
	mux.HandleFunc("/ws/stats", h.handleStats)
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]int{"total_connections": h.Connections()}); err != nil {
		h.logger.Warn().Err(err).Msg("failed to write stats response")
	}
}

func (h *Hub) register(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.conns[c] = true
	if h.last != nil {
		c.send <- h.last
	}
	h.logger.Debug().Str("connection_id", c.id).Int("total_connections", len(h.conns)).Msg("connection registered")
}

func (h *Hub) unregister(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	close(c.send)
	h.logger.Info().Str("connection_id", c.id).Msg("display disconnected")
}

func (h *Hub) broadcast(s Snapshot) {
	data, err := json.Marshal(s)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal snapshot")
		return
	}

	h.mu.Lock()
	h.last = data
	targets := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if !c.trySend(data) {
			h.logger.Warn().Str("connection_id", c.id).Msg("connection send buffer full, closing connection")
			h.unregister(c)
			c.ws.Close()
		}
	}

	h.logger.Debug().Str("state", s.State).Int("connections", len(targets)).Msg("snapshot broadcast")
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	targets := make([]*connection, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.unregister(c)
	}
}

// trySend queues data unless the connection is slow or already unregistered.
func (c *connection) trySend(data []byte) bool {
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()

	if !c.hub.conns[c] {
		return true
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
		c.hub.unregister(c)
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn().Err(err).Str("connection_id", c.id).Msg("failed to write snapshot")
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Warn().Err(err).Str("connection_id", c.id).Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump only keeps the read deadline alive; displays do not send commands.
func (c *connection) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(c.hub.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn().Err(err).Str("connection_id", c.id).Msg("unexpected WebSocket close error")
			}
			return
		}
	}
}
