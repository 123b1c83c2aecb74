package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nkkko/packlock/internal/logging"
	"github.com/nkkko/packlock/internal/metrics"
	"github.com/nkkko/packlock/pkg/proto"
	"github.com/rs/zerolog"
)

// HubConfig contains push hub configuration
type HubConfig struct {
	// Interval between keepalive notices
	HeartbeatInterval time.Duration

	// Per-connection send queue length
	SendBufferSize int

	// Deadline for a single write
	WriteTimeout time.Duration
}

// DefaultHubConfig returns a default configuration
func DefaultHubConfig() HubConfig {
	return HubConfig{
		HeartbeatInterval: 20 * time.Second,
		SendBufferSize:    32,
		WriteTimeout:      5 * time.Second,
	}
}

type streamClient struct {
	id         string
	resourceID string
	conn       *websocket.Conn
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
}

func (c *streamClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Hub pushes change notices to websocket subscribers of a resource
type Hub struct {
	config   HubConfig
	upgrader websocket.Upgrader

	clients map[string]*streamClient
	mu      sync.RWMutex

	metrics *metrics.GatewayMetrics
	logger  zerolog.Logger
}

// NewHub creates a push hub
func NewHub(config HubConfig) *Hub {
	defaults := DefaultHubConfig()
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = defaults.SendBufferSize
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}

	return &Hub{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*streamClient),
		metrics: metrics.GetGatewayMetrics(),
		logger:  logging.Component("hub"),
	}
}

// Start sends keepalive notices until ctx ends, then disconnects everyone
func (h *Hub) Start(ctx context.Context) error {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.broadcast("", proto.StreamNotice{Type: proto.NoticeHeartbeat, At: time.Now().UTC()})
		case <-ctx.Done():
			h.closeAll()
			return nil
		}
	}
}

// Notify pushes a notice to the subscribers of resourceID
func (h *Hub) Notify(resourceID, kind string, action proto.Action) {
	h.broadcast(resourceID, proto.StreamNotice{
		Type:       kind,
		ResourceID: resourceID,
		Action:     action,
		At:         time.Now().UTC(),
	})
}

// Connections returns the number of open subscribers
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// broadcast queues the notice for subscribers of resourceID, or for every
// subscriber when resourceID is empty. Full queues drop the notice.
func (h *Hub) broadcast(resourceID string, notice proto.StreamNotice) {
	data, err := json.Marshal(notice)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal notice")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if resourceID != "" && c.resourceID != resourceID {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Warn().Str("client_id", c.id).Msg("Subscriber queue full, dropping notice")
		}
	}
}

// ServeHTTP upgrades the request and streams notices for ?resource_id=
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resourceID := r.URL.Query().Get(proto.ParamResourceID)
	if resourceID == "" {
		http.Error(w, "resource_id is required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to upgrade stream connection")
		return
	}

	c := &streamClient{
		id:         uuid.New().String(),
		resourceID: resourceID,
		conn:       conn,
		send:       make(chan []byte, h.config.SendBufferSize),
		done:       make(chan struct{}),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.metrics.StreamConnections.Inc()

	h.logger.Debug().
		Str("client_id", c.id).
		Str("resource_id", resourceID).
		Str("owner_id", r.Header.Get(proto.HeaderOwnerID)).
		Msg("Stream subscriber connected")

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop drains client frames until the connection closes
func (h *Hub) readLoop(c *streamClient) {
	defer h.remove(c)

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *streamClient) {
	defer c.close()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug().Err(err).Str("client_id", c.id).Msg("Failed to write notice")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (h *Hub) remove(c *streamClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()

	c.close()
	if ok {
		h.metrics.StreamConnections.Dec()
		h.logger.Debug().Str("client_id", c.id).Msg("Stream subscriber disconnected")
	}
}

func (h *Hub) closeAll() {
	h.mu.RLock()
	clients := make([]*streamClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "gateway shutting down"),
			time.Now().Add(time.Second))
		h.remove(c)
	}
}
