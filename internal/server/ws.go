package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/boardlab/backend/internal/infrastructure/logging"
	"github.com/boardlab/backend/internal/infrastructure/monitoring"
	"github.com/boardlab/backend/internal/transport"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in dev
	},
}

// notification is the shape pushed to rendering surfaces. Surfaces react
// by draining or re-reading state; the payload carries no session data.
type notification struct {
	Type      string `json:"type"`
	Device    string `json:"device,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub pushes change notifications and diagnostic envelopes to connected
// rendering surfaces. It implements console.Notifier.
type Hub struct {
	logger  *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.Mutex
	clients map[string]*wsClient // notification stream
	debug   map[string]*wsClient // raw envelope tap
}

// NewHub creates an empty hub. metrics may be nil.
func NewHub(logger *logging.Logger, metrics *monitoring.Metrics) *Hub {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &Hub{
		logger:  logger,
		metrics: metrics,
		clients: make(map[string]*wsClient),
		debug:   make(map[string]*wsClient),
	}
}

// HandleNotifications upgrades the connection and streams change
// notifications until the client goes away.
func (h *Hub) HandleNotifications(c *gin.Context) {
	h.serve(c, h.clients)
}

// HandleEnvelopeStream upgrades the connection and streams every raw
// envelope seen on the shared channel. Diagnostic use only.
func (h *Hub) HandleEnvelopeStream(c *gin.Context) {
	h.serve(c, h.debug)
}

func (h *Hub) serve(c *gin.Context, set map[string]*wsClient) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	clientID := uuid.New().String()
	client := &wsClient{conn: conn}

	h.mu.Lock()
	set[clientID] = client
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.WSClients.Inc()
	}
	h.logger.Debug("notification client connected", zap.String("client", clientID))

	defer func() {
		h.mu.Lock()
		delete(set, clientID)
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.WSClients.Dec()
		}
	}()

	// Inbound frames are only keep-alives; drain until the peer closes.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) broadcast(kind, device string) {
	n := notification{
		Type:      kind,
		Device:    device,
		Timestamp: time.Now().Unix(),
	}
	if h.metrics != nil {
		h.metrics.RecordNotification(kind)
	}

	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, cl := range h.clients {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	for _, cl := range clients {
		if err := cl.send(n); err != nil {
			h.logger.Debug("notification send failed", zap.Error(err))
		}
	}
}

// DeviceConnected implements console.Notifier.
func (h *Hub) DeviceConnected(device string) {
	h.broadcast("device_connected", device)
}

// DeviceDisconnected implements console.Notifier.
func (h *Hub) DeviceDisconnected(device string) {
	h.broadcast("device_disconnected", device)
}

// OutputAvailable implements console.Notifier. The surface bound to the
// device reacts by draining the pending delta.
func (h *Hub) OutputAvailable(device string) {
	h.broadcast("output_available", device)
}

// StateChanged implements console.Notifier.
func (h *Hub) StateChanged(device string) {
	h.broadcast("state_changed", device)
}

// ForwardEnvelope relays a raw envelope to debug clients. Registered as
// a transport tap by the composition root.
func (h *Hub) ForwardEnvelope(env transport.Envelope) {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.debug))
	for _, cl := range h.debug {
		clients = append(clients, cl)
	}
	h.mu.Unlock()

	for _, cl := range clients {
		if err := cl.send(env); err != nil {
			h.logger.Debug("envelope relay failed", zap.Error(err))
		}
	}
}
