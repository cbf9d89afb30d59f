package worker

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/convoyproxy/convoy/internal/infrastructure/logging"
	"github.com/convoyproxy/convoy/internal/infrastructure/monitoring"
)

// Message types exchanged with workers over the persistent connection.
const (
	MsgRegister       = "register"
	MsgAssignTask     = "assignTask"
	MsgAckTask        = "ackTask"
	MsgNetworkEvent   = "networkEvent"
	MsgSendHeaders    = "sendHeaders"
	MsgStopGeneration = "stopGeneration"
)

// Message is the single wire envelope of the worker protocol.
type Message struct {
	Type        string            `json:"type"`
	WorkerID    string            `json:"workerId,omitempty"`
	AccountName string            `json:"accountName,omitempty"`
	Task        *Task             `json:"task,omitempty"`
	URL         string            `json:"url,omitempty"`
	Text        string            `json:"text,omitempty"`
	Done        bool              `json:"done,omitempty"`
	Status      int               `json:"status,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// EventHandler consumes worker-reported events. Implemented by the streaming
// relay; kept as an interface so this package never imports it.
type EventHandler interface {
	OnNetworkEvent(workerID, url, text string, done bool)
	OnHeaders(workerID string, status int, headers map[string]string)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Workers connect from automated browser sessions with arbitrary origins.
		return true
	},
}

// wsConn wraps a gorilla connection with a write lock; gorilla allows only
// one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) Send(msg *Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

// Handler terminates worker connections and feeds their messages into the
// registry and the event handler.
type Handler struct {
	registry *Registry
	events   EventHandler
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

// NewHandler creates a new worker connection handler.
func NewHandler(registry *Registry, events EventHandler, logger *logging.Logger, metrics *monitoring.Metrics) *Handler {
	return &Handler{registry: registry, events: events, logger: logger, metrics: metrics}
}

// HandleConnection upgrades the request and runs the worker's message loop.
// The first message must be a register; disconnect in either direction ends
// the registration.
func (h *Handler) HandleConnection(c *gin.Context) {
	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("worker upgrade failed", zap.Error(err))
		return
	}
	conn := &wsConn{conn: raw}

	var reg Message
	if err := raw.ReadJSON(&reg); err != nil || reg.Type != MsgRegister {
		conn.Send(&Message{Type: "error", Error: "first message must be register"})
		conn.Close()
		return
	}

	w, err := h.registry.Register(reg.WorkerID, reg.AccountName, conn)
	if err != nil {
		conn.Send(&Message{Type: "error", Error: err.Error()})
		conn.Close()
		return
	}
	if h.metrics != nil {
		h.metrics.WorkersConnected.WithLabelValues(w.Account).Inc()
		defer h.metrics.WorkersConnected.WithLabelValues(w.Account).Dec()
	}
	defer h.registry.HandleDisconnect(w.ID)

	for {
		var msg Message
		if err := raw.ReadJSON(&msg); err != nil {
			h.logger.Info("worker connection closed",
				zap.String("worker", w.ID), zap.Error(err))
			return
		}
		h.registry.Touch(w.ID)

		switch msg.Type {
		case MsgAckTask:
			h.registry.Ack(w.ID)
		case MsgNetworkEvent:
			h.events.OnNetworkEvent(w.ID, msg.URL, msg.Text, msg.Done)
		case MsgSendHeaders:
			h.events.OnHeaders(w.ID, msg.Status, msg.Headers)
		case MsgRegister:
			// Already registered on this connection; ignore.
		default:
			h.logger.Warn("unknown worker message type",
				zap.String("worker", w.ID), zap.String("type", msg.Type))
		}
	}
}
