// Package ws streams engine state to the host UI over a WebSocket and
// accepts the same control messages the REST surface offers, so the UI
// can drive decisions without polling.
package ws

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/camstage/camstage/engine/internal/engine"
	"github.com/camstage/camstage/engine/internal/logging"
	"github.com/camstage/camstage/engine/internal/permission"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The API binds to loopback; the host UI is the only client.
		return true
	},
}

// Message is the host UI control frame.
type Message struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	Decision  string `json:"decision,omitempty"`
}

// Handler manages host UI WebSocket connections.
type Handler struct {
	engine *engine.Engine
	logger *logging.Logger
}

// NewHandler creates a WebSocket handler over the engine.
func NewHandler(eng *engine.Engine, logger *logging.Logger) *Handler {
	return &Handler{engine: eng, logger: logger}
}

// HandleConnection upgrades the request and serves the control loop.
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	h.send(conn, gin.H{
		"type":    "system",
		"message": "connected to camstage engine",
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			h.logger.Debug("WebSocket read ended", zap.Error(err))
			break
		}

		switch msg.Type {
		case "state":
			h.send(conn, gin.H{"type": "state", "state": h.engine.State()})
		case "console":
			h.send(conn, gin.H{"type": "console", "entries": h.engine.RecentConsole()})
		case "resolve_permission":
			h.handleResolve(conn, msg)
		case "inject":
			h.engine.RequestInjection()
			h.send(conn, gin.H{"type": "scheduled"})
		case "ping":
			h.send(conn, gin.H{"type": "pong"})
		default:
			h.sendError(conn, "unknown message type")
		}
	}
}

func (h *Handler) handleResolve(conn *websocket.Conn, msg Message) {
	decision := permission.Decision(msg.Decision)
	switch decision {
	case permission.DecisionSimulate, permission.DecisionAllowReal, permission.DecisionDeny:
	default:
		h.sendError(conn, "unknown decision")
		return
	}
	if msg.RequestID == "" {
		h.sendError(conn, "request_id required")
		return
	}

	h.engine.ResolvePermission(msg.RequestID, decision)
	h.send(conn, gin.H{
		"type":       "permission_resolved",
		"request_id": msg.RequestID,
		"decision":   msg.Decision,
	})
}

func (h *Handler) send(conn *websocket.Conn, payload gin.H) {
	if err := conn.WriteJSON(payload); err != nil {
		h.logger.Debug("WebSocket write failed", zap.Error(err))
	}
}

func (h *Handler) sendError(conn *websocket.Conn, message string) {
	h.send(conn, gin.H{"type": "error", "message": message})
}
