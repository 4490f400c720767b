package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Upgrader accepts a WebSocket upgrade and takes ownership of the connection.
type Upgrader interface {
	HandleConnection(w http.ResponseWriter, r *http.Request) error
}

// WebSocketHandler handles peer WebSocket connections.
type WebSocketHandler struct {
	upgrader Upgrader
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(upgrader Upgrader) *WebSocketHandler {
	return &WebSocketHandler{upgrader: upgrader}
}

// Attach handles the WebSocket upgrade for a connecting peer.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	if err := h.upgrader.HandleConnection(c.Writer, c.Request); err != nil {
		// The upgrader has already written the HTTP error.
		log.WithField("remote", c.Request.RemoteAddr).WithError(err).Debug("WebSocket attach failed")
	}
}

// RegisterRoutes registers the WebSocket route at path.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes, path string) {
	r.GET(path, h.Attach)
}
