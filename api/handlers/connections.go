package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/portrelay/relay/internal/model"
)

// ConnectionJournal reads the connection journal of the running hub.
type ConnectionJournal interface {
	Get(ctx context.Context, id model.Identity) (*model.ConnectionRecord, error)
	List(ctx context.Context, limit int) ([]*model.ConnectionRecord, error)
}

// ConnectionHandler handles HTTP requests for the connection journal.
type ConnectionHandler struct {
	journal ConnectionJournal
}

// NewConnectionHandler creates a new ConnectionHandler.
func NewConnectionHandler(journal ConnectionJournal) *ConnectionHandler {
	return &ConnectionHandler{journal: journal}
}

// ConnectionResponse represents a journal entry in API responses.
type ConnectionResponse struct {
	ID             model.Identity `json:"id"`
	InstanceID     string         `json:"instanceId,omitempty"`
	RemoteAddr     string         `json:"remoteAddr"`
	Status         string         `json:"status"`
	FramesIn       int64          `json:"framesIn"`
	FramesOut      int64          `json:"framesOut"`
	Duration       string         `json:"duration"`
	ConnectedAt    string         `json:"connectedAt"`
	DisconnectedAt string         `json:"disconnectedAt,omitempty"`
}

func toConnectionResponse(r *model.ConnectionRecord) *ConnectionResponse {
	resp := &ConnectionResponse{
		ID:          r.Identity,
		InstanceID:  r.InstanceID,
		RemoteAddr:  r.RemoteAddr,
		Status:      string(r.Status),
		FramesIn:    r.FramesIn,
		FramesOut:   r.FramesOut,
		Duration:    formatDuration(r.Duration()),
		ConnectedAt: r.ConnectedAt.Format(time.RFC3339),
	}
	if r.DisconnectedAt != nil {
		resp.DisconnectedAt = r.DisconnectedAt.Format(time.RFC3339)
	}
	return resp
}

// formatDuration formats a duration rounded to the second.
func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

// List handles GET /api/connections - newest journal entries first.
func (h *ConnectionHandler) List(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := h.journal.List(c.Request.Context(), limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list connections: "+err.Error())
		return
	}

	response := make([]*ConnectionResponse, len(records))
	for i, rec := range records {
		response[i] = toConnectionResponse(rec)
	}
	c.JSON(http.StatusOK, response)
}

// Get handles GET /api/connections/:id.
func (h *ConnectionHandler) Get(c *gin.Context) {
	id, err := model.ParseIdentity(c.Param("id"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid peer ID: "+c.Param("id"))
		return
	}

	rec, err := h.journal.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, model.ErrPeerNotFound) {
			sendError(c, http.StatusNotFound, "PEER_NOT_FOUND", "Peer "+id.String()+" not found")
			return
		}
		sendError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to get connection: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, toConnectionResponse(rec))
}

// RegisterRoutes registers the connection handler routes on a Gin router group.
func (h *ConnectionHandler) RegisterRoutes(rg *gin.RouterGroup) {
	connections := rg.Group("/connections")
	{
		connections.GET("", h.List)
		connections.GET("/:id", h.Get)
	}
}
