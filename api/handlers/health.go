package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// OpenCounter reports how many connections the journal holds open.
type OpenCounter interface {
	CountOpen(ctx context.Context) (int, error)
}

// HealthHandler serves GET /health.
type HealthHandler struct {
	router  PeerRouter
	journal OpenCounter
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(router PeerRouter, journal OpenCounter) *HealthHandler {
	return &HealthHandler{router: router, journal: journal}
}

// HealthResponse reports live peers and the journal's view of them. The
// journal may briefly lag the registry.
type HealthResponse struct {
	Status  string `json:"status"`
	Peers   int    `json:"peers"`
	Journal int    `json:"journal"`
}

// Health handles GET /health. A failing journal degrades the status but the
// relay itself keeps routing.
func (h *HealthHandler) Health(c *gin.Context) {
	resp := HealthResponse{Status: "ok", Peers: h.router.PeerCount()}

	open, err := h.journal.CountOpen(c.Request.Context())
	if err != nil {
		log.WithError(err).Warn("Journal health check failed")
		resp.Status = "degraded"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	resp.Journal = open
	c.JSON(http.StatusOK, resp)
}

// RegisterRoutes registers the health route.
func (h *HealthHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/health", h.Health)
}
