package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/portrelay/relay/internal/model"
)

// PeerRouter is the part of the hub router exposed over HTTP.
type PeerRouter interface {
	Peers() []model.Identity
	PeerCount() int
	SendTo(id model.Identity, payload string) bool
}

// PeerHandler handles HTTP requests for live peers.
type PeerHandler struct {
	router PeerRouter
}

// NewPeerHandler creates a new PeerHandler.
func NewPeerHandler(router PeerRouter) *PeerHandler {
	return &PeerHandler{router: router}
}

// SendRequest represents the request body for pushing a frame to a peer.
type SendRequest struct {
	Payload string `json:"payload" binding:"required"`
}

// SendResponse reports whether the frame was queued for the peer.
type SendResponse struct {
	Delivered bool `json:"delivered"`
}

// PeersResponse lists the live identities.
type PeersResponse struct {
	Peers []model.Identity `json:"peers"`
	Count int              `json:"count"`
}

// List handles GET /api/peers - lists the live identities in ascending order.
func (h *PeerHandler) List(c *gin.Context) {
	peers := h.router.Peers()
	if peers == nil {
		peers = []model.Identity{}
	}
	c.JSON(http.StatusOK, PeersResponse{Peers: peers, Count: len(peers)})
}

// Send handles POST /api/peers/:id/send. An identity that is not connected
// is not an error; the response just reports the frame as not delivered.
func (h *PeerHandler) Send(c *gin.Context) {
	id, err := model.ParseIdentity(c.Param("id"))
	if err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid peer ID: "+c.Param("id"))
		return
	}

	var req SendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body: "+err.Error())
		return
	}

	delivered := h.router.SendTo(id, req.Payload)
	log.WithFields(log.Fields{
		"peer":      id,
		"delivered": delivered,
	}).Debug("Admin send")

	c.JSON(http.StatusAccepted, SendResponse{Delivered: delivered})
}

// RegisterRoutes registers the peer handler routes on a Gin router group.
func (h *PeerHandler) RegisterRoutes(rg *gin.RouterGroup) {
	peers := rg.Group("/peers")
	{
		peers.GET("", h.List)
		peers.POST("/:id/send", h.Send)
	}
}
