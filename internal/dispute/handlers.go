package dispute

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stallwise/paycore/internal/escrow"
	"github.com/stallwise/paycore/internal/ledger"
	"github.com/stallwise/paycore/internal/provider"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up party-facing dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders/:id/dispute", h.Open)
	r.GET("/disputes/:id", h.Get)
	r.GET("/disputes/:id/messages", h.ListMessages)
	r.POST("/disputes/:id/messages", h.AddMessage)
}

// RegisterArbiterRoutes sets up the resolution route; the caller wraps
// the group with the admin gate.
func (h *Handler) RegisterArbiterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", h.Resolve)
}

// Open handles POST /v1/orders/:id/dispute
func (h *Handler) Open(c *gin.Context) {
	var req OpenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	d, err := h.service.Open(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

type addMessageRequest struct {
	Sender string `json:"sender" binding:"required"`
	Body   string `json:"body" binding:"required"`
}

// AddMessage handles POST /v1/disputes/:id/messages
func (h *Handler) AddMessage(c *gin.Context) {
	var req addMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	m, err := h.service.AddMessage(c.Request.Context(), c.Param("id"), req.Sender, req.Body)
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": m})
}

// ListMessages handles GET /v1/disputes/:id/messages
func (h *Handler) ListMessages(c *gin.Context) {
	msgs, err := h.service.Messages(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if err := h.service.Resolve(c.Request.Context(), c.Param("id"), req.Resolution); err != nil {
		writeDisputeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resolved", "resolution": req.Resolution})
}

func writeDisputeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrOrderNotFound),
		errors.Is(err, ledger.ErrDisputeNotFound),
		errors.Is(err, ledger.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ErrEmptyReason), errors.Is(err, ErrEmptyMessage),
		errors.Is(err, ErrBadResolution):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotParty):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrDisputeOpen),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, escrow.ErrNotReleasable),
		errors.Is(err, escrow.ErrNotRefundable):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_state",
			"message": err.Error(),
		})
	case errors.Is(err, escrow.ErrProviderDown),
		errors.Is(err, provider.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "provider_unavailable",
			"message": err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
	}
}
