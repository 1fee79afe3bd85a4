package order

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stallwise/paycore/internal/escrow"
	"github.com/stallwise/paycore/internal/ledger"
	"github.com/stallwise/paycore/internal/pagination"
	"github.com/stallwise/paycore/internal/provider"
)

// Handler provides HTTP endpoints for orders and fulfillment.
type Handler struct {
	service    *Service
	controller *escrow.Controller
}

// NewHandler creates an order handler.
func NewHandler(service *Service, controller *escrow.Controller) *Handler {
	return &Handler{service: service, controller: controller}
}

// RegisterRoutes sets up order routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/orders", h.Create)
	r.GET("/orders/:id", h.Get)
	r.GET("/buyers/:id/orders", h.ListByBuyer)
	r.POST("/orders/:id/payment", h.InitiatePayment)
	r.POST("/orders/:id/ship", h.MarkShipped)
	r.POST("/orders/:id/confirm-delivery", h.ConfirmDelivery)
}

// Create handles POST /v1/orders
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	o, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order": o})
}

// Get handles GET /v1/orders/:id
func (h *Handler) Get(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": o})
}

// ListByBuyer handles GET /v1/buyers/:id/orders
func (h *Handler) ListByBuyer(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}
	var cursor *pagination.Cursor
	if raw := c.Query("cursor"); raw != "" {
		cur, err := pagination.Decode(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_cursor",
				"message": "cursor is malformed",
			})
			return
		}
		cursor = cur
	}

	orders, err := h.service.ListByBuyer(c.Request.Context(), c.Param("id"), cursor, limit+1)
	if err != nil {
		writeOrderError(c, err)
		return
	}

	page, next, hasMore := pagination.ComputePage(orders, limit, func(o *ledger.Order) (time.Time, string) {
		return o.CreatedAt, o.ID
	})
	resp := gin.H{"orders": page, "count": len(page), "hasMore": hasMore}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

type initiatePaymentRequest struct {
	Provider string `json:"provider" binding:"required"`
}

// InitiatePayment handles POST /v1/orders/:id/payment
func (h *Handler) InitiatePayment(c *gin.Context) {
	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	pay, err := h.controller.InitiatePayment(c.Request.Context(), c.Param("id"), req.Provider)
	if err != nil {
		writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"payment":            pay,
		"confirmationTarget": pay.Metadata["confirmation_target"],
	})
}

// MarkShipped handles POST /v1/orders/:id/ship
func (h *Handler) MarkShipped(c *gin.Context) {
	var req ShipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if err := h.service.MarkShipped(c.Request.Context(), c.Param("id"), req); err != nil {
		writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "shipped"})
}

type confirmDeliveryRequest struct {
	BuyerID string `json:"buyerId" binding:"required"`
}

// ConfirmDelivery handles POST /v1/orders/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	var req confirmDeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	if err := h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), req.BuyerID); err != nil {
		writeOrderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "delivered"})
}

// writeOrderError maps domain errors onto HTTP responses.
func writeOrderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrOrderNotFound),
		errors.Is(err, ledger.ErrProductNotFound),
		errors.Is(err, ledger.ErrPaymentNotFound),
		errors.Is(err, ledger.ErrEscrowNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrInsufficientStock):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "insufficient_stock",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrMultiShop):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "multi_shop",
			"message": "all items must belong to a single shop",
		})
	case errors.Is(err, ErrEmptyCart), errors.Is(err, ErrBadQuantity),
		errors.Is(err, ErrInactiveProduct), errors.Is(err, ErrAddressRequired),
		errors.Is(err, provider.ErrUnknownProvider):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotBuyer), errors.Is(err, ErrNotSeller):
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "forbidden",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrDisputeOpen),
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
