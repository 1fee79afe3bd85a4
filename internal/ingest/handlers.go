package ingest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/stallwise/paycore/internal/ledger"
	"github.com/stallwise/paycore/internal/provider"
)

// Signature headers per rail. Stripe's is fixed by their SDK; the chain
// relay signs with the shared webhook secret.
const (
	headerStripeSignature = "Stripe-Signature"
	headerRelaySignature  = "X-Relay-Signature"
)

// Handler exposes the webhook ingestion endpoints.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the provider webhook endpoints. These sit
// outside the versioned API: provider dashboards are configured with
// these exact paths.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.handle("stripe", headerStripeSignature))
	r.POST("/webhooks/chain", h.handle("chain", headerRelaySignature))
}

func (h *Handler) handle(source, sigHeader string) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payload",
				"message": "could not read request body",
			})
			return
		}

		outcome, err := h.service.Ingest(c.Request.Context(), source, payload, c.GetHeader(sigHeader))
		if err != nil {
			writeIngestError(c, err)
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"received": true,
			"outcome":  string(outcome),
		})
	}
}

func writeIngestError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, provider.ErrSignature):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "webhook signature verification failed",
		})
	case errors.Is(err, provider.ErrUnknownProvider):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "unknown provider",
		})
	case errors.Is(err, ErrBadPayload):
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_payload",
			"message": err.Error(),
		})
	case errors.Is(err, ledger.ErrInvalidTransition):
		// Out-of-order delivery. Report success so the provider stops
		// retrying; reconciliation converges the final state.
		c.JSON(http.StatusOK, gin.H{
			"received": true,
			"outcome":  "out_of_order",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "failed to process webhook",
		})
	}
}
