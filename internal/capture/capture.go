// Package capture is the payment-capture boundary. Funds enter escrow
// through it: a Stripe webhook (or an operator, via the admin route)
// confirms that a charge for a pending transaction succeeded, and the
// confirmation is applied as a SecurePayment command.
//
// The processor is the source of truth for custody. Capture never
// decides whether funds are good; it only relays the processor's
// verdict into the state machine, which enforces that payment can be
// secured exactly once.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/escrowhq/escrowd/internal/escrow"
	"github.com/escrowhq/escrowd/internal/validation"
)

// maxWebhookBody caps the Stripe payload we are willing to read.
const maxWebhookBody = 1 << 16

// MetadataTransactionID is the PaymentIntent metadata key carrying the
// escrow transaction the charge pays for.
const MetadataTransactionID = "escrow_transaction_id"

// Applier applies a confirmed capture. Satisfied by the escrow service.
type Applier interface {
	SecurePayment(ctx context.Context, id string, actor escrow.Actor) (*escrow.Transaction, error)
}

// Handler receives capture confirmations.
type Handler struct {
	service       Applier
	webhookSecret string
	logger        *slog.Logger
}

// NewHandler creates a capture handler. webhookSecret is the Stripe
// endpoint signing secret; with it empty the Stripe route rejects
// everything.
func NewHandler(service Applier, webhookSecret string, logger *slog.Logger) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret, logger: logger}
}

// RegisterRoutes sets up the processor-facing webhook route. Signature
// verification is the authentication; no API key is involved.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/capture/stripe", h.StripeWebhook)
}

// RegisterAdminRoutes sets up the manual capture route. The group is
// expected to carry admin authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/capture", h.ManualCapture)
}

// StripeWebhook handles POST /capture/stripe
func (h *Handler) StripeWebhook(c *gin.Context) {
	if h.webhookSecret == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "capture_disabled",
			"message": "Stripe webhook secret is not configured",
		})
		return
	}

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "read_failed",
			"message": "Failed to read webhook body",
		})
		return
	}

	event, err := webhook.ConstructEvent(payload, c.GetHeader("Stripe-Signature"), h.webhookSecret)
	if err != nil {
		h.logger.Warn("stripe webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	}

	switch event.Type {
	case "payment_intent.succeeded":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_payload",
				"message": "Malformed payment intent",
			})
			return
		}
		if err := h.applyIntent(c.Request.Context(), &intent); err != nil {
			status, body := captureError(err)
			c.JSON(status, body)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "applied": true})

	default:
		// Acknowledge everything else so Stripe stops retrying.
		c.JSON(http.StatusOK, gin.H{"received": true, "applied": false})
	}
}

func (h *Handler) applyIntent(ctx context.Context, intent *stripe.PaymentIntent) error {
	txnID := intent.Metadata[MetadataTransactionID]
	if !validation.IsValidTransactionID(txnID) {
		return fmt.Errorf("%w: payment intent %s carries no transaction reference", escrow.ErrValidation, intent.ID)
	}

	_, err := h.service.SecurePayment(ctx, txnID, escrow.Actor{PartyID: "stripe", Role: escrow.RoleSystem})
	if err != nil {
		return err
	}
	h.logger.Info("payment captured", "transactionId", txnID, "paymentIntent", intent.ID)
	return nil
}

// ManualCaptureRequest confirms a payment out of band.
type ManualCaptureRequest struct {
	TransactionID string `json:"transactionId" binding:"required"`
}

// ManualCapture handles POST /admin/capture
func (h *Handler) ManualCapture(c *gin.Context) {
	var req ManualCaptureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	if !validation.IsValidTransactionID(req.TransactionID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_transaction_id",
			"message": "transactionId must be a valid transaction identifier",
		})
		return
	}

	txn, err := h.service.SecurePayment(c.Request.Context(), req.TransactionID, escrow.Actor{PartyID: "admin", Role: escrow.RoleSystem})
	if err != nil {
		status, body := captureError(err)
		c.JSON(status, body)
		return
	}

	h.logger.Info("payment captured manually", "transactionId", txn.ID)
	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

func captureError(err error) (int, gin.H) {
	switch {
	case errors.Is(err, escrow.ErrNotFound):
		return http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Transaction not found",
		}
	case errors.Is(err, escrow.ErrInvalidStateTransition):
		return http.StatusConflict, gin.H{
			"error":   "invalid_state_transition",
			"message": "Transaction is not awaiting payment",
		}
	case errors.Is(err, escrow.ErrConcurrentModification):
		return http.StatusConflict, gin.H{
			"error":   "concurrent_modification",
			"message": "Transaction was modified concurrently, retry",
		}
	case errors.Is(err, escrow.ErrValidation):
		return http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": err.Error(),
		}
	default:
		return http.StatusInternalServerError, gin.H{
			"error":   "capture_failed",
			"message": "Failed to apply capture",
		}
	}
}
