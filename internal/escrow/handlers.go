package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/escrowhq/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for escrow transactions.
type Handler struct {
	service *Service
}

// NewHandler creates a new transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up transaction routes. All of them require an
// authenticated caller; the auth middleware stores the party identity
// and key role in the gin context.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/transactions", h.CreateTransaction)
	r.GET("/transactions/:id", h.GetTransaction)
	r.GET("/transactions/:id/events", h.ListEvents)
	r.GET("/parties/:id/transactions", h.ListByParty)

	txn := r.Group("/transactions/:id")
	txn.Use(validation.TransactionParamMiddleware())
	txn.POST("/delivery", h.SubmitDelivery)
	txn.POST("/review", h.SubmitReview)
	txn.POST("/dispute", h.OpenDispute)
	txn.POST("/dispute/resolve", h.ResolveDispute)
	txn.POST("/cancel", h.Cancel)
}

// CreateRequest is the body for POST /v1/transactions.
type CreateRequest struct {
	OfferID string `json:"offerId" binding:"required"`
}

// DeliveryRequest is the body for POST /v1/transactions/:id/delivery.
type DeliveryRequest struct {
	Files []Deliverable `json:"files" binding:"required"`
}

// ReviewRequest is the body for POST /v1/transactions/:id/review.
type ReviewRequest struct {
	Decision string `json:"decision" binding:"required"`
	Feedback string `json:"feedback"`
}

// DisputeRequest is the body for POST /v1/transactions/:id/dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest is the body for POST /v1/transactions/:id/dispute/resolve.
type ResolveRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	Note    string `json:"note"`
}

// CreateTransaction handles POST /v1/transactions
func (h *Handler) CreateTransaction(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txn, err := h.service.CreateFromOffer(c.Request.Context(), req.OfferID, h.caller(c))
	if err != nil {
		// The only lookup on this path is the offer itself.
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Offer not found"})
			return
		}
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": txn})
}

// GetTransaction handles GET /v1/transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !h.canView(c, txn) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not a party to this transaction",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ListEvents handles GET /v1/transactions/:id/events
func (h *Handler) ListEvents(c *gin.Context) {
	txn, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if !h.canView(c, txn) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Not a party to this transaction",
		})
		return
	}

	events, err := h.service.Events(c.Request.Context(), txn.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// ListByParty handles GET /v1/parties/:id/transactions
func (h *Handler) ListByParty(c *gin.Context) {
	partyID := c.Param("id")

	caller := h.caller(c)
	if caller.Role != RoleArbiter && caller.Role != RoleSystem && caller.PartyID != partyID {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "May only list your own transactions",
		})
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
			limit = parsed
		}
	}

	txns, err := h.service.ListByParty(c.Request.Context(), partyID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}

// SubmitDelivery handles POST /v1/transactions/:id/delivery
func (h *Handler) SubmitDelivery(c *gin.Context) {
	var req DeliveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txn, err := h.service.SubmitDelivery(c.Request.Context(), c.Param("id"), req.Files, h.partyActor(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// SubmitReview handles POST /v1/transactions/:id/review
func (h *Handler) SubmitReview(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	actor := h.partyActor(c)

	var (
		txn *Transaction
		err error
	)
	switch req.Decision {
	case "approved":
		txn, err = h.service.ApproveReview(ctx, id, req.Feedback, actor)
	case "revision_requested":
		txn, err = h.service.RequestRevision(ctx, id, req.Feedback, actor)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "decision must be approved or revision_requested",
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// OpenDispute handles POST /v1/transactions/:id/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txn, err := h.service.OpenDispute(c.Request.Context(), c.Param("id"), req.Reason, h.partyActor(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// ResolveDispute handles POST /v1/transactions/:id/dispute/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	caller := h.caller(c)
	if caller.Role != RoleArbiter && caller.Role != RoleSystem {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "unauthorized",
			"message": "Dispute resolution requires an arbiter key",
		})
		return
	}

	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	txn, err := h.service.ResolveDispute(c.Request.Context(), c.Param("id"), DisputeOutcome(req.Outcome), req.Note, caller)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// Cancel handles POST /v1/transactions/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	txn, err := h.service.Cancel(c.Request.Context(), c.Param("id"), h.partyActor(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"transaction": txn})
}

// caller returns the authenticated actor including its key role.
func (h *Handler) caller(c *gin.Context) Actor {
	return Actor{
		PartyID: c.GetString("authPartyID"),
		Role:    Role(c.GetString("authRole")),
	}
}

// partyActor returns an actor with the role left blank so the service
// derives buyer/seller from the transaction itself. An arbiter or
// system key keeps its role and is rejected for party-only commands.
func (h *Handler) partyActor(c *gin.Context) Actor {
	actor := h.caller(c)
	if actor.Role == RoleBuyer || actor.Role == RoleSeller || actor.Role == "party" {
		actor.Role = ""
	}
	return actor
}

func (h *Handler) canView(c *gin.Context, txn *Transaction) bool {
	caller := h.caller(c)
	if caller.Role == RoleArbiter || caller.Role == RoleSystem {
		return true
	}
	_, isParty := txn.RoleOf(caller.PartyID)
	return isParty
}

// respondError maps domain errors to the HTTP taxonomy.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Transaction not found"})
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrUnauthorizedTransition):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized_transition", "message": err.Error()})
	case errors.Is(err, ErrInvalidStateTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state_transition", "message": err.Error()})
	case errors.Is(err, ErrConcurrentModification):
		c.JSON(http.StatusConflict, gin.H{"error": "concurrent_modification", "message": "Transaction changed, re-fetch and retry"})
	case errors.Is(err, ErrAlreadyResolved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_resolved", "message": err.Error()})
	case errors.Is(err, ErrOfferAlreadyUsed):
		c.JSON(http.StatusConflict, gin.H{"error": "transaction_exists", "message": "A transaction already exists for this offer"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
	}
}
