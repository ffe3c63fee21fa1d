package offer

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/escrowhq/escrowd/internal/idgen"
	"github.com/escrowhq/escrowd/internal/money"
	"github.com/escrowhq/escrowd/internal/validation"
)

// Handler provides HTTP endpoints for offers.
type Handler struct {
	store Store
}

// NewHandler creates an offer handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up the public offer routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/offers/:id", h.GetOffer)
}

// RegisterAdminRoutes sets up the admin seed route. The group is
// expected to carry admin authentication.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.SeedOffer)
}

// SeedOfferRequest registers an externally accepted offer.
type SeedOfferRequest struct {
	ID          string `json:"id"`
	BuyerID     string `json:"buyerId" binding:"required"`
	SellerID    string `json:"sellerId" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Description string `json:"description"`
}

// SeedOffer handles POST /admin/offers
func (h *Handler) SeedOffer(c *gin.Context) {
	var req SeedOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if !validation.IsValidPartyID(req.BuyerID) || !validation.IsValidPartyID(req.SellerID) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_party_id",
			"message": "buyerId and sellerId must be valid party identifiers",
		})
		return
	}
	if req.BuyerID == req.SellerID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_parties",
			"message": "Buyer and seller must differ",
		})
		return
	}
	amt, ok := money.Parse(req.Amount)
	if !ok || amt.Sign() <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a positive decimal with at most 2 places",
		})
		return
	}

	o := &Offer{
		ID:          req.ID,
		BuyerID:     req.BuyerID,
		SellerID:    req.SellerID,
		Amount:      money.Format(amt),
		Description: validation.SanitizeString(req.Description, validation.MaxStringLength),
		CreatedAt:   time.Now().UTC(),
	}
	if o.ID == "" {
		o.ID = idgen.WithPrefix("off_")
	}

	if err := h.store.Create(c.Request.Context(), o); err != nil {
		if errors.Is(err, ErrOfferExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "offer_exists",
				"message": "An offer with this ID already exists",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": "Failed to create offer",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

// GetOffer handles GET /offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	o, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrOfferNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Offer not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "get_failed",
			"message": "Failed to load offer",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}
