// Package offer holds accepted offers: the agreement between two
// parties on a price, reached before an escrow transaction exists.
// Offers arrive here already negotiated; the store is seeded through
// the admin API (or by an upstream marketplace) and the escrow service
// resolves them by ID at transaction creation.
package offer

import (
	"context"
	"errors"
	"time"

	"github.com/escrowhq/escrowd/internal/escrow"
)

var (
	ErrOfferNotFound = errors.New("offer not found")
	ErrOfferExists   = errors.New("offer already exists")
)

// Offer is an accepted agreement between a buyer and a seller.
type Offer struct {
	ID          string    `json:"id"`
	BuyerID     string    `json:"buyerId"`
	SellerID    string    `json:"sellerId"`
	Amount      string    `json:"amount"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists accepted offers.
type Store interface {
	Create(ctx context.Context, o *Offer) error
	Get(ctx context.Context, id string) (*Offer, error)
}

// Resolver adapts a Store to the escrow service's lookup interface.
type Resolver struct {
	store Store
}

var _ escrow.OfferResolver = (*Resolver)(nil)

// NewResolver creates a resolver over a store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

func (r *Resolver) Resolve(ctx context.Context, offerID string) (*escrow.ResolvedOffer, error) {
	o, err := r.store.Get(ctx, offerID)
	if err != nil {
		if errors.Is(err, ErrOfferNotFound) {
			return nil, escrow.ErrNotFound
		}
		return nil, err
	}
	return &escrow.ResolvedOffer{
		ID:       o.ID,
		BuyerID:  o.BuyerID,
		SellerID: o.SellerID,
		Amount:   o.Amount,
	}, nil
}
