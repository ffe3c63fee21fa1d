// Package escrow implements custodial transaction handling between a
// buyer and a seller.
//
// Flow:
//  1. A transaction is created from an accepted offer → PENDING_PAYMENT
//  2. Payment capture confirms → FUNDS_SECURED
//  3. Seller submits delivery → IN_REVIEW with a bounded review window
//  4. Buyer approves → COMPLETED, funds released to seller minus fee
//  5. Buyer requests revision → REVISION_REQUESTED, seller re-delivers
//  6. Review window elapses → implicit approval (or auto-dispute, per policy)
//  7. Either party disputes → DISPUTED, arbiter resolves to release or refund
package escrow

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound               = errors.New("transaction not found")
	ErrInvalidStateTransition = errors.New("command not allowed in current transaction state")
	ErrUnauthorizedTransition = errors.New("actor not authorized for this command")
	ErrValidation             = errors.New("invalid input")
	ErrConcurrentModification = errors.New("transaction was modified concurrently")
	ErrAlreadyResolved        = errors.New("dispute already resolved")
	ErrOfferAlreadyUsed       = errors.New("transaction already exists for offer")
	ErrStaleTimer             = errors.New("stale or duplicate review timer fire")
)

// Status represents the custody state of a transaction.
type Status string

const (
	StatusPendingPayment    Status = "PENDING_PAYMENT"
	StatusFundsSecured      Status = "FUNDS_SECURED"
	StatusInReview          Status = "IN_REVIEW"
	StatusRevisionRequested Status = "REVISION_REQUESTED"
	StatusDisputed          Status = "DISPUTED"
	StatusCompleted         Status = "COMPLETED"
	StatusRefunded          Status = "REFUNDED"
	StatusCancelled         Status = "CANCELLED"
)

// FundsState describes where the money is, derived from status.
type FundsState string

const (
	FundsNotCaptured FundsState = "not_captured"
	FundsSecured     FundsState = "secured"
	FundsReleased    FundsState = "released"
	FundsRefunded    FundsState = "refunded"
)

// Role identifies the kind of actor issuing a command.
type Role string

const (
	RoleBuyer   Role = "buyer"
	RoleSeller  Role = "seller"
	RoleArbiter Role = "arbiter"
	RoleSystem  Role = "system"
)

// Actor is the identity attached to a command.
type Actor struct {
	PartyID string `json:"partyId"`
	Role    Role   `json:"role"`
}

// Deliverable is a reference to an externally stored artifact.
type Deliverable struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	StorageRef string `json:"storageRef"`
}

// HistoryEntry records one applied transition. History is append-only.
type HistoryEntry struct {
	From  Status    `json:"from"`
	To    Status    `json:"to"`
	Actor string    `json:"actor"`
	Role  Role      `json:"role"`
	At    time.Time `json:"at"`
	Note  string    `json:"note,omitempty"`
}

// DisputeOutcome is the arbiter's final decision.
type DisputeOutcome string

const (
	OutcomeRelease DisputeOutcome = "release"
	OutcomeRefund  DisputeOutcome = "refund"
)

// Transaction is the unit of escrow. Buyer, seller, amount, and fee are
// fixed at creation and immutable thereafter.
type Transaction struct {
	ID                string         `json:"id"`
	OfferID           string         `json:"offerId"`
	BuyerID           string         `json:"buyerId"`
	SellerID          string         `json:"sellerId"`
	Amount            string         `json:"amount"`
	PlatformFeeBps    int            `json:"platformFeeBps"`
	Status            Status         `json:"status"`
	Deliverables      []Deliverable  `json:"deliverables,omitempty"`
	ReviewDeadline    *time.Time     `json:"reviewDeadline,omitempty"`
	RevisionCount     int            `json:"revisionCount"`
	DisputeReason     string         `json:"disputeReason,omitempty"`
	DisputeResolution DisputeOutcome `json:"disputeResolution,omitempty"`
	DisputedBy        string         `json:"disputedBy,omitempty"`
	History           []HistoryEntry `json:"history"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// IsTerminal returns true if the transaction is in a final state.
func (t *Transaction) IsTerminal() bool {
	switch t.Status {
	case StatusCompleted, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// FundsState derives the fund disposition from the current status.
// Exactly one disposition holds at any instant.
func (t *Transaction) FundsState() FundsState {
	switch t.Status {
	case StatusPendingPayment, StatusCancelled:
		return FundsNotCaptured
	case StatusCompleted:
		return FundsReleased
	case StatusRefunded:
		return FundsRefunded
	default:
		return FundsSecured
	}
}

// RoleOf returns the role a party ID holds on this transaction, or
// ("", false) if the party is not involved.
func (t *Transaction) RoleOf(partyID string) (Role, bool) {
	switch partyID {
	case t.BuyerID:
		return RoleBuyer, true
	case t.SellerID:
		return RoleSeller, true
	}
	return "", false
}

// Clone returns a deep copy of the transaction.
func (t *Transaction) Clone() *Transaction {
	cp := *t
	if t.ReviewDeadline != nil {
		d := *t.ReviewDeadline
		cp.ReviewDeadline = &d
	}
	cp.Deliverables = make([]Deliverable, len(t.Deliverables))
	copy(cp.Deliverables, t.Deliverables)
	cp.History = make([]HistoryEntry, len(t.History))
	copy(cp.History, t.History)
	return &cp
}

// EventType identifies what happened to a transaction.
type EventType string

const (
	EventCreated           EventType = "transaction.created"
	EventPaymentSecured    EventType = "payment.secured"
	EventDeliverySubmitted EventType = "delivery.submitted"
	EventReviewApproved    EventType = "review.approved"
	EventRevisionRequested EventType = "revision.requested"
	EventReviewTimedOut    EventType = "review.timed_out"
	EventDisputeOpened     EventType = "dispute.opened"
	EventDisputeResolved   EventType = "dispute.resolved"
	EventCancelled         EventType = "transaction.cancelled"
)

// Event is the authoritative, immutable change log entry. Notifications
// are derived from events, never the other way around.
type Event struct {
	ID            string            `json:"id"`
	TransactionID string            `json:"transactionId"`
	Type          EventType         `json:"type"`
	Actor         string            `json:"actor"`
	Role          Role              `json:"role"`
	From          Status            `json:"from"`
	To            Status            `json:"to"`
	At            time.Time         `json:"at"`
	Payload       map[string]string `json:"payload,omitempty"`
}

// Store persists transactions and their events. Implementations must
// make UpdateIf atomic: the status check, the row update, and the event
// append commit as one unit or not at all.
type Store interface {
	Create(ctx context.Context, txn *Transaction, event *Event) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByOffer(ctx context.Context, offerID string) (*Transaction, error)

	// UpdateIf replaces the stored transaction and appends the event only
	// if the stored status still equals expectedStatus. Returns
	// ErrConcurrentModification on mismatch.
	UpdateIf(ctx context.Context, expectedStatus Status, txn *Transaction, event *Event) error

	Events(ctx context.Context, transactionID string) ([]*Event, error)
	ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error)

	// ListInReviewExpired returns IN_REVIEW transactions whose review
	// deadline passed before the given time. Used by the reconciler.
	ListInReviewExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
}
