package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/escrowhq/escrowd/internal/escrow"
	"github.com/escrowhq/escrowd/internal/idgen"
	"github.com/escrowhq/escrowd/internal/metrics"
)

// Broadcaster pushes notifications to connected live clients. Optional.
type Broadcaster interface {
	Broadcast(partyID string, n *Notification)
}

// Emitter implements the escrow notifier: it maps each committed event
// to typed notifications for the parties involved and hands them to the
// webhook dispatcher. All methods are fire-and-forget.
type Emitter struct {
	d      *Dispatcher
	hub    Broadcaster
	logger *slog.Logger
}

// NewEmitter creates an emitter over a dispatcher.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// WithBroadcaster also mirrors notifications to live clients.
func (e *Emitter) WithBroadcaster(b Broadcaster) *Emitter {
	e.hub = b
	return e
}

// EscrowEvent fans a committed event out to the affected parties.
func (e *Emitter) EscrowEvent(ctx context.Context, event *escrow.Event, txn *escrow.Transaction) {
	data := map[string]interface{}{
		"transactionId": txn.ID,
		"status":        string(txn.Status),
		"amount":        txn.Amount,
	}
	for k, v := range event.Payload {
		data[k] = v
	}

	switch event.Type {
	case escrow.EventCreated:
		e.emit(txn.BuyerID, TypeTransactionCreated, txn.ID, data)
		e.emit(txn.SellerID, TypeTransactionCreated, txn.ID, data)

	case escrow.EventPaymentSecured:
		e.emit(txn.BuyerID, TypePaymentSecured, txn.ID, data)
		e.emit(txn.SellerID, TypePaymentSecured, txn.ID, data)

	case escrow.EventDeliverySubmitted:
		// The buyer's review window opens; the seller gets a receipt.
		e.emit(txn.BuyerID, TypeReviewStarted, txn.ID, data)
		e.emit(txn.SellerID, TypeDeliverySubmitted, txn.ID, data)

	case escrow.EventReviewApproved:
		e.settled(txn, data)

	case escrow.EventRevisionRequested:
		e.emit(txn.SellerID, TypeRevisionRequested, txn.ID, data)

	case escrow.EventReviewTimedOut:
		if txn.Status == escrow.StatusDisputed {
			e.emit(txn.BuyerID, TypeDisputeOpened, txn.ID, data)
			e.emit(txn.SellerID, TypeDisputeOpened, txn.ID, data)
		} else {
			e.settled(txn, data)
		}

	case escrow.EventDisputeOpened:
		e.emit(txn.BuyerID, TypeDisputeOpened, txn.ID, data)
		e.emit(txn.SellerID, TypeDisputeOpened, txn.ID, data)

	case escrow.EventDisputeResolved:
		e.emit(txn.BuyerID, TypeDisputeResolved, txn.ID, data)
		e.emit(txn.SellerID, TypeDisputeResolved, txn.ID, data)
		if txn.Status == escrow.StatusCompleted {
			e.emit(txn.SellerID, TypeFundsReleased, txn.ID, data)
		} else {
			e.emit(txn.BuyerID, TypeFundsRefunded, txn.ID, data)
		}

	case escrow.EventCancelled:
		e.emit(txn.BuyerID, TypeTransactionCancelled, txn.ID, data)
		e.emit(txn.SellerID, TypeTransactionCancelled, txn.ID, data)
	}
}

// settled notifies both sides of a completed transaction.
func (e *Emitter) settled(txn *escrow.Transaction, data map[string]interface{}) {
	e.emit(txn.SellerID, TypeFundsReleased, txn.ID, data)
	e.emit(txn.BuyerID, TypeTransactionCompleted, txn.ID, data)
}

// ReviewReminder nudges the buyer before the review window closes.
func (e *Emitter) ReviewReminder(ctx context.Context, txn *escrow.Transaction, deadline time.Time) {
	e.emit(txn.BuyerID, TypeReviewReminder, txn.ID, map[string]interface{}{
		"transactionId":  txn.ID,
		"reviewDeadline": deadline.UTC().Format(time.RFC3339),
	})
}

func (e *Emitter) emit(partyID string, t Type, txnID string, data map[string]interface{}) {
	if e == nil {
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(t)).Inc()
	n := &Notification{
		ID:            idgen.WithPrefix("ntf_"),
		Type:          t,
		PartyID:       partyID,
		TransactionID: txnID,
		Timestamp:     time.Now().UTC(),
		Data:          data,
	}

	if e.hub != nil {
		e.hub.Broadcast(partyID, n)
	}

	if e.d == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.DispatchToParty(ctx, partyID, n); err != nil {
		e.logger.Warn("notification dispatch failed", "type", t, "party", partyID, "error", err)
	}
}
