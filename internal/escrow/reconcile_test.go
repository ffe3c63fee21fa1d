package escrow

import (
	"context"
	"log/slog"
	"testing"
	"time"
)

func TestReconciler_CompletesExpiredReviews(t *testing.T) {
	// A short review window so the deadline is already in the past when
	// the sweep runs.
	clock := newMockClock()
	offers := &mockOffers{offers: map[string]*ResolvedOffer{
		"off_1": {ID: "off_1", BuyerID: "pty_buyer001", SellerID: "pty_seller001", Amount: "100.00"},
	}}
	store := NewMemoryStore()
	svc := NewService(store, offers, Policy{ReviewWindow: -time.Minute, TimeoutOutcome: "approve"}, 1500).WithClock(clock)

	ctx := context.Background()
	txn, err := svc.CreateFromOffer(ctx, "off_1", buyer)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if _, err := svc.SecurePayment(ctx, txn.ID, system); err != nil {
		t.Fatalf("secure failed: %v", err)
	}
	if _, err := svc.SubmitDelivery(ctx, txn.ID, files(), Actor{PartyID: "pty_seller001"}); err != nil {
		t.Fatalf("delivery failed: %v", err)
	}

	rec := NewReconciler(svc, store, 5*time.Millisecond, slog.Default())
	rec.sweep(ctx)

	got, _ := svc.Get(ctx, txn.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("Expected COMPLETED after sweep, got %s", got.Status)
	}
	if got.FundsState() != FundsReleased {
		t.Errorf("Expected funds released, got %s", got.FundsState())
	}

	// A second sweep finds nothing to do and changes nothing
	rec.sweep(ctx)
	events, _ := svc.Events(ctx, txn.ID)
	timeouts := 0
	for _, ev := range events {
		if ev.Type == EventReviewTimedOut {
			timeouts++
		}
	}
	if timeouts != 1 {
		t.Errorf("Expected exactly 1 timeout event after repeated sweeps, got %d", timeouts)
	}
}

func TestReconciler_IgnoresOpenWindows(t *testing.T) {
	svc, _, _ := newTestService()
	store := svc.store

	ctx := context.Background()
	txn := secure(t, svc)
	if _, err := svc.SubmitDelivery(ctx, txn.ID, files(), Actor{PartyID: "pty_seller001"}); err != nil {
		t.Fatalf("delivery failed: %v", err)
	}

	rec := NewReconciler(svc, store, 5*time.Millisecond, slog.Default())
	rec.sweep(ctx)

	got, _ := svc.Get(ctx, txn.ID)
	if got.Status != StatusInReview {
		t.Errorf("Sweep must not touch open review windows, got %s", got.Status)
	}
}

func TestReconciler_StartStop(t *testing.T) {
	svc, _, _ := newTestService()
	rec := NewReconciler(svc, svc.store, 5*time.Millisecond, slog.Default())

	done := make(chan struct{})
	go func() {
		rec.Start(context.Background())
		close(done)
	}()

	deadline := time.After(time.Second)
	for !rec.Running() {
		select {
		case <-deadline:
			t.Fatal("reconciler never started")
		case <-time.After(time.Millisecond):
		}
	}

	rec.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler never stopped")
	}
}
