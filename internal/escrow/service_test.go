package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockClock records schedule/cancel calls.
type mockClock struct {
	mu        sync.Mutex
	scheduled map[string]time.Time // key -> fireAt
	cancelled []string
}

func newMockClock() *mockClock {
	return &mockClock{scheduled: make(map[string]time.Time)}
}

func (m *mockClock) ScheduleOnce(key string, fireAt time.Time, payload map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduled[key] = fireAt
	return "tmr_test", nil
}

func (m *mockClock) CancelKey(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.scheduled, key)
	m.cancelled = append(m.cancelled, key)
	return nil
}

func (m *mockClock) scheduledKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.scheduled))
	for k := range m.scheduled {
		keys = append(keys, k)
	}
	return keys
}

// mockNotifier captures emitted events and reminders.
type mockNotifier struct {
	mu        sync.Mutex
	events    []EventType
	reminders int
}

func (m *mockNotifier) EscrowEvent(ctx context.Context, event *Event, txn *Transaction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event.Type)
}

func (m *mockNotifier) ReviewReminder(ctx context.Context, txn *Transaction, deadline time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reminders++
}

// mockOffers resolves a fixed offer set.
type mockOffers struct {
	offers map[string]*ResolvedOffer
}

func (m *mockOffers) Resolve(ctx context.Context, offerID string) (*ResolvedOffer, error) {
	offer, ok := m.offers[offerID]
	if !ok {
		return nil, ErrNotFound
	}
	return offer, nil
}

func newTestService() (*Service, *mockClock, *mockNotifier) {
	clock := newMockClock()
	notifier := &mockNotifier{}
	offers := &mockOffers{offers: map[string]*ResolvedOffer{
		"off_1": {ID: "off_1", BuyerID: "pty_buyer001", SellerID: "pty_seller001", Amount: "100.00"},
		"off_2": {ID: "off_2", BuyerID: "pty_buyer001", SellerID: "pty_seller001", Amount: "0.00"},
	}}
	svc := NewService(NewMemoryStore(), offers, testPolicy, 1500).
		WithClock(clock).
		WithNotifier(notifier).
		WithReminderLead(24 * time.Hour)
	return svc, clock, notifier
}

func TestCreateFromOffer(t *testing.T) {
	svc, _, notifier := newTestService()
	ctx := context.Background()

	txn, err := svc.CreateFromOffer(ctx, "off_1", buyer)
	if err != nil {
		t.Fatalf("CreateFromOffer failed: %v", err)
	}
	if txn.Status != StatusPendingPayment {
		t.Errorf("Expected PENDING_PAYMENT, got %s", txn.Status)
	}
	if txn.BuyerID != "pty_buyer001" || txn.SellerID != "pty_seller001" {
		t.Errorf("Parties not taken from offer: %s / %s", txn.BuyerID, txn.SellerID)
	}
	if txn.Amount != "100.00" || txn.PlatformFeeBps != 1500 {
		t.Errorf("Amount/fee wrong: %s / %d", txn.Amount, txn.PlatformFeeBps)
	}
	if len(txn.History) != 1 {
		t.Errorf("Expected 1 history entry, got %d", len(txn.History))
	}
	if len(notifier.events) != 1 || notifier.events[0] != EventCreated {
		t.Errorf("Expected transaction.created notification, got %v", notifier.events)
	}

	// One transaction per offer
	_, err = svc.CreateFromOffer(ctx, "off_1", buyer)
	if !errors.Is(err, ErrOfferAlreadyUsed) {
		t.Fatalf("Expected ErrOfferAlreadyUsed, got %v", err)
	}

	// Strangers may not create from someone else's offer
	_, err = svc.CreateFromOffer(ctx, "off_1", Actor{PartyID: "pty_mallory1"})
	if !errors.Is(err, ErrUnauthorizedTransition) {
		t.Fatalf("Expected UnauthorizedTransition, got %v", err)
	}

	// Zero amounts are rejected
	_, err = svc.CreateFromOffer(ctx, "off_2", buyer)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("Expected ValidationError for zero amount, got %v", err)
	}
}

// secure drives a fresh transaction to FUNDS_SECURED.
func secure(t *testing.T, svc *Service) *Transaction {
	t.Helper()
	ctx := context.Background()
	txn, err := svc.CreateFromOffer(ctx, "off_1", buyer)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	txn, err = svc.SecurePayment(ctx, txn.ID, system)
	if err != nil {
		t.Fatalf("secure payment failed: %v", err)
	}
	return txn
}

func TestSubmitDelivery_SchedulesTimers(t *testing.T) {
	svc, clock, _ := newTestService()
	ctx := context.Background()
	txn := secure(t, svc)

	txn, err := svc.SubmitDelivery(ctx, txn.ID, files(), Actor{PartyID: "pty_seller001"})
	if err != nil {
		t.Fatalf("SubmitDelivery failed: %v", err)
	}

	keys := clock.scheduledKeys()
	if len(keys) != 2 {
		t.Fatalf("Expected review + reminder timers, got %v", keys)
	}
	if _, ok := clock.scheduled[reviewTimerKey(txn.ID)]; !ok {
		t.Error("Review timer not scheduled")
	}
	remindAt, ok := clock.scheduled[reminderTimerKey(txn.ID)]
	if !ok {
		t.Fatal("Reminder timer not scheduled")
	}
	if want := txn.ReviewDeadline.Add(-24 * time.Hour); !remindAt.Equal(want) {
		t.Errorf("Reminder at %v, want %v", remindAt, want)
	}
}

func TestApprove_CancelsTimersAndReleases(t *testing.T) {
	svc, clock, notifier := newTestService()
	ctx := context.Background()
	txn := secure(t, svc)

	txn, err := svc.SubmitDelivery(ctx, txn.ID, files(), Actor{PartyID: "pty_seller001"})
	if err != nil {
		t.Fatalf("SubmitDelivery failed: %v", err)
	}

	txn, err = svc.ApproveReview(ctx, txn.ID, "great work", Actor{PartyID: "pty_buyer001"})
	if err != nil {
		t.Fatalf("ApproveReview failed: %v", err)
	}
	if txn.Status != StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", txn.Status)
	}
	if txn.FundsState() != FundsReleased {
		t.Errorf("Expected funds released, got %s", txn.FundsState())
	}
	if got := len(clock.scheduledKeys()); got != 0 {
		t.Errorf("Expected all timers cancelled, %d remain", got)
	}

	want := []EventType{EventCreated, EventPaymentSecured, EventDeliverySubmitted, EventReviewApproved}
	if len(notifier.events) != len(want) {
		t.Fatalf("Expected %d notifications, got %v", len(want), notifier.events)
	}
	for i, ev := range want {
		if notifier.events[i] != ev {
			t.Errorf("Notification %d: expected %s, got %s", i, ev, notifier.events[i])
		}
	}
}

func TestPartyRoleDerivation(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	txn := secure(t, svc)

	// The buyer cannot deliver
	_, err := svc.SubmitDelivery(ctx, txn.ID, files(), Actor{PartyID: "pty_buyer001"})
	if !errors.Is(err, ErrUnauthorizedTransition) {
		t.Fatalf("Buyer delivering: expected UnauthorizedTransition, got %v", err)
	}

	// A non-party gets rejected outright
	_, err = svc.SubmitDelivery(ctx, txn.ID, files(), Actor{PartyID: "pty_mallory1"})
	if !errors.Is(err, ErrUnauthorizedTransition) {
		t.Fatalf("Stranger delivering: expected UnauthorizedTransition, got %v", err)
	}
}

func TestReviewTimeout_Idempotent(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	txn := secure(t, svc)

	txn, err := svc.SubmitDelivery(ctx, txn.ID, files(), Actor{PartyID: "pty_seller001"})
	if err != nil {
		t.Fatalf("SubmitDelivery failed: %v", err)
	}
	deadline := *txn.ReviewDeadline

	applied, err := svc.ReviewTimeout(ctx, txn.ID, deadline)
	if err != nil {
		t.Fatalf("ReviewTimeout failed: %v", err)
	}
	if !applied {
		t.Fatal("Expected first timeout to apply")
	}

	// Duplicate delivery of the same fire is a no-op
	applied, err = svc.ReviewTimeout(ctx, txn.ID, deadline)
	if err != nil {
		t.Fatalf("Duplicate ReviewTimeout errored: %v", err)
	}
	if applied {
		t.Error("Duplicate timeout should not apply")
	}

	got, _ := svc.Get(ctx, txn.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Expected COMPLETED, got %s", got.Status)
	}
	// Exactly one timeout event in the log
	events, _ := svc.Events(ctx, txn.ID)
	timeouts := 0
	for _, ev := range events {
		if ev.Type == EventReviewTimedOut {
			timeouts++
		}
	}
	if timeouts != 1 {
		t.Errorf("Expected exactly 1 timeout event, got %d", timeouts)
	}
}

func TestReviewTimeout_StaleAfterRevision(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	txn := secure(t, svc)

	txn, err := svc.SubmitDelivery(ctx, txn.ID, files(), Actor{PartyID: "pty_seller001"})
	if err != nil {
		t.Fatalf("SubmitDelivery failed: %v", err)
	}
	oldDeadline := *txn.ReviewDeadline

	// Buyer requests revision, seller re-delivers: a new window opens
	if _, err := svc.RequestRevision(ctx, txn.ID, "wrong file", Actor{PartyID: "pty_buyer001"}); err != nil {
		t.Fatalf("RequestRevision failed: %v", err)
	}
	txn, err = svc.SubmitDelivery(ctx, txn.ID, files(), Actor{PartyID: "pty_seller001"})
	if err != nil {
		t.Fatalf("Re-delivery failed: %v", err)
	}

	// The old window's timer firing late must not complete the transaction
	applied, err := svc.ReviewTimeout(ctx, txn.ID, oldDeadline)
	if err != nil {
		t.Fatalf("Stale ReviewTimeout errored: %v", err)
	}
	if applied {
		t.Error("Stale timer fire should not apply")
	}

	got, _ := svc.Get(ctx, txn.ID)
	if got.Status != StatusInReview {
		t.Errorf("Expected IN_REVIEW, got %s", got.Status)
	}
	if got.RevisionCount != 1 {
		t.Errorf("Expected revisionCount 1, got %d", got.RevisionCount)
	}
}

func TestConcurrentReviewDecisions_OneWinner(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	txn := secure(t, svc)

	txn, err := svc.SubmitDelivery(ctx, txn.ID, files(), Actor{PartyID: "pty_seller001"})
	if err != nil {
		t.Fatalf("SubmitDelivery failed: %v", err)
	}

	const attempts = 20
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				_, err = svc.ApproveReview(ctx, txn.ID, "", Actor{PartyID: "pty_buyer001"})
			} else {
				_, err = svc.RequestRevision(ctx, txn.ID, "do it again", Actor{PartyID: "pty_buyer001"})
			}
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
			continue
		}
		if !errors.Is(err, ErrConcurrentModification) && !errors.Is(err, ErrInvalidStateTransition) {
			t.Errorf("Unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("Expected exactly 1 winning decision, got %d", wins)
	}

	got, _ := svc.Get(ctx, txn.ID)
	if got.Status != StatusCompleted && got.Status != StatusRevisionRequested {
		t.Errorf("Unexpected final status %s", got.Status)
	}
	if last := got.History[len(got.History)-1]; last.To != got.Status {
		t.Errorf("History out of sync: last.to=%s status=%s", last.To, got.Status)
	}
}

func TestDisputeResolve_Refund(t *testing.T) {
	svc, clock, _ := newTestService()
	ctx := context.Background()
	txn := secure(t, svc)

	txn, err := svc.SubmitDelivery(ctx, txn.ID, files(), Actor{PartyID: "pty_seller001"})
	if err != nil {
		t.Fatalf("SubmitDelivery failed: %v", err)
	}

	txn, err = svc.OpenDispute(ctx, txn.ID, "not as described", Actor{PartyID: "pty_buyer001"})
	if err != nil {
		t.Fatalf("OpenDispute failed: %v", err)
	}
	if got := len(clock.scheduledKeys()); got != 0 {
		t.Errorf("Expected timers cancelled on dispute, %d remain", got)
	}

	txn, err = svc.ResolveDispute(ctx, txn.ID, OutcomeRefund, "refund", arbiter)
	if err != nil {
		t.Fatalf("ResolveDispute failed: %v", err)
	}
	if txn.Status != StatusRefunded {
		t.Errorf("Expected REFUNDED, got %s", txn.Status)
	}
	if txn.FundsState() != FundsRefunded {
		t.Errorf("Expected funds refunded, got %s", txn.FundsState())
	}

	_, err = svc.ResolveDispute(ctx, txn.ID, OutcomeRelease, "", arbiter)
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("Expected AlreadyResolved, got %v", err)
	}
}

func TestHandleTimerFire_Reminder(t *testing.T) {
	svc, _, notifier := newTestService()
	ctx := context.Background()
	txn := secure(t, svc)

	txn, err := svc.SubmitDelivery(ctx, txn.ID, files(), Actor{PartyID: "pty_seller001"})
	if err != nil {
		t.Fatalf("SubmitDelivery failed: %v", err)
	}
	deadline := *txn.ReviewDeadline

	payload := map[string]string{
		"transactionId": txn.ID,
		"deadline":      deadline.Format(time.RFC3339Nano),
		"kind":          "reminder",
	}
	svc.HandleTimerFire(ctx, reminderTimerKey(txn.ID), payload)
	if notifier.reminders != 1 {
		t.Fatalf("Expected 1 reminder, got %d", notifier.reminders)
	}

	// After approval the reminder is suppressed even if it fires late
	if _, err := svc.ApproveReview(ctx, txn.ID, "", Actor{PartyID: "pty_buyer001"}); err != nil {
		t.Fatalf("ApproveReview failed: %v", err)
	}
	svc.HandleTimerFire(ctx, reminderTimerKey(txn.ID), payload)
	if notifier.reminders != 1 {
		t.Errorf("Late reminder should be suppressed, got %d", notifier.reminders)
	}
}

// microsecondStore hands deadlines back at microsecond precision, the
// way a TIMESTAMPTZ column does.
type microsecondStore struct {
	Store
}

func (s *microsecondStore) Get(ctx context.Context, id string) (*Transaction, error) {
	txn, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if txn.ReviewDeadline != nil {
		d := txn.ReviewDeadline.Truncate(time.Microsecond)
		txn.ReviewDeadline = &d
	}
	return txn, nil
}

func TestHandleTimerFire_MicrosecondStore(t *testing.T) {
	clock := newMockClock()
	notifier := &mockNotifier{}
	offers := &mockOffers{offers: map[string]*ResolvedOffer{
		"off_1": {ID: "off_1", BuyerID: "pty_buyer001", SellerID: "pty_seller001", Amount: "100.00"},
	}}
	svc := NewService(&microsecondStore{Store: NewMemoryStore()}, offers, testPolicy, 1500).
		WithClock(clock).
		WithNotifier(notifier).
		WithReminderLead(24 * time.Hour)
	ctx := context.Background()

	txn := secure(t, svc)
	txn, err := svc.SubmitDelivery(ctx, txn.ID, files(), Actor{PartyID: "pty_seller001"})
	if err != nil {
		t.Fatalf("SubmitDelivery failed: %v", err)
	}

	// The timers must carry exactly what the store hands back, or every
	// legitimate fire would be discarded as stale.
	fireAt := clock.scheduled[reviewTimerKey(txn.ID)]
	stored, err := svc.Get(ctx, txn.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !stored.ReviewDeadline.Equal(fireAt) {
		t.Fatalf("Scheduled deadline %v does not survive the store round trip: %v", fireAt, *stored.ReviewDeadline)
	}

	reminder := map[string]string{
		"transactionId": txn.ID,
		"deadline":      fireAt.Format(time.RFC3339Nano),
		"kind":          "reminder",
	}
	svc.HandleTimerFire(ctx, reminderTimerKey(txn.ID), reminder)
	if notifier.reminders != 1 {
		t.Errorf("Expected 1 reminder, got %d", notifier.reminders)
	}

	review := map[string]string{
		"transactionId": txn.ID,
		"deadline":      fireAt.Format(time.RFC3339Nano),
		"kind":          "review",
	}
	svc.HandleTimerFire(ctx, reviewTimerKey(txn.ID), review)

	got, _ := svc.Get(ctx, txn.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Expected COMPLETED after review fire, got %s", got.Status)
	}
}

func TestHandleTimerFire_Review(t *testing.T) {
	svc, _, _ := newTestService()
	ctx := context.Background()
	txn := secure(t, svc)

	txn, err := svc.SubmitDelivery(ctx, txn.ID, files(), Actor{PartyID: "pty_seller001"})
	if err != nil {
		t.Fatalf("SubmitDelivery failed: %v", err)
	}

	payload := map[string]string{
		"transactionId": txn.ID,
		"deadline":      txn.ReviewDeadline.Format(time.RFC3339Nano),
		"kind":          "review",
	}
	svc.HandleTimerFire(ctx, reviewTimerKey(txn.ID), payload)

	got, _ := svc.Get(ctx, txn.ID)
	if got.Status != StatusCompleted {
		t.Errorf("Expected COMPLETED after review fire, got %s", got.Status)
	}
}
