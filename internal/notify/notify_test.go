package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/escrowhq/escrowd/internal/escrow"
)

// ---------------------------------------------------------------------------
// MemoryStore tests
// ---------------------------------------------------------------------------

func TestMemoryStore_CRUD(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	sub := &Subscription{
		ID:        "whk_test1",
		PartyID:   "pty_aaaa0001",
		URL:       "https://example.com/hook",
		Secret:    "secret123",
		Events:    []Type{TypeFundsReleased},
		Active:    true,
		CreatedAt: time.Now(),
	}

	if err := store.Create(ctx, sub); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := store.Get(ctx, "whk_test1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.URL != "https://example.com/hook" {
		t.Errorf("Expected URL, got %s", got.URL)
	}

	sub.Active = false
	if err := store.Update(ctx, sub); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	got, _ = store.Get(ctx, "whk_test1")
	if got.Active {
		t.Error("Expected inactive after update")
	}

	if err := store.Delete(ctx, "whk_test1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := store.Get(ctx, "whk_test1"); err == nil {
		t.Error("Expected error after delete")
	}
}

func TestMemoryStore_GetByParty(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.Create(ctx, &Subscription{ID: "whk_1", PartyID: "pty_aaaa0001"})
	store.Create(ctx, &Subscription{ID: "whk_2", PartyID: "pty_bbbb0002"})
	store.Create(ctx, &Subscription{ID: "whk_3", PartyID: "pty_aaaa0001"})

	subs, _ := store.GetByParty(ctx, "pty_aaaa0001")
	if len(subs) != 2 {
		t.Errorf("Expected 2 subs, got %d", len(subs))
	}
}

// ---------------------------------------------------------------------------
// Signature tests
// ---------------------------------------------------------------------------

func TestSign(t *testing.T) {
	payload := []byte(`{"type":"funds.released","data":{}}`)
	secret := "test_secret_key"

	sig := Sign(payload, secret)

	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	expected := hex.EncodeToString(h.Sum(nil))

	if sig != expected {
		t.Errorf("Signature mismatch: got %s, want %s", sig, expected)
	}
}

func TestSign_DifferentSecrets(t *testing.T) {
	payload := []byte(`{"test": true}`)
	if Sign(payload, "secret1") == Sign(payload, "secret2") {
		t.Error("Different secrets should produce different signatures")
	}
}

// ---------------------------------------------------------------------------
// Dispatch tests
// ---------------------------------------------------------------------------

func TestDispatchToParty_SendsToSubscribers(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "whk_1",
		PartyID: "pty_aaaa0001",
		URL:     server.URL,
		Active:  true,
	})

	d := NewDispatcher(store)
	err := d.DispatchToParty(ctx, "pty_aaaa0001", &Notification{
		ID:        "ntf_1",
		Type:      TypeFundsReleased,
		PartyID:   "pty_aaaa0001",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"payout": "85.00"},
	})
	if err != nil {
		t.Fatalf("DispatchToParty failed: %v", err)
	}

	// Wait for async delivery
	time.Sleep(200 * time.Millisecond)

	if received.Load() != 1 {
		t.Errorf("Expected 1 webhook delivery, got %d", received.Load())
	}
}

func TestDispatchToParty_FiltersByEventAndActive(t *testing.T) {
	store := NewMemoryStore()

	var received atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "whk_other_event",
		PartyID: "pty_aaaa0001",
		URL:     server.URL,
		Events:  []Type{TypeDisputeOpened},
		Active:  true,
	})
	store.Create(ctx, &Subscription{
		ID:      "whk_inactive",
		PartyID: "pty_aaaa0001",
		URL:     server.URL,
		Active:  false,
	})

	d := NewDispatcher(store)
	d.DispatchToParty(ctx, "pty_aaaa0001", &Notification{
		Type:      TypeFundsReleased,
		PartyID:   "pty_aaaa0001",
		Timestamp: time.Now(),
	})

	time.Sleep(200 * time.Millisecond)

	if received.Load() != 0 {
		t.Errorf("Expected 0 deliveries, got %d", received.Load())
	}
}

func TestDispatchToParty_IncludesSignatureAndHeaders(t *testing.T) {
	store := NewMemoryStore()

	var mu sync.Mutex
	var gotSig, gotEvent string
	var gotBody []byte
	secret := "test_webhook_secret" //nolint:gosec // test credential

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotSig = r.Header.Get("X-Escrowd-Signature")
		gotEvent = r.Header.Get("X-Escrowd-Event")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(200)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "whk_1",
		PartyID: "pty_aaaa0001",
		URL:     server.URL,
		Secret:  secret,
		Active:  true,
	})

	d := NewDispatcher(store)
	d.DispatchToParty(ctx, "pty_aaaa0001", &Notification{
		ID:        "ntf_1",
		Type:      TypeFundsReleased,
		PartyID:   "pty_aaaa0001",
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"payout": "85.00"},
	})

	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if gotSig == "" {
		t.Fatal("Expected signature header")
	}
	if gotEvent != string(TypeFundsReleased) {
		t.Errorf("Expected event header %s, got %s", TypeFundsReleased, gotEvent)
	}
	if gotSig != Sign(gotBody, secret) {
		t.Errorf("Signature does not verify against delivered body")
	}
}

func TestDispatchToParty_RecordsDeliveryOutcome(t *testing.T) {
	store := NewMemoryStore()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
	}))
	defer server.Close()

	ctx := context.Background()
	store.Create(ctx, &Subscription{
		ID:      "whk_1",
		PartyID: "pty_aaaa0001",
		URL:     server.URL,
		Active:  true,
	})

	d := NewDispatcher(store)
	d.DispatchToParty(ctx, "pty_aaaa0001", &Notification{
		Type:      TypeFundsReleased,
		PartyID:   "pty_aaaa0001",
		Timestamp: time.Now(),
	})

	time.Sleep(200 * time.Millisecond)

	sub, _ := store.Get(ctx, "whk_1")
	if sub.LastError == "" {
		t.Error("Expected LastError recorded after 500 response")
	}
	if sub.LastSuccess != nil {
		t.Error("Expected no LastSuccess after 500 response")
	}
}

// ---------------------------------------------------------------------------
// Emitter mapping tests
// ---------------------------------------------------------------------------

type recordingHub struct {
	mu   sync.Mutex
	sent []*Notification
}

func (r *recordingHub) Broadcast(partyID string, n *Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
}

func (r *recordingHub) byType(t Type) []*Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Notification
	for _, n := range r.sent {
		if n.Type == t {
			out = append(out, n)
		}
	}
	return out
}

func emitterTxn(status escrow.Status) *escrow.Transaction {
	return &escrow.Transaction{
		ID:       "txn_0123456789abcdef",
		BuyerID:  "pty_buyer001",
		SellerID: "pty_seller01",
		Amount:   "100.00",
		Status:   status,
	}
}

func TestEmitter_DeliverySubmitted(t *testing.T) {
	hub := &recordingHub{}
	e := NewEmitter(nil, slog.Default()).WithBroadcaster(hub)

	txn := emitterTxn(escrow.StatusInReview)
	e.EscrowEvent(context.Background(), &escrow.Event{Type: escrow.EventDeliverySubmitted}, txn)

	started := hub.byType(TypeReviewStarted)
	if len(started) != 1 || started[0].PartyID != txn.BuyerID {
		t.Errorf("Expected review.started for buyer, got %+v", started)
	}
	receipts := hub.byType(TypeDeliverySubmitted)
	if len(receipts) != 1 || receipts[0].PartyID != txn.SellerID {
		t.Errorf("Expected delivery.submitted for seller, got %+v", receipts)
	}
}

func TestEmitter_Approval(t *testing.T) {
	hub := &recordingHub{}
	e := NewEmitter(nil, slog.Default()).WithBroadcaster(hub)

	txn := emitterTxn(escrow.StatusCompleted)
	e.EscrowEvent(context.Background(), &escrow.Event{Type: escrow.EventReviewApproved}, txn)

	released := hub.byType(TypeFundsReleased)
	if len(released) != 1 || released[0].PartyID != txn.SellerID {
		t.Errorf("Expected funds.released for seller, got %+v", released)
	}
	completed := hub.byType(TypeTransactionCompleted)
	if len(completed) != 1 || completed[0].PartyID != txn.BuyerID {
		t.Errorf("Expected transaction.completed for buyer, got %+v", completed)
	}
}

func TestEmitter_TimeoutOutcomes(t *testing.T) {
	// Timeout under the dispute policy opens a dispute for both sides.
	hub := &recordingHub{}
	e := NewEmitter(nil, slog.Default()).WithBroadcaster(hub)
	e.EscrowEvent(context.Background(), &escrow.Event{Type: escrow.EventReviewTimedOut}, emitterTxn(escrow.StatusDisputed))
	if len(hub.byType(TypeDisputeOpened)) != 2 {
		t.Errorf("Expected dispute.opened for both parties, got %d", len(hub.byType(TypeDisputeOpened)))
	}

	// Timeout under the approve policy settles.
	hub2 := &recordingHub{}
	e2 := NewEmitter(nil, slog.Default()).WithBroadcaster(hub2)
	e2.EscrowEvent(context.Background(), &escrow.Event{Type: escrow.EventReviewTimedOut}, emitterTxn(escrow.StatusCompleted))
	if len(hub2.byType(TypeFundsReleased)) != 1 {
		t.Error("Expected funds.released under approve policy")
	}
}

func TestEmitter_DisputeResolvedRefund(t *testing.T) {
	hub := &recordingHub{}
	e := NewEmitter(nil, slog.Default()).WithBroadcaster(hub)

	txn := emitterTxn(escrow.StatusRefunded)
	e.EscrowEvent(context.Background(), &escrow.Event{Type: escrow.EventDisputeResolved}, txn)

	if len(hub.byType(TypeDisputeResolved)) != 2 {
		t.Error("Expected dispute.resolved for both parties")
	}
	refunded := hub.byType(TypeFundsRefunded)
	if len(refunded) != 1 || refunded[0].PartyID != txn.BuyerID {
		t.Errorf("Expected funds.refunded for buyer, got %+v", refunded)
	}
	if len(hub.byType(TypeFundsReleased)) != 0 {
		t.Error("Expected no funds.released on refund")
	}
}

func TestEmitter_ReviewReminder(t *testing.T) {
	hub := &recordingHub{}
	e := NewEmitter(nil, slog.Default()).WithBroadcaster(hub)

	deadline := time.Now().Add(24 * time.Hour)
	e.ReviewReminder(context.Background(), emitterTxn(escrow.StatusInReview), deadline)

	reminders := hub.byType(TypeReviewReminder)
	if len(reminders) != 1 {
		t.Fatalf("Expected 1 reminder, got %d", len(reminders))
	}
	if reminders[0].Data["reviewDeadline"] != deadline.UTC().Format(time.RFC3339) {
		t.Error("Expected reminder to carry the deadline")
	}
}
