// Package notify translates escrow events into typed notifications and
// delivers them to per-party webhook subscriptions.
//
// Delivery is fire-and-forget relative to the state machine: a failed
// webhook is logged and counted, never retried into a transition and
// never able to roll one back. Notifications are derived from events;
// the event log stays the source of truth.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/escrowhq/escrowd/internal/metrics"
)

// Type identifies a notification.
type Type string

const (
	TypeTransactionCreated   Type = "transaction.created"
	TypePaymentSecured       Type = "payment.secured"
	TypeDeliverySubmitted    Type = "delivery.submitted"
	TypeReviewStarted        Type = "review.started"
	TypeReviewReminder       Type = "review.reminder"
	TypeRevisionRequested    Type = "revision.requested"
	TypeFundsReleased        Type = "funds.released"
	TypeFundsRefunded        Type = "funds.refunded"
	TypeDisputeOpened        Type = "dispute.opened"
	TypeDisputeResolved      Type = "dispute.resolved"
	TypeTransactionCompleted Type = "transaction.completed"
	TypeTransactionCancelled Type = "transaction.cancelled"

	// Installment notifications cover scheduled partial payments, a
	// transaction sub-flow delivered through the same pipeline.
	TypeInstallmentDue  Type = "installment.due"
	TypeInstallmentPaid Type = "installment.paid"
)

// Notification is one typed message addressed to one party.
type Notification struct {
	ID            string                 `json:"id"`
	Type          Type                   `json:"type"`
	PartyID       string                 `json:"partyId"`
	TransactionID string                 `json:"transactionId,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Data          map[string]interface{} `json:"data"`
}

// ErrSubscriptionNotFound is returned for unknown subscription IDs.
var ErrSubscriptionNotFound = errors.New("subscription not found")

// Subscription is a party's webhook registration. An empty Events list
// subscribes to everything.
type Subscription struct {
	ID          string     `json:"id"`
	PartyID     string     `json:"partyId"`
	URL         string     `json:"url"`
	Secret      string     `json:"-"` // Used for HMAC signing
	Events      []Type     `json:"events,omitempty"`
	Active      bool       `json:"active"`
	CreatedAt   time.Time  `json:"createdAt"`
	LastSuccess *time.Time `json:"lastSuccess,omitempty"`
	LastError   string     `json:"lastError,omitempty"`
}

func (s *Subscription) wants(t Type) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, et := range s.Events {
		if et == t {
			return true
		}
	}
	return false
}

// Store persists webhook subscriptions.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetByParty(ctx context.Context, partyID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Dispatcher sends notifications to subscribed webhooks.
type Dispatcher struct {
	store  Store
	client *http.Client
}

// NewDispatcher creates a webhook dispatcher.
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// DispatchToParty sends a notification to every active, matching
// subscription the party holds. Sends are async.
func (d *Dispatcher) DispatchToParty(ctx context.Context, partyID string, n *Notification) error {
	subs, err := d.store.GetByParty(ctx, partyID)
	if err != nil {
		return fmt.Errorf("failed to get subscriptions: %w", err)
	}

	for _, sub := range subs {
		if !sub.Active || !sub.wants(n.Type) {
			continue
		}
		// Detached so a caller returning early cannot cancel the send;
		// the HTTP client timeout still bounds it.
		go d.send(context.WithoutCancel(ctx), sub, n)
	}

	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *Subscription, n *Notification) {
	payload, err := json.Marshal(n)
	if err != nil {
		d.updateError(ctx, sub, "failed to marshal notification")
		return
	}

	req, err := http.NewRequestWithContext(ctx, "POST", sub.URL, bytes.NewReader(payload))
	if err != nil {
		d.updateError(ctx, sub, "failed to create request")
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Escrowd-Event", string(n.Type))
	req.Header.Set("X-Escrowd-Timestamp", fmt.Sprintf("%d", n.Timestamp.Unix()))

	// Sign the payload if secret is set
	if sub.Secret != "" {
		req.Header.Set("X-Escrowd-Signature", Sign(payload, sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		d.updateError(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		d.updateSuccess(ctx, sub)
	} else {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		d.updateError(ctx, sub, fmt.Sprintf("status %d", resp.StatusCode))
	}
}

// Sign computes the hex HMAC-SHA256 of a payload. Receivers verify the
// X-Escrowd-Signature header with the same secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (d *Dispatcher) updateSuccess(ctx context.Context, sub *Subscription) {
	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	d.store.Update(ctx, sub)
}

func (d *Dispatcher) updateError(ctx context.Context, sub *Subscription, errMsg string) {
	sub.LastError = errMsg
	d.store.Update(ctx, sub)
}

// MemoryStore is an in-memory subscription store for development and tests.
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[string]*Subscription),
	}
}

func (m *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		return sub, nil
	}
	return nil, ErrSubscriptionNotFound
}

func (m *MemoryStore) GetByParty(ctx context.Context, partyID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.PartyID == partyID {
			result = append(result, sub)
		}
	}
	return result, nil
}

func (m *MemoryStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = sub
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, id)
	return nil
}
