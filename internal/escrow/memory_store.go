package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	txns    map[string]*Transaction // by ID
	byOffer map[string]string       // offer ID → transaction ID
	events  map[string][]*Event     // transaction ID → ordered events
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txns:    make(map[string]*Transaction),
		byOffer: make(map[string]string),
		events:  make(map[string][]*Event),
	}
}

func (m *MemoryStore) Create(ctx context.Context, txn *Transaction, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.txns[txn.ID]; exists {
		return fmt.Errorf("transaction %s already exists", txn.ID)
	}
	if _, exists := m.byOffer[txn.OfferID]; exists {
		return fmt.Errorf("%w: %s", ErrOfferAlreadyUsed, txn.OfferID)
	}

	m.txns[txn.ID] = txn.Clone()
	m.byOffer[txn.OfferID] = txn.ID
	ev := *event
	m.events[txn.ID] = append(m.events[txn.ID], &ev)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.txns[id]
	if !ok {
		return nil, ErrNotFound
	}
	return txn.Clone(), nil
}

func (m *MemoryStore) GetByOffer(ctx context.Context, offerID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byOffer[offerID]
	if !ok {
		return nil, ErrNotFound
	}
	return m.txns[id].Clone(), nil
}

// UpdateIf swaps the stored transaction and appends the event inside a
// single critical section, so the status check and both writes are one
// atomic unit.
func (m *MemoryStore) UpdateIf(ctx context.Context, expectedStatus Status, txn *Transaction, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.txns[txn.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != expectedStatus {
		return fmt.Errorf("%w: expected %s, found %s", ErrConcurrentModification, expectedStatus, current.Status)
	}

	m.txns[txn.ID] = txn.Clone()
	ev := *event
	m.events[txn.ID] = append(m.events[txn.ID], &ev)
	return nil
}

func (m *MemoryStore) Events(ctx context.Context, transactionID string) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := m.events[transactionID]
	out := make([]*Event, len(events))
	for i, ev := range events {
		cp := *ev
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, txn := range m.txns {
		if txn.BuyerID == partyID || txn.SellerID == partyID {
			out = append(out, txn.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListInReviewExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Transaction
	for _, txn := range m.txns {
		if txn.Status != StatusInReview || txn.ReviewDeadline == nil {
			continue
		}
		if txn.ReviewDeadline.Before(before) {
			out = append(out, txn.Clone())
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
