package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/escrowhq/escrowd/internal/idgen"
	"github.com/escrowhq/escrowd/internal/logging"
	"github.com/escrowhq/escrowd/internal/metrics"
	"github.com/escrowhq/escrowd/internal/money"
	"github.com/escrowhq/escrowd/internal/traces"
)

// Clock schedules delayed commands. Scheduling a key that already has an
// outstanding timer replaces it, so at most one timer exists per key.
type Clock interface {
	ScheduleOnce(key string, fireAt time.Time, payload map[string]string) (string, error)
	CancelKey(key string) error
}

// Notifier receives committed events for fan-out. Implementations must
// not block; a notification failure never affects the transition.
type Notifier interface {
	EscrowEvent(ctx context.Context, event *Event, txn *Transaction)
	ReviewReminder(ctx context.Context, txn *Transaction, deadline time.Time)
}

// ResolvedOffer is what the offer collaborator provides: parties and
// price were agreed externally before the transaction exists.
type ResolvedOffer struct {
	ID       string
	BuyerID  string
	SellerID string
	Amount   string
}

// OfferResolver looks up accepted offers.
type OfferResolver interface {
	Resolve(ctx context.Context, offerID string) (*ResolvedOffer, error)
}

// Service applies state machine commands against the store. It holds no
// authoritative transaction state: every mutation is a compare-and-swap
// keyed on the status the command was validated against.
type Service struct {
	store    Store
	offers   OfferResolver
	clock    Clock
	notifier Notifier
	policy   Policy
	feeBps   int

	reminderLead time.Duration
}

// NewService creates an escrow service.
func NewService(store Store, offers OfferResolver, policy Policy, feeBps int) *Service {
	return &Service{
		store:  store,
		offers: offers,
		policy: policy,
		feeBps: feeBps,
	}
}

// WithClock attaches the timer service for review deadlines.
func (s *Service) WithClock(c Clock) *Service {
	s.clock = c
	return s
}

// WithNotifier attaches the notification emitter.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithReminderLead sets how long before the review deadline the buyer
// is reminded. Zero disables reminders.
func (s *Service) WithReminderLead(lead time.Duration) *Service {
	s.reminderLead = lead
	return s
}

func reviewTimerKey(txnID string) string   { return "review:" + txnID }
func reminderTimerKey(txnID string) string { return "reminder:" + txnID }

// CreateFromOffer creates a transaction from an accepted offer. The
// caller must be a party to the offer (or the system). At most one
// transaction exists per offer.
func (s *Service) CreateFromOffer(ctx context.Context, offerID string, actor Actor) (*Transaction, error) {
	if offerID == "" {
		return nil, fmt.Errorf("%w: offerId is required", ErrValidation)
	}

	ctx, span := traces.StartSpan(ctx, "escrow.CreateFromOffer", traces.PartyID(actor.PartyID))
	defer span.End()

	offer, err := s.offers.Resolve(ctx, offerID)
	if err != nil {
		return nil, err
	}

	if actor.Role != RoleSystem && actor.PartyID != offer.BuyerID && actor.PartyID != offer.SellerID {
		return nil, fmt.Errorf("%w: caller is not a party to the offer", ErrUnauthorizedTransition)
	}

	amt, ok := money.Parse(offer.Amount)
	if !ok || amt.Sign() <= 0 {
		return nil, fmt.Errorf("%w: offer amount must be a positive decimal", ErrValidation)
	}

	now := time.Now().UTC()
	txn := &Transaction{
		ID:             idgen.WithPrefix("txn_"),
		OfferID:        offer.ID,
		BuyerID:        offer.BuyerID,
		SellerID:       offer.SellerID,
		Amount:         money.Format(amt),
		PlatformFeeBps: s.feeBps,
		Status:         StatusPendingPayment,
		History: []HistoryEntry{{
			To:    StatusPendingPayment,
			Actor: actor.PartyID,
			Role:  actor.Role,
			At:    now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	event := &Event{
		ID:            idgen.WithPrefix("evt_"),
		TransactionID: txn.ID,
		Type:          EventCreated,
		Actor:         actor.PartyID,
		Role:          actor.Role,
		To:            StatusPendingPayment,
		At:            now,
		Payload:       map[string]string{"offerId": offer.ID, "amount": txn.Amount},
	}

	if err := s.store.Create(ctx, txn, event); err != nil {
		return nil, err
	}

	metrics.RecordTransition(string(EventCreated), string(StatusPendingPayment))
	s.emit(ctx, event, txn)
	return txn, nil
}

// Get returns a transaction by ID.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// Events returns the event log for a transaction.
func (s *Service) Events(ctx context.Context, id string) ([]*Event, error) {
	if _, err := s.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Events(ctx, id)
}

// ListByParty returns transactions the party participates in.
func (s *Service) ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error) {
	return s.store.ListByParty(ctx, partyID, limit)
}

// SecurePayment records that payment capture confirmed custody of the
// funds. Issued by the payment boundary, never by a user.
func (s *Service) SecurePayment(ctx context.Context, id string, actor Actor) (*Transaction, error) {
	return s.apply(ctx, id, Command{Type: CmdSecurePayment}, actor)
}

// SubmitDelivery records the seller's delivery and opens a review window.
func (s *Service) SubmitDelivery(ctx context.Context, id string, files []Deliverable, actor Actor) (*Transaction, error) {
	return s.apply(ctx, id, Command{Type: CmdSubmitDelivery, Files: files}, actor)
}

// ApproveReview completes the transaction and releases funds to the
// seller minus the platform fee.
func (s *Service) ApproveReview(ctx context.Context, id, feedback string, actor Actor) (*Transaction, error) {
	return s.apply(ctx, id, Command{Type: CmdApproveReview, Feedback: feedback}, actor)
}

// RequestRevision sends the delivery back to the seller with feedback.
func (s *Service) RequestRevision(ctx context.Context, id, feedback string, actor Actor) (*Transaction, error) {
	return s.apply(ctx, id, Command{Type: CmdRequestRevision, Feedback: feedback}, actor)
}

// OpenDispute escalates the transaction to arbitration.
func (s *Service) OpenDispute(ctx context.Context, id, reason string, actor Actor) (*Transaction, error) {
	return s.apply(ctx, id, Command{Type: CmdOpenDispute, Reason: reason}, actor)
}

// ResolveDispute records the arbiter's final decision. A second resolve
// fails with ErrAlreadyResolved.
func (s *Service) ResolveDispute(ctx context.Context, id string, outcome DisputeOutcome, note string, actor Actor) (*Transaction, error) {
	return s.apply(ctx, id, Command{Type: CmdResolveDispute, Outcome: outcome, Note: note}, actor)
}

// Cancel aborts a transaction before funds were secured.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor) (*Transaction, error) {
	return s.apply(ctx, id, Command{Type: CmdCancel}, actor)
}

// ReviewTimeout applies the clock's review-expiry command. Returns true
// if the transaction transitioned; stale fires, duplicate fires, and
// lost races all return (false, nil) and are safe to discard.
func (s *Service) ReviewTimeout(ctx context.Context, id string, deadline time.Time) (bool, error) {
	actor := Actor{PartyID: "system", Role: RoleSystem}
	_, err := s.apply(ctx, id, Command{Type: CmdReviewTimeout, Deadline: deadline}, actor)
	if err != nil {
		if errors.Is(err, ErrStaleTimer) || errors.Is(err, ErrConcurrentModification) || errors.Is(err, ErrInvalidStateTransition) {
			logging.L(ctx).Debug("discarding review timer fire", "transaction_id", id, "reason", err)
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// apply is the single mutation path: load, transition, compare-and-swap.
func (s *Service) apply(ctx context.Context, id string, cmd Command, actor Actor) (*Transaction, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Apply",
		traces.TransactionID(id), traces.Command(string(cmd.Type)))
	defer span.End()

	txn, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Party callers authenticate as a party ID; whether that makes them
	// the buyer or the seller depends on the transaction.
	if actor.Role == "" {
		role, ok := txn.RoleOf(actor.PartyID)
		if !ok {
			return nil, fmt.Errorf("%w: not a party to this transaction", ErrUnauthorizedTransition)
		}
		actor.Role = role
	}

	now := time.Now().UTC()
	next, event, err := Transition(txn, cmd, actor, now, s.policy)
	if err != nil {
		metrics.RecordTransitionError(string(cmd.Type))
		return nil, err
	}
	event.ID = idgen.WithPrefix("evt_")

	if err := s.store.UpdateIf(ctx, txn.Status, next, event); err != nil {
		if errors.Is(err, ErrConcurrentModification) {
			metrics.RecordTransitionConflict(string(cmd.Type))
		}
		return nil, err
	}

	metrics.RecordTransition(string(event.Type), string(next.Status))
	s.syncTimers(ctx, next, event)
	s.emit(ctx, event, next)
	return next, nil
}

// syncTimers reconciles clock state with the committed transition.
// Failures are logged and left to the reconciliation sweep; they never
// undo a committed transition.
func (s *Service) syncTimers(ctx context.Context, txn *Transaction, event *Event) {
	if s.clock == nil {
		return
	}

	log := logging.L(ctx)
	switch event.Type {
	case EventDeliverySubmitted:
		deadline := *txn.ReviewDeadline
		payload := map[string]string{
			"transactionId": txn.ID,
			"deadline":      deadline.Format(time.RFC3339Nano),
			"kind":          "review",
		}
		if _, err := s.clock.ScheduleOnce(reviewTimerKey(txn.ID), deadline, payload); err != nil {
			log.Warn("failed to schedule review timer", "transaction_id", txn.ID, "error", err)
		}
		if s.reminderLead > 0 && s.policy.ReviewWindow > s.reminderLead {
			remindAt := deadline.Add(-s.reminderLead)
			payload := map[string]string{
				"transactionId": txn.ID,
				"deadline":      deadline.Format(time.RFC3339Nano),
				"kind":          "reminder",
			}
			if _, err := s.clock.ScheduleOnce(reminderTimerKey(txn.ID), remindAt, payload); err != nil {
				log.Warn("failed to schedule review reminder", "transaction_id", txn.ID, "error", err)
			}
		}

	case EventReviewApproved, EventRevisionRequested, EventReviewTimedOut, EventDisputeOpened:
		if err := s.clock.CancelKey(reviewTimerKey(txn.ID)); err != nil {
			log.Warn("failed to cancel review timer", "transaction_id", txn.ID, "error", err)
		}
		if err := s.clock.CancelKey(reminderTimerKey(txn.ID)); err != nil {
			log.Warn("failed to cancel review reminder", "transaction_id", txn.ID, "error", err)
		}
	}
}

func (s *Service) emit(ctx context.Context, event *Event, txn *Transaction) {
	if s.notifier == nil {
		return
	}
	s.notifier.EscrowEvent(ctx, event, txn)
}

// HandleTimerFire is the clock callback. At-least-once delivery: the
// deadline-match rule inside the machine makes duplicates harmless.
func (s *Service) HandleTimerFire(ctx context.Context, key string, payload map[string]string) {
	log := logging.L(ctx)

	id := payload["transactionId"]
	deadline, err := time.Parse(time.RFC3339Nano, payload["deadline"])
	if id == "" || err != nil {
		log.Error("malformed timer payload", "key", key, "payload", payload)
		return
	}
	metrics.RecordTimerFire(payload["kind"])

	switch payload["kind"] {
	case "review":
		applied, err := s.ReviewTimeout(ctx, id, deadline)
		if err != nil {
			log.Error("review timeout failed", "transaction_id", id, "error", err)
			return
		}
		if applied {
			log.Info("review window expired", "transaction_id", id, "outcome", s.policy.TimeoutOutcome)
		}

	case "reminder":
		txn, err := s.store.Get(ctx, id)
		if err != nil {
			log.Warn("reminder for unknown transaction", "transaction_id", id, "error", err)
			return
		}
		// Only remind while the window that scheduled us is still open.
		if txn.Status != StatusInReview || txn.ReviewDeadline == nil || !txn.ReviewDeadline.Equal(deadline) {
			return
		}
		if s.notifier != nil {
			s.notifier.ReviewReminder(ctx, txn, deadline)
		}

	default:
		log.Error("unknown timer kind", "key", key, "kind", payload["kind"])
	}
}
