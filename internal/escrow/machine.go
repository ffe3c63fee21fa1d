package escrow

import (
	"fmt"
	"strconv"
	"time"

	"github.com/escrowhq/escrowd/internal/money"
)

// CommandType names a state machine command.
type CommandType string

const (
	CmdSecurePayment   CommandType = "SecurePayment"
	CmdSubmitDelivery  CommandType = "SubmitDelivery"
	CmdApproveReview   CommandType = "ApproveReview"
	CmdRequestRevision CommandType = "RequestRevision"
	CmdReviewTimeout   CommandType = "ReviewTimeout"
	CmdOpenDispute     CommandType = "OpenDispute"
	CmdResolveDispute  CommandType = "ResolveDispute"
	CmdCancel          CommandType = "Cancel"
)

// Command carries a state machine command and its parameters. Fields
// beyond Type are read per command type.
type Command struct {
	Type     CommandType
	Files    []Deliverable  // SubmitDelivery
	Feedback string         // ApproveReview (optional), RequestRevision (required)
	Reason   string         // OpenDispute
	Outcome  DisputeOutcome // ResolveDispute
	Note     string         // ResolveDispute (optional)
	Deadline time.Time      // ReviewTimeout: the deadline the timer fired for
}

// Policy holds the configurable transition behavior.
type Policy struct {
	ReviewWindow   time.Duration
	TimeoutOutcome string // "approve" or "dispute"
}

// commandStates is the set of statuses each command is legal from.
var commandStates = map[CommandType][]Status{
	CmdSecurePayment:   {StatusPendingPayment},
	CmdSubmitDelivery:  {StatusFundsSecured, StatusRevisionRequested},
	CmdApproveReview:   {StatusInReview},
	CmdRequestRevision: {StatusInReview},
	CmdReviewTimeout:   {StatusInReview},
	CmdOpenDispute:     {StatusInReview, StatusRevisionRequested},
	CmdResolveDispute:  {StatusDisputed},
	CmdCancel:          {StatusPendingPayment},
}

// commandRoles is the set of roles each command accepts.
var commandRoles = map[CommandType][]Role{
	CmdSecurePayment:   {RoleSystem},
	CmdSubmitDelivery:  {RoleSeller},
	CmdApproveReview:   {RoleBuyer},
	CmdRequestRevision: {RoleBuyer},
	CmdReviewTimeout:   {RoleSystem},
	CmdOpenDispute:     {RoleBuyer, RoleSeller},
	CmdResolveDispute:  {RoleArbiter, RoleSystem},
	CmdCancel:          {RoleBuyer, RoleSeller, RoleSystem},
}

func allowedFrom(cmd CommandType, st Status) bool {
	for _, s := range commandStates[cmd] {
		if s == st {
			return true
		}
	}
	return false
}

func allowedRole(cmd CommandType, r Role) bool {
	for _, allowed := range commandRoles[cmd] {
		if allowed == r {
			return true
		}
	}
	return false
}

// Transition validates and applies a command against a transaction,
// returning the updated copy and the emitted event. The input
// transaction is never mutated; on any error nothing changes.
//
// Transition is pure: persistence, timers, and notifications are the
// caller's concern. Callers commit the result with Store.UpdateIf keyed
// on the input's status, which linearizes racing commands.
func Transition(txn *Transaction, cmd Command, actor Actor, now time.Time, policy Policy) (*Transaction, *Event, error) {
	if !allowedRole(cmd.Type, actor.Role) {
		return nil, nil, fmt.Errorf("%w: %s may not issue %s", ErrUnauthorizedTransition, actor.Role, cmd.Type)
	}

	// Party-bound roles must match the transaction's parties.
	switch actor.Role {
	case RoleBuyer:
		if actor.PartyID != txn.BuyerID {
			return nil, nil, fmt.Errorf("%w: not the buyer of this transaction", ErrUnauthorizedTransition)
		}
	case RoleSeller:
		if actor.PartyID != txn.SellerID {
			return nil, nil, fmt.Errorf("%w: not the seller of this transaction", ErrUnauthorizedTransition)
		}
	}

	if !allowedFrom(cmd.Type, txn.Status) {
		// A resolve retry after the dispute closed is its own error so
		// callers can tell "raced someone" from "already decided".
		if cmd.Type == CmdResolveDispute && txn.DisputeResolution != "" {
			return nil, nil, fmt.Errorf("%w: outcome %s recorded", ErrAlreadyResolved, txn.DisputeResolution)
		}
		return nil, nil, fmt.Errorf("%w: %s from %s", ErrInvalidStateTransition, cmd.Type, txn.Status)
	}

	next := txn.Clone()
	var eventType EventType
	payload := map[string]string{}
	note := ""

	switch cmd.Type {
	case CmdSecurePayment:
		next.Status = StatusFundsSecured
		eventType = EventPaymentSecured
		payload["amount"] = txn.Amount

	case CmdSubmitDelivery:
		if len(cmd.Files) == 0 {
			return nil, nil, fmt.Errorf("%w: delivery requires at least one file", ErrValidation)
		}
		for _, f := range cmd.Files {
			if f.Name == "" || f.StorageRef == "" {
				return nil, nil, fmt.Errorf("%w: deliverable name and storageRef are required", ErrValidation)
			}
		}
		// TIMESTAMPTZ keeps microseconds; compute the deadline at that
		// precision so the value a timer fires with matches the stored
		// one exactly.
		deadline := now.Add(policy.ReviewWindow).Truncate(time.Microsecond)
		next.Status = StatusInReview
		next.Deliverables = append(next.Deliverables, cmd.Files...)
		next.ReviewDeadline = &deadline
		eventType = EventDeliverySubmitted
		payload["files"] = strconv.Itoa(len(cmd.Files))
		payload["reviewDeadline"] = deadline.UTC().Format(time.RFC3339)

	case CmdApproveReview:
		next.Status = StatusCompleted
		next.ReviewDeadline = nil
		eventType = EventReviewApproved
		addSettlement(payload, txn)
		note = cmd.Feedback

	case CmdRequestRevision:
		if cmd.Feedback == "" {
			return nil, nil, fmt.Errorf("%w: revision request requires feedback", ErrValidation)
		}
		next.Status = StatusRevisionRequested
		next.ReviewDeadline = nil
		next.RevisionCount++
		eventType = EventRevisionRequested
		payload["revisionCount"] = strconv.Itoa(next.RevisionCount)
		note = cmd.Feedback

	case CmdReviewTimeout:
		// Only the timer registered for the current window may act. A
		// stale or duplicate fire carries an older deadline and is
		// discarded without touching the transaction.
		if txn.ReviewDeadline == nil || !txn.ReviewDeadline.Equal(cmd.Deadline) {
			return nil, nil, ErrStaleTimer
		}
		next.ReviewDeadline = nil
		eventType = EventReviewTimedOut
		if policy.TimeoutOutcome == "dispute" {
			next.Status = StatusDisputed
			next.DisputeReason = "review window expired without buyer action"
			next.DisputedBy = "system"
			payload["outcome"] = "dispute"
		} else {
			// Implicit approval: settles identically to ApproveReview.
			next.Status = StatusCompleted
			payload["outcome"] = "approve"
			addSettlement(payload, txn)
		}

	case CmdOpenDispute:
		if cmd.Reason == "" {
			return nil, nil, fmt.Errorf("%w: dispute requires a reason", ErrValidation)
		}
		next.Status = StatusDisputed
		next.ReviewDeadline = nil
		next.DisputeReason = cmd.Reason
		next.DisputedBy = actor.PartyID
		eventType = EventDisputeOpened
		note = cmd.Reason

	case CmdResolveDispute:
		switch cmd.Outcome {
		case OutcomeRelease:
			next.Status = StatusCompleted
			addSettlement(payload, txn)
		case OutcomeRefund:
			next.Status = StatusRefunded
			payload["refund"] = txn.Amount
		default:
			return nil, nil, fmt.Errorf("%w: outcome must be release or refund", ErrValidation)
		}
		next.DisputeResolution = cmd.Outcome
		eventType = EventDisputeResolved
		payload["outcome"] = string(cmd.Outcome)
		note = cmd.Note

	case CmdCancel:
		next.Status = StatusCancelled
		eventType = EventCancelled

	default:
		return nil, nil, fmt.Errorf("%w: unknown command %s", ErrValidation, cmd.Type)
	}

	next.UpdatedAt = now
	next.History = append(next.History, HistoryEntry{
		From:  txn.Status,
		To:    next.Status,
		Actor: actor.PartyID,
		Role:  actor.Role,
		At:    now,
		Note:  note,
	})

	event := &Event{
		TransactionID: txn.ID,
		Type:          eventType,
		Actor:         actor.PartyID,
		Role:          actor.Role,
		From:          txn.Status,
		To:            next.Status,
		At:            now,
		Payload:       payload,
	}

	return next, event, nil
}

// addSettlement records the fund split in an event payload.
func addSettlement(payload map[string]string, txn *Transaction) {
	payout, fee, ok := money.Split(txn.Amount, txn.PlatformFeeBps)
	if !ok {
		// Amount was validated at creation; this only trips on corrupt data.
		payout, fee = txn.Amount, "0.00"
	}
	payload["payout"] = payout
	payload["fee"] = fee
}
