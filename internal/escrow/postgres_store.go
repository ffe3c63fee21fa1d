package escrow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore persists transactions and events in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, txn *Transaction, event *Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	deliverablesJSON, _ := json.Marshal(txn.Deliverables)
	if txn.Deliverables == nil {
		deliverablesJSON = []byte("[]")
	}
	historyJSON, _ := json.Marshal(txn.History)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transactions (
			id, offer_id, buyer_id, seller_id, amount, platform_fee_bps,
			status, deliverables, review_deadline, revision_count,
			dispute_reason, dispute_resolution, disputed_by,
			history, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5::NUMERIC(20,2), $6,
			$7, $8, $9, $10,
			$11, $12, $13,
			$14, $15, $16
		)`,
		txn.ID, txn.OfferID, txn.BuyerID, txn.SellerID, txn.Amount, txn.PlatformFeeBps,
		string(txn.Status), deliverablesJSON, nullTime(txn.ReviewDeadline), txn.RevisionCount,
		nullString(txn.DisputeReason), nullString(string(txn.DisputeResolution)), nullString(txn.DisputedBy),
		historyJSON, txn.CreatedAt, txn.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return fmt.Errorf("%w: %s", ErrOfferAlreadyUsed, txn.OfferID)
		}
		return err
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

const transactionColumns = `id, offer_id, buyer_id, seller_id, amount, platform_fee_bps,
		       status, deliverables, review_deadline, revision_count,
		       dispute_reason, dispute_resolution, disputed_by,
		       history, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)

	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return txn, err
}

func (p *PostgresStore) GetByOffer(ctx context.Context, offerID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE offer_id = $1`, offerID)

	txn, err := scanTransaction(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return txn, err
}

// UpdateIf performs the compare-and-swap: the UPDATE is guarded by the
// expected status in its WHERE clause, and the event insert shares the
// same SQL transaction, so the pair commits atomically or not at all.
func (p *PostgresStore) UpdateIf(ctx context.Context, expectedStatus Status, txn *Transaction, event *Event) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	deliverablesJSON, _ := json.Marshal(txn.Deliverables)
	if txn.Deliverables == nil {
		deliverablesJSON = []byte("[]")
	}
	historyJSON, _ := json.Marshal(txn.History)

	result, err := tx.ExecContext(ctx, `
		UPDATE transactions SET
			status = $1, deliverables = $2, review_deadline = $3,
			revision_count = $4, dispute_reason = $5, dispute_resolution = $6,
			disputed_by = $7, history = $8, updated_at = $9
		WHERE id = $10 AND status = $11`,
		string(txn.Status), deliverablesJSON, nullTime(txn.ReviewDeadline),
		txn.RevisionCount, nullString(txn.DisputeReason), nullString(string(txn.DisputeResolution)),
		nullString(txn.DisputedBy), historyJSON, txn.UpdatedAt,
		txn.ID, string(expectedStatus),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		// Distinguish a missing row from a lost race.
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM transactions WHERE id = $1`, txn.ID).Scan(&current)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: expected %s, found %s", ErrConcurrentModification, expectedStatus, current)
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) Events(ctx context.Context, transactionID string) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, transaction_id, type, actor, role, from_status, to_status, at, payload
		FROM transaction_events
		WHERE transaction_id = $1
		ORDER BY seq ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Event
	for rows.Next() {
		ev := &Event{}
		var (
			role        string
			fromStatus  sql.NullString
			payloadJSON []byte
		)
		err := rows.Scan(&ev.ID, &ev.TransactionID, &ev.Type, &ev.Actor, &role, &fromStatus, &ev.To, &ev.At, &payloadJSON)
		if err != nil {
			return nil, err
		}
		ev.Role = Role(role)
		ev.From = Status(fromStatus.String)
		if len(payloadJSON) > 0 {
			_ = json.Unmarshal(payloadJSON, &ev.Payload)
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListByParty(ctx context.Context, partyID string, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE buyer_id = $1 OR seller_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, partyID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

func (p *PostgresStore) ListInReviewExpired(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'IN_REVIEW'
		  AND review_deadline < $1
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	return scanTransactions(rows)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, event *Event) error {
	payloadJSON, _ := json.Marshal(event.Payload)
	if event.Payload == nil {
		payloadJSON = []byte("{}")
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO transaction_events (
			id, transaction_id, type, actor, role, from_status, to_status, at, payload
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.TransactionID, string(event.Type), event.Actor, string(event.Role),
		nullString(string(event.From)), string(event.To), event.At, payloadJSON,
	)
	return err
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	txn := &Transaction{}
	var (
		status           string
		deliverablesJSON []byte
		reviewDeadline   sql.NullTime
		disputeReason    sql.NullString
		resolution       sql.NullString
		disputedBy       sql.NullString
		historyJSON      []byte
	)

	err := s.Scan(
		&txn.ID, &txn.OfferID, &txn.BuyerID, &txn.SellerID, &txn.Amount, &txn.PlatformFeeBps,
		&status, &deliverablesJSON, &reviewDeadline, &txn.RevisionCount,
		&disputeReason, &resolution, &disputedBy,
		&historyJSON, &txn.CreatedAt, &txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	txn.Status = Status(status)
	txn.DisputeReason = disputeReason.String
	txn.DisputeResolution = DisputeOutcome(resolution.String)
	txn.DisputedBy = disputedBy.String
	if reviewDeadline.Valid {
		t := reviewDeadline.Time
		txn.ReviewDeadline = &t
	}
	if len(deliverablesJSON) > 0 {
		_ = json.Unmarshal(deliverablesJSON, &txn.Deliverables)
	}
	if len(historyJSON) > 0 {
		_ = json.Unmarshal(historyJSON, &txn.History)
	}

	return txn, nil
}

func scanTransactions(rows *sql.Rows) ([]*Transaction, error) {
	var result []*Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, txn)
	}
	return result, rows.Err()
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a nil *time.Time to sql.NullTime.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
