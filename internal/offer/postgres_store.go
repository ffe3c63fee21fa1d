package offer

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

// PostgresStore persists offers in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a PostgreSQL-backed offer store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, o *Offer) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO offers (id, buyer_id, seller_id, amount, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, o.ID, o.BuyerID, o.SellerID, o.Amount, o.Description, o.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrOfferExists
		}
		return err
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Offer, error) {
	o := &Offer{}
	var description sql.NullString
	err := p.db.QueryRowContext(ctx, `
		SELECT id, buyer_id, seller_id, amount::text, description, created_at
		FROM offers WHERE id = $1
	`, id).Scan(&o.ID, &o.BuyerID, &o.SellerID, &o.Amount, &description, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Description = description.String
	return o, nil
}
