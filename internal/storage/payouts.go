package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wastelane/paddock/internal/model"
)

// CreatePayout inserts a settlement transfer into the outbox.
func (db *DB) CreatePayout(ctx context.Context, p model.Payout) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO payout_outbox (id, race_id, payee, rank, amount_e8s, status, attempts, last_error, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.RaceID, p.Payee, p.Rank, p.AmountE8s, p.Status, p.Attempts, p.LastError, p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create payout race %s rank %d: %w", p.RaceID, p.Rank, err)
	}
	return nil
}

// ListPayoutsByStatus returns outbox entries in a given status, oldest first.
func (db *DB) ListPayoutsByStatus(ctx context.Context, status model.PayoutStatus, limit int) ([]model.Payout, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, race_id, payee, rank, amount_e8s, status, attempts, last_error, created_at, updated_at
		 FROM payout_outbox WHERE status = $1
		 ORDER BY created_at ASC LIMIT $2`,
		status, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list payouts: %w", err)
	}
	defer rows.Close()

	var payouts []model.Payout
	for rows.Next() {
		var p model.Payout
		if err := rows.Scan(&p.ID, &p.RaceID, &p.Payee, &p.Rank, &p.AmountE8s,
			&p.Status, &p.Attempts, &p.LastError, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan payout: %w", err)
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}

// UpdatePayout writes an outbox entry's status, attempt count and last error.
func (db *DB) UpdatePayout(ctx context.Context, p model.Payout) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE payout_outbox SET status = $2, attempts = $3, last_error = $4, updated_at = $5
		 WHERE id = $1`,
		p.ID, p.Status, p.Attempts, p.LastError, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: update payout %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
