package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/wastelane/paddock/internal/model"
)

// CreateListing inserts a marketplace listing. The primary key enforces at
// most one listing per bot.
func (db *DB) CreateListing(ctx context.Context, l model.Listing) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO listings (token_index, seller, price_e8s, created_at)
		 VALUES ($1, $2, $3, $4)`,
		l.TokenIndex, l.Seller, l.PriceE8s, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create listing for bot %d: %w", l.TokenIndex, err)
	}
	return nil
}

// GetListing retrieves the listing for a bot, or ErrNotFound.
func (db *DB) GetListing(ctx context.Context, tokenIndex uint32) (model.Listing, error) {
	var l model.Listing
	err := db.pool.QueryRow(ctx,
		`SELECT token_index, seller, price_e8s, created_at
		 FROM listings WHERE token_index = $1`, tokenIndex,
	).Scan(&l.TokenIndex, &l.Seller, &l.PriceE8s, &l.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Listing{}, ErrNotFound
		}
		return model.Listing{}, fmt.Errorf("storage: get listing for bot %d: %w", tokenIndex, err)
	}
	return l, nil
}

// DeleteListing removes a bot's listing.
func (db *DB) DeleteListing(ctx context.Context, tokenIndex uint32) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM listings WHERE token_index = $1`, tokenIndex)
	if err != nil {
		return fmt.Errorf("storage: delete listing for bot %d: %w", tokenIndex, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// BrowseListings returns listings matching the filter, cheapest first.
// Class and faction filters join through the bots table.
func (db *DB) BrowseListings(ctx context.Context, f model.ListingFilter) ([]model.Listing, error) {
	q := `SELECT l.token_index, l.seller, l.price_e8s, l.created_at
	      FROM listings l JOIN bots b ON b.token_index = l.token_index
	      WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		args = append(args, v)
		q += fmt.Sprintf(" AND %s $%d", clause, n)
	}
	if f.MaxPriceE8s > 0 {
		add("l.price_e8s <=", f.MaxPriceE8s)
	}
	if f.Class != "" {
		add("b.class =", f.Class)
	}
	if f.Faction != "" {
		add("b.faction =", f.Faction)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	n++
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY l.price_e8s ASC LIMIT $%d", n)

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: browse listings: %w", err)
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		var l model.Listing
		if err := rows.Scan(&l.TokenIndex, &l.Seller, &l.PriceE8s, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan listing: %w", err)
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}
