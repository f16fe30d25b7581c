package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/wastelane/paddock/internal/model"
)

const raceColumns = `id, name, class, terrain, cadence, distance_m,
	entry_fee_e8s, max_entrants, start_at, entry_deadline,
	status, prize_pool_e8s, settled_at, created_at, updated_at`

func scanRace(row pgx.Row) (model.Race, error) {
	var r model.Race
	err := row.Scan(
		&r.ID, &r.Name, &r.Class, &r.Terrain, &r.Cadence, &r.Distance,
		&r.EntryFee, &r.MaxEntrants, &r.StartAt, &r.EntryDeadline,
		&r.Status, &r.PrizePool, &r.SettledAt, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

// CreateRace inserts a scheduled race.
func (db *DB) CreateRace(ctx context.Context, r model.Race) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO races (`+raceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		r.ID, r.Name, r.Class, r.Terrain, r.Cadence, r.Distance,
		r.EntryFee, r.MaxEntrants, r.StartAt, r.EntryDeadline,
		r.Status, r.PrizePool, r.SettledAt, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create race %s: %w", r.ID, err)
	}
	return nil
}

// GetRace retrieves a race by ID.
func (db *DB) GetRace(ctx context.Context, id uuid.UUID) (model.Race, error) {
	r, err := scanRace(db.pool.QueryRow(ctx,
		`SELECT `+raceColumns+` FROM races WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Race{}, ErrNotFound
		}
		return model.Race{}, fmt.Errorf("storage: get race %s: %w", id, err)
	}
	return r, nil
}

// ListRaces returns races matching the filter, soonest start first. The
// HasSpots filter is applied by the caller since it needs entry counts.
func (db *DB) ListRaces(ctx context.Context, f model.RaceFilter) ([]model.Race, error) {
	q := `SELECT ` + raceColumns + ` FROM races WHERE 1=1`
	args := []any{}
	n := 0
	add := func(clause string, v any) {
		n++
		args = append(args, v)
		q += fmt.Sprintf(" AND %s $%d", clause, n)
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	if f.Class != "" {
		add("class =", f.Class)
	}
	if f.Terrain != "" {
		add("terrain =", f.Terrain)
	}
	if f.MinDistance > 0 {
		add("distance_m >=", f.MinDistance)
	}
	if f.MaxDistance > 0 {
		add("distance_m <=", f.MaxDistance)
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	n++
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY start_at ASC LIMIT $%d", n)

	rows, err := db.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list races: %w", err)
	}
	defer rows.Close()

	var races []model.Race
	for rows.Next() {
		r, err := scanRace(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan race: %w", err)
		}
		races = append(races, r)
	}
	return races, rows.Err()
}

// UpdateRace replaces the mutable fields of a race row.
func (db *DB) UpdateRace(ctx context.Context, r model.Race) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE races SET status = $2, prize_pool_e8s = $3, settled_at = $4, updated_at = $5
		 WHERE id = $1`,
		r.ID, r.Status, r.PrizePool, r.SettledAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: update race %s: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRacesInWindow reports races of a cadence and class starting in [from, to).
func (db *DB) CountRacesInWindow(ctx context.Context, cadence model.RaceCadence, class model.BotClass, from, to time.Time) (int, error) {
	var count int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM races
		 WHERE cadence = $1 AND class = $2 AND start_at >= $3 AND start_at < $4`,
		cadence, class, from, to,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("storage: count races in window: %w", err)
	}
	return count, nil
}

// AddEntry appends an entrant to a race. The composite primary key rejects
// duplicates.
func (db *DB) AddEntry(ctx context.Context, e model.RaceEntry) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO race_entries (race_id, token_index, owner, entered_at)
		 VALUES ($1, $2, $3, $4)`,
		e.RaceID, e.TokenIndex, e.Owner, e.EnteredAt,
	)
	if err != nil {
		return fmt.Errorf("storage: add entry bot %d race %s: %w", e.TokenIndex, e.RaceID, err)
	}
	return nil
}

// ListEntries returns a race's entrants in entry order.
func (db *DB) ListEntries(ctx context.Context, raceID uuid.UUID) ([]model.RaceEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT race_id, token_index, owner, entered_at, finish_position, finish_time_s, payout_e8s
		 FROM race_entries WHERE race_id = $1 ORDER BY entered_at ASC`,
		raceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list entries: %w", err)
	}
	defer rows.Close()

	var entries []model.RaceEntry
	for rows.Next() {
		var e model.RaceEntry
		if err := rows.Scan(&e.RaceID, &e.TokenIndex, &e.Owner, &e.EnteredAt,
			&e.FinishPosition, &e.FinishTime, &e.PayoutE8s); err != nil {
			return nil, fmt.Errorf("storage: scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateEntry writes a settled entry's finish position, time and payout.
func (db *DB) UpdateEntry(ctx context.Context, e model.RaceEntry) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE race_entries SET finish_position = $3, finish_time_s = $4, payout_e8s = $5
		 WHERE race_id = $1 AND token_index = $2`,
		e.RaceID, e.TokenIndex, e.FinishPosition, e.FinishTime, e.PayoutE8s,
	)
	if err != nil {
		return fmt.Errorf("storage: update entry bot %d race %s: %w", e.TokenIndex, e.RaceID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddSponsorship records a prize-pool contribution.
func (db *DB) AddSponsorship(ctx context.Context, s model.Sponsorship) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sponsorships (id, race_id, sponsor, amount_e8s, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.RaceID, s.Sponsor, s.AmountE8s, s.Message, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: add sponsorship race %s: %w", s.RaceID, err)
	}
	return nil
}

// ListSponsorships returns a race's sponsorships, oldest first.
func (db *DB) ListSponsorships(ctx context.Context, raceID uuid.UUID) ([]model.Sponsorship, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, race_id, sponsor, amount_e8s, message, created_at
		 FROM sponsorships WHERE race_id = $1 ORDER BY created_at ASC`,
		raceID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sponsorships: %w", err)
	}
	defer rows.Close()

	var sponsors []model.Sponsorship
	for rows.Next() {
		var s model.Sponsorship
		if err := rows.Scan(&s.ID, &s.RaceID, &s.Sponsor, &s.AmountE8s, &s.Message, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan sponsorship: %w", err)
		}
		sponsors = append(sponsors, s)
	}
	return sponsors, rows.Err()
}
