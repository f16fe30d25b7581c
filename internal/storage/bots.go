package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/wastelane/paddock/internal/model"
)

const botColumns = `token_index, owner, faction, class, preferred_terrain,
	speed, acceleration, stability, power_core,
	up_speed, up_acceleration, up_stability, up_power_core,
	condition, battery, calibration, lock_state,
	last_repair_at, last_recharge_at, last_decay_at, created_at, updated_at`

func scanBot(row pgx.Row) (model.Bot, error) {
	var b model.Bot
	err := row.Scan(
		&b.TokenIndex, &b.Owner, &b.Faction, &b.Class, &b.PreferredTerrain,
		&b.BaseStats.Speed, &b.BaseStats.Acceleration, &b.BaseStats.Stability, &b.BaseStats.PowerCore,
		&b.UpgradeTiers.Speed, &b.UpgradeTiers.Acceleration, &b.UpgradeTiers.Stability, &b.UpgradeTiers.PowerCore,
		&b.Condition, &b.Battery, &b.Calibration, &b.Lock,
		&b.LastRepairAt, &b.LastRechargeAt, &b.LastDecayAt, &b.CreatedAt, &b.UpdatedAt,
	)
	return b, err
}

// CreateBot inserts a newly initialized bot.
func (db *DB) CreateBot(ctx context.Context, bot model.Bot) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO bots (`+botColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		         $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		bot.TokenIndex, bot.Owner, bot.Faction, bot.Class, bot.PreferredTerrain,
		bot.BaseStats.Speed, bot.BaseStats.Acceleration, bot.BaseStats.Stability, bot.BaseStats.PowerCore,
		bot.UpgradeTiers.Speed, bot.UpgradeTiers.Acceleration, bot.UpgradeTiers.Stability, bot.UpgradeTiers.PowerCore,
		bot.Condition, bot.Battery, bot.Calibration, bot.Lock,
		bot.LastRepairAt, bot.LastRechargeAt, bot.LastDecayAt, bot.CreatedAt, bot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create bot %d: %w", bot.TokenIndex, err)
	}
	return nil
}

// GetBot retrieves a bot by token index. Returns ErrNotFound for
// uninitialized tokens.
func (db *DB) GetBot(ctx context.Context, tokenIndex uint32) (model.Bot, error) {
	b, err := scanBot(db.pool.QueryRow(ctx,
		`SELECT `+botColumns+` FROM bots WHERE token_index = $1`, tokenIndex,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Bot{}, ErrNotFound
		}
		return model.Bot{}, fmt.Errorf("storage: get bot %d: %w", tokenIndex, err)
	}
	return b, nil
}

// ListBotsByOwner returns every bot registered to an owner, oldest first.
func (db *DB) ListBotsByOwner(ctx context.Context, owner string) ([]model.Bot, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+botColumns+` FROM bots WHERE owner = $1 ORDER BY token_index ASC`, owner,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list bots by owner: %w", err)
	}
	defer rows.Close()

	var bots []model.Bot
	for rows.Next() {
		b, err := scanBot(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan bot: %w", err)
		}
		bots = append(bots, b)
	}
	return bots, rows.Err()
}

// UpdateBot replaces every mutable field of a bot row.
func (db *DB) UpdateBot(ctx context.Context, bot model.Bot) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE bots SET
			owner = $2,
			up_speed = $3, up_acceleration = $4, up_stability = $5, up_power_core = $6,
			condition = $7, battery = $8, calibration = $9, lock_state = $10,
			last_repair_at = $11, last_recharge_at = $12, last_decay_at = $13,
			updated_at = $14
		 WHERE token_index = $1`,
		bot.TokenIndex, bot.Owner,
		bot.UpgradeTiers.Speed, bot.UpgradeTiers.Acceleration, bot.UpgradeTiers.Stability, bot.UpgradeTiers.PowerCore,
		bot.Condition, bot.Battery, bot.Calibration, bot.Lock,
		bot.LastRepairAt, bot.LastRechargeAt, bot.LastDecayAt,
		bot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: update bot %d: %w", bot.TokenIndex, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateUpgrade records an in-flight upgrade. The primary key enforces at
// most one per bot.
func (db *DB) CreateUpgrade(ctx context.Context, up model.Upgrade) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO upgrades (token_index, stat, started_at, finish_at, paid_e8s, paid_parts)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		up.TokenIndex, up.Stat, up.StartedAt, up.FinishAt, up.PaidE8s, up.PaidParts,
	)
	if err != nil {
		return fmt.Errorf("storage: create upgrade for bot %d: %w", up.TokenIndex, err)
	}
	return nil
}

// GetUpgrade returns the in-flight upgrade for a bot, or ErrNotFound.
func (db *DB) GetUpgrade(ctx context.Context, tokenIndex uint32) (model.Upgrade, error) {
	var up model.Upgrade
	err := db.pool.QueryRow(ctx,
		`SELECT token_index, stat, started_at, finish_at, paid_e8s, paid_parts
		 FROM upgrades WHERE token_index = $1`, tokenIndex,
	).Scan(&up.TokenIndex, &up.Stat, &up.StartedAt, &up.FinishAt, &up.PaidE8s, &up.PaidParts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Upgrade{}, ErrNotFound
		}
		return model.Upgrade{}, fmt.Errorf("storage: get upgrade for bot %d: %w", tokenIndex, err)
	}
	return up, nil
}

// DeleteUpgrade removes a bot's in-flight upgrade record.
func (db *DB) DeleteUpgrade(ctx context.Context, tokenIndex uint32) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM upgrades WHERE token_index = $1`, tokenIndex)
	if err != nil {
		return fmt.Errorf("storage: delete upgrade for bot %d: %w", tokenIndex, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetParts returns an owner's spare-parts balance. Owners with no row have
// a zero balance.
func (db *DB) GetParts(ctx context.Context, owner string) (int, error) {
	var parts int
	err := db.pool.QueryRow(ctx,
		`SELECT parts FROM parts_balances WHERE owner = $1`, owner,
	).Scan(&parts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("storage: get parts for %s: %w", owner, err)
	}
	return parts, nil
}

// AddParts adjusts an owner's parts balance by delta. The CHECK constraint
// rejects a negative result.
func (db *DB) AddParts(ctx context.Context, owner string, delta int) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO parts_balances (owner, parts, updated_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (owner) DO UPDATE
		 SET parts = parts_balances.parts + EXCLUDED.parts, updated_at = EXCLUDED.updated_at`,
		owner, delta, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: add %d parts for %s: %w", delta, owner, err)
	}
	return nil
}
