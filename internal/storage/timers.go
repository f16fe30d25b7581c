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

// ScheduleTimer inserts a durable timer entry and returns it with its
// generated ID.
func (db *DB) ScheduleTimer(ctx context.Context, t model.Timer) (model.Timer, error) {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO timers (id, kind, due_at, token_index, race_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		t.ID, t.Kind, t.DueAt, t.TokenIndex, t.RaceID, t.CreatedAt,
	)
	if err != nil {
		return model.Timer{}, fmt.Errorf("storage: schedule %s timer: %w", t.Kind, err)
	}
	return t, nil
}

// DueTimers returns timers with due_at <= now in due-time order.
func (db *DB) DueTimers(ctx context.Context, now time.Time, limit int) ([]model.Timer, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, kind, due_at, token_index, race_id, created_at
		 FROM timers WHERE due_at <= $1
		 ORDER BY due_at ASC, created_at ASC
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: due timers: %w", err)
	}
	defer rows.Close()

	var timers []model.Timer
	for rows.Next() {
		var t model.Timer
		if err := rows.Scan(&t.ID, &t.Kind, &t.DueAt, &t.TokenIndex, &t.RaceID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan timer: %w", err)
		}
		timers = append(timers, t)
	}
	return timers, rows.Err()
}

// ClaimTimer atomically removes a timer and returns it. The single DELETE is
// the claim: of any number of concurrent drains exactly one gets the row, the
// rest get ErrNotFound.
func (db *DB) ClaimTimer(ctx context.Context, id uuid.UUID) (model.Timer, error) {
	var t model.Timer
	err := db.pool.QueryRow(ctx,
		`DELETE FROM timers WHERE id = $1
		 RETURNING id, kind, due_at, token_index, race_id, created_at`,
		id,
	).Scan(&t.ID, &t.Kind, &t.DueAt, &t.TokenIndex, &t.RaceID, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Timer{}, ErrNotFound
		}
		return model.Timer{}, fmt.Errorf("storage: claim timer %s: %w", id, err)
	}
	return t, nil
}

// DeleteTimers removes pending timers of kind targeting a bot or a race.
// Returns the number removed.
func (db *DB) DeleteTimers(ctx context.Context, kind model.TimerKind, tokenIndex *uint32, raceID *uuid.UUID) (int, error) {
	var tag interface{ RowsAffected() int64 }
	var err error
	switch {
	case tokenIndex != nil:
		tag, err = db.pool.Exec(ctx,
			`DELETE FROM timers WHERE kind = $1 AND token_index = $2`, kind, *tokenIndex)
	case raceID != nil:
		tag, err = db.pool.Exec(ctx,
			`DELETE FROM timers WHERE kind = $1 AND race_id = $2`, kind, *raceID)
	default:
		return 0, fmt.Errorf("storage: delete timers: no target")
	}
	if err != nil {
		return 0, fmt.Errorf("storage: delete %s timers: %w", kind, err)
	}
	return int(tag.RowsAffected()), nil
}

// TimerDiagnostics reports queue depth and the overdue backlog at now.
func (db *DB) TimerDiagnostics(ctx context.Context, now time.Time) (model.TimerDiagnostics, error) {
	diag := model.TimerDiagnostics{ByKind: make(map[model.TimerKind]int)}

	rows, err := db.pool.Query(ctx,
		`SELECT kind, COUNT(*), COUNT(*) FILTER (WHERE due_at <= $1), MIN(due_at)
		 FROM timers GROUP BY kind`, now,
	)
	if err != nil {
		return model.TimerDiagnostics{}, fmt.Errorf("storage: timer diagnostics: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var kind model.TimerKind
		var pending, overdue int
		var minDue time.Time
		if err := rows.Scan(&kind, &pending, &overdue, &minDue); err != nil {
			return model.TimerDiagnostics{}, fmt.Errorf("storage: scan diagnostics: %w", err)
		}
		diag.ByKind[kind] = pending
		diag.Pending += pending
		diag.Overdue += overdue
		if diag.NextDueAt == nil || minDue.Before(*diag.NextDueAt) {
			due := minDue
			diag.NextDueAt = &due
		}
	}
	if err := rows.Err(); err != nil {
		return model.TimerDiagnostics{}, fmt.Errorf("storage: timer diagnostics: %w", err)
	}

	if diag.Overdue > 0 {
		var oldest time.Time
		if err := db.pool.QueryRow(ctx,
			`SELECT MIN(due_at) FROM timers WHERE due_at <= $1`, now,
		).Scan(&oldest); err == nil {
			diag.OldestDueAt = &oldest
		}
	}
	return diag, nil
}
