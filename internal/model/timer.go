package model

import (
	"time"

	"github.com/google/uuid"
)

// TimerKind is the action a timer entry triggers when it comes due.
type TimerKind string

const (
	TimerDecay           TimerKind = "decay"
	TimerUpgradeComplete TimerKind = "upgrade_complete"
	TimerRaceStart       TimerKind = "race_start"
	TimerRaceFinish      TimerKind = "race_finish"
	TimerCooldownExpiry  TimerKind = "cooldown_expiry"
)

// Timer is a durable scheduled transition. Exactly one of TokenIndex or
// RaceID is set depending on the kind. Timers survive restarts; an overdue
// timer is delayed work, never lost work.
type Timer struct {
	ID    uuid.UUID `json:"id"`
	Kind  TimerKind `json:"kind"`
	DueAt time.Time `json:"due_at"`

	TokenIndex *uint32    `json:"token_index,omitempty"`
	RaceID     *uuid.UUID `json:"race_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TimerDiagnostics is the operator-facing view of queue health.
type TimerDiagnostics struct {
	Pending     int               `json:"pending"`
	Overdue     int               `json:"overdue"`
	NextDueAt   *time.Time        `json:"next_due_at,omitempty"`
	OldestDueAt *time.Time        `json:"oldest_due_at,omitempty"`
	ByKind      map[TimerKind]int `json:"by_kind"`
}
