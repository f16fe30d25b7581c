package model

import (
	"time"

	"github.com/google/uuid"
)

// RaceStatus is the lifecycle of a scheduled race.
type RaceStatus string

const (
	RaceUpcoming   RaceStatus = "upcoming"
	RaceInProgress RaceStatus = "in_progress"
	RaceCompleted  RaceStatus = "completed"
	RaceCancelled  RaceStatus = "cancelled"
)

// RaceCadence is the recurring tier a race was created on. Cadence determines
// the platform prize bonus for the lower two classes.
type RaceCadence string

const (
	CadenceDaily   RaceCadence = "daily"
	CadenceWeekly  RaceCadence = "weekly"
	CadenceMonthly RaceCadence = "monthly"
)

// Race is a scheduled competitive event. The prize pool holds entry fees,
// platform bonus and sponsor contributions, all in e8s.
type Race struct {
	ID       uuid.UUID   `json:"id"`
	Name     string      `json:"name"`
	Class    BotClass    `json:"class"`
	Terrain  Terrain     `json:"terrain"`
	Cadence  RaceCadence `json:"cadence"`
	Distance int         `json:"distance_m"`

	EntryFee    uint64 `json:"entry_fee_e8s"`
	MaxEntrants int    `json:"max_entrants"`

	StartAt       time.Time `json:"start_at"`
	EntryDeadline time.Time `json:"entry_deadline"`

	Status    RaceStatus `json:"status"`
	PrizePool uint64     `json:"prize_pool_e8s"`

	SettledAt *time.Time `json:"settled_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Open reports whether the race still accepts entries at now.
func (r *Race) Open(now time.Time) bool {
	return r.Status == RaceUpcoming && now.Before(r.EntryDeadline)
}

// RaceEntry is one bot's participation in a race. FinishPosition and
// FinishTime are populated by settlement; PayoutE8s records what the entrant
// was actually paid.
type RaceEntry struct {
	RaceID     uuid.UUID `json:"race_id"`
	TokenIndex uint32    `json:"token_index"`
	Owner      string    `json:"owner"`
	EnteredAt  time.Time `json:"entered_at"`

	FinishPosition *int     `json:"finish_position,omitempty"`
	FinishTime     *float64 `json:"finish_time_s,omitempty"`
	PayoutE8s      *uint64  `json:"payout_e8s,omitempty"`
}

// Sponsorship is a named contribution to a race's prize pool.
type Sponsorship struct {
	ID        uuid.UUID `json:"id"`
	RaceID    uuid.UUID `json:"race_id"`
	Sponsor   string    `json:"sponsor"`
	AmountE8s uint64    `json:"amount_e8s"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RaceFilter narrows ListRaces results. Zero-valued fields match everything.
type RaceFilter struct {
	Status      RaceStatus `json:"status,omitempty"`
	Class       BotClass   `json:"class,omitempty"`
	Terrain     Terrain    `json:"terrain,omitempty"`
	MinDistance int        `json:"min_distance,omitempty"`
	MaxDistance int        `json:"max_distance,omitempty"`
	HasSpots    bool       `json:"has_spots,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}
