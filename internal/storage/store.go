package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/wastelane/paddock/internal/model"
)

// Store is the persistence boundary for the engine. The Postgres DB is the
// system of record; Memory implements the same contract for deterministic
// unit tests with a fake clock. All mutating engine operations go through
// this interface so no component holds ambient state.
type Store interface {
	BotStore
	TimerStore
	RaceStore
	ListingStore
	PayoutStore
	APIKeyStore

	Ping(ctx context.Context) error
}

// BotStore persists bots, in-flight upgrades and parts inventories.
type BotStore interface {
	CreateBot(ctx context.Context, bot model.Bot) error
	GetBot(ctx context.Context, tokenIndex uint32) (model.Bot, error)
	ListBotsByOwner(ctx context.Context, owner string) ([]model.Bot, error)
	// UpdateBot replaces every mutable field of the bot row.
	UpdateBot(ctx context.Context, bot model.Bot) error

	CreateUpgrade(ctx context.Context, up model.Upgrade) error
	GetUpgrade(ctx context.Context, tokenIndex uint32) (model.Upgrade, error)
	DeleteUpgrade(ctx context.Context, tokenIndex uint32) error

	GetParts(ctx context.Context, owner string) (int, error)
	// AddParts upserts the owner's balance by delta; a negative result is an error.
	AddParts(ctx context.Context, owner string, delta int) error
}

// TimerStore is the durable timer queue.
type TimerStore interface {
	ScheduleTimer(ctx context.Context, t model.Timer) (model.Timer, error)
	// DueTimers returns entries with due_at <= now in due-time order.
	DueTimers(ctx context.Context, now time.Time, limit int) ([]model.Timer, error)
	// ClaimTimer atomically removes a due timer and returns it. Exactly one
	// of any number of concurrent drains gets the row; the rest see
	// ErrNotFound and move on.
	ClaimTimer(ctx context.Context, id uuid.UUID) (model.Timer, error)
	// DeleteTimers removes pending timers of kind targeting a bot or race.
	// Used by the cancellation paths (cancelUpgrade, unlist).
	DeleteTimers(ctx context.Context, kind model.TimerKind, tokenIndex *uint32, raceID *uuid.UUID) (int, error)
	TimerDiagnostics(ctx context.Context, now time.Time) (model.TimerDiagnostics, error)
}

// RaceStore persists races, entries and sponsorships.
type RaceStore interface {
	CreateRace(ctx context.Context, r model.Race) error
	GetRace(ctx context.Context, id uuid.UUID) (model.Race, error)
	ListRaces(ctx context.Context, f model.RaceFilter) ([]model.Race, error)
	UpdateRace(ctx context.Context, r model.Race) error
	// CountRacesInWindow reports races of a cadence and class starting in
	// [from, to). The calendar uses it to make top-up idempotent.
	CountRacesInWindow(ctx context.Context, cadence model.RaceCadence, class model.BotClass, from, to time.Time) (int, error)

	AddEntry(ctx context.Context, e model.RaceEntry) error
	ListEntries(ctx context.Context, raceID uuid.UUID) ([]model.RaceEntry, error)
	UpdateEntry(ctx context.Context, e model.RaceEntry) error

	AddSponsorship(ctx context.Context, s model.Sponsorship) error
	ListSponsorships(ctx context.Context, raceID uuid.UUID) ([]model.Sponsorship, error)
}

// ListingStore persists marketplace listings.
type ListingStore interface {
	CreateListing(ctx context.Context, l model.Listing) error
	GetListing(ctx context.Context, tokenIndex uint32) (model.Listing, error)
	DeleteListing(ctx context.Context, tokenIndex uint32) error
	BrowseListings(ctx context.Context, f model.ListingFilter) ([]model.Listing, error)
}

// PayoutStore is the durable outbox for settlement transfers.
type PayoutStore interface {
	CreatePayout(ctx context.Context, p model.Payout) error
	ListPayoutsByStatus(ctx context.Context, status model.PayoutStatus, limit int) ([]model.Payout, error)
	UpdatePayout(ctx context.Context, p model.Payout) error
}

// APIKeyStore persists caller credentials.
type APIKeyStore interface {
	CreateAPIKey(ctx context.Context, key model.APIKey) error
	// GetActiveAPIKeysByPrefix returns unrevoked keys matching a prefix.
	GetActiveAPIKeysByPrefix(ctx context.Context, prefix string) ([]model.APIKey, error)
	ListAPIKeys(ctx context.Context, principal string) ([]model.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
	TouchAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
}
