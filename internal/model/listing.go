package model

import (
	"time"

	"github.com/google/uuid"
)

// Listing offers a bot for sale. It exists only while the bot's lock state is
// Listed; any other lock transition invalidates it.
type Listing struct {
	TokenIndex uint32    `json:"token_index"`
	Seller     string    `json:"seller"`
	PriceE8s   uint64    `json:"price_e8s"`
	CreatedAt  time.Time `json:"created_at"`
}

// ListingFilter narrows BrowseListings results.
type ListingFilter struct {
	MaxPriceE8s uint64   `json:"max_price_e8s,omitempty"`
	Class       BotClass `json:"class,omitempty"`
	Faction     Faction  `json:"faction,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// PayoutStatus tracks a settlement transfer through the outbox.
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
	PayoutFailed  PayoutStatus = "failed"
)

// Payout is one settlement transfer owed to a race finisher. Failed transfers
// stay here for operator-triggered retry instead of aborting settlement.
type Payout struct {
	ID        uuid.UUID    `json:"id"`
	RaceID    uuid.UUID    `json:"race_id"`
	Payee     string       `json:"payee"`
	Rank      int          `json:"rank"`
	AmountE8s uint64       `json:"amount_e8s"`
	Status    PayoutStatus `json:"status"`
	Attempts  int          `json:"attempts"`
	LastError string       `json:"last_error,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}
