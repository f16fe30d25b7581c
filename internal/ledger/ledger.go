// Package ledger talks to the external token ledger that holds all balances.
// Payments are two-phase: callers approve an allowance for the engine's
// spender account out of band, then the engine pulls funds with TransferFrom.
// Amounts are minor units (e8s): 1 token = 100_000_000 units.
package ledger

import (
	"context"
	"errors"
	"fmt"
)

const (
	// E8sPerToken converts whole tokens to minor units.
	E8sPerToken uint64 = 100_000_000
	// TransferFeeE8s is the ledger's flat fee charged on every transfer.
	TransferFeeE8s uint64 = 10_000
)

// ErrInsufficientFunds is returned when a transfer exceeds the source balance.
var ErrInsufficientFunds = errors.New("ledger: insufficient funds")

// ErrInsufficientAllowance is returned when TransferFrom exceeds the
// spender's remaining approval.
var ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")

// SubaccountLen is the fixed byte length of a ledger subaccount.
const SubaccountLen = 32

// Account addresses a balance: an owner principal plus an optional
// 32-byte subaccount. A nil subaccount is the owner's default account.
type Account struct {
	Owner      string
	Subaccount []byte
}

func (a Account) String() string {
	if len(a.Subaccount) == 0 {
		return a.Owner
	}
	return fmt.Sprintf("%s.%x", a.Owner, a.Subaccount)
}

// GarageSubaccount derives the escrow subaccount that receives an owner's
// marketplace proceeds: a "GARG" tag followed by the principal bytes,
// zero-padded to 32 bytes.
func GarageSubaccount(principal string) []byte {
	return taggedSubaccount("GARG", []byte(principal))
}

// RaceSubaccount derives the escrow subaccount holding a race's entry fees
// and sponsorships: a "RACE" tag followed by the race ID bytes.
func RaceSubaccount(raceID [16]byte) []byte {
	return taggedSubaccount("RACE", raceID[:])
}

func taggedSubaccount(tag string, body []byte) []byte {
	sub := make([]byte, SubaccountLen)
	copy(sub, tag)
	if len(body) > SubaccountLen-len(tag) {
		body = body[:SubaccountLen-len(tag)]
	}
	copy(sub[len(tag):], body)
	return sub
}

// Client is the engine's view of the token ledger.
//
// Allowance must be re-checked immediately before every debit: approvals can
// be revoked between check and use.
type Client interface {
	// Balance returns the e8s balance of an account.
	Balance(ctx context.Context, account Account) (uint64, error)
	// Allowance returns the remaining approval from owner to the engine's
	// spender account.
	Allowance(ctx context.Context, owner string) (uint64, error)
	// TransferFrom pulls amount from the owner's account into to, consuming
	// allowance. The ledger fee is charged to the owner on top of amount.
	TransferFrom(ctx context.Context, owner string, to Account, amount uint64) error
	// Transfer moves amount from one engine-controlled account to another.
	// The fee is deducted from the source account.
	Transfer(ctx context.Context, from, to Account, amount uint64) error
}
