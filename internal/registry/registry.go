// Package registry talks to the external asset-ownership registry that minted
// the bots. The engine never caches ownership: initialization re-checks it
// live, and marketplace transfers run the registry's lock, transfer, settle
// sequence with the ownership transfer as the commit point.
package registry

import (
	"context"
	"errors"
)

// ErrNotOwner is returned when the claimed owner does not hold the token.
var ErrNotOwner = errors.New("registry: caller is not the token owner")

// ErrTokenLocked is returned when a token is already locked for a sale.
var ErrTokenLocked = errors.New("registry: token locked")

// Client is the engine's view of the asset registry.
type Client interface {
	// Bearer returns the current owner principal of a token.
	Bearer(ctx context.Context, tokenIndex uint32) (string, error)
	// Lock reserves a token for sale to buyer at price, preventing
	// concurrent transfers.
	Lock(ctx context.Context, tokenIndex uint32, priceE8s uint64, buyer string) error
	// Transfer moves ownership of a locked token to the buyer.
	Transfer(ctx context.Context, tokenIndex uint32, from, to string) error
	// Settle finalizes a completed transfer and releases the lock.
	Settle(ctx context.Context, tokenIndex uint32) error
	// Unlock releases a sale lock without transferring, used to back out
	// of a failed purchase before the commit point.
	Unlock(ctx context.Context, tokenIndex uint32) error
}
