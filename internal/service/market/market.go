// Package market is the escrow marketplace: list, unlist and purchase flows
// built on the allowance payment protocol and the asset registry's
// lock/transfer/settle sequence.
package market

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/wastelane/paddock/internal/keylock"
	"github.com/wastelane/paddock/internal/ledger"
	"github.com/wastelane/paddock/internal/model"
	"github.com/wastelane/paddock/internal/registry"
	"github.com/wastelane/paddock/internal/scheduler"
	"github.com/wastelane/paddock/internal/storage"
	"github.com/wastelane/paddock/internal/telemetry"
)

// Service encapsulates marketplace business logic.
type Service struct {
	store    storage.Store
	ledger   ledger.Client
	registry registry.Client
	locks    *keylock.Guard
	logger   *slog.Logger
	now      scheduler.Clock

	sales metric.Int64Counter
}

// New creates a market Service. The lock guard must be shared with every
// other service that mutates bots.
func New(store storage.Store, led ledger.Client, reg registry.Client, locks *keylock.Guard, logger *slog.Logger, clock scheduler.Clock) *Service {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if locks == nil {
		locks = keylock.New()
	}
	meter := telemetry.Meter("paddock/market")
	sales, _ := meter.Int64Counter("paddock.market.sales",
		metric.WithDescription("Completed marketplace purchases"),
	)

	return &Service{
		store:    store,
		ledger:   led,
		registry: reg,
		locks:    locks,
		logger:   logger,
		now:      clock,
		sales:    sales,
	}
}

// List offers a bot for sale and locks it Listed so it cannot race, upgrade
// or transfer while on the market.
func (s *Service) List(ctx context.Context, caller string, tokenIndex uint32, priceE8s uint64) (model.Listing, error) {
	if priceE8s <= ledger.TransferFeeE8s {
		return model.Listing{}, model.Errorf(model.CodeInvalidPrice,
			"price must exceed the %d e8s transfer fee", uint64(ledger.TransferFeeE8s))
	}

	release, err := s.locks.Acquire(ctx, keylock.Bot(tokenIndex))
	if err != nil {
		return model.Listing{}, err
	}
	defer release()

	bot, err := s.getBot(ctx, tokenIndex)
	if err != nil {
		return model.Listing{}, err
	}
	if bot.Owner != caller {
		return model.Listing{}, model.Errorf(model.CodeOwnershipMismatch,
			"bot %d is owned by %s", tokenIndex, bot.Owner)
	}
	if bot.Locked() {
		return model.Listing{}, model.Errorf(model.CodeBotLocked,
			"bot %d is %s", tokenIndex, bot.Lock)
	}

	now := s.now()
	listing := model.Listing{
		TokenIndex: tokenIndex,
		Seller:     caller,
		PriceE8s:   priceE8s,
		CreatedAt:  now,
	}
	if err := s.store.CreateListing(ctx, listing); err != nil {
		return model.Listing{}, err
	}

	bot.Lock = model.LockListed
	bot.UpdatedAt = now
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		return model.Listing{}, err
	}

	s.logger.Info("bot listed",
		"token_index", tokenIndex, "seller", caller, "price_e8s", priceE8s)
	return listing, nil
}

// Unlist withdraws a listing and releases the lock.
func (s *Service) Unlist(ctx context.Context, caller string, tokenIndex uint32) (model.Bot, error) {
	release, err := s.locks.Acquire(ctx, keylock.Bot(tokenIndex))
	if err != nil {
		return model.Bot{}, err
	}
	defer release()

	bot, err := s.getBot(ctx, tokenIndex)
	if err != nil {
		return model.Bot{}, err
	}
	if bot.Owner != caller {
		return model.Bot{}, model.Errorf(model.CodeOwnershipMismatch,
			"bot %d is owned by %s", tokenIndex, bot.Owner)
	}

	if _, err := s.store.GetListing(ctx, tokenIndex); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Bot{}, model.Errorf(model.CodeListingNotFound,
				"bot %d is not listed", tokenIndex)
		}
		return model.Bot{}, err
	}
	if err := s.store.DeleteListing(ctx, tokenIndex); err != nil {
		return model.Bot{}, err
	}

	if bot.Lock == model.LockListed {
		bot.Lock = model.LockFree
	}
	bot.UpdatedAt = s.now()
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		return model.Bot{}, err
	}

	s.logger.Info("bot unlisted", "token_index", tokenIndex, "seller", caller)
	return bot, nil
}

// Browse returns live listings matching the filter, cheapest first.
func (s *Service) Browse(ctx context.Context, f model.ListingFilter) ([]model.Listing, error) {
	return s.store.BrowseListings(ctx, f)
}

// Purchase buys a listed bot. Funds move first, into the seller's garage
// escrow subaccount; the registry ownership transfer is the commit point. A
// registry failure after funds moved refunds the buyer and unlocks the token,
// so no failure path strands money.
func (s *Service) Purchase(ctx context.Context, buyer string, tokenIndex uint32) (model.Bot, error) {
	release, err := s.locks.Acquire(ctx, keylock.Bot(tokenIndex))
	if err != nil {
		return model.Bot{}, err
	}
	defer release()

	listing, err := s.store.GetListing(ctx, tokenIndex)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Bot{}, model.Errorf(model.CodeListingNotFound,
				"bot %d is not listed", tokenIndex)
		}
		return model.Bot{}, err
	}
	bot, err := s.getBot(ctx, tokenIndex)
	if err != nil {
		return model.Bot{}, err
	}
	if buyer == listing.Seller {
		return model.Bot{}, model.Errorf(model.CodeOwnershipMismatch,
			"bot %d is already yours", tokenIndex)
	}

	needed := listing.PriceE8s + ledger.TransferFeeE8s
	allowance, err := s.ledger.Allowance(ctx, buyer)
	if err != nil {
		return model.Bot{}, fmt.Errorf("market: check allowance: %w", err)
	}
	if allowance < needed {
		return model.Bot{}, model.Errorf(model.CodeInsufficientAllowance,
			"approved %d e8s, need %d", allowance, needed)
	}

	if err := s.registry.Lock(ctx, tokenIndex, listing.PriceE8s, buyer); err != nil {
		return model.Bot{}, fmt.Errorf("market: lock token %d: %w", tokenIndex, err)
	}

	sellerEscrow := ledger.Account{
		Owner:      listing.Seller,
		Subaccount: ledger.GarageSubaccount(listing.Seller),
	}
	if err := s.ledger.TransferFrom(ctx, buyer, sellerEscrow, listing.PriceE8s); err != nil {
		s.unlockBestEffort(ctx, tokenIndex)
		if errors.Is(err, ledger.ErrInsufficientAllowance) || errors.Is(err, ledger.ErrInsufficientFunds) {
			return model.Bot{}, model.Errorf(model.CodeInsufficientAllowance,
				"payment of %d e8s failed: %v", listing.PriceE8s, err)
		}
		return model.Bot{}, fmt.Errorf("market: collect payment: %w", err)
	}

	// Commit point. Past this the sale is final.
	if err := s.registry.Transfer(ctx, tokenIndex, listing.Seller, buyer); err != nil {
		// The escrow holds exactly the price, so the refund transfer's own
		// fee comes out of the refunded amount.
		refund := listing.PriceE8s - ledger.TransferFeeE8s
		if rerr := s.ledger.Transfer(ctx, sellerEscrow, ledger.Account{Owner: buyer}, refund); rerr != nil {
			s.logger.Error("refund after failed ownership transfer",
				"token_index", tokenIndex, "buyer", buyer, "amount_e8s", refund, "error", rerr)
		}
		s.unlockBestEffort(ctx, tokenIndex)
		return model.Bot{}, fmt.Errorf("market: ownership transfer: %w", err)
	}
	if err := s.registry.Settle(ctx, tokenIndex); err != nil {
		s.logger.Warn("settle after ownership transfer", "token_index", tokenIndex, "error", err)
	}

	now := s.now()
	if err := s.store.DeleteListing(ctx, tokenIndex); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return model.Bot{}, err
	}
	bot.Owner = buyer
	bot.Lock = model.LockFree
	bot.UpdatedAt = now
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		return model.Bot{}, err
	}

	s.sales.Add(ctx, 1)
	s.logger.Info("bot sold",
		"token_index", tokenIndex, "seller", listing.Seller, "buyer", buyer,
		"price_e8s", listing.PriceE8s)
	return bot, nil
}

func (s *Service) getBot(ctx context.Context, tokenIndex uint32) (model.Bot, error) {
	bot, err := s.store.GetBot(ctx, tokenIndex)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Bot{}, model.Errorf(model.CodeNotInitialized,
				"bot %d is not initialized", tokenIndex)
		}
		return model.Bot{}, err
	}
	return bot, nil
}

func (s *Service) unlockBestEffort(ctx context.Context, tokenIndex uint32) {
	if err := s.registry.Unlock(ctx, tokenIndex); err != nil {
		s.logger.Warn("unlock token", "token_index", tokenIndex, "error", err)
	}
}
