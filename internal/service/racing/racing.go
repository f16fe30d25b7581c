// Package racing owns the competitive event lifecycle: the recurring race
// calendar, entry validation, outcome simulation and settlement.
//
// Race start and finish are scheduled transitions consumed from the timer
// queue, never caller-invoked. Settlement is idempotent and isolates payout
// failures per payee through the payout outbox.
package racing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/wastelane/paddock/internal/keylock"
	"github.com/wastelane/paddock/internal/ledger"
	"github.com/wastelane/paddock/internal/model"
	"github.com/wastelane/paddock/internal/scheduler"
	"github.com/wastelane/paddock/internal/storage"
	"github.com/wastelane/paddock/internal/telemetry"
)

// Entry gates and race economics, in gauge points and e8s.
const (
	MinConditionToRace = 70.0
	MinBatteryToRace   = 50.0
	EntryBatteryCost   = 10.0

	// RaceWearCondition is the condition loss every entrant takes at
	// settlement, win or lose.
	RaceWearCondition = 5.0

	MinSponsorE8s = ledger.E8sPerToken / 10

	MaxEntrants  = 8
	RaceDuration = 10 * time.Minute

	// PlatformTaxBps and the rank shares are in basis points. Shares apply
	// to the pool net of tax; shares for ranks beyond the entrant count are
	// retained by the platform rather than redistributed.
	PlatformTaxBps = 500
)

// RankShareBps pays the top four finishers 47.5 / 23.75 / 14.25 / 9.5 percent
// of the net pool.
var RankShareBps = []uint64{4750, 2375, 1425, 950}

// Service encapsulates race calendar, entry and settlement logic.
type Service struct {
	store    storage.Store
	sched    *scheduler.Scheduler
	ledger   ledger.Client
	platform string // principal funding prize bonuses and receiving the tax
	locks    *keylock.Guard
	logger   *slog.Logger
	now      scheduler.Clock

	racesSettled metric.Int64Counter
	payoutsSent  metric.Int64Counter
}

// New creates a racing Service and registers its timer handlers. The locks
// guard is shared with the garage and market services so entry, settlement
// and garage work serialize on the same per-bot and per-race keys.
func New(store storage.Store, sched *scheduler.Scheduler, led ledger.Client, platform string, locks *keylock.Guard, logger *slog.Logger, clock scheduler.Clock) *Service {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if locks == nil {
		locks = keylock.New()
	}
	meter := telemetry.Meter("paddock/racing")
	racesSettled, _ := meter.Int64Counter("paddock.racing.races_settled",
		metric.WithDescription("Races settled to completion"),
	)
	payoutsSent, _ := meter.Int64Counter("paddock.racing.payouts_sent",
		metric.WithDescription("Prize transfers delivered"),
	)

	s := &Service{
		store:        store,
		sched:        sched,
		ledger:       led,
		platform:     platform,
		locks:        locks,
		logger:       logger,
		now:          clock,
		racesSettled: racesSettled,
		payoutsSent:  payoutsSent,
	}
	sched.RegisterHandler(model.TimerRaceStart, s.handleRaceStart)
	sched.RegisterHandler(model.TimerRaceFinish, s.handleRaceFinish)
	return s
}

// escrow returns the race's prize-pool subaccount.
func (s *Service) escrow(raceID uuid.UUID) ledger.Account {
	return ledger.Account{Owner: s.platform, Subaccount: ledger.RaceSubaccount(raceID)}
}

// GetRace retrieves one race.
func (s *Service) GetRace(ctx context.Context, raceID uuid.UUID) (model.Race, error) {
	r, err := s.store.GetRace(ctx, raceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Race{}, model.Errorf(model.CodeRaceNotFound, "race %s not found", raceID)
		}
		return model.Race{}, err
	}
	return r, nil
}

// ListRaces returns races matching the filter. The HasSpots filter needs
// entry counts, so it is applied here rather than in the store.
func (s *Service) ListRaces(ctx context.Context, f model.RaceFilter) ([]model.Race, error) {
	races, err := s.store.ListRaces(ctx, f)
	if err != nil {
		return nil, err
	}
	if !f.HasSpots {
		return races, nil
	}

	open := races[:0]
	for _, r := range races {
		entries, err := s.store.ListEntries(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if len(entries) < r.MaxEntrants {
			open = append(open, r)
		}
	}
	return open, nil
}

// ListEntries returns a race's entrants, with results once settled.
func (s *Service) ListEntries(ctx context.Context, raceID uuid.UUID) ([]model.RaceEntry, error) {
	if _, err := s.GetRace(ctx, raceID); err != nil {
		return nil, err
	}
	return s.store.ListEntries(ctx, raceID)
}

// EnterRace validates an entry and, on success, pulls the fee into the race
// escrow, debits the bot's battery and locks it InEvent until settlement.
func (s *Service) EnterRace(ctx context.Context, caller string, raceID uuid.UUID, tokenIndex uint32) (model.RaceEntry, error) {
	release, err := s.locks.Acquire(ctx, keylock.Race(raceID), keylock.Bot(tokenIndex))
	if err != nil {
		return model.RaceEntry{}, err
	}
	defer release()

	race, err := s.GetRace(ctx, raceID)
	if err != nil {
		return model.RaceEntry{}, err
	}

	now := s.now()
	if !race.Open(now) {
		return model.RaceEntry{}, model.Errorf(model.CodeRaceClosed,
			"race %s is %s, entries closed %s", raceID, race.Status, race.EntryDeadline.Format(time.RFC3339))
	}
	entries, err := s.store.ListEntries(ctx, raceID)
	if err != nil {
		return model.RaceEntry{}, err
	}
	if len(entries) >= race.MaxEntrants {
		return model.RaceEntry{}, model.Errorf(model.CodeEventFull,
			"race %s has all %d spots taken", raceID, race.MaxEntrants)
	}
	for _, e := range entries {
		if e.TokenIndex == tokenIndex {
			return model.RaceEntry{}, model.Errorf(model.CodeDuplicateEntry,
				"bot %d is already entered in race %s", tokenIndex, raceID)
		}
	}

	bot, err := s.store.GetBot(ctx, tokenIndex)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.RaceEntry{}, model.Errorf(model.CodeNotInitialized,
				"bot %d is not initialized", tokenIndex)
		}
		return model.RaceEntry{}, err
	}
	if bot.Owner != caller {
		return model.RaceEntry{}, model.Errorf(model.CodeOwnershipMismatch,
			"bot %d is owned by %s", tokenIndex, bot.Owner)
	}
	if bot.Class != race.Class {
		return model.RaceEntry{}, model.Errorf(model.CodeClassMismatch,
			"bot %d races in %s, this is a %s race", tokenIndex, bot.Class, race.Class)
	}
	if bot.Locked() {
		return model.RaceEntry{}, model.Errorf(model.CodeBotLocked,
			"bot %d is %s", tokenIndex, bot.Lock)
	}
	if bot.Condition < MinConditionToRace || bot.Battery < MinBatteryToRace {
		return model.RaceEntry{}, model.Errorf(model.CodeNotFitToRace,
			"bot %d has condition %.1f and battery %.1f, needs %.0f and %.0f",
			tokenIndex, bot.Condition, bot.Battery, MinConditionToRace, MinBatteryToRace)
	}

	if err := s.pullIntoEscrow(ctx, caller, raceID, race.EntryFee); err != nil {
		return model.RaceEntry{}, err
	}

	// The fee is in escrow. Any store failure from here must leave a durable
	// refund record, or the caller's money is stranded with no trace.
	prevBot := bot
	bot.Battery = model.ClampGauge(bot.Battery - EntryBatteryCost)
	bot.Lock = model.LockInEvent
	bot.UpdatedAt = now
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		s.refundToOutbox(ctx, raceID, caller, race.EntryFee, err)
		return model.RaceEntry{}, err
	}

	entry := model.RaceEntry{
		RaceID:     raceID,
		TokenIndex: tokenIndex,
		Owner:      caller,
		EnteredAt:  now,
	}
	if err := s.store.AddEntry(ctx, entry); err != nil {
		if rerr := s.store.UpdateBot(ctx, prevBot); rerr != nil {
			s.logger.Error("restore bot after failed entry",
				"token_index", tokenIndex, "error", rerr)
		}
		s.refundToOutbox(ctx, raceID, caller, race.EntryFee, err)
		return model.RaceEntry{}, err
	}

	race.PrizePool += race.EntryFee
	race.UpdatedAt = now
	if err := s.store.UpdateRace(ctx, race); err != nil {
		// The entry stands and the fee is escrowed; only the pool counter
		// is behind. Surface loudly so an operator can reconcile.
		s.logger.Error("update prize pool after entry",
			"race_id", raceID, "token_index", tokenIndex, "error", err)
		return model.RaceEntry{}, err
	}

	s.logger.Info("race entry accepted",
		"race_id", raceID, "token_index", tokenIndex, "owner", caller,
		"fee_e8s", race.EntryFee, "prize_pool_e8s", race.PrizePool)
	return entry, nil
}

// SponsorRace adds a named contribution to a race's prize pool. Any principal
// can sponsor any race that has not yet finished.
func (s *Service) SponsorRace(ctx context.Context, caller string, raceID uuid.UUID, amountE8s uint64, message string) (model.Sponsorship, error) {
	release, err := s.locks.Acquire(ctx, keylock.Race(raceID))
	if err != nil {
		return model.Sponsorship{}, err
	}
	defer release()

	race, err := s.GetRace(ctx, raceID)
	if err != nil {
		return model.Sponsorship{}, err
	}
	if race.Status != model.RaceUpcoming && race.Status != model.RaceInProgress {
		return model.Sponsorship{}, model.Errorf(model.CodeRaceClosed,
			"race %s is %s", raceID, race.Status)
	}
	if amountE8s < MinSponsorE8s {
		return model.Sponsorship{}, model.Errorf(model.CodeSponsorTooSmall,
			"minimum sponsorship is %d e8s, got %d", uint64(MinSponsorE8s), amountE8s)
	}

	if err := s.pullIntoEscrow(ctx, caller, raceID, amountE8s); err != nil {
		return model.Sponsorship{}, err
	}

	now := s.now()
	sp := model.Sponsorship{
		ID:        uuid.New(),
		RaceID:    raceID,
		Sponsor:   caller,
		AmountE8s: amountE8s,
		Message:   message,
		CreatedAt: now,
	}
	if err := s.store.AddSponsorship(ctx, sp); err != nil {
		s.refundToOutbox(ctx, raceID, caller, amountE8s, err)
		return model.Sponsorship{}, err
	}

	race.PrizePool += amountE8s
	race.UpdatedAt = now
	if err := s.store.UpdateRace(ctx, race); err != nil {
		s.logger.Error("update prize pool after sponsorship",
			"race_id", raceID, "sponsor", caller, "error", err)
		return model.Sponsorship{}, err
	}

	s.logger.Info("race sponsored",
		"race_id", raceID, "sponsor", caller, "amount_e8s", amountE8s)
	return sp, nil
}

// pullIntoEscrow re-checks the caller's allowance and moves amount into the
// race subaccount. Approvals can be revoked between check and use, so the
// transfer's own error is mapped the same way as a short allowance.
func (s *Service) pullIntoEscrow(ctx context.Context, caller string, raceID uuid.UUID, amount uint64) error {
	needed := amount + ledger.TransferFeeE8s
	allowance, err := s.ledger.Allowance(ctx, caller)
	if err != nil {
		return fmt.Errorf("racing: check allowance: %w", err)
	}
	if allowance < needed {
		return model.Errorf(model.CodeInsufficientAllowance,
			"approved %d e8s, need %d", allowance, needed)
	}
	if err := s.ledger.TransferFrom(ctx, caller, s.escrow(raceID), amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientAllowance) || errors.Is(err, ledger.ErrInsufficientFunds) {
			return model.Errorf(model.CodeInsufficientAllowance, "payment of %d e8s failed: %v", amount, err)
		}
		return fmt.Errorf("racing: pull payment: %w", err)
	}
	return nil
}

// refundToOutbox records a durable refund from the race escrow after money
// moved but the state write behind it failed. The outbox retry sweep
// redrives it the same way as an unpaid prize; rank 0 marks it a refund.
// The escrow holds exactly the pulled amount, so the refund transfer's own
// fee comes out of the refunded amount.
func (s *Service) refundToOutbox(ctx context.Context, raceID uuid.UUID, payee string, amount uint64, cause error) {
	if amount <= ledger.TransferFeeE8s {
		s.logger.Error("escrowed amount below the transfer fee, not refundable",
			"race_id", raceID, "payee", payee, "amount_e8s", amount, "cause", cause)
		return
	}
	now := s.now()
	p := model.Payout{
		ID:        uuid.New(),
		RaceID:    raceID,
		Payee:     payee,
		Rank:      0,
		AmountE8s: amount - ledger.TransferFeeE8s,
		Status:    model.PayoutPending,
		LastError: cause.Error(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreatePayout(ctx, p); err != nil {
		// The escrowed amount is now tracked nowhere durable. Surface loudly.
		s.logger.Error("record escrow refund",
			"race_id", raceID, "payee", payee, "amount_e8s", amount, "error", err)
		return
	}
	s.logger.Warn("entry payment refund queued",
		"race_id", raceID, "payee", payee, "amount_e8s", amount, "cause", cause)
}
