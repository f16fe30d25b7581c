// Package garage owns per-bot state: initialization, maintenance, upgrades,
// transfers and time-based wear.
//
// Both the MCP tool surface and the HTTP admin surface delegate here. Every
// mutating operation runs under the bot's keylock entry, so the lock-state
// check and the update it guards cannot interleave with another caller's.
package garage

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
	"github.com/wastelane/paddock/internal/registry"
	"github.com/wastelane/paddock/internal/scheduler"
	"github.com/wastelane/paddock/internal/storage"
	"github.com/wastelane/paddock/internal/telemetry"
)

// Maintenance and upgrade economics, in e8s and wall time.
const (
	RepairCostE8s    = 5 * ledger.E8sPerToken
	RepairCooldown   = 12 * time.Hour
	RechargeCostE8s  = 10 * ledger.E8sPerToken
	RechargeCooldown = 6 * time.Hour

	UpgradeDuration = 12 * time.Hour
	PartPriceE8s    = 3_330_000

	// DecayInterval is the recurring wear tick. The tick only marks time;
	// the applied loss is proportional to elapsed time since the bot's
	// last-decay high-water mark.
	DecayInterval           = time.Hour
	ConditionDecayPerHour   = 0.21
	CalibrationDecayPerHour = 0.125
)

// PartsForTier returns the parts cost of the next upgrade tier for a stat:
// 3 parts for the first tier, 2 more per additional tier.
func PartsForTier(currentTier int) int {
	return 3 + 2*currentTier
}

// Service encapsulates garage business logic.
type Service struct {
	store    storage.Store
	sched    *scheduler.Scheduler
	ledger   ledger.Client
	registry registry.Client
	platform string // principal receiving maintenance and upgrade payments
	locks    *keylock.Guard
	logger   *slog.Logger
	now      scheduler.Clock

	decayApplied metric.Int64Counter
}

// New creates a garage Service and registers its timer handlers. The locks
// guard is shared with the racing and market services so all three serialize
// on the same per-bot keys.
func New(store storage.Store, sched *scheduler.Scheduler, led ledger.Client, reg registry.Client, platform string, locks *keylock.Guard, logger *slog.Logger, clock scheduler.Clock) *Service {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	if locks == nil {
		locks = keylock.New()
	}
	meter := telemetry.Meter("paddock/garage")
	decayApplied, _ := meter.Int64Counter("paddock.garage.decay_ticks",
		metric.WithDescription("Decay timer ticks applied"),
	)

	s := &Service{
		store:        store,
		sched:        sched,
		ledger:       led,
		registry:     reg,
		platform:     platform,
		locks:        locks,
		logger:       logger,
		now:          clock,
		decayApplied: decayApplied,
	}
	sched.RegisterHandler(model.TimerDecay, s.handleDecay)
	sched.RegisterHandler(model.TimerUpgradeComplete, s.handleUpgradeComplete)
	sched.RegisterHandler(model.TimerCooldownExpiry, s.handleCooldownExpiry)
	return s
}

// Initialize registers a minted bot with the garage. Ownership is re-checked
// live against the registry so a stale claim cannot register someone else's
// bot. Seeds all gauges to maximum and starts the standing decay chain.
func (s *Service) Initialize(ctx context.Context, caller string, tokenIndex uint32) (model.Bot, error) {
	owner, err := s.registry.Bearer(ctx, tokenIndex)
	if err != nil {
		return model.Bot{}, fmt.Errorf("garage: verify ownership of bot %d: %w", tokenIndex, err)
	}
	if owner != caller {
		return model.Bot{}, model.Errorf(model.CodeOwnershipMismatch,
			"bot %d is owned by %s", tokenIndex, owner)
	}

	release, err := s.locks.Acquire(ctx, keylock.Bot(tokenIndex))
	if err != nil {
		return model.Bot{}, err
	}
	defer release()

	if _, err := s.store.GetBot(ctx, tokenIndex); err == nil {
		return model.Bot{}, model.Errorf(model.CodeAlreadyInitialized,
			"bot %d is already initialized", tokenIndex)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.Bot{}, err
	}

	now := s.now()
	bot := model.Bot{
		TokenIndex:       tokenIndex,
		Owner:            caller,
		Faction:          deriveFaction(tokenIndex),
		Class:            deriveClass(tokenIndex),
		PreferredTerrain: deriveTerrain(tokenIndex),
		BaseStats:        deriveBaseStats(tokenIndex),
		Condition:        model.GaugeMax,
		Battery:          model.GaugeMax,
		Calibration:      model.GaugeMax,
		Lock:             model.LockFree,
		LastDecayAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateBot(ctx, bot); err != nil {
		return model.Bot{}, err
	}

	if _, err := s.sched.ScheduleBot(ctx, model.TimerDecay, tokenIndex, now.Add(DecayInterval)); err != nil {
		return model.Bot{}, fmt.Errorf("garage: schedule decay for bot %d: %w", tokenIndex, err)
	}

	s.logger.Info("bot initialized",
		"token_index", tokenIndex, "owner", caller,
		"faction", bot.Faction, "class", bot.Class)
	return bot, nil
}

// Details returns a bot's full state. Wear is never recomputed on read; the
// decay chain is the only writer.
func (s *Service) Details(ctx context.Context, tokenIndex uint32) (model.Bot, error) {
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

// ListOwned returns every bot registered to an owner.
func (s *Service) ListOwned(ctx context.Context, owner string) ([]model.Bot, error) {
	return s.store.ListBotsByOwner(ctx, owner)
}

// Repair restores a bot's condition to maximum. Requires the repair cooldown
// to have elapsed and a pre-approved allowance covering the cost plus the
// ledger fee.
func (s *Service) Repair(ctx context.Context, caller string, tokenIndex uint32) (model.Bot, error) {
	return s.maintain(ctx, caller, tokenIndex, maintenance{
		name:     "repair",
		cost:     RepairCostE8s,
		cooldown: RepairCooldown,
		lastUsed: func(b *model.Bot) *time.Time { return b.LastRepairAt },
		apply: func(b *model.Bot, now time.Time) {
			b.Condition = model.GaugeMax
			b.LastRepairAt = &now
		},
	})
}

// Recharge restores a bot's battery to maximum. Battery is only ever debited
// by race entry, never by time.
func (s *Service) Recharge(ctx context.Context, caller string, tokenIndex uint32) (model.Bot, error) {
	return s.maintain(ctx, caller, tokenIndex, maintenance{
		name:     "recharge",
		cost:     RechargeCostE8s,
		cooldown: RechargeCooldown,
		lastUsed: func(b *model.Bot) *time.Time { return b.LastRechargeAt },
		apply: func(b *model.Bot, now time.Time) {
			b.Battery = model.GaugeMax
			b.LastRechargeAt = &now
		},
	})
}

type maintenance struct {
	name     string
	cost     uint64
	cooldown time.Duration
	lastUsed func(*model.Bot) *time.Time
	apply    func(*model.Bot, time.Time)
}

func (s *Service) maintain(ctx context.Context, caller string, tokenIndex uint32, m maintenance) (model.Bot, error) {
	release, err := s.locks.Acquire(ctx, keylock.Bot(tokenIndex))
	if err != nil {
		return model.Bot{}, err
	}
	defer release()

	bot, err := s.Details(ctx, tokenIndex)
	if err != nil {
		return model.Bot{}, err
	}
	if bot.Owner != caller {
		return model.Bot{}, model.Errorf(model.CodeOwnershipMismatch,
			"bot %d is owned by %s", tokenIndex, bot.Owner)
	}

	now := s.now()
	if last := m.lastUsed(&bot); last != nil {
		if remaining := m.cooldown - now.Sub(*last); remaining > 0 {
			return model.Bot{}, model.Errorf(model.CodeCooldownActive,
				"%s available in %s", m.name, remaining.Round(time.Second))
		}
	}

	// State moves before money: if the payment pull fails, the update is
	// rolled back and nothing external has happened. The reverse order would
	// strand the payment when the store write fails.
	prev := bot
	m.apply(&bot, now)
	bot.UpdatedAt = now
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		return model.Bot{}, err
	}

	if err := s.pullPayment(ctx, caller, m.cost); err != nil {
		if rerr := s.store.UpdateBot(ctx, prev); rerr != nil {
			s.logger.Error("roll back unpaid maintenance",
				"action", m.name, "token_index", tokenIndex, "error", rerr)
		}
		return model.Bot{}, err
	}

	// Surfacing the cooldown in the timer queue keeps diagnostics honest
	// about upcoming work; the expiry handler itself is a no-op since
	// cooldowns are enforced by timestamp.
	if _, err := s.sched.ScheduleBot(ctx, model.TimerCooldownExpiry, tokenIndex, now.Add(m.cooldown)); err != nil {
		s.logger.Warn("schedule cooldown expiry", "token_index", tokenIndex, "error", err)
	}

	s.logger.Info("maintenance applied", "action", m.name, "token_index", tokenIndex, "cost_e8s", m.cost)
	return bot, nil
}

// pullPayment re-validates the caller's allowance and pulls cost into the
// platform account. The allowance is checked immediately before the debit
// because approvals can be revoked between check and use.
func (s *Service) pullPayment(ctx context.Context, caller string, cost uint64) error {
	needed := cost + ledger.TransferFeeE8s
	allowance, err := s.ledger.Allowance(ctx, caller)
	if err != nil {
		return fmt.Errorf("garage: check allowance: %w", err)
	}
	if allowance < needed {
		return model.Errorf(model.CodeInsufficientAllowance,
			"approved %d e8s, need %d", allowance, needed)
	}
	if err := s.ledger.TransferFrom(ctx, caller, ledger.Account{Owner: s.platform}, cost); err != nil {
		if errors.Is(err, ledger.ErrInsufficientAllowance) || errors.Is(err, ledger.ErrInsufficientFunds) {
			return model.Errorf(model.CodeInsufficientAllowance, "payment of %d e8s failed: %v", cost, err)
		}
		return fmt.Errorf("garage: pull payment: %w", err)
	}
	return nil
}

// StartUpgrade begins a stat upgrade, locking the bot for the duration.
// Cost is progressive in the stat's current tier and payable either from the
// owner's parts inventory or in tokens at PartPriceE8s per part.
func (s *Service) StartUpgrade(ctx context.Context, caller string, tokenIndex uint32, stat model.StatKind, payWithParts bool) (model.Upgrade, error) {
	if !model.ValidStatKind(stat) {
		return model.Upgrade{}, model.Errorf(model.CodeInvalidStat, "unknown stat %q", stat)
	}

	release, err := s.locks.Acquire(ctx, keylock.Bot(tokenIndex))
	if err != nil {
		return model.Upgrade{}, err
	}
	defer release()

	bot, err := s.Details(ctx, tokenIndex)
	if err != nil {
		return model.Upgrade{}, err
	}
	if bot.Owner != caller {
		return model.Upgrade{}, model.Errorf(model.CodeOwnershipMismatch,
			"bot %d is owned by %s", tokenIndex, bot.Owner)
	}
	if bot.Locked() {
		return model.Upgrade{}, model.Errorf(model.CodeBotLocked,
			"bot %d is %s", tokenIndex, bot.Lock)
	}

	now := s.now()
	parts := PartsForTier(bot.UpgradeTiers.Get(stat))
	up := model.Upgrade{
		TokenIndex: tokenIndex,
		Stat:       stat,
		StartedAt:  now,
		FinishAt:   now.Add(UpgradeDuration),
	}

	if payWithParts {
		balance, err := s.store.GetParts(ctx, caller)
		if err != nil {
			return model.Upgrade{}, err
		}
		if balance < parts {
			return model.Upgrade{}, model.Errorf(model.CodeInsufficientParts,
				"have %d parts, need %d", balance, parts)
		}
		if err := s.store.AddParts(ctx, caller, -parts); err != nil {
			return model.Upgrade{}, err
		}
		up.PaidParts = parts
	} else {
		up.PaidE8s = uint64(parts) * PartPriceE8s
	}

	prev := bot
	if err := s.store.CreateUpgrade(ctx, up); err != nil {
		s.abortUpgrade(ctx, caller, prev, up)
		return model.Upgrade{}, err
	}

	bot.Lock = model.LockInUpgrade
	bot.UpdatedAt = now
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		s.abortUpgrade(ctx, caller, prev, up)
		return model.Upgrade{}, err
	}

	if _, err := s.sched.ScheduleBot(ctx, model.TimerUpgradeComplete, tokenIndex, up.FinishAt); err != nil {
		s.abortUpgrade(ctx, caller, prev, up)
		return model.Upgrade{}, fmt.Errorf("garage: schedule upgrade completion: %w", err)
	}

	// Money moves last. A failed pull unwinds the upgrade so no payment can
	// be taken for state that was never persisted, and no state survives a
	// payment that never landed.
	if up.PaidE8s > 0 {
		if err := s.pullPayment(ctx, caller, up.PaidE8s); err != nil {
			s.abortUpgrade(ctx, caller, prev, up)
			return model.Upgrade{}, err
		}
	}

	s.logger.Info("upgrade started",
		"token_index", tokenIndex, "stat", stat,
		"paid_e8s", up.PaidE8s, "paid_parts", up.PaidParts, "finish_at", up.FinishAt)
	return up, nil
}

// abortUpgrade unwinds a partially started upgrade: the completion timer, the
// upgrade row, the bot's lock and any parts debit. Each step is best effort
// and tolerates not having happened yet.
func (s *Service) abortUpgrade(ctx context.Context, caller string, prev model.Bot, up model.Upgrade) {
	if _, err := s.sched.CancelBotTimers(ctx, model.TimerUpgradeComplete, prev.TokenIndex); err != nil {
		s.logger.Error("abort upgrade: cancel completion timer",
			"token_index", prev.TokenIndex, "error", err)
	}
	if err := s.store.DeleteUpgrade(ctx, prev.TokenIndex); err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error("abort upgrade: delete record",
			"token_index", prev.TokenIndex, "error", err)
	}
	if err := s.store.UpdateBot(ctx, prev); err != nil {
		s.logger.Error("abort upgrade: restore bot",
			"token_index", prev.TokenIndex, "error", err)
	}
	if up.PaidParts > 0 {
		if err := s.store.AddParts(ctx, caller, up.PaidParts); err != nil {
			s.logger.Error("abort upgrade: refund parts",
				"owner", caller, "parts", up.PaidParts, "error", err)
		}
	}
}

// CancelUpgrade aborts an in-flight upgrade with a full refund: tokens back
// to the owner's wallet, parts back to inventory. The pending completion
// timer is removed so it cannot fire later.
func (s *Service) CancelUpgrade(ctx context.Context, caller string, tokenIndex uint32) (model.Bot, error) {
	release, err := s.locks.Acquire(ctx, keylock.Bot(tokenIndex))
	if err != nil {
		return model.Bot{}, err
	}
	defer release()

	bot, err := s.Details(ctx, tokenIndex)
	if err != nil {
		return model.Bot{}, err
	}
	if bot.Owner != caller {
		return model.Bot{}, model.Errorf(model.CodeOwnershipMismatch,
			"bot %d is owned by %s", tokenIndex, bot.Owner)
	}

	up, err := s.store.GetUpgrade(ctx, tokenIndex)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Bot{}, model.Errorf(model.CodeNoActiveUpgrade,
				"bot %d has no upgrade in progress", tokenIndex)
		}
		return model.Bot{}, err
	}

	if _, err := s.sched.CancelBotTimers(ctx, model.TimerUpgradeComplete, tokenIndex); err != nil {
		return model.Bot{}, fmt.Errorf("garage: cancel upgrade timer: %w", err)
	}
	if err := s.store.DeleteUpgrade(ctx, tokenIndex); err != nil {
		return model.Bot{}, err
	}

	if up.PaidParts > 0 {
		if err := s.store.AddParts(ctx, caller, up.PaidParts); err != nil {
			return model.Bot{}, err
		}
	}
	if up.PaidE8s > 0 {
		if err := s.ledger.Transfer(ctx, ledger.Account{Owner: s.platform}, ledger.Account{Owner: caller}, up.PaidE8s); err != nil {
			return model.Bot{}, fmt.Errorf("garage: refund upgrade payment: %w", err)
		}
	}

	bot.Lock = model.LockFree
	bot.UpdatedAt = s.now()
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		return model.Bot{}, err
	}

	s.logger.Info("upgrade cancelled",
		"token_index", tokenIndex, "refund_e8s", up.PaidE8s, "refund_parts", up.PaidParts)
	return bot, nil
}

// Transfer moves an unlocked bot to another garage, running the registry's
// lock, transfer, settle sequence before mutating local state.
func (s *Service) Transfer(ctx context.Context, caller string, tokenIndex uint32, to string) (model.Bot, error) {
	release, err := s.locks.Acquire(ctx, keylock.Bot(tokenIndex))
	if err != nil {
		return model.Bot{}, err
	}
	defer release()

	bot, err := s.Details(ctx, tokenIndex)
	if err != nil {
		return model.Bot{}, err
	}
	if bot.Owner != caller {
		return model.Bot{}, model.Errorf(model.CodeOwnershipMismatch,
			"bot %d is owned by %s", tokenIndex, bot.Owner)
	}
	if bot.Locked() {
		return model.Bot{}, model.Errorf(model.CodeBotLocked,
			"bot %d is %s", tokenIndex, bot.Lock)
	}

	if err := s.registry.Lock(ctx, tokenIndex, 0, to); err != nil {
		return model.Bot{}, fmt.Errorf("garage: lock token for transfer: %w", err)
	}
	if err := s.registry.Transfer(ctx, tokenIndex, caller, to); err != nil {
		if unlockErr := s.registry.Unlock(ctx, tokenIndex); unlockErr != nil {
			s.logger.Error("unlock after failed transfer", "token_index", tokenIndex, "error", unlockErr)
		}
		return model.Bot{}, fmt.Errorf("garage: registry transfer: %w", err)
	}
	if err := s.registry.Settle(ctx, tokenIndex); err != nil {
		return model.Bot{}, fmt.Errorf("garage: settle transfer: %w", err)
	}

	bot.Owner = to
	bot.UpdatedAt = s.now()
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		return model.Bot{}, err
	}

	s.logger.Info("bot transferred", "token_index", tokenIndex, "from", caller, "to", to)
	return bot, nil
}

// handleDecay applies time-proportional wear and re-chains the next tick.
// Loss is computed from the bot's last-decay high-water mark, so fractional
// hourly amounts accumulate exactly and repeated or delayed drains cannot
// double-apply. Battery is never touched.
func (s *Service) handleDecay(ctx context.Context, t model.Timer) (*model.Timer, error) {
	if t.TokenIndex == nil {
		return nil, nil
	}
	release, err := s.locks.Acquire(ctx, keylock.Bot(*t.TokenIndex))
	if err != nil {
		return nil, err
	}
	defer release()

	bot, err := s.store.GetBot(ctx, *t.TokenIndex)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Bot was never registered or was removed; drop the chain.
			return nil, nil
		}
		return nil, err
	}

	now := s.now()
	hours := now.Sub(bot.LastDecayAt).Hours()
	if hours > 0 {
		mult := bot.Faction.DecayMultiplier()
		bot.Condition = model.ClampGauge(bot.Condition - ConditionDecayPerHour*mult*hours)
		bot.Calibration = model.ClampGauge(bot.Calibration - CalibrationDecayPerHour*mult*hours)
		bot.LastDecayAt = now
		bot.UpdatedAt = now
		if err := s.store.UpdateBot(ctx, bot); err != nil {
			return nil, err
		}
	}
	s.decayApplied.Add(ctx, 1)

	next := t
	next.ID = uuid.Nil
	next.DueAt = t.DueAt.Add(DecayInterval)
	next.CreatedAt = time.Time{}
	return &next, nil
}

// handleUpgradeComplete grants the stat tier and releases the lock. A timer
// whose upgrade record is gone was cancelled; it is consumed as a no-op.
func (s *Service) handleUpgradeComplete(ctx context.Context, t model.Timer) (*model.Timer, error) {
	if t.TokenIndex == nil {
		return nil, nil
	}
	release, err := s.locks.Acquire(ctx, keylock.Bot(*t.TokenIndex))
	if err != nil {
		return nil, err
	}
	defer release()

	up, err := s.store.GetUpgrade(ctx, *t.TokenIndex)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	bot, err := s.store.GetBot(ctx, *t.TokenIndex)
	if err != nil {
		return nil, err
	}

	bot.UpgradeTiers = bot.UpgradeTiers.Add(up.Stat, 1)
	if bot.Lock == model.LockInUpgrade {
		bot.Lock = model.LockFree
	}
	bot.UpdatedAt = s.now()
	if err := s.store.UpdateBot(ctx, bot); err != nil {
		return nil, err
	}
	if err := s.store.DeleteUpgrade(ctx, *t.TokenIndex); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	s.logger.Info("upgrade complete",
		"token_index", *t.TokenIndex, "stat", up.Stat,
		"new_tier", bot.UpgradeTiers.Get(up.Stat))
	return nil, nil
}

// handleCooldownExpiry consumes the marker; cooldowns are enforced by the
// maintenance timestamps, not by the timer itself.
func (s *Service) handleCooldownExpiry(ctx context.Context, t model.Timer) (*model.Timer, error) {
	return nil, nil
}
