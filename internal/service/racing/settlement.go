package racing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/wastelane/paddock/internal/keylock"
	"github.com/wastelane/paddock/internal/ledger"
	"github.com/wastelane/paddock/internal/model"
	"github.com/wastelane/paddock/internal/storage"
)

// handleRaceStart closes entries by moving the race to InProgress and chains
// the finish timer. A race that is no longer Upcoming was already started or
// cancelled, so the timer is consumed without effect.
func (s *Service) handleRaceStart(ctx context.Context, t model.Timer) (*model.Timer, error) {
	if t.RaceID == nil {
		return nil, nil
	}
	release, err := s.locks.Acquire(ctx, keylock.Race(*t.RaceID))
	if err != nil {
		return nil, err
	}
	defer release()

	race, err := s.store.GetRace(ctx, *t.RaceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if race.Status != model.RaceUpcoming {
		return nil, nil
	}

	race.Status = model.RaceInProgress
	race.UpdatedAt = s.now()
	if err := s.store.UpdateRace(ctx, race); err != nil {
		return nil, err
	}

	entries, err := s.store.ListEntries(ctx, race.ID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("race started",
		"race_id", race.ID, "entrants", len(entries), "prize_pool_e8s", race.PrizePool)

	return &model.Timer{
		Kind:   model.TimerRaceFinish,
		DueAt:  t.DueAt.Add(RaceDuration),
		RaceID: t.RaceID,
	}, nil
}

// handleRaceFinish simulates the outcome and settles the prize pool. The
// status check makes reprocessing an already-settled race a no-op, and each
// payee's transfer failure is recorded in the outbox instead of aborting the
// rest of the settlement.
func (s *Service) handleRaceFinish(ctx context.Context, t model.Timer) (*model.Timer, error) {
	if t.RaceID == nil {
		return nil, nil
	}

	// The entry set is fixed once the race leaves Upcoming, so it is safe to
	// read before locking. Race and bot state are re-read under the locks.
	preEntries, err := s.store.ListEntries(ctx, *t.RaceID)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(preEntries)+1)
	keys = append(keys, keylock.Race(*t.RaceID))
	for _, e := range preEntries {
		keys = append(keys, keylock.Bot(e.TokenIndex))
	}
	release, err := s.locks.Acquire(ctx, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	race, err := s.store.GetRace(ctx, *t.RaceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if race.Status == model.RaceCompleted || race.Status == model.RaceCancelled || race.SettledAt != nil {
		return nil, nil
	}

	entries, err := s.store.ListEntries(ctx, race.ID)
	if err != nil {
		return nil, err
	}

	bots := make([]model.Bot, 0, len(entries))
	for _, e := range entries {
		b, err := s.store.GetBot(ctx, e.TokenIndex)
		if err != nil {
			return nil, fmt.Errorf("racing: load entrant %d: %w", e.TokenIndex, err)
		}
		bots = append(bots, b)
	}

	results := simulate(race, bots)
	byToken := make(map[uint32]result, len(results))
	for _, r := range results {
		byToken[r.TokenIndex] = r
	}

	tax := race.PrizePool * PlatformTaxBps / 10_000
	net := race.PrizePool - tax
	var paid, failed int

	for i := range entries {
		e := &entries[i]
		r := byToken[e.TokenIndex]
		pos, ft := r.Position, r.FinishTime
		e.FinishPosition = &pos
		e.FinishTime = &ft

		if pos <= len(RankShareBps) {
			amount := net * RankShareBps[pos-1] / 10_000
			e.PayoutE8s = &amount
			if err := s.payWinner(ctx, race, e.Owner, pos, amount); err != nil {
				failed++
			} else {
				paid++
			}
		}

		if err := s.store.UpdateEntry(ctx, *e); err != nil {
			return nil, err
		}
	}

	// Racing wear and lock release, every entrant whether it placed or not.
	for _, b := range bots {
		b.Condition = model.ClampGauge(b.Condition - RaceWearCondition)
		if b.Lock == model.LockInEvent {
			b.Lock = model.LockFree
		}
		b.UpdatedAt = s.now()
		if err := s.store.UpdateBot(ctx, b); err != nil {
			return nil, err
		}
	}

	now := s.now()
	race.Status = model.RaceCompleted
	race.SettledAt = &now
	race.UpdatedAt = now
	if err := s.store.UpdateRace(ctx, race); err != nil {
		return nil, err
	}

	s.sweepEscrow(ctx, race)
	s.racesSettled.Add(ctx, 1)

	s.logger.Info("race settled",
		"race_id", race.ID, "entrants", len(entries),
		"prize_pool_e8s", race.PrizePool, "tax_e8s", tax,
		"payouts_sent", paid, "payouts_failed", failed)
	return nil, nil
}

// payWinner transfers one prize out of the race escrow. A failed transfer
// lands in the outbox as pending for operator-triggered retry.
func (s *Service) payWinner(ctx context.Context, race model.Race, payee string, rank int, amount uint64) error {
	err := s.ledger.Transfer(ctx, s.escrow(race.ID), ledger.Account{Owner: payee}, amount)
	if err == nil {
		s.payoutsSent.Add(ctx, 1)
		return nil
	}

	s.logger.Error("prize transfer failed, queued for retry",
		"race_id", race.ID, "payee", payee, "rank", rank,
		"amount_e8s", amount, "error", err)

	now := s.now()
	p := model.Payout{
		ID:        uuid.New(),
		RaceID:    race.ID,
		Payee:     payee,
		Rank:      rank,
		AmountE8s: amount,
		Status:    model.PayoutPending,
		Attempts:  1,
		LastError: err.Error(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cerr := s.store.CreatePayout(ctx, p); cerr != nil {
		// The payout is now tracked nowhere durable. Surface loudly.
		s.logger.Error("record failed payout",
			"race_id", race.ID, "payee", payee, "amount_e8s", amount, "error", cerr)
	}
	return err
}

// sweepEscrow moves what is left in the race subaccount (tax, unpaid rank
// shares, rounding dust) to the platform's main account. Funds backing
// pending outbox payouts stay behind. Best effort.
func (s *Service) sweepEscrow(ctx context.Context, race model.Race) {
	escrow := s.escrow(race.ID)
	balance, err := s.ledger.Balance(ctx, escrow)
	if err != nil {
		s.logger.Warn("read race escrow balance", "race_id", race.ID, "error", err)
		return
	}

	var reserved uint64
	pending, err := s.store.ListPayoutsByStatus(ctx, model.PayoutPending, 1000)
	if err == nil {
		for _, p := range pending {
			if p.RaceID == race.ID {
				reserved += p.AmountE8s + ledger.TransferFeeE8s
			}
		}
	}
	if balance <= reserved+ledger.TransferFeeE8s {
		return
	}
	remainder := balance - reserved - ledger.TransferFeeE8s
	if err := s.ledger.Transfer(ctx, escrow, ledger.Account{Owner: s.platform}, remainder); err != nil {
		s.logger.Warn("sweep race escrow", "race_id", race.ID, "amount_e8s", remainder, "error", err)
	}
}

// RetryPayouts redrives every pending outbox payout. Successes become paid;
// failures stay pending with an incremented attempt count.
func (s *Service) RetryPayouts(ctx context.Context, limit int) (retried, paid, failed int, err error) {
	if limit <= 0 {
		limit = 100
	}
	pending, err := s.store.ListPayoutsByStatus(ctx, model.PayoutPending, limit)
	if err != nil {
		return 0, 0, 0, err
	}

	for _, p := range pending {
		retried++
		p.Attempts++
		p.UpdatedAt = s.now()

		if terr := s.ledger.Transfer(ctx, s.escrow(p.RaceID), ledger.Account{Owner: p.Payee}, p.AmountE8s); terr != nil {
			failed++
			p.LastError = terr.Error()
			s.logger.Warn("payout retry failed",
				"payout_id", p.ID, "payee", p.Payee, "attempts", p.Attempts, "error", terr)
		} else {
			paid++
			p.Status = model.PayoutPaid
			p.LastError = ""
			s.payoutsSent.Add(ctx, 1)
		}

		if uerr := s.store.UpdatePayout(ctx, p); uerr != nil {
			return retried, paid, failed, uerr
		}
	}

	if retried > 0 {
		s.logger.Info("payout retry sweep", "retried", retried, "paid", paid, "failed", failed)
	}
	return retried, paid, failed, nil
}
