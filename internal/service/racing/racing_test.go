package racing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wastelane/paddock/internal/ledger"
	"github.com/wastelane/paddock/internal/model"
	"github.com/wastelane/paddock/internal/scheduler"
	"github.com/wastelane/paddock/internal/storage"
)

const platform = "platform"

type fixture struct {
	svc   *Service
	store *storage.Memory
	led   *ledger.MemLedger
	sched *scheduler.Scheduler
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemory(),
		led:   ledger.NewMemLedger(),
		now:   time.Date(2026, 8, 3, 12, 0, 0, 0, time.UTC), // a Monday
	}
	clock := func() time.Time { return f.now }
	f.sched = scheduler.New(f.store, slog.Default(), scheduler.WithClock(clock))
	f.svc = New(f.store, f.sched, f.led, platform, nil, slog.Default(), clock)
	return f
}

func (f *fixture) makeBot(t *testing.T, token uint32, owner string, class model.BotClass) model.Bot {
	t.Helper()
	bot := model.Bot{
		TokenIndex:       token,
		Owner:            owner,
		Faction:          model.FactionGolden,
		Class:            class,
		PreferredTerrain: model.TerrainMetalRoads,
		BaseStats:        model.Stats{Speed: 60, Acceleration: 55, Stability: 50, PowerCore: 45},
		Condition:        model.GaugeMax,
		Battery:          model.GaugeMax,
		Calibration:      model.GaugeMax,
		Lock:             model.LockFree,
		LastDecayAt:      f.now,
		CreatedAt:        f.now,
		UpdatedAt:        f.now,
	}
	require.NoError(t, f.store.CreateBot(context.Background(), bot))
	return bot
}

// makeRace persists a race with a scheduled start timer, bypassing the
// calendar so tests control class, fee and capacity directly.
func (f *fixture) makeRace(t *testing.T, class model.BotClass, feeE8s uint64, maxEntrants int, startIn time.Duration) model.Race {
	t.Helper()
	race := model.Race{
		ID:            uuid.New(),
		Name:          "Test " + string(class),
		Class:         class,
		Terrain:       model.TerrainScrapHeaps,
		Cadence:       model.CadenceDaily,
		Distance:      1200,
		EntryFee:      feeE8s,
		MaxEntrants:   maxEntrants,
		StartAt:       f.now.Add(startIn),
		EntryDeadline: f.now.Add(startIn - time.Minute),
		Status:        model.RaceUpcoming,
		CreatedAt:     f.now,
		UpdatedAt:     f.now,
	}
	require.NoError(t, f.store.CreateRace(context.Background(), race))
	_, err := f.sched.ScheduleRace(context.Background(), model.TimerRaceStart, race.ID, race.StartAt)
	require.NoError(t, err)
	return race
}

func (f *fixture) fund(owner string, e8s uint64) {
	f.led.SetBalance(ledger.Account{Owner: owner}, e8s)
	f.led.Approve(owner, e8s)
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	_, failed, err := f.sched.ProcessOverdue(context.Background())
	require.NoError(t, err)
	require.Zero(t, failed)
}

func TestEnterRace(t *testing.T) {
	f := newFixture(t)
	race := f.makeRace(t, model.ClassElite, 2*ledger.E8sPerToken, 8, time.Hour)
	f.makeBot(t, 1, "alice", model.ClassElite)
	f.fund("alice", 100*ledger.E8sPerToken)

	entry, err := f.svc.EnterRace(context.Background(), "alice", race.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), entry.TokenIndex)

	bot, err := f.store.GetBot(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, model.LockInEvent, bot.Lock)
	assert.Equal(t, model.GaugeMax-EntryBatteryCost, bot.Battery)

	got, err := f.store.GetRace(context.Background(), race.ID)
	require.NoError(t, err)
	assert.Equal(t, race.EntryFee, got.PrizePool)

	escrow, err := f.led.Balance(context.Background(), f.svc.escrow(race.ID))
	require.NoError(t, err)
	assert.Equal(t, race.EntryFee, escrow)
}

func TestEnterRaceValidationOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("race closed", func(t *testing.T) {
		race := f.makeRace(t, model.ClassElite, ledger.E8sPerToken, 8, 30*time.Second)
		f.makeBot(t, 10, "alice", model.ClassElite)
		f.now = f.now.Add(time.Minute)
		_, err := f.svc.EnterRace(ctx, "alice", race.ID, 10)
		de, ok := model.AsDomain(err)
		require.True(t, ok)
		assert.Equal(t, model.CodeRaceClosed, de.Code)
	})

	t.Run("full", func(t *testing.T) {
		f := newFixture(t)
		race := f.makeRace(t, model.ClassElite, ledger.E8sPerToken, 1, time.Hour)
		f.makeBot(t, 1, "alice", model.ClassElite)
		f.makeBot(t, 2, "bob", model.ClassElite)
		f.fund("alice", 10*ledger.E8sPerToken)
		f.fund("bob", 10*ledger.E8sPerToken)

		_, err := f.svc.EnterRace(ctx, "alice", race.ID, 1)
		require.NoError(t, err)
		_, err = f.svc.EnterRace(ctx, "bob", race.ID, 2)
		de, ok := model.AsDomain(err)
		require.True(t, ok)
		assert.Equal(t, model.CodeEventFull, de.Code)
	})

	t.Run("duplicate", func(t *testing.T) {
		f := newFixture(t)
		race := f.makeRace(t, model.ClassElite, ledger.E8sPerToken, 8, time.Hour)
		f.makeBot(t, 1, "alice", model.ClassElite)
		f.fund("alice", 10*ledger.E8sPerToken)

		_, err := f.svc.EnterRace(ctx, "alice", race.ID, 1)
		require.NoError(t, err)
		_, err = f.svc.EnterRace(ctx, "alice", race.ID, 1)
		de, ok := model.AsDomain(err)
		require.True(t, ok)
		assert.Equal(t, model.CodeDuplicateEntry, de.Code)
	})

	t.Run("class mismatch", func(t *testing.T) {
		f := newFixture(t)
		race := f.makeRace(t, model.ClassElite, ledger.E8sPerToken, 8, time.Hour)
		f.makeBot(t, 1, "alice", model.ClassScavenger)
		_, err := f.svc.EnterRace(ctx, "alice", race.ID, 1)
		de, ok := model.AsDomain(err)
		require.True(t, ok)
		assert.Equal(t, model.CodeClassMismatch, de.Code)
	})

	t.Run("locked", func(t *testing.T) {
		f := newFixture(t)
		race := f.makeRace(t, model.ClassElite, ledger.E8sPerToken, 8, time.Hour)
		bot := f.makeBot(t, 1, "alice", model.ClassElite)
		bot.Lock = model.LockInUpgrade
		require.NoError(t, f.store.UpdateBot(ctx, bot))
		_, err := f.svc.EnterRace(ctx, "alice", race.ID, 1)
		de, ok := model.AsDomain(err)
		require.True(t, ok)
		assert.Equal(t, model.CodeBotLocked, de.Code)
	})

	t.Run("not fit", func(t *testing.T) {
		f := newFixture(t)
		race := f.makeRace(t, model.ClassElite, ledger.E8sPerToken, 8, time.Hour)
		bot := f.makeBot(t, 1, "alice", model.ClassElite)
		bot.Battery = MinBatteryToRace - 1
		require.NoError(t, f.store.UpdateBot(ctx, bot))
		_, err := f.svc.EnterRace(ctx, "alice", race.ID, 1)
		de, ok := model.AsDomain(err)
		require.True(t, ok)
		assert.Equal(t, model.CodeNotFitToRace, de.Code)
	})

	t.Run("no allowance", func(t *testing.T) {
		f := newFixture(t)
		race := f.makeRace(t, model.ClassElite, ledger.E8sPerToken, 8, time.Hour)
		f.makeBot(t, 1, "alice", model.ClassElite)
		_, err := f.svc.EnterRace(ctx, "alice", race.ID, 1)
		de, ok := model.AsDomain(err)
		require.True(t, ok)
		assert.Equal(t, model.CodeInsufficientAllowance, de.Code)
	})
}

func TestSponsorRace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	race := f.makeRace(t, model.ClassElite, ledger.E8sPerToken, 8, time.Hour)
	f.fund("patron", 100*ledger.E8sPerToken)

	_, err := f.svc.SponsorRace(ctx, "patron", race.ID, MinSponsorE8s-1, "too small")
	de, ok := model.AsDomain(err)
	require.True(t, ok)
	assert.Equal(t, model.CodeSponsorTooSmall, de.Code)

	sp, err := f.svc.SponsorRace(ctx, "patron", race.ID, 3*ledger.E8sPerToken, "go fast")
	require.NoError(t, err)
	assert.Equal(t, "patron", sp.Sponsor)

	got, err := f.store.GetRace(ctx, race.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(3*ledger.E8sPerToken), got.PrizePool)
}

func TestTwoEntrantSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fee := uint64(5 * ledger.E8sPerToken)
	race := f.makeRace(t, model.ClassElite, fee, 8, time.Hour)
	f.makeBot(t, 1, "alice", model.ClassElite)
	f.makeBot(t, 2, "bob", model.ClassElite)
	f.fund("alice", 100*ledger.E8sPerToken)
	f.fund("bob", 100*ledger.E8sPerToken)

	_, err := f.svc.EnterRace(ctx, "alice", race.ID, 1)
	require.NoError(t, err)
	_, err = f.svc.EnterRace(ctx, "bob", race.ID, 2)
	require.NoError(t, err)

	aliceBefore, _ := f.led.Balance(ctx, ledger.Account{Owner: "alice"})
	bobBefore, _ := f.led.Balance(ctx, ledger.Account{Owner: "bob"})

	// Start, then finish.
	f.now = f.now.Add(time.Hour + time.Second)
	f.drain(t)
	got, err := f.store.GetRace(ctx, race.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RaceInProgress, got.Status)

	f.now = f.now.Add(RaceDuration)
	f.drain(t)

	got, err = f.store.GetRace(ctx, race.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RaceCompleted, got.Status)
	require.NotNil(t, got.SettledAt)

	// Exactly ranks 1 and 2 of the net pool are paid.
	pool := 2 * fee
	net := pool - pool*PlatformTaxBps/10_000
	want1 := net * RankShareBps[0] / 10_000
	want2 := net * RankShareBps[1] / 10_000
	assert.Greater(t, want1, want2)

	entries, err := f.store.ListEntries(ctx, race.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var total uint64
	for _, e := range entries {
		require.NotNil(t, e.FinishPosition)
		require.NotNil(t, e.PayoutE8s)
		switch *e.FinishPosition {
		case 1:
			assert.Equal(t, want1, *e.PayoutE8s)
		case 2:
			assert.Equal(t, want2, *e.PayoutE8s)
		default:
			t.Fatalf("unexpected position %d", *e.FinishPosition)
		}
		total += *e.PayoutE8s
	}
	assert.Equal(t, want1+want2, total)

	// Winners were credited exactly their share, losers only their share.
	aliceAfter, _ := f.led.Balance(ctx, ledger.Account{Owner: "alice"})
	bobAfter, _ := f.led.Balance(ctx, ledger.Account{Owner: "bob"})
	assert.Equal(t, want1+want2, (aliceAfter-aliceBefore)+(bobAfter-bobBefore))

	// Wear applied, locks released.
	for _, token := range []uint32{1, 2} {
		bot, err := f.store.GetBot(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, model.LockFree, bot.Lock)
		assert.Equal(t, model.GaugeMax-RaceWearCondition, bot.Condition)
	}
}

func TestSettlementIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	race := f.makeRace(t, model.ClassElite, ledger.E8sPerToken, 8, time.Hour)
	f.makeBot(t, 1, "alice", model.ClassElite)
	f.fund("alice", 10*ledger.E8sPerToken)
	_, err := f.svc.EnterRace(ctx, "alice", race.ID, 1)
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour + RaceDuration + time.Second)
	f.drain(t)

	balance, _ := f.led.Balance(ctx, ledger.Account{Owner: "alice"})
	bot, err := f.store.GetBot(ctx, 1)
	require.NoError(t, err)

	// Re-fire the finish manually: the settled check makes it a no-op.
	_, err = f.svc.handleRaceFinish(ctx, model.Timer{Kind: model.TimerRaceFinish, RaceID: &race.ID})
	require.NoError(t, err)

	balance2, _ := f.led.Balance(ctx, ledger.Account{Owner: "alice"})
	assert.Equal(t, balance, balance2)
	bot2, err := f.store.GetBot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, bot.Condition, bot2.Condition)
}

func TestPayoutOutboxRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	race := f.makeRace(t, model.ClassElite, ledger.E8sPerToken, 8, time.Hour)
	f.makeBot(t, 1, "alice", model.ClassElite)
	f.fund("alice", 10*ledger.E8sPerToken)
	_, err := f.svc.EnterRace(ctx, "alice", race.ID, 1)
	require.NoError(t, err)

	f.led.FailTransfersTo("alice", true)
	f.now = f.now.Add(time.Hour + RaceDuration + time.Second)
	f.drain(t)

	got, err := f.store.GetRace(ctx, race.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RaceCompleted, got.Status, "settlement completes despite payout failure")

	pending, err := f.store.ListPayoutsByStatus(ctx, model.PayoutPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].Payee)
	assert.Equal(t, 1, pending[0].Rank)

	// First retry still fails and stays pending.
	retried, paid, failed, err := f.svc.RetryPayouts(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)
	assert.Equal(t, 0, paid)
	assert.Equal(t, 1, failed)

	// The rail recovers.
	f.led.FailTransfersTo("alice", false)
	retried, paid, failed, err = f.svc.RetryPayouts(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)
	assert.Equal(t, 1, paid)
	assert.Equal(t, 0, failed)

	pending, err = f.store.ListPayoutsByStatus(ctx, model.PayoutPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Funded 10 tokens, paid a 1-token fee plus the transfer fee, then
	// received the rank-1 share of the net pool.
	pool := uint64(ledger.E8sPerToken)
	net := pool - pool*PlatformTaxBps/10_000
	want := 9*uint64(ledger.E8sPerToken) - ledger.TransferFeeE8s + net*RankShareBps[0]/10_000
	balance, _ := f.led.Balance(ctx, ledger.Account{Owner: "alice"})
	assert.Equal(t, want, balance)
}

func TestConcurrentFinishSettlesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fee := uint64(ledger.E8sPerToken)
	race := f.makeRace(t, model.ClassElite, fee, 8, time.Hour)
	f.makeBot(t, 1, "alice", model.ClassElite)
	f.fund("alice", 10*ledger.E8sPerToken)
	_, err := f.svc.EnterRace(ctx, "alice", race.ID, 1)
	require.NoError(t, err)

	f.now = f.now.Add(time.Hour + time.Second)
	f.drain(t)
	f.now = f.now.Add(RaceDuration)

	// Two drains racing on the same finish: the entity lock serializes them
	// and the settled check turns the loser into a no-op.
	timer := model.Timer{Kind: model.TimerRaceFinish, RaceID: &race.ID}
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ferr := f.svc.handleRaceFinish(ctx, timer)
			assert.NoError(t, ferr)
		}()
	}
	wg.Wait()

	bot, err := f.store.GetBot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.GaugeMax-RaceWearCondition, bot.Condition, "wear applied exactly once")
	assert.Equal(t, model.LockFree, bot.Lock)

	pending, err := f.store.ListPayoutsByStatus(ctx, model.PayoutPending, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "no duplicate payouts queued")

	net := fee - fee*PlatformTaxBps/10_000
	want := 9*uint64(ledger.E8sPerToken) - ledger.TransferFeeE8s + net*RankShareBps[0]/10_000
	balance, _ := f.led.Balance(ctx, ledger.Account{Owner: "alice"})
	assert.Equal(t, want, balance, "prize credited exactly once")
}

// entryFailStore makes AddEntry fail so the paid-but-not-persisted branch of
// EnterRace can be exercised.
type entryFailStore struct {
	storage.Store
	err error
}

func (s entryFailStore) AddEntry(context.Context, model.RaceEntry) error { return s.err }

func TestEntryRefundQueuedWhenStoreFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fee := uint64(2 * ledger.E8sPerToken)
	race := f.makeRace(t, model.ClassElite, fee, 8, time.Hour)
	bot := f.makeBot(t, 1, "alice", model.ClassElite)
	f.fund("alice", 10*ledger.E8sPerToken)

	failing := entryFailStore{Store: f.store, err: errors.New("disk full")}
	svc := New(failing, f.sched, f.led, platform, nil, slog.Default(), func() time.Time { return f.now })

	_, err := svc.EnterRace(ctx, "alice", race.ID, 1)
	require.Error(t, err)

	// The bot is rolled back to its pre-entry state.
	got, err := f.store.GetBot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.LockFree, got.Lock)
	assert.Equal(t, bot.Battery, got.Battery)

	// The pulled fee sits in escrow with a durable refund queued against it.
	escrow, err := f.led.Balance(ctx, svc.escrow(race.ID))
	require.NoError(t, err)
	assert.Equal(t, fee, escrow)

	pending, err := f.store.ListPayoutsByStatus(ctx, model.PayoutPending, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].Payee)
	assert.Equal(t, 0, pending[0].Rank)
	assert.Equal(t, fee-ledger.TransferFeeE8s, pending[0].AmountE8s)

	// The retry sweep pays it back out of the escrow.
	retried, paid, failed, err := svc.RetryPayouts(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, retried)
	assert.Equal(t, 1, paid)
	assert.Equal(t, 0, failed)

	// Alice is whole minus the two transfer fees the round trip cost.
	balance, _ := f.led.Balance(ctx, ledger.Account{Owner: "alice"})
	assert.Equal(t, 10*uint64(ledger.E8sPerToken)-2*ledger.TransferFeeE8s, balance)
}

func TestListRacesHasSpots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	full := f.makeRace(t, model.ClassElite, ledger.E8sPerToken, 1, time.Hour)
	open := f.makeRace(t, model.ClassElite, ledger.E8sPerToken, 8, 2*time.Hour)
	f.makeBot(t, 1, "alice", model.ClassElite)
	f.fund("alice", 10*ledger.E8sPerToken)
	_, err := f.svc.EnterRace(ctx, "alice", full.ID, 1)
	require.NoError(t, err)

	races, err := f.svc.ListRaces(ctx, model.RaceFilter{Status: model.RaceUpcoming, HasSpots: true})
	require.NoError(t, err)
	require.Len(t, races, 1)
	assert.Equal(t, open.ID, races[0].ID)
}
