package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wastelane/paddock/internal/model"
	"github.com/wastelane/paddock/internal/storage"
	"github.com/wastelane/paddock/internal/testutil"
)

// testDB is the shared store for all integration tests in this file.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testDB = db

	code := m.Run()
	db.Close()
	tc.Terminate()
	os.Exit(code)
}

func testBot(tokenIndex uint32, owner string) model.Bot {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return model.Bot{
		TokenIndex:       tokenIndex,
		Owner:            owner,
		Faction:          model.FactionGolden,
		Class:            model.ClassScavenger,
		PreferredTerrain: model.TerrainMetalRoads,
		BaseStats:        model.Stats{Speed: 50, Acceleration: 40, Stability: 60, PowerCore: 45},
		Condition:        model.GaugeMax,
		Battery:          model.GaugeMax,
		Calibration:      model.GaugeMax,
		Lock:             model.LockFree,
		LastDecayAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestBotRoundTrip(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.GetBot(ctx, 9001)
	require.ErrorIs(t, err, storage.ErrNotFound)

	bot := testBot(9001, "alice")
	require.NoError(t, testDB.CreateBot(ctx, bot))

	got, err := testDB.GetBot(ctx, 9001)
	require.NoError(t, err)
	assert.Equal(t, bot.Owner, got.Owner)
	assert.Equal(t, bot.Faction, got.Faction)
	assert.Equal(t, bot.BaseStats, got.BaseStats)
	assert.Equal(t, model.LockFree, got.Lock)
	assert.InDelta(t, model.GaugeMax, got.Condition, 1e-9)

	got.Condition = 72.5
	got.Lock = model.LockInUpgrade
	got.UpdatedAt = time.Now().UTC()
	require.NoError(t, testDB.UpdateBot(ctx, got))

	got, err = testDB.GetBot(ctx, 9001)
	require.NoError(t, err)
	assert.InDelta(t, 72.5, got.Condition, 1e-9)
	assert.Equal(t, model.LockInUpgrade, got.Lock)

	require.NoError(t, testDB.CreateBot(ctx, testBot(9002, "alice")))
	bots, err := testDB.ListBotsByOwner(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, bots, 2)
	assert.Equal(t, uint32(9001), bots[0].TokenIndex)

	missing := testBot(9999, "nobody")
	require.ErrorIs(t, testDB.UpdateBot(ctx, missing), storage.ErrNotFound)
}

func TestUpgradeRoundTrip(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testDB.CreateBot(ctx, testBot(9010, "bob")))

	now := time.Now().UTC().Truncate(time.Microsecond)
	up := model.Upgrade{
		TokenIndex: 9010,
		Stat:       model.StatSpeed,
		StartedAt:  now,
		FinishAt:   now.Add(12 * time.Hour),
		PaidE8s:    9_990_000,
	}
	require.NoError(t, testDB.CreateUpgrade(ctx, up))

	// Primary key enforces one in-flight upgrade per bot.
	require.Error(t, testDB.CreateUpgrade(ctx, up))

	got, err := testDB.GetUpgrade(ctx, 9010)
	require.NoError(t, err)
	assert.Equal(t, model.StatSpeed, got.Stat)
	assert.Equal(t, uint64(9_990_000), got.PaidE8s)

	require.NoError(t, testDB.DeleteUpgrade(ctx, 9010))
	_, err = testDB.GetUpgrade(ctx, 9010)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.ErrorIs(t, testDB.DeleteUpgrade(ctx, 9010), storage.ErrNotFound)
}

func TestPartsBalance(t *testing.T) {
	ctx := context.Background()

	parts, err := testDB.GetParts(ctx, "carol")
	require.NoError(t, err)
	assert.Zero(t, parts)

	require.NoError(t, testDB.AddParts(ctx, "carol", 5))
	require.NoError(t, testDB.AddParts(ctx, "carol", -2))

	parts, err = testDB.GetParts(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 3, parts)

	// CHECK constraint rejects a negative balance.
	require.Error(t, testDB.AddParts(ctx, "carol", -10))
}

func TestTimerChain(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	token := uint32(9020)

	first, err := testDB.ScheduleTimer(ctx, model.Timer{
		Kind:       model.TimerDecay,
		DueAt:      now.Add(-time.Minute),
		TokenIndex: &token,
	})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, first.ID)

	due, err := testDB.DueTimers(ctx, now, 100)
	require.NoError(t, err)
	require.NotEmpty(t, due)

	claimed, err := testDB.ClaimTimer(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, model.TimerDecay, claimed.Kind)
	require.NotNil(t, claimed.TokenIndex)
	assert.Equal(t, token, *claimed.TokenIndex)

	// A second claim loses the race: the row is gone.
	_, err = testDB.ClaimTimer(ctx, first.ID)
	require.ErrorIs(t, err, storage.ErrNotFound)

	_, err = testDB.ScheduleTimer(ctx, model.Timer{
		Kind:       model.TimerDecay,
		DueAt:      now.Add(time.Hour),
		TokenIndex: &token,
	})
	require.NoError(t, err)

	diag, err := testDB.TimerDiagnostics(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, diag.ByKind[model.TimerDecay])

	removed, err := testDB.DeleteTimers(ctx, model.TimerDecay, &token, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestRaceRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	race := model.Race{
		ID:            uuid.New(),
		Name:          "Daily Scavenger Sprint",
		Class:         model.ClassScavenger,
		Terrain:       model.TerrainScrapHeaps,
		Cadence:       model.CadenceDaily,
		Distance:      1200,
		EntryFee:      50_000_000,
		MaxEntrants:   8,
		StartAt:       now.Add(time.Hour),
		EntryDeadline: now.Add(55 * time.Minute),
		Status:        model.RaceUpcoming,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, testDB.CreateRace(ctx, race))

	got, err := testDB.GetRace(ctx, race.ID)
	require.NoError(t, err)
	assert.Equal(t, race.Name, got.Name)
	assert.Equal(t, model.RaceUpcoming, got.Status)

	races, err := testDB.ListRaces(ctx, model.RaceFilter{
		Status:  model.RaceUpcoming,
		Class:   model.ClassScavenger,
		Terrain: model.TerrainScrapHeaps,
	})
	require.NoError(t, err)
	require.NotEmpty(t, races)

	count, err := testDB.CountRacesInWindow(ctx, model.CadenceDaily, model.ClassScavenger, now, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testDB.CountRacesInWindow(ctx, model.CadenceDaily, model.ClassRaider, now, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, count)

	got.Status = model.RaceCompleted
	settled := now.Add(2 * time.Hour)
	got.SettledAt = &settled
	got.PrizePool = 123_456
	got.UpdatedAt = settled
	require.NoError(t, testDB.UpdateRace(ctx, got))

	got, err = testDB.GetRace(ctx, race.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RaceCompleted, got.Status)
	require.NotNil(t, got.SettledAt)
	assert.Equal(t, uint64(123_456), got.PrizePool)
}

func TestRaceEntriesAndSponsorships(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	race := model.Race{
		ID:            uuid.New(),
		Name:          "Weekly Raider League",
		Class:         model.ClassRaider,
		Terrain:       model.TerrainWastelandSand,
		Cadence:       model.CadenceWeekly,
		Distance:      2400,
		EntryFee:      100_000_000,
		MaxEntrants:   8,
		StartAt:       now.Add(time.Hour),
		EntryDeadline: now.Add(55 * time.Minute),
		Status:        model.RaceUpcoming,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, testDB.CreateRace(ctx, race))

	entry := model.RaceEntry{RaceID: race.ID, TokenIndex: 9030, Owner: "alice", EnteredAt: now}
	require.NoError(t, testDB.AddEntry(ctx, entry))
	// Composite primary key rejects a duplicate entry.
	require.Error(t, testDB.AddEntry(ctx, entry))
	require.NoError(t, testDB.AddEntry(ctx, model.RaceEntry{
		RaceID: race.ID, TokenIndex: 9031, Owner: "bob", EnteredAt: now.Add(time.Second),
	}))

	entries, err := testDB.ListEntries(ctx, race.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint32(9030), entries[0].TokenIndex)

	pos := 1
	ft := 412.7
	payout := uint64(95_000_000)
	entries[0].FinishPosition = &pos
	entries[0].FinishTime = &ft
	entries[0].PayoutE8s = &payout
	require.NoError(t, testDB.UpdateEntry(ctx, entries[0]))

	entries, err = testDB.ListEntries(ctx, race.ID)
	require.NoError(t, err)
	require.NotNil(t, entries[0].FinishPosition)
	assert.Equal(t, 1, *entries[0].FinishPosition)
	assert.InDelta(t, 412.7, *entries[0].FinishTime, 1e-9)

	require.NoError(t, testDB.AddSponsorship(ctx, model.Sponsorship{
		ID: uuid.New(), RaceID: race.ID, Sponsor: "wastelane", AmountE8s: 10_000_000,
		Message: "good luck", CreatedAt: now,
	}))
	sponsors, err := testDB.ListSponsorships(ctx, race.ID)
	require.NoError(t, err)
	require.Len(t, sponsors, 1)
	assert.Equal(t, "wastelane", sponsors[0].Sponsor)
}

func TestListingRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, testDB.CreateBot(ctx, testBot(9040, "dave")))
	require.NoError(t, testDB.CreateBot(ctx, testBot(9041, "dave")))

	require.NoError(t, testDB.CreateListing(ctx, model.Listing{
		TokenIndex: 9040, Seller: "dave", PriceE8s: 500_000_000, CreatedAt: now,
	}))
	require.NoError(t, testDB.CreateListing(ctx, model.Listing{
		TokenIndex: 9041, Seller: "dave", PriceE8s: 200_000_000, CreatedAt: now,
	}))

	got, err := testDB.GetListing(ctx, 9040)
	require.NoError(t, err)
	assert.Equal(t, uint64(500_000_000), got.PriceE8s)

	// Cheapest first.
	listings, err := testDB.BrowseListings(ctx, model.ListingFilter{})
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, uint32(9041), listings[0].TokenIndex)

	listings, err = testDB.BrowseListings(ctx, model.ListingFilter{MaxPriceE8s: 300_000_000})
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, uint32(9041), listings[0].TokenIndex)

	require.NoError(t, testDB.DeleteListing(ctx, 9040))
	_, err = testDB.GetListing(ctx, 9040)
	require.ErrorIs(t, err, storage.ErrNotFound)
	require.NoError(t, testDB.DeleteListing(ctx, 9041))
}

func TestPayoutOutbox(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	p := model.Payout{
		ID:        uuid.New(),
		RaceID:    uuid.New(),
		Payee:     "alice",
		Rank:      1,
		AmountE8s: 95_000_000,
		Status:    model.PayoutPending,
		Attempts:  1,
		LastError: "ledger: transfer failed",
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, testDB.CreatePayout(ctx, p))

	pending, err := testDB.ListPayoutsByStatus(ctx, model.PayoutPending, 10)
	require.NoError(t, err)
	require.NotEmpty(t, pending)

	p.Status = model.PayoutPaid
	p.Attempts = 2
	p.LastError = ""
	p.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, testDB.UpdatePayout(ctx, p))

	paid, err := testDB.ListPayoutsByStatus(ctx, model.PayoutPaid, 10)
	require.NoError(t, err)
	found := false
	for _, got := range paid {
		if got.ID == p.ID {
			found = true
			assert.Equal(t, 2, got.Attempts)
			assert.Empty(t, got.LastError)
		}
	}
	assert.True(t, found)
}

func TestAPIKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	key := model.APIKey{
		ID:        uuid.New(),
		Prefix:    "ab12cd34",
		KeyHash:   "salt$hash",
		Principal: "alice",
		Role:      model.RoleAgent,
		Label:     "laptop",
		CreatedAt: now,
	}
	require.NoError(t, testDB.CreateAPIKey(ctx, key))

	active, err := testDB.GetActiveAPIKeysByPrefix(ctx, "ab12cd34")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "alice", active[0].Principal)

	require.NoError(t, testDB.TouchAPIKeyLastUsed(ctx, key.ID))
	keys, err := testDB.ListAPIKeys(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)

	require.NoError(t, testDB.RevokeAPIKey(ctx, key.ID))
	active, err = testDB.GetActiveAPIKeysByPrefix(ctx, "ab12cd34")
	require.NoError(t, err)
	assert.Empty(t, active)
}
