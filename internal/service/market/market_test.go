package market

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wastelane/paddock/internal/ledger"
	"github.com/wastelane/paddock/internal/model"
	"github.com/wastelane/paddock/internal/registry"
	"github.com/wastelane/paddock/internal/storage"
)

type fixture struct {
	svc   *Service
	store *storage.Memory
	led   *ledger.MemLedger
	reg   *registry.MemRegistry
	now   time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: storage.NewMemory(),
		led:   ledger.NewMemLedger(),
		reg:   registry.NewMemRegistry(),
		now:   time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = New(f.store, f.led, f.reg, nil, slog.Default(), func() time.Time { return f.now })
	return f
}

func (f *fixture) makeBot(t *testing.T, token uint32, owner string) model.Bot {
	t.Helper()
	f.reg.Mint(token, owner)
	bot := model.Bot{
		TokenIndex:  token,
		Owner:       owner,
		Faction:     model.FactionWild,
		Class:       model.ClassRaider,
		Condition:   model.GaugeMax,
		Battery:     model.GaugeMax,
		Calibration: model.GaugeMax,
		Lock:        model.LockFree,
		LastDecayAt: f.now,
		CreatedAt:   f.now,
		UpdatedAt:   f.now,
	}
	require.NoError(t, f.store.CreateBot(context.Background(), bot))
	return bot
}

func (f *fixture) fund(owner string, e8s uint64) {
	f.led.SetBalance(ledger.Account{Owner: owner}, e8s)
	f.led.Approve(owner, e8s)
}

func TestListAndUnlist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.makeBot(t, 1, "alice")

	listing, err := f.svc.List(ctx, "alice", 1, 20*ledger.E8sPerToken)
	require.NoError(t, err)
	assert.Equal(t, "alice", listing.Seller)

	bot, err := f.store.GetBot(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, model.LockListed, bot.Lock)

	bot, err = f.svc.Unlist(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Equal(t, model.LockFree, bot.Lock)

	_, err = f.store.GetListing(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestListInvalidPrice(t *testing.T) {
	f := newFixture(t)
	f.makeBot(t, 1, "alice")

	_, err := f.svc.List(context.Background(), "alice", 1, 0)
	de, ok := model.AsDomain(err)
	require.True(t, ok)
	assert.Equal(t, model.CodeInvalidPrice, de.Code)
}

func TestListLockedBot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bot := f.makeBot(t, 1, "alice")
	bot.Lock = model.LockInEvent
	require.NoError(t, f.store.UpdateBot(ctx, bot))

	_, err := f.svc.List(ctx, "alice", 1, 20*ledger.E8sPerToken)
	de, ok := model.AsDomain(err)
	require.True(t, ok)
	assert.Equal(t, model.CodeBotLocked, de.Code)
}

func TestPurchase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.makeBot(t, 1, "alice")
	price := uint64(20 * ledger.E8sPerToken)
	_, err := f.svc.List(ctx, "alice", 1, price)
	require.NoError(t, err)
	f.fund("bob", 100*ledger.E8sPerToken)

	bot, err := f.svc.Purchase(ctx, "bob", 1)
	require.NoError(t, err)
	assert.Equal(t, "bob", bot.Owner)
	assert.Equal(t, model.LockFree, bot.Lock)

	// Registry agrees, listing is gone, funds landed in the seller's
	// garage escrow.
	owner, err := f.reg.Bearer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "bob", owner)

	_, err = f.store.GetListing(ctx, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	escrow := ledger.Account{Owner: "alice", Subaccount: ledger.GarageSubaccount("alice")}
	got, err := f.led.Balance(ctx, escrow)
	require.NoError(t, err)
	assert.Equal(t, price, got)

	bobBalance, err := f.led.Balance(ctx, ledger.Account{Owner: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 100*uint64(ledger.E8sPerToken)-price-ledger.TransferFeeE8s, bobBalance)
}

func TestPurchaseInsufficientAllowance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.makeBot(t, 1, "alice")
	price := uint64(20 * ledger.E8sPerToken)
	_, err := f.svc.List(ctx, "alice", 1, price)
	require.NoError(t, err)

	f.led.SetBalance(ledger.Account{Owner: "bob"}, 100*ledger.E8sPerToken)
	f.led.Approve("bob", price) // short of price + fee

	_, err = f.svc.Purchase(ctx, "bob", 1)
	de, ok := model.AsDomain(err)
	require.True(t, ok)
	assert.Equal(t, model.CodeInsufficientAllowance, de.Code)

	// Nothing moved.
	owner, err := f.reg.Bearer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
	balance, err := f.led.Balance(ctx, ledger.Account{Owner: "bob"})
	require.NoError(t, err)
	assert.Equal(t, uint64(100*ledger.E8sPerToken), balance)
	_, err = f.store.GetListing(ctx, 1)
	require.NoError(t, err, "listing stays live")
}

func TestPurchaseRegistryFailureRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.makeBot(t, 1, "alice")
	price := uint64(20 * ledger.E8sPerToken)
	_, err := f.svc.List(ctx, "alice", 1, price)
	require.NoError(t, err)
	f.fund("bob", 100*ledger.E8sPerToken)
	f.reg.FailTransfers(true)

	_, err = f.svc.Purchase(ctx, "bob", 1)
	require.Error(t, err)
	_, isDomain := model.AsDomain(err)
	assert.False(t, isDomain, "registry failure is not a caller error")

	// Ownership unchanged, buyer refunded less the refund transfer fee.
	owner, err := f.reg.Bearer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	balance, err := f.led.Balance(ctx, ledger.Account{Owner: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 100*uint64(ledger.E8sPerToken)-2*ledger.TransferFeeE8s, balance)

	// The seller's escrow kept nothing.
	escrow := ledger.Account{Owner: "alice", Subaccount: ledger.GarageSubaccount("alice")}
	got, err := f.led.Balance(ctx, escrow)
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestPurchaseOwnBot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.makeBot(t, 1, "alice")
	_, err := f.svc.List(ctx, "alice", 1, 20*ledger.E8sPerToken)
	require.NoError(t, err)

	_, err = f.svc.Purchase(ctx, "alice", 1)
	de, ok := model.AsDomain(err)
	require.True(t, ok)
	assert.Equal(t, model.CodeOwnershipMismatch, de.Code)
}

func TestPurchaseUnlisted(t *testing.T) {
	f := newFixture(t)
	f.makeBot(t, 1, "alice")

	_, err := f.svc.Purchase(context.Background(), "bob", 1)
	de, ok := model.AsDomain(err)
	require.True(t, ok)
	assert.Equal(t, model.CodeListingNotFound, de.Code)
}

func TestConcurrentPurchaseSingleBuyer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.makeBot(t, 1, "alice")
	price := uint64(20 * ledger.E8sPerToken)
	_, err := f.svc.List(ctx, "alice", 1, price)
	require.NoError(t, err)
	f.fund("bob", 100*ledger.E8sPerToken)
	f.fund("carol", 100*ledger.E8sPerToken)

	buyers := []string{"bob", "carol"}
	errs := make([]error, len(buyers))
	var wg sync.WaitGroup
	for i, buyer := range buyers {
		wg.Add(1)
		go func(i int, buyer string) {
			defer wg.Done()
			_, errs[i] = f.svc.Purchase(ctx, buyer, 1)
		}(i, buyer)
	}
	wg.Wait()

	// The per-bot lock serializes the two purchases; the loser finds the
	// listing gone instead of paying for a bot it cannot receive.
	var winner string
	var lost int
	for i, err := range errs {
		if err == nil {
			winner = buyers[i]
			continue
		}
		lost++
		de, ok := model.AsDomain(err)
		require.True(t, ok)
		assert.Equal(t, model.CodeListingNotFound, de.Code)
	}
	require.NotEmpty(t, winner)
	assert.Equal(t, 1, lost)

	owner, err := f.reg.Bearer(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, winner, owner)

	// The seller was paid exactly once.
	escrow := ledger.Account{Owner: "alice", Subaccount: ledger.GarageSubaccount("alice")}
	got, err := f.led.Balance(ctx, escrow)
	require.NoError(t, err)
	assert.Equal(t, price, got)
}

func TestBrowse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.makeBot(t, 1, "alice")
	f.makeBot(t, 2, "bob")

	_, err := f.svc.List(ctx, "alice", 1, 30*ledger.E8sPerToken)
	require.NoError(t, err)
	_, err = f.svc.List(ctx, "bob", 2, 10*ledger.E8sPerToken)
	require.NoError(t, err)

	listings, err := f.svc.Browse(ctx, model.ListingFilter{})
	require.NoError(t, err)
	require.Len(t, listings, 2)
	assert.Equal(t, uint32(2), listings[0].TokenIndex, "cheapest first")

	listings, err = f.svc.Browse(ctx, model.ListingFilter{MaxPriceE8s: 15 * ledger.E8sPerToken})
	require.NoError(t, err)
	require.Len(t, listings, 1)
	assert.Equal(t, uint32(2), listings[0].TokenIndex)
}
