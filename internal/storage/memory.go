package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wastelane/paddock/internal/model"
)

// Memory is an in-memory Store used by deterministic engine tests. It honors
// the same contracts as the Postgres implementation (ErrNotFound, duplicate
// rejection, atomic timer claims) without a database.
type Memory struct {
	mu sync.Mutex

	bots     map[uint32]model.Bot
	upgrades map[uint32]model.Upgrade
	parts    map[string]int

	timers map[uuid.UUID]model.Timer

	races        map[uuid.UUID]model.Race
	entries      map[uuid.UUID][]model.RaceEntry
	sponsorships map[uuid.UUID][]model.Sponsorship

	listings map[uint32]model.Listing
	payouts  map[uuid.UUID]model.Payout
	apiKeys  map[uuid.UUID]model.APIKey
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		bots:         make(map[uint32]model.Bot),
		upgrades:     make(map[uint32]model.Upgrade),
		parts:        make(map[string]int),
		timers:       make(map[uuid.UUID]model.Timer),
		races:        make(map[uuid.UUID]model.Race),
		entries:      make(map[uuid.UUID][]model.RaceEntry),
		sponsorships: make(map[uuid.UUID][]model.Sponsorship),
		listings:     make(map[uint32]model.Listing),
		payouts:      make(map[uuid.UUID]model.Payout),
		apiKeys:      make(map[uuid.UUID]model.APIKey),
	}
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) CreateBot(ctx context.Context, bot model.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[bot.TokenIndex]; ok {
		return fmt.Errorf("storage: create bot %d: duplicate", bot.TokenIndex)
	}
	m.bots[bot.TokenIndex] = bot
	return nil
}

func (m *Memory) GetBot(ctx context.Context, tokenIndex uint32) (model.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bots[tokenIndex]
	if !ok {
		return model.Bot{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) ListBotsByOwner(ctx context.Context, owner string) ([]model.Bot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var bots []model.Bot
	for _, b := range m.bots {
		if b.Owner == owner {
			bots = append(bots, b)
		}
	}
	sort.Slice(bots, func(i, j int) bool { return bots[i].TokenIndex < bots[j].TokenIndex })
	return bots, nil
}

func (m *Memory) UpdateBot(ctx context.Context, bot model.Bot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bots[bot.TokenIndex]; !ok {
		return ErrNotFound
	}
	m.bots[bot.TokenIndex] = bot
	return nil
}

func (m *Memory) CreateUpgrade(ctx context.Context, up model.Upgrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.upgrades[up.TokenIndex]; ok {
		return fmt.Errorf("storage: create upgrade for bot %d: duplicate", up.TokenIndex)
	}
	m.upgrades[up.TokenIndex] = up
	return nil
}

func (m *Memory) GetUpgrade(ctx context.Context, tokenIndex uint32) (model.Upgrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.upgrades[tokenIndex]
	if !ok {
		return model.Upgrade{}, ErrNotFound
	}
	return up, nil
}

func (m *Memory) DeleteUpgrade(ctx context.Context, tokenIndex uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.upgrades[tokenIndex]; !ok {
		return ErrNotFound
	}
	delete(m.upgrades, tokenIndex)
	return nil
}

func (m *Memory) GetParts(ctx context.Context, owner string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.parts[owner], nil
}

func (m *Memory) AddParts(ctx context.Context, owner string, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.parts[owner]+delta < 0 {
		return fmt.Errorf("storage: add %d parts for %s: negative balance", delta, owner)
	}
	m.parts[owner] += delta
	return nil
}

func (m *Memory) ScheduleTimer(ctx context.Context, t model.Timer) (model.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	m.timers[t.ID] = t
	return t, nil
}

func (m *Memory) DueTimers(ctx context.Context, now time.Time, limit int) ([]model.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 500
	}
	var due []model.Timer
	for _, t := range m.timers {
		if !t.DueAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].DueAt.Before(due[j].DueAt)
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) ClaimTimer(ctx context.Context, id uuid.UUID) (model.Timer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.timers[id]
	if !ok {
		return model.Timer{}, ErrNotFound
	}
	delete(m.timers, id)
	return t, nil
}

func (m *Memory) DeleteTimers(ctx context.Context, kind model.TimerKind, tokenIndex *uint32, raceID *uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, t := range m.timers {
		if t.Kind != kind {
			continue
		}
		switch {
		case tokenIndex != nil:
			if t.TokenIndex == nil || *t.TokenIndex != *tokenIndex {
				continue
			}
		case raceID != nil:
			if t.RaceID == nil || *t.RaceID != *raceID {
				continue
			}
		default:
			return 0, fmt.Errorf("storage: delete timers: no target")
		}
		delete(m.timers, id)
		removed++
	}
	return removed, nil
}

func (m *Memory) TimerDiagnostics(ctx context.Context, now time.Time) (model.TimerDiagnostics, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	diag := model.TimerDiagnostics{ByKind: make(map[model.TimerKind]int)}
	for _, t := range m.timers {
		diag.Pending++
		diag.ByKind[t.Kind]++
		if !t.DueAt.After(now) {
			diag.Overdue++
			if diag.OldestDueAt == nil || t.DueAt.Before(*diag.OldestDueAt) {
				due := t.DueAt
				diag.OldestDueAt = &due
			}
		}
		if diag.NextDueAt == nil || t.DueAt.Before(*diag.NextDueAt) {
			due := t.DueAt
			diag.NextDueAt = &due
		}
	}
	return diag, nil
}

func (m *Memory) CreateRace(ctx context.Context, r model.Race) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.races[r.ID]; ok {
		return fmt.Errorf("storage: create race %s: duplicate", r.ID)
	}
	m.races[r.ID] = r
	return nil
}

func (m *Memory) GetRace(ctx context.Context, id uuid.UUID) (model.Race, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.races[id]
	if !ok {
		return model.Race{}, ErrNotFound
	}
	return r, nil
}

func (m *Memory) ListRaces(ctx context.Context, f model.RaceFilter) ([]model.Race, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var races []model.Race
	for _, r := range m.races {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Class != "" && r.Class != f.Class {
			continue
		}
		if f.Terrain != "" && r.Terrain != f.Terrain {
			continue
		}
		if f.MinDistance > 0 && r.Distance < f.MinDistance {
			continue
		}
		if f.MaxDistance > 0 && r.Distance > f.MaxDistance {
			continue
		}
		races = append(races, r)
	}
	sort.Slice(races, func(i, j int) bool { return races[i].StartAt.Before(races[j].StartAt) })
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(races) > limit {
		races = races[:limit]
	}
	return races, nil
}

func (m *Memory) UpdateRace(ctx context.Context, r model.Race) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.races[r.ID]; !ok {
		return ErrNotFound
	}
	m.races[r.ID] = r
	return nil
}

func (m *Memory) CountRacesInWindow(ctx context.Context, cadence model.RaceCadence, class model.BotClass, from, to time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, r := range m.races {
		if r.Cadence == cadence && r.Class == class &&
			!r.StartAt.Before(from) && r.StartAt.Before(to) {
			count++
		}
	}
	return count, nil
}

func (m *Memory) AddEntry(ctx context.Context, e model.RaceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.entries[e.RaceID] {
		if existing.TokenIndex == e.TokenIndex {
			return fmt.Errorf("storage: add entry bot %d race %s: duplicate", e.TokenIndex, e.RaceID)
		}
	}
	m.entries[e.RaceID] = append(m.entries[e.RaceID], e)
	return nil
}

func (m *Memory) ListEntries(ctx context.Context, raceID uuid.UUID) ([]model.RaceEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]model.RaceEntry, len(m.entries[raceID]))
	copy(entries, m.entries[raceID])
	return entries, nil
}

func (m *Memory) UpdateEntry(ctx context.Context, e model.RaceEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.entries[e.RaceID] {
		if existing.TokenIndex == e.TokenIndex {
			m.entries[e.RaceID][i] = e
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) AddSponsorship(ctx context.Context, s model.Sponsorship) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.sponsorships[s.RaceID] = append(m.sponsorships[s.RaceID], s)
	return nil
}

func (m *Memory) ListSponsorships(ctx context.Context, raceID uuid.UUID) ([]model.Sponsorship, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sponsors := make([]model.Sponsorship, len(m.sponsorships[raceID]))
	copy(sponsors, m.sponsorships[raceID])
	return sponsors, nil
}

func (m *Memory) CreateListing(ctx context.Context, l model.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[l.TokenIndex]; ok {
		return fmt.Errorf("storage: create listing for bot %d: duplicate", l.TokenIndex)
	}
	m.listings[l.TokenIndex] = l
	return nil
}

func (m *Memory) GetListing(ctx context.Context, tokenIndex uint32) (model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.listings[tokenIndex]
	if !ok {
		return model.Listing{}, ErrNotFound
	}
	return l, nil
}

func (m *Memory) DeleteListing(ctx context.Context, tokenIndex uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.listings[tokenIndex]; !ok {
		return ErrNotFound
	}
	delete(m.listings, tokenIndex)
	return nil
}

func (m *Memory) BrowseListings(ctx context.Context, f model.ListingFilter) ([]model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var listings []model.Listing
	for _, l := range m.listings {
		if f.MaxPriceE8s > 0 && l.PriceE8s > f.MaxPriceE8s {
			continue
		}
		if f.Class != "" || f.Faction != "" {
			b, ok := m.bots[l.TokenIndex]
			if !ok {
				continue
			}
			if f.Class != "" && b.Class != f.Class {
				continue
			}
			if f.Faction != "" && b.Faction != f.Faction {
				continue
			}
		}
		listings = append(listings, l)
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].PriceE8s < listings[j].PriceE8s })
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(listings) > limit {
		listings = listings[:limit]
	}
	return listings, nil
}

func (m *Memory) CreatePayout(ctx context.Context, p model.Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	m.payouts[p.ID] = p
	return nil
}

func (m *Memory) ListPayoutsByStatus(ctx context.Context, status model.PayoutStatus, limit int) ([]model.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if limit <= 0 {
		limit = 200
	}
	var payouts []model.Payout
	for _, p := range m.payouts {
		if p.Status == status {
			payouts = append(payouts, p)
		}
	}
	sort.Slice(payouts, func(i, j int) bool { return payouts[i].CreatedAt.Before(payouts[j].CreatedAt) })
	if len(payouts) > limit {
		payouts = payouts[:limit]
	}
	return payouts, nil
}

func (m *Memory) UpdatePayout(ctx context.Context, p model.Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payouts[p.ID]; !ok {
		return ErrNotFound
	}
	m.payouts[p.ID] = p
	return nil
}

func (m *Memory) CreateAPIKey(ctx context.Context, key model.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	m.apiKeys[key.ID] = key
	return nil
}

func (m *Memory) GetActiveAPIKeysByPrefix(ctx context.Context, prefix string) ([]model.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []model.APIKey
	for _, k := range m.apiKeys {
		if k.Prefix == prefix && k.RevokedAt == nil {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.Before(keys[j].CreatedAt) })
	return keys, nil
}

func (m *Memory) ListAPIKeys(ctx context.Context, principal string) ([]model.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []model.APIKey
	for _, k := range m.apiKeys {
		if principal != "" && k.Principal != principal {
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (m *Memory) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok || k.RevokedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.RevokedAt = &now
	m.apiKeys[id] = k
	return nil
}

func (m *Memory) TouchAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.apiKeys[id]
	if !ok {
		return nil
	}
	now := time.Now().UTC()
	k.LastUsedAt = &now
	m.apiKeys[id] = k
	return nil
}
