package model

import "time"

// LockState is the single mutual-exclusion primitive on a bot. A bot holds at
// most one lock at a time; every mutating operation checks it first.
type LockState string

const (
	LockFree      LockState = "free"
	LockInUpgrade LockState = "in_upgrade"
	LockInEvent   LockState = "in_event"
	LockListed    LockState = "listed"
)

// StatKind identifies one of the four independent performance stats.
type StatKind string

const (
	StatSpeed        StatKind = "speed"
	StatAcceleration StatKind = "acceleration"
	StatStability    StatKind = "stability"
	StatPowerCore    StatKind = "power_core"
)

// StatKinds lists every stat in canonical order.
var StatKinds = []StatKind{StatSpeed, StatAcceleration, StatStability, StatPowerCore}

// ValidStatKind reports whether s names a known stat.
func ValidStatKind(s StatKind) bool {
	switch s {
	case StatSpeed, StatAcceleration, StatStability, StatPowerCore:
		return true
	}
	return false
}

// Stats holds one value per stat kind.
type Stats struct {
	Speed        int `json:"speed"`
	Acceleration int `json:"acceleration"`
	Stability    int `json:"stability"`
	PowerCore    int `json:"power_core"`
}

// Get returns the value for kind. Unknown kinds return 0.
func (s Stats) Get(kind StatKind) int {
	switch kind {
	case StatSpeed:
		return s.Speed
	case StatAcceleration:
		return s.Acceleration
	case StatStability:
		return s.Stability
	case StatPowerCore:
		return s.PowerCore
	}
	return 0
}

// Add returns s with the value for kind incremented by delta.
func (s Stats) Add(kind StatKind, delta int) Stats {
	switch kind {
	case StatSpeed:
		s.Speed += delta
	case StatAcceleration:
		s.Acceleration += delta
	case StatStability:
		s.Stability += delta
	case StatPowerCore:
		s.PowerCore += delta
	}
	return s
}

// Faction is fixed at creation and drives the decay multiplier and stat flavor.
type Faction string

const (
	FactionUltimateMaster Faction = "Ultimate-Master"
	FactionWild           Faction = "Wild"
	FactionGolden         Faction = "Golden"
	FactionUltimate       Faction = "Ultimate"
	FactionBlackhole      Faction = "Blackhole"
	FactionDead           Faction = "Dead"
	FactionMaster         Faction = "Master"
	FactionBee            Faction = "Bee"
	FactionFood           Faction = "Food"
	FactionBox            Faction = "Box"
	FactionMurder         Faction = "Murder"
	FactionGame           Faction = "Game"
	FactionAnimal         Faction = "Animal"
	FactionIndustrial     Faction = "Industrial"
)

// Factions lists every faction in canonical order.
var Factions = []Faction{
	FactionUltimateMaster, FactionWild, FactionGolden, FactionUltimate,
	FactionBlackhole, FactionDead, FactionMaster, FactionBee,
	FactionFood, FactionBox, FactionMurder, FactionGame,
	FactionAnimal, FactionIndustrial,
}

// decayMultipliers scales the base hourly decay rate per faction. Hardier
// factions wear slower.
var decayMultipliers = map[Faction]float64{
	FactionUltimateMaster: 0.5,
	FactionWild:           0.9,
	FactionGolden:         0.7,
	FactionUltimate:       0.6,
	FactionBlackhole:      0.8,
	FactionDead:           1.0,
	FactionMaster:         0.6,
	FactionBee:            0.9,
	FactionFood:           1.0,
	FactionBox:            0.95,
	FactionMurder:         0.85,
	FactionGame:           0.9,
	FactionAnimal:         0.95,
	FactionIndustrial:     0.7,
}

// DecayMultiplier returns the faction's wear multiplier, defaulting to 1.
func (f Faction) DecayMultiplier() float64 {
	if m, ok := decayMultipliers[f]; ok {
		return m
	}
	return 1.0
}

// BotClass is the competitive bracket a bot races in. Each class has a fixed
// entry-fee multiplier over a race's base fee.
type BotClass string

const (
	ClassScavenger  BotClass = "Scavenger"
	ClassRaider     BotClass = "Raider"
	ClassElite      BotClass = "Elite"
	ClassSilentKlan BotClass = "SilentKlan"
)

// Classes lists every class from lowest to highest tier.
var Classes = []BotClass{ClassScavenger, ClassRaider, ClassElite, ClassSilentKlan}

// FeeMultiplier returns the entry-fee multiplier for the class.
func (c BotClass) FeeMultiplier() uint64 {
	switch c {
	case ClassScavenger:
		return 1
	case ClassRaider:
		return 2
	case ClassElite:
		return 5
	case ClassSilentKlan:
		return 10
	}
	return 1
}

// Terrain is a race surface. Exactly one stat dominates per terrain.
type Terrain string

const (
	TerrainScrapHeaps    Terrain = "ScrapHeaps"
	TerrainWastelandSand Terrain = "WastelandSand"
	TerrainMetalRoads    Terrain = "MetalRoads"
)

// Terrains lists every terrain in canonical order.
var Terrains = []Terrain{TerrainScrapHeaps, TerrainWastelandSand, TerrainMetalRoads}

// DominantStat returns the stat weighted heaviest on this terrain.
func (t Terrain) DominantStat() StatKind {
	switch t {
	case TerrainScrapHeaps:
		return StatStability
	case TerrainWastelandSand:
		return StatPowerCore
	case TerrainMetalRoads:
		return StatAcceleration
	}
	return StatSpeed
}

// Condition, battery and calibration bounds.
const (
	GaugeMax = 100.0
	GaugeMin = 0.0
)

// Bot is a registered entity in the garage. TokenIndex is the mint identity
// from the external asset registry; a bot exists in the store only after its
// owner's first initialize call.
type Bot struct {
	TokenIndex uint32 `json:"token_index"`
	Owner      string `json:"owner"`

	Faction          Faction  `json:"faction"`
	Class            BotClass `json:"class"`
	PreferredTerrain Terrain  `json:"preferred_terrain"`
	BaseStats        Stats    `json:"base_stats"`

	// UpgradeTiers counts completed upgrades per stat. The effective bonus
	// is derived, not stored.
	UpgradeTiers Stats `json:"upgrade_tiers"`

	Condition   float64 `json:"condition"`
	Battery     float64 `json:"battery"`
	Calibration float64 `json:"calibration"`

	Lock LockState `json:"lock"`

	LastRepairAt   *time.Time `json:"last_repair_at,omitempty"`
	LastRechargeAt *time.Time `json:"last_recharge_at,omitempty"`

	// LastDecayAt is the high-water mark for time-based wear. Decay is
	// always computed from this timestamp, never from tick counts, so a
	// delayed or repeated drain can never double-apply.
	LastDecayAt time.Time `json:"last_decay_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UpgradeBonusPerTier is the flat stat increase granted by each completed
// upgrade tier.
const UpgradeBonusPerTier = 5

// EffectiveStats returns base stats plus accumulated upgrade bonuses.
func (b *Bot) EffectiveStats() Stats {
	s := b.BaseStats
	for _, kind := range StatKinds {
		s = s.Add(kind, b.UpgradeTiers.Get(kind)*UpgradeBonusPerTier)
	}
	return s
}

// Locked reports whether the bot holds any lock.
func (b *Bot) Locked() bool {
	return b.Lock != LockFree
}

// ClampGauge bounds v to [GaugeMin, GaugeMax].
func ClampGauge(v float64) float64 {
	if v < GaugeMin {
		return GaugeMin
	}
	if v > GaugeMax {
		return GaugeMax
	}
	return v
}

// Upgrade is an in-flight stat upgrade. At most one exists per bot, mirrored
// by the bot's InUpgrade lock; completion is a scheduled transition.
type Upgrade struct {
	TokenIndex uint32    `json:"token_index"`
	Stat       StatKind  `json:"stat"`
	StartedAt  time.Time `json:"started_at"`
	FinishAt   time.Time `json:"finish_at"`
	PaidE8s    uint64    `json:"paid_e8s"`
	PaidParts  int       `json:"paid_parts"`
}

// PartsBalance is an owner's fungible spare-parts inventory, credited by
// upgrade refunds and debited by parts-paid upgrades.
type PartsBalance struct {
	Owner     string    `json:"owner"`
	Parts     int       `json:"parts"`
	UpdatedAt time.Time `json:"updated_at"`
}
