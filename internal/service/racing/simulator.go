package racing

import (
	"encoding/binary"
	"hash/fnv"
	"math/rand/v2"
	"sort"

	"github.com/google/uuid"

	"github.com/wastelane/paddock/internal/model"
)

// result is one simulated finisher.
type result struct {
	TokenIndex uint32
	Position   int
	FinishTime float64 // seconds
}

// dominantStatWeight is how much heavier the terrain's dominant stat counts
// relative to the other three.
const dominantStatWeight = 2.0

// jitterRange bounds the seeded random pace factor to ±5%.
const jitterRange = 0.05

// simulate computes a deterministic finishing order for the race's entrants.
// The generator is seeded from the race ID alone and entrants are processed
// in token-index order, so reprocessing the same race always reproduces the
// same result regardless of entry order. Finish times are strictly distinct.
func simulate(race model.Race, bots []model.Bot) []result {
	sorted := make([]model.Bot, len(bots))
	copy(sorted, bots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].TokenIndex < sorted[j].TokenIndex })

	rng := rand.New(rand.NewPCG(raceSeed(race.ID)))

	results := make([]result, 0, len(sorted))
	for _, b := range sorted {
		pace := paceFor(&b, race.Terrain)
		jitter := 1 + (rng.Float64()*2-1)*jitterRange
		results = append(results, result{
			TokenIndex: b.TokenIndex,
			FinishTime: float64(race.Distance) / (pace * jitter),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].FinishTime != results[j].FinishTime {
			return results[i].FinishTime < results[j].FinishTime
		}
		return results[i].TokenIndex < results[j].TokenIndex
	})
	for i := range results {
		// Ties are astronomically unlikely but positions and times must
		// both be strictly ordered.
		if i > 0 && results[i].FinishTime <= results[i-1].FinishTime {
			results[i].FinishTime = results[i-1].FinishTime + 1e-6
		}
		results[i].Position = i + 1
	}
	return results
}

// paceFor scores a bot's speed on a terrain in meters per second. Effective
// stats are terrain-weighted, then scaled by condition and calibration so a
// worn bot runs measurably slower than a fresh one.
func paceFor(b *model.Bot, terrain model.Terrain) float64 {
	stats := b.EffectiveStats()
	dominant := terrain.DominantStat()

	var weighted, totalWeight float64
	for _, kind := range model.StatKinds {
		w := 1.0
		if kind == dominant {
			w = dominantStatWeight
		}
		weighted += w * float64(stats.Get(kind))
		totalWeight += w
	}
	pace := weighted / totalWeight

	if b.PreferredTerrain == terrain {
		pace *= 1.1
	}
	pace *= 0.7 + 0.3*b.Condition/model.GaugeMax
	pace *= 0.8 + 0.2*b.Calibration/model.GaugeMax
	return pace
}

// raceSeed derives the two PCG seed words from the race ID.
func raceSeed(id uuid.UUID) (uint64, uint64) {
	h := fnv.New64a()
	h.Write(id[:])
	hi := h.Sum64()
	return hi, binary.BigEndian.Uint64(id[8:])
}
