package racing

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wastelane/paddock/internal/model"
)

func simBot(token uint32, stats model.Stats) model.Bot {
	return model.Bot{
		TokenIndex:  token,
		Class:       model.ClassElite,
		BaseStats:   stats,
		Condition:   model.GaugeMax,
		Battery:     model.GaugeMax,
		Calibration: model.GaugeMax,
	}
}

func TestSimulateDeterministic(t *testing.T) {
	race := model.Race{ID: uuid.New(), Terrain: model.TerrainScrapHeaps, Distance: 1200}
	bots := []model.Bot{
		simBot(3, model.Stats{Speed: 50, Acceleration: 50, Stability: 50, PowerCore: 50}),
		simBot(1, model.Stats{Speed: 60, Acceleration: 45, Stability: 55, PowerCore: 40}),
		simBot(2, model.Stats{Speed: 40, Acceleration: 60, Stability: 45, PowerCore: 55}),
	}

	first := simulate(race, bots)
	// Entry order must not affect the outcome.
	shuffled := []model.Bot{bots[2], bots[0], bots[1]}
	second := simulate(race, shuffled)
	assert.Equal(t, first, second)
}

func TestSimulateDistinctTimesAndPositions(t *testing.T) {
	race := model.Race{ID: uuid.New(), Terrain: model.TerrainMetalRoads, Distance: 2400}
	var bots []model.Bot
	for i := uint32(1); i <= 8; i++ {
		// Identical bots: only the seeded jitter separates them.
		bots = append(bots, simBot(i, model.Stats{Speed: 50, Acceleration: 50, Stability: 50, PowerCore: 50}))
	}

	results := simulate(race, bots)
	require.Len(t, results, 8)
	for i, r := range results {
		assert.Equal(t, i+1, r.Position)
		if i > 0 {
			assert.Greater(t, r.FinishTime, results[i-1].FinishTime)
		}
	}
}

func TestSimulateTerrainDominance(t *testing.T) {
	race := model.Race{ID: uuid.New(), Terrain: model.TerrainScrapHeaps, Distance: 1200}
	flat := simBot(1, model.Stats{Speed: 50, Acceleration: 50, Stability: 50, PowerCore: 50})
	// A big edge in the dominant stat beats the jitter band.
	stable := simBot(2, model.Stats{Speed: 50, Acceleration: 50, Stability: 90, PowerCore: 50})

	results := simulate(race, []model.Bot{flat, stable})
	require.Len(t, results, 2)
	assert.Equal(t, uint32(2), results[0].TokenIndex)
}

func TestSimulateWornBotRunsSlower(t *testing.T) {
	race := model.Race{ID: uuid.New(), Terrain: model.TerrainWastelandSand, Distance: 1200}
	fresh := simBot(1, model.Stats{Speed: 50, Acceleration: 50, Stability: 50, PowerCore: 50})
	worn := simBot(2, model.Stats{Speed: 50, Acceleration: 50, Stability: 50, PowerCore: 50})
	worn.Condition = 40
	worn.Calibration = 40

	results := simulate(race, []model.Bot{fresh, worn})
	require.Len(t, results, 2)
	assert.Equal(t, uint32(1), results[0].TokenIndex)
}

func TestUpgradesImprovePace(t *testing.T) {
	base := simBot(1, model.Stats{Speed: 50, Acceleration: 50, Stability: 50, PowerCore: 50})
	upgraded := base
	upgraded.UpgradeTiers = model.Stats{Stability: 2}

	assert.Greater(t,
		paceFor(&upgraded, model.TerrainScrapHeaps),
		paceFor(&base, model.TerrainScrapHeaps))
}
