package racing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wastelane/paddock/internal/ledger"
	"github.com/wastelane/paddock/internal/model"
)

// cadenceSpec fixes the shape of races created on one recurring tier. Base
// fees are multiplied by the class fee multiplier; the platform bonus is paid
// into the prize pool for the two lower classes only.
type cadenceSpec struct {
	label      string
	baseFeeE8s uint64
	bonusE8s   uint64
	distanceM  int
}

var cadenceSpecs = map[model.RaceCadence]cadenceSpec{
	model.CadenceDaily: {
		label:      "Sprint",
		baseFeeE8s: ledger.E8sPerToken / 2,
		bonusE8s:   ledger.E8sPerToken / 2,
		distanceM:  1200,
	},
	model.CadenceWeekly: {
		label:      "League",
		baseFeeE8s: 2 * ledger.E8sPerToken,
		bonusE8s:   2 * ledger.E8sPerToken,
		distanceM:  2400,
	},
	model.CadenceMonthly: {
		label:      "Championship",
		baseFeeE8s: 5 * ledger.E8sPerToken,
		bonusE8s:   5 * ledger.E8sPerToken,
		distanceM:  4800,
	},
}

// entryDeadlineLead is how long before the start entries close.
const entryDeadlineLead = 5 * time.Minute

// TopUpCalendar creates any race the recurring schedule calls for within
// [now, now+horizon) that does not exist yet, one per cadence slot per class.
// It is idempotent: the per-slot existence check makes repeated runs and
// catch-up after downtime create nothing twice. Returns the races created.
func (s *Service) TopUpCalendar(ctx context.Context, horizon time.Duration) ([]model.Race, error) {
	now := s.now()
	var created []model.Race

	for _, cadence := range []model.RaceCadence{model.CadenceDaily, model.CadenceWeekly, model.CadenceMonthly} {
		for _, slot := range cadenceSlots(cadence, now, now.Add(horizon)) {
			for _, class := range model.Classes {
				n, err := s.store.CountRacesInWindow(ctx, cadence, class, slot.from, slot.to)
				if err != nil {
					return created, err
				}
				if n > 0 {
					continue
				}
				race, err := s.createRace(ctx, cadence, class, slot.start)
				if err != nil {
					return created, err
				}
				created = append(created, race)
			}
		}
	}

	if len(created) > 0 {
		s.logger.Info("calendar topped up", "created", len(created), "horizon", horizon)
	}
	return created, nil
}

// slot is one cadence occurrence: the window it owns and the start time of
// the race inside it.
type slot struct {
	from, to time.Time
	start    time.Time
}

// cadenceSlots enumerates the cadence's occurrences whose start time falls in
// [from, to). Daily races start at 18:00 UTC, weekly races Saturday 15:00,
// monthly races on the 1st at 12:00.
func cadenceSlots(cadence model.RaceCadence, from, to time.Time) []slot {
	var slots []slot
	cursor := from.UTC()

	for {
		var sl slot
		switch cadence {
		case model.CadenceDaily:
			day := time.Date(cursor.Year(), cursor.Month(), cursor.Day(), 0, 0, 0, 0, time.UTC)
			sl = slot{from: day, to: day.AddDate(0, 0, 1), start: day.Add(18 * time.Hour)}
			cursor = sl.to
		case model.CadenceWeekly:
			day := time.Date(cursor.Year(), cursor.Month(), cursor.Day(), 0, 0, 0, 0, time.UTC)
			week := day.AddDate(0, 0, -int(day.Weekday()))
			sl = slot{from: week, to: week.AddDate(0, 0, 7), start: week.AddDate(0, 0, 6).Add(15 * time.Hour)}
			cursor = sl.to
		case model.CadenceMonthly:
			month := time.Date(cursor.Year(), cursor.Month(), 1, 0, 0, 0, 0, time.UTC)
			sl = slot{from: month, to: month.AddDate(0, 1, 0), start: month.Add(12 * time.Hour)}
			cursor = sl.to
		default:
			return slots
		}
		if sl.start.Before(to) {
			if !sl.start.Before(from) {
				slots = append(slots, sl)
			}
			continue
		}
		return slots
	}
}

// createRace persists one scheduled race, funds its platform bonus and
// enqueues the start timer.
func (s *Service) createRace(ctx context.Context, cadence model.RaceCadence, class model.BotClass, startAt time.Time) (model.Race, error) {
	spec := cadenceSpecs[cadence]
	now := s.now()

	race := model.Race{
		ID:            uuid.New(),
		Name:          fmt.Sprintf("%s %s %s", titleCadence(cadence), class, spec.label),
		Class:         class,
		Terrain:       terrainForSlot(cadence, startAt),
		Cadence:       cadence,
		Distance:      spec.distanceM,
		EntryFee:      spec.baseFeeE8s * class.FeeMultiplier(),
		MaxEntrants:   MaxEntrants,
		StartAt:       startAt,
		EntryDeadline: startAt.Add(-entryDeadlineLead),
		Status:        model.RaceUpcoming,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if bonus := platformBonus(cadence, class); bonus > 0 {
		if err := s.ledger.Transfer(ctx, ledger.Account{Owner: s.platform}, s.escrow(race.ID), bonus); err != nil {
			// The race still runs on entry fees alone.
			s.logger.Warn("platform bonus transfer failed",
				"race_id", race.ID, "bonus_e8s", bonus, "error", err)
		} else {
			race.PrizePool = bonus
		}
	}

	if err := s.store.CreateRace(ctx, race); err != nil {
		return model.Race{}, err
	}
	if _, err := s.sched.ScheduleRace(ctx, model.TimerRaceStart, race.ID, race.StartAt); err != nil {
		return model.Race{}, fmt.Errorf("racing: schedule race start: %w", err)
	}

	s.logger.Info("race created",
		"race_id", race.ID, "name", race.Name, "terrain", race.Terrain,
		"entry_fee_e8s", race.EntryFee, "start_at", race.StartAt)
	return race, nil
}

// platformBonus is the platform-funded prize contribution. Elite and
// SilentKlan pools are self-funded.
func platformBonus(cadence model.RaceCadence, class model.BotClass) uint64 {
	if class != model.ClassScavenger && class != model.ClassRaider {
		return 0
	}
	return cadenceSpecs[cadence].bonusE8s
}

// terrainForSlot rotates the terrain deterministically so consecutive
// occurrences of the same cadence do not always favor one stat.
func terrainForSlot(cadence model.RaceCadence, startAt time.Time) model.Terrain {
	var n int
	switch cadence {
	case model.CadenceDaily:
		n = startAt.YearDay()
	case model.CadenceWeekly:
		_, n = startAt.ISOWeek()
	default:
		n = int(startAt.Month())
	}
	return model.Terrains[n%len(model.Terrains)]
}

func titleCadence(cadence model.RaceCadence) string {
	switch cadence {
	case model.CadenceDaily:
		return "Daily"
	case model.CadenceWeekly:
		return "Weekly"
	case model.CadenceMonthly:
		return "Monthly"
	}
	return string(cadence)
}
