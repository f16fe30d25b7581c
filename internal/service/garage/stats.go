package garage

import (
	"encoding/binary"
	"hash/fnv"

	"github.com/wastelane/paddock/internal/model"
)

// Derivation of a bot's immutable traits from its mint index. The registry
// only knows ownership; faction, class, preferred terrain and base stats are
// a pure function of the token index so every instance derives the same bot.

func traitHash(tokenIndex uint32, domain string) uint64 {
	h := fnv.New64a()
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], tokenIndex)
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(domain))
	return h.Sum64()
}

// deriveFaction picks the bot's faction.
func deriveFaction(tokenIndex uint32) model.Faction {
	return model.Factions[traitHash(tokenIndex, "faction")%uint64(len(model.Factions))]
}

// deriveClass buckets bots into classes with descending rarity:
// Scavenger 40%, Raider 30%, Elite 20%, SilentKlan 10%.
func deriveClass(tokenIndex uint32) model.BotClass {
	switch r := traitHash(tokenIndex, "class") % 100; {
	case r < 40:
		return model.ClassScavenger
	case r < 70:
		return model.ClassRaider
	case r < 90:
		return model.ClassElite
	default:
		return model.ClassSilentKlan
	}
}

// deriveTerrain picks the surface the bot is tuned for.
func deriveTerrain(tokenIndex uint32) model.Terrain {
	return model.Terrains[traitHash(tokenIndex, "terrain")%uint64(len(model.Terrains))]
}

// classStatFloor gives higher classes better base stats.
var classStatFloor = map[model.BotClass]int{
	model.ClassScavenger:  40,
	model.ClassRaider:     50,
	model.ClassElite:      60,
	model.ClassSilentKlan: 70,
}

// deriveBaseStats produces the four base stats in [floor, floor+25), with a
// small bonus to the stat dominant on the bot's preferred terrain.
func deriveBaseStats(tokenIndex uint32) model.Stats {
	floor := classStatFloor[deriveClass(tokenIndex)]
	var stats model.Stats
	for _, kind := range model.StatKinds {
		v := floor + int(traitHash(tokenIndex, "stat:"+string(kind))%25)
		stats = stats.Add(kind, v)
	}
	return stats.Add(deriveTerrain(tokenIndex).DominantStat(), 5)
}
