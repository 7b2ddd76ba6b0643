package progress

import "math"

// Level arithmetic derived from the ledger XP balance. Every consumer (relay,
// leaderboard, credential metadata) goes through these functions; level is a
// cache of xp, never stored independently.

const xpPerLevelSquare = 100

// LevelFor returns floor(sqrt(xp/100)). Negative balances clamp to level 0.
func LevelFor(xp int64) int {
	if xp <= 0 {
		return 0
	}
	return int(math.Sqrt(float64(xp) / xpPerLevelSquare))
}

// XPForLevel returns the exact XP threshold at which a level is first reached.
func XPForLevel(level int) int64 {
	if level <= 0 {
		return 0
	}
	return int64(level) * int64(level) * xpPerLevelSquare
}

// XPForNextLevel returns the threshold of the level following the one the
// given balance sits in.
func XPForNextLevel(xp int64) int64 {
	return XPForLevel(LevelFor(xp) + 1)
}

// ProgressFraction reports how far into the current level a balance is, in
// [0, 1). A balance exactly at a level threshold reports 0.
func ProgressFraction(xp int64) float64 {
	if xp <= 0 {
		return 0
	}
	floor := XPForLevel(LevelFor(xp))
	ceiling := XPForNextLevel(xp)
	return float64(xp-floor) / float64(ceiling-floor)
}
