package vardiff

import "time"

// Diff1Target is 2^32, the hash count at difficulty 1, used to convert
// between a pool's share difficulty and the hashrate implied by a
// miner's share submission rate.
const Diff1Target = 4294967296.0

// BalancedASICConfig tunes retargeting for a mid-range ASIC fleet on a
// 10-second target share time: longer retarget interval and wider
// share window than DefaultConfig for maximum stability once a fleet's
// hashrate has settled, at the cost of slower initial convergence.
// Grounded on the teacher's coin-specific tuning preset in
// internal/stratum/vardiff (previously hardcoded for one ASIC/coin
// pairing); generalized here into a named, reusable preset an operator
// selects per pool rather than a single baked-in default.
func BalancedASICConfig() Config {
	return Config{
		TargetShareTime:    10 * time.Second,
		RetargetInterval:   3 * time.Minute,
		VariancePercent:    25,
		MinDifficulty:      0.001,
		MaxDifficulty:      10000000,
		InitialDifficulty:  35000,
		ShareWindow:        30,
		DeadbandPercent:    15.0,
		MaxChangePercent:   0.15,
		SmoothingFactor:    0.4,
		MinChangeThreshold: 0.02,
	}
}

// HighHashrateASICConfig tunes retargeting for miners well above
// DefaultConfig's assumed range (tens of TH/s and up): a longer target
// share time and a much higher minimum difficulty avoid the share
// flood a low-difficulty start would otherwise produce.
func HighHashrateASICConfig() Config {
	return Config{
		TargetShareTime:    15 * time.Second,
		RetargetInterval:   3 * time.Minute,
		VariancePercent:    25,
		MinDifficulty:      10000,
		MaxDifficulty:      100000000,
		InitialDifficulty:  100000,
		ShareWindow:        30,
		DeadbandPercent:    15.0,
		MaxChangePercent:   0.15,
		SmoothingFactor:    0.4,
		MinChangeThreshold: 0.02,
	}
}

// LowLatencyConfig tunes retargeting for a pool that prioritizes quick
// convergence over stability, e.g. a pool with fast-joining/leaving
// miners: a shorter target share time, shorter retarget interval, and
// smaller share window trade some smoothing for responsiveness.
func LowLatencyConfig() Config {
	return Config{
		TargetShareTime:    5 * time.Second,
		RetargetInterval:   1 * time.Minute,
		VariancePercent:    40,
		MinDifficulty:      100,
		MaxDifficulty:      1000000,
		InitialDifficulty:  5000,
		ShareWindow:        10,
		DeadbandPercent:    15.0,
		MaxChangePercent:   0.15,
		SmoothingFactor:    0.4,
		MinChangeThreshold: 0.02,
	}
}

// CalculateOptimalDifficulty returns the share difficulty expected to
// produce shares roughly every targetShareTime seconds at hashrate
// (in H/s): difficulty = hashrate * targetShareTime / 2^32.
func CalculateOptimalDifficulty(hashrate float64, targetShareTime float64) float64 {
	return hashrate * targetShareTime / Diff1Target
}

// CalculateExpectedHashrate is CalculateOptimalDifficulty's inverse:
// the hashrate implied by a miner submitting shares at difficulty
// every shareTime seconds on average.
func CalculateExpectedHashrate(difficulty float64, shareTime float64) float64 {
	if shareTime <= 0 {
		return 0
	}
	return difficulty * Diff1Target / shareTime
}
