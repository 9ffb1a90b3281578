package vardiff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBalancedASICConfig(t *testing.T) {
	config := BalancedASICConfig()

	t.Run("has correct target share time", func(t *testing.T) {
		assert.Equal(t, 10*time.Second, config.TargetShareTime)
	})

	t.Run("has appropriate initial difficulty", func(t *testing.T) {
		// ~15 TH/s at 10s target shares: 15e12 * 10 / 4.295e9 ≈ 35,000
		assert.Equal(t, 35000.0, config.InitialDifficulty)
	})

	t.Run("has stable retarget interval", func(t *testing.T) {
		assert.Equal(t, 3*time.Minute, config.RetargetInterval)
	})

	t.Run("has balanced variance for stability", func(t *testing.T) {
		assert.Equal(t, 25.0, config.VariancePercent)
	})

	t.Run("has larger share window for smoothing", func(t *testing.T) {
		assert.Equal(t, 30, config.ShareWindow)
	})

	t.Run("validates successfully", func(t *testing.T) {
		assert.NoError(t, config.Validate())
	})
}

func TestCalculateOptimalDifficulty(t *testing.T) {
	tests := []struct {
		name            string
		hashrate        float64
		targetShareTime float64
		expectedDiff    float64
		tolerance       float64
	}{
		{"15 TH/s", 15e12, 10, 34924.6, 100},
		{"70 TH/s", 70e12, 10, 162981.4, 500},
		{"low hashrate GPU (100 MH/s)", 100e6, 10, 0.233, 0.01},
		{"high hashrate ASIC (500 TH/s)", 500e12, 15, 1746237.4, 5000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			diff := CalculateOptimalDifficulty(tt.hashrate, tt.targetShareTime)
			assert.InDelta(t, tt.expectedDiff, diff, tt.tolerance)
		})
	}
}

func TestCalculateExpectedHashrate(t *testing.T) {
	tests := []struct {
		name             string
		difficulty       float64
		shareTime        float64
		expectedHashrate float64
		tolerance        float64
	}{
		{"35000 difficulty with 10s shares", 35000, 10, 15.03e12, 0.1e12},
		{"163000 difficulty with 10s shares", 163000, 10, 70e12, 1e12},
		{"zero share time returns zero", 35000, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hashrate := CalculateExpectedHashrate(tt.difficulty, tt.shareTime)
			assert.InDelta(t, tt.expectedHashrate, hashrate, tt.tolerance)
		})
	}
}

func TestHighHashrateASICConfig(t *testing.T) {
	config := HighHashrateASICConfig()

	assert.NoError(t, config.Validate())
	assert.Equal(t, 100000.0, config.InitialDifficulty)
	assert.Equal(t, 30, config.ShareWindow)
}

func TestLowLatencyConfig(t *testing.T) {
	config := LowLatencyConfig()

	assert.NoError(t, config.Validate())
	assert.Equal(t, 5*time.Second, config.TargetShareTime)
	assert.Equal(t, 40.0, config.VariancePercent)
}

func TestVardiffStability(t *testing.T) {
	config := BalancedASICConfig()
	manager := NewManager(config)

	minerID := "test-miner"
	initialDiff := manager.GetDifficulty(minerID)

	for i := 0; i < 20; i++ {
		shareTime := time.Duration(9+i%3) * time.Second // 9-11 seconds
		manager.RecordShare(minerID, shareTime)
	}

	finalDiff := manager.GetDifficulty(minerID)

	ratio := finalDiff / initialDiff
	assert.True(t, ratio >= 0.5 && ratio <= 1.5,
		"difficulty changed too much: initial=%.0f, final=%.0f, ratio=%.2f",
		initialDiff, finalDiff, ratio)
}
