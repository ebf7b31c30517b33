package bounds

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	b := Default()
	require.NoError(t, b.Validate())
	assert.Equal(t, 7, b.MaxRecent)
	assert.Equal(t, 10000, b.MaxIndexed)
	assert.Equal(t, 0.9, b.MaxImportance)
	assert.Equal(t, 0.3, b.PromotionThreshold)
	assert.Equal(t, 1000, b.MaxAccessRate)
	assert.Equal(t, 100, b.MaxRecallDepth)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Table)
		errMsg string
	}{
		{"zero recent", func(b *Table) { b.MaxRecent = 0 }, "max_recent"},
		{"zero indexed", func(b *Table) { b.MaxIndexed = 0 }, "max_indexed"},
		{"nan importance", func(b *Table) { b.MaxImportance = math.NaN() }, "max_importance"},
		{"threshold above ceiling", func(b *Table) { b.PromotionThreshold = 1.5 }, "promotion_threshold"},
		{"negative threshold", func(b *Table) { b.PromotionThreshold = -0.1 }, "promotion_threshold"},
		{"zero recall depth", func(b *Table) { b.MaxRecallDepth = 0 }, "max_recall_depth"},
		{"zero rate", func(b *Table) { b.MaxAccessRate = 0 }, "max_access_rate"},
		{"zero window", func(b *Table) { b.RateWindow = 0 }, "rate_window"},
		{"high water above one", func(b *Table) { b.HighWaterRatio = 1.2 }, "high_water_ratio"},
		{"empty violation log", func(b *Table) { b.ViolationLogSize = 0 }, "violation_log_size"},
		{"zero streak", func(b *Table) { b.DefensiveStreak = 0 }, "defensive_streak"},
		{"streak longer than log", func(b *Table) { b.ViolationLogSize = 3; b.DefensiveStreak = 4 }, "cannot exceed"},
		{"zero defensive window", func(b *Table) { b.DefensiveWindow = -time.Second }, "defensive_window"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Default()
			tt.mutate(&b)
			err := b.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestClampImportance(t *testing.T) {
	b := Default()
	inputs := []float64{-5, -0.0001, 0, 0.3, 0.9, 0.95, 42, math.Inf(1), math.Inf(-1), math.NaN()}
	for _, in := range inputs {
		got := b.ClampImportance(in)
		assert.GreaterOrEqual(t, got, 0.0, "input %v", in)
		assert.LessOrEqual(t, got, b.MaxImportance, "input %v", in)
	}
	assert.Equal(t, 0.3, b.ClampImportance(0.3))
	assert.Equal(t, 0.9, b.ClampImportance(7))
	assert.Equal(t, 0.0, b.ClampImportance(math.NaN()))
}

func TestHighWaterMarkAndRecallLimit(t *testing.T) {
	b := Default()
	assert.Equal(t, 9000, b.HighWaterMark())

	b.MaxIndexed = 1
	b.HighWaterRatio = 0.1
	assert.Equal(t, 1, b.HighWaterMark())

	b = Default()
	assert.Equal(t, 100, b.RecallLimit(0))
	assert.Equal(t, 100, b.RecallLimit(-3))
	assert.Equal(t, 100, b.RecallLimit(5000))
	assert.Equal(t, 10, b.RecallLimit(10))
}
