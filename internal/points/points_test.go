package points

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToDollars(t *testing.T) {
	tests := []struct {
		name   string
		points Points
		want   float64
	}{
		{"one dollar of points", 10_000, 1.11},
		{"single point rounds up to a cent", 1, 0.01},
		{"zero", 0, 0},
		{"negative is clamped", -5, 0},
		{"half dollar", 5_000, 0.56},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToDollars(tt.points, DefaultExtraUsageMultiplier))
		})
	}
}

func TestToDollars_NoMarkup(t *testing.T) {
	assert.Equal(t, 1.0, ToDollars(10_000, 1.0))
}

func TestFromDollars(t *testing.T) {
	assert.Equal(t, Points(10_000), FromDollars(1.0))
	assert.Equal(t, Points(5_000), FromDollars(0.5))
	assert.Equal(t, Points(0), FromDollars(0))
	assert.Equal(t, Points(0), FromDollars(-1))
}

func TestEstimate(t *testing.T) {
	assert.Equal(t, Points(0), Estimate(0))
	assert.Equal(t, Points(1), Estimate(1), "tiny requests cost at least one point")
	assert.Equal(t, Points(1), Estimate(100))
	assert.Equal(t, Points(2), Estimate(101))
	assert.Equal(t, Points(100), Estimate(10_000))
}

func TestActual_TokenMath(t *testing.T) {
	got := Actual(ActualUsage{InputTokens: 1000, OutputTokens: 200})
	// 1000/100 input + 200/20 output
	assert.Equal(t, Points(20), got)
}

func TestActual_ProviderCostWins(t *testing.T) {
	cost := 0.25
	got := Actual(ActualUsage{InputTokens: 1_000_000, ProviderCostDollars: &cost})
	assert.Equal(t, Points(2_500), got)
}

func TestActual_Empty(t *testing.T) {
	assert.Equal(t, Points(0), Actual(ActualUsage{}))
}

func TestTierAndMode(t *testing.T) {
	assert.True(t, ValidTier(TierProPlus))
	assert.False(t, ValidTier(Tier("enterprise")))
	assert.True(t, ValidMode(ModeAgentLong))
	assert.False(t, ValidMode(Mode("chat")))
	assert.True(t, TierPro.Paid())
	assert.False(t, TierFree.Paid())
	assert.False(t, Tier("bogus").Paid())
}
