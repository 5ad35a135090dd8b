// Package points defines the integer cost unit shared by the limiter, the
// usage protocol, and the extra-usage ledger: 10,000 points == $1.00 at base
// rate. All budget arithmetic stays on integers; floats appear only at the
// display boundary when converting to dollars.
package points

import "math"

const (
	// PerDollar is the base conversion rate.
	PerDollar = 10_000

	// DefaultExtraUsageMultiplier is the markup applied to extra-usage
	// points when billed in dollars.
	DefaultExtraUsageMultiplier = 1.1
)

// Points is an integer cost amount.
type Points = int64

// ToDollars converts points to a dollar amount billed at the extra-usage
// multiplier, rounded up to the nearest cent. ToDollars(10000, 1.1) == 1.11
// and ToDollars(1, 1.1) == 0.01.
func ToDollars(p Points, multiplier float64) float64 {
	if p <= 0 {
		return 0
	}
	return math.Ceil(float64(p)/PerDollar*multiplier*100) / 100
}

// FromDollars converts a dollar amount to points at base rate.
func FromDollars(dollars float64) Points {
	if dollars <= 0 {
		return 0
	}
	return Points(math.Round(dollars * PerDollar))
}

// Per-token costs at base rate. Input and output tokens price differently,
// matching the upstream provider's asymmetric pricing.
const (
	inputTokensPerPoint  = 100
	outputTokensPerPoint = 20
)

// Estimate predicts the cost of a request from its estimated input tokens.
// The admission-time reservation uses this; reconciliation settles against
// Actual once the stream finishes.
func Estimate(inputTokens int64) Points {
	if inputTokens <= 0 {
		return 0
	}
	p := ceilDiv(inputTokens, inputTokensPerPoint)
	if p < 1 {
		p = 1
	}
	return p
}

// ActualUsage carries the post-stream accounting inputs.
type ActualUsage struct {
	InputTokens  int64
	OutputTokens int64

	// ProviderCostDollars, when reported by the provider, overrides token
	// math entirely.
	ProviderCostDollars *float64
}

// Actual computes the settled cost of a finished request.
func Actual(u ActualUsage) Points {
	if u.ProviderCostDollars != nil {
		return FromDollars(*u.ProviderCostDollars)
	}
	p := ceilDiv(u.InputTokens, inputTokensPerPoint) + ceilDiv(u.OutputTokens, outputTokensPerPoint)
	if p < 0 {
		p = 0
	}
	return p
}

func ceilDiv(n, d int64) int64 {
	if n <= 0 {
		return 0
	}
	return (n + d - 1) / d
}
