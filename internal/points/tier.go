package points

// Tier is a subscription plan.
type Tier string

const (
	TierFree    Tier = "free"
	TierPro     Tier = "pro"
	TierProPlus Tier = "pro_plus"
	TierUltra   Tier = "ultra"
	TierTeam    Tier = "team"
)

// Mode is a request class.
type Mode string

const (
	ModeAsk       Mode = "ask"
	ModeAgent     Mode = "agent"
	ModeAgentLong Mode = "agent_long"
)

// ValidTier reports whether t names a known plan.
func ValidTier(t Tier) bool {
	switch t {
	case TierFree, TierPro, TierProPlus, TierUltra, TierTeam:
		return true
	}
	return false
}

// ValidMode reports whether m names a known request class.
func ValidMode(m Mode) bool {
	switch m {
	case ModeAsk, ModeAgent, ModeAgentLong:
		return true
	}
	return false
}

// Paid reports whether the tier meters usage in points. Free-tier accounting
// is request-count based and never touches the point buckets.
func (t Tier) Paid() bool {
	return t != TierFree && ValidTier(t)
}
