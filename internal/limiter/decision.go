package limiter

import "time"

// Decision is the per-request admission result. It is produced fresh for
// every check and never persisted; the state behind it lives in the store.
type Decision struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	Limit     int64     `json:"limit"`
	ResetTime time.Time `json:"reset_time"`

	Session *WindowStatus `json:"session,omitempty"`
	Weekly  *WindowStatus `json:"weekly,omitempty"`

	// PointsDeducted is the provisional bucket reservation, reconciled
	// against actual cost after the stream finishes.
	PointsDeducted int64 `json:"points_deducted,omitempty"`

	// ExtraUsagePointsDeducted is set instead of PointsDeducted when the
	// request was admitted against the prepaid balance. The actual ledger
	// debit happens post-hoc.
	ExtraUsagePointsDeducted int64 `json:"extra_usage_points_deducted,omitempty"`
}

// ExtraUsage is the admission-time snapshot of a user's prepaid overage
// state. The ledger collaborator owns the authoritative record; the limiter
// only consults this copy to decide whether exhausted buckets may be
// bypassed.
type ExtraUsage struct {
	Enabled            bool
	BalancePoints      int64
	AutoReloadEnabled  bool
	MonthlyCapPoints   int64
	MonthlySpentPoints int64
}

// Usable reports whether the balance path can admit a request: the feature is
// on, there are points to draw (or auto-reload will top up), and the monthly
// cap is not exhausted.
func (e *ExtraUsage) Usable() bool {
	if e == nil || !e.Enabled {
		return false
	}
	if e.BalancePoints <= 0 && !e.AutoReloadEnabled {
		return false
	}
	if e.MonthlyCapPoints > 0 && e.MonthlySpentPoints >= e.MonthlyCapPoints {
		return false
	}
	return true
}
