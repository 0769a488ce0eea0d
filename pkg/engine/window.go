package engine

import (
	"time"

	"github.com/tessara/accesscore/pkg/types"
)

// dailyWindowMatches evaluates the rule's local daily window against the
// tenant-local wall clock.
//
//   - both bounds unset       → match
//   - one bound unset, d == h → malformed, never matches (metered)
//   - d < h                   → d ≤ t < h
//   - d > h (overnight)       → t ≥ d or t < h
func dailyWindowMatches(r *types.Rule, local time.Time) bool {
	if r.DailyFrom == nil && r.DailyTo == nil {
		return true
	}
	if r.DailyFrom == nil || r.DailyTo == nil || *r.DailyFrom == *r.DailyTo {
		malformedWindowTotal.Inc()
		return false
	}

	d, h := *r.DailyFrom, *r.DailyTo
	t := local.Hour()*60 + local.Minute()
	if d < h {
		return t >= d && t < h
	}
	return t >= d || t < h
}
