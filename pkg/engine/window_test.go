package engine

import (
	"testing"
	"time"

	"github.com/tessara/accesscore/pkg/types"
)

func minutes(v int) *int { return &v }

func TestDailyWindowMatches(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC)
	}

	tests := []struct {
		name  string
		from  *int
		to    *int
		local time.Time
		want  bool
	}{
		{"no window", nil, nil, at(3, 0), true},
		{"only from set is malformed", minutes(9 * 60), nil, at(10, 0), false},
		{"only to set is malformed", nil, minutes(17 * 60), at(10, 0), false},
		{"equal bounds is malformed", minutes(9 * 60), minutes(9 * 60), at(9, 0), false},

		{"daytime inside", minutes(9 * 60), minutes(17 * 60), at(12, 30), true},
		{"daytime at lower bound", minutes(9 * 60), minutes(17 * 60), at(9, 0), true},
		{"daytime at upper bound excluded", minutes(9 * 60), minutes(17 * 60), at(17, 0), false},
		{"daytime before", minutes(9 * 60), minutes(17 * 60), at(8, 59), false},

		{"overnight late evening", minutes(23 * 60), minutes(7 * 60), at(23, 30), true},
		{"overnight early morning", minutes(23 * 60), minutes(7 * 60), at(6, 59), true},
		{"overnight at lower bound", minutes(23 * 60), minutes(7 * 60), at(23, 0), true},
		{"overnight at upper bound excluded", minutes(23 * 60), minutes(7 * 60), at(7, 0), false},
		{"overnight midday", minutes(23 * 60), minutes(7 * 60), at(12, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &types.Rule{DailyFrom: tt.from, DailyTo: tt.to}
			if got := dailyWindowMatches(r, tt.local); got != tt.want {
				t.Errorf("dailyWindowMatches = %v, want %v", got, tt.want)
			}
		})
	}
}
