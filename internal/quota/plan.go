// Package quota owns user records: API-key resolution, plan parsing, the
// daily/lifetime token counters with UTC-midnight reset and the JSON users
// file persistence.
package quota

import (
	"strconv"
	"strings"
	"time"
)

// PlanUnlimited is the plan string with no daily limit
const PlanUnlimited = "unlimited"

// ParseDailyLimit converts a plan string to a daily token limit.
// "unlimited" returns (0, false) meaning no limit applies; "<number>[k|m|b]"
// returns the expanded integer; anything else parses to 0.
func ParseDailyLimit(plan string) (limit int64, limited bool) {
	plan = strings.TrimSpace(strings.ToLower(plan))
	if plan == PlanUnlimited {
		return 0, false
	}
	if plan == "" {
		return 0, true
	}

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(plan, "k"):
		multiplier = 1_000
		plan = strings.TrimSuffix(plan, "k")
	case strings.HasSuffix(plan, "m"):
		multiplier = 1_000_000
		plan = strings.TrimSuffix(plan, "m")
	case strings.HasSuffix(plan, "b"):
		multiplier = 1_000_000_000
		plan = strings.TrimSuffix(plan, "b")
	}

	n, err := strconv.ParseInt(plan, 10, 64)
	if err != nil || n < 0 {
		return 0, true
	}
	return n * multiplier, true
}

// IsFreePlan reports whether a plan grants no paid quota
func IsFreePlan(plan string) bool {
	limit, limited := ParseDailyLimit(plan)
	return limited && limit == 0
}

// IsNewDay reports whether the UTC calendar day of ts (unix seconds)
// differs from the current UTC day. Missing or zero timestamps count as a
// new day.
func IsNewDay(ts int64) bool {
	return IsNewDayAt(ts, time.Now())
}

// IsNewDayAt is IsNewDay against an explicit clock, for tests
func IsNewDayAt(ts int64, now time.Time) bool {
	if ts <= 0 {
		return true
	}
	then := time.Unix(ts, 0).UTC()
	nowUTC := now.UTC()
	return then.Year() != nowUTC.Year() || then.YearDay() != nowUTC.YearDay()
}
