// Package plan holds the static limits of each subscription tier.
package plan

import "cronrelay/internal/domain"

// Unlimited marks a limit with no upper bound.
const Unlimited int64 = -1

const (
	MaxAPIKeys       = 10
	MaxDailyKeyChurn = 20
)

type Limits struct {
	Tier                 domain.Tier
	MaxJobs              int64
	MaxMonthlyExecutions int64
	MinIntervalMinutes   int
	MaxDailyAPICalls     int64
	LogRetentionDays     int

	// Executions per month covered by the base price. Executions beyond it
	// are billed at OverageMicros each. Zero OverageMicros means no billing.
	IncludedExecutions int64
	OverageMicros      int64
}

var catalog = map[domain.Tier]Limits{
	domain.TierFree: {
		Tier:                 domain.TierFree,
		MaxJobs:              3,
		MaxMonthlyExecutions: 300,
		MinIntervalMinutes:   60,
		MaxDailyAPICalls:     100,
		LogRetentionDays:     1,
	},
	domain.TierHobby: {
		Tier:                 domain.TierHobby,
		MaxJobs:              10,
		MaxMonthlyExecutions: 3000,
		MinIntervalMinutes:   15,
		MaxDailyAPICalls:     1000,
		LogRetentionDays:     7,
	},
	domain.TierPro: {
		Tier:                 domain.TierPro,
		MaxJobs:              100,
		MaxMonthlyExecutions: Unlimited,
		MinIntervalMinutes:   5,
		MaxDailyAPICalls:     10000,
		LogRetentionDays:     30,
		IncludedExecutions:   1000,
		OverageMicros:        5000,
	},
}

// For returns the limits of t. Unknown tiers get the FREE limits.
func For(t domain.Tier) Limits {
	if l, ok := catalog[t]; ok {
		return l
	}
	return catalog[domain.TierFree]
}

// All returns every tier's limits, cheapest first.
func All() []Limits {
	return []Limits{catalog[domain.TierFree], catalog[domain.TierHobby], catalog[domain.TierPro]}
}

func (l Limits) ExecutionsUnbounded() bool { return l.MaxMonthlyExecutions == Unlimited }

// MaxDailyJobChurn bounds create+delete events per day so a full quota cannot
// be cycled indefinitely.
func (l Limits) MaxDailyJobChurn() int64 { return 2 * l.MaxJobs }

func IsDowngrade(from, to domain.Tier) bool { return to.Rank() < from.Rank() }
