// Package quota decides whether an owner may perform a metered action.
//
// The Can* functions are pure: they read a tier and a usage snapshot and never
// touch the ledger. Guard loads those inputs for an owner.
package quota

import (
	"context"
	"fmt"
	"time"

	"cronrelay/internal/domain"
	"cronrelay/internal/metrics"
	"cronrelay/internal/plan"
	"cronrelay/internal/schedule"
	"cronrelay/internal/usage"
)

type Decision struct {
	Kind    domain.QuotaKind `json:"kind"`
	Allowed bool             `json:"allowed"`
	Reason  string           `json:"reason,omitempty"`
	Limit   int64            `json:"limit"`
	Current int64            `json:"current"`
}

// Err returns nil for an allowed decision and a *domain.QuotaError otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.QuotaError{Kind: d.Kind, Limit: d.Limit, Current: d.Current, Message: d.Reason}
}

func allow(kind domain.QuotaKind, limit, current int64) Decision {
	return Decision{Kind: kind, Allowed: true, Limit: limit, Current: current}
}

func deny(kind domain.QuotaKind, limit, current int64, format string, args ...any) Decision {
	return Decision{Kind: kind, Limit: limit, Current: current, Reason: fmt.Sprintf(format, args...)}
}

func CanCreateJob(tier domain.Tier, s usage.Snapshot) Decision {
	l := plan.For(tier)
	if s.Jobs >= l.MaxJobs {
		return deny(domain.QuotaJobs, l.MaxJobs, s.Jobs, "job limit reached (%d/%d)", s.Jobs, l.MaxJobs)
	}
	if churn := l.MaxDailyJobChurn(); s.JobChurnToday >= churn {
		return deny(domain.QuotaJobs, churn, s.JobChurnToday,
			"daily job create/delete limit reached (%d/%d)", s.JobChurnToday, churn)
	}
	return allow(domain.QuotaJobs, l.MaxJobs, s.Jobs)
}

// CanEnableJob checks the enabled-job count before a disabled job is turned
// back on.
func CanEnableJob(tier domain.Tier, s usage.Snapshot) Decision {
	l := plan.For(tier)
	if s.EnabledJobs >= l.MaxJobs {
		return deny(domain.QuotaJobs, l.MaxJobs, s.EnabledJobs, "enabled job limit reached (%d/%d)", s.EnabledJobs, l.MaxJobs)
	}
	return allow(domain.QuotaJobs, l.MaxJobs, s.EnabledJobs)
}

func CanCreateAPIKey(_ domain.Tier, s usage.Snapshot) Decision {
	if s.APIKeys >= plan.MaxAPIKeys {
		return deny(domain.QuotaAPIKeys, plan.MaxAPIKeys, s.APIKeys, "api key limit reached (%d/%d)", s.APIKeys, plan.MaxAPIKeys)
	}
	if s.KeyChurnToday >= plan.MaxDailyKeyChurn {
		return deny(domain.QuotaAPIKeys, plan.MaxDailyKeyChurn, s.KeyChurnToday,
			"daily api key create/delete limit reached (%d/%d)", s.KeyChurnToday, plan.MaxDailyKeyChurn)
	}
	return allow(domain.QuotaAPIKeys, plan.MaxAPIKeys, s.APIKeys)
}

func CanExecute(tier domain.Tier, s usage.Snapshot) Decision {
	l := plan.For(tier)
	if l.ExecutionsUnbounded() {
		return allow(domain.QuotaExecutions, plan.Unlimited, s.MonthlyExecutions)
	}
	if s.MonthlyExecutions >= l.MaxMonthlyExecutions {
		return deny(domain.QuotaExecutions, l.MaxMonthlyExecutions, s.MonthlyExecutions,
			"monthly execution limit reached (%d/%d)", s.MonthlyExecutions, l.MaxMonthlyExecutions)
	}
	return allow(domain.QuotaExecutions, l.MaxMonthlyExecutions, s.MonthlyExecutions)
}

func CanCallAPI(tier domain.Tier, s usage.Snapshot) Decision {
	l := plan.For(tier)
	if s.DailyAPICalls >= l.MaxDailyAPICalls {
		return deny(domain.QuotaAPICalls, l.MaxDailyAPICalls, s.DailyAPICalls,
			"daily api call limit reached (%d/%d)", s.DailyAPICalls, l.MaxDailyAPICalls)
	}
	return allow(domain.QuotaAPICalls, l.MaxDailyAPICalls, s.DailyAPICalls)
}

// ValidateInterval checks that expr fires no more often than tier allows.
// An unparsable expression is reported as an error, not a denial.
func ValidateInterval(expr, tz string, tier domain.Tier, now time.Time) (Decision, error) {
	s, err := schedule.Parse(expr, tz)
	if err != nil {
		return Decision{}, err
	}
	minInterval := int64(plan.For(tier).MinIntervalMinutes)
	interval := int64(s.Interval(now))
	if interval < minInterval {
		return deny(domain.QuotaInterval, minInterval, interval,
			"schedule interval %d < %d minutes", interval, minInterval), nil
	}
	return allow(domain.QuotaInterval, minInterval, interval), nil
}

// Evaluate applies the check for kind. The interval check needs a schedule
// and is not available here.
func Evaluate(kind domain.QuotaKind, tier domain.Tier, s usage.Snapshot) (Decision, error) {
	switch kind {
	case domain.QuotaJobs:
		return CanCreateJob(tier, s), nil
	case domain.QuotaAPIKeys:
		return CanCreateAPIKey(tier, s), nil
	case domain.QuotaExecutions:
		return CanExecute(tier, s), nil
	case domain.QuotaAPICalls:
		return CanCallAPI(tier, s), nil
	}
	return Decision{}, fmt.Errorf("unsupported quota kind %q", kind)
}

type OwnerReader interface {
	GetOwner(ctx context.Context, id string) (domain.Owner, error)
}

type SnapshotReader interface {
	Snapshot(ctx context.Context, ownerID string) (usage.Snapshot, error)
}

// Guard evaluates quota checks against an owner's current plan and usage.
type Guard struct {
	owners OwnerReader
	ledger SnapshotReader
}

func NewGuard(owners OwnerReader, ledger SnapshotReader) *Guard {
	return &Guard{owners: owners, ledger: ledger}
}

func (g *Guard) Check(ctx context.Context, kind domain.QuotaKind, ownerID string) (Decision, error) {
	owner, err := g.owners.GetOwner(ctx, ownerID)
	if err != nil {
		return Decision{}, fmt.Errorf("load owner: %w", err)
	}
	return g.CheckTier(ctx, kind, ownerID, owner.Plan)
}

// CheckTier is Check for callers that already hold the owner's tier.
func (g *Guard) CheckTier(ctx context.Context, kind domain.QuotaKind, ownerID string, tier domain.Tier) (Decision, error) {
	snap, err := g.ledger.Snapshot(ctx, ownerID)
	if err != nil {
		return Decision{}, fmt.Errorf("load usage: %w", err)
	}
	d, err := Evaluate(kind, tier, snap)
	if err != nil {
		return Decision{}, err
	}
	if !d.Allowed {
		metrics.QuotaDenials.WithLabelValues(string(kind)).Inc()
	}
	return d, nil
}

// Snapshot exposes the ledger snapshot for checks that combine counts, such
// as batch creation.
func (g *Guard) Snapshot(ctx context.Context, ownerID string) (usage.Snapshot, error) {
	return g.ledger.Snapshot(ctx, ownerID)
}
