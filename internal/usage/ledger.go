// Package usage keeps per-owner resource counts and the daily and monthly
// counters that quotas are checked against.
package usage

import (
	"context"
	"fmt"
	"time"

	"cronrelay/internal/domain"
	"cronrelay/internal/plan"
	"cronrelay/internal/store"
)

type Store interface {
	CountJobs(ctx context.Context, ownerID string) (store.JobCounts, error)
	CountAPIKeys(ctx context.Context, ownerID string) (store.KeyCounts, error)
	ResourceChurn(ctx context.Context, ownerID string, resource domain.Resource, from, to time.Time) (int64, error)
	MonthlyUsage(ctx context.Context, ownerID string, year, month int) (domain.MonthlyUsage, error)
	DailyUsage(ctx context.Context, ownerID, date string) (domain.DailyUsage, error)
	IncrementExecution(ctx context.Context, ownerID string, p store.Period, b store.Billing) error
	IncrementAPICall(ctx context.Context, ownerID string, p store.Period) error
	RecordResourceEvent(ctx context.Context, ev domain.ResourceEvent, date string) error
}

// Snapshot is the state the quota guard decides on.
type Snapshot struct {
	Jobs              int64 `json:"jobs"`
	EnabledJobs       int64 `json:"enabled_jobs"`
	APIKeys           int64 `json:"api_keys"`
	EnabledAPIKeys    int64 `json:"enabled_api_keys"`
	JobChurnToday     int64 `json:"job_churn_today"`
	KeyChurnToday     int64 `json:"key_churn_today"`
	MonthlyExecutions int64 `json:"monthly_executions"`
	DailyAPICalls     int64 `json:"daily_api_calls"`
}

type Ledger struct {
	store Store
	loc   *time.Location
	now   func() time.Time
}

// NewLedger returns a ledger whose days and months are measured in loc.
func NewLedger(s Store, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{store: s, loc: loc, now: time.Now}
}

// Day returns the counter period containing t and the bounds of its day.
func (l *Ledger) Day(t time.Time) (store.Period, time.Time, time.Time) {
	local := t.In(l.loc)
	y, m, d := local.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, l.loc)
	return store.Period{Year: y, Month: int(m), Date: start.Format(time.DateOnly)}, start, start.AddDate(0, 0, 1)
}

func (l *Ledger) Snapshot(ctx context.Context, ownerID string) (Snapshot, error) {
	p, dayStart, dayEnd := l.Day(l.now())

	jobs, err := l.store.CountJobs(ctx, ownerID)
	if err != nil {
		return Snapshot{}, err
	}
	keys, err := l.store.CountAPIKeys(ctx, ownerID)
	if err != nil {
		return Snapshot{}, err
	}
	jobChurn, err := l.store.ResourceChurn(ctx, ownerID, domain.ResourceJob, dayStart, dayEnd)
	if err != nil {
		return Snapshot{}, err
	}
	keyChurn, err := l.store.ResourceChurn(ctx, ownerID, domain.ResourceKey, dayStart, dayEnd)
	if err != nil {
		return Snapshot{}, err
	}
	monthly, err := l.store.MonthlyUsage(ctx, ownerID, p.Year, p.Month)
	if err != nil {
		return Snapshot{}, err
	}
	daily, err := l.store.DailyUsage(ctx, ownerID, p.Date)
	if err != nil {
		return Snapshot{}, err
	}

	return Snapshot{
		Jobs:              jobs.Total,
		EnabledJobs:       jobs.Enabled,
		APIKeys:           keys.Total,
		EnabledAPIKeys:    keys.Enabled,
		JobChurnToday:     jobChurn,
		KeyChurnToday:     keyChurn,
		MonthlyExecutions: monthly.Executions,
		DailyAPICalls:     daily.APICalls,
	}, nil
}

// RecordExecution counts one execution for the owner, billing overage
// according to the owner's tier.
func (l *Ledger) RecordExecution(ctx context.Context, ownerID string, tier domain.Tier) error {
	p, _, _ := l.Day(l.now())
	limits := plan.For(tier)
	b := store.Billing{IncludedExecutions: limits.IncludedExecutions, OverageMicros: limits.OverageMicros}
	if err := l.store.IncrementExecution(ctx, ownerID, p, b); err != nil {
		return fmt.Errorf("record execution: %w", err)
	}
	return nil
}

func (l *Ledger) RecordAPICall(ctx context.Context, ownerID string) error {
	p, _, _ := l.Day(l.now())
	if err := l.store.IncrementAPICall(ctx, ownerID, p); err != nil {
		return fmt.Errorf("record api call: %w", err)
	}
	return nil
}

// RecordResource appends a create or delete event and refreshes the day's
// peak counts.
func (l *Ledger) RecordResource(ctx context.Context, ownerID string, resource domain.Resource, id string, action domain.Action) error {
	now := l.now()
	p, _, _ := l.Day(now)
	ev := domain.ResourceEvent{OwnerID: ownerID, Resource: resource, ResourceID: id, Action: action, At: now}
	if err := l.store.RecordResourceEvent(ctx, ev, p.Date); err != nil {
		return fmt.Errorf("record %s %s: %w", resource, action, err)
	}
	return nil
}

// Summary is the usage overview shown to an owner.
type Summary struct {
	Current Snapshot            `json:"current"`
	Monthly domain.MonthlyUsage `json:"monthly"`
	Daily   domain.DailyUsage   `json:"daily"`
	Plan    domain.Tier         `json:"plan"`
	Limits  LimitsView          `json:"limits"`
}

type LimitsView struct {
	MaxJobs              int64 `json:"max_jobs"`
	MaxMonthlyExecutions int64 `json:"max_monthly_executions"`
	MinIntervalMinutes   int   `json:"min_interval_minutes"`
	MaxDailyAPICalls     int64 `json:"max_daily_api_calls"`
	MaxAPIKeys           int   `json:"max_api_keys"`
	LogRetentionDays     int   `json:"log_retention_days"`
}

func (l *Ledger) Summary(ctx context.Context, ownerID string, tier domain.Tier) (Summary, error) {
	snap, err := l.Snapshot(ctx, ownerID)
	if err != nil {
		return Summary{}, err
	}
	p, _, _ := l.Day(l.now())
	monthly, err := l.store.MonthlyUsage(ctx, ownerID, p.Year, p.Month)
	if err != nil {
		return Summary{}, err
	}
	daily, err := l.store.DailyUsage(ctx, ownerID, p.Date)
	if err != nil {
		return Summary{}, err
	}
	limits := plan.For(tier)
	return Summary{
		Current: snap,
		Monthly: monthly,
		Daily:   daily,
		Plan:    tier,
		Limits: LimitsView{
			MaxJobs:              limits.MaxJobs,
			MaxMonthlyExecutions: limits.MaxMonthlyExecutions,
			MinIntervalMinutes:   limits.MinIntervalMinutes,
			MaxDailyAPICalls:     limits.MaxDailyAPICalls,
			MaxAPIKeys:           plan.MaxAPIKeys,
			LogRetentionDays:     limits.LogRetentionDays,
		},
	}, nil
}
