// Package planchange moves an owner between tiers. A downgrade disables the
// jobs and API keys that no longer fit the target plan.
package planchange

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cronrelay/internal/domain"
	"cronrelay/internal/plan"
	"cronrelay/internal/schedule"
)

type Store interface {
	GetOwner(ctx context.Context, id string) (domain.Owner, error)
	ListJobs(ctx context.Context, ownerID string) ([]domain.Job, error)
	ListAPIKeys(ctx context.Context, ownerID string) ([]domain.APIKey, error)
	ApplyPlanChange(ctx context.Context, ownerID string, tier domain.Tier, jobIDs, keyIDs []string) error
}

// Cause tells why a resource was evicted.
type Cause string

const (
	CauseInterval Cause = "interval"
	CauseCount    Cause = "count"
)

type Eviction struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
	Cause  Cause  `json:"cause"`
}

type Impact struct {
	Current   int        `json:"current"`
	Limit     int64      `json:"limit"`
	Evictions []Eviction `json:"evictions"`
}

type Result struct {
	OwnerID   string      `json:"owner_id"`
	From      domain.Tier `json:"from"`
	To        domain.Tier `json:"to"`
	Changed   bool        `json:"changed"`
	Downgrade bool        `json:"downgrade"`
	Simulated bool        `json:"simulated"`
	Jobs      Impact      `json:"jobs"`
	Keys      Impact      `json:"keys"`
}

type Options struct {
	Simulate bool
}

type Orchestrator struct {
	store Store
	log   zerolog.Logger
	now   func() time.Time
}

func New(s Store, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store: s,
		log:   logger.With().Str("component", "planchange").Logger(),
		now:   time.Now,
	}
}

// ChangePlan computes the evictions a move to tier causes and, unless
// simulating, applies them together with the new tier.
func (o *Orchestrator) ChangePlan(ctx context.Context, ownerID string, tier domain.Tier, opts Options) (Result, error) {
	owner, err := o.store.GetOwner(ctx, ownerID)
	if err != nil {
		return Result{}, fmt.Errorf("load owner: %w", err)
	}
	res := Result{OwnerID: ownerID, From: owner.Plan, To: tier, Simulated: opts.Simulate}
	if owner.Plan == tier {
		return res, nil
	}
	res.Changed = true
	res.Downgrade = plan.IsDowngrade(owner.Plan, tier)

	jobs, err := o.store.ListJobs(ctx, ownerID)
	if err != nil {
		return Result{}, fmt.Errorf("list jobs: %w", err)
	}
	keys, err := o.store.ListAPIKeys(ctx, ownerID)
	if err != nil {
		return Result{}, fmt.Errorf("list api keys: %w", err)
	}
	res.Jobs, res.Keys = Plan(tier, jobs, keys, o.now())
	if !res.Downgrade {
		// An upgrade never evicts, but the impact still reports counts.
		res.Jobs.Evictions, res.Keys.Evictions = nil, nil
	}
	if opts.Simulate {
		return res, nil
	}

	if err := o.store.ApplyPlanChange(ctx, ownerID, tier, ids(res.Jobs.Evictions), ids(res.Keys.Evictions)); err != nil {
		return Result{}, fmt.Errorf("apply plan change: %w", err)
	}
	o.log.Info().
		Str("owner_id", ownerID).
		Str("from", string(res.From)).
		Str("to", string(tier)).
		Int("jobs_disabled", len(res.Jobs.Evictions)).
		Int("keys_disabled", len(res.Keys.Evictions)).
		Msg("plan changed")
	return res, nil
}

// Plan selects the enabled jobs and keys that do not fit tier. jobs and keys
// must be ordered oldest first. Jobs failing the interval check go first; the
// oldest of the remaining jobs are then evicted until the count fits.
func Plan(tier domain.Tier, jobs []domain.Job, keys []domain.APIKey, now time.Time) (Impact, Impact) {
	limits := plan.For(tier)

	var enabled []domain.Job
	for _, j := range jobs {
		if j.Enabled {
			enabled = append(enabled, j)
		}
	}
	jobImpact := Impact{Current: len(enabled), Limit: limits.MaxJobs}

	var remaining []domain.Job
	for _, j := range enabled {
		s, err := schedule.Parse(j.Schedule, j.Timezone)
		if err != nil {
			// The dispatcher disables these on its own.
			remaining = append(remaining, j)
			continue
		}
		if iv := s.Interval(now); iv < limits.MinIntervalMinutes {
			jobImpact.Evictions = append(jobImpact.Evictions, Eviction{
				ID:     j.ID,
				Name:   j.Name,
				Reason: fmt.Sprintf("interval %d < %d minutes", iv, limits.MinIntervalMinutes),
				Cause:  CauseInterval,
			})
			continue
		}
		remaining = append(remaining, j)
	}
	if excess := int64(len(remaining)) - limits.MaxJobs; excess > 0 {
		for _, j := range remaining[:excess] {
			jobImpact.Evictions = append(jobImpact.Evictions, Eviction{
				ID:     j.ID,
				Name:   j.Name,
				Reason: fmt.Sprintf("job count %d > max %d", len(remaining), limits.MaxJobs),
				Cause:  CauseCount,
			})
		}
	}

	var activeKeys []domain.APIKey
	for _, k := range keys {
		if k.Enabled {
			activeKeys = append(activeKeys, k)
		}
	}
	keyImpact := Impact{Current: len(activeKeys), Limit: plan.MaxAPIKeys}
	if excess := len(activeKeys) - plan.MaxAPIKeys; excess > 0 {
		for _, k := range activeKeys[:excess] {
			keyImpact.Evictions = append(keyImpact.Evictions, Eviction{
				ID:     k.ID,
				Name:   k.Name,
				Reason: fmt.Sprintf("api key count %d > max %d", len(activeKeys), plan.MaxAPIKeys),
				Cause:  CauseCount,
			})
		}
	}
	return jobImpact, keyImpact
}

func ids(evictions []Eviction) []string {
	out := make([]string, len(evictions))
	for i, e := range evictions {
		out[i] = e.ID
	}
	return out
}
