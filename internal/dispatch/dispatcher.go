// Package dispatch runs due jobs: it advances their schedule, performs the
// HTTP call and records the outcome.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"cronrelay/internal/caller"
	"cronrelay/internal/domain"
	"cronrelay/internal/metrics"
	"cronrelay/internal/quota"
	"cronrelay/internal/schedule"
	"cronrelay/internal/usage"
)

const DefaultWidth = 5

type Store interface {
	DueJobs(ctx context.Context, now time.Time) ([]domain.Job, error)
	ClaimRun(ctx context.Context, id string, expected *time.Time, next time.Time) (bool, error)
	DisableJobs(ctx context.Context, ids []string) (int64, error)
	RecordExecution(ctx context.Context, rec domain.ExecutionRecord) (domain.ExecutionRecord, error)
	GetOwner(ctx context.Context, id string) (domain.Owner, error)
}

type Ledger interface {
	Snapshot(ctx context.Context, ownerID string) (usage.Snapshot, error)
	RecordExecution(ctx context.Context, ownerID string, tier domain.Tier) error
}

type Caller interface {
	Do(ctx context.Context, req caller.Request) caller.Result
}

type Options struct {
	// Width bounds concurrent calls within one dispatch run.
	Width int
	// EnforceScheduledQuota skips scheduled runs of owners over their
	// monthly execution limit. When false such runs still happen but are
	// not counted.
	EnforceScheduledQuota bool
}

type Dispatcher struct {
	store  Store
	ledger Ledger
	caller Caller
	opts   Options
	log    zerolog.Logger
}

func New(s Store, l Ledger, c Caller, opts Options, logger zerolog.Logger) *Dispatcher {
	if opts.Width <= 0 {
		opts.Width = DefaultWidth
	}
	return &Dispatcher{
		store:  s,
		ledger: l,
		caller: c,
		opts:   opts,
		log:    logger.With().Str("component", "dispatcher").Logger(),
	}
}

// Summary counts what one dispatch run did.
type Summary struct {
	Due       int `json:"due"`
	Executed  int `json:"executed"`
	Succeeded int `json:"succeeded"`
	Skipped   int `json:"skipped"`
	Disabled  int `json:"disabled"`
}

// DispatchDueJobs executes every job due at now, at most Width at a time.
// Each job's next run is moved past now before its call starts, so a
// repeated run with the same now does nothing. Once the due jobs are loaded,
// cancelling ctx no longer stops them: each call ends only by its own
// timeout, and its record is always written.
func (d *Dispatcher) DispatchDueJobs(ctx context.Context, now time.Time) (Summary, error) {
	jobs, err := d.store.DueJobs(ctx, now)
	if err != nil {
		return Summary{}, fmt.Errorf("load due jobs: %w", err)
	}
	ctx = context.WithoutCancel(ctx)

	var (
		mu      sync.Mutex
		summary = Summary{Due: len(jobs)}
		adm     = &admission{pending: make(map[string]int64)}
	)
	g := new(errgroup.Group)
	g.SetLimit(d.opts.Width)
	for _, job := range jobs {
		g.Go(func() error {
			out := d.dispatchOne(ctx, job, now, adm)
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeSucceeded:
				summary.Executed++
				summary.Succeeded++
			case outcomeFailed:
				summary.Executed++
			case outcomeDisabled:
				summary.Disabled++
			default:
				summary.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	return summary, nil
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeFailed
	outcomeDisabled
)

func (d *Dispatcher) dispatchOne(ctx context.Context, job domain.Job, now time.Time, adm *admission) outcome {
	log := d.log.With().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Logger()

	sched, err := schedule.Parse(job.Schedule, job.Timezone)
	if err != nil {
		log.Warn().Err(err).Msg("disabling job with invalid schedule")
		if _, err := d.store.DisableJobs(ctx, []string{job.ID}); err != nil {
			log.Error().Err(err).Msg("failed to disable job")
		}
		metrics.DispatchSkipped.WithLabelValues("invalid_schedule").Inc()
		return outcomeDisabled
	}

	base := now
	if job.NextRunAt != nil {
		base = *job.NextRunAt
	}
	next := sched.Next(base)
	if !next.After(now) {
		// Missed runs are not replayed.
		next = sched.Next(now)
	}

	claimed, err := d.store.ClaimRun(ctx, job.ID, job.NextRunAt, next)
	switch {
	case err != nil:
		log.Error().Err(err).Msg("failed to advance next run; executing anyway")
	case !claimed:
		metrics.DispatchSkipped.WithLabelValues("claimed_elsewhere").Inc()
		return outcomeSkipped
	}

	owner, err := d.store.GetOwner(ctx, job.OwnerID)
	if err != nil {
		log.Error().Err(err).Msg("failed to load owner")
		metrics.DispatchSkipped.WithLabelValues("owner_error").Inc()
		return outcomeSkipped
	}
	countable, reserved := true, false
	if dec, err := adm.admit(ctx, d.ledger, job.OwnerID, owner.Plan); err != nil {
		log.Error().Err(err).Msg("failed to load usage; executing without quota check")
	} else if dec.Allowed {
		reserved = true
	} else {
		if d.opts.EnforceScheduledQuota {
			log.Info().Str("reason", dec.Reason).Msg("skipping scheduled run over quota")
			metrics.DispatchSkipped.WithLabelValues("quota").Inc()
			metrics.QuotaDenials.WithLabelValues(string(dec.Kind)).Inc()
			return outcomeSkipped
		}
		countable = false
	}

	rec := d.execute(ctx, job, domain.TriggerScheduled, log)
	if countable {
		if err := adm.record(ctx, d.ledger, job.OwnerID, owner.Plan, reserved); err != nil {
			log.Error().Err(err).Msg("failed to count execution")
		}
	}
	if rec.Success {
		return outcomeSucceeded
	}
	return outcomeFailed
}

// admission holds the executions admitted in one dispatch run whose calls
// have not been counted yet, so parallel runs of one owner see each other.
type admission struct {
	mu      sync.Mutex
	pending map[string]int64
}

// admit checks the owner's monthly limit with pending executions added to
// the recorded ones, and reserves one when allowed.
func (a *admission) admit(ctx context.Context, l Ledger, ownerID string, tier domain.Tier) (quota.Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	snap, err := l.Snapshot(ctx, ownerID)
	if err != nil {
		return quota.Decision{}, err
	}
	snap.MonthlyExecutions += a.pending[ownerID]
	dec := quota.CanExecute(tier, snap)
	if dec.Allowed {
		a.pending[ownerID]++
	}
	return dec, nil
}

// record counts the execution and drops its reservation in one step.
func (a *admission) record(ctx context.Context, l Ledger, ownerID string, tier domain.Tier, reserved bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if reserved {
		a.pending[ownerID]--
	}
	return l.RecordExecution(ctx, ownerID, tier)
}

// ExecuteJob runs job once outside its schedule. Its next run is left alone.
// The owner's monthly execution limit applies, checked against recorded
// executions only, so manual runs racing a dispatch run may exceed it by
// the number in flight.
func (d *Dispatcher) ExecuteJob(ctx context.Context, job domain.Job, trigger domain.Trigger) (domain.ExecutionRecord, error) {
	owner, err := d.store.GetOwner(ctx, job.OwnerID)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("load owner: %w", err)
	}
	snap, err := d.ledger.Snapshot(ctx, job.OwnerID)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("load usage: %w", err)
	}
	if dec := quota.CanExecute(owner.Plan, snap); !dec.Allowed {
		metrics.QuotaDenials.WithLabelValues(string(dec.Kind)).Inc()
		return domain.ExecutionRecord{}, dec.Err()
	}

	log := d.log.With().Str("job_id", job.ID).Str("owner_id", job.OwnerID).Logger()
	// The call and its bookkeeping outlive a caller that goes away.
	ctx = context.WithoutCancel(ctx)
	rec := d.execute(ctx, job, trigger, log)
	if err := d.ledger.RecordExecution(ctx, job.OwnerID, owner.Plan); err != nil {
		log.Error().Err(err).Msg("failed to count execution")
	}
	return rec, nil
}

// execute calls the job's endpoint and persists the record. Persistence
// failures are logged; the record is returned either way.
func (d *Dispatcher) execute(ctx context.Context, job domain.Job, trigger domain.Trigger, log zerolog.Logger) domain.ExecutionRecord {
	res := d.caller.Do(ctx, caller.Request{
		URL:     job.URL,
		Method:  job.Method,
		Headers: job.Headers,
		Body:    job.Body,
	})

	jobID := job.ID
	rec := domain.ExecutionRecord{
		JobID:           &jobID,
		OwnerID:         job.OwnerID,
		URL:             job.URL,
		Method:          job.Method,
		Status:          res.Status,
		ResponseHeaders: res.Headers,
		ResponseBody:    res.Body,
		DurationMS:      res.Duration().Milliseconds(),
		Success:         res.Success(),
		TimedOut:        res.TimedOut,
		Trigger:         trigger,
		StartedAt:       res.StartedAt,
		FinishedAt:      res.FinishedAt,
	}

	label := "failure"
	switch {
	case rec.Success:
		label = "success"
	case rec.TimedOut:
		label = "timeout"
	}
	metrics.ExecutionsTotal.WithLabelValues(string(trigger), label).Inc()
	metrics.ExecutionDuration.Observe(res.Duration().Seconds())

	saved, err := d.store.RecordExecution(ctx, rec)
	if err != nil {
		log.Error().Err(err).Msg("failed to record execution")
		return rec
	}
	log.Info().
		Str("trigger", string(trigger)).
		Int("status", rec.Status).
		Int64("duration_ms", rec.DurationMS).
		Bool("success", rec.Success).
		Msg("job executed")
	return saved
}
