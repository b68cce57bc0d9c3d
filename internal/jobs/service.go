// Package jobs manages an owner's scheduled HTTP jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cronrelay/internal/domain"
	"cronrelay/internal/plan"
	"cronrelay/internal/quota"
	"cronrelay/internal/schedule"
	"cronrelay/internal/usage"
)

const MaxBatchSize = 100

type Store interface {
	GetOwner(ctx context.Context, id string) (domain.Owner, error)
	CreateJobs(ctx context.Context, jobs []domain.Job) ([]domain.Job, error)
	GetJob(ctx context.Context, ownerID, id string) (domain.Job, error)
	ListJobs(ctx context.Context, ownerID string) ([]domain.Job, error)
	UpdateJob(ctx context.Context, j domain.Job) (domain.Job, error)
	DeleteJob(ctx context.Context, ownerID, id string) error
	ListExecutions(ctx context.Context, ownerID, jobID string, limit int) ([]domain.ExecutionRecord, error)
	DeleteExecutions(ctx context.Context, ownerID, jobID string) (int64, error)
}

type Guard interface {
	CheckTier(ctx context.Context, kind domain.QuotaKind, ownerID string, tier domain.Tier) (quota.Decision, error)
	Snapshot(ctx context.Context, ownerID string) (usage.Snapshot, error)
}

type ResourceLedger interface {
	RecordResource(ctx context.Context, ownerID string, resource domain.Resource, id string, action domain.Action) error
}

type Executor interface {
	ExecuteJob(ctx context.Context, job domain.Job, trigger domain.Trigger) (domain.ExecutionRecord, error)
}

type Service struct {
	store    Store
	guard    Guard
	ledger   ResourceLedger
	executor Executor
	log      zerolog.Logger
	now      func() time.Time
}

func NewService(s Store, g Guard, l ResourceLedger, e Executor, logger zerolog.Logger) *Service {
	return &Service{
		store:    s,
		guard:    g,
		ledger:   l,
		executor: e,
		log:      logger.With().Str("component", "jobs").Logger(),
		now:      time.Now,
	}
}

// Create validates in, checks the owner's job quota and schedule interval,
// and stores the job with its first run computed.
func (s *Service) Create(ctx context.Context, ownerID string, in Input) (domain.Job, error) {
	if err := in.normalize(); err != nil {
		return domain.Job{}, err
	}
	owner, err := s.store.GetOwner(ctx, ownerID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("load owner: %w", err)
	}
	dec, err := s.guard.CheckTier(ctx, domain.QuotaJobs, ownerID, owner.Plan)
	if err != nil {
		return domain.Job{}, err
	}
	if !dec.Allowed {
		return domain.Job{}, dec.Err()
	}

	job := in.job(ownerID)
	if err := s.schedule(&job, owner.Plan); err != nil {
		return domain.Job{}, err
	}
	created, err := s.store.CreateJobs(ctx, []domain.Job{job})
	if err != nil {
		return domain.Job{}, err
	}
	s.recordResource(ctx, ownerID, created[0].ID, domain.ActionCreated)
	return created[0], nil
}

// CreateBatch stores all inputs or none. The whole batch must fit under the
// owner's job limit.
func (s *Service) CreateBatch(ctx context.Context, ownerID string, inputs []Input) ([]domain.Job, error) {
	if len(inputs) == 0 || len(inputs) > MaxBatchSize {
		return nil, &domain.ValidationError{Field: "jobs", Reason: fmt.Sprintf("batch must hold 1 to %d jobs", MaxBatchSize)}
	}
	for i := range inputs {
		if err := inputs[i].normalize(); err != nil {
			return nil, prefixField(err, fmt.Sprintf("jobs[%d]", i))
		}
	}
	owner, err := s.store.GetOwner(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("load owner: %w", err)
	}
	dec, err := s.guard.CheckTier(ctx, domain.QuotaJobs, ownerID, owner.Plan)
	if err != nil {
		return nil, err
	}
	if !dec.Allowed {
		return nil, dec.Err()
	}
	snap, err := s.guard.Snapshot(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	limits := plan.For(owner.Plan)
	if total := snap.Jobs + int64(len(inputs)); total > limits.MaxJobs {
		return nil, &domain.QuotaError{
			Kind:    domain.QuotaJobs,
			Limit:   limits.MaxJobs,
			Current: snap.Jobs,
			Message: fmt.Sprintf("batch exceeds job limit (%d + %d > %d)", snap.Jobs, len(inputs), limits.MaxJobs),
		}
	}

	batch := make([]domain.Job, len(inputs))
	for i, in := range inputs {
		batch[i] = in.job(ownerID)
		if err := s.schedule(&batch[i], owner.Plan); err != nil {
			return nil, prefixField(err, fmt.Sprintf("jobs[%d]", i))
		}
	}
	created, err := s.store.CreateJobs(ctx, batch)
	if err != nil {
		return nil, err
	}
	for _, j := range created {
		s.recordResource(ctx, ownerID, j.ID, domain.ActionCreated)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, ownerID, id string) (domain.Job, error) {
	return s.store.GetJob(ctx, ownerID, id)
}

func (s *Service) List(ctx context.Context, ownerID string) ([]domain.Job, error) {
	return s.store.ListJobs(ctx, ownerID)
}

// Update applies p. A changed schedule or a re-enable is checked against the
// plan again; disabling clears the next run.
func (s *Service) Update(ctx context.Context, ownerID, id string, p Patch) (domain.Job, error) {
	if err := p.normalize(); err != nil {
		return domain.Job{}, err
	}
	job, err := s.store.GetJob(ctx, ownerID, id)
	if err != nil {
		return domain.Job{}, err
	}
	wasEnabled := job.Enabled

	if p.Name != nil {
		job.Name = *p.Name
	}
	if p.URL != nil {
		job.URL = *p.URL
	}
	if p.Method != nil && *p.Method != "" {
		job.Method = *p.Method
	}
	if p.Headers != nil {
		job.Headers = *p.Headers
	}
	if p.Body != nil {
		job.Body = p.Body
	}
	rescheduled := false
	if p.Schedule != nil && *p.Schedule != job.Schedule {
		job.Schedule = *p.Schedule
		rescheduled = true
	}
	if p.Timezone != nil && *p.Timezone != job.Timezone {
		job.Timezone = *p.Timezone
		if job.Timezone == "" {
			job.Timezone = schedule.DefaultTimezone
		}
		rescheduled = true
	}
	if p.Enabled != nil {
		job.Enabled = *p.Enabled
	}

	switch {
	case !job.Enabled:
		// A disabled job skips the interval check until it is re-enabled, but
		// its expression and timezone must still parse.
		if rescheduled {
			if _, err := schedule.Parse(job.Schedule, job.Timezone); err != nil {
				return domain.Job{}, &domain.ValidationError{Field: "schedule", Reason: err.Error()}
			}
		}
		job.NextRunAt = nil
	case !wasEnabled || rescheduled:
		owner, err := s.store.GetOwner(ctx, ownerID)
		if err != nil {
			return domain.Job{}, fmt.Errorf("load owner: %w", err)
		}
		if !wasEnabled {
			snap, err := s.guard.Snapshot(ctx, ownerID)
			if err != nil {
				return domain.Job{}, err
			}
			if dec := quota.CanEnableJob(owner.Plan, snap); !dec.Allowed {
				return domain.Job{}, dec.Err()
			}
		}
		if err := s.schedule(&job, owner.Plan); err != nil {
			return domain.Job{}, err
		}
	}
	return s.store.UpdateJob(ctx, job)
}

// Delete removes the job. Its execution history is kept.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.store.DeleteJob(ctx, ownerID, id); err != nil {
		return err
	}
	s.recordResource(ctx, ownerID, id, domain.ActionDeleted)
	return nil
}

// Execute runs the job now, outside its schedule.
func (s *Service) Execute(ctx context.Context, ownerID, id string) (domain.ExecutionRecord, error) {
	job, err := s.store.GetJob(ctx, ownerID, id)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	return s.executor.ExecuteJob(ctx, job, domain.TriggerManual)
}

// Executions lists records newest first. An empty jobID lists across all of
// the owner's jobs.
func (s *Service) Executions(ctx context.Context, ownerID, jobID string, limit int) ([]domain.ExecutionRecord, error) {
	if jobID != "" {
		if _, err := s.store.GetJob(ctx, ownerID, jobID); err != nil {
			return nil, err
		}
	}
	return s.store.ListExecutions(ctx, ownerID, jobID, limit)
}

// ClearExecutions deletes execution records and returns how many were
// removed. An empty jobID clears the owner's whole history, including
// records of deleted jobs.
func (s *Service) ClearExecutions(ctx context.Context, ownerID, jobID string) (int64, error) {
	if jobID != "" {
		if _, err := s.store.GetJob(ctx, ownerID, jobID); err != nil {
			return 0, err
		}
	}
	n, err := s.store.DeleteExecutions(ctx, ownerID, jobID)
	if err != nil {
		return 0, err
	}
	s.log.Info().Str("owner_id", ownerID).Str("job_id", jobID).Int64("removed", n).Msg("execution history cleared")
	return n, nil
}

// schedule checks job's expression against tier and sets its next run when
// the job is enabled.
func (s *Service) schedule(job *domain.Job, tier domain.Tier) error {
	now := s.now()
	dec, err := quota.ValidateInterval(job.Schedule, job.Timezone, tier, now)
	if err != nil {
		var serr *schedule.InvalidScheduleError
		if errors.As(err, &serr) {
			return &domain.ValidationError{Field: "schedule", Reason: serr.Error()}
		}
		return err
	}
	if !dec.Allowed {
		return dec.Err()
	}
	job.NextRunAt = nil
	if job.Enabled {
		sched, err := schedule.Parse(job.Schedule, job.Timezone)
		if err != nil {
			return &domain.ValidationError{Field: "schedule", Reason: err.Error()}
		}
		next := sched.Next(now)
		job.NextRunAt = &next
	}
	return nil
}

func (s *Service) recordResource(ctx context.Context, ownerID, id string, action domain.Action) {
	if err := s.ledger.RecordResource(ctx, ownerID, domain.ResourceJob, id, action); err != nil {
		s.log.Error().Err(err).Str("job_id", id).Str("action", string(action)).Msg("failed to record job history")
	}
}

func prefixField(err error, prefix string) error {
	var verr *domain.ValidationError
	if errors.As(err, &verr) {
		field := prefix
		if verr.Field != "" {
			field += "." + verr.Field
		}
		return &domain.ValidationError{Field: field, Reason: verr.Reason}
	}
	return err
}
