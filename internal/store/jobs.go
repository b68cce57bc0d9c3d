package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"cronrelay/internal/domain"
)

const jobColumns = `id, owner_id, name, url, method, headers, body, schedule, timezone, enabled,
next_run_at, last_run_at, execution_count, failure_count, created_at, updated_at`

type jobRow struct {
	ID             string         `db:"id"`
	OwnerID        string         `db:"owner_id"`
	Name           string         `db:"name"`
	URL            string         `db:"url"`
	Method         string         `db:"method"`
	Headers        string         `db:"headers"`
	Body           sql.NullString `db:"body"`
	Schedule       string         `db:"schedule"`
	Timezone       string         `db:"timezone"`
	Enabled        bool           `db:"enabled"`
	NextRunAt      sql.NullInt64  `db:"next_run_at"`
	LastRunAt      sql.NullInt64  `db:"last_run_at"`
	ExecutionCount int64          `db:"execution_count"`
	FailureCount   int64          `db:"failure_count"`
	CreatedAt      int64          `db:"created_at"`
	UpdatedAt      int64          `db:"updated_at"`
}

func newJobRow(j domain.Job) (jobRow, error) {
	headers := j.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	raw, err := json.Marshal(headers)
	if err != nil {
		return jobRow{}, fmt.Errorf("encode headers: %w", err)
	}
	row := jobRow{
		ID:             j.ID,
		OwnerID:        j.OwnerID,
		Name:           j.Name,
		URL:            j.URL,
		Method:         j.Method,
		Headers:        string(raw),
		Schedule:       j.Schedule,
		Timezone:       j.Timezone,
		Enabled:        j.Enabled,
		NextRunAt:      nullMillis(j.NextRunAt),
		LastRunAt:      nullMillis(j.LastRunAt),
		ExecutionCount: j.ExecutionCount,
		FailureCount:   j.FailureCount,
		CreatedAt:      millis(j.CreatedAt),
		UpdatedAt:      millis(j.UpdatedAt),
	}
	if j.Body != nil {
		row.Body = sql.NullString{String: *j.Body, Valid: true}
	}
	return row, nil
}

func (r jobRow) toDomain() (domain.Job, error) {
	j := domain.Job{
		ID:             r.ID,
		OwnerID:        r.OwnerID,
		Name:           r.Name,
		URL:            r.URL,
		Method:         r.Method,
		Schedule:       r.Schedule,
		Timezone:       r.Timezone,
		Enabled:        r.Enabled,
		NextRunAt:      timePtr(r.NextRunAt),
		LastRunAt:      timePtr(r.LastRunAt),
		ExecutionCount: r.ExecutionCount,
		FailureCount:   r.FailureCount,
		CreatedAt:      fromMillis(r.CreatedAt),
		UpdatedAt:      fromMillis(r.UpdatedAt),
	}
	if r.Body.Valid {
		b := r.Body.String
		j.Body = &b
	}
	if err := json.Unmarshal([]byte(r.Headers), &j.Headers); err != nil {
		return domain.Job{}, fmt.Errorf("decode headers of %s: %w", r.ID, err)
	}
	return j, nil
}

func toJobs(rows []jobRow) ([]domain.Job, error) {
	jobs := make([]domain.Job, 0, len(rows))
	for _, r := range rows {
		j, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, nil
}

// CreateJobs inserts all jobs in one transaction. Empty IDs are generated.
func (s *Store) CreateJobs(ctx context.Context, jobs []domain.Job) ([]domain.Job, error) {
	now := s.now().UTC().Truncate(time.Millisecond)
	out := make([]domain.Job, len(jobs))
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		for i, j := range jobs {
			if j.ID == "" {
				j.ID = NewID("job")
			}
			j.CreatedAt, j.UpdatedAt = now, now
			row, err := newJobRow(j)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `
INSERT INTO jobs (`+jobColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				row.ID, row.OwnerID, row.Name, row.URL, row.Method, row.Headers, row.Body, row.Schedule, row.Timezone,
				row.Enabled, row.NextRunAt, row.LastRunAt, row.ExecutionCount, row.FailureCount, row.CreatedAt, row.UpdatedAt)
			if err != nil {
				return fmt.Errorf("insert job: %w", err)
			}
			out[i] = j
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetJob(ctx context.Context, ownerID, id string) (domain.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return domain.Job{}, notFound(err)
	}
	return row.toDomain()
}

// ListJobs returns the owner's jobs, oldest first.
func (s *Store) ListJobs(ctx context.Context, ownerID string) ([]domain.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+jobColumns+` FROM jobs WHERE owner_id = ? ORDER BY created_at, rowid`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return toJobs(rows)
}

// UpdateJob writes the mutable fields of j.
func (s *Store) UpdateJob(ctx context.Context, j domain.Job) (domain.Job, error) {
	j.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)
	row, err := newJobRow(j)
	if err != nil {
		return domain.Job{}, err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET name = ?, url = ?, method = ?, headers = ?, body = ?, schedule = ?, timezone = ?,
  enabled = ?, next_run_at = ?, updated_at = ?
WHERE id = ? AND owner_id = ?`,
		row.Name, row.URL, row.Method, row.Headers, row.Body, row.Schedule, row.Timezone,
		row.Enabled, row.NextRunAt, row.UpdatedAt, row.ID, row.OwnerID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Job{}, domain.ErrNotFound
	}
	return j, nil
}

func (s *Store) DeleteJob(ctx context.Context, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DueJobs returns enabled jobs whose next run is at or before now. Jobs that
// were never scheduled are due immediately.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]domain.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows, `
SELECT `+jobColumns+` FROM jobs
WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?)
ORDER BY next_run_at, created_at`, millis(now))
	if err != nil {
		return nil, fmt.Errorf("due jobs: %w", err)
	}
	return toJobs(rows)
}

// ClaimRun moves next_run_at from expected to next. It reports false when the
// job no longer has the expected value, meaning another dispatcher claimed it.
func (s *Store) ClaimRun(ctx context.Context, id string, expected *time.Time, next time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET next_run_at = ?, updated_at = ?
WHERE id = ? AND enabled = 1 AND next_run_at IS ?`,
		millis(next), millis(s.now()), id, nullMillis(expected))
	if err != nil {
		return false, fmt.Errorf("claim run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DisableJobs disables jobs and clears their next run. Already disabled jobs
// are left as they are.
func (s *Store) DisableJobs(ctx context.Context, ids []string) (int64, error) {
	return disableJobs(ctx, s.db, ids, s.now())
}

func disableJobs(ctx context.Context, q querier, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`UPDATE jobs SET enabled = 0, next_run_at = NULL, updated_at = ? WHERE id IN (?) AND enabled = 1`, millis(now), ids)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("disable jobs: %w", err)
	}
	return res.RowsAffected()
}

type JobCounts struct {
	Total   int64 `db:"total"`
	Enabled int64 `db:"enabled"`
}

func (s *Store) CountJobs(ctx context.Context, ownerID string) (JobCounts, error) {
	var c JobCounts
	err := s.db.GetContext(ctx, &c, `
SELECT COUNT(*) AS total, COALESCE(SUM(enabled), 0) AS enabled FROM jobs WHERE owner_id = ?`, ownerID)
	if err != nil {
		return JobCounts{}, fmt.Errorf("count jobs: %w", err)
	}
	return c, nil
}
