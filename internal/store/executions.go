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

const executionColumns = `id, job_id, owner_id, url, method, status, response_headers, response_body,
duration_ms, success, timed_out, trigger_type, started_at, finished_at`

type executionRow struct {
	ID              string         `db:"id"`
	JobID           sql.NullString `db:"job_id"`
	OwnerID         string         `db:"owner_id"`
	URL             string         `db:"url"`
	Method          string         `db:"method"`
	Status          int            `db:"status"`
	ResponseHeaders string         `db:"response_headers"`
	ResponseBody    string         `db:"response_body"`
	DurationMS      int64          `db:"duration_ms"`
	Success         bool           `db:"success"`
	TimedOut        bool           `db:"timed_out"`
	TriggerType     string         `db:"trigger_type"`
	StartedAt       int64          `db:"started_at"`
	FinishedAt      int64          `db:"finished_at"`
}

func (r executionRow) toDomain() (domain.ExecutionRecord, error) {
	rec := domain.ExecutionRecord{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		URL:          r.URL,
		Method:       r.Method,
		Status:       r.Status,
		ResponseBody: r.ResponseBody,
		DurationMS:   r.DurationMS,
		Success:      r.Success,
		TimedOut:     r.TimedOut,
		Trigger:      domain.Trigger(r.TriggerType),
		StartedAt:    fromMillis(r.StartedAt),
		FinishedAt:   fromMillis(r.FinishedAt),
	}
	if r.JobID.Valid {
		id := r.JobID.String
		rec.JobID = &id
	}
	if err := json.Unmarshal([]byte(r.ResponseHeaders), &rec.ResponseHeaders); err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("decode response headers of %s: %w", r.ID, err)
	}
	return rec, nil
}

// RecordExecution appends rec and updates the job's last run and counters in
// the same transaction.
func (s *Store) RecordExecution(ctx context.Context, rec domain.ExecutionRecord) (domain.ExecutionRecord, error) {
	if rec.ID == "" {
		rec.ID = NewID("exe")
	}
	headers := rec.ResponseHeaders
	if headers == nil {
		headers = map[string]string{}
	}
	rawHeaders, err := json.Marshal(headers)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("encode response headers: %w", err)
	}
	var jobID sql.NullString
	if rec.JobID != nil {
		jobID = sql.NullString{String: *rec.JobID, Valid: true}
	}
	failed := 0
	if !rec.Success {
		failed = 1
	}

	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		if jobID.Valid {
			// The job may have been deleted while its call was in flight.
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM jobs WHERE id = ?)`, jobID.String); err != nil {
				return fmt.Errorf("check job: %w", err)
			}
			if !exists {
				jobID = sql.NullString{}
			}
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO executions (`+executionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, jobID, rec.OwnerID, rec.URL, rec.Method, rec.Status, string(rawHeaders), rec.ResponseBody,
			rec.DurationMS, rec.Success, rec.TimedOut, string(rec.Trigger), millis(rec.StartedAt), millis(rec.FinishedAt))
		if err != nil {
			return fmt.Errorf("insert execution: %w", err)
		}
		if !jobID.Valid {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
UPDATE jobs SET last_run_at = ?, execution_count = execution_count + 1,
  failure_count = failure_count + ?, updated_at = ?
WHERE id = ?`, millis(rec.StartedAt), failed, millis(s.now()), jobID.String)
		if err != nil {
			return fmt.Errorf("update job counters: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	if !jobID.Valid {
		rec.JobID = nil
	}
	return rec, nil
}

// ListExecutions returns the owner's newest execution records, optionally
// narrowed to one job.
func (s *Store) ListExecutions(ctx context.Context, ownerID, jobID string, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []executionRow
	var err error
	if jobID == "" {
		err = s.db.SelectContext(ctx, &rows, `
SELECT `+executionColumns+` FROM executions WHERE owner_id = ?
ORDER BY started_at DESC, rowid DESC LIMIT ?`, ownerID, limit)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
SELECT `+executionColumns+` FROM executions WHERE owner_id = ? AND job_id = ?
ORDER BY started_at DESC, rowid DESC LIMIT ?`, ownerID, jobID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	out := make([]domain.ExecutionRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteExecutions removes the owner's records, or only one job's when jobID
// is set.
func (s *Store) DeleteExecutions(ctx context.Context, ownerID, jobID string) (int64, error) {
	var (
		res sql.Result
		err error
	)
	if jobID == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM executions WHERE owner_id = ?`, ownerID)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM executions WHERE owner_id = ? AND job_id = ?`, ownerID, jobID)
	}
	if err != nil {
		return 0, fmt.Errorf("delete executions: %w", err)
	}
	return res.RowsAffected()
}

// PurgeExecutions deletes records started before the cutoff for owners on tier.
func (s *Store) PurgeExecutions(ctx context.Context, tier domain.Tier, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM executions
WHERE started_at < ? AND owner_id IN (SELECT id FROM owners WHERE tier = ?)`, millis(before), string(tier))
	if err != nil {
		return 0, fmt.Errorf("purge executions: %w", err)
	}
	return res.RowsAffected()
}
