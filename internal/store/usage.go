package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"cronrelay/internal/domain"
)

// Period identifies the monthly and daily counter rows an event lands in.
type Period struct {
	Year  int
	Month int
	Date  string // YYYY-MM-DD
}

// Billing is the overage rule applied to the monthly execution counter.
type Billing struct {
	IncludedExecutions int64
	OverageMicros      int64
}

// IncrementExecution adds one execution to the owner's monthly and daily rows
// and bills overage, all as single upserts in one transaction.
func (s *Store) IncrementExecution(ctx context.Context, ownerID string, p Period, b Billing) error {
	var firstCharge int64
	if b.OverageMicros > 0 && 1 > b.IncludedExecutions {
		firstCharge = b.OverageMicros
	}
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO monthly_usage (owner_id, year, month, executions, billed_micros) VALUES (?, ?, ?, 1, ?)
ON CONFLICT(owner_id, year, month) DO UPDATE SET
  executions = monthly_usage.executions + 1,
  billed_micros = monthly_usage.billed_micros +
    CASE WHEN monthly_usage.executions + 1 > ? THEN ? ELSE 0 END`,
			ownerID, p.Year, p.Month, firstCharge, b.IncludedExecutions, b.OverageMicros)
		if err != nil {
			return fmt.Errorf("increment monthly executions: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO daily_usage (owner_id, date, executions) VALUES (?, ?, 1)
ON CONFLICT(owner_id, date) DO UPDATE SET executions = daily_usage.executions + 1`,
			ownerID, p.Date)
		if err != nil {
			return fmt.Errorf("increment daily executions: %w", err)
		}
		return nil
	})
}

func (s *Store) IncrementAPICall(ctx context.Context, ownerID string, p Period) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO monthly_usage (owner_id, year, month, api_calls) VALUES (?, ?, ?, 1)
ON CONFLICT(owner_id, year, month) DO UPDATE SET api_calls = monthly_usage.api_calls + 1`,
			ownerID, p.Year, p.Month)
		if err != nil {
			return fmt.Errorf("increment monthly api calls: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO daily_usage (owner_id, date, api_calls) VALUES (?, ?, 1)
ON CONFLICT(owner_id, date) DO UPDATE SET api_calls = daily_usage.api_calls + 1`,
			ownerID, p.Date)
		if err != nil {
			return fmt.Errorf("increment daily api calls: %w", err)
		}
		return nil
	})
}

// RecordResourceEvent appends ev to the history and raises the day's peak
// job and key counts to the live counts.
func (s *Store) RecordResourceEvent(ctx context.Context, ev domain.ResourceEvent, date string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO resource_history (owner_id, resource, resource_id, event, at) VALUES (?, ?, ?, ?, ?)`,
			ev.OwnerID, string(ev.Resource), ev.ResourceID, string(ev.Action), millis(ev.At))
		if err != nil {
			return fmt.Errorf("insert resource event: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO daily_usage (owner_id, date, peak_jobs, peak_keys) VALUES (?, ?,
  (SELECT COUNT(*) FROM jobs WHERE owner_id = ?),
  (SELECT COUNT(*) FROM api_keys WHERE owner_id = ? AND enabled = 1))
ON CONFLICT(owner_id, date) DO UPDATE SET
  peak_jobs = MAX(daily_usage.peak_jobs, excluded.peak_jobs),
  peak_keys = MAX(daily_usage.peak_keys, excluded.peak_keys)`,
			ev.OwnerID, date, ev.OwnerID, ev.OwnerID)
		if err != nil {
			return fmt.Errorf("update daily peaks: %w", err)
		}
		return nil
	})
}

// ResourceChurn counts create and delete events of a resource type in
// [from, to).
func (s *Store) ResourceChurn(ctx context.Context, ownerID string, resource domain.Resource, from, to time.Time) (int64, error) {
	var n int64
	err := s.db.GetContext(ctx, &n, `
SELECT COUNT(*) FROM resource_history WHERE owner_id = ? AND resource = ? AND at >= ? AND at < ?`,
		ownerID, string(resource), millis(from), millis(to))
	if err != nil {
		return 0, fmt.Errorf("count resource churn: %w", err)
	}
	return n, nil
}

// MonthlyUsage returns the owner's row for the month, zero valued if absent.
func (s *Store) MonthlyUsage(ctx context.Context, ownerID string, year, month int) (domain.MonthlyUsage, error) {
	var row struct {
		Executions   int64 `db:"executions"`
		APICalls     int64 `db:"api_calls"`
		BilledMicros int64 `db:"billed_micros"`
	}
	err := s.db.GetContext(ctx, &row, `
SELECT executions, api_calls, billed_micros FROM monthly_usage WHERE owner_id = ? AND year = ? AND month = ?`,
		ownerID, year, month)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.MonthlyUsage{}, fmt.Errorf("monthly usage: %w", err)
	}
	return domain.MonthlyUsage{
		OwnerID:      ownerID,
		Year:         year,
		Month:        month,
		Executions:   row.Executions,
		APICalls:     row.APICalls,
		BilledMicros: row.BilledMicros,
	}, nil
}

// DailyUsage returns the owner's row for date, zero valued if absent.
func (s *Store) DailyUsage(ctx context.Context, ownerID, date string) (domain.DailyUsage, error) {
	var row struct {
		Executions int64 `db:"executions"`
		APICalls   int64 `db:"api_calls"`
		PeakJobs   int64 `db:"peak_jobs"`
		PeakKeys   int64 `db:"peak_keys"`
	}
	err := s.db.GetContext(ctx, &row, `
SELECT executions, api_calls, peak_jobs, peak_keys FROM daily_usage WHERE owner_id = ? AND date = ?`,
		ownerID, date)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return domain.DailyUsage{}, fmt.Errorf("daily usage: %w", err)
	}
	return domain.DailyUsage{
		OwnerID:    ownerID,
		Date:       date,
		Executions: row.Executions,
		APICalls:   row.APICalls,
		PeakJobs:   row.PeakJobs,
		PeakKeys:   row.PeakKeys,
	}, nil
}

func (s *Store) InsertAPICall(ctx context.Context, call domain.APICall) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO api_calls (owner_id, key_id, method, path, at) VALUES (?, ?, ?, ?, ?)`,
		call.OwnerID, call.KeyID, call.Method, call.Path, millis(call.At))
	if err != nil {
		return fmt.Errorf("insert api call: %w", err)
	}
	return nil
}
