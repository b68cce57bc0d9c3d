package scheduler

import (
	"context"
	"fmt"
	"time"

	"cronrelay/internal/domain"
	"cronrelay/internal/plan"
)

type LogPurger interface {
	PurgeExecutions(ctx context.Context, tier domain.Tier, before time.Time) (int64, error)
}

// SessionPurger is implemented by stores that also keep dashboard sessions.
type SessionPurger interface {
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}

// PurgeExpiredLogs deletes execution records older than each tier's
// retention window and returns how many were removed.
func PurgeExpiredLogs(ctx context.Context, p LogPurger, now time.Time) (int64, error) {
	var total int64
	for _, l := range plan.All() {
		cutoff := now.Add(-time.Duration(l.LogRetentionDays) * 24 * time.Hour)
		n, err := p.PurgeExecutions(ctx, l.Tier, cutoff)
		if err != nil {
			return total, fmt.Errorf("purge %s logs: %w", l.Tier, err)
		}
		total += n
	}
	return total, nil
}
