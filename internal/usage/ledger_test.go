package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"cronrelay/internal/domain"
	"cronrelay/internal/store"
)

func newTestLedger(t *testing.T, tier domain.Tier) (*Ledger, *store.Store, domain.Owner) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	owner, err := st.CreateOwner(context.Background(), "ledger@example.com", tier)
	require.NoError(t, err)

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	return NewLedger(st, tokyo), st, owner
}

func TestDayUsesLedgerLocation(t *testing.T) {
	l, _, _ := newTestLedger(t, domain.TierFree)

	// 16:00 UTC on the 31st is already the 1st in Tokyo.
	p, start, end := l.Day(time.Date(2024, 3, 31, 16, 0, 0, 0, time.UTC))
	assert.Equal(t, store.Period{Year: 2024, Month: 4, Date: "2024-04-01"}, p)
	assert.True(t, start.Equal(time.Date(2024, 3, 31, 15, 0, 0, 0, time.UTC)))
	assert.Equal(t, 24*time.Hour, end.Sub(start))
}

func TestSnapshotReflectsRecordedEvents(t *testing.T) {
	l, st, owner := newTestLedger(t, domain.TierHobby)
	ctx := context.Background()

	jobs, err := st.CreateJobs(ctx, []domain.Job{{
		OwnerID: owner.ID, Name: "a", URL: "https://example.com", Method: "GET",
		Schedule: "0 * * * *", Timezone: "UTC", Enabled: true,
	}})
	require.NoError(t, err)
	require.NoError(t, l.RecordResource(ctx, owner.ID, domain.ResourceJob, jobs[0].ID, domain.ActionCreated))

	for i := 0; i < 3; i++ {
		require.NoError(t, l.RecordExecution(ctx, owner.ID, domain.TierHobby))
	}
	require.NoError(t, l.RecordAPICall(ctx, owner.ID))
	require.NoError(t, l.RecordAPICall(ctx, owner.ID))

	snap, err := l.Snapshot(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, Snapshot{
		Jobs:              1,
		EnabledJobs:       1,
		JobChurnToday:     1,
		MonthlyExecutions: 3,
		DailyAPICalls:     2,
	}, snap)
}

func TestRecordExecutionBillsProOverage(t *testing.T) {
	l, _, owner := newTestLedger(t, domain.TierPro)
	ctx := context.Background()

	for i := 0; i < 1002; i++ {
		require.NoError(t, l.RecordExecution(ctx, owner.ID, domain.TierPro))
	}

	sum, err := l.Summary(ctx, owner.ID, domain.TierPro)
	require.NoError(t, err)
	assert.Equal(t, int64(1002), sum.Monthly.Executions)
	assert.Equal(t, int64(2*5000), sum.Monthly.BilledMicros)
	assert.Equal(t, int64(-1), sum.Limits.MaxMonthlyExecutions)
}

func TestRecordExecutionDoesNotBillFreeTier(t *testing.T) {
	l, _, owner := newTestLedger(t, domain.TierFree)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, l.RecordExecution(ctx, owner.ID, domain.TierFree))
	}
	sum, err := l.Summary(ctx, owner.ID, domain.TierFree)
	require.NoError(t, err)
	assert.Zero(t, sum.Monthly.BilledMicros)
	assert.Equal(t, int64(5), sum.Daily.Executions)
}

func TestConcurrentRecordsAreNotLost(t *testing.T) {
	l, _, owner := newTestLedger(t, domain.TierPro)
	ctx := context.Background()

	const n = 50
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error { return l.RecordExecution(ctx, owner.ID, domain.TierPro) })
		g.Go(func() error { return l.RecordAPICall(ctx, owner.ID) })
	}
	require.NoError(t, g.Wait())

	sum, err := l.Summary(ctx, owner.ID, domain.TierPro)
	require.NoError(t, err)
	assert.Equal(t, int64(n), sum.Monthly.Executions)
	assert.Equal(t, int64(n), sum.Monthly.APICalls)
	assert.Equal(t, int64(n), sum.Daily.Executions)
	assert.Equal(t, int64(n), sum.Daily.APICalls)
}
