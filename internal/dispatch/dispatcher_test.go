package dispatch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cronrelay/internal/caller"
	"cronrelay/internal/domain"
	"cronrelay/internal/store"
	"cronrelay/internal/usage"
)

const callTimeout = 300 * time.Millisecond

type target struct {
	srv      *httptest.Server
	inflight atomic.Int32
	peak     atomic.Int32
	hits     atomic.Int32
}

func newTarget(t *testing.T) *target {
	t.Helper()
	tg := &target{}
	tg.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tg.hits.Add(1)
		n := tg.inflight.Add(1)
		defer tg.inflight.Add(-1)
		for {
			p := tg.peak.Load()
			if n <= p || tg.peak.CompareAndSwap(p, n) {
				break
			}
		}
		switch r.URL.Path {
		case "/hang":
			<-r.Context().Done()
			return
		case "/slow":
			time.Sleep(200 * time.Millisecond)
		}
		time.Sleep(30 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(tg.srv.Close)
	return tg
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func createJobs(t *testing.T, st *store.Store, ownerID string, urls ...string) []domain.Job {
	t.Helper()
	in := make([]domain.Job, len(urls))
	for i, u := range urls {
		in[i] = domain.Job{
			OwnerID:  ownerID,
			Name:     "job",
			URL:      u,
			Method:   http.MethodGet,
			Schedule: "*/5 * * * *",
			Timezone: "UTC",
			Enabled:  true,
		}
	}
	jobs, err := st.CreateJobs(context.Background(), in)
	require.NoError(t, err)
	return jobs
}

func TestDispatchDueJobsBoundedAndTimeBoxed(t *testing.T) {
	st := newStore(t)
	tg := newTarget(t)
	ctx := context.Background()
	owner, err := st.CreateOwner(ctx, "pro@example.com", domain.TierPro)
	require.NoError(t, err)

	urls := []string{tg.srv.URL + "/hang"}
	for i := 0; i < 7; i++ {
		urls = append(urls, tg.srv.URL+"/ok")
	}
	createJobs(t, st, owner.ID, urls...)

	ledger := usage.NewLedger(st, time.UTC)
	d := New(st, ledger, caller.New(callTimeout), Options{Width: 5}, zerolog.Nop())

	now := time.Now()
	start := time.Now()
	summary, err := d.DispatchDueJobs(ctx, now)
	elapsed := time.Since(start)
	require.NoError(t, err)

	assert.Equal(t, 8, summary.Due)
	assert.Equal(t, 8, summary.Executed)
	assert.Equal(t, 7, summary.Succeeded)
	assert.LessOrEqual(t, tg.peak.Load(), int32(5))
	assert.GreaterOrEqual(t, elapsed, callTimeout)
	assert.Less(t, elapsed, 3*callTimeout)

	jobs, err := st.ListJobs(ctx, owner.ID)
	require.NoError(t, err)
	for _, j := range jobs {
		require.NotNil(t, j.NextRunAt)
		assert.True(t, j.NextRunAt.After(now), "job %s next run %s", j.ID, j.NextRunAt)
		assert.Equal(t, int64(1), j.ExecutionCount)
	}

	recs, err := st.ListExecutions(ctx, owner.ID, "", 20)
	require.NoError(t, err)
	require.Len(t, recs, 8)
	var timedOut int
	for _, r := range recs {
		if r.TimedOut {
			timedOut++
			assert.Zero(t, r.Status)
			assert.Equal(t, "request timeout (300ms)", r.ResponseBody)
		}
	}
	assert.Equal(t, 1, timedOut)

	snap, err := ledger.Snapshot(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8), snap.MonthlyExecutions)

	// Same instant again: nothing is due any more.
	again, err := d.DispatchDueJobs(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, again.Due)
	assert.Equal(t, int32(8), tg.hits.Load())
}

func TestDispatchDisablesInvalidSchedule(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	owner, err := st.CreateOwner(ctx, "bad@example.com", domain.TierPro)
	require.NoError(t, err)
	jobs, err := st.CreateJobs(ctx, []domain.Job{{
		OwnerID: owner.ID, Name: "broken", URL: "http://127.0.0.1:1", Method: http.MethodGet,
		Schedule: "not a cron", Timezone: "UTC", Enabled: true,
	}})
	require.NoError(t, err)

	d := New(st, usage.NewLedger(st, time.UTC), caller.New(callTimeout), Options{}, zerolog.Nop())
	summary, err := d.DispatchDueJobs(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Disabled)

	got, err := st.GetJob(ctx, owner.ID, jobs[0].ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
}

func TestDispatchSkipsMissedRuns(t *testing.T) {
	st := newStore(t)
	tg := newTarget(t)
	ctx := context.Background()
	owner, err := st.CreateOwner(ctx, "late@example.com", domain.TierPro)
	require.NoError(t, err)
	job := createJobs(t, st, owner.ID, tg.srv.URL+"/ok")[0]

	now := time.Date(2024, 1, 1, 12, 2, 0, 0, time.UTC)
	stale := now.Add(-3 * time.Hour)
	ok, err := st.ClaimRun(ctx, job.ID, nil, stale)
	require.NoError(t, err)
	require.True(t, ok)

	d := New(st, usage.NewLedger(st, time.UTC), caller.New(callTimeout), Options{}, zerolog.Nop())
	_, err = d.DispatchDueJobs(ctx, now)
	require.NoError(t, err)

	got, err := st.GetJob(ctx, owner.ID, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC)), "got %s", got.NextRunAt)
	assert.Equal(t, int32(1), tg.hits.Load())
}

type mockLedger struct{ mock.Mock }

func (m *mockLedger) Snapshot(ctx context.Context, ownerID string) (usage.Snapshot, error) {
	args := m.Called(ctx, ownerID)
	return args.Get(0).(usage.Snapshot), args.Error(1)
}

func (m *mockLedger) RecordExecution(ctx context.Context, ownerID string, tier domain.Tier) error {
	return m.Called(ctx, ownerID, tier).Error(0)
}

func TestScheduledRunOverQuota(t *testing.T) {
	for _, enforce := range []bool{true, false} {
		st := newStore(t)
		tg := newTarget(t)
		ctx := context.Background()
		owner, err := st.CreateOwner(ctx, "free@example.com", domain.TierFree)
		require.NoError(t, err)
		createJobs(t, st, owner.ID, tg.srv.URL+"/ok")

		ledger := new(mockLedger)
		ledger.On("Snapshot", mock.Anything, owner.ID).Return(usage.Snapshot{MonthlyExecutions: 300}, nil)

		d := New(st, ledger, caller.New(callTimeout), Options{EnforceScheduledQuota: enforce}, zerolog.Nop())
		summary, err := d.DispatchDueJobs(ctx, time.Now())
		require.NoError(t, err)

		if enforce {
			assert.Equal(t, 1, summary.Skipped)
			assert.Zero(t, tg.hits.Load())
		} else {
			assert.Equal(t, 1, summary.Executed)
			assert.Equal(t, int32(1), tg.hits.Load())
		}
		ledger.AssertNotCalled(t, "RecordExecution", mock.Anything, mock.Anything, mock.Anything)
	}
}

func TestParallelRunsStopAtMonthlyLimit(t *testing.T) {
	st := newStore(t)
	tg := newTarget(t)
	ctx := context.Background()
	owner, err := st.CreateOwner(ctx, "free@example.com", domain.TierFree)
	require.NoError(t, err)

	ledger := usage.NewLedger(st, time.UTC)
	for i := 0; i < 298; i++ {
		require.NoError(t, ledger.RecordExecution(ctx, owner.ID, domain.TierFree))
	}
	urls := make([]string, 5)
	for i := range urls {
		urls[i] = tg.srv.URL + "/ok"
	}
	createJobs(t, st, owner.ID, urls...)

	d := New(st, ledger, caller.New(callTimeout), Options{Width: 5, EnforceScheduledQuota: true}, zerolog.Nop())
	summary, err := d.DispatchDueJobs(ctx, time.Now())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Executed)
	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, int32(2), tg.hits.Load())
	snap, err := ledger.Snapshot(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300), snap.MonthlyExecutions)
}

func TestExecuteJobManual(t *testing.T) {
	st := newStore(t)
	tg := newTarget(t)
	ctx := context.Background()
	owner, err := st.CreateOwner(ctx, "manual@example.com", domain.TierHobby)
	require.NoError(t, err)
	job := createJobs(t, st, owner.ID, tg.srv.URL+"/ok")[0]

	ledger := new(mockLedger)
	ledger.On("Snapshot", mock.Anything, owner.ID).Return(usage.Snapshot{MonthlyExecutions: 10}, nil).Once()
	ledger.On("RecordExecution", mock.Anything, owner.ID, domain.TierHobby).Return(nil).Once()

	d := New(st, ledger, caller.New(callTimeout), Options{}, zerolog.Nop())
	rec, err := d.ExecuteJob(ctx, job, domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, domain.TriggerManual, rec.Trigger)
	assert.True(t, rec.Success)

	got, err := st.GetJob(ctx, owner.ID, job.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRunAt)
	assert.Equal(t, int64(1), got.ExecutionCount)

	ledger.On("Snapshot", mock.Anything, owner.ID).Return(usage.Snapshot{MonthlyExecutions: 3000}, nil).Once()
	_, err = d.ExecuteJob(ctx, job, domain.TriggerManual)
	var qerr *domain.QuotaError
	require.True(t, errors.As(err, &qerr))
	assert.Equal(t, domain.QuotaExecutions, qerr.Kind)
	assert.Equal(t, int32(1), tg.hits.Load())
	ledger.AssertExpectations(t)
}

func TestDispatchSurvivesCancelledContext(t *testing.T) {
	st := newStore(t)
	tg := newTarget(t)
	owner, err := st.CreateOwner(context.Background(), "cancel@example.com", domain.TierPro)
	require.NoError(t, err)
	job := createJobs(t, st, owner.ID, tg.srv.URL+"/slow")[0]

	ledger := usage.NewLedger(st, time.UTC)
	d := New(st, ledger, caller.New(time.Second), Options{}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	now := time.Now()
	summary, err := d.DispatchDueJobs(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Executed)
	assert.Equal(t, 1, summary.Succeeded)
	require.Error(t, ctx.Err())

	got, err := st.GetJob(context.Background(), owner.ID, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(now))
	assert.Equal(t, int64(1), got.ExecutionCount)

	recs, err := st.ListExecutions(context.Background(), owner.ID, job.ID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, http.StatusOK, recs[0].Status)
}
