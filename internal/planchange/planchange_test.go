package planchange

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronrelay/internal/domain"
	"cronrelay/internal/store"
)

// recordingStore counts writes so simulations can be checked for side
// effects.
type recordingStore struct {
	*store.Store
	applied int
}

func (r *recordingStore) ApplyPlanChange(ctx context.Context, ownerID string, tier domain.Tier, jobIDs, keyIDs []string) error {
	r.applied++
	return r.Store.ApplyPlanChange(ctx, ownerID, tier, jobIDs, keyIDs)
}

type fixture struct {
	store *recordingStore
	owner domain.Owner
	jobs  []domain.Job
	keys  []domain.APIKey
}

// newFixture creates a PRO owner with one */10 job, eleven hourly jobs and
// twelve API keys, all created in order.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "planchange.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()

	owner, err := st.CreateOwner(ctx, "owner@example.com", domain.TierPro)
	require.NoError(t, err)

	f := &fixture{store: &recordingStore{Store: st}, owner: owner}
	for i := 0; i < 12; i++ {
		expr := "0 * * * *"
		if i == 0 {
			expr = "*/10 * * * *"
		}
		created, err := st.CreateJobs(ctx, []domain.Job{{
			OwnerID:  owner.ID,
			Name:     fmt.Sprintf("job-%02d", i),
			URL:      "https://example.com",
			Method:   "GET",
			Schedule: expr,
			Timezone: "UTC",
			Enabled:  true,
		}})
		require.NoError(t, err)
		f.jobs = append(f.jobs, created[0])
	}
	for i := 0; i < 12; i++ {
		k, err := st.CreateAPIKey(ctx, domain.APIKey{
			OwnerID:   owner.ID,
			Name:      fmt.Sprintf("key-%02d", i),
			TokenHash: fmt.Sprintf("hash-%02d", i),
			Scopes:    []domain.Scope{domain.ScopeReadJobs},
			Enabled:   true,
			ExpiresAt: time.Now().Add(time.Hour),
		})
		require.NoError(t, err)
		f.keys = append(f.keys, k)
	}
	return f
}

func evictedIDs(evs []Eviction) []string {
	out := make([]string, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.ID)
	}
	return out
}

func TestDowngradeEvictsIntervalThenOldest(t *testing.T) {
	f := newFixture(t)
	o := New(f.store, zerolog.Nop())

	res, err := o.ChangePlan(context.Background(), f.owner.ID, domain.TierHobby, Options{Simulate: true})
	require.NoError(t, err)

	assert.True(t, res.Changed)
	assert.True(t, res.Downgrade)
	require.Len(t, res.Jobs.Evictions, 2)
	assert.Equal(t, f.jobs[0].ID, res.Jobs.Evictions[0].ID)
	assert.Equal(t, CauseInterval, res.Jobs.Evictions[0].Cause)
	assert.Contains(t, res.Jobs.Evictions[0].Reason, "10 < 15")
	assert.Equal(t, f.jobs[1].ID, res.Jobs.Evictions[1].ID)
	assert.Equal(t, CauseCount, res.Jobs.Evictions[1].Cause)

	assert.Equal(t, []string{f.keys[0].ID, f.keys[1].ID}, evictedIDs(res.Keys.Evictions))
	assert.Equal(t, 12, res.Keys.Current)
}

func TestSimulateWritesNothingAndMatchesCommit(t *testing.T) {
	f := newFixture(t)
	o := New(f.store, zerolog.Nop())
	ctx := context.Background()

	sim, err := o.ChangePlan(ctx, f.owner.ID, domain.TierFree, Options{Simulate: true})
	require.NoError(t, err)
	assert.Zero(t, f.store.applied)
	owner, err := f.store.GetOwner(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierPro, owner.Plan)
	jobs, err := f.store.ListJobs(ctx, f.owner.ID)
	require.NoError(t, err)
	for _, j := range jobs {
		assert.True(t, j.Enabled)
	}

	committed, err := o.ChangePlan(ctx, f.owner.ID, domain.TierFree, Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, f.store.applied)
	assert.Equal(t, sim.Jobs.Evictions, committed.Jobs.Evictions)
	assert.Equal(t, sim.Keys.Evictions, committed.Keys.Evictions)

	// FREE: */10 fails the 60 minute floor, then 11 hourly jobs shrink to 3.
	require.Len(t, committed.Jobs.Evictions, 9)
	jobs, err = f.store.ListJobs(ctx, f.owner.ID)
	require.NoError(t, err)
	var enabled []string
	for _, j := range jobs {
		if j.Enabled {
			enabled = append(enabled, j.ID)
		} else {
			assert.Nil(t, j.NextRunAt)
		}
	}
	assert.Equal(t, []string{f.jobs[9].ID, f.jobs[10].ID, f.jobs[11].ID}, enabled)

	owner, err = f.store.GetOwner(ctx, f.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierFree, owner.Plan)
}

func TestSameTierIsNoop(t *testing.T) {
	f := newFixture(t)
	o := New(f.store, zerolog.Nop())

	res, err := o.ChangePlan(context.Background(), f.owner.ID, domain.TierPro, Options{})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Empty(t, res.Jobs.Evictions)
	assert.Zero(t, f.store.applied)
}

func TestUpgradeEvictsNothing(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "upgrade.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	ctx := context.Background()
	owner, err := st.CreateOwner(ctx, "up@example.com", domain.TierFree)
	require.NoError(t, err)

	res, err := New(st, zerolog.Nop()).ChangePlan(ctx, owner.ID, domain.TierPro, Options{})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.False(t, res.Downgrade)

	owner, err = st.GetOwner(ctx, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TierPro, owner.Plan)
}

func TestPlanIgnoresDisabledAndUnparsable(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	jobs := []domain.Job{
		{ID: "a", Schedule: "* * * * *", Timezone: "UTC", Enabled: false},
		{ID: "b", Schedule: "bogus", Timezone: "UTC", Enabled: true},
		{ID: "c", Schedule: "0 0 * * *", Timezone: "UTC", Enabled: true},
	}
	jobImpact, keyImpact := Plan(domain.TierFree, jobs, nil, now)
	assert.Equal(t, 2, jobImpact.Current)
	assert.Empty(t, jobImpact.Evictions)
	assert.Empty(t, keyImpact.Evictions)
}
