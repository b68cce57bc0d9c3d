package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cronrelay/internal/domain"
	"cronrelay/internal/schedule"
	"cronrelay/internal/usage"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestCanCreateJob(t *testing.T) {
	d := CanCreateJob(domain.TierFree, usage.Snapshot{Jobs: 2})
	assert.True(t, d.Allowed)

	d = CanCreateJob(domain.TierFree, usage.Snapshot{Jobs: 3})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "3/3")
	assert.Equal(t, int64(3), d.Limit)
	assert.Equal(t, int64(3), d.Current)

	var qerr *domain.QuotaError
	require.True(t, errors.As(d.Err(), &qerr))
	assert.Equal(t, domain.QuotaJobs, qerr.Kind)
}

func TestCanCreateJobChurn(t *testing.T) {
	d := CanCreateJob(domain.TierFree, usage.Snapshot{Jobs: 0, JobChurnToday: 6})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "6/6")

	d = CanCreateJob(domain.TierFree, usage.Snapshot{Jobs: 0, JobChurnToday: 5})
	assert.True(t, d.Allowed)
}

func TestCanEnableJob(t *testing.T) {
	assert.True(t, CanEnableJob(domain.TierFree, usage.Snapshot{Jobs: 10, EnabledJobs: 2}).Allowed)
	assert.False(t, CanEnableJob(domain.TierFree, usage.Snapshot{Jobs: 10, EnabledJobs: 3}).Allowed)
}

func TestCanCreateAPIKey(t *testing.T) {
	assert.True(t, CanCreateAPIKey(domain.TierFree, usage.Snapshot{APIKeys: 9}).Allowed)
	assert.False(t, CanCreateAPIKey(domain.TierPro, usage.Snapshot{APIKeys: 10}).Allowed)
	assert.False(t, CanCreateAPIKey(domain.TierPro, usage.Snapshot{APIKeys: 1, KeyChurnToday: 20}).Allowed)
}

func TestCanExecute(t *testing.T) {
	assert.True(t, CanExecute(domain.TierFree, usage.Snapshot{MonthlyExecutions: 299}).Allowed)
	assert.False(t, CanExecute(domain.TierFree, usage.Snapshot{MonthlyExecutions: 300}).Allowed)
	assert.True(t, CanExecute(domain.TierPro, usage.Snapshot{MonthlyExecutions: 1 << 40}).Allowed)
}

func TestCanCallAPI(t *testing.T) {
	assert.True(t, CanCallAPI(domain.TierFree, usage.Snapshot{DailyAPICalls: 99}).Allowed)
	d := CanCallAPI(domain.TierFree, usage.Snapshot{DailyAPICalls: 100})
	assert.False(t, d.Allowed)
	assert.Equal(t, domain.QuotaAPICalls, d.Kind)
}

func TestChecksArePure(t *testing.T) {
	s := usage.Snapshot{Jobs: 1, MonthlyExecutions: 10, DailyAPICalls: 5}
	first := []Decision{CanCreateJob(domain.TierHobby, s), CanExecute(domain.TierHobby, s), CanCallAPI(domain.TierHobby, s)}
	second := []Decision{CanCreateJob(domain.TierHobby, s), CanExecute(domain.TierHobby, s), CanCallAPI(domain.TierHobby, s)}
	assert.Equal(t, first, second)
	assert.Equal(t, usage.Snapshot{Jobs: 1, MonthlyExecutions: 10, DailyAPICalls: 5}, s)
}

func TestValidateInterval(t *testing.T) {
	d, err := ValidateInterval("*/10 * * * *", "UTC", domain.TierHobby, now)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "10 < 15")

	d, err = ValidateInterval("*/15 * * * *", "UTC", domain.TierHobby, now)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	_, err = ValidateInterval("nope", "UTC", domain.TierHobby, now)
	var serr *schedule.InvalidScheduleError
	assert.ErrorAs(t, err, &serr)
}

type mockOwners struct{ mock.Mock }

func (m *mockOwners) GetOwner(ctx context.Context, id string) (domain.Owner, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(domain.Owner), args.Error(1)
}

type mockLedger struct{ mock.Mock }

func (m *mockLedger) Snapshot(ctx context.Context, ownerID string) (usage.Snapshot, error) {
	args := m.Called(ctx, ownerID)
	return args.Get(0).(usage.Snapshot), args.Error(1)
}

func TestGuardCheck(t *testing.T) {
	owners := new(mockOwners)
	ledger := new(mockLedger)
	ctx := context.Background()

	owners.On("GetOwner", ctx, "own_1").Return(domain.Owner{ID: "own_1", Plan: domain.TierFree}, nil)
	ledger.On("Snapshot", ctx, "own_1").Return(usage.Snapshot{Jobs: 3}, nil)

	g := NewGuard(owners, ledger)
	d, err := g.Check(ctx, domain.QuotaJobs, "own_1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "3/3")

	_, err = g.Check(ctx, domain.QuotaInterval, "own_1")
	assert.Error(t, err)

	owners.AssertExpectations(t)
	ledger.AssertExpectations(t)
}

func TestGuardCheckPropagatesOwnerErrors(t *testing.T) {
	owners := new(mockOwners)
	ctx := context.Background()
	owners.On("GetOwner", ctx, "missing").Return(domain.Owner{}, domain.ErrNotFound)

	g := NewGuard(owners, new(mockLedger))
	_, err := g.Check(ctx, domain.QuotaExecutions, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
