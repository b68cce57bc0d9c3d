package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTier(t *testing.T) {
	tier, err := ParseTier(" hobby ")
	require.NoError(t, err)
	assert.Equal(t, TierHobby, tier)

	_, err = ParseTier("gold")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "plan", verr.Field)
}

func TestTierRank(t *testing.T) {
	assert.Less(t, TierFree.Rank(), TierHobby.Rank())
	assert.Less(t, TierHobby.Rank(), TierPro.Rank())
}

func TestParseScopes(t *testing.T) {
	scopes, err := ParseScopes([]string{"read:jobs", "write:jobs", "read:jobs"})
	require.NoError(t, err)
	assert.Equal(t, []Scope{ScopeReadJobs, ScopeWriteJobs}, scopes)

	_, err = ParseScopes(nil)
	assert.Error(t, err)

	_, err = ParseScopes([]string{"admin"})
	assert.ErrorContains(t, err, "unknown scope")
}

func TestValidateReportsJSONField(t *testing.T) {
	type input struct {
		Name   string `json:"name" validate:"required"`
		Method string `json:"method" validate:"omitempty,oneof=GET POST"`
	}

	require.NoError(t, Validate(input{Name: "ok"}))

	var verr *ValidationError
	require.True(t, errors.As(Validate(input{}), &verr))
	assert.Equal(t, "name", verr.Field)
	assert.Equal(t, "is required", verr.Reason)

	require.True(t, errors.As(Validate(input{Name: "x", Method: "TRACE"}), &verr))
	assert.Equal(t, "method", verr.Field)
	assert.Contains(t, verr.Reason, "GET POST")
}
