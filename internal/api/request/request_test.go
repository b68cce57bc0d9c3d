package request

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronrelay/internal/domain"
)

type body struct {
	Name string `json:"name" validate:"required"`
}

func TestDecode(t *testing.T) {
	var b body
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"x"}`))
	require.NoError(t, Decode(r, &b))
	assert.Equal(t, "x", b.Name)

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":`))
	var verr *domain.ValidationError
	require.True(t, errors.As(Decode(r, &b), &verr))
	assert.Contains(t, verr.Reason, "invalid JSON")

	r = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	b = body{}
	require.True(t, errors.As(Decode(r, &b), &verr))
	assert.Equal(t, "name", verr.Field)
}

func TestLimit(t *testing.T) {
	n, err := Limit(httptest.NewRequest(http.MethodGet, "/", nil), 50, 200)
	require.NoError(t, err)
	assert.Equal(t, 50, n)

	n, err = Limit(httptest.NewRequest(http.MethodGet, "/?limit=500", nil), 50, 200)
	require.NoError(t, err)
	assert.Equal(t, 200, n)

	_, err = Limit(httptest.NewRequest(http.MethodGet, "/?limit=-1", nil), 50, 200)
	assert.Error(t, err)
}
