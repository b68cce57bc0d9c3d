package request

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"cronrelay/internal/domain"
)

const maxBodyBytes = 1 << 20

// Decode reads a JSON body into v and checks its validate tags.
func Decode(r *http.Request, v any) error {
	if err := DecodeJSON(r, v); err != nil {
		return err
	}
	return domain.Validate(v)
}

// DecodeJSON reads a JSON body into v without validating it, for inputs
// their service normalizes first.
func DecodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			return verr
		}
		return &domain.ValidationError{Reason: "invalid JSON: " + err.Error()}
	}
	return nil
}

// Limit reads the "limit" query parameter, falling back to def and capping
// at ceiling.
func Limit(r *http.Request, def, ceiling int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, &domain.ValidationError{Field: "limit", Reason: "must be a positive integer"}
	}
	if n > ceiling {
		n = ceiling
	}
	return n, nil
}
