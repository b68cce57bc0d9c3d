package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"cronrelay/internal/domain"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message string) {
	WriteJSON(w, status, map[string]string{"error": message})
}

type quotaBody struct {
	Error   string           `json:"error"`
	Kind    domain.QuotaKind `json:"kind"`
	Limit   int64            `json:"limit"`
	Current int64            `json:"current"`
}

type validationBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

var credentialErrors = []error{
	domain.ErrMissingCredential,
	domain.ErrInvalidCredential,
	domain.ErrUnknownCredential,
	domain.ErrRevokedCredential,
	domain.ErrExpiredCredential,
}

// WriteDomainError maps err to a status code and body. Unexpected errors are
// logged and reported as 500 without detail.
func WriteDomainError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var (
		verr *domain.ValidationError
		qerr *domain.QuotaError
	)
	switch {
	case errors.As(err, &verr):
		WriteJSON(w, http.StatusBadRequest, validationBody{Error: verr.Error(), Field: verr.Field})
		return
	case errors.As(err, &qerr):
		status := http.StatusForbidden
		if qerr.Kind == domain.QuotaAPICalls {
			status = http.StatusTooManyRequests
		}
		WriteJSON(w, status, quotaBody{Error: qerr.Message, Kind: qerr.Kind, Limit: qerr.Limit, Current: qerr.Current})
		return
	case errors.Is(err, domain.ErrInsufficientScope):
		WriteError(w, http.StatusForbidden, domain.ErrInsufficientScope.Error())
		return
	case errors.Is(err, domain.ErrNotFound):
		WriteError(w, http.StatusNotFound, domain.ErrNotFound.Error())
		return
	}
	for _, c := range credentialErrors {
		if errors.Is(err, c) {
			// Token parse details stay in the logs.
			WriteError(w, http.StatusUnauthorized, c.Error())
			return
		}
	}
	logger.Error().Err(err).Msg("request failed")
	WriteError(w, http.StatusInternalServerError, "internal error")
}
