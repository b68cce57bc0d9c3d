package domain

import (
	"errors"
	"fmt"
)

var ErrNotFound = errors.New("not found")

// Credential failures. Each is reported distinctly so callers can tell a
// revoked key apart from a forged one.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrUnknownCredential = errors.New("unknown credential")
	ErrRevokedCredential = errors.New("credential revoked")
	ErrExpiredCredential = errors.New("credential expired")
	ErrInsufficientScope = errors.New("insufficient scope")
)

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

type QuotaKind string

const (
	QuotaJobs       QuotaKind = "jobs"
	QuotaAPIKeys    QuotaKind = "api_keys"
	QuotaExecutions QuotaKind = "executions"
	QuotaAPICalls   QuotaKind = "api_calls"
	QuotaInterval   QuotaKind = "interval"
)

type QuotaError struct {
	Kind    QuotaKind
	Limit   int64
	Current int64
	Message string
}

func (e *QuotaError) Error() string {
	return e.Message
}
