package auth

import (
	"context"
	"slices"

	"cronrelay/internal/domain"
)

type Kind int

const (
	KindSession Kind = iota + 1
	KindAPIKey
)

func (k Kind) String() string {
	switch k {
	case KindSession:
		return "session"
	case KindAPIKey:
		return "api_key"
	}
	return "unknown"
}

// Principal is the authenticated caller of a request. Sessions act with
// every scope; API keys act with the scopes both the token and the stored
// key still grant.
type Principal struct {
	Kind    Kind
	OwnerID string
	KeyID   string
	Scopes  []domain.Scope
}

func (p Principal) HasScope(s domain.Scope) bool {
	if p.Kind == KindSession {
		return true
	}
	return slices.Contains(p.Scopes, s)
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
