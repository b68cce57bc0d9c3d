package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cronrelay/internal/domain"
)

// lastUsedResolution limits last_used_at writes to one per key per hour.
const lastUsedResolution = time.Hour

type KeyStore interface {
	APIKeyByHash(ctx context.Context, tokenHash string) (domain.APIKey, error)
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
	IncrementKeyCalls(ctx context.Context, id string) error
	InsertAPICall(ctx context.Context, call domain.APICall) error
}

type SessionResolver interface {
	ResolveSession(ctx context.Context, token string) (string, error)
}

type APICallLedger interface {
	RecordAPICall(ctx context.Context, ownerID string) error
}

// Effects runs work off the request path.
type Effects interface {
	Submit(name string, fn func(ctx context.Context) error) bool
}

type Verifier struct {
	issuer   *Issuer
	keys     KeyStore
	sessions SessionResolver
	ledger   APICallLedger
	effects  Effects
	log      zerolog.Logger
	now      func() time.Time
}

func NewVerifier(issuer *Issuer, keys KeyStore, sessions SessionResolver, ledger APICallLedger, effects Effects, logger zerolog.Logger) *Verifier {
	return &Verifier{
		issuer:   issuer,
		keys:     keys,
		sessions: sessions,
		ledger:   ledger,
		effects:  effects,
		log:      logger.With().Str("component", "auth").Logger(),
		now:      time.Now,
	}
}

// Verify authenticates r by its bearer token or, failing that, its session
// cookie.
func (v *Verifier) Verify(ctx context.Context, r *http.Request) (Principal, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		return v.verifyBearer(ctx, h)
	}
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		ownerID, err := v.sessions.ResolveSession(ctx, c.Value)
		if err != nil {
			return Principal{}, err
		}
		return Principal{Kind: KindSession, OwnerID: ownerID}, nil
	}
	return Principal{}, domain.ErrMissingCredential
}

func (v *Verifier) verifyBearer(ctx context.Context, header string) (Principal, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return Principal{}, domain.ErrInvalidCredential
	}
	raw = strings.TrimSpace(raw)
	if len(raw) < MinTokenLength || strings.Count(raw, ".") != 2 {
		return Principal{}, domain.ErrInvalidCredential
	}

	claims, err := v.issuer.Parse(raw)
	if err != nil {
		return Principal{}, err
	}

	key, err := v.keys.APIKeyByHash(ctx, HashToken(raw))
	if errors.Is(err, domain.ErrNotFound) {
		return Principal{}, domain.ErrUnknownCredential
	}
	if err != nil {
		return Principal{}, err
	}
	if key.ID != claims.KeyID || key.OwnerID != claims.OwnerID {
		return Principal{}, domain.ErrUnknownCredential
	}
	if !key.Enabled {
		return Principal{}, domain.ErrRevokedCredential
	}
	now := v.now()
	if !now.Before(key.ExpiresAt) {
		return Principal{}, domain.ErrExpiredCredential
	}

	if key.LastUsedAt == nil || now.Sub(*key.LastUsedAt) >= lastUsedResolution {
		v.effects.Submit("touch api key", func(ctx context.Context) error {
			return v.keys.TouchAPIKey(ctx, key.ID, now)
		})
	}

	var scopes []domain.Scope
	for _, s := range claims.Scopes {
		if slices.Contains(key.Scopes, domain.Scope(s)) {
			scopes = append(scopes, domain.Scope(s))
		}
	}
	return Principal{Kind: KindAPIKey, OwnerID: key.OwnerID, KeyID: key.ID, Scopes: scopes}, nil
}

// RecordUse counts an admitted API request against the principal's key and
// owner. The writes happen in the background; failures there are logged by
// the queue and never fail the request.
func (v *Verifier) RecordUse(p Principal, method, path string) {
	if p.Kind != KindAPIKey {
		return
	}
	at := v.now()
	v.effects.Submit("record api call", func(ctx context.Context) error {
		return v.keys.InsertAPICall(ctx, domain.APICall{OwnerID: p.OwnerID, KeyID: p.KeyID, Method: method, Path: path, At: at})
	})
	v.effects.Submit("increment key calls", func(ctx context.Context) error {
		return v.keys.IncrementKeyCalls(ctx, p.KeyID)
	})
	v.effects.Submit("increment api call usage", func(ctx context.Context) error {
		return v.ledger.RecordAPICall(ctx, p.OwnerID)
	})
}
