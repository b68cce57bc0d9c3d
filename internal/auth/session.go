package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"cronrelay/internal/domain"
)

// SessionCookie carries the dashboard session token.
const SessionCookie = "cronrelay_session"

type SessionRepo interface {
	CreateSession(ctx context.Context, ownerID, tokenHash string, expiresAt time.Time) error
	SessionOwner(ctx context.Context, tokenHash string) (string, time.Time, error)
}

// Sessions issues and resolves opaque session tokens.
type Sessions struct {
	repo SessionRepo
	ttl  time.Duration
	now  func() time.Time
}

func NewSessions(repo SessionRepo, ttl time.Duration) *Sessions {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{repo: repo, ttl: ttl, now: time.Now}
}

func (s *Sessions) Issue(ctx context.Context, ownerID string) (string, time.Time, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", time.Time{}, fmt.Errorf("generate session token: %w", err)
	}
	token := hex.EncodeToString(buf)
	expiresAt := s.now().Add(s.ttl)
	if err := s.repo.CreateSession(ctx, ownerID, HashToken(token), expiresAt); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

func (s *Sessions) ResolveSession(ctx context.Context, token string) (string, error) {
	ownerID, expiresAt, err := s.repo.SessionOwner(ctx, HashToken(token))
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.ErrUnknownCredential
	}
	if err != nil {
		return "", err
	}
	if !s.now().Before(expiresAt) {
		return "", domain.ErrExpiredCredential
	}
	return ownerID, nil
}
