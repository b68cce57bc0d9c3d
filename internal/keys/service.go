// Package keys manages API keys. The raw token is returned once at creation;
// only its hash is stored.
package keys

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cronrelay/internal/auth"
	"cronrelay/internal/domain"
	"cronrelay/internal/plan"
	"cronrelay/internal/quota"
	"cronrelay/internal/store"
	"cronrelay/internal/usage"
)

const DefaultTTL = 365 * 24 * time.Hour

type Store interface {
	GetOwner(ctx context.Context, id string) (domain.Owner, error)
	CreateAPIKey(ctx context.Context, k domain.APIKey) (domain.APIKey, error)
	GetAPIKey(ctx context.Context, ownerID, id string) (domain.APIKey, error)
	ListAPIKeys(ctx context.Context, ownerID string) ([]domain.APIKey, error)
	UpdateAPIKey(ctx context.Context, k domain.APIKey) (domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, ownerID, id string) error
}

type Guard interface {
	CheckTier(ctx context.Context, kind domain.QuotaKind, ownerID string, tier domain.Tier) (quota.Decision, error)
	Snapshot(ctx context.Context, ownerID string) (usage.Snapshot, error)
}

type ResourceLedger interface {
	RecordResource(ctx context.Context, ownerID string, resource domain.Resource, id string, action domain.Action) error
}

type Signer interface {
	Issue(keyID, ownerID string, scopes []domain.Scope, expiresAt time.Time) (string, error)
}

type Input struct {
	Name          string   `json:"name" validate:"required,max=100"`
	Scopes        []string `json:"scopes" validate:"required,min=1"`
	ExpiresInDays int      `json:"expires_in_days" validate:"omitempty,min=1,max=3650"`
}

// Patch changes a key's name, scopes or enabled flag. A token's effective
// scopes never exceed those it was issued with.
type Patch struct {
	Name    *string  `json:"name" validate:"omitempty,min=1,max=100"`
	Scopes  []string `json:"scopes" validate:"omitempty,min=1"`
	Enabled *bool    `json:"enabled"`
}

// Created is the result of Create. Token is not retrievable later.
type Created struct {
	Key   domain.APIKey `json:"key"`
	Token string        `json:"token"`
}

type Service struct {
	store  Store
	guard  Guard
	ledger ResourceLedger
	signer Signer
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(s Store, g Guard, l ResourceLedger, signer Signer, logger zerolog.Logger) *Service {
	return &Service{
		store:  s,
		guard:  g,
		ledger: l,
		signer: signer,
		log:    logger.With().Str("component", "keys").Logger(),
		now:    time.Now,
	}
}

func (s *Service) Create(ctx context.Context, ownerID string, in Input) (Created, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := domain.Validate(in); err != nil {
		return Created{}, err
	}
	scopes, err := domain.ParseScopes(in.Scopes)
	if err != nil {
		return Created{}, err
	}
	owner, err := s.store.GetOwner(ctx, ownerID)
	if err != nil {
		return Created{}, fmt.Errorf("load owner: %w", err)
	}
	dec, err := s.guard.CheckTier(ctx, domain.QuotaAPIKeys, ownerID, owner.Plan)
	if err != nil {
		return Created{}, err
	}
	if !dec.Allowed {
		return Created{}, dec.Err()
	}

	ttl := DefaultTTL
	if in.ExpiresInDays > 0 {
		ttl = time.Duration(in.ExpiresInDays) * 24 * time.Hour
	}
	expiresAt := s.now().Add(ttl).UTC().Truncate(time.Second)
	id := store.NewID("key")
	token, err := s.signer.Issue(id, ownerID, scopes, expiresAt)
	if err != nil {
		return Created{}, err
	}
	key, err := s.store.CreateAPIKey(ctx, domain.APIKey{
		ID:        id,
		OwnerID:   ownerID,
		Name:      in.Name,
		TokenHash: auth.HashToken(token),
		Scopes:    scopes,
		Enabled:   true,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return Created{}, err
	}
	s.recordResource(ctx, ownerID, id, domain.ActionCreated)
	s.log.Info().Str("owner_id", ownerID).Str("key_id", id).Msg("api key created")
	return Created{Key: key, Token: token}, nil
}

func (s *Service) Get(ctx context.Context, ownerID, id string) (domain.APIKey, error) {
	return s.store.GetAPIKey(ctx, ownerID, id)
}

func (s *Service) List(ctx context.Context, ownerID string) ([]domain.APIKey, error) {
	return s.store.ListAPIKeys(ctx, ownerID)
}

// Update applies p. Re-enabling a key counts against the active key limit.
func (s *Service) Update(ctx context.Context, ownerID, id string, p Patch) (domain.APIKey, error) {
	if err := domain.Validate(p); err != nil {
		return domain.APIKey{}, err
	}
	key, err := s.store.GetAPIKey(ctx, ownerID, id)
	if err != nil {
		return domain.APIKey{}, err
	}
	if p.Name != nil {
		key.Name = strings.TrimSpace(*p.Name)
	}
	if p.Scopes != nil {
		scopes, err := domain.ParseScopes(p.Scopes)
		if err != nil {
			return domain.APIKey{}, err
		}
		key.Scopes = scopes
	}
	if p.Enabled != nil {
		if *p.Enabled && !key.Enabled {
			snap, err := s.guard.Snapshot(ctx, ownerID)
			if err != nil {
				return domain.APIKey{}, err
			}
			if snap.EnabledAPIKeys >= plan.MaxAPIKeys {
				return domain.APIKey{}, &domain.QuotaError{
					Kind:    domain.QuotaAPIKeys,
					Limit:   plan.MaxAPIKeys,
					Current: snap.EnabledAPIKeys,
					Message: fmt.Sprintf("active api key limit reached (%d/%d)", snap.EnabledAPIKeys, plan.MaxAPIKeys),
				}
			}
		}
		key.Enabled = *p.Enabled
	}
	return s.store.UpdateAPIKey(ctx, key)
}

// Delete removes the key. Tokens for it are then rejected as unknown.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if err := s.store.DeleteAPIKey(ctx, ownerID, id); err != nil {
		return err
	}
	s.recordResource(ctx, ownerID, id, domain.ActionDeleted)
	return nil
}

func (s *Service) recordResource(ctx context.Context, ownerID, id string, action domain.Action) {
	if err := s.ledger.RecordResource(ctx, ownerID, domain.ResourceKey, id, action); err != nil {
		s.log.Error().Err(err).Str("key_id", id).Str("action", string(action)).Msg("failed to record key history")
	}
}
