package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"cronrelay/internal/domain"
)

const apiKeyColumns = `id, owner_id, name, token_hash, scopes, enabled, expires_at, last_used_at,
call_count, created_at, updated_at`

type apiKeyRow struct {
	ID         string        `db:"id"`
	OwnerID    string        `db:"owner_id"`
	Name       string        `db:"name"`
	TokenHash  string        `db:"token_hash"`
	Scopes     string        `db:"scopes"`
	Enabled    bool          `db:"enabled"`
	ExpiresAt  int64         `db:"expires_at"`
	LastUsedAt sql.NullInt64 `db:"last_used_at"`
	CallCount  int64         `db:"call_count"`
	CreatedAt  int64         `db:"created_at"`
	UpdatedAt  int64         `db:"updated_at"`
}

func (r apiKeyRow) toDomain() (domain.APIKey, error) {
	k := domain.APIKey{
		ID:         r.ID,
		OwnerID:    r.OwnerID,
		Name:       r.Name,
		TokenHash:  r.TokenHash,
		Enabled:    r.Enabled,
		ExpiresAt:  fromMillis(r.ExpiresAt),
		LastUsedAt: timePtr(r.LastUsedAt),
		CallCount:  r.CallCount,
		CreatedAt:  fromMillis(r.CreatedAt),
		UpdatedAt:  fromMillis(r.UpdatedAt),
	}
	if err := json.Unmarshal([]byte(r.Scopes), &k.Scopes); err != nil {
		return domain.APIKey{}, fmt.Errorf("decode scopes of %s: %w", r.ID, err)
	}
	return k, nil
}

func (s *Store) CreateAPIKey(ctx context.Context, k domain.APIKey) (domain.APIKey, error) {
	if k.ID == "" {
		k.ID = NewID("key")
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	k.CreatedAt, k.UpdatedAt = now, now
	scopes, err := json.Marshal(k.Scopes)
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("encode scopes: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO api_keys (`+apiKeyColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		k.ID, k.OwnerID, k.Name, k.TokenHash, string(scopes), k.Enabled, millis(k.ExpiresAt),
		nullMillis(k.LastUsedAt), k.CallCount, millis(now), millis(now))
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("insert api key: %w", err)
	}
	return k, nil
}

func (s *Store) GetAPIKey(ctx context.Context, ownerID, id string) (domain.APIKey, error) {
	var row apiKeyRow
	err := s.db.GetContext(ctx, &row, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return domain.APIKey{}, notFound(err)
	}
	return row.toDomain()
}

func (s *Store) APIKeyByHash(ctx context.Context, tokenHash string) (domain.APIKey, error) {
	var row apiKeyRow
	err := s.db.GetContext(ctx, &row, `SELECT `+apiKeyColumns+` FROM api_keys WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return domain.APIKey{}, notFound(err)
	}
	return row.toDomain()
}

// ListAPIKeys returns the owner's keys, oldest first.
func (s *Store) ListAPIKeys(ctx context.Context, ownerID string) ([]domain.APIKey, error) {
	var rows []apiKeyRow
	err := s.db.SelectContext(ctx, &rows, `SELECT `+apiKeyColumns+` FROM api_keys WHERE owner_id = ? ORDER BY created_at, rowid`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	keys := make([]domain.APIKey, 0, len(rows))
	for _, r := range rows {
		k, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// UpdateAPIKey writes the key's name, scopes and enabled flag.
func (s *Store) UpdateAPIKey(ctx context.Context, k domain.APIKey) (domain.APIKey, error) {
	scopes, err := json.Marshal(k.Scopes)
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("encode scopes: %w", err)
	}
	k.UpdatedAt = s.now().UTC().Truncate(time.Millisecond)
	res, err := s.db.ExecContext(ctx, `
UPDATE api_keys SET name = ?, scopes = ?, enabled = ?, updated_at = ? WHERE id = ? AND owner_id = ?`,
		k.Name, string(scopes), k.Enabled, millis(k.UpdatedAt), k.ID, k.OwnerID)
	if err != nil {
		return domain.APIKey{}, fmt.Errorf("update api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.APIKey{}, domain.ErrNotFound
	}
	return k, nil
}

func (s *Store) DeleteAPIKey(ctx context.Context, ownerID, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) DisableAPIKeys(ctx context.Context, ids []string) (int64, error) {
	return disableAPIKeys(ctx, s.db, ids, s.now())
}

func disableAPIKeys(ctx context.Context, q querier, ids []string, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(`UPDATE api_keys SET enabled = 0, updated_at = ? WHERE id IN (?) AND enabled = 1`, millis(now), ids)
	if err != nil {
		return 0, err
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("disable api keys: %w", err)
	}
	return res.RowsAffected()
}

type KeyCounts struct {
	Total   int64 `db:"total"`
	Enabled int64 `db:"enabled"`
}

// CountAPIKeys counts the owner's keys, disabled ones included in Total.
func (s *Store) CountAPIKeys(ctx context.Context, ownerID string) (KeyCounts, error) {
	var c KeyCounts
	err := s.db.GetContext(ctx, &c, `
SELECT COUNT(*) AS total, COALESCE(SUM(enabled), 0) AS enabled FROM api_keys WHERE owner_id = ?`, ownerID)
	if err != nil {
		return KeyCounts{}, fmt.Errorf("count api keys: %w", err)
	}
	return c, nil
}

func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE id = ?`, millis(at), id)
	if err != nil {
		return fmt.Errorf("touch api key: %w", err)
	}
	return nil
}

func (s *Store) IncrementKeyCalls(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE api_keys SET call_count = call_count + 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("increment key calls: %w", err)
	}
	return nil
}
