// Package store persists owners, jobs, execution logs, API keys and usage
// counters in SQLite.
//
// Timestamps are stored as UTC unix milliseconds so due-time and retention
// comparisons are plain integer comparisons.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"cronrelay/internal/domain"
)

//go:embed migrations/*.sql
var migrations embed.FS

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// querier is satisfied by both *sqlx.DB and *sqlx.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies pending
// migrations.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := Migrate(db.DB); err != nil {
		_ = db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	return New(db), nil
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate applies the embedded goose migrations.
func Migrate(db *sql.DB) error {
	goose.SetBaseFS(migrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// NewID returns a random identifier such as "job_<uuid>".
func NewID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	return err
}

func millis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: millis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

type ownerRow struct {
	ID        string `db:"id"`
	Email     string `db:"email"`
	Tier      string `db:"tier"`
	CreatedAt int64  `db:"created_at"`
	UpdatedAt int64  `db:"updated_at"`
}

func (r ownerRow) toDomain() domain.Owner {
	return domain.Owner{
		ID:        r.ID,
		Email:     r.Email,
		Plan:      domain.Tier(r.Tier),
		CreatedAt: fromMillis(r.CreatedAt),
		UpdatedAt: fromMillis(r.UpdatedAt),
	}
}

func (s *Store) CreateOwner(ctx context.Context, email string, tier domain.Tier) (domain.Owner, error) {
	var existing string
	err := s.db.GetContext(ctx, &existing, `SELECT id FROM owners WHERE email = ?`, email)
	if err == nil {
		return domain.Owner{}, &domain.ValidationError{Field: "email", Reason: "already registered"}
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Owner{}, err
	}

	now := millis(s.now())
	row := ownerRow{ID: NewID("own"), Email: email, Tier: string(tier), CreatedAt: now, UpdatedAt: now}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO owners (id, email, tier, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		row.ID, row.Email, row.Tier, row.CreatedAt, row.UpdatedAt)
	if err != nil {
		return domain.Owner{}, fmt.Errorf("insert owner: %w", err)
	}
	return row.toDomain(), nil
}

func (s *Store) GetOwner(ctx context.Context, id string) (domain.Owner, error) {
	var row ownerRow
	err := s.db.GetContext(ctx, &row, `SELECT id, email, tier, created_at, updated_at FROM owners WHERE id = ?`, id)
	if err != nil {
		return domain.Owner{}, notFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) SetOwnerPlan(ctx context.Context, id string, tier domain.Tier) error {
	return setOwnerPlan(ctx, s.db, id, tier, s.now())
}

func setOwnerPlan(ctx context.Context, q querier, id string, tier domain.Tier, now time.Time) error {
	res, err := q.ExecContext(ctx, `UPDATE owners SET tier = ?, updated_at = ? WHERE id = ?`, string(tier), millis(now), id)
	if err != nil {
		return fmt.Errorf("update owner plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ApplyPlanChange disables the given jobs and keys and records the new tier
// in one transaction. Disabling is idempotent, so a failed attempt can be
// re-run with the same arguments.
func (s *Store) ApplyPlanChange(ctx context.Context, ownerID string, tier domain.Tier, jobIDs, keyIDs []string) error {
	now := s.now()
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := disableJobs(ctx, tx, jobIDs, now); err != nil {
			return err
		}
		if _, err := disableAPIKeys(ctx, tx, keyIDs, now); err != nil {
			return err
		}
		return setOwnerPlan(ctx, tx, ownerID, tier, now)
	})
}

func (s *Store) CreateSession(ctx context.Context, ownerID, tokenHash string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions (token_hash, owner_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		tokenHash, ownerID, millis(expiresAt), millis(s.now()))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// SessionOwner returns the owner and expiry of the session with tokenHash.
func (s *Store) SessionOwner(ctx context.Context, tokenHash string) (string, time.Time, error) {
	var row struct {
		OwnerID   string `db:"owner_id"`
		ExpiresAt int64  `db:"expires_at"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT owner_id, expires_at FROM sessions WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return "", time.Time{}, notFound(err)
	}
	return row.OwnerID, fromMillis(row.ExpiresAt), nil
}

func (s *Store) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, millis(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
