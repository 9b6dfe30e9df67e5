package limiter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Config bounds the sliding window and the lockout.
type Config struct {
	Window   time.Duration // failures older than this start a fresh count
	MaxFails int           // failures within the window that trip a block
	BlockFor time.Duration // how long a tripped block lasts
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres keeps per-(username, ip) counters in the auth_limiter table.
type Postgres struct {
	db  querier
	cfg Config
}

// NewPostgres constructs the limiter over any pgx-compatible querier.
func NewPostgres(db querier, cfg Config) *Postgres {
	return &Postgres{db: db, cfg: cfg}
}

// Allow checks the current block for the pair. Unknown pairs are allowed.
func (l *Postgres) Allow(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	const q = `SELECT blocked_until FROM auth_limiter WHERE username=$1 AND ip_hash=$2`
	var blockedUntil time.Time
	err := l.db.QueryRow(ctx, q, username, ipHash).Scan(&blockedUntil)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, 0, nil
		}
		return false, 0, err
	}
	if until := time.Until(blockedUntil); until > 0 {
		return false, until, nil
	}
	return true, 0, nil
}

// Success resets the counter for the pair.
func (l *Postgres) Success(ctx context.Context, username string, ipHash []byte) error {
	const q = `
INSERT INTO auth_limiter (username, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 0, 'epoch', now())
ON CONFLICT (username, ip_hash)
DO UPDATE SET fail_count = 0, blocked_until = 'epoch', updated_at = now()`
	_, err := l.db.Exec(ctx, q, username, ipHash)
	return err
}

// Failure bumps the counter, restarting it when the window has lapsed,
// and sets the block in the same statement once the threshold is hit.
func (l *Postgres) Failure(ctx context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	const q = `
INSERT INTO auth_limiter (username, ip_hash, fail_count, blocked_until, updated_at)
VALUES ($1, $2, 1, 'epoch', now())
ON CONFLICT (username, ip_hash) DO UPDATE
SET
  fail_count = CASE
    WHEN now() - auth_limiter.updated_at > $3::interval THEN 1
    ELSE auth_limiter.fail_count + 1
  END,
  blocked_until = CASE
    WHEN (CASE
      WHEN now() - auth_limiter.updated_at > $3::interval THEN 1
      ELSE auth_limiter.fail_count + 1
    END) >= $4 THEN now() + $5::interval
    ELSE auth_limiter.blocked_until
  END,
  updated_at = now()
RETURNING fail_count`
	var fails int
	err := l.db.QueryRow(ctx, q, username, ipHash, l.cfg.Window, l.cfg.MaxFails, l.cfg.BlockFor).Scan(&fails)
	if err != nil {
		return false, 0, err
	}
	if fails >= l.cfg.MaxFails {
		return true, l.cfg.BlockFor, nil
	}
	return false, 0, nil
}
