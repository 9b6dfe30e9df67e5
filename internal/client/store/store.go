// Package store is the client's durable local state: a cache of list
// items plus the queue of pending offline mutations. Everything lives
// in a single SQLite file so a crash mid-sync loses nothing.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wishlane/wishlane/internal/errs"
)

// Op statuses. Done ops are deleted, not kept.
const (
	StatusQueued   = "queued"
	StatusInflight = "inflight"
	StatusError    = "error"
)

// Op types.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

const schema = `
CREATE TABLE IF NOT EXISTS items (
    id           TEXT PRIMARY KEY,
    list_id      TEXT NOT NULL,
    creator_id   TEXT NOT NULL DEFAULT '',
    title        TEXT NOT NULL DEFAULT '',
    url          TEXT NOT NULL DEFAULT '',
    price_cents  INTEGER NOT NULL DEFAULT 0,
    notes        TEXT NOT NULL DEFAULT '',
    state        TEXT NOT NULL DEFAULT 'available',
    purchased_by TEXT,
    ver          INTEGER NOT NULL DEFAULT 0,
    deleted      INTEGER NOT NULL DEFAULT 0,
    updated_at   TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS items_list_idx ON items (list_id);

CREATE TABLE IF NOT EXISTS pending_ops (
    op_id       TEXT PRIMARY KEY,
    rank        INTEGER NOT NULL,
    op_type     TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    list_id     TEXT NOT NULL,
    base_ver    INTEGER NOT NULL DEFAULT 0,
    payload     TEXT NOT NULL DEFAULT '',
    before_img  TEXT NOT NULL DEFAULT '',
    status      TEXT NOT NULL DEFAULT 'queued',
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_error  TEXT NOT NULL DEFAULT '',
    enqueued_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS pending_ops_rank_idx ON pending_ops (rank);

CREATE TABLE IF NOT EXISTS sync_state (
    list_id  TEXT PRIMARY KEY,
    last_seq INTEGER NOT NULL DEFAULT 0
);
`

// Item is the locally cached form of a wishlist item. Ver 0 marks a
// row created offline that the server has not acknowledged yet.
type Item struct {
	ID          string
	ListID      string
	CreatorID   string
	Title       string
	URL         string
	PriceCents  int64
	Notes       string
	State       string
	PurchasedBy *string
	Ver         int64
	Deleted     bool
	UpdatedAt   time.Time
}

// Op is one queued mutation. Payload and Before hold JSON-encoded
// field sets: Payload is what to send, Before is the cached row before
// the optimistic apply, used to revert a cancelled op.
type Op struct {
	OpID       string
	OpType     string
	EntityID   string
	ListID     string
	BaseVer    int64
	Payload    string
	Before     string
	Status     string
	RetryCount int
	LastError  string
	EnqueuedAt time.Time
}

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- item cache ---

// PutItem inserts or replaces a cached item.
func (s *Store) PutItem(ctx context.Context, it Item) error {
	const q = `
INSERT INTO items (id, list_id, creator_id, title, url, price_cents, notes, state, purchased_by, ver, deleted, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    list_id=excluded.list_id, creator_id=excluded.creator_id,
    title=excluded.title, url=excluded.url, price_cents=excluded.price_cents,
    notes=excluded.notes, state=excluded.state, purchased_by=excluded.purchased_by,
    ver=excluded.ver, deleted=excluded.deleted, updated_at=excluded.updated_at`
	_, err := s.db.ExecContext(ctx, q,
		it.ID, it.ListID, it.CreatorID, it.Title, it.URL, it.PriceCents, it.Notes,
		it.State, it.PurchasedBy, it.Ver, boolInt(it.Deleted), it.UpdatedAt)
	return err
}

// GetItem returns a cached item, tombstones included.
func (s *Store) GetItem(ctx context.Context, id string) (*Item, error) {
	const q = `
SELECT id, list_id, creator_id, title, url, price_cents, notes, state, purchased_by, ver, deleted, updated_at
FROM items WHERE id = ?`
	return scanItem(s.db.QueryRowContext(ctx, q, id))
}

// ListItems returns the live cached items of one list.
func (s *Store) ListItems(ctx context.Context, listID string) ([]Item, error) {
	const q = `
SELECT id, list_id, creator_id, title, url, price_cents, notes, state, purchased_by, ver, deleted, updated_at
FROM items WHERE list_id = ? AND deleted = 0 ORDER BY updated_at, id`
	rows, err := s.db.QueryContext(ctx, q, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// DeleteItem removes a cached row entirely.
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE id = ?`, id)
	return err
}

// ClearList wipes a list's cache and resets its cursor, the first step
// of a wholesale resync.
func (s *Store) ClearList(ctx context.Context, listID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE list_id = ?`, listID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM sync_state WHERE list_id = ?`, listID)
	return err
}

// --- pending ops ---

// Enqueue appends an op to the tail of the queue.
func (s *Store) Enqueue(ctx context.Context, op Op) error {
	const q = `
INSERT INTO pending_ops (op_id, rank, op_type, entity_id, list_id, base_ver, payload, before_img, status, retry_count, last_error, enqueued_at)
VALUES (?, (SELECT COALESCE(MAX(rank), 0) + 1 FROM pending_ops), ?, ?, ?, ?, ?, ?, ?, 0, '', ?)`
	_, err := s.db.ExecContext(ctx, q,
		op.OpID, op.OpType, op.EntityID, op.ListID, op.BaseVer,
		op.Payload, op.Before, StatusQueued, op.EnqueuedAt)
	return err
}

// NextQueued returns the oldest op still waiting, or ErrNotFound when
// the queue is drained.
func (s *Store) NextQueued(ctx context.Context) (*Op, error) {
	const q = `
SELECT op_id, op_type, entity_id, list_id, base_ver, payload, before_img, status, retry_count, last_error, enqueued_at
FROM pending_ops WHERE status IN (?, ?) ORDER BY rank LIMIT 1`
	op, err := scanOp(s.db.QueryRowContext(ctx, q, StatusQueued, StatusInflight))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return op, nil
}

// PendingOps returns the whole queue oldest-first, failed ops included.
func (s *Store) PendingOps(ctx context.Context) ([]Op, error) {
	const q = `
SELECT op_id, op_type, entity_id, list_id, base_ver, payload, before_img, status, retry_count, last_error, enqueued_at
FROM pending_ops ORDER BY rank`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Op
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

// OpsForEntity returns queued ops touching one entity, oldest-first.
func (s *Store) OpsForEntity(ctx context.Context, entityID string) ([]Op, error) {
	const q = `
SELECT op_id, op_type, entity_id, list_id, base_ver, payload, before_img, status, retry_count, last_error, enqueued_at
FROM pending_ops WHERE entity_id = ? ORDER BY rank`
	rows, err := s.db.QueryContext(ctx, q, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Op
	for rows.Next() {
		op, err := scanOp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}

// MarkInflight flags an op as handed to the server. An inflight op can
// no longer be cancelled; it either completes or returns to the queue.
func (s *Store) MarkInflight(ctx context.Context, opID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_ops SET status = ? WHERE op_id = ?`, StatusInflight, opID)
	return err
}

// MarkDone removes an acknowledged op from the queue.
func (s *Store) MarkDone(ctx context.Context, opID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_ops WHERE op_id = ?`, opID)
	return err
}

// MarkError parks an op with a message. It stays visible in the queue
// until the user cancels it or edits around it.
func (s *Store) MarkError(ctx context.Context, opID, msg string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_ops SET status = ?, last_error = ? WHERE op_id = ?`,
		StatusError, msg, opID)
	return err
}

// BumpRetry returns an op to the queue after a transient failure and
// increments its retry counter.
func (s *Store) BumpRetry(ctx context.Context, opID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_ops SET status = ?, retry_count = retry_count + 1 WHERE op_id = ?`,
		StatusQueued, opID)
	return err
}

// SetBaseVer rewrites an op's base version after a merge picked up the
// server's current version.
func (s *Store) SetBaseVer(ctx context.Context, opID string, baseVer int64, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE pending_ops SET base_ver = ?, payload = ? WHERE op_id = ?`,
		baseVer, payload, opID)
	return err
}

// TakeOp removes an op if it has not been submitted yet and returns it
// so the caller can revert the optimistic cache apply.
func (s *Store) TakeOp(ctx context.Context, opID string) (*Op, error) {
	const q = `
SELECT op_id, op_type, entity_id, list_id, base_ver, payload, before_img, status, retry_count, last_error, enqueued_at
FROM pending_ops WHERE op_id = ?`
	op, err := scanOp(s.db.QueryRowContext(ctx, q, opID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	if op.Status == StatusInflight {
		return nil, errs.ErrDenied
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_ops WHERE op_id = ?`, opID); err != nil {
		return nil, err
	}
	return op, nil
}

// --- sync cursor ---

// LastSeq returns the last applied changelog sequence for a list, 0
// when the list has never been synced.
func (s *Store) LastSeq(ctx context.Context, listID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_seq FROM sync_state WHERE list_id = ?`, listID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// SetLastSeq advances the cursor for a list.
func (s *Store) SetLastSeq(ctx context.Context, listID string, seq int64) error {
	const q = `
INSERT INTO sync_state (list_id, last_seq) VALUES (?, ?)
ON CONFLICT(list_id) DO UPDATE SET last_seq = excluded.last_seq`
	_, err := s.db.ExecContext(ctx, q, listID, seq)
	return err
}

// TrackedLists returns every list with a sync cursor.
func (s *Store) TrackedLists(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT list_id FROM sync_state ORDER BY list_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var deleted int
	err := row.Scan(&it.ID, &it.ListID, &it.CreatorID, &it.Title, &it.URL,
		&it.PriceCents, &it.Notes, &it.State, &it.PurchasedBy, &it.Ver,
		&deleted, &it.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	it.Deleted = deleted != 0
	return &it, nil
}

func scanOp(row rowScanner) (*Op, error) {
	var op Op
	err := row.Scan(&op.OpID, &op.OpType, &op.EntityID, &op.ListID, &op.BaseVer,
		&op.Payload, &op.Before, &op.Status, &op.RetryCount, &op.LastError,
		&op.EnqueuedAt)
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
