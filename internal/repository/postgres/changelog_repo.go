package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/wishlane/wishlane/internal/errs"
	"github.com/wishlane/wishlane/internal/model"
)

// appendChange records one committed mutation in the owning list's feed,
// inside the caller's transaction. The sequence comes from the list row's
// change_seq counter, so numbers are contiguous per list and the bump
// serializes concurrent writers on the row lock.
func appendChange(
	ctx context.Context, tx pgx.Tx,
	listID uuid.UUID, entity model.ResourceType, entityID uuid.UUID, op model.ChangeOp, ver int64,
) (model.Change, error) {
	const bump = `UPDATE lists SET change_seq = change_seq + 1, updated_at = now() WHERE id=$1 RETURNING change_seq`
	var seq int64
	if err := tx.QueryRow(ctx, bump, listID).Scan(&seq); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Change{}, errs.ErrNotFound
		}
		return model.Change{}, err
	}

	const ins = `
INSERT INTO changelog (list_id, seq, entity, entity_id, op, ver)
VALUES ($1,$2,$3,$4,$5,$6)
RETURNING created_at`
	var at time.Time
	if err := tx.QueryRow(ctx, ins, listID, seq, string(entity), entityID, string(op), ver).Scan(&at); err != nil {
		return model.Change{}, err
	}
	return model.Change{Seq: seq, ListID: listID, Entity: entity, EntityID: entityID, Op: op, Ver: ver, At: at}, nil
}

// ChangelogRepo implements ChangelogRepository using PostgreSQL.
type ChangelogRepo struct{ db *DB }

// NewChangelogRepo constructs a changelog repository.
func NewChangelogRepo(db *DB) *ChangelogRepo { return &ChangelogRepo{db: db} }

// ChangesSince returns changes strictly after sinceSeq ordered by seq ASC.
// A sinceSeq older than the retained floor fails with ErrResyncRequired.
func (r *ChangelogRepo) ChangesSince(ctx context.Context, listID uuid.UUID, sinceSeq int64) ([]model.Change, error) {
	const floorQ = `SELECT COALESCE(MIN(seq),0) FROM changelog WHERE list_id=$1`
	var floor int64
	if err := r.db.Pool.QueryRow(ctx, floorQ, listID).Scan(&floor); err != nil {
		return nil, err
	}
	// Pruned entries between sinceSeq and the floor mean the client's
	// cursor can no longer be caught up incrementally.
	if sinceSeq > 0 && floor > sinceSeq+1 {
		return nil, errs.ErrResyncRequired
	}

	const q = `
SELECT seq, entity, entity_id, op, ver, created_at
FROM changelog
WHERE list_id=$1 AND seq>$2
ORDER BY seq ASC`
	rows, err := r.db.Pool.Query(ctx, q, listID, sinceSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Change
	for rows.Next() {
		var (
			ch     model.Change
			entity string
			op     string
		)
		ch.ListID = listID
		if err = rows.Scan(&ch.Seq, &entity, &ch.EntityID, &op, &ch.Ver, &ch.At); err != nil {
			return nil, err
		}
		ch.Entity = model.ResourceType(entity)
		ch.Op = model.ChangeOp(op)
		out = append(out, ch)
	}
	return out, rows.Err()
}

// Append records a standalone change (share grants, list-level events).
func (r *ChangelogRepo) Append(
	ctx context.Context, listID uuid.UUID, entity model.ResourceType, entityID uuid.UUID, op model.ChangeOp,
) (ch model.Change, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Change{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	return appendChange(ctx, tx, listID, entity, entityID, op, 0)
}
