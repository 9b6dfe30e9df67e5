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

// ReservationRepo implements ReservationRepository using PostgreSQL.
//
// Every transition locks the item row (SELECT ... FOR UPDATE), so all
// reservation traffic for one item is serialized by the store while
// different items never contend. A partial unique index on
// (item_id) WHERE state='active' backs the single-claimant invariant even
// if a future code path forgets the lock.
type ReservationRepo struct{ db *DB }

// NewReservationRepo constructs a reservation repository.
func NewReservationRepo(db *DB) *ReservationRepo { return &ReservationRepo{db: db} }

// TryReserve claims an available item for the claimant.
func (r *ReservationRepo) TryReserve(
	ctx context.Context, itemID, claimant uuid.UUID, now, expiresAt time.Time,
) (res *model.Reservation, ch model.Change, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, model.Change{}, err
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

	listID, state, ver, err := lockItem(ctx, tx, itemID)
	if err != nil {
		return nil, model.Change{}, err
	}

	active, err := activeReservation(ctx, tx, itemID)
	if err != nil {
		return nil, model.Change{}, err
	}
	if active != nil {
		if active.ExpiresAt.After(now) {
			return active, model.Change{}, errs.ErrAlreadyReserved
		}
		// Lapsed claim found in passing: expire it and continue.
		if ver, err = expireInTx(ctx, tx, active.ID, itemID, ver); err != nil {
			return nil, model.Change{}, err
		}
		state = model.StateAvailable
	}

	if state != model.StateAvailable {
		return nil, model.Change{}, errs.ErrAlreadyReserved
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, model.Change{}, err
	}
	const ins = `
INSERT INTO reservations (id, item_id, claimant_id, state, created_at, expires_at)
VALUES ($1,$2,$3,'active',$4,$5)`
	if _, err = tx.Exec(ctx, ins, id, itemID, claimant, now, expiresAt); err != nil {
		return nil, model.Change{}, err
	}

	newVer := ver + 1
	const upd = `UPDATE items SET state='reserved', ver=$2, updated_at=now() WHERE id=$1`
	if _, err = tx.Exec(ctx, upd, itemID, newVer); err != nil {
		return nil, model.Change{}, err
	}
	if ch, err = appendChange(ctx, tx, listID, model.ResourceItem, itemID, model.OpUpdate, newVer); err != nil {
		return nil, model.Change{}, err
	}

	return &model.Reservation{
		ID: id, ItemID: itemID, ClaimantID: claimant,
		State: model.ReservationActive, CreatedAt: now, ExpiresAt: expiresAt,
	}, ch, nil
}

// Release cancels the active claim, deleting the reservation row.
func (r *ReservationRepo) Release(
	ctx context.Context, itemID uuid.UUID, expect *uuid.UUID, now time.Time,
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

	listID, _, ver, err := lockItem(ctx, tx, itemID)
	if err != nil {
		return model.Change{}, err
	}
	active, err := activeReservation(ctx, tx, itemID)
	if err != nil {
		return model.Change{}, err
	}
	if active == nil {
		return model.Change{}, errs.ErrNotFound
	}
	if expect != nil && active.ClaimantID != *expect {
		return model.Change{}, errs.ErrDenied
	}

	if _, err = tx.Exec(ctx, `DELETE FROM reservations WHERE id=$1`, active.ID); err != nil {
		return model.Change{}, err
	}
	newVer := ver + 1
	const upd = `UPDATE items SET state='available', ver=$2, updated_at=now() WHERE id=$1`
	if _, err = tx.Exec(ctx, upd, itemID, newVer); err != nil {
		return model.Change{}, err
	}
	return appendChange(ctx, tx, listID, model.ResourceItem, itemID, model.OpUpdate, newVer)
}

// Confirm finalizes the claimant's unexpired claim into a purchase.
func (r *ReservationRepo) Confirm(
	ctx context.Context, itemID, claimant uuid.UUID, now time.Time,
) (it *model.Item, ch model.Change, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, model.Change{}, err
	}
	// The expired path must still commit: it releases the lapsed claim
	// and appends that release to the feed while reporting the sentinel.
	defer func() {
		if err != nil && !errors.Is(err, errs.ErrReservationExpired) {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()

	listID, _, ver, err := lockItem(ctx, tx, itemID)
	if err != nil {
		return nil, model.Change{}, err
	}
	active, err := activeReservation(ctx, tx, itemID)
	if err != nil {
		return nil, model.Change{}, err
	}
	if active == nil {
		return nil, model.Change{}, errs.ErrNotFound
	}
	if active.ClaimantID != claimant {
		return nil, model.Change{}, errs.ErrDenied
	}
	if !active.ExpiresAt.After(now) {
		if _, err = expireInTx(ctx, tx, active.ID, itemID, ver); err != nil {
			return nil, model.Change{}, err
		}
		// The expiry itself must still reach subscribers.
		if ch, err = appendChange(ctx, tx, listID, model.ResourceItem, itemID, model.OpUpdate, ver+1); err != nil {
			return nil, model.Change{}, err
		}
		return nil, ch, errs.ErrReservationExpired
	}

	if _, err = tx.Exec(ctx, `DELETE FROM reservations WHERE id=$1`, active.ID); err != nil {
		return nil, model.Change{}, err
	}
	newVer := ver + 1
	const upd = `
UPDATE items SET state='purchased', purchased_by=$2, purchased_at=$3, ver=$4, updated_at=now()
WHERE id=$1`
	if _, err = tx.Exec(ctx, upd, itemID, claimant, now, newVer); err != nil {
		return nil, model.Change{}, err
	}
	if ch, err = appendChange(ctx, tx, listID, model.ResourceItem, itemID, model.OpUpdate, newVer); err != nil {
		return nil, model.Change{}, err
	}

	const sel = `
SELECT id, list_id, creator_id, title, url, price_cents, notes, state, purchased_by, purchased_at, ver, deleted, updated_at
FROM items WHERE id=$1`
	it, err = scanItem(tx.QueryRow(ctx, sel, itemID))
	if err != nil {
		return nil, model.Change{}, err
	}
	return it, ch, nil
}

// Active returns the item's active reservation without expiry handling.
func (r *ReservationRepo) Active(ctx context.Context, itemID uuid.UUID) (*model.Reservation, error) {
	const q = `
SELECT id, item_id, claimant_id, created_at, expires_at
FROM reservations WHERE item_id=$1 AND state='active'`
	var res model.Reservation
	err := r.db.Pool.QueryRow(ctx, q, itemID).
		Scan(&res.ID, &res.ItemID, &res.ClaimantID, &res.CreatedAt, &res.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	res.State = model.ReservationActive
	return &res, nil
}

// ExpireDue releases every lapsed active reservation, one transaction per
// item so a single poisoned row cannot wedge the whole sweep.
func (r *ReservationRepo) ExpireDue(ctx context.Context, now time.Time) ([]model.Change, error) {
	const q = `SELECT item_id FROM reservations WHERE state='active' AND expires_at<=$1`
	rows, err := r.db.Pool.Query(ctx, q, now)
	if err != nil {
		return nil, err
	}
	var due []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	var out []model.Change
	for _, itemID := range due {
		ch, err := r.expireItem(ctx, itemID, now)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				continue // raced with cancel/confirm
			}
			return out, err
		}
		out = append(out, ch)
	}
	return out, nil
}

func (r *ReservationRepo) expireItem(ctx context.Context, itemID uuid.UUID, now time.Time) (ch model.Change, err error) {
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

	listID, _, ver, err := lockItem(ctx, tx, itemID)
	if err != nil {
		return model.Change{}, err
	}
	active, err := activeReservation(ctx, tx, itemID)
	if err != nil {
		return model.Change{}, err
	}
	if active == nil || active.ExpiresAt.After(now) {
		return model.Change{}, errs.ErrNotFound
	}
	newVer, err := expireInTx(ctx, tx, active.ID, itemID, ver)
	if err != nil {
		return model.Change{}, err
	}
	return appendChange(ctx, tx, listID, model.ResourceItem, itemID, model.OpUpdate, newVer)
}

// ClaimantsByList maps item ID -> active claimant for redaction on reads.
func (r *ReservationRepo) ClaimantsByList(ctx context.Context, listID uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	const q = `
SELECT r.item_id, r.claimant_id
FROM reservations r
JOIN items i ON i.id = r.item_id
WHERE i.list_id=$1 AND r.state='active'`
	rows, err := r.db.Pool.Query(ctx, q, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]uuid.UUID)
	for rows.Next() {
		var itemID, claimant uuid.UUID
		if err = rows.Scan(&itemID, &claimant); err != nil {
			return nil, err
		}
		out[itemID] = claimant
	}
	return out, rows.Err()
}

// lockItem takes the per-item row lock that serializes all reservation
// transitions for one item.
func lockItem(ctx context.Context, tx pgx.Tx, itemID uuid.UUID) (listID uuid.UUID, state model.PurchaseState, ver int64, err error) {
	const q = `SELECT list_id, state, ver, deleted FROM items WHERE id=$1 FOR UPDATE`
	var (
		s       string
		deleted bool
	)
	if err = tx.QueryRow(ctx, q, itemID).Scan(&listID, &s, &ver, &deleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = errs.ErrNotFound
		}
		return uuid.Nil, "", 0, err
	}
	if deleted {
		return uuid.Nil, "", 0, errs.ErrNotFound
	}
	return listID, model.PurchaseState(s), ver, nil
}

func activeReservation(ctx context.Context, tx pgx.Tx, itemID uuid.UUID) (*model.Reservation, error) {
	const q = `
SELECT id, item_id, claimant_id, created_at, expires_at
FROM reservations WHERE item_id=$1 AND state='active' FOR UPDATE`
	var res model.Reservation
	err := tx.QueryRow(ctx, q, itemID).
		Scan(&res.ID, &res.ItemID, &res.ClaimantID, &res.CreatedAt, &res.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	res.State = model.ReservationActive
	return &res, nil
}

// expireInTx marks the reservation expired and frees the item. Returns the
// item's new version.
func expireInTx(ctx context.Context, tx pgx.Tx, resID, itemID uuid.UUID, curVer int64) (int64, error) {
	if _, err := tx.Exec(ctx, `UPDATE reservations SET state='expired' WHERE id=$1`, resID); err != nil {
		return 0, err
	}
	newVer := curVer + 1
	const upd = `UPDATE items SET state='available', ver=$2, updated_at=now() WHERE id=$1`
	if _, err := tx.Exec(ctx, upd, itemID, newVer); err != nil {
		return 0, err
	}
	return newVer, nil
}
