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

// ItemRepo implements ItemRepository using PostgreSQL. Purchase-state
// columns are deliberately out of reach here; ReservationRepo is their
// only writer.
type ItemRepo struct{ db *DB }

// NewItemRepo constructs an item repository.
func NewItemRepo(db *DB) *ItemRepo { return &ItemRepo{db: db} }

// Upsert inserts or conditionally updates an item and appends the change
// to the list feed in the same transaction.
func (r *ItemRepo) Upsert(
	ctx context.Context, creatorID uuid.UUID, up model.UpsertItem,
) (iv model.ItemVersion, ch model.Change, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.ItemVersion{}, model.Change{}, err
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

	const sel = `
SELECT list_id, title, url, price_cents, notes, ver, deleted
FROM items WHERE id=$1 FOR UPDATE`

	var (
		listID     uuid.UUID
		title, url string
		price      int64
		notes      string
		curVer     int64
		deleted    bool
	)
	scanErr := tx.QueryRow(ctx, sel, up.ID).Scan(&listID, &title, &url, &price, &notes, &curVer, &deleted)
	switch {
	case scanErr == nil:
		if deleted {
			return model.ItemVersion{}, model.Change{}, errs.ErrNotFound
		}
		if curVer != up.BaseVer {
			return model.ItemVersion{}, model.Change{}, errs.ErrVersionConflict
		}
		applyFields(&title, &url, &price, &notes, up)
		newVer := curVer + 1

		const upd = `
UPDATE items SET title=$2, url=$3, price_cents=$4, notes=$5, ver=$6, updated_at=now()
WHERE id=$1
RETURNING updated_at`
		var at time.Time
		if err = tx.QueryRow(ctx, upd, up.ID, title, url, price, notes, newVer).Scan(&at); err != nil {
			return model.ItemVersion{}, model.Change{}, err
		}
		if ch, err = appendChange(ctx, tx, listID, model.ResourceItem, up.ID, model.OpUpdate, newVer); err != nil {
			return model.ItemVersion{}, model.Change{}, err
		}
		return model.ItemVersion{ID: up.ID, NewVer: newVer, UpdatedAt: at}, ch, nil

	case errors.Is(scanErr, pgx.ErrNoRows):
		// Creates carry base_ver 0; re-submitting a create whose first
		// attempt was actually committed lands in the update branch above
		// and conflicts instead of duplicating the row.
		if up.BaseVer != 0 {
			return model.ItemVersion{}, model.Change{}, errs.ErrVersionConflict
		}
		applyFields(&title, &url, &price, &notes, up)

		const ins = `
INSERT INTO items (id, list_id, creator_id, title, url, price_cents, notes, state, ver)
VALUES ($1,$2,$3,$4,$5,$6,$7,'available',1)
RETURNING updated_at`
		var at time.Time
		if err = tx.QueryRow(ctx, ins, up.ID, up.ListID, creatorID, title, url, price, notes).Scan(&at); err != nil {
			return model.ItemVersion{}, model.Change{}, err
		}
		if ch, err = appendChange(ctx, tx, up.ListID, model.ResourceItem, up.ID, model.OpCreate, 1); err != nil {
			return model.ItemVersion{}, model.Change{}, err
		}
		return model.ItemVersion{ID: up.ID, NewVer: 1, UpdatedAt: at}, ch, nil

	default:
		return model.ItemVersion{}, model.Change{}, scanErr
	}
}

func applyFields(title, url *string, price *int64, notes *string, up model.UpsertItem) {
	if up.Title != nil {
		*title = *up.Title
	}
	if up.URL != nil {
		*url = *up.URL
	}
	if up.PriceCents != nil {
		*price = *up.PriceCents
	}
	if up.Notes != nil {
		*notes = *up.Notes
	}
}

// Delete marks an item as deleted (tombstone) with version increment.
func (r *ItemRepo) Delete(
	ctx context.Context, itemID uuid.UUID, baseVer int64,
) (iv model.ItemVersion, ch model.Change, err error) {
	tx, err := r.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.ItemVersion{}, model.Change{}, err
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

	const sel = `SELECT list_id, ver, deleted FROM items WHERE id=$1 FOR UPDATE`
	var (
		listID  uuid.UUID
		curVer  int64
		deleted bool
	)
	if err = tx.QueryRow(ctx, sel, itemID).Scan(&listID, &curVer, &deleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ItemVersion{}, model.Change{}, errs.ErrNotFound
		}
		return model.ItemVersion{}, model.Change{}, err
	}
	if deleted {
		return model.ItemVersion{}, model.Change{}, errs.ErrNotFound
	}
	if curVer != baseVer {
		return model.ItemVersion{}, model.Change{}, errs.ErrVersionConflict
	}

	newVer := curVer + 1
	const upd = `UPDATE items SET deleted=true, ver=$2, updated_at=now() WHERE id=$1 RETURNING updated_at`
	var at time.Time
	if err = tx.QueryRow(ctx, upd, itemID, newVer).Scan(&at); err != nil {
		return model.ItemVersion{}, model.Change{}, err
	}
	if ch, err = appendChange(ctx, tx, listID, model.ResourceItem, itemID, model.OpDelete, newVer); err != nil {
		return model.ItemVersion{}, model.Change{}, err
	}
	return model.ItemVersion{ID: itemID, NewVer: newVer, UpdatedAt: at}, ch, nil
}

// Get returns a single item by id, tombstones included.
func (r *ItemRepo) Get(ctx context.Context, itemID uuid.UUID) (*model.Item, error) {
	const q = `
SELECT id, list_id, creator_id, title, url, price_cents, notes, state, purchased_by, purchased_at, ver, deleted, updated_at
FROM items WHERE id=$1`
	row := r.db.Pool.QueryRow(ctx, q, itemID)
	it, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return it, nil
}

// ListByList returns the live items of a list ordered by creation.
func (r *ItemRepo) ListByList(ctx context.Context, listID uuid.UUID) ([]model.Item, error) {
	const q = `
SELECT id, list_id, creator_id, title, url, price_cents, notes, state, purchased_by, purchased_at, ver, deleted, updated_at
FROM items
WHERE list_id=$1 AND deleted=false
ORDER BY updated_at ASC, id ASC`
	rows, err := r.db.Pool.Query(ctx, q, listID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

func scanItem(row interface{ Scan(dest ...any) error }) (*model.Item, error) {
	var (
		it    model.Item
		state string
	)
	err := row.Scan(
		&it.ID, &it.ListID, &it.CreatorID, &it.Title, &it.URL, &it.PriceCents, &it.Notes,
		&state, &it.PurchasedBy, &it.PurchasedAt, &it.Ver, &it.Deleted, &it.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	it.State = model.PurchaseState(state)
	return &it, nil
}
