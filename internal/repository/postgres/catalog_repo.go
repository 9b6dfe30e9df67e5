package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/wishlane/wishlane/internal/errs"
	"github.com/wishlane/wishlane/internal/model"
)

// LocationRepo implements LocationRepository using PostgreSQL.
// Downward cascades (lists, items, reservations, shares) are enforced by
// foreign keys with ON DELETE CASCADE in the schema.
type LocationRepo struct{ db *DB }

// NewLocationRepo constructs a location repository.
func NewLocationRepo(db *DB) *LocationRepo { return &LocationRepo{db: db} }

// Create inserts a new location row.
func (r *LocationRepo) Create(ctx context.Context, loc *model.Location) error {
	const q = `INSERT INTO locations (id, owner_id, name, archived) VALUES ($1,$2,$3,$4)`
	_, err := r.db.Pool.Exec(ctx, q, loc.ID, loc.OwnerID, loc.Name, loc.Archived)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get selects a location by ID.
func (r *LocationRepo) Get(ctx context.Context, id uuid.UUID) (*model.Location, error) {
	const q = `SELECT id, owner_id, name, archived, created_at, updated_at FROM locations WHERE id=$1`
	var loc model.Location
	err := r.db.Pool.QueryRow(ctx, q, id).
		Scan(&loc.ID, &loc.OwnerID, &loc.Name, &loc.Archived, &loc.CreatedAt, &loc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &loc, nil
}

// SetArchived flips the archived flag.
func (r *LocationRepo) SetArchived(ctx context.Context, id uuid.UUID, archived bool) error {
	const q = `UPDATE locations SET archived=$2, updated_at=now() WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, archived)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Delete removes the location; the schema cascades to lists and below.
func (r *LocationRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM locations WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// ListIDs returns the IDs of lists filed under the location.
func (r *LocationRepo) ListIDs(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	const q = `SELECT id FROM lists WHERE location_id=$1`
	rows, err := r.db.Pool.Query(ctx, q, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var lid uuid.UUID
		if err = rows.Scan(&lid); err != nil {
			return nil, err
		}
		out = append(out, lid)
	}
	return out, rows.Err()
}

// ListRepo implements ListRepository using PostgreSQL.
type ListRepo struct{ db *DB }

// NewListRepo constructs a list repository.
func NewListRepo(db *DB) *ListRepo { return &ListRepo{db: db} }

const listCols = `id, owner_id, location_id, name, visibility, guest_token, active, change_seq, created_at, updated_at`

// Create inserts a new list row.
func (r *ListRepo) Create(ctx context.Context, l *model.List) error {
	const q = `
INSERT INTO lists (id, owner_id, location_id, name, visibility, guest_token, active)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.db.Pool.Exec(ctx, q, l.ID, l.OwnerID, l.LocationID, l.Name, string(l.Visibility), l.GuestToken, l.Active)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get selects a list by ID.
func (r *ListRepo) Get(ctx context.Context, id uuid.UUID) (*model.List, error) {
	return scanList(r.db.Pool.QueryRow(ctx, `SELECT `+listCols+` FROM lists WHERE id=$1`, id))
}

// GetByGuestToken resolves an opaque guest token to its active list.
func (r *ListRepo) GetByGuestToken(ctx context.Context, token string) (*model.List, error) {
	return scanList(r.db.Pool.QueryRow(ctx, `SELECT `+listCols+` FROM lists WHERE guest_token=$1 AND active=true`, token))
}

// RotateGuestToken replaces the guest token, invalidating the old one.
func (r *ListRepo) RotateGuestToken(ctx context.Context, id uuid.UUID, token string) error {
	const q = `UPDATE lists SET guest_token=$2, updated_at=now() WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id, token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Delete removes the list; the schema cascades to items and below.
func (r *ListRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM lists WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

func scanList(row pgx.Row) (*model.List, error) {
	var (
		l   model.List
		vis string
	)
	err := row.Scan(&l.ID, &l.OwnerID, &l.LocationID, &l.Name, &vis, &l.GuestToken, &l.Active, &l.ChangeSeq, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	l.Visibility = model.Visibility(vis)
	return &l, nil
}
