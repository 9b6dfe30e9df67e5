package postgres

import (
	"context"
	"errors"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/wishlane/wishlane/internal/errs"
	"github.com/wishlane/wishlane/internal/model"
)

// ShareRepo implements ShareRepository using PostgreSQL.
type ShareRepo struct{ db *DB }

// NewShareRepo constructs a share repository.
func NewShareRepo(db *DB) *ShareRepo { return &ShareRepo{db: db} }

// Create inserts a new share row.
func (r *ShareRepo) Create(ctx context.Context, sh *model.Share) error {
	const q = `
INSERT INTO shares (id, resource_type, resource_id, shared_by, shared_with, role, expires_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)`
	_, err := r.db.Pool.Exec(ctx, q,
		sh.ID, string(sh.ResourceType), sh.ResourceID, sh.SharedBy, sh.SharedWith, sh.Role.String(), sh.ExpiresAt)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// Get selects a share by ID.
func (r *ShareRepo) Get(ctx context.Context, id uuid.UUID) (*model.Share, error) {
	const q = `
SELECT id, resource_type, resource_id, shared_by, shared_with, role, expires_at, created_at
FROM shares WHERE id=$1`
	var (
		sh       model.Share
		resType  string
		roleName string
	)
	err := r.db.Pool.QueryRow(ctx, q, id).
		Scan(&sh.ID, &resType, &sh.ResourceID, &sh.SharedBy, &sh.SharedWith, &roleName, &sh.ExpiresAt, &sh.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	sh.ResourceType = model.ResourceType(resType)
	sh.Role = model.ParseRole(roleName)
	return &sh, nil
}

// Delete removes a share row.
func (r *ShareRepo) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM shares WHERE id=$1`
	tag, err := r.db.Pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// For returns all shares granted to the principal over any of the refs.
// Expired rows are returned too; expiry is policy, not storage.
func (r *ShareRepo) For(ctx context.Context, principal uuid.UUID, refs []model.ResourceRef) ([]model.Share, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, 0, len(refs))
	for _, ref := range refs {
		ids = append(ids, ref.ID)
	}

	const q = `
SELECT id, resource_type, resource_id, shared_by, shared_with, role, expires_at, created_at
FROM shares
WHERE shared_with=$1 AND resource_id = ANY($2)`
	rows, err := r.db.Pool.Query(ctx, q, principal, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Share
	for rows.Next() {
		var (
			sh       model.Share
			resType  string
			roleName string
		)
		if err = rows.Scan(&sh.ID, &resType, &sh.ResourceID, &sh.SharedBy, &sh.SharedWith, &roleName, &sh.ExpiresAt, &sh.CreatedAt); err != nil {
			return nil, err
		}
		sh.ResourceType = model.ResourceType(resType)
		sh.Role = model.ParseRole(roleName)
		out = append(out, sh)
	}
	return out, rows.Err()
}
