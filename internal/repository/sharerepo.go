package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/wishlane/wishlane/internal/model"
)

// ShareRepository stores role grants over locations and lists.
type ShareRepository interface {
	// Create inserts a new share. Duplicate (resource, grantee) pairs
	// fail with errs.ErrAlreadyExists.
	Create(ctx context.Context, sh *model.Share) error
	// Get loads a share by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.Share, error)
	// Delete removes a share.
	Delete(ctx context.Context, id uuid.UUID) error
	// For returns all shares granted to the principal over any of the
	// given resources, expired ones included (the policy filters).
	For(ctx context.Context, principal uuid.UUID, refs []model.ResourceRef) ([]model.Share, error)
}
