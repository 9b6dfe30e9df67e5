package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/wishlane/wishlane/internal/model"
)

// LocationRepository stores list groupings. Deletes cascade downward
// (location -> list -> item -> reservation/share) at the store level.
type LocationRepository interface {
	// Create inserts a new location.
	Create(ctx context.Context, loc *model.Location) error
	// Get loads a location by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.Location, error)
	// SetArchived flips the archived flag. Archived locations are read-only.
	SetArchived(ctx context.Context, id uuid.UUID, archived bool) error
	// Delete removes the location and everything under it.
	Delete(ctx context.Context, id uuid.UUID) error
	// ListIDs returns the IDs of lists filed under the location.
	ListIDs(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
}

// ListRepository stores wishlists.
type ListRepository interface {
	// Create inserts a new list.
	Create(ctx context.Context, l *model.List) error
	// Get loads a list by ID.
	Get(ctx context.Context, id uuid.UUID) (*model.List, error)
	// GetByGuestToken resolves an opaque guest token to its list.
	GetByGuestToken(ctx context.Context, token string) (*model.List, error)
	// RotateGuestToken replaces the list's guest token.
	RotateGuestToken(ctx context.Context, id uuid.UUID, token string) error
	// Delete removes the list and everything under it.
	Delete(ctx context.Context, id uuid.UUID) error
}
