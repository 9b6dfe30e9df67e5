package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/wishlane/wishlane/internal/model"
)

// ItemRepository provides versioned access to wishlist items. Every
// mutation appends to the owning list's change feed in the same
// transaction, so a returned Change is always safe to broadcast.
type ItemRepository interface {
	// Upsert inserts (BaseVer == 0) or conditionally updates an item.
	// A stale BaseVer fails with errs.ErrVersionConflict and never
	// advances the stored version.
	Upsert(ctx context.Context, creatorID uuid.UUID, up model.UpsertItem) (model.ItemVersion, model.Change, error)

	// Delete sets the tombstone (ver++) with a base version check.
	Delete(ctx context.Context, itemID uuid.UUID, baseVer int64) (model.ItemVersion, model.Change, error)

	// Get returns a single item by ID, tombstones included.
	Get(ctx context.Context, itemID uuid.UUID) (*model.Item, error)

	// ListByList returns the live (non-tombstoned) items of a list.
	ListByList(ctx context.Context, listID uuid.UUID) ([]model.Item, error)
}
