package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/wishlane/wishlane/internal/model"
)

// ReservationRepository serializes purchase claims. All transitions are
// single atomic conditional writes against the store: two concurrent
// TryReserve calls for one item can never both succeed.
type ReservationRepository interface {
	// TryReserve claims the item if its state is available, transitioning
	// it to reserved. When another active claim exists the returned
	// reservation is the existing one and the error is
	// errs.ErrAlreadyReserved. Claims whose grace period has lapsed are
	// expired in passing.
	TryReserve(ctx context.Context, itemID, claimant uuid.UUID, now, expiresAt time.Time) (*model.Reservation, model.Change, error)

	// Release cancels the active claim and returns the item to available.
	// expect narrows the release to a specific claimant; nil releases
	// whoever holds the claim (admin override, expiry sweep).
	Release(ctx context.Context, itemID uuid.UUID, expect *uuid.UUID, now time.Time) (model.Change, error)

	// Confirm finalizes the claimant's active, unexpired claim: the item
	// becomes purchased, purchased_by/purchased_at are stamped and ver is
	// incremented, all in one transaction. This is the only write path
	// that sets the purchased state.
	Confirm(ctx context.Context, itemID, claimant uuid.UUID, now time.Time) (*model.Item, model.Change, error)

	// Active returns the item's active reservation, or errs.ErrNotFound.
	Active(ctx context.Context, itemID uuid.UUID) (*model.Reservation, error)

	// ExpireDue releases every active reservation whose grace period has
	// passed and returns the resulting change feed entries.
	ExpireDue(ctx context.Context, now time.Time) ([]model.Change, error)

	// ClaimantsByList maps item ID -> active claimant for a list, used to
	// apply redaction to reserved rows on reads.
	ClaimantsByList(ctx context.Context, listID uuid.UUID) (map[uuid.UUID]uuid.UUID, error)
}
