package postgres

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/wishlane/wishlane/internal/model"
)

// PolicySource adapts the Postgres repositories to the access gate's
// read-only view of the ownership chain.
type PolicySource struct {
	Locations *LocationRepo
	Lists     *ListRepo
	Items     *ItemRepo
	Shares    *ShareRepo
}

// Location loads a location row.
func (p *PolicySource) Location(ctx context.Context, id uuid.UUID) (*model.Location, error) {
	return p.Locations.Get(ctx, id)
}

// List loads a list row.
func (p *PolicySource) List(ctx context.Context, id uuid.UUID) (*model.List, error) {
	return p.Lists.Get(ctx, id)
}

// Item loads an item row.
func (p *PolicySource) Item(ctx context.Context, id uuid.UUID) (*model.Item, error) {
	return p.Items.Get(ctx, id)
}

// SharesFor loads the principal's shares over the given resources.
func (p *PolicySource) SharesFor(ctx context.Context, principal uuid.UUID, refs []model.ResourceRef) ([]model.Share, error) {
	return p.Shares.For(ctx, principal, refs)
}
