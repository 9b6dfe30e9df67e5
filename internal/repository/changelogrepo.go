package repository

import (
	"context"

	"github.com/gofrs/uuid/v5"

	"github.com/wishlane/wishlane/internal/model"
)

// ChangelogRepository reads a list's append-only change feed.
type ChangelogRepository interface {
	// ChangesSince returns all changes with seq > sinceSeq ordered by seq
	// ASC. When sinceSeq predates the retained window it fails with
	// errs.ErrResyncRequired and the caller must refetch the list.
	ChangesSince(ctx context.Context, listID uuid.UUID, sinceSeq int64) ([]model.Change, error)

	// Append records changes outside an entity mutation (share grants,
	// list-level events). Entity writes append within their own tx.
	Append(ctx context.Context, listID uuid.UUID, entity model.ResourceType, entityID uuid.UUID, op model.ChangeOp) (model.Change, error)
}
