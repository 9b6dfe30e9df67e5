package sync

import (
	"encoding/json"
	"time"

	"github.com/wishlane/wishlane/internal/client/api"
	"github.com/wishlane/wishlane/internal/client/store"
)

// itemFields is the JSON shape of a queued op's payload and before
// image. Nil pointers mean "not touched by this op". Purchase state is
// deliberately absent: reservations and purchases are online-only and
// never merge.
type itemFields struct {
	Title      *string `json:"title,omitempty"`
	URL        *string `json:"url,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

func encodeFields(f itemFields) string {
	b, _ := json.Marshal(f)
	return string(b)
}

func decodeFields(s string) itemFields {
	var f itemFields
	_ = json.Unmarshal([]byte(s), &f)
	return f
}

// encodeBefore snapshots a cached row so a cancelled op can restore it.
func encodeBefore(it store.Item) string {
	b, _ := json.Marshal(it)
	return string(b)
}

func decodeBefore(s string) (store.Item, bool) {
	var it store.Item
	if err := json.Unmarshal([]byte(s), &it); err != nil || it.ID == "" {
		return store.Item{}, false
	}
	return it, true
}

// mergeUpdate resolves a version conflict between a queued update and
// the server's current row. Last write wins, judged by the op's enqueue
// time against the server row's updated_at: a newer local edit is
// resubmitted on top of the server version, an older one is discarded
// in favor of what the server already has.
func mergeUpdate(op store.Op, server api.Item) (resubmit *api.UpsertItem, discard bool) {
	if server.Deleted {
		return nil, true
	}
	if !op.EnqueuedAt.After(server.UpdatedAt) {
		return nil, true
	}
	f := decodeFields(op.Payload)
	return &api.UpsertItem{
		ID:         op.EntityID,
		ListID:     op.ListID,
		BaseVer:    server.Ver,
		Title:      f.Title,
		URL:        f.URL,
		PriceCents: f.PriceCents,
		Notes:      f.Notes,
	}, false
}

// mergeDelete decides whether a queued delete survives a conflict. An
// edit on the server after the delete was queued rescinds the delete.
func mergeDelete(op store.Op, server api.Item) (baseVer int64, discard bool) {
	if server.Deleted {
		return 0, true
	}
	if !op.EnqueuedAt.After(server.UpdatedAt) {
		return 0, true
	}
	return server.Ver, false
}

// serverToCached converts a wire item into its cached form.
func serverToCached(it api.Item) store.Item {
	return store.Item{
		ID:          it.ID,
		ListID:      it.ListID,
		CreatorID:   it.CreatorID,
		Title:       it.Title,
		URL:         it.URL,
		PriceCents:  it.PriceCents,
		Notes:       it.Notes,
		State:       it.State,
		PurchasedBy: it.PurchasedBy,
		Ver:         it.Ver,
		Deleted:     it.Deleted,
		UpdatedAt:   it.UpdatedAt,
	}
}

// applyFields overlays an op's payload onto a cached row for the
// optimistic local apply.
func applyFields(it store.Item, f itemFields, now time.Time) store.Item {
	if f.Title != nil {
		it.Title = *f.Title
	}
	if f.URL != nil {
		it.URL = *f.URL
	}
	if f.PriceCents != nil {
		it.PriceCents = *f.PriceCents
	}
	if f.Notes != nil {
		it.Notes = *f.Notes
	}
	it.UpdatedAt = now
	return it
}
