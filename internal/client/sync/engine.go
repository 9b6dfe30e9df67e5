// Package sync is the client-resident engine that keeps the local
// SQLite cache and the server converged. Mutations apply to the cache
// immediately and queue for upload; the drain loop replays them in
// order once the server is reachable, merging version conflicts by
// last-write-wins. Reads always come from the cache.
package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/wishlane/wishlane/internal/client/api"
	"github.com/wishlane/wishlane/internal/client/store"
	"github.com/wishlane/wishlane/internal/errs"
	"github.com/wishlane/wishlane/internal/metadata"
)

// Backoff knobs, shrunk by tests.
var (
	retryBase         = 500 * time.Millisecond
	retryCap          = 15 * time.Second
	maxRetries uint64 = 5
)

// Engine coordinates the cache, the pending-op queue, and the server.
type Engine struct {
	st   *store.Store
	api  *api.Client
	meta metadata.Extractor
	log  *zap.Logger
	now  func() time.Time
}

// New builds an engine. The extractor may be nil; item creation then
// skips URL prefill.
func New(st *store.Store, client *api.Client, meta metadata.Extractor, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{st: st, api: client, meta: meta, log: log, now: time.Now}
}

// WithClock pins the engine's clock for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// --- local mutations ---

// CreateItem applies a new item to the cache and queues its upload. The
// returned ID is generated client-side and doubles as the idempotency
// key: replaying the create after a lost response lands on the same row.
func (e *Engine) CreateItem(ctx context.Context, listID, title, url string, priceCents int64, notes string) (string, error) {
	metadata.Prefill(ctx, e.meta, url, &title, &priceCents)

	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	now := e.now()

	f := itemFields{Title: &title, URL: &url, PriceCents: &priceCents, Notes: &notes}
	cached := applyFields(store.Item{ID: id.String(), ListID: listID, State: "available"}, f, now)
	if err := e.st.PutItem(ctx, cached); err != nil {
		return "", err
	}

	opID, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	op := store.Op{
		OpID:       opID.String(),
		OpType:     store.OpCreate,
		EntityID:   id.String(),
		ListID:     listID,
		BaseVer:    0,
		Payload:    encodeFields(f),
		EnqueuedAt: now,
	}
	return id.String(), e.st.Enqueue(ctx, op)
}

// UpdateItem applies an edit to the cache and queues it. Nil field
// pointers leave the field as is.
func (e *Engine) UpdateItem(ctx context.Context, itemID string, title, url *string, priceCents *int64, notes *string) error {
	cur, err := e.st.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	if cur.Deleted {
		return errs.ErrNotFound
	}
	now := e.now()

	f := itemFields{Title: title, URL: url, PriceCents: priceCents, Notes: notes}
	if err := e.st.PutItem(ctx, applyFields(*cur, f, now)); err != nil {
		return err
	}

	opID, err := uuid.NewV4()
	if err != nil {
		return err
	}
	op := store.Op{
		OpID:       opID.String(),
		OpType:     store.OpUpdate,
		EntityID:   itemID,
		ListID:     cur.ListID,
		BaseVer:    cur.Ver,
		Payload:    encodeFields(f),
		Before:     encodeBefore(*cur),
		EnqueuedAt: now,
	}
	return e.st.Enqueue(ctx, op)
}

// DeleteItem tombstones the cached row and queues the delete.
func (e *Engine) DeleteItem(ctx context.Context, itemID string) error {
	cur, err := e.st.GetItem(ctx, itemID)
	if err != nil {
		return err
	}
	now := e.now()

	gone := *cur
	gone.Deleted = true
	gone.UpdatedAt = now
	if err := e.st.PutItem(ctx, gone); err != nil {
		return err
	}

	opID, err := uuid.NewV4()
	if err != nil {
		return err
	}
	op := store.Op{
		OpID:       opID.String(),
		OpType:     store.OpDelete,
		EntityID:   itemID,
		ListID:     cur.ListID,
		BaseVer:    cur.Ver,
		Before:     encodeBefore(*cur),
		EnqueuedAt: now,
	}
	return e.st.Enqueue(ctx, op)
}

// CancelOp withdraws a not-yet-submitted op and reverts its optimistic
// cache apply from the before image. In-flight ops cannot be cancelled,
// and neither can an op with later queued edits on the same item: its
// before image predates them, so the revert would wipe them too.
func (e *Engine) CancelOp(ctx context.Context, opID string) error {
	all, err := e.st.PendingOps(ctx)
	if err != nil {
		return err
	}
	var entityID string
	for _, o := range all {
		if o.OpID == opID {
			entityID = o.EntityID
			break
		}
	}
	if entityID == "" {
		return errs.ErrNotFound
	}
	sib, err := e.st.OpsForEntity(ctx, entityID)
	if err != nil {
		return err
	}
	if len(sib) > 0 && sib[len(sib)-1].OpID != opID {
		return errs.ErrDenied
	}

	op, err := e.st.TakeOp(ctx, opID)
	if err != nil {
		return err
	}
	switch op.OpType {
	case store.OpCreate:
		return e.st.DeleteItem(ctx, op.EntityID)
	default:
		if before, ok := decodeBefore(op.Before); ok {
			return e.st.PutItem(ctx, before)
		}
	}
	return nil
}

// Items returns the cached live items of a list. Works offline.
func (e *Engine) Items(ctx context.Context, listID string) ([]store.Item, error) {
	return e.st.ListItems(ctx, listID)
}

// Pending returns the current op queue for display.
func (e *Engine) Pending(ctx context.Context) ([]store.Op, error) {
	return e.st.PendingOps(ctx)
}

// --- drain ---

// Drain replays queued ops oldest-first. It stops at the first
// transient failure (the queue survives for the next attempt) and parks
// ops that the server rejects outright so the rest of the queue keeps
// moving.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		op, err := e.st.NextQueued(ctx)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return nil
			}
			return err
		}

		// Once an op is inflight it is committed to completing; CancelOp
		// refuses it from here on.
		if err := e.st.MarkInflight(ctx, op.OpID); err != nil {
			return err
		}

		if err := e.submit(ctx, *op); err != nil {
			if errors.Is(err, errs.ErrTransient) {
				// Still offline. Requeue the op and surface the state
				// to the caller.
				if berr := e.st.BumpRetry(ctx, op.OpID); berr != nil {
					return berr
				}
				return err
			}
			e.log.Warn("pending op rejected",
				zap.String("op", op.OpID),
				zap.String("type", op.OpType),
				zap.Error(err))
			if merr := e.st.MarkError(ctx, op.OpID, err.Error()); merr != nil {
				return merr
			}
			continue
		}

		if err := e.st.MarkDone(ctx, op.OpID); err != nil {
			return err
		}
	}
}

// submit pushes one op to the server, retrying transient failures with
// exponential backoff and resolving version conflicts by merge.
func (e *Engine) submit(ctx context.Context, op store.Op) error {
	b := retry.WithMaxRetries(maxRetries, retry.WithCappedDuration(retryCap, retry.NewExponential(retryBase)))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := e.sendOnce(ctx, op)
		if errors.Is(err, errs.ErrTransient) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (e *Engine) sendOnce(ctx context.Context, op store.Op) error {
	switch op.OpType {
	case store.OpCreate, store.OpUpdate:
		f := decodeFields(op.Payload)
		iv, err := e.api.Upsert(ctx, api.UpsertItem{
			ID:         op.EntityID,
			ListID:     op.ListID,
			BaseVer:    op.BaseVer,
			Title:      f.Title,
			URL:        f.URL,
			PriceCents: f.PriceCents,
			Notes:      f.Notes,
		})
		if err != nil {
			if errors.Is(err, errs.ErrVersionConflict) {
				return e.resolveUpsertConflict(ctx, op)
			}
			return err
		}
		return e.ackVersion(ctx, op.EntityID, iv)

	case store.OpDelete:
		iv, err := e.api.DeleteItem(ctx, op.EntityID, op.BaseVer)
		if err != nil {
			if errors.Is(err, errs.ErrVersionConflict) {
				return e.resolveDeleteConflict(ctx, op)
			}
			return err
		}
		// The tombstone is acknowledged; drop the local row for good.
		_ = iv
		return e.st.DeleteItem(ctx, op.EntityID)

	default:
		return fmt.Errorf("unknown op type %q", op.OpType)
	}
}

// resolveUpsertConflict fetches the server's row and applies
// last-write-wins. A surviving edit is resubmitted on the fresh base
// version; a losing one adopts the server's row into the cache.
func (e *Engine) resolveUpsertConflict(ctx context.Context, op store.Op) error {
	server, err := e.api.GetItem(ctx, op.EntityID)
	if err != nil {
		if errors.Is(err, errs.ErrDenied) {
			// Row (or our access to it) is gone. Nothing to merge.
			return e.st.DeleteItem(ctx, op.EntityID)
		}
		return err
	}

	up, discard := mergeUpdate(op, server)
	if discard {
		e.log.Info("local edit superseded by server",
			zap.String("item", op.EntityID),
			zap.Int64("server_ver", server.Ver))
		if server.Deleted {
			return e.st.DeleteItem(ctx, op.EntityID)
		}
		return e.st.PutItem(ctx, serverToCached(server))
	}

	iv, err := e.api.Upsert(ctx, *up)
	if err != nil {
		return err
	}
	return e.ackVersion(ctx, op.EntityID, iv)
}

func (e *Engine) resolveDeleteConflict(ctx context.Context, op store.Op) error {
	server, err := e.api.GetItem(ctx, op.EntityID)
	if err != nil {
		if errors.Is(err, errs.ErrDenied) {
			return e.st.DeleteItem(ctx, op.EntityID)
		}
		return err
	}

	baseVer, discard := mergeDelete(op, server)
	if discard {
		e.log.Info("local delete rescinded by newer server edit",
			zap.String("item", op.EntityID))
		if server.Deleted {
			return e.st.DeleteItem(ctx, op.EntityID)
		}
		return e.st.PutItem(ctx, serverToCached(server))
	}

	if _, err := e.api.DeleteItem(ctx, op.EntityID, baseVer); err != nil {
		return err
	}
	return e.st.DeleteItem(ctx, op.EntityID)
}

// ackVersion records the server-assigned version on the cached row.
func (e *Engine) ackVersion(ctx context.Context, itemID string, iv api.ItemVersion) error {
	cur, err := e.st.GetItem(ctx, itemID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil
		}
		return err
	}
	cur.Ver = iv.NewVer
	cur.UpdatedAt = iv.UpdatedAt
	return e.st.PutItem(ctx, *cur)
}

// --- catch-up ---

// CatchUp pulls changes the list accumulated since the local cursor and
// applies them to the cache. When the server's changelog no longer
// reaches back far enough it falls back to a wholesale refresh.
func (e *Engine) CatchUp(ctx context.Context, listID string) error {
	since, err := e.st.LastSeq(ctx, listID)
	if err != nil {
		return err
	}

	changes, err := e.api.ChangesSince(ctx, listID, since)
	if err != nil {
		if errors.Is(err, errs.ErrResyncRequired) {
			return e.Refresh(ctx, listID)
		}
		return err
	}

	for _, ch := range changes {
		if err := e.applyChange(ctx, ch); err != nil {
			return err
		}
		if err := e.st.SetLastSeq(ctx, listID, ch.Seq); err != nil {
			return err
		}
	}
	return nil
}

// applyChange folds one changelog entry into the cache. The changelog
// carries no payload, so item upserts are fetched individually; the
// server applies redaction on that fetch just like any other read.
func (e *Engine) applyChange(ctx context.Context, ch api.Change) error {
	if ch.Entity != "item" {
		// Share changes alter visibility, not cached rows. The next
		// read against the server reflects them.
		return nil
	}

	if ch.Op == "delete" {
		return e.st.DeleteItem(ctx, ch.EntityID)
	}

	// Skip stale fetches: the cache may already hold a newer version
	// applied by a later change in the same batch.
	if cur, err := e.st.GetItem(ctx, ch.EntityID); err == nil && cur.Ver >= ch.Ver && !cur.Deleted {
		return nil
	}

	it, err := e.api.GetItem(ctx, ch.EntityID)
	if err != nil {
		if errors.Is(err, errs.ErrDenied) {
			return e.st.DeleteItem(ctx, ch.EntityID)
		}
		return err
	}
	if it.Deleted {
		return e.st.DeleteItem(ctx, it.ID)
	}
	return e.st.PutItem(ctx, serverToCached(it))
}

// Refresh refetches a list wholesale and resets the cursor to the
// list's current sequence.
func (e *Engine) Refresh(ctx context.Context, listID string) error {
	l, err := e.api.GetList(ctx, listID)
	if err != nil {
		return err
	}
	items, err := e.api.ListItems(ctx, listID)
	if err != nil {
		return err
	}

	if err := e.st.ClearList(ctx, listID); err != nil {
		return err
	}
	for _, it := range items {
		if err := e.st.PutItem(ctx, serverToCached(it)); err != nil {
			return err
		}
	}
	return e.st.SetLastSeq(ctx, listID, l.ChangeSeq)
}

// Track registers a list for syncing and does the initial fetch.
func (e *Engine) Track(ctx context.Context, listID string) error {
	return e.Refresh(ctx, listID)
}

// Sync drains the op queue, then catches up every tracked list.
func (e *Engine) Sync(ctx context.Context) error {
	if err := e.Drain(ctx); err != nil {
		return err
	}
	lists, err := e.st.TrackedLists(ctx)
	if err != nil {
		return err
	}
	for _, id := range lists {
		if err := e.CatchUp(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Run syncs on a fixed interval until the context ends. Transient
// failures are logged and retried on the next tick.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.Sync(ctx); err != nil && !errors.Is(err, errs.ErrTransient) {
				e.log.Warn("background sync", zap.Error(err))
			}
		}
	}
}
