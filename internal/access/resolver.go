// Package access computes whether a principal may act on a resource and
// which item fields must be redacted on reads. The policy itself is a pure
// function over an in-memory snapshot so it can be tested without a store.
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/wishlane/wishlane/internal/errs"
	"github.com/wishlane/wishlane/internal/model"
)

// Snapshot carries everything the policy needs to decide one request:
// the resource row, its ancestors, and the candidate shares granted to
// the requesting principal anywhere along the ownership chain.
type Snapshot struct {
	Location *model.Location // resource itself, or the list's parent
	List     *model.List     // resource itself, or the item's parent
	Item     *model.Item     // set only when the resource is an item
	Shares   []model.Share   // shares granted to the principal, unfiltered
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Role      model.Role
	Permitted bool
}

// Resolve evaluates the permission algorithm: ownership first, then the
// highest unexpired share along the resource chain, then public
// visibility, then guest tokens (capped at viewer). The action's minimum
// role decides Permit/Deny.
func Resolve(p model.Principal, snap Snapshot, action model.Action, now time.Time) Decision {
	role := resolveRole(p, snap, now)
	return Decision{Role: role, Permitted: role >= action.MinRole()}
}

func resolveRole(p model.Principal, snap Snapshot, now time.Time) model.Role {
	if snap.Location == nil && snap.List == nil && snap.Item == nil {
		return model.RoleNone
	}

	if !p.IsGuest() {
		if owner, ok := resourceOwner(snap); ok && owner == p.ID {
			return model.RoleOwner
		}

		best := model.RoleNone
		for _, sh := range snap.Shares {
			if sh.SharedWith != p.ID || sh.Expired(now) {
				continue
			}
			if !shareCovers(sh, snap) {
				continue
			}
			if sh.Role > best {
				best = sh.Role
			}
		}
		if best > model.RoleNone {
			return best
		}
	}

	if snap.List != nil && snap.List.Visibility == model.VisibilityPublic {
		return model.RoleViewer
	}

	// Guest tokens unlock exactly one list, read-only.
	if p.IsGuest() && snap.List != nil && p.GuestListID == snap.List.ID {
		return model.RoleViewer
	}

	return model.RoleNone
}

// resourceOwner returns the owning user of the most specific resource in
// the snapshot. Items are owned by their list's owner.
func resourceOwner(snap Snapshot) (uuid.UUID, bool) {
	switch {
	case snap.Item != nil:
		if snap.List == nil {
			return uuid.Nil, false
		}
		return snap.List.OwnerID, true
	case snap.List != nil:
		return snap.List.OwnerID, true
	case snap.Location != nil:
		return snap.Location.OwnerID, true
	}
	return uuid.Nil, false
}

// shareCovers reports whether a share's resource reference sits on the
// snapshot's ownership chain (the resource itself or any ancestor).
func shareCovers(sh model.Share, snap Snapshot) bool {
	switch sh.ResourceType {
	case model.ResourceList:
		return snap.List != nil && sh.ResourceID == snap.List.ID
	case model.ResourceLocation:
		return snap.Location != nil && sh.ResourceID == snap.Location.ID
	}
	return false
}

// RedactItem applies the surprise-preservation policy to one item row.
// claimant is the active reservation's claimant when the item is reserved,
// or PurchasedBy when purchased; nil when the item is available.
//
// The list's owner never learns who claimed an item, nor whether it was
// purchased versus merely reserved: both collapse to "unavailable".
// Everyone else sees the true state; the claimant's identity is exposed
// only to admins and to the claimant themselves.
func RedactItem(p model.Principal, list model.List, role model.Role, it model.Item, claimant *uuid.UUID) model.Item {
	out := it
	busy := it.State == model.StateReserved || it.State == model.StatePurchased
	if !busy {
		return out
	}

	selfClaim := claimant != nil && !p.IsGuest() && *claimant == p.ID

	if !p.IsGuest() && p.ID == list.OwnerID && !selfClaim {
		out.State = model.StateUnavailable
		out.PurchasedBy = nil
		out.PurchasedAt = nil
		return out
	}

	if role < model.RoleAdmin && !selfClaim {
		out.PurchasedBy = nil
	}
	return out
}

// PolicySource loads the rows the gate needs to build a snapshot.
// Implemented by the Postgres repositories and by fakes in tests.
type PolicySource interface {
	Location(ctx context.Context, id uuid.UUID) (*model.Location, error)
	List(ctx context.Context, id uuid.UUID) (*model.List, error)
	Item(ctx context.Context, id uuid.UUID) (*model.Item, error)
	// SharesFor returns all shares granted to the principal over any of
	// the given resources. Expiry filtering happens in the policy, not here.
	SharesFor(ctx context.Context, principal uuid.UUID, refs []model.ResourceRef) ([]model.Share, error)
}

// Gate is the server-side resolver: it loads a snapshot from the store
// and runs the pure policy over it. Unknown resources resolve to Deny,
// never NotFound, so existence is not leaked to unauthorized callers.
type Gate struct {
	src PolicySource
	now func() time.Time
}

// NewGate constructs a Gate over the given policy source.
func NewGate(src PolicySource) *Gate {
	return &Gate{src: src, now: time.Now}
}

// Can resolves (principal, resource, action) to a Decision.
func (g *Gate) Can(ctx context.Context, p model.Principal, ref model.ResourceRef, action model.Action) (Decision, error) {
	snap, err := g.Snapshot(ctx, p, ref)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Decision{}, errs.ErrDenied
		}
		return Decision{}, err
	}
	return Resolve(p, snap, action, g.now()), nil
}

// Snapshot loads the resource, its ancestors and the principal's candidate
// shares. Exported because the wishlist service reuses the loaded rows to
// avoid a second round of store reads after the gate check.
func (g *Gate) Snapshot(ctx context.Context, p model.Principal, ref model.ResourceRef) (Snapshot, error) {
	var snap Snapshot

	switch ref.Type {
	case model.ResourceItem:
		it, err := g.src.Item(ctx, ref.ID)
		if err != nil {
			return snap, err
		}
		snap.Item = it
		lst, err := g.src.List(ctx, it.ListID)
		if err != nil {
			return snap, err
		}
		snap.List = lst
	case model.ResourceList:
		lst, err := g.src.List(ctx, ref.ID)
		if err != nil {
			return snap, err
		}
		snap.List = lst
	case model.ResourceLocation:
		loc, err := g.src.Location(ctx, ref.ID)
		if err != nil {
			return snap, err
		}
		snap.Location = loc
	default:
		return snap, fmt.Errorf("access: unknown resource type %q", ref.Type)
	}

	if snap.List != nil && snap.Location == nil && snap.List.LocationID != nil {
		loc, err := g.src.Location(ctx, *snap.List.LocationID)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			return snap, err
		}
		snap.Location = loc
	}

	// Guests authenticate by token, not identity; no shares to load.
	if p.IsGuest() {
		return snap, nil
	}

	refs := make([]model.ResourceRef, 0, 2)
	if snap.List != nil {
		refs = append(refs, model.ResourceRef{Type: model.ResourceList, ID: snap.List.ID})
	}
	if snap.Location != nil {
		refs = append(refs, model.ResourceRef{Type: model.ResourceLocation, ID: snap.Location.ID})
	}
	if len(refs) > 0 {
		shares, err := g.src.SharesFor(ctx, p.ID, refs)
		if err != nil {
			return snap, err
		}
		snap.Shares = shares
	}
	return snap, nil
}

// WithClock overrides the gate's time source. Tests only.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}
