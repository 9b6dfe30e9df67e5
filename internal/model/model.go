// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// PrincipalKind distinguishes authenticated users from guest-token holders.
type PrincipalKind string

const (
	PrincipalUser  PrincipalKind = "user"
	PrincipalGuest PrincipalKind = "guest"
)

// Principal is the actor performing an action. Guests are scoped to the
// single list whose token they presented and never hold more than viewer.
type Principal struct {
	ID   uuid.UUID
	Kind PrincipalKind
	// GuestListID is the list unlocked by the presented guest token.
	// Only meaningful when Kind == PrincipalGuest.
	GuestListID uuid.UUID
}

// IsGuest reports whether the principal authenticated via a guest token.
func (p Principal) IsGuest() bool { return p.Kind == PrincipalGuest }

// Role is an access level over a resource, ordered by increasing privilege.
type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleEditor
	RoleAdmin
	RoleOwner
)

// String returns the wire representation of the role.
func (r Role) String() string {
	switch r {
	case RoleViewer:
		return "viewer"
	case RoleEditor:
		return "editor"
	case RoleAdmin:
		return "admin"
	case RoleOwner:
		return "owner"
	default:
		return "none"
	}
}

// ParseRole maps a wire role name to a Role; unknown names map to RoleNone.
func ParseRole(s string) Role {
	switch s {
	case "viewer":
		return RoleViewer
	case "editor":
		return RoleEditor
	case "admin":
		return RoleAdmin
	case "owner":
		return RoleOwner
	default:
		return RoleNone
	}
}

// Action is a requested operation checked against a minimum role.
type Action int

const (
	ActionRead Action = iota
	ActionCreateItem
	ActionUpdateOwn
	ActionUpdateAny
	ActionManageShares
	ActionDeleteResource
)

// MinRole returns the minimum role required to perform the action.
func (a Action) MinRole() Role {
	switch a {
	case ActionRead:
		return RoleViewer
	case ActionCreateItem, ActionUpdateOwn:
		return RoleEditor
	case ActionUpdateAny, ActionManageShares:
		return RoleAdmin
	case ActionDeleteResource:
		return RoleOwner
	default:
		return RoleOwner
	}
}

// ResourceType identifies the kind of resource a reference points at.
type ResourceType string

const (
	ResourceLocation ResourceType = "location"
	ResourceList     ResourceType = "list"
	ResourceItem     ResourceType = "item"
	// ResourceShare appears only in change feed entries, never in
	// access-control resource references.
	ResourceShare ResourceType = "share"
)

// ResourceRef points at a single access-controlled resource.
type ResourceRef struct {
	Type ResourceType
	ID   uuid.UUID
}

// Visibility controls unauthenticated read access to a list.
type Visibility string

const (
	VisibilityPrivate Visibility = "private"
	VisibilityShared  Visibility = "shared"
	VisibilityPublic  Visibility = "public"
)

// PurchaseState is the coordination state of an item.
type PurchaseState string

const (
	StateAvailable PurchaseState = "available"
	StateReserved  PurchaseState = "reserved"
	StatePurchased PurchaseState = "purchased"
	// StateUnavailable is a presentation-only state shown to a list's owner
	// in place of reserved/purchased so the surprise is preserved. It is
	// never stored.
	StateUnavailable PurchaseState = "unavailable"
)

// User represents an account stored on the server.
type User struct {
	ID        uuid.UUID // PK
	Username  string    // unique
	PwdHash   []byte    // Argon2id(password, Salt)
	Salt      []byte    // per-user auth salt
	CreatedAt time.Time
}

// Location is a named grouping of lists owned by exactly one user.
type Location struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Name      string
	Archived  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// List is a wishlist. GuestToken is an opaque capability granting viewer
// access to whoever presents it; it never grants editor or admin.
type List struct {
	ID         uuid.UUID
	OwnerID    uuid.UUID
	LocationID *uuid.UUID // nil when the list is not filed under a location
	Name       string
	Visibility Visibility
	GuestToken string
	Active     bool
	ChangeSeq  int64 // last committed change sequence for this list
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Item is a single wishlist entry with purchase coordination state and a
// monotonically increasing version for optimistic concurrency.
type Item struct {
	ID          uuid.UUID // client-generated PK (idempotent create)
	ListID      uuid.UUID
	CreatorID   uuid.UUID
	Title       string
	URL         string
	PriceCents  int64
	Notes       string
	State       PurchaseState
	PurchasedBy *uuid.UUID
	PurchasedAt *time.Time
	Ver         int64
	Deleted     bool // tombstone, propagates deletes to offline clients
	UpdatedAt   time.Time
}

// UpsertItem is a client change intent with optimistic concurrency base
// version. Nil field pointers mean "unchanged"; the server only touches
// fields that are set, which is what makes field-level merge possible.
type UpsertItem struct {
	ID         uuid.UUID
	ListID     uuid.UUID
	BaseVer    int64
	Title      *string
	URL        *string
	PriceCents *int64
	Notes      *string
}

// ItemVersion reports the new version after a successful change.
type ItemVersion struct {
	ID        uuid.UUID
	NewVer    int64
	UpdatedAt time.Time
}

// Share grants a role from one principal to another over a location or list.
type Share struct {
	ID           uuid.UUID
	ResourceType ResourceType // location or list
	ResourceID   uuid.UUID
	SharedBy     uuid.UUID
	SharedWith   uuid.UUID
	Role         Role
	ExpiresAt    *time.Time // nil means no expiry
	CreatedAt    time.Time
}

// Expired reports whether the share has lapsed at the given instant.
func (s Share) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && !s.ExpiresAt.After(now)
}

// ReservationState tracks the lifecycle of a purchase claim.
type ReservationState string

const (
	ReservationActive    ReservationState = "active"
	ReservationConfirmed ReservationState = "confirmed"
	ReservationReleased  ReservationState = "released"
	ReservationExpired   ReservationState = "expired"
)

// Reservation is a time-boxed exclusive claim of intent to purchase an item.
type Reservation struct {
	ID         uuid.UUID
	ItemID     uuid.UUID
	ClaimantID uuid.UUID
	State      ReservationState
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// ChangeOp is the kind of mutation recorded in a list's change feed.
type ChangeOp string

const (
	OpCreate ChangeOp = "create"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// Change is one committed mutation in a list's append-only feed. Seq is
// assigned at commit time and is contiguous per list; subscribers detect
// gaps by comparing against last_seen+1.
type Change struct {
	Seq      int64
	ListID   uuid.UUID
	Entity   ResourceType
	EntityID uuid.UUID
	Op       ChangeOp
	Ver      int64
	At       time.Time
}
