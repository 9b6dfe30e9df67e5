package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid/v5"

	"github.com/wishlane/wishlane/internal/errs"
	"github.com/wishlane/wishlane/internal/model"
)

func init() {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		_ = v.RegisterValidation("visibility", func(fl validator.FieldLevel) bool {
			switch model.Visibility(fl.Field().String()) {
			case model.VisibilityPrivate, model.VisibilityShared, model.VisibilityPublic:
				return true
			}
			return false
		})
		_ = v.RegisterValidation("sharerole", func(fl validator.FieldLevel) bool {
			switch model.ParseRole(fl.Field().String()) {
			case model.RoleViewer, model.RoleEditor, model.RoleAdmin:
				return true
			}
			return false
		})
	}
}

// --- requests ---

type registerReq struct {
	Username string `json:"username" binding:"required,min=3,max=64"`
	Password string `json:"password" binding:"required,min=8,max=256"`
}

type loginReq struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type createLocationReq struct {
	Name string `json:"name" binding:"required,max=200"`
}

type archiveLocationReq struct {
	Archived bool `json:"archived"`
}

type createListReq struct {
	Name       string  `json:"name" binding:"required,max=200"`
	LocationID *string `json:"location_id" binding:"omitempty,uuid"`
	Visibility string  `json:"visibility" binding:"omitempty,visibility"`
}

type upsertItemReq struct {
	ID         string  `json:"id" binding:"required,uuid"`
	ListID     string  `json:"list_id" binding:"omitempty,uuid"`
	BaseVer    int64   `json:"base_ver" binding:"gte=0"`
	Title      *string `json:"title" binding:"omitempty,max=500"`
	URL        *string `json:"url" binding:"omitempty,max=2000"`
	PriceCents *int64  `json:"price_cents" binding:"omitempty,gte=0"`
	Notes      *string `json:"notes" binding:"omitempty,max=4000"`
}

type deleteItemReq struct {
	BaseVer int64 `json:"base_ver" binding:"gte=0"`
}

type createShareReq struct {
	ResourceType string     `json:"resource_type" binding:"required,oneof=location list"`
	ResourceID   string     `json:"resource_id" binding:"required,uuid"`
	SharedWith   string     `json:"shared_with" binding:"required,uuid"`
	Role         string     `json:"role" binding:"required,sharerole"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

// --- responses ---

type itemResp struct {
	ID          string     `json:"id"`
	ListID      string     `json:"list_id"`
	CreatorID   string     `json:"creator_id"`
	Title       string     `json:"title"`
	URL         string     `json:"url,omitempty"`
	PriceCents  int64      `json:"price_cents,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	State       string     `json:"state"`
	PurchasedBy *string    `json:"purchased_by,omitempty"`
	PurchasedAt *time.Time `json:"purchased_at,omitempty"`
	Ver         int64      `json:"ver"`
	Deleted     bool       `json:"deleted,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func toItemResp(it model.Item) itemResp {
	out := itemResp{
		ID:         it.ID.String(),
		ListID:     it.ListID.String(),
		CreatorID:  it.CreatorID.String(),
		Title:      it.Title,
		URL:        it.URL,
		PriceCents: it.PriceCents,
		Notes:      it.Notes,
		State:      string(it.State),
		Ver:        it.Ver,
		Deleted:    it.Deleted,
		UpdatedAt:  it.UpdatedAt,
	}
	if it.PurchasedBy != nil {
		s := it.PurchasedBy.String()
		out.PurchasedBy = &s
	}
	out.PurchasedAt = it.PurchasedAt
	return out
}

type listResp struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	LocationID *string   `json:"location_id,omitempty"`
	Name       string    `json:"name"`
	Visibility string    `json:"visibility"`
	ChangeSeq  int64     `json:"change_seq"`
	CreatedAt  time.Time `json:"created_at"`
}

func toListResp(l model.List) listResp {
	out := listResp{
		ID:         l.ID.String(),
		OwnerID:    l.OwnerID.String(),
		Name:       l.Name,
		Visibility: string(l.Visibility),
		ChangeSeq:  l.ChangeSeq,
		CreatedAt:  l.CreatedAt,
	}
	if l.LocationID != nil {
		s := l.LocationID.String()
		out.LocationID = &s
	}
	return out
}

type changeResp struct {
	Seq      int64     `json:"seq"`
	ListID   string    `json:"list_id"`
	Entity   string    `json:"entity"`
	EntityID string    `json:"entity_id"`
	Op       string    `json:"op"`
	Ver      int64     `json:"ver"`
	At       time.Time `json:"at"`
}

func toChangeResp(ch model.Change) changeResp {
	return changeResp{
		Seq:      ch.Seq,
		ListID:   ch.ListID.String(),
		Entity:   string(ch.Entity),
		EntityID: ch.EntityID.String(),
		Op:       string(ch.Op),
		Ver:      ch.Ver,
		At:       ch.At,
	}
}

type reservationResp struct {
	ItemID    string    `json:"item_id"`
	Claimant  string    `json:"claimant,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

func toReservationResp(r model.Reservation) reservationResp {
	out := reservationResp{ItemID: r.ItemID.String(), ExpiresAt: r.ExpiresAt}
	if r.ClaimantID != uuid.Nil {
		out.Claimant = r.ClaimantID.String()
	}
	return out
}

type versionResp struct {
	ID        string    `json:"id"`
	NewVer    int64     `json:"new_ver"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toVersionResp(iv model.ItemVersion) versionResp {
	return versionResp{ID: iv.ID.String(), NewVer: iv.NewVer, UpdatedAt: iv.UpdatedAt}
}

// --- error mapping ---

// writeErr maps sentinel errors onto the HTTP boundary. ErrDenied and
// ErrNotFound intentionally collapse into one response so callers cannot
// probe for resources they have no access to.
func writeErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, errs.ErrDenied), errors.Is(err, errs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, errs.ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "version_conflict"})
	case errors.Is(err, errs.ErrAlreadyReserved):
		c.JSON(http.StatusConflict, gin.H{"error": "already_reserved"})
	case errors.Is(err, errs.ErrReservationExpired):
		c.JSON(http.StatusGone, gin.H{"error": "reservation_expired"})
	case errors.Is(err, errs.ErrResyncRequired):
		c.JSON(http.StatusGone, gin.H{"error": "resync_required"})
	case errors.Is(err, errs.ErrSelfShare):
		c.JSON(http.StatusBadRequest, gin.H{"error": "self_share"})
	case errors.Is(err, errs.ErrUnauthorized):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	case errors.Is(err, errs.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
	case errors.Is(err, errs.ErrAlreadyExists):
		c.JSON(http.StatusConflict, gin.H{"error": "already_exists"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
	}
}

func mustUUID(s string) uuid.UUID { return uuid.FromStringOrNil(s) }
