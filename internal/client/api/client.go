// Package api is the HTTP client used by the CLI and the sync engine.
// It translates the server's JSON error codes back into the shared
// sentinel errors so callers can branch with errors.Is.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/wishlane/wishlane/internal/errs"
)

const defaultTimeout = 10 * time.Second

// Client talks to one wishlane server.
type Client struct {
	base       string
	hc         *http.Client
	token      string
	guestToken string
}

// New returns a client for the given base URL, e.g. "http://localhost:8080".
func New(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		base: base,
		hc:   &http.Client{Timeout: timeout},
	}
}

// SetToken installs the bearer token returned by Login.
func (c *Client) SetToken(tok string) { c.token = tok }

// SetGuestToken installs a guest link token. Guest access is read-only.
func (c *Client) SetGuestToken(tok string) { c.guestToken = tok }

// --- auth ---

// Tokens is the login response.
type Tokens struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
	UserID      string    `json:"user_id"`
}

func (c *Client) Register(ctx context.Context, username, password string) (string, error) {
	var out struct {
		UserID string `json:"user_id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/register",
		map[string]string{"username": username, "password": password}, &out)
	return out.UserID, err
}

func (c *Client) Login(ctx context.Context, username, password string) (Tokens, error) {
	var out Tokens
	err := c.do(ctx, http.MethodPost, "/api/v1/auth/login",
		map[string]string{"username": username, "password": password}, &out)
	return out, err
}

// --- locations ---

func (c *Client) CreateLocation(ctx context.Context, name string) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/locations", map[string]string{"name": name}, &out)
	return out.ID, err
}

func (c *Client) ArchiveLocation(ctx context.Context, id string, archived bool) error {
	return c.do(ctx, http.MethodPost, "/api/v1/locations/"+id+"/archive",
		map[string]bool{"archived": archived}, nil)
}

func (c *Client) DeleteLocation(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/locations/"+id, nil, nil)
}

// --- lists ---

// List is the wire form of a wishlist.
type List struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	LocationID *string   `json:"location_id,omitempty"`
	Name       string    `json:"name"`
	Visibility string    `json:"visibility"`
	ChangeSeq  int64     `json:"change_seq"`
	CreatedAt  time.Time `json:"created_at"`
}

func (c *Client) CreateList(ctx context.Context, name string, locationID *string, visibility string) (List, string, error) {
	req := map[string]any{"name": name}
	if locationID != nil {
		req["location_id"] = *locationID
	}
	if visibility != "" {
		req["visibility"] = visibility
	}
	var out struct {
		List       List   `json:"list"`
		GuestToken string `json:"guest_token"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/lists", req, &out)
	return out.List, out.GuestToken, err
}

func (c *Client) GetList(ctx context.Context, id string) (List, error) {
	var out struct {
		List List `json:"list"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/lists/"+id, nil, &out)
	return out.List, err
}

func (c *Client) DeleteList(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/lists/"+id, nil, nil)
}

func (c *Client) RotateGuestToken(ctx context.Context, id string) (string, error) {
	var out struct {
		GuestToken string `json:"guest_token"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/lists/"+id+"/guest-token", nil, &out)
	return out.GuestToken, err
}

// --- items ---

// Item is the wire form of a wishlist item as the server reveals it to
// the caller, redaction already applied.
type Item struct {
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

// UpsertItem carries one create-or-update. Nil field pointers mean
// "leave unchanged"; BaseVer 0 means create.
type UpsertItem struct {
	ID         string  `json:"id"`
	ListID     string  `json:"list_id,omitempty"`
	BaseVer    int64   `json:"base_ver"`
	Title      *string `json:"title,omitempty"`
	URL        *string `json:"url,omitempty"`
	PriceCents *int64  `json:"price_cents,omitempty"`
	Notes      *string `json:"notes,omitempty"`
}

// ItemVersion reports the version assigned by a successful mutation.
type ItemVersion struct {
	ID        string    `json:"id"`
	NewVer    int64     `json:"new_ver"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Client) Upsert(ctx context.Context, up UpsertItem) (ItemVersion, error) {
	var out ItemVersion
	err := c.do(ctx, http.MethodPost, "/api/v1/items", up, &out)
	return out, err
}

func (c *Client) GetItem(ctx context.Context, id string) (Item, error) {
	var out Item
	err := c.do(ctx, http.MethodGet, "/api/v1/items/"+id, nil, &out)
	return out, err
}

func (c *Client) DeleteItem(ctx context.Context, id string, baseVer int64) (ItemVersion, error) {
	var out ItemVersion
	err := c.do(ctx, http.MethodDelete, "/api/v1/items/"+id, map[string]int64{"base_ver": baseVer}, &out)
	return out, err
}

func (c *Client) ListItems(ctx context.Context, listID string) ([]Item, error) {
	var out struct {
		Items []Item `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "/api/v1/lists/"+listID+"/items", nil, &out)
	return out.Items, err
}

// --- reservations ---

// Reservation mirrors the server's reservation payload. Claimant is
// empty when the server scrubbed it.
type Reservation struct {
	ItemID    string    `json:"item_id"`
	Claimant  string    `json:"claimant,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *Client) Reserve(ctx context.Context, itemID string) (Reservation, error) {
	var out Reservation
	err := c.do(ctx, http.MethodPost, "/api/v1/items/"+itemID+"/reserve", nil, &out)
	return out, err
}

func (c *Client) CancelReservation(ctx context.Context, itemID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/items/"+itemID+"/cancel", nil, nil)
}

func (c *Client) ConfirmPurchase(ctx context.Context, itemID string) (Item, error) {
	var out Item
	err := c.do(ctx, http.MethodPost, "/api/v1/items/"+itemID+"/confirm", nil, &out)
	return out, err
}

// --- shares ---

type CreateShare struct {
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	SharedWith   string     `json:"shared_with"`
	Role         string     `json:"role"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func (c *Client) CreateShare(ctx context.Context, sh CreateShare) (string, error) {
	var out struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/shares", sh, &out)
	return out.ID, err
}

func (c *Client) DeleteShare(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/shares/"+id, nil, nil)
}

// --- sync ---

// Change is one changelog entry.
type Change struct {
	Seq      int64     `json:"seq"`
	ListID   string    `json:"list_id"`
	Entity   string    `json:"entity"`
	EntityID string    `json:"entity_id"`
	Op       string    `json:"op"`
	Ver      int64     `json:"ver"`
	At       time.Time `json:"at"`
}

func (c *Client) ChangesSince(ctx context.Context, listID string, since int64) ([]Change, error) {
	var out struct {
		Changes []Change `json:"changes"`
	}
	path := "/api/v1/lists/" + listID + "/changes?since=" + strconv.FormatInt(since, 10)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Changes, err
}

// WSURL returns the websocket endpoint for a list subscription.
func (c *Client) WSURL(listID string, since int64) (string, http.Header, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return "", nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/api/v1/lists/" + listID + "/ws"
	q := u.Query()
	if since > 0 {
		q.Set("since", strconv.FormatInt(since, 10))
	}
	u.RawQuery = q.Encode()

	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	if c.guestToken != "" {
		h.Set("X-Guest-Token", c.guestToken)
	}
	return u.String(), h, nil
}

// --- plumbing ---

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.guestToken != "" {
		req.Header.Set("X-Guest-Token", c.guestToken)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		// Timeouts and connection refusals are retryable, the request
		// may succeed once the server is reachable again.
		return fmt.Errorf("%s %s: %v: %w", method, path, err, errs.ErrTransient)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	return decodeError(resp)
}

// decodeError maps the server's {"error": code} body back onto the
// sentinels, falling back to the status code when the body is opaque.
func decodeError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &payload)

	switch payload.Error {
	case "not_found":
		return errs.ErrDenied
	case "version_conflict":
		return errs.ErrVersionConflict
	case "already_reserved":
		return errs.ErrAlreadyReserved
	case "reservation_expired":
		return errs.ErrReservationExpired
	case "resync_required":
		return errs.ErrResyncRequired
	case "self_share":
		return errs.ErrSelfShare
	case "unauthorized":
		return errs.ErrUnauthorized
	case "rate_limited":
		return errs.ErrRateLimited
	case "already_exists":
		return errs.ErrAlreadyExists
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errs.ErrDenied
	case resp.StatusCode == http.StatusUnauthorized:
		return errs.ErrUnauthorized
	case resp.StatusCode >= 500:
		return fmt.Errorf("server error %d: %w", resp.StatusCode, errs.ErrTransient)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(raw))
}
