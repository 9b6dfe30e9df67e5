package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/wishlane/wishlane/internal/access"
	"github.com/wishlane/wishlane/internal/dispatch"
	"github.com/wishlane/wishlane/internal/errs"
	"github.com/wishlane/wishlane/internal/model"
	"github.com/wishlane/wishlane/internal/reserve"
)

// memStore is a single in-memory backing for every repository interface
// and the access gate's policy source, so the service can be exercised
// end to end without Postgres.
type memStore struct {
	mu        sync.Mutex
	locations map[uuid.UUID]model.Location
	lists     map[uuid.UUID]model.List
	items     map[uuid.UUID]model.Item
	shares    map[uuid.UUID]model.Share
	changes   map[uuid.UUID][]model.Change
	active    map[uuid.UUID]model.Reservation
}

func newMemStore() *memStore {
	return &memStore{
		locations: map[uuid.UUID]model.Location{},
		lists:     map[uuid.UUID]model.List{},
		items:     map[uuid.UUID]model.Item{},
		shares:    map[uuid.UUID]model.Share{},
		changes:   map[uuid.UUID][]model.Change{},
		active:    map[uuid.UUID]model.Reservation{},
	}
}

// appendChange bumps the list's sequence and records the entry. Callers
// hold s.mu.
func (s *memStore) appendChange(listID uuid.UUID, entity model.ResourceType, entityID uuid.UUID, op model.ChangeOp, ver int64) model.Change {
	l := s.lists[listID]
	l.ChangeSeq++
	s.lists[listID] = l
	ch := model.Change{
		Seq: l.ChangeSeq, ListID: listID, Entity: entity,
		EntityID: entityID, Op: op, Ver: ver, At: time.Now(),
	}
	s.changes[listID] = append(s.changes[listID], ch)
	return ch
}

// --- access.PolicySource ---

func (s *memStore) Location(_ context.Context, id uuid.UUID) (*model.Location, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loc, ok := s.locations[id]; ok {
		return &loc, nil
	}
	return nil, errs.ErrNotFound
}

func (s *memStore) List(_ context.Context, id uuid.UUID) (*model.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.lists[id]; ok {
		return &l, nil
	}
	return nil, errs.ErrNotFound
}

func (s *memStore) Item(_ context.Context, id uuid.UUID) (*model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if it, ok := s.items[id]; ok {
		return &it, nil
	}
	return nil, errs.ErrNotFound
}

func (s *memStore) SharesFor(_ context.Context, principal uuid.UUID, refs []model.ResourceRef) ([]model.Share, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Share
	for _, sh := range s.shares {
		if sh.SharedWith != principal {
			continue
		}
		for _, ref := range refs {
			if sh.ResourceType == ref.Type && sh.ResourceID == ref.ID {
				out = append(out, sh)
			}
		}
	}
	return out, nil
}

// --- repository fakes ---

type memLocations struct{ s *memStore }

func (r memLocations) Create(_ context.Context, loc *model.Location) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.locations[loc.ID] = *loc
	return nil
}

func (r memLocations) Get(ctx context.Context, id uuid.UUID) (*model.Location, error) {
	return r.s.Location(ctx, id)
}

func (r memLocations) SetArchived(_ context.Context, id uuid.UUID, archived bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	loc, ok := r.s.locations[id]
	if !ok {
		return errs.ErrNotFound
	}
	loc.Archived = archived
	r.s.locations[id] = loc
	return nil
}

func (r memLocations) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.locations, id)
	return nil
}

func (r memLocations) ListIDs(_ context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []uuid.UUID
	for _, l := range r.s.lists {
		if l.LocationID != nil && *l.LocationID == id {
			out = append(out, l.ID)
		}
	}
	return out, nil
}

type memLists struct{ s *memStore }

func (r memLists) Create(_ context.Context, l *model.List) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.lists[l.ID] = *l
	return nil
}

func (r memLists) Get(ctx context.Context, id uuid.UUID) (*model.List, error) {
	return r.s.List(ctx, id)
}

func (r memLists) GetByGuestToken(_ context.Context, token string) (*model.List, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, l := range r.s.lists {
		if l.GuestToken == token {
			return &l, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (r memLists) RotateGuestToken(_ context.Context, id uuid.UUID, token string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	l, ok := r.s.lists[id]
	if !ok {
		return errs.ErrNotFound
	}
	l.GuestToken = token
	r.s.lists[id] = l
	return nil
}

func (r memLists) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.lists, id)
	return nil
}

type memItems struct{ s *memStore }

func (r memItems) Upsert(_ context.Context, creatorID uuid.UUID, up model.UpsertItem) (model.ItemVersion, model.Change, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now()

	it, ok := r.s.items[up.ID]
	op := model.OpUpdate
	if !ok {
		if up.BaseVer != 0 {
			return model.ItemVersion{}, model.Change{}, errs.ErrVersionConflict
		}
		it = model.Item{ID: up.ID, ListID: up.ListID, CreatorID: creatorID, State: model.StateAvailable}
		op = model.OpCreate
	} else {
		if it.Deleted {
			return model.ItemVersion{}, model.Change{}, errs.ErrNotFound
		}
		if up.BaseVer != it.Ver {
			return model.ItemVersion{}, model.Change{}, errs.ErrVersionConflict
		}
	}
	if up.Title != nil {
		it.Title = *up.Title
	}
	if up.URL != nil {
		it.URL = *up.URL
	}
	if up.PriceCents != nil {
		it.PriceCents = *up.PriceCents
	}
	if up.Notes != nil {
		it.Notes = *up.Notes
	}
	it.Ver++
	it.UpdatedAt = now
	r.s.items[it.ID] = it

	ch := r.s.appendChange(it.ListID, model.ResourceItem, it.ID, op, it.Ver)
	return model.ItemVersion{ID: it.ID, NewVer: it.Ver, UpdatedAt: now}, ch, nil
}

func (r memItems) Delete(_ context.Context, itemID uuid.UUID, baseVer int64) (model.ItemVersion, model.Change, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.items[itemID]
	if !ok || it.Deleted {
		return model.ItemVersion{}, model.Change{}, errs.ErrNotFound
	}
	if baseVer != it.Ver {
		return model.ItemVersion{}, model.Change{}, errs.ErrVersionConflict
	}
	it.Deleted = true
	it.Ver++
	it.UpdatedAt = time.Now()
	r.s.items[itemID] = it
	ch := r.s.appendChange(it.ListID, model.ResourceItem, it.ID, model.OpDelete, it.Ver)
	return model.ItemVersion{ID: it.ID, NewVer: it.Ver, UpdatedAt: it.UpdatedAt}, ch, nil
}

func (r memItems) Get(ctx context.Context, itemID uuid.UUID) (*model.Item, error) {
	return r.s.Item(ctx, itemID)
}

func (r memItems) ListByList(_ context.Context, listID uuid.UUID) ([]model.Item, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Item
	for _, it := range r.s.items {
		if it.ListID == listID && !it.Deleted {
			out = append(out, it)
		}
	}
	return out, nil
}

type memShares struct{ s *memStore }

func (r memShares) Create(_ context.Context, sh *model.Share) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.shares {
		if existing.ResourceID == sh.ResourceID && existing.SharedWith == sh.SharedWith {
			return errs.ErrAlreadyExists
		}
	}
	r.s.shares[sh.ID] = *sh
	return nil
}

func (r memShares) Get(_ context.Context, id uuid.UUID) (*model.Share, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sh, ok := r.s.shares[id]; ok {
		return &sh, nil
	}
	return nil, errs.ErrNotFound
}

func (r memShares) Delete(_ context.Context, id uuid.UUID) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.shares, id)
	return nil
}

func (r memShares) For(ctx context.Context, principal uuid.UUID, refs []model.ResourceRef) ([]model.Share, error) {
	return r.s.SharesFor(ctx, principal, refs)
}

type memChangelog struct{ s *memStore }

func (r memChangelog) ChangesSince(_ context.Context, listID uuid.UUID, sinceSeq int64) ([]model.Change, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.Change
	for _, ch := range r.s.changes[listID] {
		if ch.Seq > sinceSeq {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (r memChangelog) Append(_ context.Context, listID uuid.UUID, entity model.ResourceType, entityID uuid.UUID, op model.ChangeOp) (model.Change, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.lists[listID]; !ok {
		return model.Change{}, errs.ErrNotFound
	}
	return r.s.appendChange(listID, entity, entityID, op, 0), nil
}

type memReservations struct{ s *memStore }

func (r memReservations) TryReserve(_ context.Context, itemID, claimant uuid.UUID, now, expiresAt time.Time) (*model.Reservation, model.Change, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	it, ok := r.s.items[itemID]
	if !ok || it.Deleted {
		return nil, model.Change{}, errs.ErrNotFound
	}
	if it.State == model.StatePurchased {
		return nil, model.Change{}, errs.ErrAlreadyReserved
	}
	if cur, ok := r.s.active[itemID]; ok {
		if cur.ExpiresAt.After(now) {
			held := cur
			return &held, model.Change{}, errs.ErrAlreadyReserved
		}
		delete(r.s.active, itemID)
	}
	res := model.Reservation{
		ID: uuid.Must(uuid.NewV4()), ItemID: itemID, ClaimantID: claimant,
		State: model.ReservationActive, CreatedAt: now, ExpiresAt: expiresAt,
	}
	r.s.active[itemID] = res
	it.State = model.StateReserved
	it.Ver++
	it.UpdatedAt = now
	r.s.items[itemID] = it
	return &res, r.s.appendChange(it.ListID, model.ResourceItem, itemID, model.OpUpdate, it.Ver), nil
}

func (r memReservations) Release(_ context.Context, itemID uuid.UUID, expect *uuid.UUID, now time.Time) (model.Change, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.active[itemID]
	if !ok {
		return model.Change{}, errs.ErrNotFound
	}
	if expect != nil && res.ClaimantID != *expect {
		return model.Change{}, errs.ErrDenied
	}
	delete(r.s.active, itemID)
	it := r.s.items[itemID]
	it.State = model.StateAvailable
	it.Ver++
	it.UpdatedAt = now
	r.s.items[itemID] = it
	return r.s.appendChange(it.ListID, model.ResourceItem, itemID, model.OpUpdate, it.Ver), nil
}

func (r memReservations) Confirm(_ context.Context, itemID, claimant uuid.UUID, now time.Time) (*model.Item, model.Change, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	res, ok := r.s.active[itemID]
	if !ok || res.ClaimantID != claimant {
		return nil, model.Change{}, errs.ErrDenied
	}
	it := r.s.items[itemID]
	delete(r.s.active, itemID)
	it.Ver++
	it.UpdatedAt = now
	if !res.ExpiresAt.After(now) {
		it.State = model.StateAvailable
		r.s.items[itemID] = it
		ch := r.s.appendChange(it.ListID, model.ResourceItem, itemID, model.OpUpdate, it.Ver)
		return nil, ch, errs.ErrReservationExpired
	}
	it.State = model.StatePurchased
	it.PurchasedBy = &claimant
	it.PurchasedAt = &now
	r.s.items[itemID] = it
	ch := r.s.appendChange(it.ListID, model.ResourceItem, itemID, model.OpUpdate, it.Ver)
	return &it, ch, nil
}

func (r memReservations) Active(_ context.Context, itemID uuid.UUID) (*model.Reservation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if res, ok := r.s.active[itemID]; ok {
		return &res, nil
	}
	return nil, errs.ErrNotFound
}

func (r memReservations) ExpireDue(ctx context.Context, now time.Time) ([]model.Change, error) {
	r.s.mu.Lock()
	due := make([]uuid.UUID, 0)
	for id, res := range r.s.active {
		if !res.ExpiresAt.After(now) {
			due = append(due, id)
		}
	}
	r.s.mu.Unlock()

	var out []model.Change
	for _, id := range due {
		ch, err := r.Release(ctx, id, nil, now)
		if err != nil {
			return out, err
		}
		out = append(out, ch)
	}
	return out, nil
}

func (r memReservations) ClaimantsByList(_ context.Context, listID uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := map[uuid.UUID]uuid.UUID{}
	for id, res := range r.s.active {
		if it, ok := r.s.items[id]; ok && it.ListID == listID {
			out[id] = res.ClaimantID
		}
	}
	return out, nil
}

// --- fixture ---

type fixture struct {
	svc      *WishlistServiceImpl
	store    *memStore
	owner    model.Principal
	friend   model.Principal
	stranger model.Principal
	loc      model.Location
	list     model.List
	item     model.Item
}

func user(id uuid.UUID) model.Principal {
	return model.Principal{ID: id, Kind: model.PrincipalUser}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := newMemStore()
	gate := access.NewGate(s)

	f := &fixture{
		store:    s,
		owner:    user(uuid.Must(uuid.NewV4())),
		friend:   user(uuid.Must(uuid.NewV4())),
		stranger: user(uuid.Must(uuid.NewV4())),
	}

	locID := uuid.Must(uuid.NewV4())
	f.loc = model.Location{ID: locID, OwnerID: f.owner.ID, Name: "home"}
	s.locations[locID] = f.loc

	listID := uuid.Must(uuid.NewV4())
	f.list = model.List{
		ID: listID, OwnerID: f.owner.ID, LocationID: &locID,
		Name: "birthday", Visibility: model.VisibilityPrivate,
		GuestToken: "guest-tok", Active: true,
	}
	s.lists[listID] = f.list

	itemID := uuid.Must(uuid.NewV4())
	f.item = model.Item{
		ID: itemID, ListID: listID, CreatorID: f.owner.ID,
		Title: "bike", State: model.StateAvailable, Ver: 1, UpdatedAt: time.Now(),
	}
	s.items[itemID] = f.item

	f.svc = NewWishlistService(
		gate,
		memLocations{s}, memLists{s}, memItems{s}, memShares{s},
		memChangelog{s}, memReservations{s},
		reserve.NewManager(memReservations{s}, time.Minute, nil),
		dispatch.New(gate, nil, nil),
		nil,
	)
	return f
}

func (f *fixture) share(resType model.ResourceType, resID uuid.UUID, with uuid.UUID, role model.Role) {
	id := uuid.Must(uuid.NewV4())
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.shares[id] = model.Share{
		ID: id, ResourceType: resType, ResourceID: resID,
		SharedBy: f.owner.ID, SharedWith: with, Role: role,
	}
}

func strptr(s string) *string { return &s }

// --- tests ---

func TestUpsertItem_CreateNeedsEditor(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	up := model.UpsertItem{ID: uuid.Must(uuid.NewV4()), ListID: f.list.ID, Title: strptr("socks")}

	if _, err := f.svc.UpsertItem(ctx, f.friend, up); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("unshared user created item: %v", err)
	}

	f.share(model.ResourceList, f.list.ID, f.friend.ID, model.RoleViewer)
	if _, err := f.svc.UpsertItem(ctx, f.friend, up); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("viewer created item: %v", err)
	}

	f.share(model.ResourceList, f.list.ID, f.friend.ID, model.RoleEditor)
	iv, err := f.svc.UpsertItem(ctx, f.friend, up)
	if err != nil {
		t.Fatalf("editor create: %v", err)
	}
	if iv.NewVer != 1 {
		t.Fatalf("new ver = %d, want 1", iv.NewVer)
	}
}

func TestUpsertItem_EditorCannotTouchOthersItems(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.share(model.ResourceList, f.list.ID, f.friend.ID, model.RoleEditor)

	// f.item was created by the owner; an editor may not update it.
	up := model.UpsertItem{ID: f.item.ID, BaseVer: f.item.Ver, Title: strptr("hijacked")}
	if _, err := f.svc.UpsertItem(ctx, f.friend, up); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("editor updated another's item: %v", err)
	}

	// An admin may.
	f.share(model.ResourceList, f.list.ID, f.stranger.ID, model.RoleAdmin)
	if _, err := f.svc.UpsertItem(ctx, f.stranger, up); err != nil {
		t.Fatalf("admin update: %v", err)
	}
}

func TestUpsertItem_LocationShareInherited(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.share(model.ResourceLocation, f.loc.ID, f.friend.ID, model.RoleEditor)

	up := model.UpsertItem{ID: uuid.Must(uuid.NewV4()), ListID: f.list.ID, Title: strptr("from location share")}
	if _, err := f.svc.UpsertItem(ctx, f.friend, up); err != nil {
		t.Fatalf("location editor create: %v", err)
	}
}

func TestUpsertItem_ArchivedLocationRefusesWrites(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.SetLocationArchived(ctx, f.owner, f.loc.ID, true); err != nil {
		t.Fatalf("archive: %v", err)
	}

	up := model.UpsertItem{ID: f.item.ID, BaseVer: f.item.Ver, Title: strptr("too late")}
	if _, err := f.svc.UpsertItem(ctx, f.owner, up); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("write under archived location: %v", err)
	}

	// Reads still work.
	if _, err := f.svc.ListItems(ctx, f.owner, f.list.ID); err != nil {
		t.Fatalf("read under archived location: %v", err)
	}

	if err := f.svc.SetLocationArchived(ctx, f.owner, f.loc.ID, false); err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	if _, err := f.svc.UpsertItem(ctx, f.owner, up); err != nil {
		t.Fatalf("write after unarchive: %v", err)
	}
}

func TestUpsertItem_VersionConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	up := model.UpsertItem{ID: f.item.ID, BaseVer: f.item.Ver + 5, Title: strptr("stale")}
	if _, err := f.svc.UpsertItem(ctx, f.owner, up); !errors.Is(err, errs.ErrVersionConflict) {
		t.Fatalf("err=%v, want ErrVersionConflict", err)
	}
}

func TestDeleteItem_CreatorMayRemoveOwn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.share(model.ResourceList, f.list.ID, f.friend.ID, model.RoleEditor)
	id := uuid.Must(uuid.NewV4())
	if _, err := f.svc.UpsertItem(ctx, f.friend, model.UpsertItem{ID: id, ListID: f.list.ID, Title: strptr("mine")}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// The creator removes their own entry even without owner rights.
	if _, err := f.svc.DeleteItem(ctx, f.friend, id, 1); err != nil {
		t.Fatalf("creator delete: %v", err)
	}

	// The same editor cannot remove someone else's.
	if _, err := f.svc.DeleteItem(ctx, f.friend, f.item.ID, f.item.Ver); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("editor deleted another's item: %v", err)
	}

	if _, err := f.svc.DeleteItem(ctx, f.owner, f.item.ID, f.item.Ver); err != nil {
		t.Fatalf("owner delete: %v", err)
	}
}

func TestListItems_PreservesSurpriseForOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.share(model.ResourceList, f.list.ID, f.friend.ID, model.RoleViewer)
	if _, err := f.svc.Reserve(ctx, f.friend, f.item.ID); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	mine, err := f.svc.ListItems(ctx, f.owner, f.list.ID)
	if err != nil {
		t.Fatalf("owner list: %v", err)
	}
	if len(mine) != 1 || mine[0].State != model.StateUnavailable {
		t.Fatalf("owner sees %+v, want unavailable", mine)
	}

	theirs, err := f.svc.ListItems(ctx, f.friend, f.list.ID)
	if err != nil {
		t.Fatalf("friend list: %v", err)
	}
	if len(theirs) != 1 || theirs[0].State != model.StateReserved {
		t.Fatalf("claimant sees %+v, want reserved", theirs)
	}
}

func TestGetItem_RedactsForOwner(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.share(model.ResourceList, f.list.ID, f.friend.ID, model.RoleViewer)
	if _, err := f.svc.Reserve(ctx, f.friend, f.item.ID); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	it, err := f.svc.GetItem(ctx, f.owner, f.item.ID)
	if err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if it.State != model.StateUnavailable || it.PurchasedBy != nil {
		t.Fatalf("owner sees %+v", it)
	}

	it, err = f.svc.GetItem(ctx, f.friend, f.item.ID)
	if err != nil {
		t.Fatalf("claimant get: %v", err)
	}
	if it.State != model.StateReserved {
		t.Fatalf("claimant sees %+v", it)
	}
}

func TestReserve_GuestDenied(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	guest := model.Principal{ID: uuid.Must(uuid.NewV4()), Kind: model.PrincipalGuest, GuestListID: f.list.ID}
	if _, err := f.svc.Reserve(context.Background(), guest, f.item.ID); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("guest reserved: %v", err)
	}
}

func TestReserve_ContentionHidesClaimant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.share(model.ResourceList, f.list.ID, f.friend.ID, model.RoleViewer)
	f.share(model.ResourceList, f.list.ID, f.stranger.ID, model.RoleAdmin)

	if _, err := f.svc.Reserve(ctx, f.friend, f.item.ID); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// The owner loses the race and must not learn who beat them.
	res, err := f.svc.Reserve(ctx, f.owner, f.item.ID)
	if !errors.Is(err, errs.ErrAlreadyReserved) {
		t.Fatalf("err=%v, want ErrAlreadyReserved", err)
	}
	if res == nil || res.ClaimantID != uuid.Nil {
		t.Fatalf("owner learned the claimant: %+v", res)
	}

	// An admin does learn it.
	res, err = f.svc.Reserve(ctx, f.stranger, f.item.ID)
	if !errors.Is(err, errs.ErrAlreadyReserved) {
		t.Fatalf("err=%v, want ErrAlreadyReserved", err)
	}
	if res == nil || res.ClaimantID != f.friend.ID {
		t.Fatalf("admin got %+v, want claimant visible", res)
	}
}

func TestConfirmPurchase_Flow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.share(model.ResourceList, f.list.ID, f.friend.ID, model.RoleViewer)
	if _, err := f.svc.Reserve(ctx, f.friend, f.item.ID); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Only the claimant can confirm.
	if _, err := f.svc.ConfirmPurchase(ctx, f.owner, f.item.ID); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("non-claimant confirmed: %v", err)
	}

	it, err := f.svc.ConfirmPurchase(ctx, f.friend, f.item.ID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if it.State != model.StatePurchased || it.PurchasedBy == nil || *it.PurchasedBy != f.friend.ID {
		t.Fatalf("confirmed item = %+v", it)
	}

	// Purchased items cannot be reserved again.
	if _, err := f.svc.Reserve(ctx, f.friend, f.item.ID); !errors.Is(err, errs.ErrAlreadyReserved) {
		t.Fatalf("reserve after purchase: %v", err)
	}
}

func TestCreateShare_Rules(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	mk := func(with uuid.UUID, role model.Role) model.Share {
		return model.Share{
			ResourceType: model.ResourceList, ResourceID: f.list.ID,
			SharedWith: with, Role: role,
		}
	}

	if _, err := f.svc.CreateShare(ctx, f.owner, mk(f.owner.ID, model.RoleViewer)); !errors.Is(err, errs.ErrSelfShare) {
		t.Fatalf("self share: %v", err)
	}

	// Editors cannot grant; sharing is admin territory.
	f.share(model.ResourceList, f.list.ID, f.friend.ID, model.RoleEditor)
	if _, err := f.svc.CreateShare(ctx, f.friend, mk(f.stranger.ID, model.RoleViewer)); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("editor granted a share: %v", err)
	}

	sh, err := f.svc.CreateShare(ctx, f.owner, mk(f.stranger.ID, model.RoleViewer))
	if err != nil {
		t.Fatalf("owner grant: %v", err)
	}
	if sh.SharedBy != f.owner.ID {
		t.Fatalf("shared_by = %v", sh.SharedBy)
	}

	// The grant shows up in the list's change feed.
	changes, err := f.svc.ChangesSince(ctx, f.owner, f.list.ID, 0)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	last := changes[len(changes)-1]
	if last.Entity != model.ResourceShare || last.EntityID != sh.ID {
		t.Fatalf("feed tail = %+v, want share grant", last)
	}
}

func TestDeleteShare_GrantorOrAdmin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	sh, err := f.svc.CreateShare(ctx, f.owner, model.Share{
		ResourceType: model.ResourceList, ResourceID: f.list.ID,
		SharedWith: f.friend.ID, Role: model.RoleViewer,
	})
	if err != nil {
		t.Fatalf("grant: %v", err)
	}

	if err := f.svc.DeleteShare(ctx, f.stranger, sh.ID); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("bystander revoked a share: %v", err)
	}
	if err := f.svc.DeleteShare(ctx, f.owner, sh.ID); err != nil {
		t.Fatalf("grantor revoke: %v", err)
	}

	// The grant is gone; the ex-grantee can no longer read.
	if _, err := f.svc.ListItems(ctx, f.friend, f.list.ID); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("revoked grantee still reads: %v", err)
	}
}

func TestChangesSince_RequiresRead(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.ChangesSince(ctx, f.stranger, f.list.ID, 0); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("stranger read the feed: %v", err)
	}
	if _, err := f.svc.ChangesSince(ctx, f.owner, f.list.ID, 0); err != nil {
		t.Fatalf("owner feed: %v", err)
	}
}

func TestGuestReadOnlyAccess(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	guest := model.Principal{ID: uuid.Must(uuid.NewV4()), Kind: model.PrincipalGuest, GuestListID: f.list.ID}

	items, err := f.svc.ListItems(ctx, guest, f.list.ID)
	if err != nil || len(items) != 1 {
		t.Fatalf("guest read: %+v, %v", items, err)
	}

	up := model.UpsertItem{ID: uuid.Must(uuid.NewV4()), ListID: f.list.ID, Title: strptr("nope")}
	if _, err := f.svc.UpsertItem(ctx, guest, up); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("guest wrote: %v", err)
	}
	if _, err := f.svc.CreateList(ctx, guest, "x", nil, ""); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("guest created list: %v", err)
	}

	// The token unlocks exactly one list.
	otherID := uuid.Must(uuid.NewV4())
	f.store.mu.Lock()
	f.store.lists[otherID] = model.List{ID: otherID, OwnerID: f.owner.ID, Name: "other", Visibility: model.VisibilityPrivate, Active: true}
	f.store.mu.Unlock()
	if _, err := f.svc.ListItems(ctx, guest, otherID); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("guest crossed lists: %v", err)
	}
}

func TestRotateGuestToken_NeedsAdmin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.share(model.ResourceList, f.list.ID, f.friend.ID, model.RoleEditor)
	if _, err := f.svc.RotateGuestToken(ctx, f.friend, f.list.ID); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("editor rotated token: %v", err)
	}

	tok, err := f.svc.RotateGuestToken(ctx, f.owner, f.list.ID)
	if err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if tok == "" || tok == "guest-tok" {
		t.Fatalf("token not rotated: %q", tok)
	}
}

func TestCreateList_UnderArchivedLocationRefused(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.SetLocationArchived(ctx, f.owner, f.loc.ID, true); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := f.svc.CreateList(ctx, f.owner, "new", &f.loc.ID, ""); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("list created under archived location: %v", err)
	}
}

func TestMutationsReachSubscribers(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	f.share(model.ResourceList, f.list.ID, f.friend.ID, model.RoleViewer)
	sub, err := f.svc.dispatcher.Subscribe(ctx, f.friend, f.list.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	up := model.UpsertItem{ID: f.item.ID, BaseVer: f.item.Ver, Title: strptr("renamed")}
	if _, err := f.svc.UpsertItem(ctx, f.owner, up); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	select {
	case ch := <-sub.C:
		if ch.EntityID != f.item.ID || ch.Op != model.OpUpdate {
			t.Fatalf("event = %+v", ch)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}
