package reserve

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/wishlane/wishlane/internal/errs"
	"github.com/wishlane/wishlane/internal/model"
)

// memRepo mimics the store's conditional writes with a mutex: at most
// one active claim per item, expiry folded into the claim paths.
type memRepo struct {
	mu     sync.Mutex
	listID uuid.UUID
	active map[uuid.UUID]*model.Reservation
	state  map[uuid.UUID]model.PurchaseState
	seq    int64
}

func newMemRepo() *memRepo {
	return &memRepo{
		listID: uuid.Must(uuid.NewV4()),
		active: make(map[uuid.UUID]*model.Reservation),
		state:  make(map[uuid.UUID]model.PurchaseState),
	}
}

func (r *memRepo) change(itemID uuid.UUID, op model.ChangeOp) model.Change {
	r.seq++
	return model.Change{Seq: r.seq, ListID: r.listID, Entity: model.ResourceItem, EntityID: itemID, Op: op}
}

func (r *memRepo) TryReserve(_ context.Context, itemID, claimant uuid.UUID, now, expiresAt time.Time) (*model.Reservation, model.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.active[itemID]; ok {
		if cur.ExpiresAt.After(now) {
			return cur, model.Change{}, errs.ErrAlreadyReserved
		}
		delete(r.active, itemID)
		r.state[itemID] = model.StateAvailable
	}
	if r.state[itemID] == model.StatePurchased {
		return nil, model.Change{}, errs.ErrAlreadyReserved
	}

	res := &model.Reservation{
		ID: uuid.Must(uuid.NewV4()), ItemID: itemID, ClaimantID: claimant,
		State: model.ReservationActive, CreatedAt: now, ExpiresAt: expiresAt,
	}
	r.active[itemID] = res
	r.state[itemID] = model.StateReserved
	return res, r.change(itemID, model.OpUpdate), nil
}

func (r *memRepo) Release(_ context.Context, itemID uuid.UUID, expect *uuid.UUID, _ time.Time) (model.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.active[itemID]
	if !ok {
		return model.Change{}, errs.ErrNotFound
	}
	if expect != nil && cur.ClaimantID != *expect {
		return model.Change{}, errs.ErrDenied
	}
	delete(r.active, itemID)
	r.state[itemID] = model.StateAvailable
	return r.change(itemID, model.OpUpdate), nil
}

func (r *memRepo) Confirm(_ context.Context, itemID, claimant uuid.UUID, now time.Time) (*model.Item, model.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.active[itemID]
	if !ok {
		return nil, model.Change{}, errs.ErrNotFound
	}
	if cur.ClaimantID != claimant {
		return nil, model.Change{}, errs.ErrDenied
	}
	if !cur.ExpiresAt.After(now) {
		delete(r.active, itemID)
		r.state[itemID] = model.StateAvailable
		return nil, r.change(itemID, model.OpUpdate), errs.ErrReservationExpired
	}
	delete(r.active, itemID)
	r.state[itemID] = model.StatePurchased
	it := &model.Item{ID: itemID, ListID: r.listID, State: model.StatePurchased, PurchasedBy: &claimant, PurchasedAt: &now}
	return it, r.change(itemID, model.OpUpdate), nil
}

func (r *memRepo) Active(_ context.Context, itemID uuid.UUID) (*model.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.active[itemID]; ok {
		return cur, nil
	}
	return nil, errs.ErrNotFound
}

func (r *memRepo) ExpireDue(_ context.Context, now time.Time) ([]model.Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Change
	for id, res := range r.active {
		if !res.ExpiresAt.After(now) {
			delete(r.active, id)
			r.state[id] = model.StateAvailable
			out = append(out, r.change(id, model.OpUpdate))
		}
	}
	return out, nil
}

func (r *memRepo) ClaimantsByList(_ context.Context, _ uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[uuid.UUID]uuid.UUID, len(r.active))
	for id, res := range r.active {
		out[id] = res.ClaimantID
	}
	return out, nil
}

func TestManager_Reserve_SingleWinner(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	m := NewManager(repo, time.Minute, nil)
	itemID := uuid.Must(uuid.NewV4())
	ctx := context.Background()

	const racers = 16
	var wg sync.WaitGroup
	var won, lost int64
	var mu sync.Mutex

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := m.Reserve(ctx, itemID, uuid.Must(uuid.NewV4()))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, errs.ErrAlreadyReserved):
				lost++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if won != 1 || lost != racers-1 {
		t.Fatalf("won=%d lost=%d, want exactly one winner", won, lost)
	}
}

func TestManager_Reserve_ContentionReturnsCompetingClaim(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	m := NewManager(repo, time.Minute, nil)
	itemID := uuid.Must(uuid.NewV4())
	first := uuid.Must(uuid.NewV4())
	ctx := context.Background()

	if _, _, err := m.Reserve(ctx, itemID, first); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	res, _, err := m.Reserve(ctx, itemID, uuid.Must(uuid.NewV4()))
	if !errors.Is(err, errs.ErrAlreadyReserved) {
		t.Fatalf("err=%v, want ErrAlreadyReserved", err)
	}
	if res == nil || res.ClaimantID != first {
		t.Fatalf("competing claim not returned: %+v", res)
	}
}

func TestManager_ExpiredClaimFreesItem(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(repo, 10*time.Minute, nil).WithClock(func() time.Time { return now })

	itemID := uuid.Must(uuid.NewV4())
	first := uuid.Must(uuid.NewV4())
	second := uuid.Must(uuid.NewV4())
	ctx := context.Background()

	if _, _, err := m.Reserve(ctx, itemID, first); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Within the grace period the claim holds.
	now = now.Add(9 * time.Minute)
	if _, _, err := m.Reserve(ctx, itemID, second); !errors.Is(err, errs.ErrAlreadyReserved) {
		t.Fatalf("err=%v, want ErrAlreadyReserved before expiry", err)
	}

	// After the grace period the next claimant takes over.
	now = now.Add(2 * time.Minute)
	res, _, err := m.Reserve(ctx, itemID, second)
	if err != nil {
		t.Fatalf("reserve after expiry: %v", err)
	}
	if res.ClaimantID != second {
		t.Fatalf("claimant=%v, want %v", res.ClaimantID, second)
	}
}

func TestManager_Cancel(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	m := NewManager(repo, time.Minute, nil)
	itemID := uuid.Must(uuid.NewV4())
	claimant := uuid.Must(uuid.NewV4())
	other := uuid.Must(uuid.NewV4())
	ctx := context.Background()

	if _, _, err := m.Reserve(ctx, itemID, claimant); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if _, err := m.Cancel(ctx, itemID, other, false); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("non-claimant cancel: err=%v, want ErrDenied", err)
	}
	if _, err := m.Cancel(ctx, itemID, claimant, false); err != nil {
		t.Fatalf("claimant cancel: %v", err)
	}
	if _, err := repo.Active(ctx, itemID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("claim should be gone")
	}
}

func TestManager_Cancel_AdminOverride(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	m := NewManager(repo, time.Minute, nil)
	itemID := uuid.Must(uuid.NewV4())
	ctx := context.Background()

	if _, _, err := m.Reserve(ctx, itemID, uuid.Must(uuid.NewV4())); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, err := m.Cancel(ctx, itemID, uuid.Must(uuid.NewV4()), true); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
}

func TestManager_Confirm(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	m := NewManager(repo, time.Minute, nil)
	itemID := uuid.Must(uuid.NewV4())
	claimant := uuid.Must(uuid.NewV4())
	ctx := context.Background()

	if _, _, err := m.Reserve(ctx, itemID, claimant); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if _, _, err := m.Confirm(ctx, itemID, uuid.Must(uuid.NewV4())); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("non-claimant confirm: err=%v, want ErrDenied", err)
	}

	it, ch, err := m.Confirm(ctx, itemID, claimant)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if it.State != model.StatePurchased || it.PurchasedBy == nil || *it.PurchasedBy != claimant {
		t.Fatalf("item after confirm: %+v", it)
	}
	if ch.Seq == 0 {
		t.Fatalf("confirm must produce a change entry")
	}
}

func TestManager_Confirm_Expired(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(repo, 10*time.Minute, nil).WithClock(func() time.Time { return now })

	itemID := uuid.Must(uuid.NewV4())
	claimant := uuid.Must(uuid.NewV4())
	ctx := context.Background()

	if _, _, err := m.Reserve(ctx, itemID, claimant); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	now = now.Add(11 * time.Minute)
	_, ch, err := m.Confirm(ctx, itemID, claimant)
	if !errors.Is(err, errs.ErrReservationExpired) {
		t.Fatalf("err=%v, want ErrReservationExpired", err)
	}
	// The lapsed claim is released in passing and the release is visible
	// in the change feed.
	if ch.Seq == 0 {
		t.Fatalf("expiry release must produce a change entry")
	}
	if repo.state[itemID] != model.StateAvailable {
		t.Fatalf("item state=%v, want available", repo.state[itemID])
	}
}

func TestManager_Sweep(t *testing.T) {
	t.Parallel()

	repo := newMemRepo()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(repo, 10*time.Minute, nil).WithClock(func() time.Time { return now })
	ctx := context.Background()

	fresh := uuid.Must(uuid.NewV4())
	stale := uuid.Must(uuid.NewV4())
	if _, _, err := m.Reserve(ctx, stale, uuid.Must(uuid.NewV4())); err != nil {
		t.Fatalf("reserve stale: %v", err)
	}
	now = now.Add(8 * time.Minute)
	if _, _, err := m.Reserve(ctx, fresh, uuid.Must(uuid.NewV4())); err != nil {
		t.Fatalf("reserve fresh: %v", err)
	}

	now = now.Add(3 * time.Minute) // stale is 11m old, fresh 3m
	chs, err := m.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(chs) != 1 {
		t.Fatalf("swept %d claims, want 1", len(chs))
	}
	if _, err := repo.Active(ctx, fresh); err != nil {
		t.Fatalf("fresh claim must survive the sweep")
	}
	if _, err := repo.Active(ctx, stale); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("stale claim must be swept")
	}
}
