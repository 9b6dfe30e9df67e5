package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/wishlane/wishlane/internal/access"
	"github.com/wishlane/wishlane/internal/errs"
	"github.com/wishlane/wishlane/internal/model"
)

// allowGate permits principals listed in allowed; access can be revoked
// mid-stream by mutating the map.
type allowGate struct {
	mu      sync.Mutex
	allowed map[uuid.UUID]bool
}

func (g *allowGate) Can(_ context.Context, p model.Principal, _ model.ResourceRef, _ model.Action) (access.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.allowed[p.ID] {
		return access.Decision{Role: model.RoleViewer, Permitted: true}, nil
	}
	return access.Decision{}, errs.ErrDenied
}

func (g *allowGate) revoke(id uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.allowed, id)
}

func change(listID uuid.UUID, seq int64) model.Change {
	return model.Change{
		Seq: seq, ListID: listID, Entity: model.ResourceItem,
		EntityID: uuid.Must(uuid.NewV4()), Op: model.OpUpdate, At: time.Now(),
	}
}

func TestDispatcher_SubscribeRequiresRead(t *testing.T) {
	t.Parallel()

	reader := uuid.Must(uuid.NewV4())
	gate := &allowGate{allowed: map[uuid.UUID]bool{reader: true}}
	d := New(gate, nil, nil)
	listID := uuid.Must(uuid.NewV4())

	if _, err := d.Subscribe(context.Background(), model.Principal{ID: uuid.Must(uuid.NewV4()), Kind: model.PrincipalUser}, listID); !errors.Is(err, errs.ErrDenied) {
		t.Fatalf("err=%v, want ErrDenied", err)
	}

	sub, err := d.Subscribe(context.Background(), model.Principal{ID: reader, Kind: model.PrincipalUser}, listID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Close()
}

func TestDispatcher_DeliversInOrder(t *testing.T) {
	t.Parallel()

	reader := uuid.Must(uuid.NewV4())
	gate := &allowGate{allowed: map[uuid.UUID]bool{reader: true}}
	d := New(gate, nil, nil)
	listID := uuid.Must(uuid.NewV4())
	ctx := context.Background()

	sub, err := d.Subscribe(ctx, model.Principal{ID: reader, Kind: model.PrincipalUser}, listID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	for seq := int64(1); seq <= 5; seq++ {
		d.Broadcast(ctx, change(listID, seq))
	}

	for want := int64(1); want <= 5; want++ {
		select {
		case got := <-sub.C:
			if got.Seq != want {
				t.Fatalf("seq=%d, want %d", got.Seq, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for seq %d", want)
		}
	}
}

func TestDispatcher_OtherListNotDelivered(t *testing.T) {
	t.Parallel()

	reader := uuid.Must(uuid.NewV4())
	gate := &allowGate{allowed: map[uuid.UUID]bool{reader: true}}
	d := New(gate, nil, nil)
	ctx := context.Background()

	sub, err := d.Subscribe(ctx, model.Principal{ID: reader, Kind: model.PrincipalUser}, uuid.Must(uuid.NewV4()))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	d.Broadcast(ctx, change(uuid.Must(uuid.NewV4()), 1))

	select {
	case ch, ok := <-sub.C:
		if ok {
			t.Fatalf("got change for another list: %+v", ch)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDispatcher_RevokedSubscriberDropped(t *testing.T) {
	t.Parallel()

	reader := uuid.Must(uuid.NewV4())
	gate := &allowGate{allowed: map[uuid.UUID]bool{reader: true}}
	d := New(gate, nil, nil)
	listID := uuid.Must(uuid.NewV4())
	ctx := context.Background()

	sub, err := d.Subscribe(ctx, model.Principal{ID: reader, Kind: model.PrincipalUser}, listID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	d.Broadcast(ctx, change(listID, 1))
	<-sub.C

	// Access is re-checked per event; once revoked the channel closes.
	gate.revoke(reader)
	d.Broadcast(ctx, change(listID, 2))

	select {
	case _, ok := <-sub.C:
		if ok {
			t.Fatalf("revoked subscriber still receives events")
		}
	case <-time.After(time.Second):
		t.Fatalf("channel not closed after revocation")
	}
}

func TestDispatcher_SlowSubscriberDropped(t *testing.T) {
	t.Parallel()

	reader := uuid.Must(uuid.NewV4())
	gate := &allowGate{allowed: map[uuid.UUID]bool{reader: true}}
	d := New(gate, nil, nil)
	listID := uuid.Must(uuid.NewV4())
	ctx := context.Background()

	sub, err := d.Subscribe(ctx, model.Principal{ID: reader, Kind: model.PrincipalUser}, listID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Never read: overflow the buffer and the subscriber must be cut
	// loose instead of stalling the broadcast path.
	for seq := int64(1); seq <= subBuffer+1; seq++ {
		d.Broadcast(ctx, change(listID, seq))
	}

	n := 0
	for range sub.C {
		n++
	}
	if n != subBuffer {
		t.Fatalf("drained %d events, want %d then close", n, subBuffer)
	}
}

func TestDispatcher_CloseIsIdempotent(t *testing.T) {
	t.Parallel()

	reader := uuid.Must(uuid.NewV4())
	gate := &allowGate{allowed: map[uuid.UUID]bool{reader: true}}
	d := New(gate, nil, nil)

	sub, err := d.Subscribe(context.Background(), model.Principal{ID: reader, Kind: model.PrincipalUser}, uuid.Must(uuid.NewV4()))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Close()
	sub.Close()
}
