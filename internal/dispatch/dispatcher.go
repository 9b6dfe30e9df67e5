// Package dispatch fans committed mutations out to subscribed viewers.
//
// Each list is an append-only, sequence-numbered feed; subscribers hold a
// cursor, not live references. Delivery is at-least-once and per-subscriber
// ordered by commit sequence: the dispatcher never buffers or reorders, and
// a subscriber seeing a gap (seq != last_seen+1) must catch up through the
// changes-since endpoint.
package dispatch

import (
	"context"
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/wishlane/wishlane/internal/access"
	"github.com/wishlane/wishlane/internal/errs"
	"github.com/wishlane/wishlane/internal/metrics"
	"github.com/wishlane/wishlane/internal/model"
	"github.com/wishlane/wishlane/internal/notify"
)

// readGate is the slice of the access gate the dispatcher needs: access is
// re-evaluated per subscriber on every event, not cached from subscribe time.
type readGate interface {
	Can(ctx context.Context, p model.Principal, ref model.ResourceRef, action model.Action) (access.Decision, error)
}

// subscriber buffer; overflow drops the subscriber, which recovers via
// catch-up rather than blocking every other consumer.
const subBuffer = 64

type subscriber struct {
	id        uint64
	principal model.Principal
	ch        chan model.Change
	closeOnce sync.Once
}

func (s *subscriber) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Subscription is a live event stream for one (principal, list) pair.
type Subscription struct {
	// C yields committed changes in sequence order. It is closed when the
	// subscription is dropped or Close is called.
	C <-chan model.Change

	listID uuid.UUID
	sub    *subscriber
	d      *Dispatcher
}

// Close detaches the subscription and closes C.
func (s *Subscription) Close() { s.d.remove(s.listID, s.sub) }

// Dispatcher routes committed changes to subscribers.
type Dispatcher struct {
	gate     readGate
	notifier notify.Notifier
	log      *zap.Logger

	mu     sync.Mutex
	subs   map[uuid.UUID]map[uint64]*subscriber
	nextID uint64
}

// New constructs a Dispatcher.
func New(gate readGate, notifier notify.Notifier, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		gate:     gate,
		notifier: notifier,
		log:      log,
		subs:     make(map[uuid.UUID]map[uint64]*subscriber),
	}
}

// Subscribe attaches the principal to a list's feed after a read gate check.
func (d *Dispatcher) Subscribe(ctx context.Context, p model.Principal, listID uuid.UUID) (*Subscription, error) {
	dec, err := d.gate.Can(ctx, p, model.ResourceRef{Type: model.ResourceList, ID: listID}, model.ActionRead)
	if err != nil {
		return nil, err
	}
	if !dec.Permitted {
		return nil, errs.ErrDenied
	}

	s := &subscriber{principal: p, ch: make(chan model.Change, subBuffer)}

	d.mu.Lock()
	d.nextID++
	s.id = d.nextID
	if d.subs[listID] == nil {
		d.subs[listID] = make(map[uint64]*subscriber)
	}
	d.subs[listID][s.id] = s
	d.mu.Unlock()

	return &Subscription{C: s.ch, listID: listID, sub: s, d: d}, nil
}

// Broadcast delivers a committed change to every subscriber of its list
// that still has read access. Subscribers whose access is gone, or whose
// buffer is full, are dropped; their closed channel tells them to resync.
func (d *Dispatcher) Broadcast(ctx context.Context, ch model.Change) {
	d.mu.Lock()
	listSubs := make([]*subscriber, 0, len(d.subs[ch.ListID]))
	for _, s := range d.subs[ch.ListID] {
		listSubs = append(listSubs, s)
	}
	d.mu.Unlock()

	ref := model.ResourceRef{Type: model.ResourceList, ID: ch.ListID}
	for _, s := range listSubs {
		dec, err := d.gate.Can(ctx, s.principal, ref, model.ActionRead)
		if err != nil || !dec.Permitted {
			d.remove(ch.ListID, s)
			continue
		}
		select {
		case s.ch <- ch:
			metrics.EventsDispatched.Inc()
		default:
			metrics.SubscribersDropped.Inc()
			d.remove(ch.ListID, s)
		}
	}
}

// AnnouncePurchase hands a confirmed purchase to the notification
// collaborator. Fire-and-forget: failures are logged and never propagate
// to the commit that triggered them.
func (d *Dispatcher) AnnouncePurchase(it model.Item) {
	if d.notifier == nil {
		return
	}
	ev := notify.Event{Kind: "purchase_confirmed", ListID: it.ListID, ItemID: it.ID, Title: it.Title, At: it.UpdatedAt}
	go func() {
		if err := d.notifier.Notify(context.Background(), ev); err != nil {
			d.log.Warn("notify delivery", zap.Error(err))
		}
	}()
}

func (d *Dispatcher) remove(listID uuid.UUID, s *subscriber) {
	d.mu.Lock()
	if m := d.subs[listID]; m != nil {
		if _, ok := m[s.id]; ok {
			delete(m, s.id)
			if len(m) == 0 {
				delete(d.subs, listID)
			}
		}
	}
	d.mu.Unlock()
	s.close()
}
