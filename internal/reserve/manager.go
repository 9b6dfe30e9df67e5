// Package reserve coordinates purchase claims on items: one claimant at a
// time, with a grace period to back out before the claim is final.
package reserve

import (
	"context"
	"errors"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/wishlane/wishlane/internal/errs"
	"github.com/wishlane/wishlane/internal/metrics"
	"github.com/wishlane/wishlane/internal/model"
	"github.com/wishlane/wishlane/internal/repository"
)

// DefaultGrace is the window a claimant has to confirm or cancel.
const DefaultGrace = 10 * time.Minute

// Manager drives the reservation state machine. Atomicity per item comes
// from the repository's conditional writes; the manager adds the grace
// period, claimant checks and the expiry sweep.
type Manager struct {
	repo  repository.ReservationRepository
	grace time.Duration
	now   func() time.Time
	log   *zap.Logger
}

// NewManager constructs a Manager. A non-positive grace falls back to
// DefaultGrace.
func NewManager(repo repository.ReservationRepository, grace time.Duration, log *zap.Logger) *Manager {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{repo: repo, grace: grace, now: time.Now, log: log}
}

// WithClock overrides the manager's time source. Tests only.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Reserve claims the item for the claimant. On contention the error is
// errs.ErrAlreadyReserved and the returned reservation is the competing
// claim (callers decide whether the claimant's identity may be shown).
func (m *Manager) Reserve(ctx context.Context, itemID, claimant uuid.UUID) (*model.Reservation, model.Change, error) {
	now := m.now()
	res, ch, err := m.repo.TryReserve(ctx, itemID, claimant, now, now.Add(m.grace))
	switch {
	case err == nil:
		metrics.Reservations.WithLabelValues("reserved").Inc()
	case errors.Is(err, errs.ErrAlreadyReserved):
		metrics.Reservations.WithLabelValues("conflict").Inc()
	}
	return res, ch, err
}

// Cancel releases the claim. Only the claimant may cancel their own claim;
// admins may release anyone's.
func (m *Manager) Cancel(ctx context.Context, itemID, claimant uuid.UUID, admin bool) (model.Change, error) {
	expect := &claimant
	if admin {
		expect = nil
	}
	ch, err := m.repo.Release(ctx, itemID, expect, m.now())
	if err == nil {
		metrics.Reservations.WithLabelValues("cancelled").Inc()
	}
	return ch, err
}

// Confirm finalizes the claim into a purchase. Only the claimant may
// confirm, and only while the grace period is still running.
func (m *Manager) Confirm(ctx context.Context, itemID, claimant uuid.UUID) (*model.Item, model.Change, error) {
	it, ch, err := m.repo.Confirm(ctx, itemID, claimant, m.now())
	switch {
	case err == nil:
		metrics.Reservations.WithLabelValues("confirmed").Inc()
	case errors.Is(err, errs.ErrReservationExpired):
		metrics.Reservations.WithLabelValues("expired").Inc()
	}
	return it, ch, err
}

// Sweep releases every reservation whose grace period has passed and
// returns the resulting change feed entries.
func (m *Manager) Sweep(ctx context.Context) ([]model.Change, error) {
	chs, err := m.repo.ExpireDue(ctx, m.now())
	for range chs {
		metrics.Reservations.WithLabelValues("expired").Inc()
	}
	return chs, err
}

// RunSweeper periodically sweeps expired reservations until ctx is done,
// feeding resulting changes to broadcast. Expiry is also checked lazily
// on every reserve/confirm, so the sweeper only bounds how long a lapsed
// claim stays visible to passive readers.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration, broadcast func(model.Change)) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			chs, err := m.Sweep(ctx)
			if err != nil {
				m.log.Warn("reservation sweep", zap.Error(err))
			}
			for _, ch := range chs {
				if broadcast != nil {
					broadcast(ch)
				}
			}
		}
	}
}
