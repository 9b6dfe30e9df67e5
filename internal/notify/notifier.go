// Package notify is the narrow interface to the out-of-scope notification
// delivery system. Calls are fire-and-forget: a delivery failure never
// affects the commit that triggered it.
package notify

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Event describes a committed occurrence worth telling someone about.
type Event struct {
	Kind   string // e.g. "purchase_confirmed"
	ListID uuid.UUID
	ItemID uuid.UUID
	Title  string
	At     time.Time
}

// Notifier delivers events to an external channel (email, push, ...).
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// LogNotifier is the default delivery backend: it records the event in the
// server log and succeeds.
type LogNotifier struct{ Log *zap.Logger }

// Notify logs the event.
func (n LogNotifier) Notify(_ context.Context, ev Event) error {
	if n.Log != nil {
		n.Log.Info("notify",
			zap.String("kind", ev.Kind),
			zap.String("list", ev.ListID.String()),
			zap.String("item", ev.ItemID.String()),
		)
	}
	return nil
}
