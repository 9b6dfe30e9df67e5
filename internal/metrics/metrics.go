// Package metrics registers the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Reservations counts reservation attempts by outcome
	// (reserved, conflict, confirmed, cancelled, expired).
	Reservations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wishlane_reservations_total",
		Help: "Reservation transitions by outcome.",
	}, []string{"outcome"})

	// VersionConflicts counts optimistic concurrency rejections.
	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wishlane_version_conflicts_total",
		Help: "Writes rejected due to a stale base version.",
	})

	// EventsDispatched counts change events delivered to subscribers.
	EventsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wishlane_events_dispatched_total",
		Help: "Change events delivered to subscribers.",
	})

	// SubscribersDropped counts subscribers disconnected because their
	// event buffer overflowed (they recover via catch-up fetch).
	SubscribersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wishlane_subscribers_dropped_total",
		Help: "Subscribers dropped due to slow consumption.",
	})
)
