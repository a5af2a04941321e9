package saga

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_events_total",
		Help: "Saga events handled, by event type and result.",
	}, []string{"type", "result"})

	staleEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_stale_events_total",
		Help: "Events discarded because the order had already moved past the step.",
	}, []string{"type"})

	compensationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensations_total",
		Help: "Compensation commands emitted, by command type.",
	}, []string{"type"})

	stepTimeoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_step_timeouts_total",
		Help: "Orders found stuck by the watchdog, by status.",
	}, []string{"status"})
)
