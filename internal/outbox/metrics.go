package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_published_total",
		Help: "Envelopes published and acknowledged by the bus.",
	}, []string{"topic"})

	publishFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_failures_total",
		Help: "Publish attempts that failed and were scheduled for retry.",
	}, []string{"topic"})

	deadLetterTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_dead_letter_total",
		Help: "Envelopes moved to the dead state after exhausting retries.",
	}, []string{"topic"})

	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_pending",
		Help: "Envelopes waiting to be published.",
	})

	deadGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_dead",
		Help: "Envelopes in the dead state.",
	})

	oldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "outbox_oldest_pending_age_seconds",
		Help: "Age of the oldest pending envelope.",
	})
)
