package idempotency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	duplicatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotency_duplicates_total",
		Help: "Deliveries short-circuited because the event was already processed.",
	}, []string{"consumer"})

	purgedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "idempotency_purged_total",
		Help: "Ledger records removed after the retention window.",
	}, []string{"consumer"})
)
