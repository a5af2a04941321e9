package mq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	consumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_total",
		Help: "Messages consumed, by topic and result.",
	}, []string{"topic", "result"})

	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_retries_total",
		Help: "Inline retries after transient handler failures.",
	}, []string{"topic"})

	deadLetteredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_dead_lettered_total",
		Help: "Messages moved to a dead letter topic.",
	}, []string{"topic"})
)
