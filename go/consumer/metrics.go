package consumer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var handledCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "relay_consumer_handled_total",
	Help: "counter of deliveries which were parsed, merged, and acknowledged",
}, []string{"type"})

var poisonCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "relay_consumer_poison_total",
	Help: "counter of undecodable deliveries acknowledged without handling",
})

var storeFailureCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "relay_consumer_store_failures_total",
	Help: "counter of deliveries left unacknowledged after a store error, pending redelivery",
})
