package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics with bounded label values only
var (
	messagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Envelopes seen by the bus",
	}, []string{"result"}) // Bounded: "novel", "duplicate", "unencodable"

	peersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_peers",
		Help: "Currently registered peer connections",
	})

	writeErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_write_errors_total",
		Help: "Failed writes to a peer connection",
	})

	dedupEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dedup_evictions_total",
		Help: "Message ids evicted from the dedup cache",
	})

	disconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_disconnects_total",
		Help: "Peer connections removed from the registry",
	}, []string{"reason"}) // Bounded: "eof", "error"
)
