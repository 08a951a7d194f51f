package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	snapshotsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reconcile_snapshots_total",
		Help: "Snapshots considered by the reconciler",
	}, []string{"result"}) // Bounded: "applied", "stale", "superseded"

	entitiesGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reconcile_entities",
		Help: "Live entities in the local world",
	}, []string{"space"}) // Bounded: "players", "bullets"
)
