package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UtterancesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coach_utterances_processed_total",
		Help: "Utterances drained through case pipelines.",
	})
	SnapshotsBroadcast = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coach_snapshots_broadcast_total",
		Help: "HUD snapshots fanned out to observers.",
	})
	AdapterFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coach_adapter_failures_total",
		Help: "Adapter calls that failed or timed out, by adapter.",
	}, []string{"adapter"})
	ObserversDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coach_observers_dropped_total",
		Help: "Observers dropped for not keeping up with delivery.",
	})
	ActiveCases = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coach_active_cases",
		Help: "Cases currently held by the registry.",
	})
)
