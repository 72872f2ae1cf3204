package synchronization

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPulledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polycentric_sync_events_pulled_total",
		Help: "Events received from servers and ingested",
	})

	eventsPushedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polycentric_sync_events_pushed_total",
		Help: "Events sent to servers",
	})

	eventsDiscardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polycentric_sync_events_discarded_total",
		Help: "Events received from servers that failed validation",
	}, []string{"reason"})

	roundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polycentric_sync_rounds_total",
		Help: "Synchronization rounds by direction and outcome",
	}, []string{"direction", "result"})

	roundDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polycentric_sync_round_duration_seconds",
		Help:    "Duration of synchronization rounds",
		Buckets: prometheus.DefBuckets,
	}, []string{"direction"})
)

func roundResult(progress bool, err error) string {
	switch {
	case err != nil:
		return "error"
	case progress:
		return "progress"
	default:
		return "idle"
	}
}
