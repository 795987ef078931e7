package datastore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DatastoreHistorgram = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "datastore_latency",
			Help:    "Latency to access datastore.",
			Buckets: prometheus.LinearBuckets(0.01, 0.05, 10),
		},
		[]string{"action", "datastore"},
	)

	tasksQueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "client_tasks_queued",
		Help: "Number of tasks queued for clients.",
	})

	tasksLeased = promauto.NewCounter(prometheus.CounterOpts{
		Name: "client_tasks_leased",
		Help: "Number of tasks leased to clients (includes redeliveries).",
	})
)

func Instrument(access_type, datastore string) func() time.Duration {
	timer := prometheus.NewTimer(prometheus.ObserverFunc(func(v float64) {
		DatastoreHistorgram.WithLabelValues(access_type, datastore).Observe(v)
	}))

	return timer.ObserveDuration
}
