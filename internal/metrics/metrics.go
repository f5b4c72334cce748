package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ActionsTotal   *prometheus.CounterVec
	ActionFailures *prometheus.CounterVec
	RecordsStored  prometheus.Counter
	PersistErrors  prometheus.Counter
	ForgetsTotal   prometheus.Counter
}

var (
	once   sync.Once
	global *Metrics
)

func Global() *Metrics {
	once.Do(func() {
		global = &Metrics{
			ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deskagent",
				Name:      "actions_total",
				Help:      "Total actions dispatched, by action name",
			}, []string{"action"}),
			ActionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "deskagent",
				Name:      "action_failures_total",
				Help:      "Total actions that returned an error, by action name",
			}, []string{"action"}),
			RecordsStored: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deskagent",
				Name:      "records_stored_total",
				Help:      "Total records persisted to the store",
			}),
			PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deskagent",
				Name:      "persist_errors_total",
				Help:      "Total capability results that could not be persisted",
			}),
			ForgetsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "deskagent",
				Name:      "forgets_total",
				Help:      "Total forget operations executed",
			}),
		}
		prometheus.MustRegister(global.ActionsTotal, global.ActionFailures, global.RecordsStored, global.PersistErrors, global.ForgetsTotal)
	})
	return global
}
