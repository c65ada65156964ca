package hba

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	submitted   prometheus.Counter
	completed   *prometheus.CounterVec
	outstanding prometheus.Gauge
	downgrades  *prometheus.CounterVec
	recoveries  *prometheus.CounterVec
}

func newMetrics(adapterID string, reg prometheus.Registerer) (*metrics, error) {
	labels := prometheus.Labels{"adapter": adapterID}
	m := &metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "hba",
			Name:        "commands_submitted_total",
			Help:        "Commands accepted by Submit.",
			ConstLabels: labels,
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "hba",
			Name:        "commands_completed_total",
			Help:        "Commands completed, by host status.",
			ConstLabels: labels,
		}, []string{"status"}),
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "hba",
			Name:        "commands_outstanding",
			Help:        "Commands handed to targets and not yet completed.",
			ConstLabels: labels,
		}),
		downgrades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "hba",
			Name:        "negotiation_downgrades_total",
			Help:        "Target capabilities given up after a rejected negotiation.",
			ConstLabels: labels,
		}, []string{"capability"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "hba",
			Name:        "recovery_actions_total",
			Help:        "Aborts, bus device resets and bus resets issued.",
			ConstLabels: labels,
		}, []string{"action"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.submitted, m.completed, m.outstanding, m.downgrades, m.recoveries} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "registering adapter metrics")
		}
	}
	return m, nil
}
