package multisig

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	operations *prometheus.CounterVec
	submits    *prometheus.HistogramVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "milestonepay_multisig_operations_total",
			Help: "multisig coordinator operations by outcome",
		}, []string{"op", "outcome"}),
		submits: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "milestonepay_multisig_submit_seconds",
			Help:    "time from handing a call to the wallet bridge until inclusion",
			Buckets: []float64{1, 3, 6, 12, 24, 48, 96},
		}, []string{"op"}),
	}
}

func (m *Metrics) Operations() *prometheus.CounterVec { return m.operations }

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
		var me *Error
		if errors.As(err, &me) {
			outcome = string(me.Kind)
		}
	}
	m.operations.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) submitted(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.submits.WithLabelValues(op).Observe(d.Seconds())
}
