// Package metrics registers the daemon's Prometheus collectors with the
// controller-runtime registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

// Result label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultTimeout = "timeout"
	ResultNoop    = "noop"

	// ResultRejected counts logins the portal refused.
	ResultRejected = "rejected"
)

var (
	Cycles = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_ddns_cycles_total",
		Help: "Reconciliation cycles by result.",
	}, []string{"result"})

	Logins = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_ddns_logins_total",
		Help: "Portal login attempts by result.",
	}, []string{"result"})

	RecordWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "portal_ddns_record_writes_total",
		Help: "Record create/update calls by record type and result.",
	}, []string{"type", "result"})

	LastSuccess = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portal_ddns_last_success_timestamp_seconds",
		Help: "Unix time of the last cycle that finished without error.",
	})
)

func init() {
	metrics.Registry.MustRegister(Cycles, Logins, RecordWrites, LastSuccess)
}
