// Package metrics exposes the core's liveness and apply-latency signals via
// github.com/VictoriaMetrics/metrics, the teacher's own (previously unwired)
// metrics dependency. Gauges are pull-based callbacks, the idiomatic shape
// for this library, rather than push-updated values.
package metrics

import (
	"io"
	"net/http"

	"github.com/VictoriaMetrics/metrics"
)

// NodeStatus is the minimal surface Register reads from; satisfied by
// *replicate.StateMachine.
type NodeStatus interface {
	IsAlive() bool
	NodeState() uint64
	GetInitReadinessCount() uint64
}

// applyDuration tracks the time the apply loop spends per committed entry
// waiting on the per-entry rendezvous (spec.md §4.4.3).
var applyDuration = metrics.NewHistogram("replicate_apply_duration_seconds")

// Register installs the liveness gauges backed by node. A second call does
// not panic: GetOrCreateGauge returns the gauges the first call created, so
// they keep reading from the first node passed in.
func Register(node NodeStatus) {
	metrics.GetOrCreateGauge("replicate_is_alive", func() float64 {
		if node.IsAlive() {
			return 1
		}
		return 0
	})
	metrics.GetOrCreateGauge("replicate_node_state", func() float64 {
		return float64(node.NodeState())
	})
	metrics.GetOrCreateGauge("replicate_init_readiness_count", func() float64 {
		return float64(node.GetInitReadinessCount())
	})
}

// ObserveApplyDuration records one apply-loop rendezvous's wall time.
func ObserveApplyDuration(seconds float64) {
	applyDuration.Update(seconds)
}

// WritePrometheus writes every registered metric to w in Prometheus
// exposition format.
func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
}

// Handler serves /metrics for the demo front-end's admin mux.
func Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		WritePrometheus(w)
	})
}
