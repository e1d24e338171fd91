// Package metrics exposes the advisory billing counter and the
// population of live spaces/outputs/outgoing connections as Prometheus
// metrics, the same instrumentation pattern the pack's other
// signaling/relay server uses for its own hot path.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/orchidgate/orchidgate/internal/identity"
)

// Registry implements space.Metrics and node.Metrics, registering its
// collectors against reg. A nil *Registry is not valid; use New.
type Registry struct {
	balance  *prometheus.GaugeVec
	billed   prometheus.Counter
	outputs  prometheus.Gauge
	outgoing prometheus.Gauge
	spaces   prometheus.Gauge
}

// New creates a Registry and registers its collectors against reg. Pass
// prometheus.DefaultRegisterer for the global registry.
func New(reg prometheus.Registerer) *Registry {
	r := &Registry{
		balance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "orchidgate_space_balance",
			Help: "Advisory billing balance, per space, keyed by peer common.",
		}, []string{"common"}),
		billed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "orchidgate_frames_billed_total",
			Help: "Total count of Bill(n) units billed across all spaces.",
		}),
		outputs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchidgate_outputs_active",
			Help: "Number of live outputs (UDP sockets and outgoing data channels) across all spaces.",
		}),
		outgoing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchidgate_outgoing_active",
			Help: "Number of live outgoing WebRTC connections across all spaces.",
		}),
		spaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "orchidgate_spaces_active",
			Help: "Number of spaces created by the node registry (not decremented on weak-pointer expiry).",
		}),
	}
	reg.MustRegister(r.balance, r.billed, r.outputs, r.outgoing, r.spaces)
	return r
}

// SetBalance records the current advisory balance for a space.
func (r *Registry) SetBalance(common identity.Common, balance int64) {
	r.balance.WithLabelValues(common.String()).Set(float64(balance))
}

// AddBilled increments the cumulative billed-units counter by n.
func (r *Registry) AddBilled(n int64) {
	r.billed.Add(float64(n))
}

// OutputsChanged adjusts the live-outputs gauge by delta (positive on
// creation, negative on teardown).
func (r *Registry) OutputsChanged(delta int) {
	r.outputs.Add(float64(delta))
}

// OutgoingChanged adjusts the live-outgoing-connections gauge by delta.
func (r *Registry) OutgoingChanged(delta int) {
	r.outgoing.Add(float64(delta))
}

// SpacesChanged adjusts the spaces-created gauge by delta.
func (r *Registry) SpacesChanged(delta int) {
	r.spaces.Add(float64(delta))
}
