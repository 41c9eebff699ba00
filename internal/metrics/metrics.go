// Package metrics wires the fabric's Prometheus metrics. A
// single Registry owns every named metric and is handed to an
// http.Handler via promhttp so the daemon exposes GET /metrics (§6).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"net/http"
)

// Registry holds every metric the fabric exports.
type Registry struct {
	reg *prometheus.Registry

	TasksTotal            *prometheus.CounterVec
	SchedulerUp           prometheus.Gauge
	LoopDuration          prometheus.Histogram
	PollFailuresTotal     prometheus.Counter
	GateTimeoutsTotal     *prometheus.CounterVec
	GateEscalationsTotal  *prometheus.CounterVec
	DispatchFailuresTotal prometheus.Counter
}

// New constructs a Registry with all metrics registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,
		TasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aof_tasks_total",
			Help: "Total tasks created, labeled by status at observation time.",
		}, []string{"status"}),
		SchedulerUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "aof_scheduler_up",
			Help: "1 if the scheduler's poll loop is running, 0 otherwise.",
		}),
		LoopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "aof_scheduler_loop_duration_seconds",
			Help:    "Wall-clock duration of a single scheduler poll cycle.",
			Buckets: prometheus.DefBuckets,
		}),
		PollFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aof_scheduler_poll_failures_total",
			Help: "Total poll cycles that returned an error before completing.",
		}),
		GateTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aof_gate_timeouts_total",
			Help: "Total gate timeout sweeps that fired, labeled by gate name.",
		}, []string{"gate"}),
		GateEscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aof_gate_escalations_total",
			Help: "Total gate timeouts that escalated routing.role, labeled by gate name.",
		}, []string{"gate"}),
		DispatchFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "aof_dispatch_failures_total",
			Help: "Total dispatch actions that failed executor invocation.",
		}),
	}

	reg.MustRegister(
		r.TasksTotal, r.SchedulerUp, r.LoopDuration, r.PollFailuresTotal,
		r.GateTimeoutsTotal, r.GateEscalationsTotal, r.DispatchFailuresTotal,
	)
	return r
}

// Handler returns the http.Handler to mount at GET /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
