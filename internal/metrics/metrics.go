package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cadenza"

// Metrics holds the runtime collectors. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	scheduleFires     *prometheus.CounterVec
	armedTimers       prometheus.Gauge
	activitiesSettled *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	fireDuration      *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		scheduleFires: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_fires_total",
			Help:      "Schedule occurrences fired, by action type and outcome.",
		}, []string{"action", "outcome"}),
		armedTimers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_armed_timers",
			Help:      "Schedules currently armed in the trigger engine.",
		}),
		activitiesSettled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "activities_settled_total",
			Help:      "Activities that reached a terminal status, by type and status.",
		}, []string{"type", "status"}),
		instancesFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_finished_total",
			Help:      "Workflow instances that reached a terminal status.",
		}, []string{"status"}),
		fireDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "schedule_fire_duration_seconds",
			Help:      "Time spent executing a schedule trigger.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"action"}),
	}
}

// ScheduleFired counts one fire of a schedule.
func (m *Metrics) ScheduleFired(action, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.scheduleFires.WithLabelValues(action, outcome).Inc()
	m.fireDuration.WithLabelValues(action).Observe(seconds)
}

// SetArmed records the number of armed schedules.
func (m *Metrics) SetArmed(n int) {
	if m == nil {
		return
	}
	m.armedTimers.Set(float64(n))
}

// ActivitySettled counts an activity reaching a terminal status.
func (m *Metrics) ActivitySettled(activityType, status string) {
	if m == nil {
		return
	}
	m.activitiesSettled.WithLabelValues(activityType, status).Inc()
}

// InstanceFinished counts an instance reaching a terminal status.
func (m *Metrics) InstanceFinished(status string) {
	if m == nil {
		return
	}
	m.instancesFinished.WithLabelValues(status).Inc()
}

// Handler exposes the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
