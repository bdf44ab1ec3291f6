package worker

import (
	"github.com/prometheus/client_golang/prometheus"
)

var eventDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Metrics holds the Prometheus instruments of a Service.
type Metrics struct {
	EventsTotal        *prometheus.CounterVec
	EventDuration      prometheus.Histogram
	ActiveEvents       prometheus.Gauge
	QueueDepth         prometheus.Gauge
	TimersFiredTotal   prometheus.Counter
	ActionsReapedTotal prometheus.Counter
	LoopErrorsTotal    *prometheus.CounterVec
	WorkersByHealth    *prometheus.GaugeVec
}

// InitMetrics creates the instruments and registers them with reg when it is non-nil.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_worker_events_total",
			Help: "Total number of events processed by workers.",
		}, []string{"outcome"}),
		EventDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "workflow_worker_event_duration_seconds",
			Help:    "Time to append and process one event, retries included.",
			Buckets: eventDurationBuckets,
		}),
		ActiveEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_worker_active_events",
			Help: "Events accepted but not yet finished.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "workflow_worker_queue_depth",
			Help: "Events waiting for a free worker.",
		}),
		TimersFiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_worker_timers_fired_total",
			Help: "Total number of timers fired by this process.",
		}),
		ActionsReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "workflow_worker_actions_reaped_total",
			Help: "Total number of stale in-progress actions reaped.",
		}),
		LoopErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "workflow_worker_loop_errors_total",
			Help: "Total number of failed timer polls and reaper passes.",
		}, []string{"loop"}),
		WorkersByHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "workflow_worker_workers",
			Help: "Workers by health status, as of the last health check.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.EventsTotal,
			m.EventDuration,
			m.ActiveEvents,
			m.QueueDepth,
			m.TimersFiredTotal,
			m.ActionsReapedTotal,
			m.LoopErrorsTotal,
			m.WorkersByHealth,
		)
	}
	return m
}
