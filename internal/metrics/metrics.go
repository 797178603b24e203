// Package metrics turns scheduler and engine events into Prometheus series.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"cronbridge/internal/eventbus"
	"cronbridge/internal/task/engine"
	"cronbridge/internal/task/scheduler"
)

const namespace = "cronbridge"

// Metrics holds the collectors fed from the event bus.
type Metrics struct {
	fires        *prometheus.CounterVec
	fireDuration prometheus.Histogram
	tasks        *prometheus.CounterVec
	queueDelay   prometheus.Histogram
	changes      *prometheus.CounterVec
}

// Stats is polled at scrape time.
type Stats struct {
	Schedules int
	InFlight  int
	QueueLen  int
}

// MustNew registers the collectors on reg (the default registerer when nil).
// stats may be nil.
func MustNew(reg prometheus.Registerer, stats func() Stats) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		fires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Schedule fires by outcome.",
		}, []string{"result"}),
		fireDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fire_duration_seconds",
			Help:      "Time spent executing one fire, retries included.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "tasks_total",
			Help:      "Task engine lifecycle events.",
		}, []string{"event"}),
		queueDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "queue_delay_seconds",
			Help:      "Time tasks wait in the queue before a worker picks them up.",
			Buckets:   prometheus.DefBuckets,
		}),
		changes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "schedule_changes_total",
			Help:      "Schedules added or removed.",
		}, []string{"op"}),
	}
	collectors := []prometheus.Collector{m.fires, m.fireDuration, m.tasks, m.queueDelay, m.changes}
	if stats != nil {
		collectors = append(collectors,
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "scheduler", Name: "schedules",
				Help: "Triggers currently registered.",
			}, func() float64 { return float64(stats().Schedules) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "engine", Name: "in_flight",
				Help: "Tasks currently executing.",
			}, func() float64 { return float64(stats().InFlight) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: namespace, Subsystem: "engine", Name: "queue_length",
				Help: "Tasks waiting for a worker.",
			}, func() float64 { return float64(stats().QueueLen) }),
		)
	}
	reg.MustRegister(collectors...)
	return m
}

// Observe updates collectors for one bus event. Unknown types are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case scheduler.EventFired, scheduler.EventFailed, scheduler.EventSkipped:
		result := map[string]string{
			scheduler.EventFired:   "completed",
			scheduler.EventFailed:  "failed",
			scheduler.EventSkipped: "skipped",
		}[ev.Type]
		m.fires.WithLabelValues(result).Inc()
		if fe, ok := ev.Data.(scheduler.FireEvent); ok && ev.Type != scheduler.EventSkipped {
			m.fireDuration.Observe(fe.Duration.Seconds())
		}
	case scheduler.EventScheduled:
		m.changes.WithLabelValues("added").Inc()
	case scheduler.EventRemoved:
		m.changes.WithLabelValues("removed").Inc()
	case engine.EventStarted, engine.EventFinished, engine.EventFailed, engine.EventSkipped, engine.EventDropped:
		m.tasks.WithLabelValues(ev.Type).Inc()
		if te, ok := ev.Data.(engine.TaskEvent); ok && ev.Type == engine.EventStarted {
			m.queueDelay.Observe(te.QueueDelay.Seconds())
		}
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsubscribe := bus.Subscribe(256, "fire.", "schedule.", "task.")
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}
