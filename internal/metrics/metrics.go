// Package metrics exposes prometheus collectors fed from the event bus.
package metrics

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kazz187/featureguild/internal/eventbus"
)

const namespace = "featureguild"

// Gauges reports the current size of in-memory tables.
type Gauges struct {
	PendingApprovals func() int
	RunningSessions  func() int
}

// Metrics holds the collectors of one server on its own registry.
//
// Metrics:
//   - featureguild_tasks_created_total
//   - featureguild_task_transitions_total{from,to}
//   - featureguild_approvals_requested_total{tool}
//   - featureguild_approvals_resolved_total{outcome,actor}
//   - featureguild_sessions_finished_total{result}
//   - featureguild_sandbox_events_total{event}
//   - featureguild_approvals_pending
//   - featureguild_sessions_running
type Metrics struct {
	registry *prometheus.Registry

	TasksCreated       prometheus.Counter
	TaskTransitions    *prometheus.CounterVec
	ApprovalsRequested *prometheus.CounterVec
	ApprovalsResolved  *prometheus.CounterVec
	SessionsFinished   *prometheus.CounterVec
	SandboxEvents      *prometheus.CounterVec
}

func New(g Gauges) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		TasksCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_created_total",
			Help:      "Total number of tasks created",
		}),
		TaskTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Total number of task status transitions",
		}, []string{"from", "to"}),
		ApprovalsRequested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_requested_total",
			Help:      "Total number of approval requests opened",
		}, []string{"tool"}),
		ApprovalsResolved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_resolved_total",
			Help:      "Total number of approval requests resolved",
		}, []string{"outcome", "actor"}),
		SessionsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_finished_total",
			Help:      "Total number of agent sessions that ended",
		}, []string{"result"}),
		SandboxEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sandbox_events_total",
			Help:      "Total number of sandbox lifecycle events",
		}, []string{"event"}),
	}

	if g.PendingApprovals != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Number of approval requests awaiting a decision",
		}, func() float64 { return float64(g.PendingApprovals()) })
	}
	if g.RunningSessions != nil {
		f.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_running",
			Help:      "Number of agent sessions currently running",
		}, func() float64 { return float64(g.RunningSessions()) })
	}
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Observe updates the counters for one event.
func (m *Metrics) Observe(ev *eventbus.Event) {
	switch ev.Type {
	case eventbus.TaskCreated:
		m.TasksCreated.Inc()
	case eventbus.TaskStatusChanged:
		m.TaskTransitions.WithLabelValues(ev.Metadata["from"], ev.Metadata["to"]).Inc()
	case eventbus.ApprovalRequested:
		m.ApprovalsRequested.WithLabelValues(ev.Metadata["tool"]).Inc()
	case eventbus.ApprovalResolved:
		m.ApprovalsResolved.WithLabelValues(ev.Metadata["outcome"], ev.Metadata["actor"]).Inc()
	case eventbus.SessionFinished:
		m.SessionsFinished.WithLabelValues(ev.Metadata["result"]).Inc()
	case eventbus.SandboxCreated:
		m.SandboxEvents.WithLabelValues("created").Inc()
	case eventbus.SandboxRemoved:
		m.SandboxEvents.WithLabelValues("removed").Inc()
	case eventbus.SandboxTeardownFailed:
		m.SandboxEvents.WithLabelValues("teardown_failed").Inc()
	}
}

// Run feeds events from bus into the counters until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus *eventbus.Bus) {
	subID, ch := bus.Subscribe(1024)
	defer bus.Unsubscribe(subID)

	slog.InfoContext(ctx, "metrics collector started")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}
