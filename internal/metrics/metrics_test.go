package metrics_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/featureguild/internal/eventbus"
	"github.com/kazz187/featureguild/internal/metrics"
)

func TestMetrics_Observe(t *testing.T) {
	m := metrics.New(metrics.Gauges{})

	m.Observe(&eventbus.Event{Type: eventbus.TaskCreated})
	m.Observe(&eventbus.Event{Type: eventbus.TaskStatusChanged, Metadata: map[string]string{"from": "todo", "to": "in_progress"}})
	m.Observe(&eventbus.Event{Type: eventbus.TaskStatusChanged, Metadata: map[string]string{"from": "todo", "to": "in_progress"}})
	m.Observe(&eventbus.Event{Type: eventbus.ApprovalResolved, Metadata: map[string]string{"outcome": "denied", "actor": "reviewer"}})
	m.Observe(&eventbus.Event{Type: eventbus.SessionFinished, Metadata: map[string]string{"result": "stopped"}})
	m.Observe(&eventbus.Event{Type: eventbus.SandboxTeardownFailed})

	assert.InDelta(t, 1, testutil.ToFloat64(m.TasksCreated), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.TaskTransitions.WithLabelValues("todo", "in_progress")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ApprovalsResolved.WithLabelValues("denied", "reviewer")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SessionsFinished.WithLabelValues("stopped")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.SandboxEvents.WithLabelValues("teardown_failed")), 0)
}

func TestMetrics_RunAndHandler(t *testing.T) {
	pending := 3
	m := metrics.New(metrics.Gauges{
		PendingApprovals: func() int { return pending },
		RunningSessions:  func() int { return 1 },
	})
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx, bus)

	require.Eventually(t, func() bool {
		bus.PublishNew(eventbus.ApprovalRequested, "A1", map[string]string{"tool": "write_file"})
		return testutil.ToFloat64(m.ApprovalsRequested.WithLabelValues("write_file")) > 0
	}, 5*time.Second, 10*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "featureguild_approvals_pending 3")
	assert.Contains(t, string(body), "featureguild_sessions_running 1")
	assert.Contains(t, string(body), `featureguild_approvals_requested_total{tool="write_file"}`)
}
