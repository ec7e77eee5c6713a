// Package janitor periodically reconciles sandboxes with the tasks that own
// them and expires approvals left behind by earlier runs.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kazz187/featureguild/internal/sandbox"
	"github.com/kazz187/featureguild/internal/task"
	"github.com/kazz187/featureguild/pkg/cerr"
)

// DefaultGrace protects sandboxes created moments ago: a sandbox is cut
// before its task record moves to in_progress.
const DefaultGrace = 5 * time.Minute

type Tasks interface {
	Get(ctx context.Context, id string) (*task.Task, error)
}

type Sandboxes interface {
	List() []*sandbox.Handle
	Remove(ctx context.Context, taskID string, opts sandbox.RemoveOptions) error
}

type Approvals interface {
	ExpireStale(ctx context.Context) (int, error)
}

type Report struct {
	Removed          []string
	Failed           []string
	ExpiredApprovals int
}

type Janitor struct {
	schedule  cron.Schedule
	spec      string
	tasks     Tasks
	sandboxes Sandboxes
	approvals Approvals
	grace     time.Duration
	now       func() time.Time
}

func New(spec string, tasks Tasks, sandboxes Sandboxes, approvals Approvals) (*Janitor, error) {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid janitor schedule %q", spec), err)
	}
	return &Janitor{
		schedule:  schedule,
		spec:      spec,
		tasks:     tasks,
		sandboxes: sandboxes,
		approvals: approvals,
		grace:     DefaultGrace,
		now:       time.Now,
	}, nil
}

// Start runs Sweep on the schedule until ctx is done, then waits for a
// running sweep to finish.
func (j *Janitor) Start(ctx context.Context) {
	c := cron.New()
	c.Schedule(j.schedule, cron.FuncJob(func() {
		j.Sweep(ctx)
	}))
	c.Start()
	slog.InfoContext(ctx, "janitor started", "schedule", j.spec)

	<-ctx.Done()
	<-c.Stop().Done()
	slog.InfoContext(ctx, "janitor stopped")
}

// Sweep removes sandboxes whose task is gone or no longer needs them.
// Sandboxes of in_progress and wait_approval tasks are kept, as are
// sandboxes younger than the grace period.
func (j *Janitor) Sweep(ctx context.Context) *Report {
	report := &Report{}
	now := j.now()
	for _, h := range j.sandboxes.List() {
		if now.Sub(h.CreatedAt) < j.grace {
			continue
		}
		reason, orphaned := j.orphaned(ctx, h)
		if !orphaned {
			continue
		}
		if err := j.sandboxes.Remove(ctx, h.TaskID, sandbox.RemoveOptions{Force: true}); err != nil {
			slog.WarnContext(ctx, "failed to remove orphaned sandbox", "task_id", h.TaskID, "error", err)
			report.Failed = append(report.Failed, h.TaskID)
			continue
		}
		slog.InfoContext(ctx, "removed orphaned sandbox", "task_id", h.TaskID, "reason", reason)
		report.Removed = append(report.Removed, h.TaskID)
	}

	if j.approvals != nil {
		n, err := j.approvals.ExpireStale(ctx)
		if err != nil {
			slog.WarnContext(ctx, "failed to expire stale approvals", "error", err)
		}
		report.ExpiredApprovals = n
	}
	return report
}

func (j *Janitor) orphaned(ctx context.Context, h *sandbox.Handle) (string, bool) {
	t, err := j.tasks.Get(ctx, h.TaskID)
	if cerr.IsCode(err, cerr.NotFound) {
		return "task not found", true
	}
	if err != nil {
		slog.WarnContext(ctx, "failed to load task of sandbox", "task_id", h.TaskID, "error", err)
		return "", false
	}
	switch t.Status {
	case task.StatusInProgress, task.StatusWaitApproval:
		return "", false
	}
	return "task is " + string(t.Status), true
}
