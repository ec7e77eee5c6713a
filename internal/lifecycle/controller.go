// Package lifecycle moves tasks through their states and runs the side
// effects attached to each edge.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/featureguild/internal/eventbus"
	"github.com/kazz187/featureguild/internal/sandbox"
	"github.com/kazz187/featureguild/internal/session"
	"github.com/kazz187/featureguild/internal/task"
	"github.com/kazz187/featureguild/pkg/cerr"
	"github.com/kazz187/featureguild/pkg/keymutex"
)

var ErrIO = errors.New("task persistence failed")

type Sandboxes interface {
	Create(ctx context.Context, taskID string) (*sandbox.Handle, error)
	Remove(ctx context.Context, taskID string, opts sandbox.RemoveOptions) error
	Merge(ctx context.Context, taskID string) (*sandbox.MergeResult, error)
	Lookup(taskID string) (*sandbox.Handle, bool)
}

type Sessions interface {
	Start(ctx context.Context, t *task.Task, handle *sandbox.Handle, onDone session.DoneFunc) error
	Stop(ctx context.Context, taskID string) bool
}

// Controller is the only writer of task records. Mutations of one task are
// serialised; each works on a clone that replaces the stored record only
// once it has been persisted.
type Controller struct {
	repo      task.Repository
	sandboxes Sandboxes
	sessions  Sessions
	eventBus  *eventbus.Bus
	locks     *keymutex.KeyMutex
	now       func() time.Time
}

func NewController(repo task.Repository, sandboxes Sandboxes, eventBus *eventbus.Bus) *Controller {
	return &Controller{
		repo:      repo,
		sandboxes: sandboxes,
		eventBus:  eventBus,
		locks:     keymutex.New(),
		now:       time.Now,
	}
}

// SetSessions attaches the session runner. Sessions reach the controller
// through their tools, so the two are wired after construction.
func (c *Controller) SetSessions(s Sessions) {
	c.sessions = s
}

type transitionOptions struct {
	reason  string
	summary *string
}

type TransitionOption func(*transitionOptions)

// WithReason records why the transition happened: the rejection reason when
// rejecting, a note otherwise.
func WithReason(reason string) TransitionOption {
	return func(o *transitionOptions) {
		o.reason = reason
	}
}

func withSummary(text string) TransitionOption {
	return func(o *transitionOptions) {
		o.summary = &text
	}
}

func (c *Controller) Create(ctx context.Context, title, description string) (*task.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "title is required", nil).
			AddViolation("title", "required", "title must not be empty")
	}
	now := c.now()
	t := &task.Task{
		ID:          ulid.Make().String(),
		Title:       title,
		Description: description,
		Status:      task.StatusBacklog,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.AppendLog(now, task.SeverityInfo, "task created")

	err := c.repo.Create(ctx, t)
	if err != nil && !cerr.IsCode(err, cerr.AlreadyExists) {
		slog.WarnContext(ctx, "retrying task create", "task_id", t.ID, "error", err)
		err = c.repo.Create(ctx, t)
	}
	if err != nil {
		return nil, ioError(err)
	}
	slog.InfoContext(ctx, "task created", "task_id", t.ID)
	c.publish(eventbus.TaskCreated, t.ID, map[string]string{"title": t.Title})
	return t.Clone(), nil
}

func (c *Controller) Get(ctx context.Context, id string) (*task.Task, error) {
	return c.repo.Get(ctx, id)
}

func (c *Controller) List(ctx context.Context) ([]*task.Task, error) {
	return c.repo.List(ctx, "")
}

func (c *Controller) ListByStatus(ctx context.Context, status task.Status) ([]*task.Task, error) {
	if status != "" && !status.Valid() {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown status %q", status), nil)
	}
	return c.repo.List(ctx, status)
}

// Transition moves task id to status to along an allowed edge and runs the
// side effects of that edge.
func (c *Controller) Transition(ctx context.Context, id string, to task.Status, opts ...TransitionOption) (*task.Task, error) {
	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}

	res, err := c.transition(ctx, id, to, o)
	if err != nil {
		return nil, err
	}
	updated, from := res.task, res.from
	slog.InfoContext(ctx, "task status changed", "task_id", id, "from", string(from), "to", string(to))
	c.publish(eventbus.TaskStatusChanged, id, map[string]string{"from": string(from), "to": string(to)})

	if res.startErr != nil {
		c.warn(ctx, id, task.SeverityError, fmt.Sprintf("failed to start agent session: %v", res.startErr))
	}

	// Stopping a session waits for its loop, which may itself be waiting on
	// this task's lock, so it happens after the lock is released.
	switch {
	case from == task.StatusInProgress && to == task.StatusWaitApproval:
		c.stopSession(ctx, id)
	case to == task.StatusDone:
		c.teardown(ctx, id, sandbox.RemoveOptions{})
	case to == task.StatusRejected, from == task.StatusInProgress && to == task.StatusTodo:
		c.stopSession(ctx, id)
		c.teardown(ctx, id, sandbox.RemoveOptions{Force: true})
	}

	latest, err := c.repo.Get(ctx, id)
	if err != nil {
		return updated, nil
	}
	return latest, nil
}

type transitioned struct {
	task     *task.Task
	from     task.Status
	startErr error
}

func (c *Controller) transition(ctx context.Context, id string, to task.Status, o transitionOptions) (*transitioned, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	current, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	from := current.Status
	next := current.Clone()
	now := c.now()
	if err := next.ApplyTransition(to, now); err != nil {
		return nil, err
	}

	var created *sandbox.Handle
	switch {
	case from == task.StatusTodo && to == task.StatusInProgress:
		if c.sandboxes == nil {
			return nil, cerr.NewError(cerr.FailedPrecondition, "no sandbox manager configured", nil)
		}
		created, err = c.sandboxes.Create(ctx, id)
		if err != nil {
			return nil, err
		}
		next.AppendLog(now, task.SeverityInfo, fmt.Sprintf("sandbox created on branch %s", created.Branch))
		c.publish(eventbus.SandboxCreated, id, map[string]string{"branch": created.Branch, "base_commit": created.BaseCommit})

	case from == task.StatusWaitApproval && to == task.StatusDone:
		if c.sandboxes == nil {
			return nil, cerr.NewError(cerr.FailedPrecondition, "no sandbox manager configured", nil)
		}
		// The merge cannot be rolled back, so its start is on record before
		// it runs. A failed status write after it leaves this entry behind.
		current.AppendLog(now, task.SeverityInfo, "merging sandbox branch into the base branch")
		current.UpdatedAt = now
		if err := c.persist(ctx, current); err != nil {
			return nil, err
		}
		next = current.Clone()
		if err := next.ApplyTransition(to, now); err != nil {
			return nil, err
		}
		res, err := c.sandboxes.Merge(ctx, id)
		if err != nil {
			if errors.Is(err, sandbox.ErrMergeConflict) {
				current.AppendLog(now, task.SeverityError, fmt.Sprintf("merge failed: %s", describeConflict(err)))
				if perr := c.persist(ctx, current); perr != nil {
					slog.ErrorContext(ctx, "failed to record merge conflict", "task_id", id, "error", perr)
				}
			}
			return nil, err
		}
		next.Merge = &task.MergeInfo{
			Branch:       res.Branch,
			BaseBranch:   res.BaseBranch,
			MergeCommit:  res.MergeCommit,
			CommitCount:  res.CommitCount,
			ChangedFiles: res.ChangedFiles,
			Diff:         res.Diff,
			MergedAt:     res.MergedAt,
		}
		next.AppendLog(now, task.SeverityInfo,
			fmt.Sprintf("merged %s into %s (%d commits, %d files)", res.Branch, res.BaseBranch, res.CommitCount, len(res.ChangedFiles)))

	case to == task.StatusRejected:
		next.RejectionReason = o.reason
	}
	if o.reason != "" && to != task.StatusRejected {
		next.AppendLog(now, task.SeverityInfo, o.reason)
	}
	if o.summary != nil {
		next.Summary = *o.summary
	}

	if err := c.persist(ctx, next); err != nil {
		if created != nil {
			if rmErr := c.sandboxes.Remove(context.WithoutCancel(ctx), id, sandbox.RemoveOptions{Force: true}); rmErr != nil {
				slog.ErrorContext(ctx, "failed to remove sandbox after aborted transition", "task_id", id, "error", rmErr)
			}
		}
		return nil, err
	}

	out := &transitioned{task: next.Clone(), from: from}
	// Starting under the lock means a later transition out of in_progress
	// always finds the session it has to stop.
	if created != nil && c.sessions != nil {
		out.startErr = c.sessions.Start(ctx, next.Clone(), created, c.sessionDone)
	}
	return out, nil
}

func describeConflict(err error) string {
	var mc *sandbox.MergeConflictError
	if errors.As(err, &mc) && len(mc.Files) > 0 {
		return "conflicts in " + strings.Join(mc.Files, ", ")
	}
	return err.Error()
}

// Update edits the descriptive fields of a task. Status is never touched.
func (c *Controller) Update(ctx context.Context, id string, req task.UpdateRequest) (*task.Task, error) {
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "title must not be empty", nil)
	}
	return c.mutate(ctx, id, func(t *task.Task, now time.Time) {
		if req.Title != nil && *req.Title != t.Title {
			t.AppendLog(now, task.SeverityInfo, fmt.Sprintf("title changed: %q -> %q", t.Title, *req.Title))
			t.Title = strings.TrimSpace(*req.Title)
		}
		if req.Description != nil && *req.Description != t.Description {
			t.Description = *req.Description
			t.AppendLog(now, task.SeverityInfo, "description changed")
		}
		if req.Note != "" {
			t.AppendLog(now, task.SeverityInfo, "note: "+req.Note)
		}
	})
}

// AppendLog adds an activity entry to task id.
func (c *Controller) AppendLog(ctx context.Context, id string, severity task.Severity, message string) (*task.Task, error) {
	return c.mutate(ctx, id, func(t *task.Task, now time.Time) {
		t.AppendLog(now, severity, message)
	})
}

func (c *Controller) mutate(ctx context.Context, id string, fn func(t *task.Task, now time.Time)) (*task.Task, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	current, err := c.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := current.Clone()
	now := c.now()
	fn(next, now)
	next.UpdatedAt = now
	if err := c.persist(ctx, next); err != nil {
		return nil, err
	}
	c.publish(eventbus.TaskUpdated, id, nil)
	return next.Clone(), nil
}

// persist writes t, retrying once.
func (c *Controller) persist(ctx context.Context, t *task.Task) error {
	err := c.repo.Update(ctx, t)
	if err == nil {
		return nil
	}
	if cerr.IsCode(err, cerr.NotFound) {
		return err
	}
	slog.WarnContext(ctx, "retrying task write", "task_id", t.ID, "error", err)
	if err = c.repo.Update(ctx, t); err == nil {
		return nil
	}
	return ioError(err)
}

func ioError(err error) error {
	if cerr.IsCode(err, cerr.AlreadyExists) || cerr.IsCode(err, cerr.NotFound) {
		return err
	}
	return cerr.NewError(cerr.Unavailable, "task store unavailable", fmt.Errorf("%w: %w", ErrIO, err))
}

// resume starts a session for id if it is still in progress.
func (c *Controller) resume(ctx context.Context, id string, h *sandbox.Handle) error {
	unlock := c.locks.Lock(id)
	defer unlock()

	t, err := c.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != task.StatusInProgress {
		return nil
	}
	slog.InfoContext(ctx, "resuming agent session", "task_id", id)
	return c.sessions.Start(ctx, t, h, c.sessionDone)
}

func (c *Controller) stopSession(ctx context.Context, id string) {
	if c.sessions == nil {
		return
	}
	if c.sessions.Stop(ctx, id) {
		slog.InfoContext(ctx, "agent session stopped", "task_id", id)
	}
}

// sessionDone receives the end of a session that was not stopped.
func (c *Controller) sessionDone(ctx context.Context, id string, outcome *session.Outcome, err error) {
	if err != nil {
		msg := fmt.Sprintf("agent session failed: %v", err)
		if errors.Is(err, session.ErrIncomplete) {
			msg = fmt.Sprintf("agent session incomplete: %v", err)
		}
		c.warn(ctx, id, task.SeverityError, msg)
		return
	}
	_, err = c.Transition(ctx, id, task.StatusWaitApproval, withSummary(outcome.Text))
	if err != nil {
		if errors.Is(err, task.ErrInvalidTransition) {
			slog.InfoContext(ctx, "task moved on before its session finished", "task_id", id)
			return
		}
		slog.ErrorContext(ctx, "failed to move finished task to review", "task_id", id, "error", err)
		c.warn(ctx, id, task.SeverityError, fmt.Sprintf("failed to move task to review: %v", err))
	}
}

func (c *Controller) teardown(ctx context.Context, id string, opts sandbox.RemoveOptions) {
	if c.sandboxes == nil {
		return
	}
	if err := c.sandboxes.Remove(ctx, id, opts); err != nil {
		slog.WarnContext(ctx, "sandbox teardown failed", "task_id", id, "error", err)
		c.publish(eventbus.SandboxTeardownFailed, id, map[string]string{"error": err.Error()})
		c.warn(ctx, id, task.SeverityWarning, fmt.Sprintf("sandbox teardown failed: %v", err))
		return
	}
	c.publish(eventbus.SandboxRemoved, id, nil)
}

// warn records an activity entry for a failure that does not undo anything.
func (c *Controller) warn(ctx context.Context, id string, severity task.Severity, msg string) {
	if _, err := c.AppendLog(ctx, id, severity, msg); err != nil {
		slog.ErrorContext(ctx, "failed to record activity", "task_id", id, "message", msg, "error", err)
	}
}

// Recover re-attaches sessions to tasks a previous process left in progress.
func (c *Controller) Recover(ctx context.Context) error {
	tasks, err := c.repo.List(ctx, task.StatusInProgress)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if c.sandboxes == nil || c.sessions == nil {
			break
		}
		h, ok := c.sandboxes.Lookup(t.ID)
		if !ok {
			c.warn(ctx, t.ID, task.SeverityWarning, "sandbox missing after restart; move the task back to todo to retry")
			continue
		}
		if err := c.resume(ctx, t.ID, h); err != nil {
			c.warn(ctx, t.ID, task.SeverityError, fmt.Sprintf("failed to start agent session: %v", err))
		}
	}
	return nil
}

func (c *Controller) publish(t eventbus.EventType, id string, meta map[string]string) {
	if c.eventBus == nil {
		return
	}
	c.eventBus.PublishNew(t, id, meta)
}
