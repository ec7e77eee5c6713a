package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/kazz187/featureguild/internal/eventbus"
	"github.com/kazz187/featureguild/internal/sandbox"
	"github.com/kazz187/featureguild/internal/task"
	"github.com/kazz187/featureguild/pkg/cerr"
	"github.com/kazz187/featureguild/pkg/clog"
	"github.com/kazz187/featureguild/pkg/panicerr"
)

// Canceller withdraws the pending approvals of a task.
type Canceller interface {
	CancelTask(ctx context.Context, taskID string) int
}

// Values of the "result" metadata of session.finished events.
const (
	ResultCompleted = "completed"
	ResultFailed    = "failed"
	ResultStopped   = "stopped"
)

// DoneFunc is called once a session ends by itself. It is not called for
// sessions ended through Stop or Shutdown.
type DoneFunc func(ctx context.Context, taskID string, outcome *Outcome, err error)

type running struct {
	session *Session
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// Registry is the table of running sessions keyed by task id.
type Registry struct {
	gateway   Gateway
	reasoner  Reasoner
	canceller Canceller
	eventBus  *eventbus.Bus
	maxRounds int

	mu       sync.Mutex
	sessions map[string]*running
	// logs keeps the event log of the latest session per task, finished or not.
	logs map[string]*EventLog
	wg   conc.WaitGroup
}

func NewRegistry(gateway Gateway, reasoner Reasoner, canceller Canceller, eventBus *eventbus.Bus, maxRounds int) *Registry {
	return &Registry{
		gateway:   gateway,
		reasoner:  reasoner,
		canceller: canceller,
		eventBus:  eventBus,
		maxRounds: maxRounds,
		sessions:  make(map[string]*running),
		logs:      make(map[string]*EventLog),
	}
}

// Start runs a new session for t in the background. The session outlives
// ctx; only Stop or Shutdown end it early.
func (r *Registry) Start(ctx context.Context, t *task.Task, handle *sandbox.Handle, onDone DoneFunc) error {
	r.mu.Lock()
	if _, ok := r.sessions[t.ID]; ok {
		r.mu.Unlock()
		return cerr.NewError(cerr.AlreadyExists, fmt.Sprintf("a session for task %s is already running", t.ID), nil)
	}
	s := New(t, handle, r.gateway, r.reasoner, r.maxRounds)
	runCtx, cancel := context.WithCancel(clog.WithTask(context.WithoutCancel(ctx), t.ID))
	entry := &running{session: s, cancel: cancel, done: make(chan struct{})}
	r.sessions[t.ID] = entry
	r.logs[t.ID] = s.Log()
	r.mu.Unlock()

	slog.InfoContext(runCtx, "session started", "task_id", t.ID)
	r.publish(eventbus.SessionStarted, t.ID, nil)

	r.wg.Go(func() {
		outcome, err := panicerr.Call(func() (*Outcome, error) {
			return s.Run(runCtx)
		})

		r.mu.Lock()
		delete(r.sessions, t.ID)
		stopped := entry.stopped
		r.mu.Unlock()
		cancel()
		close(entry.done)

		meta := map[string]string{"rounds": fmt.Sprint(s.Rounds()), "result": ResultCompleted}
		switch {
		case stopped:
			meta["result"] = ResultStopped
		case err != nil:
			meta["result"] = ResultFailed
		}
		if err != nil {
			meta["error"] = err.Error()
		}
		r.publish(eventbus.SessionFinished, t.ID, meta)
		if stopped {
			slog.InfoContext(runCtx, "session stopped", "task_id", t.ID)
			return
		}
		if err != nil {
			slog.WarnContext(runCtx, "session ended without an answer", "task_id", t.ID, "error", err)
		}
		if onDone != nil {
			onDone(context.WithoutCancel(runCtx), t.ID, outcome, err)
		}
	})
	return nil
}

// Stop cancels the session of taskID and its pending approvals and waits for
// the loop to exit. It reports whether a session was running.
func (r *Registry) Stop(ctx context.Context, taskID string) bool {
	r.mu.Lock()
	entry, ok := r.sessions[taskID]
	if ok {
		entry.stopped = true
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	entry.cancel()
	if r.canceller != nil {
		r.canceller.CancelTask(ctx, taskID)
	}
	select {
	case <-entry.done:
	case <-ctx.Done():
	}
	return true
}

// Events returns the event log of the latest session of taskID.
func (r *Registry) Events(taskID string) (*EventLog, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.logs[taskID]
	return l, ok
}

func (r *Registry) IsRunning(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[taskID]
	return ok
}

// Running returns the ids of tasks with a running session.
func (r *Registry) Running() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown stops every session and waits for all of them to exit.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	entries := make(map[string]*running, len(r.sessions))
	for id, e := range r.sessions {
		e.stopped = true
		entries[id] = e
	}
	r.mu.Unlock()

	for id, e := range entries {
		e.cancel()
		if r.canceller != nil {
			r.canceller.CancelTask(ctx, id)
		}
	}
	r.wg.Wait()
}

func (r *Registry) publish(t eventbus.EventType, taskID string, meta map[string]string) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.PublishNew(t, taskID, meta)
}
