package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/featureguild/internal/eventbus"
	"github.com/kazz187/featureguild/pkg/cerr"
)

var ErrAlreadyResolved = errors.New("approval already resolved")

type entry struct {
	req  *Request
	done chan struct{}
}

// Broker is the single resolution point for approval requests. Pending
// requests live in memory with one channel each; waiters block on that
// channel until Resolve closes it. Every state change is also written to the
// repository for audit.
type Broker struct {
	repo     Repository
	eventBus *eventbus.Bus
	now      func() time.Time

	mu      sync.Mutex
	pending map[string]*entry
}

func NewBroker(repo Repository, eventBus *eventbus.Bus) *Broker {
	return &Broker{
		repo:     repo,
		eventBus: eventBus,
		now:      time.Now,
		pending:  make(map[string]*entry),
	}
}

func (b *Broker) Open(ctx context.Context, o OpenRequest) (*Request, error) {
	if o.TaskID == "" || o.CallID == "" {
		return nil, cerr.NewError(cerr.InvalidArgument, "approval needs a task and a call", nil)
	}
	req := &Request{
		ID:        ulid.Make().String(),
		CallID:    o.CallID,
		TaskID:    o.TaskID,
		Tool:      o.Tool,
		Summary:   o.Summary,
		Input:     o.Input,
		CreatedAt: b.now(),
		Outcome:   OutcomePending,
	}
	// Registered before it is stored so ExpireStale never takes it for a
	// leftover of a previous process.
	b.mu.Lock()
	b.pending[req.ID] = &entry{req: req, done: make(chan struct{})}
	b.mu.Unlock()
	if err := b.repo.Create(ctx, req.clone()); err != nil {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
		return nil, err
	}

	slog.InfoContext(ctx, "approval requested", "task_id", req.TaskID, "approval_id", req.ID, "tool", req.Tool)
	b.publish(eventbus.ApprovalRequested, req)
	return req.clone(), nil
}

// Wait blocks until the request is resolved. When ctx ends first the request
// is resolved as cancelled and a Canceled error is returned.
func (b *Broker) Wait(ctx context.Context, id string) (*Request, error) {
	b.mu.Lock()
	e, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		return b.Get(ctx, id)
	}

	select {
	case <-e.done:
		b.mu.Lock()
		defer b.mu.Unlock()
		return e.req.clone(), nil
	case <-ctx.Done():
		req, cancelled := b.settle(context.WithoutCancel(ctx), e, OutcomeCancelled, ActorSystem)
		if !cancelled {
			// A decision arrived before the cancellation; it stands.
			return req, nil
		}
		return req, cerr.NewError(cerr.Canceled, "approval wait cancelled", ctx.Err())
	}
}

func (b *Broker) Resolve(ctx context.Context, id string, approved bool) (*Request, error) {
	return b.ResolveAs(ctx, id, approved, ActorReviewer)
}

func (b *Broker) ResolveAs(ctx context.Context, id string, approved bool, actor string) (*Request, error) {
	outcome := OutcomeDenied
	if approved {
		outcome = OutcomeApproved
	}
	return b.resolve(ctx, id, outcome, actor)
}

func (b *Broker) resolve(ctx context.Context, id string, outcome Outcome, actor string) (*Request, error) {
	b.mu.Lock()
	e, ok := b.pending[id]
	b.mu.Unlock()
	if !ok {
		stored, err := b.repo.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if stored.Resolved {
			return nil, alreadyResolvedError(stored)
		}
		// Pending on disk but unknown in memory: left by a previous process.
		return nil, cerr.NewError(cerr.FailedPrecondition, "approval belongs to a previous run", nil)
	}
	req, ok := b.settle(ctx, e, outcome, actor)
	if !ok {
		return nil, alreadyResolvedError(req)
	}
	return req, nil
}

// settle resolves e unless another caller already did. It returns the final
// request and whether this call was the one that resolved it. The entry stays
// in memory until the resolution is stored, so a racing caller is told it was
// already resolved.
func (b *Broker) settle(ctx context.Context, e *entry, outcome Outcome, actor string) (*Request, bool) {
	b.mu.Lock()
	if e.req.Resolved {
		defer b.mu.Unlock()
		return e.req.clone(), false
	}
	e.req.resolve(outcome, actor, b.now())
	snapshot := e.req.clone()
	close(e.done)
	b.mu.Unlock()

	if err := b.repo.Update(ctx, snapshot); err != nil {
		slog.ErrorContext(ctx, "failed to persist approval resolution", "approval_id", snapshot.ID, "error", err)
	}
	b.mu.Lock()
	delete(b.pending, snapshot.ID)
	b.mu.Unlock()
	slog.InfoContext(ctx, "approval resolved", "task_id", snapshot.TaskID, "approval_id", snapshot.ID,
		"outcome", string(outcome), "actor", actor)
	b.publish(eventbus.ApprovalResolved, snapshot)
	return snapshot, true
}

func alreadyResolvedError(r *Request) error {
	return cerr.NewError(cerr.FailedPrecondition,
		fmt.Sprintf("approval %s is already %s", r.ID, r.Outcome),
		ErrAlreadyResolved)
}

// CancelTask resolves every pending request of taskID as cancelled and
// returns how many were affected.
func (b *Broker) CancelTask(ctx context.Context, taskID string) int {
	n := 0
	for _, r := range b.ListPending(ctx, taskID) {
		if _, err := b.resolve(ctx, r.ID, OutcomeCancelled, ActorSystem); err == nil {
			n++
		}
	}
	return n
}

// ListPending returns unresolved requests of taskID, or of every task when
// taskID is empty, oldest first.
func (b *Broker) ListPending(_ context.Context, taskID string) []*Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Request
	for _, e := range b.pending {
		if e.req.Resolved {
			continue
		}
		if taskID == "" || e.req.TaskID == taskID {
			out = append(out, e.req.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.pending {
		if !e.req.Resolved {
			n++
		}
	}
	return n
}

func (b *Broker) Get(ctx context.Context, id string) (*Request, error) {
	b.mu.Lock()
	if e, ok := b.pending[id]; ok {
		defer b.mu.Unlock()
		return e.req.clone(), nil
	}
	b.mu.Unlock()
	return b.repo.Get(ctx, id)
}

// History returns stored requests of taskID, resolved ones included.
func (b *Broker) History(ctx context.Context, taskID string) ([]*Request, error) {
	return b.repo.List(ctx, taskID)
}

// ExpireStale marks requests a previous process left pending as cancelled.
// Their waiters are gone, so they can never be resolved meaningfully.
func (b *Broker) ExpireStale(ctx context.Context) (int, error) {
	all, err := b.repo.List(ctx, "")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range all {
		if r.Resolved {
			continue
		}
		b.mu.Lock()
		_, live := b.pending[r.ID]
		b.mu.Unlock()
		if live {
			continue
		}
		// A request of this process leaves memory only once its resolution
		// is stored, so a fresh read tells the two cases apart.
		fresh, err := b.repo.Get(ctx, r.ID)
		if err != nil {
			return n, err
		}
		if fresh.Resolved {
			continue
		}
		fresh.resolve(OutcomeCancelled, ActorSystem, b.now())
		if err := b.repo.Update(ctx, fresh); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		slog.InfoContext(ctx, "expired stale approvals", "count", n)
	}
	return n, nil
}

func (b *Broker) publish(t eventbus.EventType, r *Request) {
	if b.eventBus == nil {
		return
	}
	b.eventBus.PublishNew(t, r.ID, map[string]string{
		"task_id": r.TaskID,
		"call_id": r.CallID,
		"tool":    r.Tool,
		"summary": r.Summary,
		"outcome": string(r.Outcome),
		"actor":   r.ResolvedBy,
	})
}
