package task

import (
	"errors"
	"fmt"
	"time"

	"github.com/kazz187/featureguild/pkg/cerr"
)

var ErrInvalidTransition = errors.New("invalid transition")

var edges = map[Status][]Status{
	StatusBacklog:      {StatusTodo},
	StatusTodo:         {StatusBacklog, StatusInProgress},
	StatusInProgress:   {StatusTodo, StatusWaitApproval},
	StatusWaitApproval: {StatusDone, StatusRejected},
	StatusRejected:     {StatusTodo},
}

func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the statuses reachable from s in one step.
func NextStatuses(s Status) []Status {
	return append([]Status(nil), edges[s]...)
}

func NewInvalidTransitionError(from, to Status) error {
	return cerr.NewError(cerr.FailedPrecondition,
		fmt.Sprintf("cannot move task from %s to %s", from, to),
		fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to))
}

// TransitionMessage is the activity entry recorded for a status change.
func TransitionMessage(from, to Status) string {
	return fmt.Sprintf("status changed: %s -> %s", from, to)
}

// ApplyTransition moves t to status to at now. The state timestamp is set only
// the first time the state is entered. t is left untouched on error.
func (t *Task) ApplyTransition(to Status, now time.Time) error {
	if !to.Valid() {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("unknown status %q", to), nil)
	}
	from := t.Status
	if !CanTransition(from, to) {
		return NewInvalidTransitionError(from, to)
	}
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case StatusInProgress:
		setOnce(&t.StartedAt, now)
	case StatusWaitApproval:
		setOnce(&t.ImplementedAt, now)
	case StatusDone:
		setOnce(&t.CompletedAt, now)
	case StatusRejected:
		setOnce(&t.RejectedAt, now)
	}
	t.AppendLog(now, SeverityInfo, TransitionMessage(from, to))
	return nil
}

func setOnce(field **time.Time, now time.Time) {
	if *field != nil {
		return
	}
	v := now
	*field = &v
}
