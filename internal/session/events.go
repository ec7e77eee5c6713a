package session

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/kazz187/featureguild/internal/tool"
)

type EventKind string

const (
	EventMessage   EventKind = "message"
	EventToolState EventKind = "tool_state"
	EventFinished  EventKind = "finished"
)

type Event struct {
	Seq     int        `json:"seq"`
	Kind    EventKind  `json:"kind"`
	At      time.Time  `json:"at"`
	Message *Message   `json:"message,omitempty"`
	Call    *tool.Call `json:"call,omitempty"`
	Outcome *Outcome   `json:"outcome,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// EventLog is the append-only event record of one session. Observers read it
// through Events, each from the beginning.
type EventLog struct {
	mu      sync.Mutex
	events  []Event
	closed  bool
	changed chan struct{}
}

func NewEventLog() *EventLog {
	return &EventLog{changed: make(chan struct{})}
}

func (l *EventLog) append(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	ev.Seq = len(l.events)
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	l.events = append(l.events, ev)
	close(l.changed)
	l.changed = make(chan struct{})
}

// finish appends the finished event and closes the log.
func (l *EventLog) finish(outcome *Outcome, err error) {
	ev := Event{Kind: EventFinished, Outcome: outcome}
	if err != nil {
		ev.Error = err.Error()
	}
	l.append(ev)
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.changed)
	}
}

func (l *EventLog) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Events yields every event from the first one and then blocks for new ones
// until the session finishes or ctx is done.
func (l *EventLog) Events(ctx context.Context) iter.Seq[Event] {
	return func(yield func(Event) bool) {
		next := 0
		for {
			l.mu.Lock()
			for next >= len(l.events) && !l.closed {
				wait := l.changed
				l.mu.Unlock()
				select {
				case <-wait:
				case <-ctx.Done():
					return
				}
				l.mu.Lock()
			}
			if next >= len(l.events) {
				l.mu.Unlock()
				return
			}
			ev := l.events[next]
			next++
			l.mu.Unlock()
			if !yield(ev) {
				return
			}
		}
	}
}
