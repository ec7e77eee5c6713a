package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/featureguild/internal/sandbox"
	"github.com/kazz187/featureguild/internal/task"
	"github.com/kazz187/featureguild/internal/tool"
	"github.com/kazz187/featureguild/pkg/cerr"
)

const DefaultMaxRounds = 50

var ErrIncomplete = errors.New("session did not finish")

// Gateway is how a session reaches its tools.
type Gateway interface {
	Specs() []tool.Spec
	Invoke(ctx context.Context, call *tool.Call, env tool.Env) (*tool.Result, error)
}

// Session is the reasoning loop of one task. It owns its history; only Run
// touches it.
type Session struct {
	TaskID    string
	Sandbox   *sandbox.Handle
	MaxRounds int

	gateway  Gateway
	reasoner Reasoner
	log      *EventLog
	history  []Message
	rounds   int
	now      func() time.Time
}

func New(t *task.Task, handle *sandbox.Handle, gateway Gateway, reasoner Reasoner, maxRounds int) *Session {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	s := &Session{
		TaskID:    t.ID,
		Sandbox:   handle,
		MaxRounds: maxRounds,
		gateway:   gateway,
		reasoner:  reasoner,
		log:       NewEventLog(),
		now:       time.Now,
	}
	s.record(Message{Role: RoleUser, Content: brief(t, handle)})
	return s
}

func brief(t *task.Task, handle *sandbox.Handle) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", t.ID, t.Title)
	if t.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", t.Description)
	}
	if handle != nil {
		fmt.Fprintf(&b, "\nWork on branch %s. Paths are relative to the sandbox root.\n", handle.Branch)
	}
	if t.RejectionReason != "" {
		fmt.Fprintf(&b, "\nA previous attempt was rejected: %s\n", t.RejectionReason)
	}
	return b.String()
}

func (s *Session) Log() *EventLog {
	return s.log
}

func (s *Session) Rounds() int {
	return s.rounds
}

// History returns a copy of the messages recorded so far. It must not be
// called while Run is in progress.
func (s *Session) History() []Message {
	return append([]Message(nil), s.history...)
}

func (s *Session) record(m Message) {
	if m.At.IsZero() {
		m.At = s.now()
	}
	s.history = append(s.history, m)
	s.log.append(Event{Kind: EventMessage, At: m.At, Message: &m})
}

// Run asks the reasoner for the next step until it answers with terminal
// text. Tool calls of one reply are dispatched in order, each result
// recorded before the next call is issued.
func (s *Session) Run(ctx context.Context) (outcome *Outcome, err error) {
	defer func() { s.log.finish(outcome, err) }()

	env := tool.Env{
		TaskID:  s.TaskID,
		Sandbox: s.Sandbox,
		Observe: func(c tool.Call) {
			s.log.append(Event{Kind: EventToolState, Call: &c})
		},
	}
	specs := s.gateway.Specs()

	for s.rounds < s.MaxRounds {
		s.rounds++
		reply, err := s.reasoner.Next(ctx, s.History(), specs)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("reasoning failed in round %d: %w", s.rounds, err)
		}
		s.record(Message{Role: RoleAssistant, Content: reply.Text, ToolCalls: reply.ToolCalls})
		if reply.Terminal() {
			slog.InfoContext(ctx, "session finished", "task_id", s.TaskID, "rounds", s.rounds)
			return &Outcome{Text: reply.Text, Rounds: s.rounds}, nil
		}

		for _, req := range reply.ToolCalls {
			res, err := s.dispatch(ctx, req, env)
			if err != nil {
				return nil, err
			}
			s.record(Message{Role: RoleTool, Result: res})
		}
	}
	return nil, cerr.NewError(cerr.ResourceExhausted,
		fmt.Sprintf("no terminal answer after %d rounds", s.MaxRounds), ErrIncomplete)
}

func (s *Session) dispatch(ctx context.Context, req ToolCallRequest, env tool.Env) (*tool.Result, error) {
	id := req.ID
	if id == "" {
		id = ulid.Make().String()
	}
	call := &tool.Call{ID: id, Tool: req.Tool, Input: req.Input}
	res, err := s.gateway.Invoke(ctx, call, env)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	slog.DebugContext(ctx, "tool call rejected", "task_id", s.TaskID, "tool", req.Tool, "error", err)
	return tool.ErrorResult(call, err), nil
}
