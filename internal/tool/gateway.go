package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/kazz187/featureguild/internal/approval"
	"github.com/kazz187/featureguild/pkg/cerr"
	"github.com/kazz187/featureguild/pkg/panicerr"
)

// Approver is the part of the approval broker the gateway needs.
type Approver interface {
	Open(ctx context.Context, o approval.OpenRequest) (*approval.Request, error)
	Wait(ctx context.Context, id string) (*approval.Request, error)
	ResolveAs(ctx context.Context, id string, approved bool, actor string) (*approval.Request, error)
}

// Gateway mediates every tool call of a session: it validates the input,
// suspends gated calls until a reviewer decides, and turns tool failures
// into results.
type Gateway struct {
	registry *Registry
	approver Approver
	rules    *RuleSet
}

func NewGateway(registry *Registry, approver Approver, rules *RuleSet) *Gateway {
	return &Gateway{
		registry: registry,
		approver: approver,
		rules:    rules,
	}
}

func (g *Gateway) Specs() []Spec {
	return g.registry.Specs()
}

// Invoke runs call. Unknown tools, schema mismatches and inputs the tool
// rejects are returned as errors. A denied call yields a denial result. When
// ctx ends while the call awaits approval the request is cancelled and the
// context error is returned.
func (g *Gateway) Invoke(ctx context.Context, call *Call, env Env) (*Result, error) {
	if call.ID == "" {
		call.ID = ulid.Make().String()
	}
	reg, err := g.registry.lookup(call.Tool)
	if err != nil {
		return nil, err
	}
	call.NeedsApproval = reg.spec.NeedsApproval
	g.setState(env, call, CallPending)

	if err := reg.validate(call.Input); err != nil {
		return nil, err
	}

	if call.NeedsApproval {
		res, err := g.gate(ctx, reg, call, env)
		if res != nil || err != nil {
			return res, err
		}
	}
	return g.execute(ctx, reg, call, env)
}

// gate returns a non-nil result or error when the call must not run.
func (g *Gateway) gate(ctx context.Context, reg *registered, call *Call, env Env) (*Result, error) {
	summary := call.Tool
	if p, ok := reg.tool.(Preparer); ok {
		s, err := p.Prepare(env, call.Input)
		if err != nil {
			return nil, err
		}
		summary = s
	}

	decision, rule := g.rules.Decide(call.Tool, call.Input)
	if decision == DecisionDeny {
		slog.InfoContext(ctx, "tool call denied by rule", "task_id", env.TaskID, "tool", call.Tool, "rule", rule)
		g.setState(env, call, CallDenied)
		return denied(call, fmt.Sprintf("denied by rule %s", rule)), nil
	}

	req, err := g.approver.Open(ctx, approval.OpenRequest{
		CallID:  call.ID,
		TaskID:  env.TaskID,
		Tool:    call.Tool,
		Summary: summary,
		Input:   string(call.Input),
	})
	if err != nil {
		return nil, err
	}
	call.ApprovalID = req.ID
	g.setState(env, call, CallAwaitingApproval)

	if decision == DecisionAllow {
		if _, err := g.approver.ResolveAs(ctx, req.ID, true, approval.ActorRule); err != nil &&
			!errors.Is(err, approval.ErrAlreadyResolved) {
			return nil, err
		}
	}

	req, err = g.approver.Wait(ctx, req.ID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	switch req.Outcome {
	case approval.OutcomeApproved:
		g.setState(env, call, CallApproved)
		return nil, nil
	case approval.OutcomeDenied:
		g.setState(env, call, CallDenied)
		return denied(call, "denied by reviewer"), nil
	default:
		g.setState(env, call, CallDenied)
		return denied(call, fmt.Sprintf("approval %s", req.Outcome)), nil
	}
}

func (g *Gateway) execute(ctx context.Context, reg *registered, call *Call, env Env) (*Result, error) {
	g.setState(env, call, CallExecuting)
	out, err := panicerr.Call(func() (any, error) {
		return reg.tool.Invoke(ctx, env, call.Input)
	})
	if err != nil {
		g.setState(env, call, CallErrored)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, ErrValidation) || errors.Is(err, ErrContentNotFound) {
			return nil, err
		}
		slog.WarnContext(ctx, "tool execution failed", "task_id", env.TaskID, "tool", call.Tool, "error", err)
		return &Result{
			CallID:    call.ID,
			Success:   false,
			ErrorKind: ErrorKindExecution,
			Error:     err.Error(),
		}, nil
	}

	res := &Result{CallID: call.ID, Success: true, Output: out}
	if sr, ok := out.(successReporter); ok {
		res.Success = sr.Succeeded()
	}
	if res.Success {
		g.setState(env, call, CallCompleted)
	} else {
		g.setState(env, call, CallErrored)
	}
	return res, nil
}

func (g *Gateway) setState(env Env, call *Call, state CallState) {
	call.State = state
	if env.Observe != nil {
		env.Observe(*call)
	}
}

func denied(call *Call, reason string) *Result {
	return &Result{
		CallID:    call.ID,
		Success:   false,
		Denied:    true,
		ErrorKind: ErrorKindDenied,
		Error:     reason,
	}
}

// ErrorResult folds an error returned by Invoke into a result so that a
// session can report it back to the reasoner.
func ErrorResult(call *Call, err error) *Result {
	msg := err.Error()
	var cErr *cerr.Error
	if errors.As(err, &cErr) {
		msg = cErr.Msg
		if v := cErr.Violations(); len(v) > 0 {
			b, _ := json.Marshal(v)
			msg = fmt.Sprintf("%s: %s", msg, b)
		}
	}
	return &Result{
		CallID:    call.ID,
		Success:   false,
		ErrorKind: cerr.CodeOf(err).String(),
		Error:     msg,
	}
}
