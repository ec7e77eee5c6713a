// Package tool holds the closed set of tools an agent session may call and
// the gateway that validates, gates and executes those calls.
package tool

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/kazz187/featureguild/internal/sandbox"
)

var (
	ErrValidation      = errors.New("invalid tool input")
	ErrContentNotFound = errors.New("content not found")
	ErrExecution       = errors.New("tool execution failed")
)

type Spec struct {
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	InputSchema   json.RawMessage `json:"input_schema"`
	OutputSchema  json.RawMessage `json:"output_schema,omitempty"`
	NeedsApproval bool            `json:"needs_approval"`
}

// Env is what a tool may touch while it runs.
type Env struct {
	TaskID  string
	Sandbox *sandbox.Handle
	// Observe, when set, is told about every state change of the call.
	Observe func(Call)
}

type Tool interface {
	Spec() Spec
	Invoke(ctx context.Context, env Env, input json.RawMessage) (any, error)
}

// Preparer is implemented by tools that check their input beyond the schema
// before any approval is requested. The returned summary is shown to the
// reviewer.
type Preparer interface {
	Prepare(env Env, input json.RawMessage) (summary string, err error)
}

type CallState string

const (
	CallPending          CallState = "pending"
	CallAwaitingApproval CallState = "awaiting_approval"
	CallApproved         CallState = "approved"
	CallDenied           CallState = "denied"
	CallExecuting        CallState = "executing"
	CallCompleted        CallState = "completed"
	CallErrored          CallState = "errored"
)

type Call struct {
	ID            string          `json:"id"`
	Tool          string          `json:"tool"`
	Input         json.RawMessage `json:"input"`
	NeedsApproval bool            `json:"needs_approval"`
	State         CallState       `json:"state"`
	ApprovalID    string          `json:"approval_id,omitempty"`
}

const (
	ErrorKindExecution = "execution"
	ErrorKindDenied    = "denied"
)

// Result is what flows back into the session history. Failures of the tool
// itself are results, never errors.
type Result struct {
	CallID    string `json:"call_id"`
	Success   bool   `json:"success"`
	Output    any    `json:"output,omitempty"`
	Denied    bool   `json:"denied,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
	Error     string `json:"error,omitempty"`
}

// successReporter lets a tool output mark the call unsuccessful without an
// error, as a failing shell command does.
type successReporter interface {
	Succeeded() bool
}
