package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"mvdan.cc/sh/v3/syntax"

	"github.com/kazz187/featureguild/pkg/cerr"
)

const (
	DefaultCommandTimeout = 60 * time.Second
	DefaultMaxOutputBytes = 10 << 20
)

type CommandRequest struct {
	Command    string
	WorkingDir string
	Timeout    time.Duration
}

type CommandResult struct {
	Success   bool          `json:"success"`
	Stdout    string        `json:"stdout"`
	Stderr    string        `json:"stderr"`
	ExitCode  int           `json:"exit_code"`
	Duration  time.Duration `json:"duration"`
	TimedOut  bool          `json:"timed_out"`
	Truncated bool          `json:"truncated"`
}

func (r *CommandResult) Succeeded() bool {
	return r.Success
}

// cappedBuffer keeps the first limit bytes written to it and silently drops
// the rest, so a chatty process never blocks on a full pipe.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		if len(p) > 0 {
			c.truncated = true
		}
		return len(p), nil
	}
	if len(p) > remaining {
		c.buf.Write(p[:remaining])
		c.truncated = true
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *cappedBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *cappedBuffer) Truncated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.truncated
}

// CommandRunner runs shell commands confined to a sandbox directory.
type CommandRunner struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	MaxOutputBytes int
	// Shell is the interpreter invoked with -c. Defaults to /bin/sh.
	Shell string
}

// Run executes req inside root. Timeouts and non-zero exits are reported in
// the result; an error means the process could not be run at all or the
// caller's context ended.
func (r *CommandRunner) Run(ctx context.Context, root string, req CommandRequest) (*CommandResult, error) {
	dir, err := resolveInside(root, req.WorkingDir)
	if err != nil {
		return nil, validationError("run_command", err.Error())
	}

	timeout := r.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	if r.MaxTimeout > 0 && timeout > r.MaxTimeout {
		timeout = r.MaxTimeout
	}
	limit := r.MaxOutputBytes
	if limit <= 0 {
		limit = DefaultMaxOutputBytes
	}
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, shell, "-c", req.Command)
	cmd.Dir = dir
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	// Grandchildren holding the pipes open must not keep Wait blocked.
	cmd.WaitDelay = 2 * time.Second

	stdout := &cappedBuffer{limit: limit}
	stderr := &cappedBuffer{limit: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	res := &CommandResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Duration:  time.Since(start),
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
		res.ExitCode = -1
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		res.Success = true
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case errors.Is(runErr, exec.ErrWaitDelay):
		// The shell exited; only a stray background process kept the pipes.
		res.Success = cmd.ProcessState != nil && cmd.ProcessState.Success()
		res.ExitCode = cmd.ProcessState.ExitCode()
	default:
		return nil, cerr.NewError(cerr.Internal, "failed to run command", fmt.Errorf("%w: %w", ErrExecution, runErr))
	}
	return res, nil
}

// RunCommand is the gated shell tool.
type RunCommand struct {
	Runner *CommandRunner
}

type runCommandInput struct {
	Command    string `json:"command"`
	WorkingDir string `json:"working_dir"`
	TimeoutSec int    `json:"timeout_sec"`
}

func (t *RunCommand) Spec() Spec {
	return Spec{
		Name:        "run_command",
		Description: "Run a shell command inside the task sandbox. Non-zero exits and timeouts are reported in the result.",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "minLength": 1},
				"working_dir": {"type": "string"},
				"timeout_sec": {"type": "integer", "minimum": 1}
			},
			"required": ["command"],
			"additionalProperties": false
		}`),
		OutputSchema: json.RawMessage(`{"type":"object","properties":{"success":{"type":"boolean"},"stdout":{"type":"string"},"stderr":{"type":"string"},"exit_code":{"type":"integer"},"duration":{"type":"integer"},"timed_out":{"type":"boolean"},"truncated":{"type":"boolean"}}}`),
		NeedsApproval: true,
	}
}

// Prepare parses the command and checks the working directory so that a
// reviewer is never asked to approve something that cannot run.
func (t *RunCommand) Prepare(env Env, input json.RawMessage) (string, error) {
	var in runCommandInput
	if err := decodeInput("run_command", input, &in); err != nil {
		return "", err
	}
	printed, err := FormatCommand(in.Command)
	if err != nil {
		return "", validationError("run_command", err.Error())
	}
	root, dir, err := sandboxPath("run_command", env, in.WorkingDir)
	if err != nil {
		return "", err
	}
	if rel := relTo(root, dir); rel != "." {
		return fmt.Sprintf("(cd %s) %s", rel, printed), nil
	}
	return printed, nil
}

func (t *RunCommand) Invoke(ctx context.Context, env Env, input json.RawMessage) (any, error) {
	var in runCommandInput
	if err := decodeInput("run_command", input, &in); err != nil {
		return nil, err
	}
	root, err := sandboxRoot(env)
	if err != nil {
		return nil, err
	}
	return t.Runner.Run(ctx, root, CommandRequest{
		Command:    in.Command,
		WorkingDir: in.WorkingDir,
		Timeout:    time.Duration(in.TimeoutSec) * time.Second,
	})
}

// FormatCommand parses a POSIX shell command and prints it back in canonical
// form on a single logical line.
func FormatCommand(command string) (string, error) {
	f, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(command), "")
	if err != nil {
		return "", fmt.Errorf("cannot parse command: %w", err)
	}
	if len(f.Stmts) == 0 {
		return "", fmt.Errorf("command is empty")
	}
	var buf bytes.Buffer
	if err := syntax.NewPrinter(syntax.SpaceRedirects(true)).Print(&buf, f); err != nil {
		return "", fmt.Errorf("cannot print command: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}
