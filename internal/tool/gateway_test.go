package tool_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/featureguild/internal/approval"
	approvalrepo "github.com/kazz187/featureguild/internal/approval/repositoryimpl"
	"github.com/kazz187/featureguild/internal/sandbox"
	"github.com/kazz187/featureguild/internal/tool"
	"github.com/kazz187/featureguild/pkg/cerr"
	"github.com/kazz187/featureguild/pkg/storage"
)

type fixture struct {
	gateway *tool.Gateway
	broker  *approval.Broker
	rules   *tool.RuleSet
	env     tool.Env
	root    string

	mu     sync.Mutex
	states []tool.CallState
}

func newFixture(t *testing.T, extra ...tool.Tool) *fixture {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	broker := approval.NewBroker(approvalrepo.NewYAMLRepository(s), nil)

	reg := tool.NewRegistry()
	reg.MustRegister(
		&tool.ReadFile{},
		&tool.ListDirectory{},
		&tool.SearchText{},
		&tool.WriteFile{},
		&tool.EditFile{},
		&tool.RunCommand{Runner: &tool.CommandRunner{}},
	)
	reg.MustRegister(extra...)

	f := &fixture{
		broker: broker,
		rules:  tool.NewRuleSet(tool.Rules{}),
		root:   t.TempDir(),
	}
	f.gateway = tool.NewGateway(reg, broker, f.rules)
	f.env = tool.Env{
		TaskID:  "T1",
		Sandbox: &sandbox.Handle{TaskID: "T1", Root: f.root},
		Observe: func(c tool.Call) {
			f.mu.Lock()
			f.states = append(f.states, c.State)
			f.mu.Unlock()
		},
	}
	return f
}

func (f *fixture) observed() []tool.CallState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tool.CallState(nil), f.states...)
}

func (f *fixture) invokeAsync(ctx context.Context, name, input string) <-chan invokeResult {
	ch := make(chan invokeResult, 1)
	go func() {
		res, err := f.gateway.Invoke(ctx, &tool.Call{Tool: name, Input: json.RawMessage(input)}, f.env)
		ch <- invokeResult{res, err}
	}()
	return ch
}

type invokeResult struct {
	res *tool.Result
	err error
}

func (f *fixture) awaitPending(t *testing.T) *approval.Request {
	t.Helper()
	var pending []*approval.Request
	require.Eventually(t, func() bool {
		pending = f.broker.ListPending(context.Background(), "T1")
		return len(pending) == 1
	}, 5*time.Second, 5*time.Millisecond)
	return pending[0]
}

func TestGateway_GatedWriteWaitsForApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	done := f.invokeAsync(ctx, "write_file", `{"path":"docs/README.md","content":"hello"}`)

	req := f.awaitPending(t)
	assert.Equal(t, "write_file", req.Tool)
	assert.Equal(t, "write 5 bytes to docs/README.md", req.Summary)
	assert.NoFileExists(t, filepath.Join(f.root, "docs", "README.md"))

	_, err := f.broker.Resolve(ctx, req.ID, true)
	require.NoError(t, err)

	out := <-done
	require.NoError(t, out.err)
	assert.True(t, out.res.Success)
	data, err := os.ReadFile(filepath.Join(f.root, "docs", "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, []tool.CallState{
		tool.CallPending, tool.CallAwaitingApproval, tool.CallApproved, tool.CallExecuting, tool.CallCompleted,
	}, f.observed())
}

func TestGateway_DeniedCallHasNoSideEffect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	done := f.invokeAsync(ctx, "run_command", `{"command":"touch marker"}`)

	req := f.awaitPending(t)
	_, err := f.broker.Resolve(ctx, req.ID, false)
	require.NoError(t, err)

	out := <-done
	require.NoError(t, out.err)
	assert.False(t, out.res.Success)
	assert.True(t, out.res.Denied)
	assert.Equal(t, tool.ErrorKindDenied, out.res.ErrorKind)
	assert.NoFileExists(t, filepath.Join(f.root, "marker"))
}

func TestGateway_DenyRuleSkipsApproval(t *testing.T) {
	f := newFixture(t)
	f.rules.Set(tool.Rules{Deny: []string{"run_command(rm *)"}})

	res, err := f.gateway.Invoke(context.Background(),
		&tool.Call{Tool: "run_command", Input: json.RawMessage(`{"command":"rm -rf ."}`)}, f.env)
	require.NoError(t, err)
	assert.True(t, res.Denied)
	assert.Empty(t, f.broker.ListPending(context.Background(), ""))
}

func TestGateway_AllowRuleResolvesAsRule(t *testing.T) {
	f := newFixture(t)
	f.rules.Set(tool.Rules{Allow: []string{"write_file(notes/*)"}})
	call := &tool.Call{Tool: "write_file", Input: json.RawMessage(`{"path":"notes/a.txt","content":"x"}`)}

	res, err := f.gateway.Invoke(context.Background(), call, f.env)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.FileExists(t, filepath.Join(f.root, "notes", "a.txt"))

	req, err := f.broker.Get(context.Background(), call.ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, approval.OutcomeApproved, req.Outcome)
	assert.Equal(t, approval.ActorRule, req.ResolvedBy)
}

func TestGateway_CancelWhileAwaitingApproval(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := f.invokeAsync(ctx, "write_file", `{"path":"a.txt","content":"x"}`)
	req := f.awaitPending(t)

	cancel()
	out := <-done
	require.ErrorIs(t, out.err, context.Canceled)
	assert.Nil(t, out.res)
	assert.NoFileExists(t, filepath.Join(f.root, "a.txt"))

	stored, err := f.broker.Get(context.Background(), req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.OutcomeCancelled, stored.Outcome)
}

func TestGateway_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("unknown tool", func(t *testing.T) {
		_, err := f.gateway.Invoke(ctx, &tool.Call{Tool: "launch_rocket"}, f.env)
		assert.True(t, cerr.IsCode(err, cerr.NotFound))
	})
	t.Run("schema mismatch", func(t *testing.T) {
		_, err := f.gateway.Invoke(ctx, &tool.Call{Tool: "read_file", Input: json.RawMessage(`{"path":3}`)}, f.env)
		require.ErrorIs(t, err, tool.ErrValidation)
		var cErr *cerr.Error
		require.True(t, errors.As(err, &cErr))
		assert.Equal(t, cerr.InvalidArgument, cErr.Code)
		assert.NotEmpty(t, cErr.Violations())
	})
	t.Run("path escape before approval", func(t *testing.T) {
		_, err := f.gateway.Invoke(ctx, &tool.Call{Tool: "write_file", Input: json.RawMessage(`{"path":"../x","content":""}`)}, f.env)
		require.ErrorIs(t, err, tool.ErrValidation)
		assert.Empty(t, f.broker.ListPending(ctx, ""))
	})
	t.Run("unparsable command", func(t *testing.T) {
		_, err := f.gateway.Invoke(ctx, &tool.Call{Tool: "run_command", Input: json.RawMessage(`{"command":"echo 'unterminated"}`)}, f.env)
		require.ErrorIs(t, err, tool.ErrValidation)
	})
}

func TestGateway_UngatedRunsImmediately(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, os.WriteFile(filepath.Join(f.root, "main.go"), []byte("package main\n"), 0o644))

	res, err := f.gateway.Invoke(context.Background(),
		&tool.Call{Tool: "read_file", Input: json.RawMessage(`{"path":"main.go"}`)}, f.env)
	require.NoError(t, err)
	require.True(t, res.Success)
	out, ok := res.Output.(*tool.ReadFileOutput)
	require.True(t, ok)
	assert.Equal(t, "package main\n", out.Content)
	assert.Empty(t, f.broker.ListPending(context.Background(), ""))
}

type panicky struct{}

func (panicky) Spec() tool.Spec {
	return tool.Spec{Name: "explode", InputSchema: json.RawMessage(`{"type":"object"}`)}
}

func (panicky) Invoke(context.Context, tool.Env, json.RawMessage) (any, error) {
	panic("boom")
}

func TestGateway_PanicBecomesExecutionResult(t *testing.T) {
	f := newFixture(t, panicky{})
	res, err := f.gateway.Invoke(context.Background(), &tool.Call{Tool: "explode"}, f.env)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, tool.ErrorKindExecution, res.ErrorKind)
	assert.Contains(t, res.Error, "boom")
}

func TestGateway_EditRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.rules.Set(tool.Rules{Allow: []string{"edit_file"}})
	path := filepath.Join(f.root, "greeting.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world\nhello again\n"), 0o644))

	res, err := f.gateway.Invoke(context.Background(), &tool.Call{Tool: "edit_file",
		Input: json.RawMessage(`{"path":"greeting.txt","old_content":"hello","new_content":"bye","replace_all":true}`)}, f.env)
	require.NoError(t, err)
	out := res.Output.(*tool.EditFileOutput)
	assert.Equal(t, 2, out.Replacements)
	assert.Equal(t, 10, out.CharsReplaced)
	assert.Contains(t, out.Diff, "-hello world")
	assert.Contains(t, out.Diff, "+bye world")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "bye world\nbye again\n", string(data))

	_, err = f.gateway.Invoke(context.Background(), &tool.Call{Tool: "edit_file",
		Input: json.RawMessage(`{"path":"greeting.txt","old_content":"hello","new_content":"bye"}`)}, f.env)
	require.ErrorIs(t, err, tool.ErrContentNotFound)
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
}

func TestErrorResult(t *testing.T) {
	call := &tool.Call{ID: "c1"}
	res := tool.ErrorResult(call, cerr.NewError(cerr.NotFound, "unknown tool", nil))
	assert.Equal(t, "c1", res.CallID)
	assert.False(t, res.Success)
	assert.Equal(t, "unknown tool", res.Error)
	assert.Equal(t, cerr.NotFound.String(), res.ErrorKind)
}
