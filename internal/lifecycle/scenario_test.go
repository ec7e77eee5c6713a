package lifecycle_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/featureguild/internal/approval"
	approvalrepo "github.com/kazz187/featureguild/internal/approval/repositoryimpl"
	"github.com/kazz187/featureguild/internal/eventbus"
	"github.com/kazz187/featureguild/internal/lifecycle"
	"github.com/kazz187/featureguild/internal/sandbox"
	"github.com/kazz187/featureguild/internal/session"
	"github.com/kazz187/featureguild/internal/task"
	taskrepo "github.com/kazz187/featureguild/internal/task/repositoryimpl"
	"github.com/kazz187/featureguild/internal/tool"
	"github.com/kazz187/featureguild/pkg/storage"
)

// fileWriter asks to write <task title>.txt and then reports done.
type fileWriter struct{}

func (fileWriter) Next(_ context.Context, history []session.Message, _ []tool.Spec) (*session.Reply, error) {
	for _, m := range history {
		if m.Role == session.RoleTool {
			if m.Result.Success {
				return &session.Reply{Text: "implemented"}, nil
			}
			return &session.Reply{Text: "could not write: " + m.Result.Error}, nil
		}
	}
	title := strings.TrimSpace(strings.SplitN(strings.SplitN(history[0].Content, ": ", 2)[1], "\n", 2)[0])
	input, _ := json.Marshal(map[string]string{"path": title + ".txt", "content": "hello from " + title + "\n"})
	return &session.Reply{ToolCalls: []session.ToolCallRequest{{Tool: "write_file", Input: input}}}, nil
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

type world struct {
	ctrl      *lifecycle.Controller
	broker    *approval.Broker
	sandboxes *sandbox.Manager
	sessions  *session.Registry
	repoPath  string
}

func newWorld(t *testing.T) *world {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	repoPath := t.TempDir()
	git(t, repoPath, "init", "-b", "main")
	git(t, repoPath, "config", "user.email", "test@example.com")
	git(t, repoPath, "config", "user.name", "test")
	git(t, repoPath, "config", "commit.gpgsign", "false")
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("hello\n"), 0o644))
	git(t, repoPath, "add", "-A")
	git(t, repoPath, "commit", "-m", "initial")

	sandboxes, err := sandbox.NewManager(sandbox.Config{
		RepoPath:     repoPath,
		BaseBranch:   "main",
		WorktreesDir: t.TempDir(),
		BranchPrefix: "feat/",
		AuthorName:   "featureguild",
		AuthorEmail:  "featureguild@example.com",
	})
	require.NoError(t, err)

	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	bus := eventbus.New()
	broker := approval.NewBroker(approvalrepo.NewYAMLRepository(s), bus)
	ctrl := lifecycle.NewController(taskrepo.NewYAMLRepository(s), sandboxes, bus)

	reg := tool.NewRegistry()
	reg.MustRegister(
		&tool.ReadFile{},
		&tool.WriteFile{},
		&tool.ListTasks{Tasks: ctrl},
		&tool.CreateTask{Tasks: ctrl},
	)
	sessions := session.NewRegistry(tool.NewGateway(reg, broker, nil), fileWriter{}, broker, bus, 10)
	ctrl.SetSessions(sessions)
	t.Cleanup(func() { sessions.Shutdown(context.Background()) })

	return &world{ctrl: ctrl, broker: broker, sandboxes: sandboxes, sessions: sessions, repoPath: repoPath}
}

func (w *world) approveNext(t *testing.T, taskID string) *approval.Request {
	t.Helper()
	var pending []*approval.Request
	require.Eventually(t, func() bool {
		pending = w.broker.ListPending(context.Background(), taskID)
		return len(pending) == 1
	}, 10*time.Second, 10*time.Millisecond)
	return pending[0]
}

func (w *world) awaitStatus(t *testing.T, id string, status task.Status) *task.Task {
	t.Helper()
	var got *task.Task
	require.Eventually(t, func() bool {
		var err error
		got, err = w.ctrl.Get(context.Background(), id)
		return err == nil && got.Status == status
	}, 10*time.Second, 10*time.Millisecond)
	return got
}

func TestScenario_ApproveAndMerge(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	created, err := w.ctrl.Create(ctx, "greeting", "add a greeting file")
	require.NoError(t, err)
	_, err = w.ctrl.Transition(ctx, created.ID, task.StatusTodo)
	require.NoError(t, err)
	started, err := w.ctrl.Transition(ctx, created.ID, task.StatusInProgress)
	require.NoError(t, err)
	require.NotNil(t, started.StartedAt)

	h, ok := w.sandboxes.Lookup(created.ID)
	require.True(t, ok)
	assert.Equal(t, "feat/"+created.ID, h.Branch)

	req := w.approveNext(t, created.ID)
	assert.Equal(t, "write_file", req.Tool)
	assert.NoFileExists(t, filepath.Join(h.Root, "greeting.txt"))
	_, err = w.broker.Resolve(ctx, req.ID, true)
	require.NoError(t, err)

	review := w.awaitStatus(t, created.ID, task.StatusWaitApproval)
	assert.FileExists(t, filepath.Join(h.Root, "greeting.txt"))
	assert.Equal(t, "implemented", review.Summary)
	require.NotNil(t, review.ImplementedAt)

	done, err := w.ctrl.Transition(ctx, created.ID, task.StatusDone)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)
	require.NotNil(t, done.Merge)
	assert.Equal(t, []string{"greeting.txt"}, done.Merge.ChangedFiles)
	assert.Equal(t, 1, done.Merge.CommitCount)
	assert.Contains(t, done.Merge.Diff, "+hello from greeting")

	data, err := os.ReadFile(filepath.Join(w.repoPath, "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello from greeting\n", string(data))
	_, ok = w.sandboxes.Lookup(created.ID)
	assert.False(t, ok)
	assert.NoDirExists(t, h.Root)
}

func TestScenario_RejectAndRetry(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()

	created, err := w.ctrl.Create(ctx, "draft", "")
	require.NoError(t, err)
	_, err = w.ctrl.Transition(ctx, created.ID, task.StatusTodo)
	require.NoError(t, err)
	first, err := w.ctrl.Transition(ctx, created.ID, task.StatusInProgress)
	require.NoError(t, err)

	_, err = w.broker.Resolve(ctx, w.approveNext(t, created.ID).ID, true)
	require.NoError(t, err)
	w.awaitStatus(t, created.ID, task.StatusWaitApproval)
	h, ok := w.sandboxes.Lookup(created.ID)
	require.True(t, ok)

	rejected, err := w.ctrl.Transition(ctx, created.ID, task.StatusRejected, lifecycle.WithReason("wrong file name"))
	require.NoError(t, err)
	require.NotNil(t, rejected.RejectedAt)
	assert.Equal(t, "wrong file name", rejected.RejectionReason)
	assert.Nil(t, rejected.Merge)
	assert.NoFileExists(t, filepath.Join(w.repoPath, "draft.txt"))
	assert.NoDirExists(t, h.Root)
	assert.NotContains(t, git(t, w.repoPath, "branch", "--list"), "feat/"+created.ID)

	_, err = w.ctrl.Transition(ctx, created.ID, task.StatusTodo)
	require.NoError(t, err)
	again, err := w.ctrl.Transition(ctx, created.ID, task.StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, *first.StartedAt, *again.StartedAt)

	// Cancelling while the write awaits approval withdraws the request.
	req := w.approveNext(t, created.ID)
	cancelled, err := w.ctrl.Transition(ctx, created.ID, task.StatusTodo, lifecycle.WithReason("pause"))
	require.NoError(t, err)
	assert.Equal(t, task.StatusTodo, cancelled.Status)
	stored, err := w.broker.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, approval.OutcomeCancelled, stored.Outcome)
	assert.False(t, w.sessions.IsRunning(created.ID))
	_, ok = w.sandboxes.Lookup(created.ID)
	assert.False(t, ok)
}

func TestScenario_DenyReportsBack(t *testing.T) {
	w := newWorld(t)
	ctx := context.Background()
	created, err := w.ctrl.Create(ctx, "denied", "")
	require.NoError(t, err)
	_, err = w.ctrl.Transition(ctx, created.ID, task.StatusTodo)
	require.NoError(t, err)
	_, err = w.ctrl.Transition(ctx, created.ID, task.StatusInProgress)
	require.NoError(t, err)

	h, _ := w.sandboxes.Lookup(created.ID)
	_, err = w.broker.Resolve(ctx, w.approveNext(t, created.ID).ID, false)
	require.NoError(t, err)

	review := w.awaitStatus(t, created.ID, task.StatusWaitApproval)
	assert.Equal(t, "could not write: denied by reviewer", review.Summary)
	assert.NoFileExists(t, filepath.Join(h.Root, "denied.txt"))

	l, ok := w.sessions.Events(created.ID)
	require.True(t, ok)
	var states []string
	for ev := range l.Events(ctx) {
		if ev.Kind == session.EventToolState {
			states = append(states, string(ev.Call.State))
		}
	}
	assert.Equal(t, fmt.Sprint([]string{"pending", "awaiting_approval", "denied"}), fmt.Sprint(states))
}
