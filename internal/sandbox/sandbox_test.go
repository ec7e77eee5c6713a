package sandbox

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/featureguild/pkg/cerr"
)

func runGitCommand(t *testing.T, dir string, args ...string) string {
	t.Helper()

	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\nOutput: %s", args, err, output)
	}
	return string(output)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func commitAll(t *testing.T, dir, msg string) {
	t.Helper()
	runGitCommand(t, dir, "add", "-A")
	runGitCommand(t, dir, "commit", "-m", msg)
}

// newTestManager initialises a repository on main with one commit and a
// manager whose worktrees live outside the checkout.
func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	repo := t.TempDir()
	runGitCommand(t, repo, "init", "-b", "main")
	runGitCommand(t, repo, "config", "user.email", "test@example.com")
	runGitCommand(t, repo, "config", "user.name", "test")
	runGitCommand(t, repo, "config", "commit.gpgsign", "false")
	writeFile(t, filepath.Join(repo, "README.md"), "hello\n")
	commitAll(t, repo, "initial")

	m, err := NewManager(Config{
		RepoPath:     repo,
		BaseBranch:   "main",
		WorktreesDir: t.TempDir(),
		BranchPrefix: "feat/",
		AuthorName:   "featureguild",
		AuthorEmail:  "featureguild@example.com",
	})
	require.NoError(t, err)
	return m, m.cfg.RepoPath
}

func TestManager_CreateDerivesPathAndBranch(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "01TASK")
	require.NoError(t, err)
	assert.Equal(t, "feat/01TASK", h.Branch)
	assert.Equal(t, filepath.Join(m.cfg.WorktreesDir, "01TASK"), h.Root)
	assert.Equal(t, "main", h.BaseBranch)
	assert.Equal(t, runGitCommand(t, repo, "rev-parse", "main")[:40], h.BaseCommit)
	assert.FileExists(t, filepath.Join(h.Root, "README.md"))

	got, ok := m.Lookup("01TASK")
	require.True(t, ok)
	assert.Equal(t, h, got)
}

func TestManager_CreateConflict(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "T1")
	require.NoError(t, err)

	_, err = m.Create(ctx, "T1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))

	runGitCommand(t, repo, "branch", "feat/T2")
	_, err = m.Create(ctx, "T2")
	assert.True(t, errors.Is(err, ErrConflict))
}

func TestManager_ConcurrentCreate(t *testing.T) {
	m, _ := newTestManager(t)

	const n = 4
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = m.Create(context.Background(), "SAME")
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, ErrConflict), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
}

func TestManager_SnapshotIgnoresLaterBaseChanges(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "SNAP")
	require.NoError(t, err)

	writeFile(t, filepath.Join(repo, "later.txt"), "later\n")
	commitAll(t, repo, "later on main")

	assert.NoFileExists(t, filepath.Join(h.Root, "later.txt"))
}

func TestManager_RemoveIsIdempotent(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.Remove(ctx, "NEVER", RemoveOptions{}))

	h, err := m.Create(ctx, "RM")
	require.NoError(t, err)
	writeFile(t, filepath.Join(h.Root, "dirty.txt"), "uncommitted\n")

	require.NoError(t, m.Remove(ctx, "RM", RemoveOptions{Force: true}))
	require.NoError(t, m.Remove(ctx, "RM", RemoveOptions{Force: true}))

	assert.NoDirExists(t, h.Root)
	_, ok := m.Lookup("RM")
	assert.False(t, ok)
	assert.NotContains(t, runGitCommand(t, repo, "branch", "--list"), "feat/RM")

	_, err = m.Create(ctx, "RM")
	assert.NoError(t, err, "a removed sandbox can be provisioned again")
}

func TestManager_RemoveRetainBranch(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "KEEP")
	require.NoError(t, err)
	require.NoError(t, m.Remove(ctx, "KEEP", RemoveOptions{Force: true, RetainBranch: true}))

	assert.Contains(t, runGitCommand(t, repo, "branch", "--list"), "feat/KEEP")
}

func TestManager_Merge(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "MRG")
	require.NoError(t, err)
	writeFile(t, filepath.Join(h.Root, "oauth.go"), "package oauth\n")
	writeFile(t, filepath.Join(h.Root, "README.md"), "hello\noauth\n")

	res, err := m.Merge(ctx, "MRG")
	require.NoError(t, err)
	assert.Equal(t, "feat/MRG", res.Branch)
	assert.Equal(t, 1, res.CommitCount)
	assert.ElementsMatch(t, []string{"README.md", "oauth.go"}, res.ChangedFiles)
	assert.Contains(t, res.Diff, "+oauth")
	assert.NotEmpty(t, res.MergeCommit)

	assert.FileExists(t, filepath.Join(repo, "oauth.go"))
	assert.Contains(t, runGitCommand(t, repo, "log", "-1", "--format=%s"), "Merge branch 'feat/MRG' into main")
}

func TestManager_MergeConflict(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "CNF")
	require.NoError(t, err)
	writeFile(t, filepath.Join(h.Root, "README.md"), "from sandbox\n")

	writeFile(t, filepath.Join(repo, "README.md"), "from main\n")
	commitAll(t, repo, "diverge")

	_, err = m.Merge(ctx, "CNF")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMergeConflict))
	assert.True(t, cerr.IsCode(err, cerr.Aborted))
	var conflict *MergeConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []string{"README.md"}, conflict.Files)

	assert.Empty(t, runGitCommand(t, repo, "status", "--porcelain"), "merge must be aborted")
	content, err := os.ReadFile(filepath.Join(repo, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "from main\n", string(content))
}

func TestManager_MergeRequiresBaseCheckout(t *testing.T) {
	m, repo := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, "OFF")
	require.NoError(t, err)
	runGitCommand(t, repo, "checkout", "-b", "elsewhere")

	_, err = m.Merge(ctx, "OFF")
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))
}

func TestManager_ReloadsHandles(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	h, err := m.Create(ctx, "BOOT")
	require.NoError(t, err)

	reloaded, err := NewManager(m.cfg)
	require.NoError(t, err)
	got, ok := reloaded.Lookup("BOOT")
	require.True(t, ok)
	assert.Equal(t, h.BaseCommit, got.BaseCommit)
	assert.Len(t, reloaded.List(), 1)
}
