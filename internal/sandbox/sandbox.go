package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"

	"github.com/kazz187/featureguild/pkg/cerr"
	"github.com/kazz187/featureguild/pkg/keymutex"
)

var (
	ErrConflict      = errors.New("sandbox already exists")
	ErrMergeConflict = errors.New("merge conflict")
)

// Handle identifies a live sandbox: a linked git worktree on its own branch,
// cut from the base branch head at creation time.
type Handle struct {
	TaskID     string    `yaml:"task_id" json:"task_id"`
	Root       string    `yaml:"root" json:"root"`
	Branch     string    `yaml:"branch" json:"branch"`
	BaseBranch string    `yaml:"base_branch" json:"base_branch"`
	BaseCommit string    `yaml:"base_commit" json:"base_commit"`
	CreatedAt  time.Time `yaml:"created_at" json:"created_at"`
}

type RemoveOptions struct {
	// Force discards uncommitted changes and falls back to deleting the
	// directory when git refuses to remove the worktree.
	Force bool
	// RetainBranch keeps the task branch after the worktree is gone.
	RetainBranch bool
}

type Config struct {
	RepoPath     string
	BaseBranch   string
	WorktreesDir string
	BranchPrefix string
	AuthorName   string
	AuthorEmail  string
}

type Manager struct {
	cfg   Config
	locks *keymutex.KeyMutex

	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewManager prepares the worktrees directory and loads the handles of
// sandboxes left behind by a previous process.
func NewManager(cfg Config) (*Manager, error) {
	repoPath, err := filepath.Abs(cfg.RepoPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repo path: %w", err)
	}
	if repoPath, err = filepath.EvalSymlinks(repoPath); err != nil {
		return nil, fmt.Errorf("failed to resolve repo path: %w", err)
	}
	cfg.RepoPath = repoPath

	if !filepath.IsAbs(cfg.WorktreesDir) {
		cfg.WorktreesDir = filepath.Join(repoPath, cfg.WorktreesDir)
	}
	if err := os.MkdirAll(cfg.WorktreesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create worktrees directory: %w", err)
	}
	if cfg.WorktreesDir, err = filepath.EvalSymlinks(cfg.WorktreesDir); err != nil {
		return nil, fmt.Errorf("failed to resolve worktrees directory: %w", err)
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "feat/"
	}
	if cfg.BaseBranch == "" {
		cfg.BaseBranch = "main"
	}
	if _, err := git.PlainOpen(repoPath); err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", repoPath, err)
	}

	m := &Manager{
		cfg:     cfg,
		locks:   keymutex.New(),
		handles: make(map[string]*Handle),
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) BaseBranch() string {
	return m.cfg.BaseBranch
}

func (m *Manager) path(taskID string) string {
	return filepath.Join(m.cfg.WorktreesDir, taskID)
}

func (m *Manager) metaPath(taskID string) string {
	return filepath.Join(m.cfg.WorktreesDir, taskID+".yaml")
}

func (m *Manager) branch(taskID string) string {
	return m.cfg.BranchPrefix + taskID
}

func validTaskID(taskID string) bool {
	return taskID != "" && !strings.ContainsAny(taskID, `/\:*?"<>| `) && taskID != "." && taskID != ".."
}

// Create provisions the sandbox of taskID. It fails with ErrConflict when a
// handle, directory or branch for the id already exists.
func (m *Manager) Create(ctx context.Context, taskID string) (*Handle, error) {
	if !validTaskID(taskID) {
		return nil, cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid task id %q", taskID), nil)
	}
	unlock := m.locks.Lock(taskID)
	defer unlock()

	if _, ok := m.Lookup(taskID); ok {
		return nil, conflictError(taskID, "sandbox is already live")
	}
	root := m.path(taskID)
	if _, err := os.Stat(root); err == nil {
		return nil, conflictError(taskID, "sandbox directory exists")
	}

	repo, err := git.PlainOpen(m.cfg.RepoPath)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to open repository", err)
	}
	branch := m.branch(taskID)
	if _, err := repo.Reference(plumbing.NewBranchReferenceName(branch), false); err == nil {
		return nil, conflictError(taskID, fmt.Sprintf("branch %s exists", branch))
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, cerr.NewError(cerr.Internal, "failed to look up branch", err)
	}
	base, err := repo.Reference(plumbing.NewBranchReferenceName(m.cfg.BaseBranch), true)
	if err != nil {
		return nil, cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("base branch %s not found", m.cfg.BaseBranch), err)
	}

	// Pinning the commit keeps the sandbox on the base snapshot even if the
	// base branch moves while git runs.
	if _, err := m.git(ctx, m.cfg.RepoPath, "worktree", "add", "-b", branch, root, base.Hash().String()); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			return nil, conflictError(taskID, err.Error())
		}
		return nil, cerr.NewError(cerr.Internal, "failed to create git worktree", err)
	}

	h := &Handle{
		TaskID:     taskID,
		Root:       root,
		Branch:     branch,
		BaseBranch: m.cfg.BaseBranch,
		BaseCommit: base.Hash().String(),
		CreatedAt:  time.Now(),
	}
	if err := m.saveMeta(h); err != nil {
		_, _ = m.git(context.WithoutCancel(ctx), m.cfg.RepoPath, "worktree", "remove", "--force", root)
		_, _ = m.git(context.WithoutCancel(ctx), m.cfg.RepoPath, "branch", "-D", branch)
		return nil, cerr.NewError(cerr.Internal, "failed to record sandbox", err)
	}
	m.mu.Lock()
	m.handles[taskID] = h
	m.mu.Unlock()

	slog.InfoContext(ctx, "sandbox created", "task_id", taskID, "branch", branch, "base_commit", h.BaseCommit)
	return cloneHandle(h), nil
}

func conflictError(taskID, detail string) error {
	return cerr.NewError(cerr.AlreadyExists,
		fmt.Sprintf("sandbox for task %s already exists", taskID),
		fmt.Errorf("%w: %s", ErrConflict, detail))
}

// Remove tears the sandbox of taskID down. Removing an absent sandbox is a
// no-op so teardown can be retried after a partial failure.
func (m *Manager) Remove(ctx context.Context, taskID string, opts RemoveOptions) error {
	if !validTaskID(taskID) {
		return cerr.NewError(cerr.InvalidArgument, fmt.Sprintf("invalid task id %q", taskID), nil)
	}
	unlock := m.locks.Lock(taskID)
	defer unlock()

	root := m.path(taskID)
	branch := m.branch(taskID)
	if h, ok := m.Lookup(taskID); ok {
		root, branch = h.Root, h.Branch
	}

	var errs []error
	if _, err := os.Stat(root); err == nil {
		args := []string{"worktree", "remove"}
		if opts.Force {
			args = append(args, "--force")
		}
		if _, err := m.git(ctx, m.cfg.RepoPath, append(args, root)...); err != nil {
			if !opts.Force {
				return cerr.NewError(cerr.FailedPrecondition, "failed to remove git worktree", err)
			}
			slog.WarnContext(ctx, "git worktree remove failed, deleting directory", "task_id", taskID, "error", err)
			if err := os.RemoveAll(root); err != nil {
				errs = append(errs, fmt.Errorf("failed to delete %s: %w", root, err))
			}
			if _, err := m.git(ctx, m.cfg.RepoPath, "worktree", "prune"); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if !opts.RetainBranch {
		exists, err := m.branchExists(branch)
		if err != nil {
			errs = append(errs, err)
		} else if exists {
			if _, err := m.git(ctx, m.cfg.RepoPath, "branch", "-D", branch); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if err := errors.Join(errs...); err != nil {
		return cerr.NewError(cerr.Internal, "failed to tear sandbox down", err)
	}
	if err := os.Remove(m.metaPath(taskID)); err != nil && !os.IsNotExist(err) {
		return cerr.NewError(cerr.Internal, "failed to forget sandbox", err)
	}
	m.mu.Lock()
	_, existed := m.handles[taskID]
	delete(m.handles, taskID)
	m.mu.Unlock()
	if existed {
		slog.InfoContext(ctx, "sandbox removed", "task_id", taskID, "retain_branch", opts.RetainBranch)
	}
	return nil
}

func (m *Manager) branchExists(branch string) (bool, error) {
	repo, err := git.PlainOpen(m.cfg.RepoPath)
	if err != nil {
		return false, fmt.Errorf("failed to open repository: %w", err)
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up branch %s: %w", branch, err)
	}
	return true, nil
}

func (m *Manager) Lookup(taskID string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[taskID]
	if !ok {
		return nil, false
	}
	return cloneHandle(h), true
}

// List returns live handles ordered by task id.
func (m *Manager) List() []*Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		out = append(out, cloneHandle(h))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

func cloneHandle(h *Handle) *Handle {
	c := *h
	return &c
}

func (m *Manager) saveMeta(h *Handle) error {
	data, err := yaml.Marshal(h)
	if err != nil {
		return err
	}
	tmp := m.metaPath(h.TaskID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.metaPath(h.TaskID))
}

func (m *Manager) load() error {
	entries, err := os.ReadDir(m.cfg.WorktreesDir)
	if err != nil {
		return fmt.Errorf("failed to read worktrees directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.cfg.WorktreesDir, e.Name()))
		if err != nil {
			return fmt.Errorf("failed to read sandbox record %s: %w", e.Name(), err)
		}
		var h Handle
		if err := yaml.Unmarshal(data, &h); err != nil {
			slog.Warn("ignoring malformed sandbox record", "file", e.Name(), "error", err)
			continue
		}
		if _, err := os.Stat(h.Root); err != nil {
			slog.Warn("sandbox record without worktree", "task_id", h.TaskID, "root", h.Root)
		}
		m.handles[h.TaskID] = &h
	}
	return nil
}
