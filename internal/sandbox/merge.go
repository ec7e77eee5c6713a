package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"

	"github.com/kazz187/featureguild/pkg/cerr"
)

type MergeResult struct {
	Branch       string
	BaseBranch   string
	MergeCommit  string
	CommitCount  int
	ChangedFiles []string
	Diff         string
	MergedAt     time.Time
}

// MergeConflictError lists the files git could not merge. The merge has
// already been aborted when it is returned.
type MergeConflictError struct {
	Branch string
	Files  []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merging %s conflicts in %s", e.Branch, strings.Join(e.Files, ", "))
}

func (e *MergeConflictError) Unwrap() error {
	return ErrMergeConflict
}

// Commit records every outstanding change in the sandbox. It reports false
// when there was nothing to commit.
func (m *Manager) Commit(ctx context.Context, taskID, message string) (bool, error) {
	unlock := m.locks.Lock(taskID)
	defer unlock()
	return m.commit(ctx, taskID, message)
}

func (m *Manager) commit(ctx context.Context, taskID, message string) (bool, error) {
	h, ok := m.Lookup(taskID)
	if !ok {
		return false, cerr.NewError(cerr.NotFound, fmt.Sprintf("sandbox for task %s not found", taskID), nil)
	}
	if _, err := m.git(ctx, h.Root, "add", "-A"); err != nil {
		return false, cerr.NewError(cerr.Internal, "failed to stage sandbox changes", err)
	}
	status, err := m.git(ctx, h.Root, "status", "--porcelain")
	if err != nil {
		return false, cerr.NewError(cerr.Internal, "failed to read sandbox status", err)
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, err := m.git(ctx, h.Root, "commit", "--no-verify", "-m", message); err != nil {
		return false, cerr.NewError(cerr.Internal, "failed to commit sandbox changes", err)
	}
	return true, nil
}

// Merge commits outstanding sandbox changes and merges the task branch into
// the base branch of the main checkout with a merge commit. Conflicts abort
// the merge and are returned as a MergeConflictError; they are never resolved
// automatically.
func (m *Manager) Merge(ctx context.Context, taskID string) (*MergeResult, error) {
	unlock := m.locks.Lock(taskID)
	defer unlock()

	h, ok := m.Lookup(taskID)
	if !ok {
		return nil, cerr.NewError(cerr.NotFound, fmt.Sprintf("sandbox for task %s not found", taskID), nil)
	}
	if _, err := m.commit(ctx, taskID, fmt.Sprintf("%s: sandbox changes", taskID)); err != nil {
		return nil, err
	}

	repo, err := git.PlainOpen(m.cfg.RepoPath)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to open repository", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, cerr.NewError(cerr.FailedPrecondition, "main checkout has no HEAD", err)
	}
	if !head.Name().IsBranch() || head.Name().Short() != h.BaseBranch {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("main checkout must be on %s to merge, found %s", h.BaseBranch, head.Name().Short()), nil)
	}

	result, err := describeBranch(repo, h)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to describe task branch", err)
	}

	msg := fmt.Sprintf("Merge branch '%s' into %s", h.Branch, h.BaseBranch)
	if _, err := m.git(ctx, m.cfg.RepoPath, "merge", "--no-ff", "--no-edit", "-m", msg, h.Branch); err != nil {
		files, _ := m.git(ctx, m.cfg.RepoPath, "diff", "--name-only", "--diff-filter=U")
		conflicts := splitLines(files)
		if _, abortErr := m.git(context.WithoutCancel(ctx), m.cfg.RepoPath, "merge", "--abort"); abortErr != nil {
			slog.ErrorContext(ctx, "failed to abort merge", "task_id", taskID, "error", abortErr)
		}
		if len(conflicts) == 0 {
			return nil, cerr.NewError(cerr.Internal, "failed to merge task branch", err)
		}
		cErr := cerr.NewError(cerr.Aborted,
			fmt.Sprintf("merging %s into %s conflicts", h.Branch, h.BaseBranch),
			&MergeConflictError{Branch: h.Branch, Files: conflicts})
		for _, f := range conflicts {
			cErr.AddViolation(f, "merge_conflict", "conflicting file "+f)
		}
		return nil, cErr
	}

	out, err := m.git(ctx, m.cfg.RepoPath, "rev-parse", "HEAD")
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to read merge commit", err)
	}
	result.MergeCommit = strings.TrimSpace(out)
	result.MergedAt = time.Now()

	slog.InfoContext(ctx, "sandbox merged", "task_id", taskID, "branch", h.Branch,
		"commits", result.CommitCount, "files", len(result.ChangedFiles))
	return result, nil
}

// describeBranch counts the commits on the task branch since the base
// snapshot and renders the snapshot-to-head patch.
func describeBranch(repo *git.Repository, h *Handle) (*MergeResult, error) {
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(h.Branch), true)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", h.Branch, err)
	}
	tip, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to load %s head: %w", h.Branch, err)
	}
	baseHash := plumbing.NewHash(h.BaseCommit)
	base, err := repo.CommitObject(baseHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load base commit %s: %w", h.BaseCommit, err)
	}

	count := 0
	iter, err := repo.Log(&git.LogOptions{From: tip.Hash})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", h.Branch, err)
	}
	err = iter.ForEach(func(c *object.Commit) error {
		if c.Hash == baseHash {
			return storer.ErrStop
		}
		count++
		return nil
	})
	if err != nil && !errors.Is(err, storer.ErrStop) {
		return nil, fmt.Errorf("failed to walk %s: %w", h.Branch, err)
	}

	patch, err := base.Patch(tip)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s: %w", h.Branch, err)
	}
	var files []string
	for _, fp := range patch.FilePatches() {
		from, to := fp.Files()
		switch {
		case to != nil:
			files = append(files, to.Path())
		case from != nil:
			files = append(files, from.Path())
		}
	}

	return &MergeResult{
		Branch:       h.Branch,
		BaseBranch:   h.BaseBranch,
		CommitCount:  count,
		ChangedFiles: files,
		Diff:         patch.String(),
	}, nil
}
