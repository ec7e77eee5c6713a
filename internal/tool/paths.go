package tool

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// resolveInside maps p onto the filesystem under root and rejects anything
// that ends up outside root once symlinks are followed. p may be relative to
// root or absolute; it need not exist yet.
func resolveInside(root, p string) (string, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve sandbox root: %w", err)
	}
	target := p
	if target == "" {
		target = "."
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(realRoot, target)
	}
	target = filepath.Clean(target)

	resolved, err := evalExistingPrefix(target)
	if err != nil {
		return "", err
	}
	if !within(realRoot, resolved) {
		return "", fmt.Errorf("path %q resolves outside the sandbox", p)
	}
	return resolved, nil
}

// evalExistingPrefix follows symlinks in the longest existing prefix of path
// and re-appends the missing remainder.
func evalExistingPrefix(path string) (string, error) {
	var rest []string
	cur := path
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(rest) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, rest[i])
			}
			return resolved, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("failed to resolve %s: %w", path, err)
		}
		rest = append(rest, filepath.Base(cur))
		cur = parent
	}
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

// relTo renders path relative to the sandbox root for tool output.
func relTo(root, path string) string {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		realRoot = root
	}
	rel, err := filepath.Rel(realRoot, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(rel)
}

func sandboxRoot(env Env) (string, error) {
	if env.Sandbox == nil || env.Sandbox.Root == "" {
		return "", fmt.Errorf("task %s has no sandbox", env.TaskID)
	}
	if _, err := os.Stat(env.Sandbox.Root); err != nil {
		return "", fmt.Errorf("sandbox of task %s is unavailable: %w", env.TaskID, err)
	}
	return env.Sandbox.Root, nil
}

// sandboxPath resolves a tool path argument and converts failures into
// validation errors.
func sandboxPath(toolName string, env Env, p string) (root, resolved string, err error) {
	root, err = sandboxRoot(env)
	if err != nil {
		return "", "", err
	}
	resolved, err = resolveInside(root, p)
	if err != nil {
		return "", "", validationError(toolName, err.Error())
	}
	return root, resolved, nil
}
