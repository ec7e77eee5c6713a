package repositoryimpl

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/featureguild/internal/task"
	"github.com/kazz187/featureguild/pkg/cerr"
	"github.com/kazz187/featureguild/pkg/storage"
)

func newRepositories(t *testing.T) map[string]task.Repository {
	t.Helper()
	local, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	sqlite, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]task.Repository{
		"yaml":   NewYAMLRepository(local),
		"sqlite": sqlite,
	}
}

func newTask(id string, status task.Status) *task.Task {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tk := &task.Task{
		ID:        id,
		Title:     "Add OAuth login",
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tk.AppendLog(now, task.SeverityInfo, "task created")
	return tk
}

func TestRepository_CRUD(t *testing.T) {
	for name, repo := range newRepositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tk := newTask("01A", task.StatusBacklog)
			require.NoError(t, repo.Create(ctx, tk))

			err := repo.Create(ctx, tk)
			assert.True(t, cerr.IsCode(err, cerr.AlreadyExists))

			got, err := repo.Get(ctx, "01A")
			require.NoError(t, err)
			assert.Equal(t, "Add OAuth login", got.Title)
			require.Len(t, got.Logs, 1)
			assert.Equal(t, "task created", got.Logs[0].Message)

			require.NoError(t, got.ApplyTransition(task.StatusTodo, got.UpdatedAt.Add(time.Minute)))
			require.NoError(t, repo.Update(ctx, got))

			got, err = repo.Get(ctx, "01A")
			require.NoError(t, err)
			assert.Equal(t, task.StatusTodo, got.Status)
			assert.Len(t, got.Logs, 2)

			require.NoError(t, repo.Delete(ctx, "01A"))
			_, err = repo.Get(ctx, "01A")
			assert.True(t, cerr.IsCode(err, cerr.NotFound))
			assert.True(t, cerr.IsCode(repo.Update(ctx, got), cerr.NotFound))
		})
	}
}

func TestRepository_ListFiltersAndOrders(t *testing.T) {
	for name, repo := range newRepositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, repo.Create(ctx, newTask("03C", task.StatusTodo)))
			require.NoError(t, repo.Create(ctx, newTask("01A", task.StatusBacklog)))
			require.NoError(t, repo.Create(ctx, newTask("02B", task.StatusTodo)))

			all, err := repo.List(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []string{"01A", "02B", "03C"}, []string{all[0].ID, all[1].ID, all[2].ID})

			todo, err := repo.List(ctx, task.StatusTodo)
			require.NoError(t, err)
			assert.Len(t, todo, 2)
		})
	}
}
