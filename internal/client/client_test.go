package client_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/featureguild/internal/client"
	"github.com/kazz187/featureguild/internal/task"
)

func TestClient(t *testing.T) {
	var gotKey string
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/tasks/{id}/transition", func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["status"] == "done" {
			w.WriteHeader(http.StatusPreconditionFailed)
			_, _ = w.Write([]byte(`{"code":"failed_precondition","message":"cannot move task from backlog to done"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(task.Task{ID: r.PathValue("id"), Status: task.Status(body["status"])})
	})
	mux.HandleFunc("GET /api/tasks", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "todo", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"tasks":[{"id":"T1","title":"one","status":"todo"}]}`))
	})
	mux.HandleFunc("GET /api/approvals", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := client.New(srv.URL+"/", "secret")
	ctx := t.Context()

	moved, err := c.MoveTask(ctx, "T1", task.StatusTodo, "")
	require.NoError(t, err)
	assert.Equal(t, task.StatusTodo, moved.Status)
	assert.Equal(t, "secret", gotKey)

	_, err = c.MoveTask(ctx, "T1", task.StatusDone, "")
	var apiErr *client.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusPreconditionFailed, apiErr.Status)
	assert.Equal(t, "failed_precondition", apiErr.Code)

	list, err := c.ListTasks(ctx, task.StatusTodo)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "one", list[0].Title)

	_, err = c.ListApprovals(ctx, "")
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Unauthorized", apiErr.Code)
	assert.Equal(t, "unauthorized", apiErr.Message)
}
