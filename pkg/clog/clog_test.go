package clog

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributesHandler_AddsContextAttributes(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(NewAttributesHandler(slog.NewJSONHandler(buf, nil)))

	ctx := ContextWithSlog(context.Background())
	AddAttribute(ctx, "component", "sandbox")
	logger.InfoContext(WithTask(ctx, "01J0TASK"), "created")

	out := buf.String()
	assert.Contains(t, out, `"component":"sandbox"`)
	assert.Contains(t, out, `"task_id":"01J0TASK"`)
}

func TestWithTask_DoesNotLeakIntoParent(t *testing.T) {
	ctx := ContextWithSlog(context.Background())
	child := WithTask(ctx, "t1")

	assert.Equal(t, "t1", GetAttribute[string](child, TaskAttributeKey))
	assert.Empty(t, GetAttribute[string](ctx, TaskAttributeKey))
}

func TestTextHandler_Columns(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(NewTextHandler(buf, WithColor(false), WithLevel(slog.LevelDebug)))

	logger.Debug("merged", "task_id", "t1", "branch", "feat/t1")

	out := buf.String()
	assert.Contains(t, out, "DEBUG t1 merged\n")
	assert.Contains(t, out, "    branch=feat/t1\n")
}

func TestTextHandler_LevelFilter(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(NewTextHandler(buf, WithColor(false)))

	logger.Debug("hidden")
	assert.Empty(t, buf.String())
}

func TestSlogChiMiddleware(t *testing.T) {
	buf := &bytes.Buffer{}
	prev := slog.Default()
	slog.SetDefault(slog.New(NewAttributesHandler(slog.NewJSONHandler(buf, nil))))
	t.Cleanup(func() { slog.SetDefault(prev) })

	r := chi.NewRouter()
	r.Use(SlogChiMiddleware(WithChiFilter(SkipPaths("/healthz"))))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Empty(t, buf.String())

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), `"path":"/missing"`)
	assert.Contains(t, buf.String(), `"status":404`)
}
