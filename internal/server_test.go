package internal_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	server "github.com/kazz187/featureguild/internal"
	"github.com/kazz187/featureguild/internal/config"
	"github.com/kazz187/featureguild/pkg/cerr"
)

type pingRoutes struct{}

func (pingRoutes) Routes(r chi.Router) {
	r.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		cerr.SetJSONResponse(r.Context(), map[string]string{"pong": "ok"})
	})
}

func newTestServer(t *testing.T) (*server.Server, *httptest.Server) {
	t.Helper()
	env := &config.Env{BaseEnv: config.BaseEnv{APIKey: "secret"}}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "metrics")
	})
	s := server.NewServer(env, metrics, pingRoutes{})
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func get(t *testing.T, url string, header http.Header) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestServer_APIKey(t *testing.T) {
	_, ts := newTestServer(t)

	tests := []struct {
		name   string
		header http.Header
		status int
	}{
		{"missing", nil, http.StatusUnauthorized},
		{"wrong", http.Header{"X-Api-Key": {"nope"}}, http.StatusUnauthorized},
		{"header", http.Header{"X-Api-Key": {"secret"}}, http.StatusOK},
		{"bearer", http.Header{"Authorization": {"Bearer secret"}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := get(t, ts.URL+"/api/ping", tt.header)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestServer_Routes(t *testing.T) {
	s, ts := newTestServer(t)
	auth := http.Header{"X-Api-Key": {"secret"}}

	status, body := get(t, ts.URL+"/api/ping", auth)
	assert.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"pong":"ok"}`, body)

	status, body = get(t, ts.URL+"/api/missing", auth)
	assert.Equal(t, http.StatusNotFound, status)
	var apiErr map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &apiErr))
	assert.Equal(t, "not_found", apiErr["code"])

	status, body = get(t, ts.URL+"/metrics", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "metrics", body)

	status, _ = get(t, ts.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, status)

	require.NoError(t, s.Shutdown(context.Background()))
	status, _ = get(t, ts.URL+"/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}
