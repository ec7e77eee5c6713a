// Package client talks to the featureguild HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kazz187/featureguild/internal/approval"
	"github.com/kazz187/featureguild/internal/task"
)

// APIError is an error response of the server.
type APIError struct {
	Status     int      `json:"-"`
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	Violations []string `json:"violations,omitempty"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if len(e.Violations) > 0 {
		msg += " (" + strings.Join(e.Violations, "; ") + ")"
	}
	return msg
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) CreateTask(ctx context.Context, title, description string) (*task.Task, error) {
	var t task.Task
	body := map[string]string{"title": title, "description": description}
	if err := c.do(ctx, http.MethodPost, "/api/tasks", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) ListTasks(ctx context.Context, status task.Status) ([]task.Summary, error) {
	path := "/api/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(string(status))
	}
	var resp struct {
		Tasks []task.Summary `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}

func (c *Client) GetTask(ctx context.Context, id string) (*task.Task, error) {
	var t task.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (c *Client) MoveTask(ctx context.Context, id string, status task.Status, reason string) (*task.Task, error) {
	var t task.Task
	body := map[string]string{"status": string(status), "reason": reason}
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/transition", body, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListApprovals returns pending approvals of taskID, or of every task when
// taskID is empty.
func (c *Client) ListApprovals(ctx context.Context, taskID string) ([]*approval.Request, error) {
	path := "/api/approvals"
	if taskID != "" {
		path = "/api/tasks/" + url.PathEscape(taskID) + "/approvals"
	}
	var resp struct {
		Approvals []*approval.Request `json:"approvals"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Approvals, nil
}

func (c *Client) ResolveApproval(ctx context.Context, id string, approved bool) (*approval.Request, error) {
	var r approval.Request
	body := map[string]bool{"approved": approved}
	if err := c.do(ctx, http.MethodPost, "/api/approvals/"+url.PathEscape(id)+"/resolve", body, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
