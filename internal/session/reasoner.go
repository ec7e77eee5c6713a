package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kazz187/featureguild/internal/tool"
	"github.com/kazz187/featureguild/pkg/cerr"
)

// Reasoner decides the next step of a session from its history.
type Reasoner interface {
	Next(ctx context.Context, history []Message, tools []tool.Spec) (*Reply, error)
}

// RemoteReasoner posts the history to an HTTP endpoint that answers with a
// Reply encoded as JSON.
type RemoteReasoner struct {
	URL    string
	Token  string
	Client *http.Client
}

func NewRemoteReasoner(url, token string, timeout time.Duration) *RemoteReasoner {
	return &RemoteReasoner{
		URL:    url,
		Token:  token,
		Client: &http.Client{Timeout: timeout},
	}
}

type reasonRequest struct {
	History []Message   `json:"history"`
	Tools   []tool.Spec `json:"tools"`
}

func (r *RemoteReasoner) Next(ctx context.Context, history []Message, tools []tool.Spec) (*Reply, error) {
	body, err := json.Marshal(reasonRequest{History: history, Tools: tools})
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to encode reasoning request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to build reasoning request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}

	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, cerr.NewError(cerr.Unavailable, "reasoner unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "failed to read reasoner response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, cerr.NewError(cerr.Unavailable,
			fmt.Sprintf("reasoner answered %d", resp.StatusCode),
			fmt.Errorf("%s", bytes.TrimSpace(data)))
	}
	var reply Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to decode reasoner reply", err)
	}
	return &reply, nil
}
