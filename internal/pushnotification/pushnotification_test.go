package pushnotification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kazz187/featureguild/internal/config"
	"github.com/kazz187/featureguild/internal/eventbus"
	"github.com/kazz187/featureguild/internal/pushsubscription"
	"github.com/kazz187/featureguild/internal/pushsubscription/repositoryimpl"
	"github.com/kazz187/featureguild/pkg/storage"
)

func newRepo(t *testing.T) pushsubscription.Repository {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return repositoryimpl.NewYAMLRepository(s)
}

func TestSender_SendToAll(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	for _, ep := range []string{"https://push.example/live", "https://push.example/gone"} {
		_, err := repo.Save(ctx, &pushsubscription.Subscription{ID: strings.TrimPrefix(ep, "https://push.example/"), Endpoint: ep, P256dhKey: "k", AuthKey: "a"})
		require.NoError(t, err)
	}

	var payloads []NotificationPayload
	sender := NewSender(&config.VAPIDEnv{PublicKey: "pub", PrivateKey: "priv", Subject: "mailto:a@example.com"}, repo)
	sender.send = func(msg []byte, s *webpush.Subscription, o *webpush.Options) (*http.Response, error) {
		var p NotificationPayload
		require.NoError(t, json.Unmarshal(msg, &p))
		payloads = append(payloads, p)
		assert.Equal(t, "pub", o.VAPIDPublicKey)
		status := http.StatusCreated
		if strings.HasSuffix(s.Endpoint, "gone") {
			status = http.StatusGone
		}
		return &http.Response{StatusCode: status, Body: io.NopCloser(strings.NewReader(""))}, nil
	}

	sent := sender.SendToAll(ctx, &NotificationPayload{Title: "hi"})
	assert.Equal(t, 1, sent)
	assert.Len(t, payloads, 2)

	left, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "https://push.example/live", left[0].Endpoint)
}

func TestSender_DisabledWithoutKeys(t *testing.T) {
	sender := NewSender(&config.VAPIDEnv{}, newRepo(t))
	sender.send = func([]byte, *webpush.Subscription, *webpush.Options) (*http.Response, error) {
		t.Fatal("must not send")
		return nil, nil
	}
	assert.Zero(t, sender.SendToAll(context.Background(), &NotificationPayload{}))
}

type recordingNotifier struct {
	mu       sync.Mutex
	payloads []*NotificationPayload
}

func (n *recordingNotifier) SendToAll(_ context.Context, p *NotificationPayload) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.payloads = append(n.payloads, p)
	return 1
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.payloads)
}

func TestDispatcher_NotifiesOnApprovalRequests(t *testing.T) {
	bus := eventbus.New()
	notifier := &recordingNotifier{}
	d := NewDispatcher(bus, notifier)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		d.Start(ctx)
		close(stopped)
	}()

	// Wait for the subscription before publishing.
	require.Eventually(t, func() bool {
		bus.PublishNew(eventbus.TaskCreated, "T0", nil)
		bus.PublishNew(eventbus.ApprovalRequested, "A1", map[string]string{
			"task_id": "T1", "tool": "run_command", "summary": "go test ./...",
		})
		return notifier.count() > 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-stopped
	p := notifier.payloads[0]
	assert.Equal(t, "Approval needed: run_command", p.Title)
	assert.Equal(t, "go test ./...", p.Body)
	assert.Equal(t, "/tasks/T1/approvals", p.URL)
	assert.Equal(t, "A1", p.Tag)
}
