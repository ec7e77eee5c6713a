// Package pushnotification tells reviewers about new approval requests
// through web push.
package pushnotification

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/kazz187/featureguild/internal/config"
	"github.com/kazz187/featureguild/internal/pushsubscription"
)

type NotificationPayload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url,omitempty"`
	Tag   string `json:"tag,omitempty"`
}

type Notifier interface {
	SendToAll(ctx context.Context, payload *NotificationPayload) int
}

type sendFunc func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)

type Sender struct {
	vapidEnv *config.VAPIDEnv
	repo     pushsubscription.Repository
	send     sendFunc
}

func NewSender(vapidEnv *config.VAPIDEnv, repo pushsubscription.Repository) *Sender {
	return &Sender{
		vapidEnv: vapidEnv,
		repo:     repo,
		send:     webpush.SendNotification,
	}
}

// SendToAll pushes payload to every subscription and returns how many
// deliveries were accepted. Subscriptions the push service reports as gone
// are deleted.
func (s *Sender) SendToAll(ctx context.Context, payload *NotificationPayload) int {
	if !s.vapidEnv.Enabled() {
		slog.DebugContext(ctx, "VAPID keys not configured, skipping push notification")
		return 0
	}
	subs, err := s.repo.List(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "failed to list push subscriptions", "error", err)
		return 0
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal push payload", "error", err)
		return 0
	}
	sent := 0
	for _, sub := range subs {
		if s.sendOne(ctx, sub, data) {
			sent++
		}
	}
	return sent
}

func (s *Sender) sendOne(ctx context.Context, sub *pushsubscription.Subscription, data []byte) bool {
	resp, err := s.send(data, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dhKey,
			Auth:   sub.AuthKey,
		},
	}, &webpush.Options{
		VAPIDPublicKey:  s.vapidEnv.PublicKey,
		VAPIDPrivateKey: s.vapidEnv.PrivateKey,
		Subscriber:      s.vapidEnv.Subject,
		TTL:             86400,
		Urgency:         webpush.UrgencyHigh,
	})
	if err != nil {
		slog.WarnContext(ctx, "failed to send push notification", "endpoint", sub.Endpoint, "error", err)
		return false
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound:
		slog.InfoContext(ctx, "push subscription expired, removing", "endpoint", sub.Endpoint)
		if err := s.repo.Delete(ctx, sub.ID); err != nil {
			slog.ErrorContext(ctx, "failed to delete expired push subscription", "id", sub.ID, "error", err)
		}
		return false
	case resp.StatusCode >= 400:
		slog.WarnContext(ctx, "push service rejected notification", "endpoint", sub.Endpoint, "status", resp.StatusCode)
		return false
	}
	return true
}
