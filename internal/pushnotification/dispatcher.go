package pushnotification

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kazz187/featureguild/internal/eventbus"
)

// Dispatcher turns approval.requested events into push notifications.
type Dispatcher struct {
	eventBus *eventbus.Bus
	notifier Notifier
}

func NewDispatcher(eventBus *eventbus.Bus, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		eventBus: eventBus,
		notifier: notifier,
	}
}

// Start blocks until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	subID, ch := d.eventBus.Subscribe(256)
	defer d.eventBus.Unsubscribe(subID)

	slog.InfoContext(ctx, "push notification dispatcher started")
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "push notification dispatcher stopped")
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Type == eventbus.ApprovalRequested {
				d.notifier.SendToAll(ctx, payloadFor(ev))
			}
		}
	}
}

func payloadFor(ev *eventbus.Event) *NotificationPayload {
	taskID := ev.Metadata["task_id"]
	body := ev.Metadata["summary"]
	if body == "" {
		body = ev.Metadata["tool"]
	}
	return &NotificationPayload{
		Title: fmt.Sprintf("Approval needed: %s", ev.Metadata["tool"]),
		Body:  body,
		URL:   fmt.Sprintf("/tasks/%s/approvals", taskID),
		Tag:   ev.ResourceID,
	}
}
