package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	id, ch := b.Subscribe(4)
	defer b.Unsubscribe(id)

	b.PublishNew(TaskCreated, "task-1", map[string]string{"title": "x"})

	select {
	case ev := <-ch:
		require.NotNil(t, ev)
		assert.Equal(t, TaskCreated, ev.Type)
		assert.Equal(t, "task-1", ev.ResourceID)
		assert.Equal(t, "x", ev.Metadata["title"])
		assert.NotEmpty(t, ev.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBus_FullSubscriberDoesNotBlock(t *testing.T) {
	b := New()
	id, ch := b.Subscribe(1)
	defer b.Unsubscribe(id)

	b.PublishNew(TaskUpdated, "a", nil)
	b.PublishNew(TaskUpdated, "b", nil)

	ev := <-ch
	assert.Equal(t, "a", ev.ResourceID)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	id, ch := b.Subscribe(1)
	b.Unsubscribe(id)
	b.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok)
	b.PublishNew(TaskCreated, "after", nil)
}
