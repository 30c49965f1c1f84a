package services

import (
	"testing"
	"time"

	"notecollab/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevocationHub_DeliversInOrderWithoutBlocking(t *testing.T) {
	hub := NewRevocationHub()
	sub := hub.Subscribe("doc")
	defer sub.Close()

	// nobody is reading yet; Publish must still return
	for i := 0; i < 1000; i++ {
		n := hub.Publish(domain.RevocationEvent{DocumentID: "doc", UserID: domain.UserID(rune('a' + i%26)), NewLevel: domain.LevelViewer})
		require.Equal(t, 1, n)
	}

	for i := 0; i < 1000; i++ {
		select {
		case ev := <-sub.C:
			assert.Equal(t, domain.UserID(rune('a'+i%26)), ev.UserID)
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestRevocationHub_ScopedByDocument(t *testing.T) {
	hub := NewRevocationHub()
	a := hub.Subscribe("doc-a")
	b := hub.Subscribe("doc-b")
	defer a.Close()
	defer b.Close()

	assert.Equal(t, 1, hub.Publish(domain.RevocationEvent{DocumentID: "doc-a", UserID: "u"}))
	assert.Equal(t, 0, hub.Publish(domain.RevocationEvent{DocumentID: "doc-c", UserID: "u"}))

	select {
	case ev := <-a.C:
		assert.Equal(t, domain.DocumentID("doc-a"), ev.DocumentID)
	case <-time.After(time.Second):
		t.Fatal("missing event")
	}
	select {
	case ev := <-b.C:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRevocationHub_CloseUnsubscribes(t *testing.T) {
	hub := NewRevocationHub()
	sub := hub.Subscribe("doc")
	assert.Equal(t, 1, hub.SubscriberCount("doc"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.SubscriberCount("doc"))
	assert.Equal(t, 0, hub.Publish(domain.RevocationEvent{DocumentID: "doc"}))

	select {
	case _, ok := <-sub.C:
		assert.False(t, ok, "channel closed after Close")
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
}
