package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubPublishReachesSubscribers(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("t1", 4)
	defer cancel()

	hub.Publish(StreamEvent{TaskID: "t1", Sequence: 1, Type: "status-update", Data: []byte(`{}`)})

	select {
	case ev := <-ch:
		assert.Equal(t, int64(1), ev.Sequence)
		assert.Equal(t, "status-update", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHubIsolatesTasks(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("t1", 4)
	defer cancel()

	hub.Publish(StreamEvent{TaskID: "t2", Sequence: 1, Type: "status-update"})

	select {
	case <-ch:
		t.Fatal("received an event for a different task")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubCancelUnsubscribes(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe("t1", 4)
	require.Equal(t, 1, hub.Subscribers("t1"))

	cancel()
	assert.Equal(t, 0, hub.Subscribers("t1"))
	// Publishing with no subscribers must not panic.
	hub.Publish(StreamEvent{TaskID: "t1", Sequence: 1})
}

func TestHubSlowConsumerDoesNotBlock(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe("t1", 1)
	defer cancel()

	// Second publish overflows the buffer; it must drop, not block.
	done := make(chan struct{})
	go func() {
		hub.Publish(StreamEvent{TaskID: "t1", Sequence: 1})
		hub.Publish(StreamEvent{TaskID: "t1", Sequence: 2})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow consumer")
	}

	ev := <-ch
	assert.Equal(t, int64(1), ev.Sequence)
}

func TestHubMultipleSubscribers(t *testing.T) {
	hub := NewHub()
	first, cancelFirst := hub.Subscribe("t1", 4)
	second, cancelSecond := hub.Subscribe("t1", 4)
	defer cancelFirst()
	defer cancelSecond()

	hub.Publish(StreamEvent{TaskID: "t1", Sequence: 1})

	for _, ch := range []<-chan StreamEvent{first, second} {
		select {
		case ev := <-ch:
			assert.Equal(t, int64(1), ev.Sequence)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}
