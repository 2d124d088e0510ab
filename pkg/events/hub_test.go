package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch1, cancel1 := hub.Subscribe(4)
	defer cancel1()
	ch2, cancel2 := hub.Subscribe(4)
	defer cancel2()

	hub.Publish(Event{Type: TypeWorker, EntityID: "w-1", Status: "working"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		select {
		case evt := <-ch:
			assert.Equal(t, TypeWorker, evt.Type)
			assert.Equal(t, "w-1", evt.EntityID)
			assert.False(t, evt.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	_, cancel := hub.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			hub.Publish(Event{Type: TypeExecution, EntityID: "e-1", Status: "running"})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()
	defer hub.Close()

	ch, cancel := hub.Subscribe(1)
	cancel()
	cancel() // second call must be a no-op

	_, open := <-ch
	assert.False(t, open)
}

func TestCloseClosesSubscribers(t *testing.T) {
	hub := NewHub()
	ch, _ := hub.Subscribe(1)
	hub.Close()

	_, open := <-ch
	require.False(t, open)

	// Publishing after close must not panic.
	hub.Publish(Event{Type: TypeContainer, EntityID: "c-1", Status: "stopped"})
}
