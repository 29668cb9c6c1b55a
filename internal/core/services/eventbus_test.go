package services

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/manthysbr/tunelab/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func TestEventBus_PubSub(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	topic := "session-123"

	// 1. Subscribe
	ch, unsub := bus.Subscribe(topic)
	defer unsub()

	// 2. Publish
	event := Event{
		Topic:     topic,
		Type:      EventTypeState,
		State:     domain.JobStateRunning,
		Handle:    "job_1",
		Timestamp: time.Now().Unix(),
	}
	bus.Publish(event)

	// 3. Verify
	select {
	case received := <-ch:
		assert.Equal(t, event.Topic, received.Topic)
		assert.Equal(t, domain.JobStateRunning, received.State)
		assert.Equal(t, domain.JobHandle("job_1"), received.Handle)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	topic := "session-456"

	ch, unsub := bus.Subscribe(topic)
	unsub()
	unsub() // second call is a no-op

	bus.Publish(Event{Topic: topic, Type: EventTypeWarning, Error: "should not receive"})

	select {
	case e, ok := <-ch:
		assert.False(t, ok, "received event after unsubscribe: %v", e)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel should be closed after unsubscribe")
	}
}

func TestEventBus_MultipleSubscribers(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)
	topic := "session-multi"

	ch1, unsub1 := bus.Subscribe(topic)
	defer unsub1()
	ch2, unsub2 := bus.Subscribe(topic)
	defer unsub2()

	bus.Publish(Event{Topic: topic, Type: EventTypeMetric})

	// Both should receive
	timeout := time.After(1 * time.Second)

	got1 := false
	got2 := false

	for i := 0; i < 2; i++ {
		select {
		case <-ch1:
			got1 = true
		case <-ch2:
			got2 = true
		case <-timeout:
			t.Fatal("timeout")
		}
	}

	assert.True(t, got1)
	assert.True(t, got2)
}

func TestEventBus_FullChannelDropsInsteadOfBlocking(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	ch, unsub := bus.Subscribe("slow")
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 150; i++ {
			bus.Publish(Event{Topic: "slow", Type: EventTypeMetric})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 100)
}

func TestEventBus_FullChannelStillDeliversStateEvents(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	bus := NewEventBus(logger)

	ch, unsub := bus.Subscribe("slow")
	defer unsub()

	for i := 0; i < subscriberBuffer; i++ {
		bus.Publish(Event{Topic: "slow", Type: EventTypeMetric})
	}
	bus.Publish(Event{Topic: "slow", Type: EventTypeState, State: domain.JobStateCompleted})
	bus.Publish(Event{Topic: "slow", Type: EventTypeMetric})

	assert.Len(t, ch, subscriberBuffer)

	var last Event
	for len(ch) > 0 {
		last = <-ch
	}
	assert.Equal(t, EventTypeState, last.Type, "terminal transition survives a full buffer")
	assert.Equal(t, domain.JobStateCompleted, last.State)
}
