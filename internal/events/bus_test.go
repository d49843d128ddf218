package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicSession, 10)
	bus.Publish(TopicSession, SessionStartedEvent{SessionID: "s1", PlanName: "demo", Timestamp: time.Now()})

	ev := receive(t, ch)
	assert.Equal(t, "s1", ev.Subject())
	assert.Equal(t, EventTypeSessionStarted, ev.EventType())
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicTask, 10)
	ch2 := bus.Subscribe(TopicTask, 10)
	bus.Publish(TopicTask, TaskProgressEvent{SessionID: "s1", TaskID: "t1", Status: "completed"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		ev := receive(t, ch).(TaskProgressEvent)
		assert.Equal(t, "t1", ev.TaskID)
	}
}

func TestTopicIsolation(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	tasks := bus.Subscribe(TopicTask, 10)
	milestones := bus.Subscribe(TopicMilestone, 10)

	bus.Publish(TopicMilestone, MilestoneEvent{SessionID: "s1", Name: "build"})

	assert.Equal(t, EventTypeMilestoneChanged, receive(t, milestones).EventType())
	select {
	case ev := <-tasks:
		t.Fatalf("unexpected event on task topic: %v", ev)
	default:
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)
	bus.Publish(TopicRecovery, RecoveryEvent{TaskID: "t1", Strategy: "retry"})
	bus.Publish(TopicDecision, DecisionEvent{TaskID: "t1", Action: "execute"})
	bus.Publish(TopicHelp, HelpRequestedEvent{TaskID: "t1", RequestID: "r1"})

	assert.Equal(t, EventTypeRecoveryAction, receive(t, all).EventType())
	assert.Equal(t, EventTypeDecisionMade, receive(t, all).EventType())
	assert.Equal(t, EventTypeHelpRequested, receive(t, all).EventType())
}

func TestNonBlockingSendCountsDrops(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicTask, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Publish(TopicTask, TaskProgressEvent{TaskID: "t"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, int64(9), bus.Dropped())
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TopicSession, 1)
	all := bus.SubscribeAll(1)

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)
	_, ok = <-all
	assert.False(t, ok)

	// Publishing and subscribing after close are harmless.
	bus.Publish(TopicSession, SessionStatusEvent{SessionID: "s"})
	_, ok = <-bus.Subscribe(TopicSession, 1)
	assert.False(t, ok)
}

func TestConcurrentPublish(t *testing.T) {
	bus := NewEventBus()
	defer bus.Close()

	all := bus.SubscribeAll(1000)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				bus.Publish(TopicTask, TaskProgressEvent{TaskID: "t"})
			}
		}()
	}
	wg.Wait()

	assert.Len(t, all, 500)
	assert.Zero(t, bus.Dropped())
}

func TestPublisherInterface(t *testing.T) {
	var p Publisher = NewEventBus()
	p.Publish(TopicTask, TaskProgressEvent{})
}
