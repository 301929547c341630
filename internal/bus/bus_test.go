package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	b := New()
	approved := b.Subscribe(TopicApproved)
	rejected := b.Subscribe(TopicRejected)

	b.Publish(NewEvent(TopicApproved, "T-1", "reviewer", map[string]interface{}{"overall_score": 85.0}))

	select {
	case evt := <-approved:
		assert.Equal(t, "T-1", evt.TaskID)
		assert.Equal(t, TopicApproved, evt.Topic)
		assert.Equal(t, 85.0, evt.Payload["overall_score"])
		assert.NotEmpty(t, evt.ID)
	case <-time.After(time.Second):
		t.Fatal("approved subscriber received nothing")
	}

	select {
	case evt := <-rejected:
		t.Fatalf("rejected subscriber received unexpected event: %+v", evt)
	default:
	}
}

func TestMultipleSubscribersEachReceive(t *testing.T) {
	b := New()
	a := b.Subscribe(TopicEscalated)
	c := b.Subscribe(TopicEscalated)

	b.Publish(NewEvent(TopicEscalated, "T-2", "qa-monitor", nil))

	for _, ch := range []<-chan Event{a, c} {
		select {
		case evt := <-ch:
			assert.Equal(t, "T-2", evt.TaskID)
		case <-time.After(time.Second):
			t.Fatal("subscriber received nothing")
		}
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()
	b.Subscribe(TopicMonitorHeartbeat) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufSize*2; i++ {
			b.Publish(NewEvent(TopicMonitorHeartbeat, "T-3", "qa-monitor", nil))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
}

func TestTapSeesAllTopics(t *testing.T) {
	b := New()
	tap := b.Tap()

	b.Publish(NewEvent(TopicApproved, "T-4", "reviewer", nil))
	b.Publish(NewEvent(TopicQAEscalation, "T-5", "qa-monitor", nil))

	var got []Topic
	for i := 0; i < 2; i++ {
		select {
		case evt := <-tap:
			got = append(got, evt.Topic)
		case <-time.After(time.Second):
			t.Fatal("tap received too few events")
		}
	}
	require.Equal(t, []Topic{TopicApproved, TopicQAEscalation}, got)
}
