package progress

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestBrokerDeliversToJobSubscribers(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("job-1")
	defer cancel()

	b.Publish(Event{JobID: "job-1", Status: "running", RowsDone: 500})

	ev := recv(t, ch)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, int64(500), ev.RowsDone)
	assert.False(t, ev.Timestamp.IsZero())
}

func TestBrokerScopesByJob(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("job-1")
	defer cancel()

	b.Publish(Event{JobID: "job-2", Status: "running"})
	b.Publish(Event{JobID: "job-1", Status: "completed"})

	assert.Equal(t, "completed", recv(t, ch).Status)
}

func TestBrokerReplaysLatestOnSubscribe(t *testing.T) {
	b := NewBroker()
	b.Publish(Event{JobID: "job-1", Status: "running", Percent: 40})

	ch, cancel := b.Subscribe("job-1")
	defer cancel()

	ev := recv(t, ch)
	assert.Equal(t, 40.0, ev.Percent)
}

func TestBrokerDropsOnSlowSubscriber(t *testing.T) {
	b := NewBroker()
	_, cancel := b.Subscribe("job-1")
	defer cancel()

	// Nobody drains the channel; publishing far past the buffer must not
	// block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(Event{JobID: "job-1", RowsDone: int64(i)})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestBrokerCancelStopsDelivery(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("job-1")
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel must not panic on the closed channel.
	b.Publish(Event{JobID: "job-1"})
}

func TestBrokerForget(t *testing.T) {
	b := NewBroker()
	b.Publish(Event{JobID: "job-1", Status: "completed"})
	b.Forget("job-1")

	ch, cancel := b.Subscribe("job-1")
	defer cancel()

	select {
	case ev := <-ch:
		t.Fatalf("unexpected replayed event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
	require.Empty(t, b.last)
}
