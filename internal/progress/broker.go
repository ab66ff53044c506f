// Package progress pushes job progress events to subscribers. The worker
// publishes after every batch; HTTP clients consume the stream over SSE.
// Publishing never blocks: a subscriber that cannot keep up loses events,
// it does not stall the sync.
package progress

import (
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber channel depth. Events beyond it
// are dropped for that subscriber only.
const subscriberBuffer = 64

// Event is one progress update for a job.
type Event struct {
	JobID      string    `json:"jobId"`
	Status     string    `json:"status"`
	TableName  string    `json:"tableName,omitempty"`
	TableIndex int       `json:"tableIndex"`
	TableCount int       `json:"tableCount"`
	RowsDone   int64     `json:"rowsDone"`
	TotalRows  int64     `json:"totalRows"`
	Percent    float64   `json:"percent"`
	Message    string    `json:"message,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

type subscriber struct {
	jobID string
	ch    chan Event
}

// Broker fans job events out to per-job subscribers. Safe for concurrent
// use. The zero Broker is not usable; call NewBroker.
type Broker struct {
	mu   sync.Mutex
	subs map[*subscriber]struct{}
	last map[string]Event
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs: make(map[*subscriber]struct{}),
		last: make(map[string]Event),
	}
}

// Publish delivers an event to every subscriber of its job. Slow
// subscribers are skipped, not waited for. The event is also retained as
// the job's latest, replayed to future subscribers on Subscribe.
func (b *Broker) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.last[ev.JobID] = ev
	for s := range b.subs {
		if s.jobID != ev.JobID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener for one job's events. The latest known
// event, if any, is delivered first so a late subscriber sees current
// state immediately. The cancel function must be called when done; it
// closes the channel.
func (b *Broker) Subscribe(jobID string) (<-chan Event, func()) {
	s := &subscriber{jobID: jobID, ch: make(chan Event, subscriberBuffer)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	if ev, ok := b.last[jobID]; ok {
		s.ch <- ev
	}
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, s)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Forget drops the retained latest event for a job. Called when a job is
// removed so the broker does not grow without bound.
func (b *Broker) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.last, jobID)
}
