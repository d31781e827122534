// Package events provides an in-process broadcaster for job status updates,
// feeding the SSE endpoint.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/quincefs/quince/internal/jobs"
	"github.com/quincefs/quince/internal/metrics"
)

// Event carries one job status snapshot.
type Event struct {
	JobID     string          `json:"job_id"`
	Kind      jobs.Kind       `json:"kind"`
	State     jobs.State      `json:"state"`
	Progress  jobs.Progress   `json:"progress"`
	Errors    []jobs.JobError `json:"errors,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// FromJob builds an event from a job snapshot.
func FromJob(j *jobs.Job) Event {
	return Event{
		JobID:    j.ID,
		Kind:     j.Kind,
		State:    j.State,
		Progress: j.Progress,
		Errors:   j.Errors,
	}
}

// Broadcaster manages SSE subscribers and publishes job status events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(b.Count()))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordSSEEvent()
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
