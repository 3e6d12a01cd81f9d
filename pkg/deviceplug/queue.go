// Package deviceplug implements the Device Plug Orchestrator: a
// thread-safe bounded FIFO of device-hotplug descriptors produced by
// the input server and consumed by the Runner, per spec.md §4.6.
package deviceplug

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// DefaultCapacity is the queue's default bound. spec.md §11's Open
// Question is decided as 64 entries.
const DefaultCapacity = 64

// Event is one device-hotplug descriptor: the udev environment map the
// runner injects into the guest, plus any hardware-database entries
// that make the device recognizable. A non-empty HWDBEntries marks the
// event critical for the overflow policy.
type Event struct {
	UdevEnv     map[string]string
	HWDBEntries []string
}

func (e Event) critical() bool { return len(e.HWDBEntries) > 0 }

// Queue is a bounded FIFO with drop-oldest-non-critical overflow:
// when full, TryPush evicts the oldest non-critical event to make
// room, and only fails if every queued event is critical.
type Queue struct {
	mu       sync.Mutex
	notEmpty chan struct{}
	items    []Event
	capacity int
}

// New constructs an empty Queue bounded at capacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		capacity: capacity,
		notEmpty: make(chan struct{}, 1),
	}
}

// TryPush enqueues event without blocking. If the queue is at
// capacity, the oldest non-critical event is dropped (and logged) to
// make room; if every queued event is critical, the new event is
// itself dropped and TryPush reports false.
func (q *Queue) TryPush(event Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		idx := -1
		for i, e := range q.items {
			if !e.critical() {
				idx = i
				break
			}
		}
		if idx == -1 {
			log.Warn().Msg("device plug queue full of critical events, dropping new event")
			return false
		}
		log.Warn().Int("index", idx).Msg("device plug queue overflow, dropping oldest non-critical event")
		q.items = append(q.items[:idx], q.items[idx+1:]...)
	}

	q.items = append(q.items, event)
	q.signal()
	return true
}

// PopWithTimeout blocks until an event is available or ctx is done,
// returning the oldest queued event in FIFO order.
func (q *Queue) PopWithTimeout(ctx context.Context) (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			event := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return event, true
		}
		q.mu.Unlock()

		select {
		case <-q.notEmpty:
			continue
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

func (q *Queue) signal() {
	select {
	case q.notEmpty <- struct{}{}:
	default:
	}
}

// Len reports the number of currently queued events. Intended for
// tests and diagnostics.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
