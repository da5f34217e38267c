// Package eventbus is a small in-process fanout decoupling the poll loop
// from its observers. The loop publishes "cycle.completed"/"cycle.failed"
// plus one "decision.*" event per channel outcome; the ops server consumes
// them for its /events log.
package eventbus

import (
	"sync"
	"time"
)

// Event payloads should be small and JSON-serializable; they end up on the
// ops surface verbatim.
type Event struct {
	Type string    `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// that falls behind its buffer loses events rather than stalling a cycle.
type Bus interface {
	Publish(Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &fanout{}
}

type subscriber struct {
	id uint64
	ch chan Event
}

type fanout struct {
	mu     sync.Mutex
	lastID uint64
	subs   []subscriber
}

func (f *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	f.mu.Lock()
	targets := make([]chan Event, len(f.subs))
	for i, s := range f.subs {
		targets[i] = s.ch
	}
	f.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- e:
		default: // subscriber behind, drop
		}
	}
}

// Subscribe registers a buffered feed. The returned channel is never closed;
// readers select on their own context and call unsubscribe when done.
// Unsubscribe is idempotent.
func (f *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	sub := subscriber{ch: make(chan Event, buffer)}

	f.mu.Lock()
	f.lastID++
	sub.id = f.lastID
	f.subs = append(f.subs, sub)
	f.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			f.mu.Lock()
			for i, s := range f.subs {
				if s.id == sub.id {
					f.subs = append(f.subs[:i], f.subs[i+1:]...)
					break
				}
			}
			f.mu.Unlock()
		})
	}
	return sub.ch, unsub
}
