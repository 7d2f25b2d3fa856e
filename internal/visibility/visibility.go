// Package visibility carries page visibility transitions from the browser
// shell to subscribers.
package visibility

import (
	"sync"
)

// Signal is a source of visibility transitions.
type Signal interface {
	// Subscribe returns a channel receiving the new visibility on every
	// transition, and a function that unsubscribes and closes the channel.
	Subscribe() (<-chan bool, func())
}

// Broadcaster is a Signal driven by Set. Only transitions are delivered;
// setting the current value again is a no-op. Slow subscribers see the most
// recent value rather than every step.
type Broadcaster struct {
	mu      sync.Mutex
	visible bool
	nextID  int
	subs    map[int]chan bool
}

// NewBroadcaster creates a Broadcaster with the given initial state.
func NewBroadcaster(visible bool) *Broadcaster {
	return &Broadcaster{
		visible: visible,
		subs:    make(map[int]chan bool),
	}
}

// Visible reports the current state.
func (b *Broadcaster) Visible() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visible
}

// Set records the page visibility and notifies subscribers on change.
func (b *Broadcaster) Set(visible bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.visible == visible {
		return
	}
	b.visible = visible
	for _, ch := range b.subs {
		select {
		case ch <- visible:
		default:
			// Replace the stale pending value with the latest one.
			select {
			case <-ch:
			default:
			}
			ch <- visible
		}
	}
}

// Subscribe implements Signal.
func (b *Broadcaster) Subscribe() (<-chan bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan bool, 1)
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the number of active subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
