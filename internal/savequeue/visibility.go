package savequeue

import "sync"

// Visibility reports whether the page (or whatever hosts the client) is
// currently hidden, and announces changes.
type Visibility interface {
	Hidden() bool
	// Subscribe returns a channel receiving the new hidden state after each
	// change, plus a func to stop the subscription.
	Subscribe() (<-chan bool, func())
}

// VisibilityTracker is a Visibility driven by explicit SetHidden calls.
type VisibilityTracker struct {
	mu     sync.Mutex
	hidden bool
	subs   map[int]chan bool
	nextID int
}

func NewVisibilityTracker() *VisibilityTracker {
	return &VisibilityTracker{subs: make(map[int]chan bool)}
}

func (v *VisibilityTracker) Hidden() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hidden
}

func (v *VisibilityTracker) SetHidden(hidden bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.hidden == hidden {
		return
	}
	v.hidden = hidden
	for _, ch := range v.subs {
		// keep only the latest state for slow subscribers
		select {
		case <-ch:
		default:
		}
		ch <- hidden
	}
}

func (v *VisibilityTracker) Subscribe() (<-chan bool, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	id := v.nextID
	v.nextID++
	ch := make(chan bool, 1)
	v.subs[id] = ch
	return ch, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		delete(v.subs, id)
	}
}
