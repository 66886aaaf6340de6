package progress

import (
	"context"
	"sync"
)

// Broadcaster is a Sink that fans events out to per-source subscribers.
// Slow subscribers lose events rather than stalling the hub.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
	closed bool
}

type subscriber struct {
	ch chan Event
}

// NewBroadcaster creates a Broadcaster whose subscriber channels hold buffer events.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers interest in one source. The returned cancel func must be
// called to release the subscription; the channel closes afterwards.
func (b *Broadcaster) Subscribe(sourceID string) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, b.buffer)}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub.ch, func() {}
	}
	set := b.subs[sourceID]
	if set == nil {
		set = make(map[*subscriber]struct{})
		b.subs[sourceID] = set
	}
	set[sub] = struct{}{}

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() { b.remove(sourceID, sub) })
	}
}

func (b *Broadcaster) remove(sourceID string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.subs[sourceID]
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(b.subs, sourceID)
	}
	close(sub.ch)
}

// Subscribers returns the number of live subscriptions for a source.
func (b *Broadcaster) Subscribers(sourceID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sourceID])
}

// Consume delivers each event to the subscribers of its source.
func (b *Broadcaster) Consume(_ context.Context, batch []Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, evt := range batch {
		for sub := range b.subs[evt.SourceID] {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
	return nil
}

// Close ends every subscription.
func (b *Broadcaster) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, set := range b.subs {
		for sub := range set {
			close(sub.ch)
		}
		delete(b.subs, id)
	}
	return nil
}
