package state

import "sync"

// Broadcaster fans the latest snapshot out to an arbitrary number of
// subscribers. Delivery is lossy: each subscriber channel holds at
// most one outstanding snapshot, and a slow subscriber has its stale value
// replaced rather than queued behind.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[chan *Snapshot]struct{}
	latest *Snapshot
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan *Snapshot]struct{})}
}

// Subscribe registers a new delivery channel. If a snapshot has already been
// published the channel is primed with it so late joiners are not left empty.
func (b *Broadcaster) Subscribe() chan *Snapshot {
	ch := make(chan *Snapshot, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	last := b.latest
	b.mu.Unlock()
	if last != nil {
		ch <- last
	}
	return ch
}

// Unsubscribe removes the channel from the distribution set. Idempotent.
func (b *Broadcaster) Unsubscribe(ch chan *Snapshot) {
	b.mu.Lock()
	delete(b.subs, ch)
	b.mu.Unlock()
}

// Publish records snap as the latest value and delivers it to every current
// subscriber without blocking. A full channel has its unconsumed value
// evicted first: drop-oldest, keep-latest.
func (b *Broadcaster) Publish(snap *Snapshot) {
	b.mu.Lock()
	b.latest = snap
	subs := make([]chan *Snapshot, 0, len(b.subs))
	for ch := range b.subs {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Latest returns the most recently published snapshot, or nil if nothing has
// been published yet.
func (b *Broadcaster) Latest() *Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.latest
}

// SubscriberCount reports the current size of the distribution set.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
