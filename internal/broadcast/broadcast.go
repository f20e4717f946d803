// Package broadcast fans one producer's log lines out to many live
// subscribers.
package broadcast

import "sync"

// Subscriber is one attached sink. Lines arrive on C in publication
// order; C is closed on end-of-stream or when the subscriber is dropped
// for falling behind.
type Subscriber struct {
	C chan string
}

// Broadcaster delivers lines from exactly one producer to N subscribers.
// A bounded backlog of recent lines is replayed to late joiners; a
// subscriber whose buffer fills up is disconnected rather than allowed to
// stall the producer.
type Broadcaster struct {
	mu      sync.Mutex
	backlog []string // ring, oldest first
	cap     int
	bufSize int
	subs    map[*Subscriber]struct{}
	closed  bool
}

// New creates a broadcaster with the given backlog capacity and
// per-subscriber buffer size. The buffer is kept at least one backlog
// larger than the ring so replay alone can never disconnect a fresh
// subscriber.
func New(backlogCap, subscriberBuf int) *Broadcaster {
	if backlogCap < 0 {
		backlogCap = 0
	}
	if subscriberBuf < backlogCap+1 {
		subscriberBuf = backlogCap + 1
	}
	return &Broadcaster{
		backlog: make([]string, 0, backlogCap),
		cap:     backlogCap,
		bufSize: subscriberBuf,
		subs:    make(map[*Subscriber]struct{}),
	}
}

// Publish appends the line to the backlog and delivers it to every
// attached subscriber. Called only by the producer. Subscribers that
// cannot keep up are dropped.
func (b *Broadcaster) Publish(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	if b.cap > 0 {
		if len(b.backlog) == b.cap {
			copy(b.backlog, b.backlog[1:])
			b.backlog = b.backlog[:b.cap-1]
		}
		b.backlog = append(b.backlog, line)
	}

	for sub := range b.subs {
		select {
		case sub.C <- line:
		default:
			// Buffer full: drop the consumer, not the line.
			delete(b.subs, sub)
			close(sub.C)
		}
	}
}

// Subscribe attaches a new sink. The current backlog is replayed first,
// then live lines follow. After Close the returned sink is already
// closed with an empty backlog.
func (b *Broadcaster) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{C: make(chan string, b.bufSize)}
	if b.closed {
		close(sub.C)
		return sub
	}
	for _, line := range b.backlog {
		sub.C <- line
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches a sink. Safe to call repeatedly and after Close.
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.C)
}

// Close signals end-of-stream to all subscribers. Idempotent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.C)
	}
	b.backlog = nil
}

// SubscriberCount returns the number of attached sinks.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
