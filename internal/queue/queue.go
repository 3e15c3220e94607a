package queue

import (
	"sync"
	"time"

	"github.com/flowpbx/callctl/internal/message"
)

// DefaultCapacity is the queue size used when none is configured.
const DefaultCapacity = 1024

// Queue is a bounded FIFO of messages with a blocking, timed pop. It is
// safe for concurrent use by any number of producers and consumers.
//
// When the queue is full the oldest non-critical message is dropped and a
// single QueueOverflow marker takes its place; further drops are counted on
// that marker until a consumer takes it. The marker does not count toward
// capacity.
type Queue struct {
	mu       sync.Mutex
	items    []message.Message
	regular  int // items excluding the overflow marker
	marker   int // index of the pending overflow marker, -1 if none
	capacity int
	dropped  uint64

	closed   bool
	sentinel message.Message

	notify chan struct{} // holds a token while items may be available
	done   chan struct{} // closed by Close
}

// New creates a queue holding up to capacity messages. A non-positive
// capacity selects DefaultCapacity.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		items:    make([]message.Message, 0, min(capacity, 64)),
		marker:   -1,
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends a message. It never blocks. Messages pushed after Close are
// discarded and Push returns false.
func (q *Queue) Push(m message.Message) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}

	if q.regular >= q.capacity && !q.makeRoom(m) {
		q.mu.Unlock()
		q.signal()
		return true
	}

	q.items = append(q.items, m)
	q.regular++
	q.mu.Unlock()
	q.signal()
	return true
}

// makeRoom drops one message to admit m. It returns false if m itself was
// dropped instead. Must be called with q.mu held.
func (q *Queue) makeRoom(m message.Message) bool {
	victim := -1
	for i := range q.items {
		if i != q.marker && !q.items[i].Kind.Critical() {
			victim = i
			break
		}
	}

	if victim < 0 {
		if m.Kind.Critical() {
			// Critical messages are admitted above capacity.
			return true
		}
		q.recordDrop(len(q.items), m.Time)
		return false
	}

	when := q.items[victim].Time
	if q.marker < 0 {
		q.items[victim] = overflowMarker(when)
		q.marker = victim
		q.regular--
		q.dropped++
		return true
	}

	q.items = append(q.items[:victim], q.items[victim+1:]...)
	if victim < q.marker {
		q.marker--
	}
	q.regular--
	q.dropped++
	q.items[q.marker].Dropped++
	return true
}

// recordDrop counts a dropped message on the pending marker, inserting a
// marker at position at if none is pending. Must be called with q.mu held.
func (q *Queue) recordDrop(at int, when time.Time) {
	q.dropped++
	if q.marker >= 0 {
		q.items[q.marker].Dropped++
		return
	}
	q.items = append(q.items, message.Message{})
	copy(q.items[at+1:], q.items[at:])
	q.items[at] = overflowMarker(when)
	q.marker = at
}

func overflowMarker(when time.Time) message.Message {
	if when.IsZero() {
		when = time.Now()
	}
	return message.Message{Kind: message.QueueOverflow, Time: when, Dropped: 1}
}

// PopWithTimeout removes and returns the oldest message. A zero timeout
// never blocks, a negative timeout waits without limit. It returns false if
// no message arrived in time. After Close, buffered messages are returned
// first and then the sentinel on every call.
func (q *Queue) PopWithTimeout(timeout time.Duration) (message.Message, bool) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if m, ok := q.tryPop(); ok {
			return m, true
		}
		if timeout == 0 {
			return message.Message{}, false
		}

		select {
		case <-q.notify:
		case <-q.done:
		case <-expired:
			// One last look so a message racing the timer is not missed.
			return q.tryPop()
		}
	}
}

func (q *Queue) tryPop() (message.Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		if q.closed {
			return q.sentinel, true
		}
		return message.Message{}, false
	}

	m := q.items[0]
	q.items[0] = message.Message{}
	q.items = q.items[1:]
	switch {
	case q.marker == 0:
		q.marker = -1
	case q.marker > 0:
		q.marker--
		q.regular--
	default:
		q.regular--
	}

	if len(q.items) > 0 {
		// Pass the wake-up on to another waiting consumer.
		q.signal()
	}
	return m, true
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Close stops the queue accepting messages and wakes every waiting
// consumer. Once the buffered messages are drained every pop returns
// sentinel. Close is idempotent; only the first sentinel is kept.
func (q *Queue) Close(sentinel message.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.sentinel = sentinel
	close(q.done)
}

// Len returns the number of buffered messages, including any overflow marker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns the total number of messages dropped on overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Capacity returns the configured capacity.
func (q *Queue) Capacity() int {
	return q.capacity
}
