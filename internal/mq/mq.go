// Package mq implements the per-service mailbox and the global run queue.
//
// The two cooperate on one invariant: a mailbox is in the global run queue if
// and only if it is non-empty and no worker is currently draining it. The
// mailbox tracks that with its inGlobal flag under the mailbox lock; Push
// reports when the caller must schedule the service, and Pop clears the flag
// the moment the mailbox runs dry.
package mq

import (
	"sync"
	"time"

	"github.com/ehrlich-b/go-hive/internal/handle"
)

// DefaultOverloadThreshold is the mailbox length at which the first overload
// report fires. The threshold doubles after each report and resets once the
// mailbox drains.
const DefaultOverloadThreshold = 1024

const defaultCap = 64

// Message is one queued delivery. Payload ownership follows the flags on the
// sending side; once a message is in a mailbox the runtime owns Data until
// the handler returns.
type Message struct {
	Source  handle.Handle
	Session int32
	Proto   int32
	Data    []byte
	Obj     any // typed in-process payload (socket events); nil otherwise
}

// Queue is a single service's mailbox: an unbounded FIFO ring grown
// geometrically. Push is safe from any thread; Pop is called only by the
// worker holding the service's execution token.
type Queue struct {
	mu       sync.Mutex
	buf      []Message
	head     int
	tail     int
	inGlobal bool

	overload          int
	overloadThreshold int
}

// NewQueue returns an empty mailbox.
//
// A fresh mailbox starts with inGlobal set: the service is being constructed
// and must not be scheduled until the runtime finishes init and explicitly
// schedules it (or the first Pop clears the flag).
func NewQueue() *Queue {
	return &Queue{
		buf:               make([]Message, defaultCap),
		inGlobal:          true,
		overloadThreshold: DefaultOverloadThreshold,
	}
}

// Push appends m and reports whether the caller must enqueue the owning
// service into the global run queue (the empty→non-empty transition while
// unscheduled).
func (q *Queue) Push(m Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.buf[q.tail] = m
	q.tail++
	if q.tail >= len(q.buf) {
		q.tail = 0
	}
	if q.tail == q.head {
		q.expand()
	}
	if !q.inGlobal {
		q.inGlobal = true
		return true
	}
	return false
}

// expand doubles the ring. Caller holds the lock; head==tail means full here
// because expand runs immediately after the colliding push.
func (q *Queue) expand() {
	next := make([]Message, len(q.buf)*2)
	for i := 0; i < len(q.buf); i++ {
		next[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	q.head = 0
	q.tail = len(q.buf)
	q.buf = next
}

// Pop removes the head message. On empty it clears inGlobal and reports
// false; apart from DropAll at teardown, this is the only way the flag is
// cleared.
func (q *Queue) Pop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.head == q.tail {
		q.inGlobal = false
		q.overloadThreshold = DefaultOverloadThreshold
		return Message{}, false
	}
	m := q.buf[q.head]
	q.buf[q.head] = Message{}
	q.head++
	if q.head >= len(q.buf) {
		q.head = 0
	}
	if n := q.length(); n > q.overloadThreshold {
		q.overload = n
		q.overloadThreshold *= 2
	}
	return m, true
}

// PushHead returns a message to the front of the queue, used when a delivery
// must be retried (service not yet initialized).
func (q *Queue) PushHead(m Message) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.head--
	if q.head < 0 {
		q.head = len(q.buf) - 1
	}
	q.buf[q.head] = m
	if q.tail == q.head {
		q.expand()
	}
}

func (q *Queue) length() int {
	if q.head <= q.tail {
		return q.tail - q.head
	}
	return q.tail + len(q.buf) - q.head
}

// Length returns the number of queued messages. Informational only.
func (q *Queue) Length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.length()
}

// Overload returns the length recorded at the last threshold crossing and
// clears it, so each crossing is reported once.
func (q *Queue) Overload() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.overload
	q.overload = 0
	return n
}

// Scheduled reports whether the mailbox currently holds its global-queue /
// draining token.
func (q *Queue) Scheduled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inGlobal
}

// DropAll empties the mailbox, invoking fn on every discarded message so the
// runtime can bounce errors to senders awaiting replies.
func (q *Queue) DropAll(fn func(Message)) {
	for {
		q.mu.Lock()
		if q.head == q.tail {
			q.inGlobal = false
			q.mu.Unlock()
			return
		}
		m := q.buf[q.head]
		q.buf[q.head] = Message{}
		q.head++
		if q.head >= len(q.buf) {
			q.head = 0
		}
		q.mu.Unlock()
		if fn != nil {
			fn(m)
		}
	}
}

// Global is the MPMC run queue of service handles. It holds ids, never
// records: a service may die between enqueue and dequeue, so workers
// re-resolve the handle and simply skip stale entries.
type Global struct {
	ch   chan handle.Handle
	done chan struct{}
	once sync.Once
}

// NewGlobal sizes the queue for at most maxServices runnable services. The
// mailbox invariant guarantees each service occupies at most one slot, so the
// channel can never block a producer.
func NewGlobal(maxServices int) *Global {
	return &Global{
		ch:   make(chan handle.Handle, maxServices),
		done: make(chan struct{}),
	}
}

// Push enqueues a runnable service.
func (g *Global) Push(h handle.Handle) {
	select {
	case g.ch <- h:
	case <-g.done:
	}
}

// Pop dequeues the next runnable service, blocking up to timeout. It returns
// false on timeout or shutdown.
func (g *Global) Pop(timeout time.Duration) (handle.Handle, bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case h := <-g.ch:
		return h, true
	case <-t.C:
		return handle.Zero, false
	case <-g.done:
		return handle.Zero, false
	}
}

// TryPop dequeues without blocking.
func (g *Global) TryPop() (handle.Handle, bool) {
	select {
	case h := <-g.ch:
		return h, true
	default:
		return handle.Zero, false
	}
}

// Len returns the number of queued handles.
func (g *Global) Len() int { return len(g.ch) }

// Close releases blocked workers during shutdown.
func (g *Global) Close() {
	g.once.Do(func() { close(g.done) })
}
