// Package timer implements the hierarchical timing wheel that feeds TIMER
// messages back into the message plane.
//
// The wheel has a near ring of 256 slots and four far rings of 64 slots,
// covering the full 32-bit tick range. A dedicated thread advances the wheel;
// insertion from worker threads takes the wheel lock only for the O(1) link.
// Expired nodes are collected under the lock and delivered after it is
// released, so a slow receiver cannot stall insertion.
package timer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-hive/internal/handle"
	"github.com/ehrlich-b/go-hive/internal/logging"
)

const (
	nearShift  = 8
	nearSize   = 1 << nearShift
	nearMask   = nearSize - 1
	levelShift = 6
	levelSize  = 1 << levelShift
	levelMask  = levelSize - 1
)

// DefaultPrecision is the canonical tick length.
const DefaultPrecision = 10 * time.Millisecond

// DeliverFunc receives expired timers. It runs on the timer thread and must
// not block; pushing into a mailbox satisfies that.
type DeliverFunc func(owner handle.Handle, session int32)

type node struct {
	expire  uint32
	owner   handle.Handle
	session int32
	next    *node
}

type list struct {
	head *node
	tail *node
}

func (l *list) link(n *node) {
	n.next = nil
	if l.tail == nil {
		l.head = n
		l.tail = n
		return
	}
	l.tail.next = n
	l.tail = n
}

func (l *list) clear() *node {
	h := l.head
	l.head = nil
	l.tail = nil
	return h
}

// Timer is the node-wide timing wheel.
type Timer struct {
	mu   sync.Mutex
	near [nearSize]list
	far  [4][levelSize]list
	time uint32 // wheel position, wraps

	precision time.Duration
	bootMono  time.Time
	startTime int64         // wall-clock seconds captured at boot
	current   atomic.Uint64 // ticks elapsed since boot, monotonic
	point     uint64        // last observed monotonic tick count

	deliver DeliverFunc
	logger  *logging.Logger

	stop chan struct{}
	done chan struct{}
}

// New creates a wheel. A zero precision selects DefaultPrecision.
func New(precision time.Duration, deliver DeliverFunc) *Timer {
	if precision <= 0 {
		precision = DefaultPrecision
	}
	now := time.Now()
	return &Timer{
		precision: precision,
		bootMono:  now,
		startTime: now.Unix(),
		deliver:   deliver,
		logger:    logging.Default().WithField("component", "timer"),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Add schedules one TIMER delivery ticks from now. Callers handle ticks<=0
// themselves by short-circuiting into the mailbox; the wheel only ever holds
// future expiries.
func (t *Timer) Add(ticks int, owner handle.Handle, session int32) {
	n := &node{owner: owner, session: session}
	t.mu.Lock()
	n.expire = t.time + uint32(ticks)
	t.addNode(n)
	t.mu.Unlock()
}

// addNode links n into the ring that will see it before it expires. Caller
// holds the lock.
func (t *Timer) addNode(n *node) {
	expire := n.expire
	current := t.time
	if (expire | nearMask) == (current | nearMask) {
		t.near[expire&nearMask].link(n)
		return
	}
	mask := uint32(nearSize << levelShift)
	i := 0
	for ; i < 3; i++ {
		if (expire | (mask - 1)) == (current | (mask - 1)) {
			break
		}
		mask <<= levelShift
	}
	t.far[i][(expire>>(nearShift+uint(i)*levelShift))&levelMask].link(n)
}

// moveList cascades one far slot back through addNode.
func (t *Timer) moveList(level, idx int) {
	n := t.far[level][idx].clear()
	for n != nil {
		next := n.next
		t.addNode(n)
		n = next
	}
}

// shift advances the wheel one tick, cascading far rings on wrap.
func (t *Timer) shift() {
	mask := uint32(nearSize)
	t.time++
	ct := t.time
	if ct == 0 {
		t.moveList(3, 0)
		return
	}
	level := 0
	tick := ct >> nearShift
	for ct&(mask-1) == 0 {
		idx := int(tick & levelMask)
		if idx != 0 {
			t.moveList(level, idx)
			break
		}
		mask <<= levelShift
		tick >>= levelShift
		level++
	}
}

// execute drains the current near slot. Returns the detached chain; delivery
// happens without the lock.
func (t *Timer) execute() *node {
	return t.near[t.time&nearMask].clear()
}

func (t *Timer) dispatch(n *node) {
	for n != nil {
		t.deliver(n.owner, n.session)
		n = n.next
	}
}

// tick is one wheel advance: fire the slot at the current position, move,
// then fire again so timers landing exactly on the new position go out in
// the same tick.
func (t *Timer) tick() {
	t.mu.Lock()
	expired := t.execute()
	t.shift()
	if more := t.execute(); more != nil {
		if expired == nil {
			expired = more
		} else {
			tail := expired
			for tail.next != nil {
				tail = tail.next
			}
			tail.next = more
		}
	}
	t.mu.Unlock()
	t.dispatch(expired)
	t.current.Add(1)
}

// update advances the wheel to match the monotonic clock. Clock anomalies
// never rewind the tick counter.
func (t *Timer) update() {
	cp := uint64(time.Since(t.bootMono) / t.precision)
	if cp < t.point {
		t.logger.Error("clock anomaly detected", "point", cp, "last", t.point)
		t.point = cp
		return
	}
	diff := cp - t.point
	t.point = cp
	for i := uint64(0); i < diff; i++ {
		t.tick()
	}
}

// Start launches the timer thread.
func (t *Timer) Start() {
	go func() {
		defer close(t.done)
		// Sample at 4x tick rate so a tick is never late by more than a
		// quarter period.
		interval := t.precision / 4
		tk := time.NewTicker(interval)
		defer tk.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-tk.C:
				t.update()
			}
		}
	}()
}

// Stop halts the timer thread and waits for it to exit.
func (t *Timer) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	<-t.done
}

// Now returns ticks elapsed since boot.
func (t *Timer) Now() uint64 { return t.current.Load() }

// StartTime returns the wall-clock seconds captured at boot.
func (t *Timer) StartTime() int64 { return t.startTime }

// Advance drives the wheel by n ticks directly. Test hook; the production
// path goes through Start.
func (t *Timer) Advance(n int) {
	for i := 0; i < n; i++ {
		t.tick()
	}
}
