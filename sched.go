package hive

import (
	"fmt"
	"time"
)

// workerWeights follows the canonical table: the first workers drain one
// message per turn for latency, later workers drain up to 1<<weight
// messages per turn for throughput.
var workerWeights = []int{
	-1, -1, -1, -1,
	0, 0, 0, 0,
	1, 1, 1, 1, 1, 1, 1, 1,
	2, 2, 2, 2, 2, 2, 2, 2,
	3, 3, 3, 3, 3, 3, 3, 3,
}

func workerWeight(i int) int {
	if i < len(workerWeights) {
		return workerWeights[i]
	}
	return 0
}

const popTimeout = 100 * time.Millisecond

// worker is one scheduling thread: pull a runnable service, drain a bounded
// batch, hand the service back.
func (n *Node) worker(id int) {
	defer n.wg.Done()
	weight := workerWeight(id)
	for {
		select {
		case <-n.shutdown:
			return
		default:
		}
		h, ok := n.global.Pop(popTimeout)
		if !ok {
			continue
		}
		n.dispatch(id, h, weight)
	}
}

// dispatch drains up to the weighted batch from one service's mailbox.
//
// The service's execution token guarantees at most one worker inside a
// service at any instant. While the token is held the mailbox keeps its
// in-global mark, so concurrent pushes never double-schedule; on exit the
// service is requeued iff messages remain (Pop clears the mark on empty).
func (n *Node) dispatch(worker int, h Handle, weight int) {
	svc, ok := n.storage.Get(h)
	if !ok {
		return // retired between enqueue and dequeue
	}
	if !svc.acquire() {
		// Two workers raced the same handle; the invariant says this cannot
		// happen, but hand it back rather than trust that.
		n.global.Push(h)
		return
	}
	defer svc.release()

	if svc.dead.Load() {
		n.finalize(svc)
		return
	}

	batch := 1
	for i := 0; i < batch; i++ {
		msg, ok := svc.queue.Pop()
		if !ok {
			return // mailbox empty; in-global mark already cleared
		}
		if i == 0 && weight >= 0 {
			batch = 1 << uint(weight)
			if batch < 1 {
				batch = 1
			}
		}
		if !svc.initDone.Load() {
			// init still running on the launching thread; put the message
			// back and wait for the post-init schedule
			svc.queue.PushHead(msg)
			return
		}
		if overload := svc.queue.Overload(); overload > 0 {
			n.serviceLog(h, fmt.Sprintf("May overload, message queue length = %d", overload))
			n.notifyMonitor(fmt.Sprintf("OVERLOAD :%08x %d", uint32(h), overload))
			n.metrics.MailboxOverload()
		}

		n.watch.enter(worker, msg.Source, h)
		n.deliver(svc, &msg)
		n.watch.leave(worker)

		if svc.dead.Load() {
			n.finalize(svc)
			return
		}
	}
	// batch exhausted with messages possibly remaining; the mailbox still
	// holds its mark, so requeue unconditionally
	n.global.Push(h)
}

// deliver invokes the handler for one message and settles payload ownership.
func (n *Node) deliver(svc *Service, msg *Message) {
	handler := svc.handler()
	if handler == nil {
		// no callback installed: the message is dropped, an error bounces to
		// a waiting sender
		if msg.Session != 0 && msg.Source != 0 && msg.Proto != ProtoError {
			n.pushMessage(msg.Source, Message{Proto: ProtoError, Session: msg.Session, Source: svc.handle})
		}
		return
	}
	svc.tapMessage(msg)

	var start time.Time
	if svc.profile {
		start = time.Now()
	}
	err := handler(svc.ctx, msg)
	if svc.profile {
		svc.cpuNS.Add(time.Since(start).Nanoseconds())
	}
	svc.messageCount.Add(1)
	n.metrics.MessageDispatched()
	n.obs.ObserveDispatch(svc.handle, msg.Proto, len(msg.Data))
	if err != nil {
		n.serviceLog(svc.handle, fmt.Sprintf("message handler error: %v", err))
	}
	// The runtime owns msg.Data until here; dropping the reference is the
	// release. Handlers that keep the payload alive simply retain it.
	msg.Data = nil
	msg.Obj = nil
}
