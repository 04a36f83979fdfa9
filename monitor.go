package hive

import (
	"fmt"
	"sync/atomic"
	"time"
)

// watchdog samples each worker's currently executing service. A service seen
// unchanged across two sampling intervals is flagged as possibly stuck; the
// warning never preempts, it only informs operators.
type watchdog struct {
	slots []watchSlot
}

type watchSlot struct {
	version      atomic.Int32
	checkVersion int32
	source       atomic.Uint32
	destination  atomic.Uint32
}

func newWatchdog(workers int) *watchdog {
	return &watchdog{slots: make([]watchSlot, workers)}
}

// enter records the delivery a worker is about to perform.
func (w *watchdog) enter(worker int, source, dest Handle) {
	s := &w.slots[worker]
	s.source.Store(uint32(source))
	s.destination.Store(uint32(dest))
	s.version.Add(1)
}

// leave marks the worker idle again.
func (w *watchdog) leave(worker int) {
	s := &w.slots[worker]
	s.source.Store(0)
	s.destination.Store(0)
	s.version.Add(1)
}

// check scans one slot; it returns the stuck destination, or zero.
func (w *watchdog) check(worker int) Handle {
	s := &w.slots[worker]
	v := s.version.Load()
	if v == s.checkVersion {
		if dest := s.destination.Load(); dest != 0 {
			return Handle(dest)
		}
		return 0
	}
	s.checkVersion = v
	return 0
}

// monitorLoop is the monitor thread: every MonitorInterval it samples each
// worker and warns about services that made no progress.
func (n *Node) monitorLoop() {
	defer n.wg.Done()
	tick := time.NewTicker(MonitorInterval)
	defer tick.Stop()
	for {
		select {
		case <-n.shutdown:
			return
		case <-tick.C:
		}
		for i := range n.watch.slots {
			h := n.watch.check(i)
			if h == 0 {
				continue
			}
			svc, ok := n.storage.Get(h)
			if !ok {
				continue
			}
			if svc.endless.CompareAndSwap(false, true) {
				n.metrics.EndlessWarning()
				n.serviceLog(h, fmt.Sprintf("A message to [:%08x] maybe in an endless loop (version = %d)",
					uint32(h), n.watch.slots[i].version.Load()))
				n.logger.Warn("service may be in an endless loop",
					"service", fmt.Sprintf(":%08x", uint32(h)), "worker", i)
			}
		}
	}
}
