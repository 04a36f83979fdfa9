package hive

import (
	"time"

	"github.com/ehrlich-b/go-hive/internal/handle"
	"github.com/ehrlich-b/go-hive/internal/mq"
	"github.com/ehrlich-b/go-hive/internal/poll"
	"github.com/ehrlich-b/go-hive/internal/timer"
)

// Handle is a 32-bit service address; see internal/handle.
type Handle = handle.Handle

// Re-export constants for the public API
const (
	// HandleMask covers the node-local 24 bits of a service address.
	HandleMask = handle.Mask
	// HandleRemoteShift positions the node id inside an address.
	HandleRemoteShift = handle.RemoteShift

	// TickDuration is the canonical timer tick.
	TickDuration = timer.DefaultPrecision

	// MaxSocket bounds live sockets per node.
	MaxSocket = poll.MaxSocket

	// MailboxOverloadThreshold is the first mailbox length that triggers an
	// overload report.
	MailboxOverloadThreshold = mq.DefaultOverloadThreshold

	// DefaultWorkers is used when the thread config key is absent or zero;
	// the bootstrap substitutes runtime.NumCPU().
	DefaultWorkers = 8

	// MonitorInterval is how often the monitor thread samples workers.
	MonitorInterval = 5 * time.Second
)
