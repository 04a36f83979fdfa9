// Package poll owns every socket in the node. A single event-loop thread
// multiplexes all file descriptors and translates readiness into events
// addressed to the owning service; other threads talk to the loop through a
// serialized control queue with an eventfd wakeup.
package poll

import (
	"time"

	"github.com/ehrlich-b/go-hive/internal/handle"
	"github.com/ehrlich-b/go-hive/internal/logging"
)

// EventKind identifies what happened on a socket. The set of kinds is part
// of the external contract; the byte layout services see is built one layer
// up.
type EventKind int

const (
	// EventData carries received stream bytes.
	EventData EventKind = iota + 1
	// EventConnect reports that a connect, start, or bind completed and the
	// socket is usable.
	EventConnect
	// EventClose is the terminal event for an orderly close.
	EventClose
	// EventAccept reports a new connection on a listen socket; UD holds the
	// accepted socket id.
	EventAccept
	// EventError is the terminal event for a failed socket; Addr carries the
	// diagnostic text.
	EventError
	// EventUDP carries one received datagram; Addr holds the peer.
	EventUDP
	// EventWarning reports a write queue crossing the warning threshold; UD
	// is the queued size in KiB.
	EventWarning
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventConnect:
		return "connect"
	case EventClose:
		return "close"
	case EventAccept:
		return "accept"
	case EventError:
		return "error"
	case EventUDP:
		return "udp"
	case EventWarning:
		return "warning"
	}
	return "unknown"
}

// Event is one occurrence delivered to a socket's owning service.
type Event struct {
	Kind  EventKind
	ID    int32
	Owner handle.Handle
	Data  []byte // ownership transfers to the receiver
	UD    int
	Addr  string
}

// EmitFunc receives events on the poller thread. Implementations must not
// block; the runtime's implementation pushes into mailboxes.
type EmitFunc func(Event)

// Config parameterizes a poller.
type Config struct {
	Emit   EmitFunc
	Logger *logging.Logger

	// WarnSize is the write-queue size that triggers the first EventWarning
	// per socket. Zero selects DefaultWarnSize. The per-socket threshold
	// doubles after each report.
	WarnSize int64
	// HardLimit force-closes a socket whose write queue exceeds it. Zero
	// selects DefaultHardLimit; negative disables the limit.
	HardLimit int64
}

const (
	// MaxSocket bounds live sockets; slot index is the low 16 bits of the id.
	MaxSocket = 1 << 16

	// DefaultWarnSize is the initial write-queue warning threshold.
	DefaultWarnSize = 1024 * 1024
	// DefaultHardLimit is the write-queue size at which a socket is killed.
	DefaultHardLimit = 16 * 1024 * 1024

	// MinReadBuffer seeds the adaptive per-socket read buffer.
	MinReadBuffer = 64
)

// Stat is a node-wide I/O counter snapshot.
type Stat struct {
	RecvBytes int64
	SendBytes int64
	LastRecv  time.Time
	LastSend  time.Time
}
