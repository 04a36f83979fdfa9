package hive

import (
	"github.com/ehrlich-b/go-hive/internal/mq"
	"github.com/ehrlich-b/go-hive/internal/poll"
)

// Message is one queued delivery; see internal/mq for the layout.
type Message = mq.Message

// Protocol types tag each message with the service-level decoder to use.
// The set is open: services may register their own above ProtoTrace.
const (
	ProtoText      int32 = 0
	ProtoResponse  int32 = 1
	ProtoMulticast int32 = 2
	ProtoClient    int32 = 3
	ProtoSystem    int32 = 4
	ProtoHarbor    int32 = 5
	ProtoSocket    int32 = 6
	ProtoError     int32 = 7
	ProtoTimer     int32 = 8
	ProtoDebug     int32 = 9
	ProtoLua       int32 = 10
	ProtoSnax      int32 = 11
	ProtoTrace     int32 = 12
)

// SendFlags control payload ownership and session allocation on Send.
type SendFlags uint32

const (
	// DontCopy hands the payload to the runtime as-is; the sender must not
	// touch it afterwards. Without it Send copies the payload so the sender
	// may reuse its buffer.
	DontCopy SendFlags = 1 << iota
	// AllocSession makes the runtime assign a fresh session from the
	// sender's counter; the assigned value is returned from Send.
	AllocSession
	// DontFree marks the payload as borrowed (static data); the runtime
	// never copies nor clears it.
	DontFree
)

// Socket event kinds as seen inside a ProtoSocket message.
const (
	SocketData    = 1
	SocketConnect = 2
	SocketClose   = 3
	SocketAccept  = 4
	SocketError   = 5
	SocketUDP     = 6
	SocketWarning = 7
)

// SocketMessage is the typed payload of every ProtoSocket delivery.
type SocketMessage struct {
	Type   int
	ID     int32
	UD     int // bytes for Data, accepted id for Accept, KiB queued for Warning
	Buffer []byte
	Addr   string
}

func socketMessageFromEvent(ev poll.Event) *SocketMessage {
	sm := &SocketMessage{ID: ev.ID, UD: ev.UD, Buffer: ev.Data, Addr: ev.Addr}
	switch ev.Kind {
	case poll.EventData:
		sm.Type = SocketData
	case poll.EventConnect:
		sm.Type = SocketConnect
	case poll.EventClose:
		sm.Type = SocketClose
	case poll.EventAccept:
		sm.Type = SocketAccept
	case poll.EventError:
		sm.Type = SocketError
	case poll.EventUDP:
		sm.Type = SocketUDP
	case poll.EventWarning:
		sm.Type = SocketWarning
	}
	return sm
}

// RemoteMessage wraps a delivery whose destination lives on another node; it
// is handed to the harbor service as a ProtoHarbor message.
type RemoteMessage struct {
	Destination Handle
	Proto       int32
	Session     int32
	Source      Handle
	Data        []byte
}
