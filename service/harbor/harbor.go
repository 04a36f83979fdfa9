// Package harbor is the cluster stub. A standalone node has no peers, so
// every remote-addressed message terminates here: it is logged, counted,
// and, when the sender expects a reply, bounced back on the error protocol
// so pending waits abort instead of hanging.
//
// A real federation layer replaces this module under the same name; only
// the message interface matters to the core.
package harbor

import (
	"fmt"
	"sync/atomic"

	hive "github.com/ehrlich-b/go-hive"
)

func init() {
	hive.RegisterModuleFunc("harbor", func() hive.Instance { return &Harbor{} })
}

// Harbor is the standalone cluster stub instance.
type Harbor struct {
	ctx     *hive.Context
	nodeID  uint8
	dropped atomic.Int64
}

// Init implements hive.Instance. The argument is the configured node id.
func (h *Harbor) Init(ctx *hive.Context, args string) error {
	h.ctx = ctx
	if _, err := fmt.Sscanf(args, "%d", &h.nodeID); err != nil && args != "" {
		return fmt.Errorf("harbor: bad node id %q", args)
	}
	ctx.SetCallback(h.handle)
	if _, err := ctx.Command("REG", ".harbor"); err != nil {
		return err
	}
	return nil
}

// Release implements hive.Instance
func (h *Harbor) Release() {}

func (h *Harbor) handle(ctx *hive.Context, msg *hive.Message) error {
	if msg.Proto != hive.ProtoHarbor {
		return nil
	}
	remote, _ := msg.Obj.(*hive.RemoteMessage)
	if remote == nil {
		return nil
	}
	h.dropped.Add(1)
	ctx.Log("drop remote message to :%08x from :%08x (standalone node)",
		uint32(remote.Destination), uint32(remote.Source))
	if remote.Session != 0 && remote.Source != 0 {
		return ctx.Node().Send(remote.Destination, remote.Source, hive.ProtoError, remote.Session, nil)
	}
	return nil
}

// Dropped reports how many remote messages were discarded.
func (h *Harbor) Dropped() int64 { return h.dropped.Load() }
