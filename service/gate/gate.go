// Package gate implements the standard TCP front-end service: it listens,
// accepts, cuts the byte stream into length-prefixed frames, and forwards
// each frame to an agent or broker service. Connection events are reported
// to a watchdog service as text lines.
package gate

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"

	hive "github.com/ehrlich-b/go-hive"
)

func init() {
	hive.RegisterModuleFunc("gate", func() hive.Instance { return &Gate{} })
}

// idleScanTicks is how often the idle checker wakes.
const idleScanTicks = 100

type connection struct {
	id       int32
	addr     string
	agent    hive.Handle
	client   hive.Handle
	buffer   []byte
	started  bool
	lastSeen uint64 // tick of last activity
}

// Gate is one gate instance.
//
// Init argument: "<S|L> <watchdog> <host:port> [idle-seconds]". S selects
// 2-byte big-endian length headers, L 4-byte. The watchdog may be "-" for
// none.
type Gate struct {
	ctx        *hive.Context
	watchdog   hive.Handle
	broker     hive.Handle
	headerSize int
	listenID   int32
	closed     bool
	conns      map[int32]*connection
	idleTicks  uint64
	idleSess   int32
}

// Init implements hive.Instance
func (g *Gate) Init(ctx *hive.Context, args string) error {
	g.ctx = ctx
	g.conns = make(map[int32]*connection)

	fields := strings.Fields(args)
	if len(fields) < 3 {
		return fmt.Errorf("gate: bad arguments %q", args)
	}
	switch fields[0] {
	case "S":
		g.headerSize = 2
	case "L":
		g.headerSize = 4
	default:
		return fmt.Errorf("gate: header must be S or L, got %q", fields[0])
	}
	if fields[1] != "-" {
		g.watchdog = ctx.Node().Resolve(fields[1])
		if g.watchdog == 0 {
			return fmt.Errorf("gate: unknown watchdog %q", fields[1])
		}
	}
	host, portStr, err := net.SplitHostPort(fields[2])
	if err != nil {
		return fmt.Errorf("gate: bad address %q: %w", fields[2], err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("gate: bad port %q: %w", portStr, err)
	}
	if len(fields) >= 4 {
		sec, err := strconv.Atoi(fields[3])
		if err != nil {
			return fmt.Errorf("gate: bad idle seconds %q: %w", fields[3], err)
		}
		g.idleTicks = uint64(sec) * 100
	}

	id, err := ctx.Listen(host, port, 0)
	if err != nil {
		return err
	}
	g.listenID = id
	ctx.SocketStart(id)
	ctx.SetCallback(g.handle)
	if g.idleTicks > 0 {
		g.idleSess = ctx.Timeout(idleScanTicks, 0)
	}
	return nil
}

// Release implements hive.Instance
func (g *Gate) Release() {
	// sockets are torn down by the poller when close events come back; at
	// release time the service is already unaddressable
}

func (g *Gate) handle(ctx *hive.Context, msg *hive.Message) error {
	switch msg.Proto {
	case hive.ProtoText:
		return g.control(string(msg.Data))
	case hive.ProtoSocket:
		sm, _ := msg.Obj.(*hive.SocketMessage)
		if sm == nil {
			return nil
		}
		return g.socketEvent(sm)
	case hive.ProtoTimer:
		if msg.Session == g.idleSess {
			g.scanIdle()
			g.idleSess = ctx.Timeout(idleScanTicks, 0)
		}
		return nil
	}
	return nil
}

// control handles text commands from the creating service.
func (g *Gate) control(cmd string) error {
	fields := strings.Fields(cmd)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "kick":
		if len(fields) < 2 {
			return fmt.Errorf("gate: kick needs an id")
		}
		id, _ := strconv.Atoi(fields[1])
		g.kick(int32(id))
	case "forward":
		if len(fields) < 4 {
			return fmt.Errorf("gate: forward needs id, agent, client")
		}
		id, _ := strconv.Atoi(fields[1])
		c, ok := g.conns[int32(id)]
		if !ok {
			return fmt.Errorf("gate: forward to unknown connection %d", id)
		}
		c.agent = g.ctx.Node().Resolve(fields[2])
		c.client = g.ctx.Node().Resolve(fields[3])
		g.start(c)
	case "broker":
		if len(fields) < 2 {
			return fmt.Errorf("gate: broker needs a name")
		}
		g.broker = g.ctx.Node().Resolve(fields[1])
	case "start":
		if len(fields) < 2 {
			return fmt.Errorf("gate: start needs an id")
		}
		id, _ := strconv.Atoi(fields[1])
		if c, ok := g.conns[int32(id)]; ok {
			g.start(c)
		}
	case "close":
		if !g.closed {
			g.closed = true
			g.ctx.SocketClose(g.listenID)
		}
	case "idle":
		if len(fields) < 2 {
			return fmt.Errorf("gate: idle needs seconds")
		}
		sec, _ := strconv.Atoi(fields[1])
		g.idleTicks = uint64(sec) * 100
		if g.idleTicks > 0 && g.idleSess == 0 {
			g.idleSess = g.ctx.Timeout(idleScanTicks, 0)
		}
	default:
		return fmt.Errorf("gate: unknown command %q", fields[0])
	}
	return nil
}

func (g *Gate) start(c *connection) {
	if !c.started {
		c.started = true
		g.ctx.SocketStart(c.id)
	}
}

func (g *Gate) kick(id int32) {
	if c, ok := g.conns[id]; ok {
		g.ctx.SocketClose(c.id)
	}
}

func (g *Gate) socketEvent(sm *hive.SocketMessage) error {
	switch sm.Type {
	case hive.SocketAccept:
		id := int32(sm.UD)
		g.conns[id] = &connection{id: id, addr: sm.Addr, lastSeen: g.ctx.Now()}
		g.report("open %d %s", id, sm.Addr)
	case hive.SocketData:
		c, ok := g.conns[sm.ID]
		if !ok {
			return nil
		}
		c.lastSeen = g.ctx.Now()
		c.buffer = append(c.buffer, sm.Buffer...)
		g.dispatchFrames(c)
	case hive.SocketClose:
		if _, ok := g.conns[sm.ID]; ok {
			delete(g.conns, sm.ID)
			g.report("close %d", sm.ID)
		}
	case hive.SocketError:
		if sm.ID == g.listenID {
			g.report("error listen %s", sm.Addr)
			return nil
		}
		if _, ok := g.conns[sm.ID]; ok {
			delete(g.conns, sm.ID)
			g.report("error %d %s", sm.ID, sm.Addr)
		}
	case hive.SocketWarning:
		g.report("warning %d %d", sm.ID, sm.UD)
	}
	return nil
}

// dispatchFrames cuts complete length-prefixed frames out of the buffer.
func (g *Gate) dispatchFrames(c *connection) {
	frames, rest := splitFrames(c.buffer, g.headerSize)
	c.buffer = rest
	for _, frame := range frames {
		g.forward(c, frame)
	}
}

// splitFrames cuts every complete big-endian length-prefixed frame off the
// front of buffer and returns the unconsumed remainder.
func splitFrames(buffer []byte, headerSize int) ([][]byte, []byte) {
	var frames [][]byte
	for {
		if len(buffer) < headerSize {
			return frames, buffer
		}
		var size int
		if headerSize == 2 {
			size = int(binary.BigEndian.Uint16(buffer))
		} else {
			size = int(binary.BigEndian.Uint32(buffer))
		}
		if len(buffer) < headerSize+size {
			return frames, buffer
		}
		frame := make([]byte, size)
		copy(frame, buffer[headerSize:headerSize+size])
		frames = append(frames, frame)
		buffer = buffer[headerSize+size:]
	}
}

func (g *Gate) forward(c *connection, frame []byte) {
	switch {
	case c.agent != 0:
		// traffic flows to the agent under the client's identity
		_ = g.ctx.Redirect(c.agent, c.client, hive.ProtoClient, int32(c.id), frame)
	case g.broker != 0:
		_, _ = g.ctx.Send(g.broker, hive.ProtoClient, hive.DontCopy, int32(c.id), frame)
	case g.watchdog != 0:
		_, _ = g.ctx.Send(g.watchdog, hive.ProtoClient, hive.DontCopy, int32(c.id), frame)
	}
}

// report sends one text line to the watchdog.
func (g *Gate) report(format string, args ...any) {
	if g.watchdog == 0 {
		return
	}
	_, _ = g.ctx.Send(g.watchdog, hive.ProtoText, hive.DontCopy, 0, []byte(fmt.Sprintf(format, args...)))
}

// scanIdle kicks connections quiet for longer than the idle window.
func (g *Gate) scanIdle() {
	if g.idleTicks == 0 {
		return
	}
	now := g.ctx.Now()
	for _, c := range g.conns {
		if c.started && now-c.lastSeen > g.idleTicks {
			g.report("idle %d %s", c.id, c.addr)
			g.ctx.SocketClose(c.id)
		}
	}
}
