package hive

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-hive/internal/mq"
)

// Handler consumes one message. It runs with the service's execution token
// held, so a service never sees two invocations at once. A returned error is
// logged; the service keeps running (a faulting handler is the service's
// problem, not the node's).
type Handler func(ctx *Context, msg *Message) error

// Service is one registry record: an addressable unit of state with a
// mailbox and a handler.
type Service struct {
	node       *Node
	handle     Handle
	queue      *mq.Queue
	moduleName string
	instance   Instance
	ctx        *Context

	callback atomic.Value // Handler

	sessionID atomic.Int32
	initDone  atomic.Bool
	dead      atomic.Bool
	finalized atomic.Bool
	token     atomic.Int32 // execution lock: 0 free, 1 held by a worker

	cpuNS        atomic.Int64
	messageCount atomic.Int64
	endless      atomic.Bool
	profile      bool

	logMu   sync.Mutex
	logFile *os.File
}

// Handle returns the service's address.
func (s *Service) Handle() Handle { return s.handle }

// newSession allocates the next 31-bit session id, wrapping past zero.
func (s *Service) newSession() int32 {
	for {
		v := s.sessionID.Add(1)
		if v > 0 {
			return v
		}
		// wrapped: push the counter back to zero and retry
		s.sessionID.CompareAndSwap(v, 0)
	}
}

func (s *Service) handler() Handler {
	h, _ := s.callback.Load().(Handler)
	return h
}

// acquire takes the execution token; at most one worker holds it.
func (s *Service) acquire() bool {
	return s.token.CompareAndSwap(0, 1)
}

func (s *Service) release() {
	s.token.Store(0)
}

// openLog starts the per-service message tap (LOGON).
func (s *Service) openLog(dir string) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.logFile != nil {
		return nil
	}
	path := fmt.Sprintf("%s/%08x.log", dir, uint32(s.handle))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	s.logFile = f
	return nil
}

// closeLog stops the message tap (LOGOFF).
func (s *Service) closeLog() {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.logFile != nil {
		_ = s.logFile.Close()
		s.logFile = nil
	}
}

// tapMessage appends one dispatched message to the tap file, if open.
func (s *Service) tapMessage(msg *Message) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	if s.logFile == nil {
		return
	}
	fmt.Fprintf(s.logFile, ":%08x %d %d %q\n", uint32(msg.Source), msg.Proto, msg.Session, msg.Data)
}

// Context is the API surface a service uses while handling a message. One
// Context exists per service; it is safe to retain.
type Context struct {
	svc  *Service
	node *Node
}

// Handle returns the owning service's address.
func (c *Context) Handle() Handle { return c.svc.handle }

// Node returns the runtime this service runs in.
func (c *Context) Node() *Node { return c.node }

// SetCallback installs the message handler. Modules call this from Init.
func (c *Context) SetCallback(h Handler) {
	c.svc.callback.Store(h)
}

// NewSession allocates a fresh session id for request/response matching.
func (c *Context) NewSession() int32 {
	return c.svc.newSession()
}

// Send delivers data to dest. With AllocSession set the runtime assigns the
// session and returns it; otherwise the given session is used (0 for
// fire-and-forget).
func (c *Context) Send(dest Handle, proto int32, flags SendFlags, session int32, data []byte) (int32, error) {
	return c.node.send(c.svc, c.svc.handle, dest, proto, flags, session, data, nil)
}

// SendName is Send with a name or ":hex" address in place of a handle.
func (c *Context) SendName(name string, proto int32, flags SendFlags, session int32, data []byte) (int32, error) {
	dest := c.node.resolveName(name)
	if dest == 0 {
		return 0, NewError("send", ErrServiceNotFound, name)
	}
	return c.Send(dest, proto, flags, session, data)
}

// Redirect sends on behalf of another source address; the gate uses this to
// hand client traffic to agents under the client's identity.
func (c *Context) Redirect(dest, source Handle, proto int32, session int32, data []byte) error {
	_, err := c.node.send(c.svc, source, dest, proto, 0, session, data, nil)
	return err
}

// Command invokes a synchronous runtime operation by name (see command.go
// for the table). It executes inline on the calling worker.
func (c *Context) Command(name, param string) (string, error) {
	return c.node.command(c.svc, name, param)
}

// Timeout schedules a TIMER message to self after ticks. Session 0 asks the
// runtime for a fresh session, which is returned either way.
func (c *Context) Timeout(ticks int, session int32) int32 {
	if session <= 0 {
		session = c.svc.newSession()
	}
	c.node.timeout(c.svc.handle, ticks, session)
	return session
}

// Now returns ticks elapsed since node start.
func (c *Context) Now() uint64 { return c.node.timer.Now() }

// StartTime returns the node's boot wall-clock in seconds.
func (c *Context) StartTime() int64 { return c.node.timer.StartTime() }

// Hpc returns a high-precision monotonic reading in nanoseconds.
func (c *Context) Hpc() int64 { return int64(time.Since(c.node.bootTime)) }

// GetEnv reads a node configuration value.
func (c *Context) GetEnv(key string) string { return c.node.env.Get(key) }

// SetEnv writes a node configuration value.
func (c *Context) SetEnv(key, value string) { c.node.env.Set(key, value) }

// Log formats a line and sends it as a TEXT message to the logger service.
// Before the logger is up, lines fall back to the bootstrap logger.
func (c *Context) Log(format string, args ...any) {
	c.node.serviceLog(c.svc.handle, fmt.Sprintf(format, args...))
}

// Exit retires the calling service once the current message completes.
func (c *Context) Exit() {
	c.node.retire(c.svc.handle)
}

// ---- socket operations (owner = this service) ----

// Listen opens a listening TCP socket; it stays idle until SocketStart.
func (c *Context) Listen(host string, port, backlog int) (int32, error) {
	return c.node.poller.Listen(c.svc.handle, host, port, backlog)
}

// Connect begins a non-blocking TCP connect; completion arrives as a
// ProtoSocket message.
func (c *Context) Connect(host string, port int) (int32, error) {
	return c.node.poller.Connect(c.svc.handle, host, port)
}

// SocketBind wraps an existing file descriptor as a socket.
func (c *Context) SocketBind(fd int) (int32, error) {
	return c.node.poller.Bind(c.svc.handle, fd)
}

// SocketStart arms a socket for reading and takes ownership of it.
func (c *Context) SocketStart(id int32) {
	c.node.poller.StartIO(c.svc.handle, id)
}

// SocketPause suspends read events; SocketStart resumes them.
func (c *Context) SocketPause(id int32) {
	c.node.poller.Pause(c.svc.handle, id)
}

// SocketClose drains pending writes then closes.
func (c *Context) SocketClose(id int32) {
	c.node.poller.Close(c.svc.handle, id)
}

// SocketShutdown closes immediately, discarding queued writes.
func (c *Context) SocketShutdown(id int32) {
	c.node.poller.Shutdown(c.svc.handle, id)
}

// SocketSend queues data at high priority.
func (c *Context) SocketSend(id int32, data []byte) error {
	return c.node.poller.Send(id, data)
}

// SocketSendLow queues data at low priority.
func (c *Context) SocketSendLow(id int32, data []byte) error {
	return c.node.poller.SendLow(id, data)
}

// SocketNodelay sets TCP_NODELAY.
func (c *Context) SocketNodelay(id int32) {
	c.node.poller.Nodelay(id)
}

// UDPSocket opens a datagram socket.
func (c *Context) UDPSocket(host string, port int) (int32, error) {
	return c.node.poller.UDPSocket(c.svc.handle, host, port)
}

// UDPConnect fixes the default peer of a UDP socket.
func (c *Context) UDPConnect(id int32, host string, port int) error {
	return c.node.poller.UDPConnect(id, host, port)
}

// UDPSend transmits one datagram to addr, or the connected peer when addr is
// empty.
func (c *Context) UDPSend(id int32, addr string, data []byte) error {
	return c.node.poller.UDPSend(id, addr, data)
}
