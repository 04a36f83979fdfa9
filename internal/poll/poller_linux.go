//go:build linux

package poll

import (
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-hive/internal/handle"
	"github.com/ehrlich-b/go-hive/internal/logging"
)

type socketType int8

const (
	typeInvalid socketType = iota
	typeReserved
	typePListen // listening fd exists, not yet armed
	typeListen
	typeConnecting
	typeConnected
	typePAccept // accepted, waiting for the owner to start it
	typeHalfCloseRead
	typeClosing // graceful close, draining writes
	typeBind
	typeUDP
)

// sendBuffer is one queued write. UDP buffers carry their destination.
type sendBuffer struct {
	data []byte
	off  int
	to   unix.Sockaddr
}

type socket struct {
	mu    sync.Mutex
	id    int32
	fd    int
	owner handle.Handle
	typ   socketType

	udpPeer unix.Sockaddr

	high   []*sendBuffer
	low    []*sendBuffer
	wbSize int64
	warn   int64

	reading bool
	writing bool

	readSize int

	recvBytes int64
	sendBytes int64
}

func (s *socket) queuesEmpty() bool {
	return len(s.high) == 0 && len(s.low) == 0
}

// Poller is the single event loop owning all sockets in the node.
type Poller struct {
	cfg Config
	log *logging.Logger

	epfd    int
	eventFd int

	slots   [MaxSocket]socket
	allocID atomic.Int32

	ctrlMu sync.Mutex
	ctrl   []func()

	recvBytes atomic.Int64
	sendBytes atomic.Int64
	lastRecv  atomic.Int64
	lastSend  atomic.Int64

	stopped atomic.Bool
	done    chan struct{}
}

// New creates the poller and its kernel objects; the loop starts with Start.
func New(cfg Config) (*Poller, error) {
	if cfg.WarnSize == 0 {
		cfg.WarnSize = DefaultWarnSize
	}
	if cfg.HardLimit == 0 {
		cfg.HardLimit = DefaultHardLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default().WithField("component", "poll")
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &Poller{
		cfg:     cfg,
		log:     logger,
		epfd:    epfd,
		eventFd: efd,
		done:    make(chan struct{}),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: -1}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, efd, &ev); err != nil {
		unix.Close(efd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl eventfd: %w", err)
	}
	for i := range p.slots {
		p.slots[i].fd = -1
	}
	return p, nil
}

// Start launches the poller thread.
func (p *Poller) Start() {
	go p.loop()
}

// Exit closes every socket and stops the loop.
func (p *Poller) Exit() {
	p.post(func() {
		for i := range p.slots {
			s := &p.slots[i]
			if s.typ != typeInvalid && s.typ != typeReserved {
				p.forceClose(s, false)
			}
		}
		p.stopped.Store(true)
	})
	<-p.done
	unix.Close(p.eventFd)
	unix.Close(p.epfd)
}

// post queues fn for the poller thread and kicks the eventfd.
func (p *Poller) post(fn func()) {
	p.ctrlMu.Lock()
	p.ctrl = append(p.ctrl, fn)
	p.ctrlMu.Unlock()
	var one [8]byte
	one[0] = 1 // eventfd counter is host-endian
	_, _ = unix.Write(p.eventFd, one[:])
}

func (p *Poller) runCtrl() {
	var buf [8]byte
	_, _ = unix.Read(p.eventFd, buf[:])
	for {
		p.ctrlMu.Lock()
		if len(p.ctrl) == 0 {
			p.ctrlMu.Unlock()
			return
		}
		fn := p.ctrl[0]
		p.ctrl = p.ctrl[1:]
		p.ctrlMu.Unlock()
		fn()
	}
}

func (p *Poller) loop() {
	// One OS thread owns the epoll set for its whole life.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(p.done)

	events := make([]unix.EpollEvent, 64)
	for !p.stopped.Load() {
		n, err := unix.EpollWait(p.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			p.log.Error("epoll_wait failed", "error", err)
			return
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if ev.Fd == -1 {
				p.runCtrl()
				continue
			}
			s := p.slot(ev.Fd)
			if s == nil {
				continue
			}
			if ev.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				p.handleError(s)
				continue
			}
			if ev.Events&unix.EPOLLIN != 0 {
				p.handleReadable(s)
				if s.typ == typeInvalid {
					continue
				}
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				p.handleWritable(s)
			}
		}
	}
}

// slot resolves an id to its live socket, rejecting stale ids from reused
// slots.
func (p *Poller) slot(id int32) *socket {
	s := &p.slots[uint32(id)&(MaxSocket-1)]
	if s.id != id || s.typ == typeInvalid || s.typ == typeReserved {
		return nil
	}
	return s
}

// reserve claims a free slot and returns its fresh id, or -1 when the table
// is full. Reuse of a slot always yields a different id (the id advances by
// the table size), so late messages for a dead socket never alias a new one.
func (p *Poller) reserve(owner handle.Handle) int32 {
	for i := 0; i < MaxSocket; i++ {
		id := p.allocID.Add(1)
		if id < 0 {
			// 31-bit wrap; skip the negative range
			p.allocID.CompareAndSwap(id, id&0x7fffffff)
			continue
		}
		s := &p.slots[uint32(id)&(MaxSocket-1)]
		s.mu.Lock()
		if s.typ == typeInvalid {
			s.typ = typeReserved
			s.id = id
			s.fd = -1
			s.owner = owner
			s.high = nil
			s.low = nil
			s.wbSize = 0
			s.warn = p.cfg.WarnSize
			s.reading = false
			s.writing = false
			s.readSize = MinReadBuffer
			s.recvBytes = 0
			s.sendBytes = 0
			s.udpPeer = nil
			s.mu.Unlock()
			return id
		}
		s.mu.Unlock()
	}
	return -1
}

func (p *Poller) emit(ev Event) {
	if p.cfg.Emit != nil {
		p.cfg.Emit(ev)
	}
}

// interest pushes the reading/writing flags into the epoll set.
func (p *Poller) interest(s *socket) {
	var evs uint32
	if s.reading {
		evs |= unix.EPOLLIN
	}
	if s.writing {
		evs |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: evs, Fd: s.id}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, s.fd, &ev); err != nil {
		p.log.Error("epoll_ctl mod failed", "id", s.id, "error", err)
	}
}

func (p *Poller) register(s *socket) error {
	var evs uint32
	if s.reading {
		evs |= unix.EPOLLIN
	}
	if s.writing {
		evs |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: evs, Fd: s.id}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, s.fd, &ev)
}

// forceClose tears a socket down immediately. Runs on the poller thread (or
// during Exit). When emitClose is set the owner receives the terminal Close.
func (p *Poller) forceClose(s *socket, emitClose bool) {
	s.mu.Lock()
	id, owner := s.id, s.owner
	if s.fd >= 0 && s.typ != typeReserved {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, s.fd, nil)
		_ = unix.Close(s.fd)
	}
	s.fd = -1
	s.high = nil
	s.low = nil
	s.wbSize = 0
	s.typ = typeInvalid
	s.mu.Unlock()
	if emitClose {
		p.emit(Event{Kind: EventClose, ID: id, Owner: owner})
	}
}

// ---- service-facing operations ----

// Listen opens a listening socket. The fd is created on the calling thread
// so configuration errors surface synchronously; the socket stays idle until
// the owner calls StartIO.
func (p *Poller) Listen(owner handle.Handle, host string, port int, backlog int) (int32, error) {
	fd, err := listenFD(host, port, backlog)
	if err != nil {
		return -1, err
	}
	id := p.reserve(owner)
	if id < 0 {
		unix.Close(fd)
		return -1, fmt.Errorf("socket table full")
	}
	p.post(func() {
		s := &p.slots[uint32(id)&(MaxSocket-1)]
		s.fd = fd
		s.typ = typePListen
	})
	return id, nil
}

func listenFD(host string, port int, backlog int) (int, error) {
	if backlog <= 0 {
		backlog = 128
	}
	sa, family, err := resolveSockaddr(host, port)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s:%d: %w", host, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s:%d: %w", host, port, err)
	}
	return fd, nil
}

// Connect starts a non-blocking connect; completion arrives as an
// EventConnect or EventError.
func (p *Poller) Connect(owner handle.Handle, host string, port int) (int32, error) {
	sa, family, err := resolveSockaddr(host, port)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	cerr := unix.Connect(fd, sa)
	if cerr != nil && cerr != unix.EINPROGRESS {
		unix.Close(fd)
		return -1, fmt.Errorf("connect %s:%d: %w", host, port, cerr)
	}
	id := p.reserve(owner)
	if id < 0 {
		unix.Close(fd)
		return -1, fmt.Errorf("socket table full")
	}
	addr := fmt.Sprintf("%s:%d", host, port)
	p.post(func() {
		s := &p.slots[uint32(id)&(MaxSocket-1)]
		s.fd = fd
		if cerr == unix.EINPROGRESS {
			s.typ = typeConnecting
			s.writing = true
			if err := p.register(s); err != nil {
				p.closeWithError(s, fmt.Sprintf("register: %v", err))
			}
			return
		}
		s.typ = typeConnected
		if err := p.register(s); err != nil {
			p.closeWithError(s, fmt.Sprintf("register: %v", err))
			return
		}
		p.emit(Event{Kind: EventConnect, ID: id, Owner: s.owner, Addr: addr})
	})
	return id, nil
}

// Bind wraps an existing descriptor (stdin and the like) as a socket.
func (p *Poller) Bind(owner handle.Handle, fd int) (int32, error) {
	id := p.reserve(owner)
	if id < 0 {
		return -1, fmt.Errorf("socket table full")
	}
	_ = unix.SetNonblock(fd, true)
	p.post(func() {
		s := &p.slots[uint32(id)&(MaxSocket-1)]
		s.fd = fd
		s.typ = typeBind
		s.reading = true
		if err := p.register(s); err != nil {
			p.closeWithError(s, fmt.Sprintf("register: %v", err))
			return
		}
		p.emit(Event{Kind: EventConnect, ID: id, Owner: s.owner, Addr: "binding"})
	})
	return id, nil
}

// StartIO arms a socket for read events. For freshly listened or accepted
// sockets this is the moment they go live; for a paused socket it resumes
// reads. The caller becomes the owner, which is how the gate hands accepted
// connections to agents.
func (p *Poller) StartIO(owner handle.Handle, id int32) {
	p.post(func() {
		s := p.slot(id)
		if s == nil {
			p.emit(Event{Kind: EventError, ID: id, Owner: owner, Addr: "invalid socket"})
			return
		}
		s.owner = owner
		switch s.typ {
		case typePListen:
			s.typ = typeListen
			s.reading = true
			if err := p.register(s); err != nil {
				p.closeWithError(s, fmt.Sprintf("register: %v", err))
				return
			}
			p.emit(Event{Kind: EventConnect, ID: id, Owner: owner, Addr: "listen"})
		case typePAccept:
			s.typ = typeConnected
			s.reading = true
			if err := p.register(s); err != nil {
				p.closeWithError(s, fmt.Sprintf("register: %v", err))
				return
			}
			p.emit(Event{Kind: EventConnect, ID: id, Owner: owner, Addr: "start"})
		case typeConnected, typeBind:
			if !s.reading {
				s.reading = true
				p.interest(s)
			}
			p.emit(Event{Kind: EventConnect, ID: id, Owner: owner, Addr: "resume"})
		default:
			p.emit(Event{Kind: EventError, ID: id, Owner: owner, Addr: "cannot start socket"})
		}
	})
}

// Pause stops read events without touching the write side, the backpressure
// hook for flooded services.
func (p *Poller) Pause(owner handle.Handle, id int32) {
	p.post(func() {
		s := p.slot(id)
		if s == nil {
			return
		}
		if s.reading {
			s.reading = false
			p.interest(s)
		}
	})
}

// Close begins an orderly close: pending writes drain, reads stop, then the
// owner receives EventClose.
func (p *Poller) Close(owner handle.Handle, id int32) {
	p.post(func() {
		s := p.slot(id)
		if s == nil {
			p.emit(Event{Kind: EventClose, ID: id, Owner: owner})
			return
		}
		s.mu.Lock()
		empty := s.queuesEmpty()
		s.mu.Unlock()
		if empty || s.typ == typeListen || s.typ == typePListen || s.typ == typePAccept {
			p.forceClose(s, true)
			return
		}
		s.typ = typeClosing
		if s.reading {
			s.reading = false
			p.interest(s)
		}
	})
}

// Shutdown closes immediately, abandoning queued writes.
func (p *Poller) Shutdown(owner handle.Handle, id int32) {
	p.post(func() {
		s := p.slot(id)
		if s == nil {
			p.emit(Event{Kind: EventClose, ID: id, Owner: owner})
			return
		}
		p.forceClose(s, true)
	})
}

// Nodelay sets TCP_NODELAY on a stream socket.
func (p *Poller) Nodelay(id int32) {
	p.post(func() {
		s := p.slot(id)
		if s != nil && s.fd >= 0 {
			_ = unix.SetsockoptInt(s.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		}
	})
}

// Send queues data on the high-priority queue. When the socket is idle the
// write happens directly on the calling thread and only the unwritten
// remainder is queued.
func (p *Poller) Send(id int32, data []byte) error {
	return p.send(id, data, false)
}

// SendLow queues data on the low-priority queue; it drains only when the
// high queue is empty.
func (p *Poller) SendLow(id int32, data []byte) error {
	return p.send(id, data, true)
}

func (p *Poller) send(id int32, data []byte, low bool) error {
	if len(data) == 0 {
		return nil
	}
	s := p.slot(id)
	if s == nil {
		return fmt.Errorf("send to invalid socket %d", id)
	}
	s.mu.Lock()
	switch s.typ {
	case typeConnected, typeBind:
	case typeUDP:
		return p.udpSendLocked(s, s.udpPeer, data)
	default:
		s.mu.Unlock()
		return fmt.Errorf("send to socket %d in wrong state", id)
	}

	// direct-write fast path
	if s.queuesEmpty() && !low {
		n, err := unix.Write(s.fd, data)
		if n == len(data) {
			s.sendBytes += int64(n)
			s.mu.Unlock()
			p.noteSend(n)
			return nil
		}
		if n < 0 {
			n = 0
		}
		if err != nil && err != unix.EAGAIN && err != unix.EINTR {
			s.mu.Unlock()
			p.post(func() {
				if live := p.slot(id); live != nil {
					p.closeWithError(live, fmt.Sprintf("write: %v", err))
				}
			})
			return fmt.Errorf("write socket %d: %w", id, err)
		}
		if n > 0 {
			s.sendBytes += int64(n)
			p.noteSend(n)
			data = data[n:]
		}
	}

	buf := &sendBuffer{data: data}
	if low {
		s.low = append(s.low, buf)
	} else {
		s.high = append(s.high, buf)
	}
	s.wbSize += int64(len(data))
	wb := s.wbSize
	warned := false
	if wb > s.warn {
		s.warn *= 2
		warned = true
	}
	owner := s.owner
	s.mu.Unlock()

	if p.cfg.HardLimit > 0 && wb > p.cfg.HardLimit {
		p.post(func() {
			if live := p.slot(id); live != nil {
				p.closeWithError(live, "send buffer overflow")
			}
		})
		return fmt.Errorf("socket %d send buffer overflow", id)
	}
	if warned {
		p.emit(Event{Kind: EventWarning, ID: id, Owner: owner, UD: int(wb / 1024)})
	}
	p.post(func() {
		if live := p.slot(id); live != nil && !live.writing {
			live.writing = true
			p.interest(live)
		}
	})
	return nil
}

// ---- UDP ----

// UDPSocket opens a datagram socket bound to host:port (port 0 for an
// ephemeral sender). UDP sockets go live immediately.
func (p *Poller) UDPSocket(owner handle.Handle, host string, port int) (int32, error) {
	sa, family, err := resolveSockaddr(host, port)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(family, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s:%d: %w", host, port, err)
	}
	id := p.reserve(owner)
	if id < 0 {
		unix.Close(fd)
		return -1, fmt.Errorf("socket table full")
	}
	p.post(func() {
		s := &p.slots[uint32(id)&(MaxSocket-1)]
		s.fd = fd
		s.typ = typeUDP
		s.reading = true
		if err := p.register(s); err != nil {
			p.closeWithError(s, fmt.Sprintf("register: %v", err))
		}
	})
	return id, nil
}

// UDPConnect fixes the default peer for Send on a UDP socket.
func (p *Poller) UDPConnect(id int32, host string, port int) error {
	sa, _, err := resolveSockaddr(host, port)
	if err != nil {
		return err
	}
	p.post(func() {
		s := p.slot(id)
		if s != nil && s.typ == typeUDP {
			s.mu.Lock()
			s.udpPeer = sa
			s.mu.Unlock()
		}
	})
	return nil
}

// UDPSend transmits one datagram to addr ("ip:port"), or to the connected
// peer when addr is empty.
func (p *Poller) UDPSend(id int32, addr string, data []byte) error {
	s := p.slot(id)
	if s == nil || s.typ != typeUDP {
		return fmt.Errorf("udp send to invalid socket %d", id)
	}
	var to unix.Sockaddr
	if addr != "" {
		host, port, err := splitAddr(addr)
		if err != nil {
			return err
		}
		to, _, err = resolveSockaddr(host, port)
		if err != nil {
			return err
		}
	}
	s.mu.Lock()
	if to == nil {
		to = s.udpPeer
	}
	return p.udpSendLocked(s, to, data)
}

// udpSendLocked sends or queues one datagram. Caller holds s.mu; the lock is
// released here on every path.
func (p *Poller) udpSendLocked(s *socket, to unix.Sockaddr, data []byte) error {
	if to == nil {
		s.mu.Unlock()
		return fmt.Errorf("udp socket %d has no peer", s.id)
	}
	if s.queuesEmpty() {
		err := unix.Sendto(s.fd, data, 0, to)
		if err == nil {
			s.sendBytes += int64(len(data))
			s.mu.Unlock()
			p.noteSend(len(data))
			return nil
		}
		if err != unix.EAGAIN && err != unix.EINTR {
			s.mu.Unlock()
			return fmt.Errorf("sendto socket %d: %w", s.id, err)
		}
	}
	s.high = append(s.high, &sendBuffer{data: data, to: to})
	s.wbSize += int64(len(data))
	id := s.id
	s.mu.Unlock()
	p.post(func() {
		if live := p.slot(id); live != nil && !live.writing {
			live.writing = true
			p.interest(live)
		}
	})
	return nil
}

// ---- poller-thread event handlers ----

func (p *Poller) handleReadable(s *socket) {
	switch s.typ {
	case typeListen:
		p.handleAccept(s)
	case typeUDP:
		p.handleUDPRead(s)
	case typeClosing:
		// reads after close are discarded
		var drain [4096]byte
		_, _ = unix.Read(s.fd, drain[:])
	case typeConnected, typeBind, typeHalfCloseRead:
		p.handleStreamRead(s)
	}
}

func (p *Poller) handleAccept(s *socket) {
	nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		p.emit(Event{Kind: EventError, ID: s.id, Owner: s.owner, Addr: fmt.Sprintf("accept: %v", err)})
		return
	}
	id := p.reserve(s.owner)
	if id < 0 {
		unix.Close(nfd)
		p.emit(Event{Kind: EventError, ID: s.id, Owner: s.owner, Addr: "reach socket number limit"})
		return
	}
	_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	ns := &p.slots[uint32(id)&(MaxSocket-1)]
	ns.fd = nfd
	ns.typ = typePAccept
	p.emit(Event{Kind: EventAccept, ID: s.id, Owner: s.owner, UD: int(id), Addr: sockaddrString(sa)})
}

func (p *Poller) handleStreamRead(s *socket) {
	if s.typ == typeHalfCloseRead {
		return
	}
	sz := s.readSize
	buf := make([]byte, sz)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		p.closeWithError(s, fmt.Sprintf("read: %v", err))
		return
	}
	if n == 0 {
		// EOF: flush what we owe, then close
		s.mu.Lock()
		empty := s.queuesEmpty()
		s.mu.Unlock()
		if empty {
			p.forceClose(s, true)
			return
		}
		s.typ = typeHalfCloseRead
		s.reading = false
		p.interest(s)
		return
	}
	// adapt the buffer to the observed chunk size
	if n == sz {
		s.readSize = sz * 2
	} else if sz > MinReadBuffer && n*2 < sz {
		s.readSize = sz / 2
	}
	s.recvBytes += int64(n)
	p.noteRecv(n)
	p.emit(Event{Kind: EventData, ID: s.id, Owner: s.owner, Data: buf[:n], UD: n})
}

func (p *Poller) handleUDPRead(s *socket) {
	buf := make([]byte, 65535)
	n, sa, err := unix.Recvfrom(s.fd, buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return
		}
		p.closeWithError(s, fmt.Sprintf("recvfrom: %v", err))
		return
	}
	s.recvBytes += int64(n)
	p.noteRecv(n)
	p.emit(Event{Kind: EventUDP, ID: s.id, Owner: s.owner, Data: buf[:n], UD: n, Addr: sockaddrString(sa)})
}

func (p *Poller) handleWritable(s *socket) {
	if s.typ == typeConnecting {
		p.finishConnect(s)
		return
	}
	s.mu.Lock()
	for {
		q := &s.high
		if len(s.low) > 0 && s.low[0].off > 0 {
			// a partially written low buffer must finish before anything
			// else, or the peer sees interleaved frames
			q = &s.low
		} else if len(*q) == 0 {
			q = &s.low
		}
		if len(*q) == 0 {
			break
		}
		b := (*q)[0]
		var n int
		var err error
		if s.typ == typeUDP {
			err = unix.Sendto(s.fd, b.data[b.off:], 0, b.to)
			if err == nil {
				n = len(b.data) - b.off
			}
		} else {
			n, err = unix.Write(s.fd, b.data[b.off:])
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				break
			}
			s.mu.Unlock()
			p.closeWithError(s, fmt.Sprintf("write: %v", err))
			return
		}
		b.off += n
		s.wbSize -= int64(n)
		s.sendBytes += int64(n)
		p.noteSend(n)
		if b.off < len(b.data) {
			break
		}
		*q = (*q)[1:]
	}
	drained := s.queuesEmpty()
	s.mu.Unlock()

	if drained {
		closing := s.typ == typeClosing || s.typ == typeHalfCloseRead
		if closing {
			p.forceClose(s, true)
			return
		}
		if s.writing {
			s.writing = false
			p.interest(s)
		}
	}
}

func (p *Poller) finishConnect(s *socket) {
	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || soerr != 0 {
		msg := "connect failed"
		if soerr != 0 {
			msg = fmt.Sprintf("connect: %v", unix.Errno(soerr))
		}
		p.closeWithError(s, msg)
		return
	}
	s.typ = typeConnected
	s.mu.Lock()
	keepWriting := !s.queuesEmpty()
	s.mu.Unlock()
	if !keepWriting {
		s.writing = false
		p.interest(s)
	}
	addr := localPeer(s.fd)
	p.emit(Event{Kind: EventConnect, ID: s.id, Owner: s.owner, Addr: addr})
}

func (p *Poller) handleError(s *socket) {
	if s.typ == typeConnecting {
		p.finishConnect(s)
		return
	}
	p.closeWithError(s, "socket hup")
}

// closeWithError tears the socket down and reports EventError to the owner.
func (p *Poller) closeWithError(s *socket, msg string) {
	id, owner := s.id, s.owner
	p.forceClose(s, false)
	p.emit(Event{Kind: EventError, ID: id, Owner: owner, Addr: msg})
}

// ---- statistics ----

func (p *Poller) noteRecv(n int) {
	p.recvBytes.Add(int64(n))
	p.lastRecv.Store(time.Now().UnixNano())
}

func (p *Poller) noteSend(n int) {
	p.sendBytes.Add(int64(n))
	p.lastSend.Store(time.Now().UnixNano())
}

// Stats returns the node-wide I/O counters.
func (p *Poller) Stats() Stat {
	return Stat{
		RecvBytes: p.recvBytes.Load(),
		SendBytes: p.sendBytes.Load(),
		LastRecv:  time.Unix(0, p.lastRecv.Load()),
		LastSend:  time.Unix(0, p.lastSend.Load()),
	}
}

// ---- address helpers ----

func resolveSockaddr(host string, port int) (unix.Sockaddr, int, error) {
	if host == "" {
		host = "0.0.0.0"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		ips, err := net.LookupIP(host)
		if err != nil || len(ips) == 0 {
			return nil, 0, fmt.Errorf("resolve %s: %v", host, err)
		}
		ip = ips[0]
	}
	if v4 := ip.To4(); v4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], v4)
		return sa, unix.AF_INET, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, unix.AF_INET6, nil
}

func splitAddr(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("bad address %q: %w", addr, err)
	}
	port, err := net.LookupPort("udp", portStr)
	if err != nil {
		return "", 0, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	return host, port, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]).String(), a.Port)
	}
	return ""
}

func localPeer(fd int) string {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return ""
	}
	return sockaddrString(sa)
}
