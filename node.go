// Package hive is a single-process actor runtime: thousands of lightweight,
// independently-addressable services exchange typed messages over an
// in-process bus, multiplexed onto a small pool of worker threads.
//
// Every unit of concurrent state is a service and every interaction is a
// message. The timer wheel and the socket poller run on dedicated threads
// and synthesize messages into mailboxes exactly like services do.
package hive

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-hive/internal/env"
	"github.com/ehrlich-b/go-hive/internal/handle"
	"github.com/ehrlich-b/go-hive/internal/logging"
	"github.com/ehrlich-b/go-hive/internal/mq"
	"github.com/ehrlich-b/go-hive/internal/poll"
	"github.com/ehrlich-b/go-hive/internal/timer"
)

// Config parameterizes a node.
type Config struct {
	// Workers is the worker thread count; 0 selects DefaultWorkers.
	Workers int
	// NodeID is the 8-bit node prefix (the harbor id); 0 means standalone.
	NodeID uint8
	// Profile enables per-service cpu accounting.
	Profile bool
	// Env is the seeded configuration store; nil starts empty.
	Env *env.Store
	// Logger is the bootstrap logger; nil selects logging.Default().
	Logger *logging.Logger
	// Tick overrides the timer precision; 0 selects TickDuration.
	Tick time.Duration
	// ServiceLogDir receives per-service message tap files (LOGON).
	ServiceLogDir string
	// SocketWarnSize / SocketHardLimit tune write-queue thresholds; zero
	// selects the poll package defaults.
	SocketWarnSize  int64
	SocketHardLimit int64
	// Observer taps runtime events for tests and metrics; nil is allowed.
	Observer Observer
}

// Node is one running instance of the runtime.
type Node struct {
	cfg      Config
	nodeID   uint8
	profile  bool
	bootTime time.Time

	storage *handle.Storage[*Service]
	global  *mq.Global
	timer   *timer.Timer
	poller  *poll.Poller
	env     *env.Store
	logger  *logging.Logger
	metrics *Metrics
	obs     Observer
	watch   *watchdog

	total         atomic.Int64  // live services
	loggerHandle  atomic.Uint32 // TEXT sink
	monitorHandle atomic.Uint32 // overload / exit monitor

	exitCode atomic.Int32
	shutdown chan struct{}
	downOnce sync.Once
	wg       sync.WaitGroup
}

// NewNode assembles a runtime. Nothing runs until Start.
func NewNode(cfg Config) (*Node, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Env == nil {
		cfg.Env = env.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.ServiceLogDir == "" {
		cfg.ServiceLogDir = "."
	}
	obs := cfg.Observer
	if obs == nil {
		obs = NoOpObserver{}
	}

	n := &Node{
		cfg:      cfg,
		nodeID:   cfg.NodeID,
		profile:  cfg.Profile,
		bootTime: time.Now(),
		storage:  handle.NewStorage[*Service](cfg.NodeID),
		global:   mq.NewGlobal(handle.Mask + 1),
		env:      cfg.Env,
		logger:   cfg.Logger,
		metrics:  NewMetrics(),
		obs:      obs,
		shutdown: make(chan struct{}),
	}
	n.watch = newWatchdog(cfg.Workers)

	n.timer = timer.New(cfg.Tick, func(owner Handle, session int32) {
		n.pushMessage(owner, Message{Proto: ProtoTimer, Session: session})
	})

	poller, err := poll.New(poll.Config{
		Emit:      n.emitSocketEvent,
		Logger:    cfg.Logger.WithField("component", "poll"),
		WarnSize:  cfg.SocketWarnSize,
		HardLimit: cfg.SocketHardLimit,
	})
	if err != nil {
		return nil, WrapError("boot", err)
	}
	n.poller = poller
	return n, nil
}

// Start launches the timer, poller, monitor, and worker threads.
func (n *Node) Start() {
	n.timer.Start()
	n.poller.Start()
	for i := 0; i < n.cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker(i)
	}
	n.wg.Add(1)
	go n.monitorLoop()
}

// Wait blocks until the node shuts down and returns the exit code.
// Shutdown happens when the last service exits or on Abort.
func (n *Node) Wait() int {
	<-n.shutdown
	n.global.Close()
	n.wg.Wait()
	n.timer.Stop()
	n.poller.Exit()
	return int(n.exitCode.Load())
}

// Abort retires every service and brings the node down.
func (n *Node) Abort() {
	for _, svc := range n.storage.RetireAll() {
		svc.dead.Store(true)
		if svc.acquire() {
			n.finalize(svc)
			svc.release()
		}
		// services mid-message finalize on their worker after the current
		// delivery completes
	}
	n.down()
}

func (n *Node) down() {
	n.downOnce.Do(func() { close(n.shutdown) })
}

// Env returns the node's configuration store.
func (n *Node) Env() *env.Store { return n.env }

// Metrics returns the node's counters.
func (n *Node) Metrics() *Metrics { return n.metrics }

// LiveServices returns the number of registered services.
func (n *Node) LiveServices() int { return int(n.total.Load()) }

// ---- launching and retiring ----

// Launch creates a service from a registered module. Init runs on the
// calling thread; messages sent to the new handle during init are buffered
// and flow once init succeeds.
func (n *Node) Launch(moduleName, args string) (Handle, error) {
	m, ok := globalModules.query(moduleName)
	if !ok {
		return 0, NewError("LAUNCH", ErrModuleNotFound, moduleName)
	}
	return n.launchInstance(moduleName, m.Create(), args)
}

// LaunchWith creates a service from an explicit instance, bypassing the
// module registry. Embedders and tests use it; LAUNCH goes through Launch.
func (n *Node) LaunchWith(inst Instance, args string) (Handle, error) {
	return n.launchInstance("<inline>", inst, args)
}

func (n *Node) launchInstance(moduleName string, inst Instance, args string) (Handle, error) {
	svc := &Service{
		node:       n,
		queue:      mq.NewQueue(),
		moduleName: moduleName,
		instance:   inst,
		profile:    n.profile,
	}
	h := n.storage.Register(svc)
	if h == 0 {
		return 0, NewError("LAUNCH", ErrHandleExhausted, moduleName)
	}
	svc.handle = h
	svc.ctx = &Context{svc: svc, node: n}
	n.total.Add(1)
	n.metrics.ServiceLaunched()

	if err := svc.instance.Init(svc.ctx, args); err != nil {
		n.logger.Error("service init failed", "module", moduleName, "args", args, "error", err)
		n.serviceLog(h, fmt.Sprintf("launch %s %s failed: %v", moduleName, args, err))
		if dead, ok := n.storage.Retire(h); ok {
			dead.dead.Store(true)
			n.finalize(dead)
		}
		return 0, &Error{Op: "LAUNCH", Handle: h, Code: ErrInitFailed, Msg: moduleName, Inner: err}
	}
	svc.initDone.Store(true)
	n.obs.ObserveLaunch(h, moduleName)
	// schedule: the mailbox was born marked in-global, so buffered messages
	// flow only now
	n.global.Push(h)
	return h, nil
}

// retire removes a service from the registry. Destruction is deferred until
// no worker is executing it; queued messages bounce errors to their senders.
func (n *Node) retire(h Handle) bool {
	svc, ok := n.storage.Retire(h)
	if !ok {
		return false
	}
	svc.dead.Store(true)
	n.notifyMonitor(fmt.Sprintf("EXIT :%08x", uint32(h)))
	// If a worker holds the token it finalizes after the current message;
	// otherwise do it here.
	if svc.acquire() {
		n.finalize(svc)
		svc.release()
	}
	return true
}

// finalize drains the mailbox and releases the instance. Runs exactly once,
// with the token held (or during Abort when workers are gone).
func (n *Node) finalize(svc *Service) {
	if !svc.finalized.CompareAndSwap(false, true) {
		return
	}
	svc.queue.DropAll(func(m Message) {
		if m.Session != 0 && m.Source != 0 && m.Proto != ProtoResponse && m.Proto != ProtoError {
			n.pushMessage(m.Source, Message{Proto: ProtoError, Session: m.Session, Source: svc.handle})
		}
	})
	svc.closeLog()
	svc.instance.Release()
	svc.instance = nil
	n.metrics.ServiceExited()
	n.obs.ObserveExit(svc.handle, svc.moduleName)
	if n.total.Add(-1) <= 0 {
		n.down()
	}
}

// ---- the message plane ----

// Send is the runtime-level entry point used by non-service producers.
// Source 0 marks the message as runtime-synthesized.
func (n *Node) Send(source, dest Handle, proto int32, session int32, data []byte) error {
	_, err := n.send(nil, source, dest, proto, 0, session, data, nil)
	return err
}

// send implements the delivery contract: session allocation, payload copy
// semantics, remote routing, and the unknown-destination error bounce.
func (n *Node) send(srcSvc *Service, source, dest Handle, proto int32, flags SendFlags, session int32, data []byte, obj any) (int32, error) {
	select {
	case <-n.shutdown:
		return 0, NewError("send", ErrNodeDown, "")
	default:
	}
	if flags&AllocSession != 0 {
		if srcSvc == nil {
			return 0, NewError("send", ErrBadParameter, "AllocSession without a sending service")
		}
		session = srcSvc.newSession()
	}
	if data != nil && flags&(DontCopy|DontFree) == 0 {
		data = append([]byte(nil), data...)
	}
	if dest == 0 {
		return session, nil // "no reply" destination swallows the message
	}

	if !dest.Local(n.nodeID) {
		return session, n.sendRemote(source, dest, proto, session, data)
	}

	svc, ok := n.storage.Get(dest)
	if !ok || svc.dead.Load() {
		n.metrics.MessageDropped()
		if session != 0 && source != 0 && proto != ProtoError {
			n.pushMessage(source, Message{Proto: ProtoError, Session: session, Source: dest})
		}
		return session, NewServiceError("send", dest, ErrServiceNotFound, "")
	}
	n.enqueue(svc, Message{Source: source, Session: session, Proto: proto, Data: data, Obj: obj})
	return session, nil
}

// sendRemote hands a message for another node to the harbor service.
func (n *Node) sendRemote(source, dest Handle, proto int32, session int32, data []byte) error {
	hh := n.resolveName(".harbor")
	if hh == 0 {
		n.logger.Error("no harbor service for remote message", "dest", fmt.Sprintf(":%08x", uint32(dest)))
		return NewServiceError("send", dest, ErrServiceNotFound, "no harbor service")
	}
	svc, ok := n.storage.Get(hh)
	if !ok {
		return NewServiceError("send", dest, ErrServiceNotFound, "no harbor service")
	}
	remote := &RemoteMessage{Destination: dest, Proto: proto, Session: session, Source: source, Data: data}
	n.enqueue(svc, Message{Source: source, Proto: ProtoHarbor, Obj: remote})
	return nil
}

// pushMessage delivers a runtime-synthesized message, dropping it silently
// when the destination is gone.
func (n *Node) pushMessage(dest Handle, msg Message) {
	svc, ok := n.storage.Get(dest)
	if !ok || svc.dead.Load() {
		n.metrics.MessageDropped()
		return
	}
	n.enqueue(svc, msg)
}

// enqueue pushes into the mailbox and maintains the run-queue invariant.
func (n *Node) enqueue(svc *Service, msg Message) {
	n.metrics.MessageSent()
	if svc.queue.Push(msg) {
		n.global.Push(svc.handle)
	}
}

// timeout schedules a TIMER delivery; non-positive ticks bypass the wheel.
func (n *Node) timeout(owner Handle, ticks int, session int32) {
	if ticks <= 0 {
		n.pushMessage(owner, Message{Proto: ProtoTimer, Session: session})
		return
	}
	n.timer.Add(ticks, owner, session)
}

// emitSocketEvent runs on the poller thread and turns a socket event into a
// ProtoSocket message for the owning service.
func (n *Node) emitSocketEvent(ev poll.Event) {
	sm := socketMessageFromEvent(ev)
	n.metrics.SocketEvent(sm.Type, len(sm.Buffer))
	n.pushMessage(ev.Owner, Message{Proto: ProtoSocket, Obj: sm, Data: sm.Buffer})
}

// ---- naming ----

// Resolve maps a ":hex", ".local" or "@exported" string to a handle, zero
// when unknown.
func (n *Node) Resolve(name string) Handle { return n.resolveName(name) }

// resolveName maps ":hex", ".local" and "@exported" forms to a handle.
func (n *Node) resolveName(name string) Handle {
	if name == "" {
		return 0
	}
	switch name[0] {
	case ':':
		v, err := strconv.ParseUint(name[1:], 16, 32)
		if err != nil {
			return 0
		}
		return Handle(v)
	case '.', '@':
		return n.storage.Resolve(name[1:])
	}
	return n.storage.Resolve(name)
}

// registerName binds a ".local" or "@exported" name to h.
func (n *Node) registerName(name string, h Handle) error {
	if name == "" {
		return NewError("REG", ErrBadParameter, "empty name")
	}
	exported := false
	switch name[0] {
	case '.':
		name = name[1:]
	case '@':
		name = name[1:]
		exported = true
	case ':':
		return NewError("REG", ErrBadParameter, "cannot register an address")
	}
	if !n.storage.RegisterName(name, h, exported) {
		return NewServiceError("REG", h, ErrNameTaken, name)
	}
	return nil
}

// ---- logging plumbing ----

// SetLoggerService wires the TEXT sink; the bootstrap calls this once the
// logger service is up.
func (n *Node) SetLoggerService(h Handle) {
	n.loggerHandle.Store(uint32(h))
}

// serviceLog routes one text line from a service into the logger service,
// falling back to the bootstrap logger before it exists.
func (n *Node) serviceLog(source Handle, text string) {
	lh := Handle(n.loggerHandle.Load())
	if lh != 0 {
		if _, err := n.send(nil, source, lh, ProtoText, DontCopy, 0, []byte(text), nil); err == nil {
			return
		}
	}
	n.logger.Info(text, "service", fmt.Sprintf(":%08x", uint32(source)))
}

// notifyMonitor informs the registered monitor service of lifecycle and
// overload conditions.
func (n *Node) notifyMonitor(text string) {
	mh := Handle(n.monitorHandle.Load())
	if mh == 0 {
		return
	}
	n.pushMessage(mh, Message{Proto: ProtoSystem, Data: []byte(text)})
}

// ---- boot helpers ----

// Boot starts the logger service named by the logservice key and then the
// bootstrap command ("snlua bootstrap" by default).
func (n *Node) Boot() error {
	logMod := n.env.Get("logservice")
	if logMod == "" {
		logMod = "logger"
	}
	lh, err := n.Launch(logMod, n.env.Get("logger"))
	if err != nil {
		return WrapError("boot", err)
	}
	n.SetLoggerService(lh)
	n.storage.RegisterName("logger", lh, false)

	boot := n.env.Get("bootstrap")
	if boot == "" {
		boot = "snlua bootstrap"
	}
	name, args, _ := strings.Cut(boot, " ")
	if _, err := n.Launch(name, args); err != nil {
		return WrapError("boot", err)
	}
	return nil
}
