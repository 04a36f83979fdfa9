package hive

import (
	"sync"
)

// EchoInstance is a mock service for tests: it answers every sessioned
// message with a ProtoResponse carrying the same payload and records what it
// saw. Register it with RegisterModuleFunc and launch as usual.
type EchoInstance struct {
	mu       sync.Mutex
	received []Message
	released bool
	signals  []int
}

// NewEchoInstance creates a fresh echo service instance.
func NewEchoInstance() *EchoInstance {
	return &EchoInstance{}
}

// Init implements the Instance interface
func (e *EchoInstance) Init(ctx *Context, args string) error {
	ctx.SetCallback(func(c *Context, msg *Message) error {
		e.mu.Lock()
		e.received = append(e.received, *msg)
		e.mu.Unlock()
		if msg.Session != 0 && msg.Source != 0 && msg.Proto != ProtoResponse && msg.Proto != ProtoError {
			_, err := c.Send(msg.Source, ProtoResponse, 0, msg.Session, msg.Data)
			return err
		}
		return nil
	})
	return nil
}

// Release implements the Instance interface
func (e *EchoInstance) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.released = true
}

// Signal implements the optional Signaler interface
func (e *EchoInstance) Signal(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.signals = append(e.signals, n)
}

// Received returns a snapshot of delivered messages.
func (e *EchoInstance) Received() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.received))
	copy(out, e.received)
	return out
}

// Released reports whether Release ran.
func (e *EchoInstance) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// Signals returns the signals delivered so far.
func (e *EchoInstance) Signals() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, len(e.signals))
	copy(out, e.signals)
	return out
}

// HandlerInstance adapts a bare Handler to a full service Instance; tests
// use it with Node.LaunchWith.
type HandlerInstance struct {
	Handler Handler
	InitErr error // returned from Init to exercise launch failure paths
	OnInit  func(ctx *Context) error
}

// Init implements the Instance interface
func (h *HandlerInstance) Init(ctx *Context, args string) error {
	if h.InitErr != nil {
		return h.InitErr
	}
	if h.OnInit != nil {
		if err := h.OnInit(ctx); err != nil {
			return err
		}
	}
	if h.Handler != nil {
		ctx.SetCallback(h.Handler)
	}
	return nil
}

// Release implements the Instance interface
func (h *HandlerInstance) Release() {}

// RecorderObserver implements Observer and keeps everything it sees, for
// test assertions.
type RecorderObserver struct {
	mu         sync.Mutex
	launches   []Handle
	exits      []Handle
	dispatches int
}

func (r *RecorderObserver) ObserveLaunch(h Handle, module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launches = append(r.launches, h)
}

func (r *RecorderObserver) ObserveExit(h Handle, module string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exits = append(r.exits, h)
}

func (r *RecorderObserver) ObserveDispatch(h Handle, proto int32, payloadLen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatches++
}

// Launches returns every observed launch.
func (r *RecorderObserver) Launches() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, len(r.launches))
	copy(out, r.launches)
	return out
}

// Exits returns every observed exit.
func (r *RecorderObserver) Exits() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, len(r.exits))
	copy(out, r.exits)
	return out
}

// Dispatches returns the observed delivery count.
func (r *RecorderObserver) Dispatches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dispatches
}

// Compile-time interface checks
var _ Instance = (*EchoInstance)(nil)
var _ Signaler = (*EchoInstance)(nil)
var _ Observer = (*RecorderObserver)(nil)
