//go:build !linux

package poll

import (
	"fmt"

	"github.com/ehrlich-b/go-hive/internal/handle"
)

// Poller stub for non-Linux platforms. The node runs (timers, messages,
// script services) but socket operations fail.
type Poller struct{}

var errUnsupported = fmt.Errorf("socket poller requires linux")

func New(cfg Config) (*Poller, error) { return &Poller{}, nil }

func (p *Poller) Start() {}
func (p *Poller) Exit()  {}

func (p *Poller) Listen(owner handle.Handle, host string, port int, backlog int) (int32, error) {
	return -1, errUnsupported
}

func (p *Poller) Connect(owner handle.Handle, host string, port int) (int32, error) {
	return -1, errUnsupported
}

func (p *Poller) Bind(owner handle.Handle, fd int) (int32, error) {
	return -1, errUnsupported
}

func (p *Poller) StartIO(owner handle.Handle, id int32) {}
func (p *Poller) Pause(owner handle.Handle, id int32)   {}
func (p *Poller) Close(owner handle.Handle, id int32)   {}
func (p *Poller) Shutdown(owner handle.Handle, id int32) {
}
func (p *Poller) Nodelay(id int32) {}

func (p *Poller) Send(id int32, data []byte) error    { return errUnsupported }
func (p *Poller) SendLow(id int32, data []byte) error { return errUnsupported }

func (p *Poller) UDPSocket(owner handle.Handle, host string, port int) (int32, error) {
	return -1, errUnsupported
}

func (p *Poller) UDPConnect(id int32, host string, port int) error { return errUnsupported }

func (p *Poller) UDPSend(id int32, addr string, data []byte) error { return errUnsupported }

func (p *Poller) Stats() Stat { return Stat{} }
