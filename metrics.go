package hive

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks node-wide counters with lock-free atomics. Reads are
// approximate snapshots; the hot paths only ever Add.
type Metrics struct {
	MessagesSent       atomic.Int64
	MessagesDispatched atomic.Int64
	MessagesDropped    atomic.Int64
	MailboxOverloads   atomic.Int64
	EndlessWarnings    atomic.Int64
	ServicesLaunched   atomic.Int64
	ServicesExited     atomic.Int64
	SocketEvents       atomic.Int64
	SocketBytesIn      atomic.Int64

	StartTime atomic.Int64
}

// NewMetrics creates a zeroed metrics block.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) MessageSent()       { m.MessagesSent.Add(1) }
func (m *Metrics) MessageDispatched() { m.MessagesDispatched.Add(1) }
func (m *Metrics) MessageDropped()    { m.MessagesDropped.Add(1) }
func (m *Metrics) MailboxOverload()   { m.MailboxOverloads.Add(1) }
func (m *Metrics) EndlessWarning()    { m.EndlessWarnings.Add(1) }
func (m *Metrics) ServiceLaunched()   { m.ServicesLaunched.Add(1) }
func (m *Metrics) ServiceExited()     { m.ServicesExited.Add(1) }

func (m *Metrics) SocketEvent(kind int, bytes int) {
	m.SocketEvents.Add(1)
	if kind == SocketData || kind == SocketUDP {
		m.SocketBytesIn.Add(int64(bytes))
	}
}

// LiveServices derives the live count from launch/exit counters.
func (m *Metrics) LiveServices() int64 {
	return m.ServicesLaunched.Load() - m.ServicesExited.Load()
}

// Reset zeroes every counter; tests use this between scenarios.
func (m *Metrics) Reset() {
	m.MessagesSent.Store(0)
	m.MessagesDispatched.Store(0)
	m.MessagesDropped.Store(0)
	m.MailboxOverloads.Store(0)
	m.EndlessWarnings.Store(0)
	m.ServicesLaunched.Store(0)
	m.ServicesExited.Store(0)
	m.SocketEvents.Store(0)
	m.SocketBytesIn.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
}

// Collector adapts a Metrics block to a prometheus.Collector so a node can
// be scraped; cmd/hive registers it when a metrics listener is configured.
type Collector struct {
	metrics *Metrics

	sent       *prometheus.Desc
	dispatched *prometheus.Desc
	dropped    *prometheus.Desc
	overloads  *prometheus.Desc
	endless    *prometheus.Desc
	live       *prometheus.Desc
	sockEvents *prometheus.Desc
	sockBytes  *prometheus.Desc
}

// NewCollector wraps m for prometheus registration.
func NewCollector(m *Metrics) *Collector {
	return &Collector{
		metrics:    m,
		sent:       prometheus.NewDesc("hive_messages_sent_total", "Messages enqueued to mailboxes", nil, nil),
		dispatched: prometheus.NewDesc("hive_messages_dispatched_total", "Messages delivered to handlers", nil, nil),
		dropped:    prometheus.NewDesc("hive_messages_dropped_total", "Messages to unknown or dead services", nil, nil),
		overloads:  prometheus.NewDesc("hive_mailbox_overloads_total", "Mailbox overload threshold crossings", nil, nil),
		endless:    prometheus.NewDesc("hive_endless_warnings_total", "Stuck-service warnings emitted", nil, nil),
		live:       prometheus.NewDesc("hive_services_live", "Currently registered services", nil, nil),
		sockEvents: prometheus.NewDesc("hive_socket_events_total", "Socket events forwarded to services", nil, nil),
		sockBytes:  prometheus.NewDesc("hive_socket_bytes_in_total", "Socket payload bytes delivered", nil, nil),
	}
}

// Describe implements prometheus.Collector
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sent
	ch <- c.dispatched
	ch <- c.dropped
	ch <- c.overloads
	ch <- c.endless
	ch <- c.live
	ch <- c.sockEvents
	ch <- c.sockBytes
}

// Collect implements prometheus.Collector
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	m := c.metrics
	ch <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(m.MessagesSent.Load()))
	ch <- prometheus.MustNewConstMetric(c.dispatched, prometheus.CounterValue, float64(m.MessagesDispatched.Load()))
	ch <- prometheus.MustNewConstMetric(c.dropped, prometheus.CounterValue, float64(m.MessagesDropped.Load()))
	ch <- prometheus.MustNewConstMetric(c.overloads, prometheus.CounterValue, float64(m.MailboxOverloads.Load()))
	ch <- prometheus.MustNewConstMetric(c.endless, prometheus.CounterValue, float64(m.EndlessWarnings.Load()))
	ch <- prometheus.MustNewConstMetric(c.live, prometheus.GaugeValue, float64(m.LiveServices()))
	ch <- prometheus.MustNewConstMetric(c.sockEvents, prometheus.CounterValue, float64(m.SocketEvents.Load()))
	ch <- prometheus.MustNewConstMetric(c.sockBytes, prometheus.CounterValue, float64(m.SocketBytesIn.Load()))
}

// Observer allows pluggable runtime event collection.
type Observer interface {
	// ObserveLaunch is called after a service initializes successfully
	ObserveLaunch(h Handle, module string)

	// ObserveExit is called after a service is destroyed
	ObserveExit(h Handle, module string)

	// ObserveDispatch is called for each delivered message
	ObserveDispatch(h Handle, proto int32, payloadLen int)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveLaunch(Handle, string)      {}
func (NoOpObserver) ObserveExit(Handle, string)        {}
func (NoOpObserver) ObserveDispatch(Handle, int32, int) {}

// Compile-time interface check
var _ Observer = (*NoOpObserver)(nil)
