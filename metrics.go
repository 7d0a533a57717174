package ibud

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is a prometheus.Collector exposing the engine's counters and
// gauges: a self-contained Collector that snapshots live state on every
// scrape rather than pushing through a registry on every state change.
type Metrics struct {
	resendsTotal      atomic.Uint64
	acksSentTotal     atomic.Uint64
	acksExplicitTotal atomic.Uint64
	fatalTotal        atomic.Uint64

	// gauges read back from the engine at scrape time
	sendWindowDepth    func() float64
	unackedQueueDepth  func() float64
	connectBacklogSize func() float64

	descResends        *prometheus.Desc
	descAcksSent       *prometheus.Desc
	descAcksExplicit   *prometheus.Desc
	descFatal          *prometheus.Desc
	descSendWindow     *prometheus.Desc
	descUnackedQueue   *prometheus.Desc
	descConnectBacklog *prometheus.Desc
}

// NewMetrics builds a Metrics collector. The three gauge funcs are sampled at
// scrape time under whatever locking the caller's accessors provide; Attach
// wires them up once an Endpoint exists.
func NewMetrics(constLabels prometheus.Labels) *Metrics {
	m := &Metrics{
		sendWindowDepth:    func() float64 { return 0 },
		unackedQueueDepth:  func() float64 { return 0 },
		connectBacklogSize: func() float64 { return 0 },

		descResends:        prometheus.NewDesc("ibud_resends_total", "Total packets retransmitted after timeout.", nil, constLabels),
		descAcksSent:       prometheus.NewDesc("ibud_acks_sent_total", "Total ACKs sent, piggy-backed or explicit.", nil, constLabels),
		descAcksExplicit:   prometheus.NewDesc("ibud_acks_explicit_total", "Total explicit (non-piggy-backed) ACK packets sent.", nil, constLabels),
		descFatal:          prometheus.NewDesc("ibud_fatal_total", "Total fatal conditions reported to the OnFatal hook.", nil, constLabels),
		descSendWindow:     prometheus.NewDesc("ibud_send_window_depth", "Sum of in-flight (unacked) packets across all VCs.", nil, constLabels),
		descUnackedQueue:   prometheus.NewDesc("ibud_unacked_queue_depth", "Length of the global unacked retransmit queue.", nil, constLabels),
		descConnectBacklog: prometheus.NewDesc("ibud_connect_backlog_depth", "Number of received CONNECT packets not yet consumed by Accept.", nil, constLabels),
	}
	return m
}

// Attach wires the gauge sampling funcs to live engine state. Called once
// by Endpoint.Open.
func (m *Metrics) Attach(sendWindowDepth, unackedQueueDepth, connectBacklogSize func() float64) {
	if sendWindowDepth != nil {
		m.sendWindowDepth = sendWindowDepth
	}
	if unackedQueueDepth != nil {
		m.unackedQueueDepth = unackedQueueDepth
	}
	if connectBacklogSize != nil {
		m.connectBacklogSize = connectBacklogSize
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.descResends
	ch <- m.descAcksSent
	ch <- m.descAcksExplicit
	ch <- m.descFatal
	ch <- m.descSendWindow
	ch <- m.descUnackedQueue
	ch <- m.descConnectBacklog
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(m.descResends, prometheus.CounterValue, float64(m.resendsTotal.Load()))
	ch <- prometheus.MustNewConstMetric(m.descAcksSent, prometheus.CounterValue, float64(m.acksSentTotal.Load()))
	ch <- prometheus.MustNewConstMetric(m.descAcksExplicit, prometheus.CounterValue, float64(m.acksExplicitTotal.Load()))
	ch <- prometheus.MustNewConstMetric(m.descFatal, prometheus.CounterValue, float64(m.fatalTotal.Load()))
	ch <- prometheus.MustNewConstMetric(m.descSendWindow, prometheus.GaugeValue, m.sendWindowDepth())
	ch <- prometheus.MustNewConstMetric(m.descUnackedQueue, prometheus.GaugeValue, m.unackedQueueDepth())
	ch <- prometheus.MustNewConstMetric(m.descConnectBacklog, prometheus.GaugeValue, m.connectBacklogSize())
}

func (m *Metrics) observeResend()      { m.resendsTotal.Add(1) }
func (m *Metrics) observeAckSent()     { m.acksSentTotal.Add(1) }
func (m *Metrics) observeAckExplicit() { m.acksExplicitTotal.Add(1) }
func (m *Metrics) observeFatal()       { m.fatalTotal.Add(1) }
