// Package ibudtest provides a loss-injected, in-process fake ibud.Fabric for
// exercising the reliability engine without real IB hardware: a fake UD
// transport that drops/duplicates/reorders packets at configurable rates.
package ibudtest

import (
	"math/rand"
	"sync"

	"github.com/procmesh/ibud"
)

type devKey struct {
	lid uint16
	qpn uint32
}

type linkKey struct {
	from, to devKey
}

// Medium is the shared loss-injected transport connecting every Device
// registered on it: a shared object distinct from the devices it connects,
// adapted to UD datagram delivery.
type Medium struct {
	mu      sync.Mutex
	devices map[devKey]*Device
	links   map[linkKey]*link
	rng     *rand.Rand
}

// NewMedium builds a Medium with a deterministic PRNG seed, so loss/
// duplication/reorder decisions are reproducible across test runs.
func NewMedium(seed int64) *Medium {
	return &Medium{
		devices: make(map[devKey]*Device),
		links:   make(map[linkKey]*link),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// NewDevice registers a new endpoint on the medium and returns its
// ibud.Fabric implementation.
func (m *Medium) NewDevice(lid uint16, qpn uint32) *Device {
	d := &Device{
		medium: m,
		lid:    lid,
		qpn:    qpn,
	}
	m.mu.Lock()
	m.devices[devKey{lid, qpn}] = d
	m.mu.Unlock()
	return d
}

// LinkConfig configures loss injection on one direction of traffic between
// two devices (e.g. lossy ACK, duplicate CONNECT, reorder).
type LinkConfig struct {
	// DropRate is the independent probability any given packet is dropped.
	DropRate float64
	// DropTypes overrides DropRate for specific packet types (e.g. drop
	// only ACK packets, scenario 3's "inject 100% drop on ACK packets").
	DropTypes map[ibud.PacketType]float64
	// DupRate is the independent probability a packet is duplicated once.
	DupRate float64
	// SwapWithNext holds back the packet at each listed zero-based send
	// index on this link until the following packet arrives, then
	// delivers the following packet first (scenario 5's reorder test).
	SwapWithNext []int
}

// Configure installs cfg for traffic sent from (fromLID,fromQPN) to
// (toLID,toQPN). Configuring a link resets its send-index counter.
func (m *Medium) Configure(fromLID uint16, fromQPN uint32, toLID uint16, toQPN uint32, cfg LinkConfig) {
	key := linkKey{devKey{fromLID, fromQPN}, devKey{toLID, toQPN}}
	swap := make(map[int]bool, len(cfg.SwapWithNext))
	for _, idx := range cfg.SwapWithNext {
		swap[idx] = true
	}
	m.mu.Lock()
	m.links[key] = &link{cfg: cfg, swapSet: swap}
	m.mu.Unlock()
}

func (m *Medium) link(from, to devKey) *link {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[linkKey{from, to}]
	if !ok {
		l = &link{}
		m.links[linkKey{from, to}] = l
	}
	return l
}

func (m *Medium) device(k devKey) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[k]
	return d, ok
}

// link holds one direction's loss-injection state and reorder bookkeeping.
type link struct {
	mu      sync.Mutex
	cfg     LinkConfig
	swapSet map[int]bool
	sent    int
	held    []byte
}

// sequence returns, for one posted packet, the (possibly reordered) list of
// packets to actually attempt delivery for this call — zero, one, or two
// entries (itself, and/or a previously held-back packet).
func (l *link) sequence(pkt []byte) [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := l.sent
	l.sent++

	if l.swapSet[idx] {
		l.held = append([]byte(nil), pkt...)
		return nil
	}
	if l.held != nil {
		held := l.held
		l.held = nil
		return [][]byte{pkt, held}
	}
	return [][]byte{pkt}
}

func (l *link) dropRate(typ ibud.PacketType) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rate, ok := l.cfg.DropTypes[typ]; ok {
		return rate
	}
	return l.cfg.DropRate
}

func (l *link) dupRate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg.DupRate
}

// randFloat64 is the medium's single synchronized entry point to its PRNG;
// math/rand.Rand is not safe for concurrent use and every device sending
// over this medium may run on its own goroutine.
func (m *Medium) randFloat64() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rng.Float64()
}
