package ibud

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"

	"github.com/procmesh/ibud/internal"
)

// Endpoint is the public byte-stream surface: one process-local name, one
// UD queue pair, a table of virtual connections, and a single background
// progress goroutine. Only one Endpoint is supported at a time — callers
// open exactly one per process.
type Endpoint struct {
	e    *engine
	name string

	stopProgress chan struct{}
	wg           sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// Option configures an Endpoint at Open time.
type Option func(*engine)

// WithLogger attaches a structured logger; nil disables logging.
func WithLogger(l *slog.Logger) Option {
	return func(e *engine) { e.SetLogger(l) }
}

// WithOnFatal overrides the default process-abort behavior for
// unrecoverable conditions.
func WithOnFatal(f OnFatalFunc) Option {
	return func(e *engine) {
		if f != nil {
			e.onFatal = f
		}
	}
}

// WithMetrics attaches a Metrics collector; by default Open creates one but
// does not register it with any prometheus.Registerer.
func WithMetrics(m *Metrics) Option {
	return func(e *engine) {
		if m != nil {
			e.metrics = m
			e.ud.metrics = m
		}
	}
}

// WithClock overrides the monotonic microsecond clock the engine uses as
// an external collaborator. Tests inject a fake clock here.
func WithClock(nowUS func() int64) Option {
	return func(e *engine) {
		if nowUS != nil {
			e.nowUS = nowUS
		}
	}
}

func defaultNowUS() int64 { return time.Now().UnixMicro() }

// Open brings up an Endpoint over fab: raises the memlock limit to the
// hard limit, posts the initial batch of receive buffers, and starts the
// progress goroutine.
func Open(fab Fabric, pool VBufPool, cfg Config, opts ...Option) (*Endpoint, error) {
	if err := raiseMemlockLimit(); err != nil {
		return nil, err
	}

	metrics := NewMetrics(nil)
	e := newEngine(fab, pool, cfg, metrics, nil, defaultNowUS)
	for _, opt := range opts {
		opt(e)
	}
	e.metrics.Attach(
		func() float64 {
			e.mu.Lock()
			defer e.mu.Unlock()
			total := 0
			for _, vc := range e.vcs {
				total += vc.sendWindow.Len()
			}
			return float64(total)
		},
		func() float64 {
			e.mu.Lock()
			defer e.mu.Unlock()
			return float64(e.ud.unacked.Len())
		},
		func() float64 {
			e.mu.Lock()
			defer e.mu.Unlock()
			return float64(len(e.connectBacklog))
		},
	)

	e.mu.Lock()
	_, err := e.ud.postRecv(cfg.MaxUDRecvWQE)
	e.mu.Unlock()
	if err != nil {
		return nil, e.logerr("open: failed to post initial receive buffers", err)
	}

	lid, qpn := fab.LocalAddr()
	ep := &Endpoint{
		e:            e,
		name:         endpointName(lid, qpn),
		stopProgress: make(chan struct{}),
	}
	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		e.progressLoop(ep.stopProgress)
	}()
	return ep, nil
}

// raiseMemlockLimit raises RLIMIT_MEMLOCK to its hard limit so registered
// vbuf memory can be pinned, grounded on the rlimit raise every real ibverbs
// bootstrap sequence performs before allocating pinned buffers.
func raiseMemlockLimit() error {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		return err
	}
	if rlimit.Cur == rlimit.Max {
		return nil
	}
	rlimit.Cur = rlimit.Max
	return unix.Setrlimit(unix.RLIMIT_MEMLOCK, &rlimit)
}

// Name returns this endpoint's "IBUD:%04x:%06x" local name.
func (ep *Endpoint) Name() string { return ep.name }

// Connect is the active side of the connect/accept handshake. Blocks
// until the peer's ACCEPT arrives or the peer is declared unreachable.
func (ep *Endpoint) Connect(name string) (*Channel, error) {
	ep.e.mu.Lock()
	defer ep.e.mu.Unlock()
	return ep.e.connect(name)
}

// Accept is the passive side of the connect/accept handshake. Blocks
// until a non-duplicate CONNECT arrives.
func (ep *Endpoint) Accept() (*Channel, error) {
	ep.e.mu.Lock()
	defer ep.e.mu.Unlock()
	return ep.e.accept()
}

// Metrics returns the prometheus.Collector tracking this endpoint's
// counters and gauges, for callers that want to register it themselves.
func (ep *Endpoint) Metrics() *Metrics { return ep.e.metrics }

// Close stops the progress goroutine, then sends a best-effort DISCONNECT on
// every connected VC (marking each closing) and returns the send errors
// combined. It does not tear down VC table slots: disconnect is a soft stub
// in this core.
func (ep *Endpoint) Close() error {
	ep.closeOnce.Do(func() {
		close(ep.stopProgress)
		ep.wg.Wait()

		var result *multierror.Error
		ep.e.mu.Lock()
		for _, vc := range ep.e.vcs {
			if vc.state == VCConnected {
				if err := vc.send(PacketDisconnect, nil, ep.e.nowUS()); err != nil {
					result = multierror.Append(result, err)
				}
			}
		}
		ep.e.mu.Unlock()
		ep.closeErr = result.ErrorOrNil()
	})
	return ep.closeErr
}

// Channel is one connected virtual connection's byte-stream handle.
type Channel struct {
	vc   *VC
	name string
	e    *engine
}

// Name returns the remote peer's "IBUD:%04x:%06x" endpoint name.
func (c *Channel) Name() string { return c.name }

// Disconnect sends a best-effort DISCONNECT for this channel's VC alone,
// marking it closing: further Write calls fail with ErrChannelClosed and
// further received packets are dropped rather than delivered to Read. It
// does not tear down the VC's table slot, matching Endpoint.Close's
// whole-endpoint teardown stub.
func (c *Channel) Disconnect() error {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	return c.vc.send(PacketDisconnect, nil, c.e.nowUS())
}

// Write chunks buf into at-most-MaxPayload pieces and hands each to the
// VC's send path as a DATA packet. Returns once all chunks are queued, not
// necessarily transmitted.
func (c *Channel) Write(buf []byte) (int, error) {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	written := 0
	for written < len(buf) {
		end := written + MaxPayload
		if end > len(buf) {
			end = len(buf)
		}
		if err := c.vc.send(PacketData, buf[written:end], c.e.nowUS()); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// Read drains the CQ, pops the head of the in-order app-recv window, and
// copies min(payload remaining, len(buf)) bytes. A packet whose payload is
// larger than the caller's buffer is consumed across successive Read
// calls via a partial-read cursor, rather than requiring whole-message
// reads.
func (c *Channel) Read(buf []byte) (int, error) {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()

	n := 0
	bo := internal.NewBackoff(internal.BackoffBlockingCall)
	for n < len(buf) {
		if err := c.e.drainCQ(); err != nil {
			return n, err
		}
		vb := c.vc.appRecvWindow.head
		if vb == nil {
			if n > 0 {
				return n, nil
			}
			if c.vc.closing {
				return 0, ErrChannelClosed
			}
			c.e.mu.Unlock()
			bo.Miss()
			c.e.mu.Lock()
			continue
		}
		payload := vb.Payload[HeaderSize:]
		avail := payload[c.vc.appCursor:]
		copied := copy(buf[n:], avail)
		n += copied
		c.vc.appCursor += copied
		if c.vc.appCursor >= len(payload) {
			c.vc.appRecvWindow.popFront()
			c.vc.appCursor = 0
			c.e.ud.pool.Put(vb)
		}
	}
	return n, nil
}
