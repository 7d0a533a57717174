package ibud

import (
	"log/slog"
	"os"
	"sync"
)

// connectEntry is one entry on the process-global connect backlog: a CONNECT
// packet accept() has not yet consumed.
type connectEntry struct {
	vb     *VBuf
	srcLID uint16
	srcQPN uint32
}

// acceptedEntry records one already-accepted peer, keyed by (lid, qpn,
// peer readid), used to filter duplicate CONNECT packets.
type acceptedEntry struct {
	lid uint16
	qpn uint32
	id  uint64
	vc  *VC
}

// engine bundles every process-global singleton this reliability core
// needs — HCA/UD context, VC table, connect backlog, accepted-connections
// list, comm lock — into one context object owned by a single Endpoint;
// only one Endpoint is supported at a time.
type engine struct {
	logger

	mu sync.Mutex // the comm lock: guards everything below

	ud      *udContext
	cfg     Config
	metrics *Metrics
	onFatal OnFatalFunc
	nowUS   func() int64

	vcs []*VC

	connectBacklog []connectEntry
	accepted       []acceptedEntry
}

func newEngine(fab Fabric, pool VBufPool, cfg Config, metrics *Metrics, onFatal OnFatalFunc, nowUS func() int64) *engine {
	if onFatal == nil {
		onFatal = defaultOnFatal
	}
	return &engine{
		ud:      newUDContext(fab, pool, cfg, metrics),
		cfg:     cfg,
		metrics: metrics,
		onFatal: onFatal,
		nowUS:   nowUS,
	}
}

// allocVC appends a new VC to the process-global table and returns it; its
// readid is its table index.
func (e *engine) allocVC() *VC {
	readid := uint64(len(e.vcs))
	vc := newVC(readid, e.ud, e.cfg)
	vc.metrics = e.metrics
	vc.SetLogger(e.log)
	e.vcs = append(e.vcs, vc)
	return vc
}

// lookupVC resolves a wire srcid to a VC, rejecting out-of-range ids.
func (e *engine) lookupVC(srcid uint64) (*VC, bool) {
	if srcid >= uint64(len(e.vcs)) {
		return nil, false
	}
	return e.vcs[srcid], true
}

// findAccepted reports whether (lid, qpn, id) already has an accepted VC.
func (e *engine) findAccepted(lid uint16, qpn uint32, id uint64) (*VC, bool) {
	for _, a := range e.accepted {
		if a.lid == lid && a.qpn == qpn && a.id == id {
			return a.vc, true
		}
	}
	return nil, false
}

// defaultOnFatal treats an unreachable peer or a hard fabric error as a
// process-fatal condition for control-plane traffic, mirroring how a real
// ibverbs completion error aborts the whole queue pair. Embedding callers
// that want to survive a single VC's death should install their own
// OnFatalFunc via Endpoint options.
func defaultOnFatal(ferr *FatalError) {
	slog.Default().Error("ibud: fatal error, aborting", slog.Uint64("readid", ferr.Endpoint), slog.Any("err", ferr.Err))
	os.Exit(1)
}
