package ibud

import (
	"log/slog"

	"github.com/procmesh/ibud/internal"
)

// pollCQ drains up to CQBatchSize completions and routes each by kind. Must
// be called with the comm lock held. Returns the number of completions
// observed.
func (e *engine) pollCQ() (int, error) {
	now := e.nowUS()
	sawSend := false
	n, err := e.ud.fab.Poll(e.cfg.CQBatchSize, func(c Completion) {
		if c.Err != nil {
			e.metrics.observeFatal()
			e.onFatal(&FatalError{Err: ErrFabricCompletion})
			return
		}
		switch c.Kind {
		case CompletionSend:
			sawSend = true
			e.handleSendCompletion(c, now)
		case CompletionRecv:
			e.handleRecvCompletion(c, now)
		}
	})
	if err != nil {
		e.metrics.observeFatal()
		e.onFatal(&FatalError{Err: err})
		return n, err
	}
	if sawSend {
		e.ud.drainExtSend(now)
	}
	return n, nil
}

// drainCQ polls until the completion queue reports nothing left.
func (e *engine) drainCQ() error {
	for {
		n, err := e.pollCQ()
		if err != nil {
			return err
		}
		if n < e.cfg.CQBatchSize {
			return nil
		}
	}
}

func (e *engine) handleSendCompletion(c Completion, now int64) {
	e.ud.creditReturn()
	vb, ok := e.ud.pool.Lookup(c.Token)
	if !ok {
		return
	}
	switch vb.send {
	case sendPostedAcked:
		// ACK arrived before the send completed; both conditions are now
		// satisfied, release it.
		vb.send = sendIdle
		vb.state = vbufFree
		e.ud.pool.Put(vb)
	case sendPosted:
		vb.send = sendIdle
		if vb.state == vbufFree {
			// Not a member of any VC window (a pure ACK or DISCONNECT
			// control send): nothing else will ever release it, so do so
			// now.
			e.ud.pool.Put(vb)
		}
		// Otherwise it's still in its VC's send window awaiting an ack;
		// leave it, processAck will release it later.
	}
}

func (e *engine) handleRecvCompletion(c Completion, now int64) {
	e.ud.decrementPostedRecv()
	vb, ok := e.ud.pool.Lookup(c.Token)
	if !ok {
		return
	}
	vb.Payload = vb.Payload[:c.RecvLen]
	defer e.ud.maybeRefillRecv(now)

	wire, ok := ParseHeader(vb.Payload)
	if !ok {
		e.debug("dropping malformed packet: short header")
		e.ud.pool.Put(vb)
		return
	}

	if wire.Type == PacketConnect {
		e.connectBacklog = append(e.connectBacklog, connectEntry{vb: vb, srcLID: c.SourceLID, srcQPN: c.SourceQPN})
		return
	}

	vc, ok := e.lookupVC(wire.SrcID)
	if !ok {
		e.debug("dropping packet: srcid out of range", slog.Uint64("srcid", wire.SrcID))
		e.ud.pool.Put(vb)
		return
	}
	if vc.ah.LID != c.SourceLID || vc.ah.QPN != c.SourceQPN {
		e.debug("dropping packet: lid/qpn mismatch (possible spoof)",
			internal.SlogLID("lid", c.SourceLID), internal.SlogQPN("qpn", c.SourceQPN))
		e.ud.pool.Put(vb)
		return
	}

	vb.seq = wire.SeqNum
	vc.recv(vb, wire, now)
}
