package ibud

import (
	"log/slog"

	"github.com/procmesh/ibud/internal"
)

// udContext wraps the single UD queue pair shared by every VC, tracking
// available send work-queue entries, posted receive buffers, and a global
// FIFO of packets waiting for send credit.
type udContext struct {
	logger

	fab     Fabric
	pool    VBufPool
	cfg     Config
	metrics *Metrics

	localLID uint16
	localQPN uint32

	sendWQEsAvail int
	postedRecv    int

	// extSend is the global extended send queue: packets that could not be
	// posted immediately because send_wqes_avail hit zero. FIFO across all
	// VCs sharing the one QP, which compete FIFO for send slots.
	extSend vbufQueue

	unacked unackedQueue

	// postRecv scratch slices, reused across calls instead of reallocated on
	// every refill pass (maybeRefillRecv can fire once per progress tick).
	recvBufsScratch []RecvBuffer
	recvVBsScratch  []*VBuf
}

func newUDContext(fab Fabric, pool VBufPool, cfg Config, metrics *Metrics) *udContext {
	lid, qpn := fab.LocalAddr()
	return &udContext{
		fab:           fab,
		pool:          pool,
		cfg:           cfg,
		metrics:       metrics,
		localLID:      lid,
		localQPN:      qpn,
		sendWQEsAvail: cfg.MaxUDSendWQE,
	}
}

// postRecv posts up to n fresh receive vbufs, returning how many were
// actually posted (bounded by pool availability).
func (u *udContext) postRecv(n int) (int, error) {
	internal.SliceReuse(&u.recvBufsScratch, n)
	internal.SliceReuse(&u.recvVBsScratch, n)
	bufs, vbs := u.recvBufsScratch, u.recvVBsScratch
	for i := 0; i < n; i++ {
		vb, ok := u.pool.Get()
		if !ok {
			break
		}
		vb.Payload = vb.Payload[:UDMTU]
		bufs = append(bufs, RecvBuffer{Token: vb.token, Buf: vb.Payload})
		vbs = append(vbs, vb)
	}
	u.recvBufsScratch, u.recvVBsScratch = bufs, vbs
	if len(bufs) == 0 {
		return 0, nil
	}
	posted, err := u.fab.PostRecv(bufs)
	// Return any vbufs the fabric didn't accept.
	for i := posted; i < len(vbs); i++ {
		u.pool.Put(vbs[i])
	}
	u.postedRecv += posted
	return posted, err
}

// postSend stamps writeid/seqnum/acknum and submits to the QP if credit is
// available, appending to the global unacked queue (unless this is a pure
// ACK or a DISCONNECT); without credit, a first-time send is queued on the
// UD extended send queue. Send-window membership is the caller's job.
// isRetransmit reuses vb's existing seqnum and only refreshes acknum/timestamp.
func (u *udContext) postSend(vc *VC, vb *VBuf, isRetransmit bool, nowUS int64) error {
	hdr := Header{
		Type:   PacketType(vb.Payload[0]),
		SrcID:  vc.writeid,
		SeqNum: vb.seq,
		Rail:   Rail,
	}
	if vc.hasAck {
		hdr.AckNum = vc.ackSeq
	} else {
		hdr.AckNum = NoAck
	}
	hdr.Put(vb.Payload[:HeaderSize])
	if hdr.AckNum != NoAck {
		u.metrics.observeAckSent()
	}

	if u.sendWQEsAvail <= 0 {
		if !isRetransmit {
			u.extSend.pushBack(vb)
			vb.state = vbufInUDExtWin
			return nil
		}
		// Credit is still exhausted on a retransmit attempt: vb is already a
		// member of its VC's send window (unlike a first-time send, it has
		// nowhere new to queue), so refresh its timestamp and move it to the
		// unacked queue's tail instead of leaving it at head with an
		// unchanged sendTimeUS — otherwise checkResend would retry the same
		// head forever, livelocking the progress loop under the comm lock.
		vb.sendTimeUS = nowUS
		u.unacked.moveToBack(vb)
		return nil
	}
	u.sendWQEsAvail--
	vb.send = sendPosted
	if err := u.fab.PostSend(vc.ah, vb.Payload, vb.token); err != nil {
		u.sendWQEsAvail++
		vb.send = sendIdle
		return err
	}
	vb.sendTimeUS = nowUS
	if hdr.Type != PacketAck && hdr.Type != PacketDisconnect {
		if isRetransmit {
			u.unacked.moveToBack(vb)
		} else {
			u.unacked.pushBack(vb)
		}
	}
	return nil
}

// creditReturn records that one send work request completed, freeing a WQE
// slot. The actual extended-queue drain is batched once per CQ-drain pass
// by drainExtSend.
func (u *udContext) creditReturn() {
	u.sendWQEsAvail++
}

// drainExtSend pops packets stalled on WQE credit (send-window members, or
// ACK/DISCONNECT control packets), draining the UD extended send queue FIFO
// into the QP up to capacity.
func (u *udContext) drainExtSend(nowUS int64) {
	for u.sendWQEsAvail > 0 {
		vb := u.extSend.popFront()
		if vb == nil {
			return
		}
		if t := PacketType(vb.Payload[0]); t == PacketAck || t == PacketDisconnect {
			vb.state = vbufFree // released by its own send completion
		} else {
			vb.state = vbufInSendWin
		}
		if err := u.postSend(vb.vc, vb, false, nowUS); err != nil {
			u.debug("ext queue drain: post_send failed", slog.Any("err", err))
			return
		}
	}
}

// decrementPostedRecv records that one posted receive buffer was consumed by
// an incoming completion.
func (u *udContext) decrementPostedRecv() {
	u.postedRecv--
}

func (u *udContext) maybeRefillRecv(nowUS int64) {
	if u.postedRecv < u.cfg.CreditPreserve {
		n := u.cfg.MaxUDRecvWQE - u.postedRecv
		if n <= 0 {
			return
		}
		if _, err := u.postRecv(n); err != nil {
			u.logerr("recv repost failed", err)
		}
	}
}
