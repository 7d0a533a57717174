package ibud

import "log/slog"

// VCState is a virtual connection's position in the handshake lifecycle.
type VCState uint8

const (
	VCInit VCState = iota
	VCConnecting
	VCConnected
)

func (s VCState) String() string {
	switch s {
	case VCInit:
		return "INIT"
	case VCConnecting:
		return "CONNECTING"
	case VCConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// VC is one peer's virtual connection: the per-peer state layered over the
// shared UD queue pair. VCs live in a process-global indexed table and are
// never destroyed by this core (disconnect is a soft stub).
type VC struct {
	logger

	// Identity.
	readid  uint64 // our own index in the VC table; what the peer stamps into srcid
	writeid uint64 // what we stamp into srcid when sending
	ah      AddressHandle

	state VCState

	// closing marks a VC that has sent or received a DISCONNECT: once set,
	// further send/recv traffic is inert rather than threaded through the
	// window machinery.
	closing bool

	// Sequence state.
	nextToSend Seq
	nextToRecv Seq
	ackSeq     Seq // next_toack: seqnum to put in the next outgoing acknum field
	hasAck     bool

	ackNeedToSend bool
	ackPending    int

	// Queues; each vbuf belongs to at most one at a time.
	sendWindow    vbufQueue // sent, not yet ACKed
	extWindow     vbufQueue // admitted by the caller, waiting on send-window space
	recvWindow    vbufQueue // out-of-order, sorted ascending by seqnum
	appRecvWindow vbufQueue // in-order, ready for the application to read

	// appCursor tracks partial consumption of the head app_recv_window vbuf
	// across successive Read calls: a reader may ask for fewer bytes than a
	// packet's payload.
	appCursor int

	// Advisory counters.
	explicitAcksSent int
	resends          int
	extSends         int

	ud      *udContext
	cfg     Config
	metrics *Metrics
}

func newVC(readid uint64, ud *udContext, cfg Config) *VC {
	return &VC{
		readid: readid,
		ackSeq: NoAck,
		ud:     ud,
		cfg:    cfg,
	}
}

// send chunks the caller's payload into a single packet (the caller is
// responsible for MTU-sized chunking; see Endpoint.Write), stamps the
// header, and either posts it immediately or queues it behind the send
// window.
func (vc *VC) send(typ PacketType, payload []byte, nowUS int64) error {
	if vc.closing && typ != PacketDisconnect {
		return ErrChannelClosed
	}
	if len(payload) > MaxPayload {
		panic("ibud: payload exceeds MaxPayload")
	}
	vb, ok := vc.ud.pool.Get()
	if !ok {
		return ErrPoolExhausted
	}
	vb.vc = vc
	vb.Payload = vb.Payload[:HeaderSize+len(payload)]
	vb.Payload[0] = byte(typ)
	copy(vb.Payload[HeaderSize:], payload)

	// CONNECT, ACCEPT, and DATA all occupy the VC's sequence stream and ride
	// the normal send-window/unacked-queue/retransmit machinery: CONNECT's
	// reliability is the idempotent-handshake property, and ACCEPT's is a
	// direct consequence of occupying a real seqnum — once delivered it
	// advances the peer's next_torecv, which the peer's own progress-thread
	// ACK sweep reports back, retiring it from this VC's send window like
	// any other packet. Only ACK (acks nothing in turn) and DISCONNECT
	// (best-effort stub) are excluded.
	if typ == PacketData || typ == PacketConnect || typ == PacketAccept {
		vb.seq = vc.nextToSend
		vc.nextToSend = vc.nextToSend.Add(1)
	}

	// acknum is stamped by udContext.postSend from vc.ackSeq/vc.hasAck at the
	// moment of transmission (so retransmits carry the freshest ack), but the
	// bookkeeping clears here.
	vc.ackNeedToSend = false
	vc.ackPending = 0

	if typ == PacketAck || typ == PacketDisconnect {
		// Neither enters the send window or unacked queue, only the
		// WQE-credit accounting in udContext.postSend; released on its own
		// send completion.
		err := vc.ud.postSend(vc, vb, false, nowUS)
		if typ == PacketDisconnect && err == nil {
			vc.closing = true
		}
		return err
	}

	if vc.sendWindow.Len() < vc.cfg.SendWinSize {
		vb.state = vbufInSendWin
		vc.sendWindow.pushBack(vb)
		return vc.ud.postSend(vc, vb, false, nowUS)
	}
	vb.state = vbufInVCExtWin
	vc.extWindow.pushBack(vb)
	vc.extSends++
	return nil
}

// drainExtWindow moves packets from vc.ext_window into the send window until
// one is full or the other empty: whenever the send window shrinks, the
// extended window is drained into it.
func (vc *VC) drainExtWindow(nowUS int64) {
	for vc.sendWindow.Len() < vc.cfg.SendWinSize {
		vb := vc.extWindow.popFront()
		if vb == nil {
			return
		}
		vb.state = vbufInSendWin
		vc.sendWindow.pushBack(vb)
		if err := vc.ud.postSend(vc, vb, false, nowUS); err != nil {
			vc.debug("drainExtWindow: post_send failed", slog.Any("err", err))
			return
		}
	}
}

// acceptConnectSeq records the initial CONNECT packet's seqnum 0 as received
// without running it through the generic recv path: a CONNECT carries no
// application payload, so it is released immediately — bumping
// next_torecv directly — rather than queued into app_recv_window through
// the general receive algorithm.
func (vc *VC) acceptConnectSeq(vb *VBuf) {
	vc.nextToRecv = vb.seq.Add(1)
	vc.ackSeq = vb.seq
	vc.hasAck = true
	vc.ackNeedToSend = true
	vc.ackPending++
	vc.ud.pool.Put(vb)
}

// recv processes one received packet against the VC's receive state.
func (vc *VC) recv(vb *VBuf, wire Header, nowUS int64) {
	if vc.closing {
		vc.ud.pool.Put(vb)
		return
	}
	vc.processAck(wire, nowUS)

	switch {
	case wire.Type == PacketAck:
		vc.ud.pool.Put(vb)
		return
	case wire.Type == PacketDisconnect:
		vc.closing = true
		vc.ud.pool.Put(vb)
		return
	case wire.SeqNum == vc.nextToRecv:
		vb.state = vbufInAppWin
		vc.appRecvWindow.pushBack(vb)
		vc.nextToRecv = vc.nextToRecv.Add(1)
		vc.spliceContiguous()
	case vc.nextToRecv.LessThan(wire.SeqNum) && !vc.recvWindow.contains(wire.SeqNum) && vc.recvWindow.Len() < vc.cfg.RecvWinSize:
		vb.state = vbufInRecvWin
		vc.recvWindow.insertSorted(vb, vc.nextToRecv)
	default:
		// Duplicate already delivered/queued, or recvWindow is already
		// holding cfg.RecvWinSize out-of-order packets ("maximum number of
		// out-of-order messages that will be buffered" — the sender's
		// retransmit aging recovers a packet dropped here).
		vc.ud.pool.Put(vb)
	}

	vc.ackNeedToSend = true
	vc.ackSeq = vc.nextToRecv.Prev()
	vc.hasAck = true
	vc.ackPending++
	if vc.ackPending >= vc.cfg.MaxAckPending {
		vc.sendExplicitAck(nowUS)
	}
}

// spliceContiguous moves the contiguous prefix of recvWindow starting at the
// new next_torecv into app_recv_window, advancing next_torecv for each.
func (vc *VC) spliceContiguous() {
	for {
		head := vc.recvWindow.head
		if head == nil || head.seq != vc.nextToRecv {
			return
		}
		vc.recvWindow.remove(head)
		head.state = vbufInAppWin
		vc.appRecvWindow.pushBack(head)
		vc.nextToRecv = vc.nextToRecv.Add(1)
	}
}

// processAck retires every send-window entry covered by the wire ack, and
// its unacked-queue membership along with it.
func (vc *VC) processAck(wire Header, nowUS int64) {
	if wire.Type == PacketConnect {
		return
	}
	if wire.AckNum == NoAck {
		return
	}
	oldest := vc.sendWindow.head
	if oldest == nil || !InclBetween(wire.AckNum, oldest.seq, vc.sendWindow.tail.seq) {
		// Nothing in flight, or the ack covers no packet still in the window
		// (e.g. a repeat of an ack already processed).
		vc.drainExtWindow(nowUS)
		return
	}
	var next *VBuf
	for v := oldest; v != nil; v = next {
		next = v.next
		if !InclBetween(v.seq, oldest.seq, wire.AckNum) {
			break
		}
		vc.sendWindow.remove(v)
		vc.ud.unacked.remove(v)
		vc.releaseSendVbuf(v)
	}
	vc.drainExtWindow(nowUS)
}

// releaseSendVbuf implements the SEND_INPROGRESS/FREE_PENDING race: a vbuf
// whose send completion has not yet arrived is marked so the completion
// handler frees it instead.
func (vc *VC) releaseSendVbuf(v *VBuf) {
	switch v.send {
	case sendPosted:
		v.send = sendPostedAcked
	default:
		v.state = vbufFree
		v.send = sendIdle
		vc.ud.pool.Put(v)
	}
}

// sendExplicitAck emits a pure ACK packet (no payload), used both when
// ack_pending crosses max_ack_pending and by the progress thread's
// send_acks sweep.
func (vc *VC) sendExplicitAck(nowUS int64) error {
	if err := vc.send(PacketAck, nil, nowUS); err != nil {
		return err
	}
	vc.explicitAcksSent++
	if vc.metrics != nil {
		vc.metrics.observeAckExplicit()
	}
	return nil
}
