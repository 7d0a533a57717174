package ibud

import (
	"bytes"
	"fmt"

	"github.com/procmesh/ibud/internal"
)

// parseEndpointName parses the "IBUD:%04x:%06x" endpoint/channel name
// format into (lid, qpn).
func parseEndpointName(name string) (lid uint16, qpn uint32, err error) {
	var lid32 uint32
	n, err := fmt.Sscanf(name, "IBUD:%04x:%06x", &lid32, &qpn)
	if err != nil || n != 2 {
		return 0, 0, fmt.Errorf("ibud: malformed endpoint name %q", name)
	}
	return uint16(lid32), qpn, nil
}

func endpointName(lid uint16, qpn uint32) string {
	return fmt.Sprintf("IBUD:%04x:%06x", lid, qpn)
}

// connect is the active side of the connect/accept handshake. Must be
// called with the comm lock held; it drops and reacquires the lock while
// waiting on the peer's ACCEPT.
func (e *engine) connect(name string) (*Channel, error) {
	lid, qpn, err := parseEndpointName(name)
	if err != nil {
		return nil, err
	}

	vc := e.allocVC()
	ah, err := e.ud.fab.Resolve(lid, qpn)
	if err != nil {
		return nil, e.logerr("connect: failed to resolve address handle", err)
	}
	vc.ah = ah
	vc.state = VCConnecting

	payload := fmt.Sprintf("%06x:%04x:%06x\x00", vc.readid, e.ud.localLID, e.ud.localQPN)
	if err := vc.send(PacketConnect, []byte(payload), e.nowUS()); err != nil {
		return nil, err
	}

	vb, err := e.waitAppRecv(vc)
	if err != nil {
		return nil, err
	}
	peerReadID, err := parseAcceptPayload(vb.Payload[HeaderSize:])
	e.ud.pool.Put(vb)
	if err != nil {
		return nil, err
	}
	vc.writeid = peerReadID
	vc.state = VCConnected

	return &Channel{vc: vc, name: endpointName(lid, qpn), e: e}, nil
}

// accept is the passive side of the connect/accept handshake. Must be
// called with the comm lock held; it drops and reacquires the lock while
// waiting on the connect backlog.
func (e *engine) accept() (*Channel, error) {
	for {
		ce, err := e.waitConnectBacklog()
		if err != nil {
			return nil, err
		}

		wire, ok := ParseHeader(ce.vb.Payload)
		if !ok {
			e.ud.pool.Put(ce.vb)
			continue
		}
		peerReadID, peerLID, peerQPN, err := parseConnectPayload(ce.vb.Payload[HeaderSize:])
		if err != nil {
			e.debug("accept: malformed connect payload")
			e.ud.pool.Put(ce.vb)
			continue
		}

		if _, dup := e.findAccepted(peerLID, peerQPN, peerReadID); dup {
			// Duplicate CONNECT: peer retransmitted because our ACCEPT was
			// lost, or because it arrived reordered.
			e.ud.pool.Put(ce.vb)
			continue
		}

		vc := e.allocVC()
		vc.writeid = peerReadID
		ah, err := e.ud.fab.Resolve(peerLID, peerQPN)
		if err != nil {
			e.ud.pool.Put(ce.vb)
			return nil, e.logerr("accept: failed to resolve address handle", err)
		}
		vc.ah = ah
		e.accepted = append(e.accepted, acceptedEntry{lid: peerLID, qpn: peerQPN, id: peerReadID, vc: vc})

		ce.vb.seq = wire.SeqNum
		vc.acceptConnectSeq(ce.vb)

		payload := fmt.Sprintf("%06x\x00", vc.readid)
		if err := vc.send(PacketAccept, []byte(payload), e.nowUS()); err != nil {
			return nil, err
		}
		vc.state = VCConnected

		return &Channel{vc: vc, name: endpointName(peerLID, peerQPN), e: e}, nil
	}
}

// waitAppRecv blocks (dropping the comm lock) until vc has something in its
// app-recv window, draining the CQ on every wakeup.
func (e *engine) waitAppRecv(vc *VC) (*VBuf, error) {
	bo := internal.NewBackoff(internal.BackoffBlockingCall)
	for vc.appRecvWindow.Len() == 0 {
		e.mu.Unlock()
		bo.Miss()
		e.mu.Lock()
		if err := e.drainCQ(); err != nil {
			return nil, err
		}
	}
	return vc.appRecvWindow.popFront(), nil
}

// waitConnectBacklog blocks (dropping the comm lock) until a CONNECT packet
// is available on the backlog.
func (e *engine) waitConnectBacklog() (connectEntry, error) {
	bo := internal.NewBackoff(internal.BackoffBlockingCall)
	for len(e.connectBacklog) == 0 {
		e.mu.Unlock()
		bo.Miss()
		e.mu.Lock()
		if err := e.drainCQ(); err != nil {
			return connectEntry{}, err
		}
	}
	ce := e.connectBacklog[0]
	e.connectBacklog = e.connectBacklog[1:]
	return ce, nil
}

// parseConnectPayload parses the NUL-terminated ASCII "%06x:%04x:%06x"
// CONNECT payload.
func parseConnectPayload(buf []byte) (readid uint64, lid uint16, qpn uint32, err error) {
	idx := bytes.IndexByte(buf, 0)
	if idx < 0 {
		idx = len(buf)
	}
	var id32, lid32 uint32
	n, err := fmt.Sscanf(string(buf[:idx]), "%06x:%04x:%06x", &id32, &lid32, &qpn)
	if err != nil || n != 3 {
		return 0, 0, 0, fmt.Errorf("ibud: malformed connect payload")
	}
	return uint64(id32), uint16(lid32), qpn, nil
}

// parseAcceptPayload parses the NUL-terminated ASCII "%06x" ACCEPT payload.
func parseAcceptPayload(buf []byte) (readid uint64, err error) {
	idx := bytes.IndexByte(buf, 0)
	if idx < 0 {
		idx = len(buf)
	}
	var id32 uint32
	n, err := fmt.Sscanf(string(buf[:idx]), "%06x", &id32)
	if err != nil || n != 1 {
		return 0, fmt.Errorf("ibud: malformed accept payload")
	}
	return uint64(id32), nil
}
