package ibudtest

import (
	"sync"

	"github.com/procmesh/ibud"
)

// Device is one endpoint's ibud.Fabric implementation over a shared Medium.
type Device struct {
	medium *Medium
	lid    uint16
	qpn    uint32

	mu         sync.Mutex
	recvPosted []ibud.RecvBuffer
	ready      []ibud.Completion // completions waiting to be drained by Poll, send and recv interleaved in arrival order
}

var _ ibud.Fabric = (*Device)(nil)

func (d *Device) LocalAddr() (uint16, uint32) { return d.lid, d.qpn }

func (d *Device) Resolve(lid uint16, qpn uint32) (ibud.AddressHandle, error) {
	return ibud.AddressHandle{LID: lid, QPN: qpn}, nil
}

func (d *Device) PostRecv(bufs []ibud.RecvBuffer) (int, error) {
	d.mu.Lock()
	d.recvPosted = append(d.recvPosted, bufs...)
	d.mu.Unlock()
	return len(bufs), nil
}

// PostSend reports its own send completion immediately (available on the
// sender's next Poll) and attempts delivery to the destination device,
// subject to this link's configured loss/duplication/reorder.
func (d *Device) PostSend(ah ibud.AddressHandle, buf []byte, token uint64) error {
	d.mu.Lock()
	d.ready = append(d.ready, ibud.Completion{Kind: ibud.CompletionSend, Token: token})
	d.mu.Unlock()

	dst, ok := d.medium.device(devKey{ah.LID, ah.QPN})
	if !ok {
		return nil // unreachable peer: send "succeeds" locally, datagram vanishes
	}

	pkt := append([]byte(nil), buf...)
	hdr, _ := ibud.ParseHeader(pkt)

	l := d.medium.link(devKey{d.lid, d.qpn}, devKey{ah.LID, ah.QPN})
	for _, p := range l.sequence(pkt) {
		d.deliver(l, dst, hdr, p)
	}
	return nil
}

func (d *Device) deliver(l *link, dst *Device, hdr ibud.Header, p []byte) {
	copies := 1
	if d.medium.randFloat64() < l.dupRate() {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		if d.medium.randFloat64() < l.dropRate(hdr.Type) {
			continue
		}
		dst.mu.Lock()
		if len(dst.recvPosted) == 0 {
			dst.mu.Unlock()
			continue // no posted buffer: datagram dropped, mirrors a real QP with an empty recv queue
		}
		rb := dst.recvPosted[0]
		dst.recvPosted = dst.recvPosted[1:]
		n := copy(rb.Buf, p)
		dst.ready = append(dst.ready, ibud.Completion{
			Kind:      ibud.CompletionRecv,
			Token:     rb.Token,
			RecvLen:   n,
			SourceLID: d.lid,
			SourceQPN: d.qpn,
		})
		dst.mu.Unlock()
	}
}

func (d *Device) Poll(max int, visit func(ibud.Completion)) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for n < max && len(d.ready) > 0 {
		visit(d.ready[0])
		d.ready = d.ready[1:]
		n++
	}
	return n, nil
}
