package ibud

import "log/slog"

// checkResend walks the global unacked queue from its head (oldest send
// time first) retransmitting anything older than retry_timeout, stopping at
// the first entry still within the window since the queue is time-ordered.
// Must be called with the comm lock held.
func (e *engine) checkResend() {
	now := e.nowUS()
	for {
		head := e.ud.unacked.head
		if head == nil {
			return
		}
		age := now - head.sendTimeUS
		if age < e.cfg.RetryTimeout.Microseconds() {
			return
		}
		if age > e.cfg.MaxRetryTimeout.Microseconds() {
			e.metrics.observeFatal()
			e.onFatal(&FatalError{Endpoint: head.vc.readid, Err: ErrRetryExceeded})
			return
		}
		vc := head.vc
		vc.resends++
		e.metrics.observeResend()
		if err := e.ud.postSend(vc, head, true, now); err != nil {
			vc.debug("checkResend: post_send failed", slog.Any("err", err))
			return
		}
	}
}

// sendAcks walks every connected VC and emits a pure ACK for any that have
// data to acknowledge but nothing queued to piggyback it on. Must be called
// with the comm lock held.
func (e *engine) sendAcks() {
	now := e.nowUS()
	for _, vc := range e.vcs {
		if vc.state != VCConnected {
			continue
		}
		if !vc.ackNeedToSend {
			continue
		}
		if err := vc.sendExplicitAck(now); err != nil {
			vc.debug("sendAcks: failed to emit explicit ack", slog.Any("err", err))
		}
	}
}
