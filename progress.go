package ibud

import "time"

// progressLoop wakes on a fixed interval, emits pending ACKs, drains the CQ
// fully, and retransmits timed-out packets, all under the comm lock. Runs
// until stop is closed.
func (e *engine) progressLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(e.cfg.ProgressTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.mu.Lock()
			e.sendAcks()
			if err := e.drainCQ(); err != nil {
				e.mu.Unlock()
				continue
			}
			e.checkResend()
			e.mu.Unlock()
		}
	}
}
