package engine

import "time"

// watchdog feeds clock ticks into the actor, which checks them against the
// recording start (max duration) and the stop time (job timeout).
func (o *Orchestrator) watchdog() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.opts.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			// Skip when the inbox is full.
			select {
			case o.inbox <- tickEvent{now: o.now()}:
			default:
			}
		}
	}
}
