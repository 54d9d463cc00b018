package engine

import (
	"context"

	logx "herald/pkg/logx"
)

// probeChannels recomputes every channel's health from the same rolling
// outcome window the circuit breaker reads. A channel whose recent failure
// rate exceeds the down threshold, or whose transport probe fails, is marked
// down; a rate above the degraded threshold marks it degraded; otherwise
// healthy. A down channel receives no traffic, so its bad outcomes age out
// of the window and the channel recovers on a later pass.
//
// The router and the processor's breaker gate both read the resulting
// health field; this is the single source of truth for channel state.
func (e *Engine) probeChannels(ctx context.Context) {
	now := e.now()
	for _, cs := range e.reg.channelStates() {
		snap := cs.snapshot()

		status := HealthHealthy
		rate, n := cs.recentFailureRate(now)
		switch {
		case n >= breakerMinSamples && rate > e.cfg.DownThreshold:
			status = HealthDown
		case n >= breakerMinSamples && rate > e.cfg.DegradedThreshold:
			status = HealthDegraded
		}

		// Only probe the transport when metrics look fine; a failing probe
		// overrides a clean failure rate.
		if status != HealthDown && cs.transport != nil {
			pctx, cancel := context.WithTimeout(ctx, probeTimeout)
			err := cs.transport.Probe(pctx)
			cancel()
			if err != nil {
				status = HealthDown
				e.log.Warn("channel probe failed",
					logx.String("channel", snap.ID),
					logx.Err(err))
			}
		}

		prev, changed := cs.setHealth(status, now)
		if !changed {
			continue
		}
		e.HealthBus.Publish(HealthChanged{ChannelID: snap.ID, From: prev, To: status, At: now})
		e.log.Info("channel health changed",
			logx.String("channel", snap.ID),
			logx.String("from", string(prev)),
			logx.String("to", string(status)),
			logx.Float64("failure_rate", rate))
	}
}
