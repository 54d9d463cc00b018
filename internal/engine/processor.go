package engine

import (
	"context"
	"time"

	logx "herald/pkg/logx"
)

// Gate deferral delays. Breaker and rate-limit rejections are scheduling
// deferrals, not failures; the delivery goes back on the queue untouched.
const (
	breakerRetryDelay  = 30 * time.Second
	limiterRetryFloor  = time.Second
	defaultSendTimeout = 10 * time.Second
	probeTimeout       = 5 * time.Second
)

// runProcessor pops due deliveries every tick and dispatches each on its own
// goroutine, bounded by the engine semaphore so a burst cannot open
// unbounded outbound connections. One slow or failing delivery never blocks
// the others.
func (e *Engine) runProcessor(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.drainDue(ctx, e.now()) {
				return
			}
		}
	}
}

// drainDue dispatches every due delivery. On shutdown the whole undispatched
// remainder goes back on the queue so nothing is lost; it reports false so
// the caller stops ticking.
func (e *Engine) drainDue(ctx context.Context, now time.Time) bool {
	due := e.queue.popDue(now)
	for i, d := range due {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			for _, rest := range due[i:] {
				e.queue.push(rest)
			}
			return false
		}
		e.recMu.Lock()
		e.inFlight++
		e.recMu.Unlock()
		go func(d *Delivery) {
			defer func() {
				e.recMu.Lock()
				e.inFlight--
				e.recMu.Unlock()
				e.sem.Release(1)
			}()
			e.dispatch(ctx, d)
		}(d)
	}
	return true
}

// dispatch runs the full per-delivery send path: breaker gate, rate-limit
// gate, transport send, then state transition plus channel metrics.
func (e *Engine) dispatch(ctx context.Context, d *Delivery) {
	cs, ok := e.reg.channel(d.ChannelID)
	if !ok {
		// Channels cannot be deleted, so this only happens on a corrupted
		// record. Terminal-fail it rather than looping forever.
		e.failDelivery(d, ErrUnknownChannel.Error())
		return
	}

	now := e.now()
	snap := cs.snapshot()

	// Circuit breaker: a down channel, or a channel whose recent failure
	// rate crossed the threshold, is skipped and the delivery rescheduled.
	if snap.Health == HealthDown {
		e.reschedule(d, now.Add(breakerRetryDelay))
		return
	}
	if rate, n := cs.recentFailureRate(now); n >= breakerMinSamples && rate > e.cfg.DownThreshold {
		e.log.Debug("circuit open; delivery deferred",
			logx.String("channel", d.ChannelID),
			logx.String("delivery", d.ID),
			logx.Float64("failure_rate", rate))
		e.reschedule(d, now.Add(breakerRetryDelay))
		return
	}

	// Rate limiter: over-quota sends are deferred until the bucket refills.
	res := cs.limiter.Reserve()
	if !res.OK() {
		e.reschedule(d, now.Add(time.Minute))
		return
	}
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		if delay < limiterRetryFloor {
			delay = limiterRetryFloor
		}
		e.reschedule(d, now.Add(delay))
		return
	}

	timeout := snap.Config.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}

	e.recMu.Lock()
	d.Attempts++
	d.Status = StatusSent
	sentAt := now
	d.SentAt = &sentAt
	e.recMu.Unlock()
	e.publishDelivery(d)

	sctx, cancel := context.WithTimeout(ctx, timeout)
	err := cs.transport.Send(sctx, SendRequest{
		ChannelID:   snap.ID,
		ChannelType: snap.Type,
		Endpoint:    snap.Config.Endpoint,
		RecipientID: d.RecipientID,
		Payload:     d.Content,
	})
	cancel()
	finished := e.now()

	if err == nil {
		cs.recordSuccess(finished, finished.Sub(sentAt))
		e.recMu.Lock()
		d.Status = StatusDelivered
		d.DeliveredAt = &finished
		d.LastError = ""
		e.deliveredSum += finished.Sub(d.CreatedAt)
		e.deliveredCount++
		e.recMu.Unlock()
		e.publishDelivery(d)
		e.log.Debug("delivery succeeded",
			logx.String("delivery", d.ID),
			logx.String("channel", d.ChannelID),
			logx.Int("attempts", d.Attempts),
			logx.Duration("latency", finished.Sub(sentAt)))
		return
	}

	cs.recordFailure(finished)

	e.recMu.Lock()
	attempts, maxAttempts := d.Attempts, d.MaxAttempts
	d.LastError = err.Error()
	e.recMu.Unlock()

	if attempts < maxAttempts {
		retryAt := finished.Add(retryBackoff(attempts, e.cfg.RetryMaxDelay))
		e.recMu.Lock()
		d.Status = StatusPending
		d.ScheduledAt = retryAt
		d.RetryAt = append(d.RetryAt, retryAt)
		e.recMu.Unlock()
		e.queue.push(d)
		e.publishDelivery(d)
		e.log.Warn("delivery failed; retry scheduled",
			logx.String("delivery", d.ID),
			logx.String("channel", d.ChannelID),
			logx.Int("attempt", attempts),
			logx.Time("retry_at", retryAt),
			logx.Err(err))
		return
	}

	e.failDelivery(d, err.Error())
	e.log.Error("delivery failed terminally",
		logx.String("delivery", d.ID),
		logx.String("channel", d.ChannelID),
		logx.Int("attempts", attempts),
		logx.Err(err))
}

func (e *Engine) failDelivery(d *Delivery, cause string) {
	now := e.now()
	e.recMu.Lock()
	d.Status = StatusFailed
	d.FailedAt = &now
	d.LastError = cause
	e.recMu.Unlock()
	e.publishDelivery(d)
}

// reschedule requeues a delivery without touching its attempt count.
func (e *Engine) reschedule(d *Delivery, at time.Time) {
	e.recMu.Lock()
	d.Status = StatusPending
	d.ScheduledAt = at
	e.recMu.Unlock()
	e.queue.push(d)
}

// retryBackoff is 2^attempts seconds, capped. With the default cap the
// sequence is 2s, 4s, 8s, ... up to 300s.
func retryBackoff(attempts int, maxDelay time.Duration) time.Duration {
	d := time.Second
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}
