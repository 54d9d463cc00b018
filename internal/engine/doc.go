// Package engine is the notification delivery engine.
//
// The host application raises domain events through ProcessEvent; the engine
// matches them against rules, resolves recipients, routes across channels,
// renders localized content and queues one delivery per (recipient, channel).
// A processor loop dispatches due deliveries with bounded concurrency,
// retrying with exponential backoff behind per-channel rate limits and a
// failure-rate circuit breaker. A health monitor probes channels on its own
// cadence; its verdict feeds both routing and the breaker.
//
// Progress is observable through three typed bus topics (event-processed,
// delivery-updated, channel-health-changed) and the GetChannelHealth /
// GetDeliveryStats snapshots.
package engine
