// Package eventbus provides small typed pub-sub topics used to decouple the
// delivery engine from its observers (metrics exporter, host application UI).
//
// Each topic carries exactly one payload type; there is no ordering guarantee
// across topics, and delivery to subscribers is at-most-once per subscriber
// with drop-on-full backpressure. Publishers never block.
package eventbus
