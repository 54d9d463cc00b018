package engine

import (
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// CustomResolver resolves a custom recipient spec value against event data,
// returning recipient IDs. Unknown targets should return nil, not an error.
type CustomResolver func(value string, data map[string]any) []string

// channelState pairs a registered channel with its transport, rate limiter
// and recent-outcome window. All mutable channel fields (health, metrics,
// outcomes) are guarded by mu, so concurrent deliveries on the same channel
// serialize their metric updates.
type channelState struct {
	mu sync.Mutex
	ch Channel

	transport Transport
	limiter   *rate.Limiter

	// recent send outcomes for the circuit-breaker gate.
	outcomes []outcome
}

type outcome struct {
	at time.Time
	ok bool
}

// breakerWindow bounds how far back the circuit breaker looks, and
// breakerMinSamples avoids tripping on a thin sample.
const (
	breakerWindow     = time.Minute
	breakerMinSamples = 4
	maxOutcomes       = 64
)

func (cs *channelState) snapshot() Channel {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.ch
}

func (cs *channelState) recordSuccess(now time.Time, latency time.Duration) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.ch.Metrics.Sent++
	cs.ch.Metrics.Delivered++
	// EMA with alpha 0.2; first sample seeds the average.
	if cs.ch.Metrics.AvgLatency == 0 {
		cs.ch.Metrics.AvgLatency = latency
	} else {
		cs.ch.Metrics.AvgLatency = time.Duration(0.8*float64(cs.ch.Metrics.AvgLatency) + 0.2*float64(latency))
	}
	cs.pushOutcomeLocked(outcome{at: now, ok: true})
}

func (cs *channelState) recordFailure(now time.Time) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.ch.Metrics.Sent++
	cs.ch.Metrics.Failed++
	cs.pushOutcomeLocked(outcome{at: now, ok: false})
}

func (cs *channelState) pushOutcomeLocked(o outcome) {
	cs.outcomes = append(cs.outcomes, o)
	if len(cs.outcomes) > maxOutcomes {
		cs.outcomes = cs.outcomes[len(cs.outcomes)-maxOutcomes:]
	}
}

// recentFailureRate reports (rate, sampleCount) over the rolling window.
// Both the breaker gate and the health monitor read it.
func (cs *channelState) recentFailureRate(now time.Time) (float64, int) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cutoff := now.Add(-breakerWindow)
	total, failed := 0, 0
	for _, o := range cs.outcomes {
		if o.at.Before(cutoff) {
			continue
		}
		total++
		if !o.ok {
			failed++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}

// setHealth transitions the channel health and reports the previous status
// and whether it changed.
func (cs *channelState) setHealth(status HealthStatus, at time.Time) (HealthStatus, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	prev := cs.ch.Health
	cs.ch.Health = status
	cs.ch.LastCheckedAt = at
	return prev, prev != status
}

func (cs *channelState) reliability() float64 {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.ch.Metrics.Sent == 0 {
		// No history yet; treat as fully reliable so new channels are usable.
		return 1
	}
	return float64(cs.ch.Metrics.Delivered) / float64(cs.ch.Metrics.Sent)
}

func (cs *channelState) avgLatency() time.Duration {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.ch.Metrics.AvgLatency
}

// Registry owns the channel/rule/template/recipient collections. Each
// collection is guarded by its own mutex so registration and lookup are safe
// under concurrent event processing.
type Registry struct {
	chMu     sync.RWMutex
	channels map[string]*channelState

	ruleMu sync.RWMutex
	rules  map[string]Rule

	tplMu     sync.RWMutex
	templates map[string]Template

	rcptMu     sync.RWMutex
	recipients map[string]Recipient

	resMu     sync.RWMutex
	resolvers map[string]CustomResolver
}

func NewRegistry() *Registry {
	return &Registry{
		channels:   map[string]*channelState{},
		rules:      map[string]Rule{},
		templates:  map[string]Template{},
		recipients: map[string]Recipient{},
		resolvers:  map[string]CustomResolver{},
	}
}

// UpsertChannel registers or replaces a channel and its transport.
// A replaced channel keeps its accumulated metrics and health.
func (r *Registry) UpsertChannel(ch Channel, tr Transport) {
	if strings.TrimSpace(ch.ID) == "" {
		return
	}
	if ch.Health == "" {
		ch.Health = HealthHealthy
	}
	if ch.Config.MaxAttempts <= 0 {
		ch.Config.MaxAttempts = 3
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if ch.Config.RatePerMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(ch.Config.RatePerMinute)), ch.Config.RatePerMinute)
	}

	r.chMu.Lock()
	defer r.chMu.Unlock()
	if prev, ok := r.channels[ch.ID]; ok {
		prev.mu.Lock()
		ch.Metrics = prev.ch.Metrics
		ch.Health = prev.ch.Health
		ch.LastCheckedAt = prev.ch.LastCheckedAt
		outcomes := prev.outcomes
		prev.mu.Unlock()
		r.channels[ch.ID] = &channelState{ch: ch, transport: tr, limiter: lim, outcomes: outcomes}
		return
	}
	r.channels[ch.ID] = &channelState{ch: ch, transport: tr, limiter: lim}
}

func (r *Registry) channel(id string) (*channelState, bool) {
	r.chMu.RLock()
	defer r.chMu.RUnlock()
	cs, ok := r.channels[id]
	return cs, ok
}

func (r *Registry) channelStates() []*channelState {
	r.chMu.RLock()
	defer r.chMu.RUnlock()
	out := make([]*channelState, 0, len(r.channels))
	for _, cs := range r.channels {
		out = append(out, cs)
	}
	return out
}

// ChannelSnapshots returns copies of all channels, sorted by ID for stable
// dashboard output.
func (r *Registry) ChannelSnapshots() []Channel {
	states := r.channelStates()
	out := make([]Channel, 0, len(states))
	for _, cs := range states {
		out = append(out, cs.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) UpsertRule(rule Rule) {
	if strings.TrimSpace(rule.ID) == "" {
		return
	}
	if rule.Priority == "" {
		rule.Priority = PriorityMedium
	}
	r.ruleMu.Lock()
	r.rules[rule.ID] = rule
	r.ruleMu.Unlock()
}

func (r *Registry) rulesForEvent(eventType string) []Rule {
	r.ruleMu.RLock()
	defer r.ruleMu.RUnlock()
	out := make([]Rule, 0, 4)
	for _, rule := range r.rules {
		if rule.Active && rule.EventType == eventType {
			out = append(out, rule)
		}
	}
	// Stable candidate order before priority sorting.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) UpsertTemplate(t Template) {
	if strings.TrimSpace(t.ID) == "" {
		return
	}
	r.tplMu.Lock()
	r.templates[t.ID] = t
	r.tplMu.Unlock()
}

func (r *Registry) template(id string) (Template, bool) {
	r.tplMu.RLock()
	defer r.tplMu.RUnlock()
	t, ok := r.templates[id]
	return t, ok
}

func (r *Registry) UpsertRecipient(rc Recipient) {
	if strings.TrimSpace(rc.ID) == "" {
		return
	}
	r.rcptMu.Lock()
	r.recipients[rc.ID] = rc
	r.rcptMu.Unlock()
}

func (r *Registry) recipient(id string) (Recipient, bool) {
	r.rcptMu.RLock()
	defer r.rcptMu.RUnlock()
	rc, ok := r.recipients[id]
	return rc, ok
}

func (r *Registry) recipientsByTag(match func(Recipient) bool) []Recipient {
	r.rcptMu.RLock()
	defer r.rcptMu.RUnlock()
	var out []Recipient
	for _, rc := range r.recipients {
		if match(rc) {
			out = append(out, rc)
		}
	}
	return out
}

// RegisterResolver installs a custom recipient-spec resolver under a name.
func (r *Registry) RegisterResolver(name string, fn CustomResolver) {
	if strings.TrimSpace(name) == "" || fn == nil {
		return
	}
	r.resMu.Lock()
	r.resolvers[name] = fn
	r.resMu.Unlock()
}

func (r *Registry) resolver(name string) (CustomResolver, bool) {
	r.resMu.RLock()
	defer r.resMu.RUnlock()
	fn, ok := r.resolvers[name]
	return fn, ok
}
