package engine

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"

	"herald/internal/eventbus"
	logx "herald/pkg/logx"
)

// Config controls the delivery engine.
type Config struct {
	// Tick is the processor cadence.
	Tick time.Duration

	// DispatchLimit bounds concurrent in-flight sends.
	DispatchLimit int

	// MaxAttempts is the default attempt cap when the channel config does
	// not set one.
	MaxAttempts int

	// RetryMaxDelay caps the exponential retry backoff.
	RetryMaxDelay time.Duration

	// HealthInterval is the health monitor cadence.
	HealthInterval time.Duration

	// DownThreshold marks a channel down when its failure rate exceeds it.
	// DegradedThreshold marks it degraded above that but at or below down.
	DownThreshold     float64
	DegradedThreshold float64

	// Timezone for business-hours scheduling. Empty means time.Local.
	Timezone           string
	BusinessHoursStart int
	BusinessHoursEnd   int
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.DispatchLimit <= 0 {
		c.DispatchLimit = 10
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 300 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 30 * time.Second
	}
	if c.DownThreshold <= 0 {
		c.DownThreshold = 0.5
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = 0.25
	}
	if c.BusinessHoursStart <= 0 {
		c.BusinessHoursStart = 9
	}
	if c.BusinessHoursEnd <= 0 {
		c.BusinessHoursEnd = 18
	}
	return c
}

// Engine is the notification delivery engine. The host application raises
// events through ProcessEvent and reads back health/statistics; everything
// between (matching, routing, rendering, scheduling, retries) happens here.
type Engine struct {
	cfg Config
	log logx.Logger

	reg      *Registry
	queue    *deliveryQueue
	throttle *throttleLedger

	// Bus topics the host application and the metrics exporter subscribe to.
	Events     *eventbus.Topic[EventProcessed]
	Deliveries *eventbus.Topic[DeliveryUpdated]
	HealthBus  *eventbus.Topic[HealthChanged]

	// Delivery records, guarded by recMu. The processor is the only writer
	// after creation.
	recMu           sync.Mutex
	records         map[string]*Delivery
	deliveredSum    time.Duration
	deliveredCount  int
	inFlight        int
	processedEvents uint64

	sem *semaphore.Weighted

	loc           *time.Location
	businessStart int
	businessEnd   int

	runMu     sync.Mutex
	running   bool
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	cron      *cron.Cron

	// nowFn is swappable in tests.
	nowFn func() time.Time
}

func New(cfg Config, log logx.Logger) *Engine {
	cfg = cfg.withDefaults()
	loc := time.Local
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		} else {
			log.Warn("invalid engine timezone; using local", logx.String("tz", cfg.Timezone), logx.Err(err))
		}
	}
	return &Engine{
		cfg:           cfg,
		log:           log,
		reg:           NewRegistry(),
		queue:         newDeliveryQueue(),
		throttle:      newThrottleLedger(),
		Events:        eventbus.NewTopic[EventProcessed](),
		Deliveries:    eventbus.NewTopic[DeliveryUpdated](),
		HealthBus:     eventbus.NewTopic[HealthChanged](),
		records:       map[string]*Delivery{},
		sem:           semaphore.NewWeighted(int64(cfg.DispatchLimit)),
		loc:           loc,
		businessStart: cfg.BusinessHoursStart,
		businessEnd:   cfg.BusinessHoursEnd,
		nowFn:         time.Now,
	}
}

func (e *Engine) now() time.Time { return e.nowFn() }

// ---- Registration APIs (idempotent upserts by ID) ----

func (e *Engine) AddChannel(ch Channel, tr Transport) { e.reg.UpsertChannel(ch, tr) }
func (e *Engine) AddRule(r Rule)                      { e.reg.UpsertRule(r) }
func (e *Engine) AddTemplate(t Template)              { e.reg.UpsertTemplate(t) }
func (e *Engine) AddRecipient(rc Recipient)           { e.reg.UpsertRecipient(rc) }

// RegisterResolver installs a custom recipient-spec resolver (e.g.
// "project_members" backed by the host application's project data).
func (e *Engine) RegisterResolver(name string, fn CustomResolver) {
	e.reg.RegisterResolver(name, fn)
}

// ProcessEvent matches the event against active rules and enqueues one
// delivery per (recipient, channel). It never waits for delivery completion;
// observers follow progress via the Deliveries topic.
//
// A panic or error while processing one event is contained to that event.
func (e *Engine) ProcessEvent(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event processing panic",
				logx.String("event", ev.ID),
				logx.String("type", ev.Type),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	now := e.now()
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Meta.At.IsZero() {
		ev.Meta.At = now
	}

	rules := e.FindMatchingRules(ev)
	created := 0
	for _, rule := range rules {
		created += e.processRule(rule, ev, now)
	}

	e.recMu.Lock()
	e.processedEvents++
	e.recMu.Unlock()

	e.Events.Publish(EventProcessed{EventID: ev.ID, RulesMatched: len(rules), At: now})
	e.log.Debug("event processed",
		logx.String("event", ev.ID),
		logx.String("type", ev.Type),
		logx.Int("rules", len(rules)),
		logx.Int("deliveries", created))
}

// processRule expands one matched rule into deliveries. Configuration gaps
// (missing template or channel) skip the rule or delivery, never the event.
func (e *Engine) processRule(rule Rule, ev Event, now time.Time) int {
	tpl, ok := e.reg.template(rule.TemplateID)
	if !ok {
		e.log.Warn("rule references missing template",
			logx.String("rule", rule.ID),
			logx.String("template", rule.TemplateID))
		return 0
	}

	prio := rule.Priority
	if ev.Priority != "" {
		prio = ev.Priority
	}

	notifID := uuid.NewString()
	created := 0
	for _, rc := range e.ResolveRecipients(rule.Recipients, ev) {
		for _, chID := range e.SelectChannels(rule.Channels, rc, prio) {
			cs, ok := e.reg.channel(chID)
			if !ok {
				e.log.Warn("rule references missing channel",
					logx.String("rule", rule.ID),
					logx.String("channel", chID))
				continue
			}
			snap := cs.snapshot()

			payload, err := e.Render(tpl, snap.Type, ev.Data, rc)
			if err != nil {
				// Rendering failure is terminal for this one delivery only.
				e.log.Error("render failed",
					logx.String("rule", rule.ID),
					logx.String("recipient", rc.ID),
					logx.String("channel", chID),
					logx.Err(err))
				continue
			}

			maxAttempts := snap.Config.MaxAttempts
			if maxAttempts <= 0 {
				maxAttempts = e.cfg.MaxAttempts
			}
			d := &Delivery{
				ID:             uuid.NewString(),
				NotificationID: notifID,
				RecipientID:    rc.ID,
				ChannelID:      chID,
				Status:         StatusPending,
				MaxAttempts:    maxAttempts,
				CreatedAt:      now,
				ScheduledAt:    e.scheduleFor(now, rule, rc, prio),
				Content:        payload,
			}

			e.recMu.Lock()
			e.records[d.ID] = d
			e.recMu.Unlock()
			e.queue.push(d)
			e.publishDelivery(d)
			created++
		}
	}
	return created
}

// CancelDelivery removes a delivery that has not been dispatched yet.
// Returns false when the delivery is unknown or already in flight.
func (e *Engine) CancelDelivery(id string) bool {
	d := e.queue.remove(id)
	if d == nil {
		return false
	}
	now := e.now()
	e.recMu.Lock()
	d.Status = StatusFailed
	d.FailedAt = &now
	d.LastError = "canceled"
	e.recMu.Unlock()
	e.publishDelivery(d)
	return true
}

// GetChannelHealth returns the dashboard view of all channels.
func (e *Engine) GetChannelHealth() []ChannelHealth {
	snaps := e.reg.ChannelSnapshots()
	out := make([]ChannelHealth, 0, len(snaps))
	for _, ch := range snaps {
		out = append(out, ChannelHealth{ChannelID: ch.ID, Status: ch.Health, Metrics: ch.Metrics})
	}
	return out
}

// GetDeliveryStats returns the aggregated delivery snapshot.
func (e *Engine) GetDeliveryStats() Stats {
	e.recMu.Lock()
	defer e.recMu.Unlock()
	st := Stats{Total: len(e.records)}
	for _, d := range e.records {
		switch d.Status {
		case StatusPending:
			st.Pending++
		case StatusSent:
			st.Sent++
		case StatusDelivered:
			st.Delivered++
		case StatusFailed:
			st.Failed++
		}
	}
	if e.deliveredCount > 0 {
		st.AvgDeliveryTime = e.deliveredSum / time.Duration(e.deliveredCount)
	}
	return st
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Running         bool
	QueueLen        int
	InFlight        int
	DispatchLimit   int
	ProcessedEvents uint64
	Channels        int
}

func (e *Engine) Snapshot() Snapshot {
	e.runMu.Lock()
	running := e.running
	e.runMu.Unlock()
	e.recMu.Lock()
	inFlight := e.inFlight
	processed := e.processedEvents
	e.recMu.Unlock()
	return Snapshot{
		Running:         running,
		QueueLen:        e.queue.len(),
		InFlight:        inFlight,
		DispatchLimit:   e.cfg.DispatchLimit,
		ProcessedEvents: processed,
		Channels:        len(e.reg.ChannelSnapshots()),
	}
}

// publishDelivery emits a snapshot of the delivery on the Deliveries topic.
func (e *Engine) publishDelivery(d *Delivery) {
	e.recMu.Lock()
	cp := *d
	cp.RetryAt = append([]time.Time(nil), d.RetryAt...)
	e.recMu.Unlock()
	e.Deliveries.Publish(DeliveryUpdated{Delivery: cp, At: e.now()})
}

// Start launches the processor loop and the health monitor. It returns
// immediately; Stop (or ctx cancellation) shuts both down.
func (e *Engine) Start(ctx context.Context) error {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return nil
	}
	rctx, cancel := context.WithCancel(ctx)
	e.runCancel = cancel
	e.running = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runProcessor(rctx)
	}()

	// Health probes and throttle-ledger pruning are timer-driven.
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(e.loc))
	if _, err := c.AddFunc("@every "+e.cfg.HealthInterval.String(), func() { e.probeChannels(rctx) }); err != nil {
		e.log.Error("health schedule failed", logx.Err(err))
	}
	if _, err := c.AddFunc("@hourly", func() { e.throttle.prune(e.now()) }); err != nil {
		e.log.Error("prune schedule failed", logx.Err(err))
	}
	c.Start()
	e.cron = c

	e.log.Info("engine started",
		logx.Duration("tick", e.cfg.Tick),
		logx.Int("dispatch_limit", e.cfg.DispatchLimit),
		logx.Duration("health_interval", e.cfg.HealthInterval))
	return nil
}

// Stop cancels the loops and waits for in-flight dispatches, best-effort
// until ctx expires.
func (e *Engine) Stop(ctx context.Context) {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	e.running = false
	cancel := e.runCancel
	c := e.cron
	e.cron = nil
	e.runMu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	e.log.Info("engine stopped")
}
