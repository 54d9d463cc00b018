package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedTransport returns the scripted errors in order, then nil.
type scriptedTransport struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (s *scriptedTransport) Send(context.Context, SendRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *scriptedTransport) Probe(context.Context) error { return nil }

func (s *scriptedTransport) sendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fixedClock(e *Engine, at time.Time) {
	e.nowFn = func() time.Time { return at }
}

func TestRetryBackoff(t *testing.T) {
	t.Parallel()
	cap := 300 * time.Second
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{7, 128 * time.Second},
		{8, 300 * time.Second},
		{20, 300 * time.Second},
	}
	for _, tc := range tests {
		if got := retryBackoff(tc.attempts, cap); got != tc.want {
			t.Errorf("retryBackoff(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestDispatchRetriesThenDelivers(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fixedClock(e, now)

	boom := errors.New("smtp refused")
	tr := &scriptedTransport{errs: []error{boom, boom}}
	e.AddChannel(Channel{ID: "email", Type: ChannelEmail, Enabled: true}, tr)

	d := &Delivery{
		ID:          "d1",
		ChannelID:   "email",
		RecipientID: "u1",
		Status:      StatusPending,
		MaxAttempts: 3,
		CreatedAt:   now,
		ScheduledAt: now,
	}
	e.records[d.ID] = d

	e.dispatch(context.Background(), d)
	if d.Status != StatusPending {
		t.Fatalf("after first failure status = %s, want pending", d.Status)
	}
	if d.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", d.Attempts)
	}
	if want := now.Add(2 * time.Second); !d.ScheduledAt.Equal(want) {
		t.Fatalf("first retry at %v, want %v", d.ScheduledAt, want)
	}
	if e.queue.remove(d.ID) == nil {
		t.Fatal("failed delivery must be requeued")
	}

	e.dispatch(context.Background(), d)
	if d.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", d.Attempts)
	}
	if want := now.Add(4 * time.Second); !d.ScheduledAt.Equal(want) {
		t.Fatalf("second retry at %v, want %v", d.ScheduledAt, want)
	}
	if e.queue.remove(d.ID) == nil {
		t.Fatal("failed delivery must be requeued")
	}

	e.dispatch(context.Background(), d)
	if d.Status != StatusDelivered {
		t.Fatalf("status = %s, want delivered", d.Status)
	}
	if d.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", d.Attempts)
	}
	if len(d.RetryAt) != 2 {
		t.Fatalf("retry history = %v, want 2 entries", d.RetryAt)
	}
	if d.DeliveredAt == nil || d.LastError != "" {
		t.Fatalf("delivered record incomplete: %+v", d)
	}
	if tr.sendCount() != 3 {
		t.Fatalf("transport called %d times, want 3", tr.sendCount())
	}
}

func TestDispatchTerminalFailure(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fixedClock(e, now)

	boom := errors.New("gateway 502")
	tr := &scriptedTransport{errs: []error{boom, boom, boom, boom}}
	e.AddChannel(Channel{ID: "sms", Type: ChannelSMS, Enabled: true}, tr)

	d := &Delivery{ID: "d1", ChannelID: "sms", Status: StatusPending, MaxAttempts: 3, CreatedAt: now, ScheduledAt: now}
	e.records[d.ID] = d

	for i := 0; i < 3; i++ {
		e.queue.remove(d.ID)
		e.dispatch(context.Background(), d)
	}

	if d.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", d.Status)
	}
	if d.Attempts != d.MaxAttempts {
		t.Fatalf("attempts = %d, want max %d", d.Attempts, d.MaxAttempts)
	}
	if d.FailedAt == nil || d.LastError == "" {
		t.Fatalf("failed record incomplete: %+v", d)
	}
	if e.queue.len() != 0 {
		t.Fatal("terminally failed delivery must not be requeued")
	}
}

func TestDispatchDownChannelDefers(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fixedClock(e, now)

	tr := &scriptedTransport{}
	e.AddChannel(Channel{ID: "push", Type: ChannelPush, Enabled: true}, tr)
	cs, _ := e.reg.channel("push")
	cs.setHealth(HealthDown, now)

	d := &Delivery{ID: "d1", ChannelID: "push", Status: StatusPending, MaxAttempts: 3, ScheduledAt: now}
	e.records[d.ID] = d
	e.dispatch(context.Background(), d)

	if d.Attempts != 0 {
		t.Fatalf("deferral must not count as an attempt, got %d", d.Attempts)
	}
	if want := now.Add(breakerRetryDelay); !d.ScheduledAt.Equal(want) {
		t.Fatalf("deferred to %v, want %v", d.ScheduledAt, want)
	}
	if tr.sendCount() != 0 {
		t.Fatal("transport must not be called for a down channel")
	}
	if e.queue.remove(d.ID) == nil {
		t.Fatal("deferred delivery must be requeued")
	}
}

func TestDispatchCircuitOpensOnRecentFailures(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fixedClock(e, now)

	tr := &scriptedTransport{}
	e.AddChannel(Channel{ID: "email", Type: ChannelEmail, Enabled: true}, tr)
	cs, _ := e.reg.channel("email")
	for i := 0; i < 4; i++ {
		cs.recordFailure(now.Add(-time.Duration(i) * time.Second))
	}

	d := &Delivery{ID: "d1", ChannelID: "email", Status: StatusPending, MaxAttempts: 3, ScheduledAt: now}
	e.records[d.ID] = d
	e.dispatch(context.Background(), d)

	if tr.sendCount() != 0 {
		t.Fatal("open circuit must skip the transport")
	}
	if d.Attempts != 0 {
		t.Fatalf("deferral must not count as an attempt, got %d", d.Attempts)
	}
	if want := now.Add(breakerRetryDelay); !d.ScheduledAt.Equal(want) {
		t.Fatalf("deferred to %v, want %v", d.ScheduledAt, want)
	}
}

func TestDispatchRateLimitDefers(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fixedClock(e, now)

	tr := &scriptedTransport{}
	e.AddChannel(Channel{
		ID: "sms", Type: ChannelSMS, Enabled: true,
		Config: ChannelConfig{RatePerMinute: 1},
	}, tr)

	d1 := &Delivery{ID: "d1", ChannelID: "sms", Status: StatusPending, MaxAttempts: 3, ScheduledAt: now}
	d2 := &Delivery{ID: "d2", ChannelID: "sms", Status: StatusPending, MaxAttempts: 3, ScheduledAt: now}
	e.records[d1.ID] = d1
	e.records[d2.ID] = d2

	e.dispatch(context.Background(), d1)
	if d1.Status != StatusDelivered {
		t.Fatalf("first send status = %s, want delivered", d1.Status)
	}

	e.dispatch(context.Background(), d2)
	if d2.Attempts != 0 {
		t.Fatalf("rate-limited delivery must not consume an attempt, got %d", d2.Attempts)
	}
	if d2.Status != StatusPending {
		t.Fatalf("rate-limited status = %s, want pending", d2.Status)
	}
	if !d2.ScheduledAt.After(now) {
		t.Fatal("rate-limited delivery must be deferred into the future")
	}
	if tr.sendCount() != 1 {
		t.Fatalf("transport called %d times, want 1", tr.sendCount())
	}
}

func TestDrainDueRequeuesRemainderOnShutdown(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fixedClock(e, now)
	addChannel(e, "email", ChannelEmail, true)

	ids := []string{"d1", "d2", "d3"}
	for _, id := range ids {
		d := &Delivery{ID: id, ChannelID: "email", Status: StatusPending, MaxAttempts: 3, ScheduledAt: now.Add(-time.Second)}
		e.records[d.ID] = d
		e.queue.push(d)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if e.drainDue(ctx, now) {
		t.Fatal("drain during shutdown must report stop")
	}
	if got := e.queue.len(); got != len(ids) {
		t.Fatalf("queue len = %d after shutdown drain, want %d", got, len(ids))
	}
	for _, id := range ids {
		if e.queue.remove(id) == nil {
			t.Fatalf("delivery %s lost on shutdown", id)
		}
	}
}

func ruleFixture(e *Engine) {
	e.AddTemplate(Template{
		ID: "tpl",
		Content: map[ChannelType]Block{
			ChannelEmail: {Subject: "Alert", Body: "Something happened"},
			ChannelInApp: {Subject: "Alert", Body: "Something happened"},
			ChannelSMS:   {Body: "Something happened"},
		},
	})
	e.AddRecipient(Recipient{
		ID:    "u1",
		Prefs: Preferences{Channels: []string{"email", "in_app"}},
	})
	e.AddRule(Rule{
		ID:         "r1",
		EventType:  "incident.created",
		Priority:   PriorityCritical,
		TemplateID: "tpl",
		Recipients: []RecipientSpec{{Kind: SpecUser, Value: "u1"}},
		Channels:   []string{"email", "sms", "in_app"},
		Active:     true,
	})
}

func TestProcessEventCreatesPreferredDeliveries(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	addChannel(e, "email", ChannelEmail, true)
	addChannel(e, "sms", ChannelSMS, true)
	addChannel(e, "in_app", ChannelInApp, true)
	ruleFixture(e)

	e.ProcessEvent(Event{Type: "incident.created", Data: map[string]any{"sev": float64(1)}})

	st := e.GetDeliveryStats()
	if st.Total != 2 || st.Pending != 2 {
		t.Fatalf("stats = %+v, want 2 pending deliveries", st)
	}
	for _, d := range e.records {
		if d.ChannelID == "sms" {
			t.Fatal("recipient never opted into sms")
		}
	}
}

func TestProcessEventNoMatchingRule(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	addChannel(e, "email", ChannelEmail, true)
	ruleFixture(e)

	e.ProcessEvent(Event{Type: "invoice.paid"})
	if st := e.GetDeliveryStats(); st.Total != 0 {
		t.Fatalf("stats = %+v, want no deliveries", st)
	}
}

func TestCancelDelivery(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	addChannel(e, "email", ChannelEmail, true)
	addChannel(e, "in_app", ChannelInApp, true)
	ruleFixture(e)
	e.ProcessEvent(Event{Type: "incident.created"})

	var id string
	for k := range e.records {
		id = k
		break
	}
	if id == "" {
		t.Fatal("no delivery created")
	}

	if !e.CancelDelivery(id) {
		t.Fatal("cancel of a queued delivery must succeed")
	}
	if d := e.records[id]; d.Status != StatusFailed || d.LastError != "canceled" {
		t.Fatalf("canceled record = %+v", d)
	}
	if e.CancelDelivery(id) {
		t.Fatal("second cancel must report false")
	}
}

func TestGetDeliveryStatsAverages(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	fixedClock(e, now)
	e.AddChannel(Channel{ID: "email", Type: ChannelEmail, Enabled: true}, &scriptedTransport{})

	d := &Delivery{ID: "d1", ChannelID: "email", Status: StatusPending, MaxAttempts: 3, CreatedAt: now.Add(-3 * time.Second), ScheduledAt: now}
	e.records[d.ID] = d
	e.dispatch(context.Background(), d)

	st := e.GetDeliveryStats()
	if st.Delivered != 1 {
		t.Fatalf("stats = %+v, want 1 delivered", st)
	}
	if st.AvgDeliveryTime != 3*time.Second {
		t.Fatalf("avg delivery time = %v, want 3s", st.AvgDeliveryTime)
	}
}
