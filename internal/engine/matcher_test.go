package engine

import (
	"testing"
	"time"

	logx "herald/pkg/logx"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return New(Config{}, logx.Nop())
}

func TestEvalConditionsLeftFold(t *testing.T) {
	t.Parallel()
	data := map[string]any{
		"status":        "expired",
		"daysRemaining": float64(5),
		"document":      map[string]any{"kind": "passport"},
		"tags":          []any{"hr", "urgent"},
	}

	tests := []struct {
		name  string
		conds []Condition
		want  bool
	}{
		{name: "empty conditions match", conds: nil, want: true},
		{
			name:  "equals",
			conds: []Condition{{Field: "status", Operator: OpEquals, Value: "expired"}},
			want:  true,
		},
		{
			name:  "equals numeric coercion",
			conds: []Condition{{Field: "daysRemaining", Operator: OpEquals, Value: 5}},
			want:  true,
		},
		{
			name:  "nested path",
			conds: []Condition{{Field: "document.kind", Operator: OpEquals, Value: "passport"}},
			want:  true,
		},
		{
			name:  "not_equals on missing field matches",
			conds: []Condition{{Field: "nope", Operator: OpNotEquals, Value: "x"}},
			want:  true,
		},
		{
			name:  "greater_than",
			conds: []Condition{{Field: "daysRemaining", Operator: OpGreaterThan, Value: 3}},
			want:  true,
		},
		{
			name:  "less_than fails",
			conds: []Condition{{Field: "daysRemaining", Operator: OpLessThan, Value: 3}},
			want:  false,
		},
		{
			name:  "contains is case-insensitive",
			conds: []Condition{{Field: "status", Operator: OpContains, Value: "EXP"}},
			want:  true,
		},
		{
			name:  "in",
			conds: []Condition{{Field: "status", Operator: OpIn, Value: []any{"expired", "revoked"}}},
			want:  true,
		},
		{
			name:  "not_in",
			conds: []Condition{{Field: "status", Operator: OpNotIn, Value: []string{"active"}}},
			want:  true,
		},
		{
			name: "and chain",
			conds: []Condition{
				{Field: "status", Operator: OpEquals, Value: "expired"},
				{Field: "daysRemaining", Operator: OpLessThan, Value: 10},
			},
			want: true,
		},
		{
			// Left fold: (true OR false) AND false == false.
			// Precedence-aware evaluation would yield true.
			name: "left fold has no precedence",
			conds: []Condition{
				{Field: "status", Operator: OpEquals, Value: "expired", Logic: LogicOr},
				{Field: "status", Operator: OpEquals, Value: "active", Logic: LogicAnd},
				{Field: "daysRemaining", Operator: OpGreaterThan, Value: 10},
			},
			want: false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := evalConditionsLeftFold(tt.conds, data); got != tt.want {
				t.Fatalf("evalConditionsLeftFold() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFindMatchingRulesPriorityOrder(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	e.AddRule(Rule{ID: "low", EventType: "doc", Priority: PriorityLow, Active: true})
	e.AddRule(Rule{ID: "crit", EventType: "doc", Priority: PriorityCritical, Active: true})
	e.AddRule(Rule{ID: "med", EventType: "doc", Priority: PriorityMedium, Active: true})
	e.AddRule(Rule{ID: "inactive", EventType: "doc", Priority: PriorityCritical, Active: false})
	e.AddRule(Rule{ID: "other", EventType: "payroll", Priority: PriorityCritical, Active: true})

	got := e.FindMatchingRules(Event{Type: "doc"})
	want := []string{"crit", "med", "low"}
	if len(got) != len(want) {
		t.Fatalf("got %d rules, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Fatalf("rule[%d] = %s, want %s", i, got[i].ID, id)
		}
	}
}

func TestFindMatchingRulesConditions(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	e.AddRule(Rule{
		ID: "expiring", EventType: "document_expiry_check", Active: true,
		Conditions: []Condition{{Field: "daysRemaining", Operator: OpLessThan, Value: 7}},
	})

	if got := e.FindMatchingRules(Event{Type: "document_expiry_check", Data: map[string]any{"daysRemaining": 5}}); len(got) != 1 {
		t.Fatalf("expected match, got %d rules", len(got))
	}
	if got := e.FindMatchingRules(Event{Type: "document_expiry_check", Data: map[string]any{"daysRemaining": 30}}); len(got) != 0 {
		t.Fatalf("expected no match, got %d rules", len(got))
	}
}

func TestThrottleCaps(t *testing.T) {
	t.Parallel()
	e := newTestEngine(t)
	e.AddRule(Rule{
		ID: "r", EventType: "doc", Active: true,
		Throttle: Throttle{Enabled: true, MaxPerHour: 2, MaxPerDay: 3},
	})

	ev := Event{Type: "doc"}
	for i := 0; i < 2; i++ {
		if got := e.FindMatchingRules(ev); len(got) != 1 {
			t.Fatalf("match %d: got %d rules, want 1", i, len(got))
		}
	}
	// Hourly cap reached: the rule is skipped, not deferred.
	if got := e.FindMatchingRules(ev); len(got) != 0 {
		t.Fatalf("over hourly cap: got %d rules, want 0", len(got))
	}
}

func TestThrottleDailyCap(t *testing.T) {
	t.Parallel()
	led := newThrottleLedger()
	rule := Rule{ID: "r", Throttle: Throttle{Enabled: true, MaxPerDay: 2}}

	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	if !led.allow(rule, base) {
		t.Fatal("first firing should be allowed")
	}
	if !led.allow(rule, base.Add(2*time.Hour)) {
		t.Fatal("second firing should be allowed")
	}
	if led.allow(rule, base.Add(4*time.Hour)) {
		t.Fatal("third firing should exceed daily cap")
	}
	// A day later the window has rolled over.
	if !led.allow(rule, base.Add(25*time.Hour)) {
		t.Fatal("firing after window rollover should be allowed")
	}
}
