package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "herald/pkg/logx"
)

// FindMatchingRules returns the active rules matching the event, throttles
// applied, sorted by priority weight descending (ties keep registry order).
func (e *Engine) FindMatchingRules(ev Event) []Rule {
	now := e.now()
	candidates := e.reg.rulesForEvent(ev.Type)
	out := make([]Rule, 0, len(candidates))
	for _, rule := range candidates {
		if !evalConditionsLeftFold(rule.Conditions, ev.Data) {
			continue
		}
		if !e.throttle.allow(rule, now) {
			e.log.Debug("rule throttled", logx.String("rule", rule.ID), logx.String("event", ev.ID))
			continue
		}
		out = append(out, rule)
	}
	// Stable sort so equal-priority rules keep their candidate order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.weight() > out[j].Priority.weight()
	})
	return out
}

// evalConditionsLeftFold evaluates the condition list as a left fold: the
// running result is combined with each next condition using the Logic
// attached to the PREVIOUS condition (default AND). There is no operator
// precedence; "a OR b AND c" evaluates as "(a OR b) AND c".
//
// This mirrors the behavior the rule authors currently rely on. Switching to
// precedence-aware evaluation would silently change which rules fire and
// needs product sign-off first.
func evalConditionsLeftFold(conds []Condition, data map[string]any) bool {
	if len(conds) == 0 {
		return true
	}
	result := evalCondition(conds[0], data)
	for i := 1; i < len(conds); i++ {
		next := evalCondition(conds[i], data)
		join := conds[i-1].Logic
		if join == LogicOr {
			result = result || next
		} else {
			result = result && next
		}
	}
	return result
}

func evalCondition(c Condition, data map[string]any) bool {
	got, ok := lookupPath(data, c.Field)
	switch c.Operator {
	case OpEquals:
		return ok && looseEqual(got, c.Value)
	case OpNotEquals:
		return !ok || !looseEqual(got, c.Value)
	case OpGreaterThan:
		a, aok := toFloat(got)
		b, bok := toFloat(c.Value)
		return ok && aok && bok && a > b
	case OpLessThan:
		a, aok := toFloat(got)
		b, bok := toFloat(c.Value)
		return ok && aok && bok && a < b
	case OpContains:
		return ok && strings.Contains(strings.ToLower(toString(got)), strings.ToLower(toString(c.Value)))
	case OpIn:
		return ok && valueInList(got, c.Value)
	case OpNotIn:
		return !ok || !valueInList(got, c.Value)
	default:
		return false
	}
}

// lookupPath resolves a dotted path ("document.daysRemaining") against
// nested maps.
func lookupPath(data map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// looseEqual compares values the way JSON-ish event payloads need: numbers
// compare numerically regardless of concrete type, everything else by
// string form.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case nil:
		return ""
	default:
		return fmt.Sprint(x)
	}
}

func valueInList(v, list any) bool {
	switch l := list.(type) {
	case []any:
		for _, item := range l {
			if looseEqual(v, item) {
				return true
			}
		}
	case []string:
		for _, item := range l {
			if looseEqual(v, item) {
				return true
			}
		}
	}
	return false
}

// throttleLedger tracks when each rule last fired, scoped per rule per
// rolling hour/day window. A rule over either cap is skipped for the event,
// not deferred.
type throttleLedger struct {
	mu    sync.Mutex
	fired map[string][]time.Time
}

func newThrottleLedger() *throttleLedger {
	return &throttleLedger{fired: map[string][]time.Time{}}
}

// allow checks the rule's caps and, when allowed, records the firing.
func (t *throttleLedger) allow(rule Rule, now time.Time) bool {
	if !rule.Throttle.Enabled {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	hist := t.pruneLocked(rule.ID, now)
	if rule.Throttle.MaxPerDay > 0 && len(hist) >= rule.Throttle.MaxPerDay {
		return false
	}
	if rule.Throttle.MaxPerHour > 0 {
		hourAgo := now.Add(-time.Hour)
		n := 0
		for _, ts := range hist {
			if ts.After(hourAgo) {
				n++
			}
		}
		if n >= rule.Throttle.MaxPerHour {
			return false
		}
	}
	t.fired[rule.ID] = append(hist, now)
	return true
}

// pruneLocked drops entries older than the day window. Call with mu held.
func (t *throttleLedger) pruneLocked(ruleID string, now time.Time) []time.Time {
	hist := t.fired[ruleID]
	cutoff := now.Add(-24 * time.Hour)
	i := 0
	for ; i < len(hist); i++ {
		if hist[i].After(cutoff) {
			break
		}
	}
	if i > 0 {
		hist = append([]time.Time(nil), hist[i:]...)
		t.fired[ruleID] = hist
	}
	return hist
}

// prune drops stale entries for all rules; run periodically so idle rules
// don't pin day-old timestamps.
func (t *throttleLedger) prune(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.fired {
		hist := t.pruneLocked(id, now)
		if len(hist) == 0 {
			delete(t.fired, id)
		}
	}
}
