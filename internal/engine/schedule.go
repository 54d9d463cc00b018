package engine

import "time"

// scheduleFor computes when a new delivery becomes due.
//
// The rule delay, business-hours shift and the recipient's quiet-hours shift
// are each computed from the same base time; whichever constraint pushes the
// delivery latest wins. Critical deliveries ignore quiet hours.
func (e *Engine) scheduleFor(now time.Time, rule Rule, rc Recipient, prio Priority) time.Time {
	t := now.Add(rule.Schedule.Delay)
	latest := t

	if rule.Schedule.BusinessHoursOnly {
		if bt := e.shiftToBusinessHours(t); bt.After(latest) {
			latest = bt
		}
	}
	if prio != PriorityCritical && rc.Prefs.QuietHours.Enabled {
		if qt := shiftPastQuietHours(t, rc.Prefs.QuietHours, e.loc); qt.After(latest) {
			latest = qt
		}
	}
	return latest
}

// shiftToBusinessHours moves t forward to the next business-hours window
// when it falls outside [start, end) local time.
func (e *Engine) shiftToBusinessHours(t time.Time) time.Time {
	lt := t.In(e.loc)
	h := lt.Hour()
	if h >= e.businessStart && h < e.businessEnd {
		return t
	}
	day := lt
	if h >= e.businessEnd {
		day = day.AddDate(0, 0, 1)
	}
	return time.Date(day.Year(), day.Month(), day.Day(), e.businessStart, 0, 0, 0, e.loc)
}

// shiftPastQuietHours moves t to the hour after the recipient's quiet window
// ends, in the recipient's timezone. Windows may wrap midnight.
func shiftPastQuietHours(t time.Time, q QuietHours, fallback *time.Location) time.Time {
	loc := fallback
	if q.Timezone != "" {
		if l, err := time.LoadLocation(q.Timezone); err == nil {
			loc = l
		}
	}
	lt := t.In(loc)
	if !hourInWindow(lt.Hour(), q.Start, q.End) {
		return t
	}
	end := time.Date(lt.Year(), lt.Month(), lt.Day(), q.End, 0, 0, 0, loc)
	if !end.After(lt) {
		end = end.AddDate(0, 0, 1)
	}
	return end
}

// hourInWindow reports whether h falls inside [start, end), allowing the
// window to wrap midnight (e.g. 22..7).
func hourInWindow(h, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}
