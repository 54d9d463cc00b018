package engine

import "sort"

// SelectChannels picks the channels a delivery should use, in order.
//
// Disabled and down channels are dropped first; the survivor set is then
// intersected with the recipient's preference list (a channel the recipient
// has not opted into is never used).
// Priority decides fan-out:
//
//	critical   all remaining channels, most reliable first
//	high       top two channels, fastest first
//	medium/low the single cheapest channel type
func (e *Engine) SelectChannels(candidateIDs []string, rc Recipient, prio Priority) []string {
	type scored struct {
		id          string
		prefIdx     int
		reliability float64
		latency     int64
		cost        int
	}

	var usable []scored
	for _, id := range candidateIDs {
		cs, ok := e.reg.channel(id)
		if !ok {
			continue
		}
		snap := cs.snapshot()
		if !snap.Enabled || snap.Health == HealthDown {
			continue
		}
		prefIdx := indexOf(rc.Prefs.Channels, id)
		if prefIdx < 0 {
			continue
		}
		usable = append(usable, scored{
			id:          id,
			prefIdx:     prefIdx,
			reliability: cs.reliability(),
			latency:     int64(cs.avgLatency()),
			cost:        channelCost(snap.Type),
		})
	}
	if len(usable) == 0 {
		return nil
	}

	switch prio {
	case PriorityCritical:
		sort.SliceStable(usable, func(i, j int) bool {
			return usable[i].reliability > usable[j].reliability
		})
	case PriorityHigh:
		sort.SliceStable(usable, func(i, j int) bool {
			return usable[i].latency < usable[j].latency
		})
		if len(usable) > 2 {
			usable = usable[:2]
		}
	default:
		// medium/low: single cheapest type; recipient preference order
		// breaks cost ties.
		sort.SliceStable(usable, func(i, j int) bool {
			if usable[i].cost != usable[j].cost {
				return usable[i].cost < usable[j].cost
			}
			return usable[i].prefIdx < usable[j].prefIdx
		})
		usable = usable[:1]
	}

	out := make([]string, len(usable))
	for i, u := range usable {
		out[i] = u.id
	}
	return out
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
