package event

import "sort"

// Compare orders events newest first; equal timestamps fall back to the
// lexicographically smaller id. It returns a negative number when a sorts
// before b.
func Compare(a, b *Event) int {
	switch {
	case a.CreatedAt > b.CreatedAt:
		return -1
	case a.CreatedAt < b.CreatedAt:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// Sort orders events in place using Compare.
func Sort(events []*Event) {
	sort.Slice(events, func(i, j int) bool {
		return Compare(events[i], events[j]) < 0
	})
}

// MergeLimit merges result lists, dropping duplicate ids, orders the
// union with Compare and truncates to limit when limit > 0.
func MergeLimit(limit int, lists ...[]*Event) []*Event {
	seen := make(map[string]struct{})
	var out []*Event
	for _, list := range lists {
		for _, evt := range list {
			if _, ok := seen[evt.ID]; ok {
				continue
			}
			seen[evt.ID] = struct{}{}
			out = append(out, evt)
		}
	}
	Sort(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// EffectiveLimit returns the cap to apply to one filter: its own limit
// clamped to max, or max when it has none.
func EffectiveLimit(f *Filter, max int) int {
	if f == nil || f.Limit == nil {
		return max
	}
	if max > 0 && *f.Limit > max {
		return max
	}
	return *f.Limit
}

// Truncate applies the filter's limit to an already ordered result. An
// explicit limit of zero yields no events.
func Truncate(events []*Event, f *Filter, max int) []*Event {
	if f != nil && f.Limit != nil && *f.Limit <= 0 {
		return nil
	}
	limit := EffectiveLimit(f, max)
	if limit > 0 && len(events) > limit {
		return events[:limit]
	}
	return events
}
