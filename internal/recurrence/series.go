package recurrence

import (
	"fmt"
	"sort"
	"time"

	"eascal/internal/model"
)

// ReconcileOptions bound the expansion performed for each reconciled series.
type ReconcileOptions struct {
	// WindowStart and WindowEnd are the global expansion horizon.
	WindowStart time.Time
	WindowEnd   time.Time

	// MaxOccurrences caps expansion per series. Zero means
	// DefaultMaxOccurrences.
	MaxOccurrences int
}

// Reconcile turns a raw batch of events into concrete records. Servers
// occasionally split one logical recurring series into several master records
// over its edit history; expanding each independently duplicates or drops
// occurrences and loses exceptions anchored to an older master. Reconcile
// groups such fragments by series key, merges their exception sets into one
// virtual master per series, and expands it. Non-recurring events and
// orphan exceptions pass through unchanged.
//
// The result is deterministic regardless of input order.
func Reconcile(events []model.CalendarEvent, opts ReconcileOptions) []model.CalendarEvent {
	var masters []model.CalendarEvent
	out := make([]model.CalendarEvent, 0, len(events))

	for i := range events {
		ev := &events[i]
		if ev.IsCancelled {
			continue
		}
		switch {
		case ev.IsMaster():
			masters = append(masters, ev.Clone())
		default:
			// Orphan exceptions and singles pass through.
			out = append(out, ev.Clone())
		}
	}

	groups := make(map[string][]model.CalendarEvent)
	for _, m := range masters {
		k := seriesKey(m)
		groups[k] = append(groups[k], m)
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		group := groups[k]
		sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })

		virtual, expOpts := buildVirtualMaster(group, opts)
		out = append(out, Expand(virtual, expOpts)...)
	}

	sortOccurrences(out)
	return out
}

// seriesKey derives the identity under which master fragments of one logical
// series are recognised: subject, base wall-clock time, and the recurrence
// pattern signature.
func seriesKey(m model.CalendarEvent) string {
	h, min := baseTime(m.Exceptions, m.StartTime)
	return fmt.Sprintf("%s|%02d:%02d|%s", m.Subject, h, min, m.Recurrence.Signature())
}

// baseTime is the mode hour:minute across the non-deleted exceptions'
// original start times, falling back to the given start. The server-reported
// master start can drift after timezone-affected edits, while exceptions
// preserve the intended occurrence time, so the statistical mode across them
// is more robust than any single record.
func baseTime(exceptions []model.Exception, fallback time.Time) (hour, minute int) {
	counts := make(map[[2]int]int)
	for _, x := range exceptions {
		if x.IsDeleted {
			continue
		}
		t := x.OriginalStartTime
		counts[[2]int{t.Hour(), t.Minute()}]++
	}
	if len(counts) == 0 {
		return fallback.Hour(), fallback.Minute()
	}

	best := [2]int{-1, -1}
	bestCount := 0
	for hm, n := range counts {
		if n > bestCount || (n == bestCount && earlierClock(hm, best)) {
			best, bestCount = hm, n
		}
	}
	return best[0], best[1]
}

func earlierClock(a, b [2]int) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}

// buildVirtualMaster merges a sorted group of master fragments into the
// single virtual master that represents the whole series, and derives the
// expansion bounds for it.
func buildVirtualMaster(group []model.CalendarEvent, opts ReconcileOptions) (model.CalendarEvent, ExpandOptions) {
	// Union the exception sets. Exceptions are keyed by the day of the
	// occurrence they override; the first fragment (in id order) wins a tie.
	var union []model.Exception
	seenDay := make(map[string]bool)
	for _, m := range group {
		for _, x := range m.Exceptions {
			day := model.DayKey(x.OriginalStartTime)
			if seenDay[day] {
				continue
			}
			seenDay[day] = true
			union = append(union, x)
		}
	}

	// Template master: the fragment with the most exceptions carries the
	// most edit history and therefore the most representative metadata.
	template := group[0]
	for _, m := range group[1:] {
		if len(m.Exceptions) > len(template.Exceptions) {
			template = m
		}
	}

	hour, minute := baseTime(union, template.StartTime)

	// Series window: from the earliest trace of the series to the latest
	// rule end date (or latest exception when the rules are open-ended).
	earliest := template.StartTime
	var latestException time.Time
	var until *time.Time
	for _, m := range group {
		if m.StartTime.Before(earliest) {
			earliest = m.StartTime
		}
		if u := m.Recurrence.Until; u != nil && (until == nil || u.After(*until)) {
			cp := *u
			until = &cp
		}
	}
	for _, x := range union {
		if x.OriginalStartTime.Before(earliest) {
			earliest = x.OriginalStartTime
		}
		if x.OriginalStartTime.After(latestException) {
			latestException = x.OriginalStartTime
		}
	}

	seriesStart := time.Date(
		earliest.Year(), earliest.Month(), earliest.Day(),
		hour, minute, 0, 0, template.StartTime.Location(),
	)

	windowEnd := opts.WindowEnd
	switch {
	case until != nil:
		if end := endOfDay(*until); end.Before(windowEnd) {
			windowEnd = end
		}
	case latestException.After(windowEnd):
		// Open-ended rule with exceptions past the horizon: extend so
		// those edits stay visible.
		windowEnd = endOfDay(latestException)
	}

	windowStart := opts.WindowStart
	if seriesStart.After(windowStart) {
		windowStart = seriesStart
	}

	duration := template.Duration()

	virtual := template.Clone()
	virtual.StartTime = seriesStart
	virtual.EndTime = seriesStart.Add(duration)
	virtual.Recurrence = template.Recurrence.Clone()
	virtual.Recurrence.Until = until
	virtual.Exceptions = union

	return virtual, ExpandOptions{
		WindowStart:    windowStart,
		WindowEnd:      windowEnd,
		BaseHour:       hour,
		BaseMinute:     minute,
		Duration:       duration,
		MaxOccurrences: opts.MaxOccurrences,
	}
}
