// Package recurrence materializes recurring master events into concrete
// occurrences. It has two stages: [Reconcile] merges master records that are
// fragments of one logical series, and [Expand] turns one master plus its
// exceptions into dated occurrences over a bounded window.
//
// Both stages are pure: they take read-only input and return newly allocated
// records, so they are safe to run on any goroutine.
package recurrence

import (
	"sort"
	"time"

	"github.com/teambition/rrule-go"

	"eascal/internal/model"
)

// DefaultMaxOccurrences caps expansion of pathological near-infinite rules.
const DefaultMaxOccurrences = 200

// ExpandOptions bound a single expansion run.
type ExpandOptions struct {
	// WindowStart and WindowEnd bound the emitted occurrence starts,
	// inclusive on both ends.
	WindowStart time.Time
	WindowEnd   time.Time

	// BaseHour and BaseMinute are the wall-clock time regular occurrences
	// start at.
	BaseHour   int
	BaseMinute int

	// Duration is the template master's length. Zero falls back to the
	// master's own EndTime − StartTime.
	Duration time.Duration

	// MaxOccurrences caps the total number of emitted records.
	// Zero means DefaultMaxOccurrences.
	MaxOccurrences int
}

// Expand materializes one recurring master into concrete occurrences.
//
// Exception precedence per candidate day: a deleted exception suppresses the
// day entirely; a moved exception surfaces once on its new day (even when
// that day is not a pattern day) and suppresses its original day; a same-day
// exception overrides the occurrence's fields. Days without exceptions emit
// a regular occurrence at the base time.
//
// If the rule yields no candidate days at all, the master itself is returned
// as a single-element fallback so callers always have a displayable record.
func Expand(master model.CalendarEvent, opts ExpandOptions) []model.CalendarEvent {
	if master.Recurrence == nil {
		return []model.CalendarEvent{master.Clone()}
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = DefaultMaxOccurrences
	}
	if opts.Duration <= 0 {
		opts.Duration = master.Duration()
	}

	loc := master.StartTime.Location()
	dtstart := time.Date(
		master.StartTime.Year(), master.StartTime.Month(), master.StartTime.Day(),
		opts.BaseHour, opts.BaseMinute, 0, 0, loc,
	)

	rule, err := buildRule(master.Recurrence, dtstart)
	if err != nil {
		return []model.CalendarEvent{master.Clone()}
	}

	// Index exceptions by the day of the occurrence they override.
	sameDay := make(map[string]model.Exception)
	suppressedDays := make(map[string]bool)
	var moved []model.Exception
	for _, x := range master.Exceptions {
		day := model.DayKey(x.OriginalStartTime)
		switch {
		case x.IsDeleted:
			suppressedDays[day] = true
		case x.IsMoved():
			// The occurrence left its original day; it is emitted below
			// on the day it moved to.
			moved = append(moved, x)
			suppressedDays[day] = true
		default:
			sameDay[day] = x
		}
	}

	candidates := rule.Between(opts.WindowStart, opts.WindowEnd, true)

	out := make([]model.CalendarEvent, 0, len(candidates))
	for _, t := range candidates {
		if len(out) >= opts.MaxOccurrences {
			break
		}
		day := model.DayKey(t)
		if suppressedDays[day] {
			continue
		}
		if x, ok := sameDay[day]; ok {
			out = append(out, overriddenOccurrence(master, x, t, opts.Duration))
			continue
		}
		out = append(out, regularOccurrence(master, t, opts.Duration))
	}

	// Moved occurrences surface on their target day regardless of the
	// pattern, each at most once (their id is keyed by the original day).
	seen := make(map[string]bool)
	for _, x := range moved {
		if len(out) >= opts.MaxOccurrences {
			break
		}
		start := *x.StartTime
		if start.Before(opts.WindowStart) || start.After(opts.WindowEnd) {
			continue
		}
		id := model.MovedOccurrenceID(master.ID, x.OriginalStartTime)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, movedOccurrence(master, x, id, opts.Duration))
	}

	if len(candidates) == 0 && len(out) == 0 {
		return []model.CalendarEvent{master.Clone()}
	}

	sortOccurrences(out)
	return out
}

// buildRule translates the protocol recurrence record into an RRULE anchored
// at the series start. The record carries no week-of-month or month-of-year
// fields, so Nth-style monthly and yearly patterns anchor to the start date.
func buildRule(r *model.Recurrence, dtstart time.Time) (*rrule.RRule, error) {
	opt := rrule.ROption{Dtstart: dtstart, Interval: r.Interval}
	if opt.Interval <= 0 {
		opt.Interval = 1
	}

	switch r.Type {
	case model.RecurrenceWeekly:
		opt.Freq = rrule.WEEKLY
		opt.Byweekday = maskWeekdays(r.DayOfWeekMask)
	case model.RecurrenceMonthly, model.RecurrenceMonthlyNth:
		opt.Freq = rrule.MONTHLY
		if r.DayOfMonth >= 1 && r.DayOfMonth <= 31 {
			opt.Bymonthday = []int{r.DayOfMonth}
		}
	case model.RecurrenceYearly, model.RecurrenceYearlyNth:
		opt.Freq = rrule.YEARLY
	default:
		opt.Freq = rrule.DAILY
	}

	if r.Until != nil {
		// Occurrences on the until day itself are still valid.
		opt.Until = endOfDay(*r.Until)
	}

	return rrule.NewRRule(opt)
}

// maskWeekdays converts the protocol day-of-week bitset into RRULE weekdays.
func maskWeekdays(m model.DayMask) []rrule.Weekday {
	all := []rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}
	var days []rrule.Weekday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if m.Contains(d) {
			days = append(days, all[d])
		}
	}
	return days
}

func regularOccurrence(master model.CalendarEvent, start time.Time, dur time.Duration) model.CalendarEvent {
	occ := occurrenceBase(master)
	occ.ID = model.OccurrenceID(master.ID, start)
	occ.StartTime = start
	occ.EndTime = start.Add(dur)
	return occ
}

func overriddenOccurrence(master model.CalendarEvent, x model.Exception, patternStart time.Time, dur time.Duration) model.CalendarEvent {
	occ := occurrenceBase(master)
	occ.ID = model.ExceptionOccurrenceID(master.ID, patternStart)
	occ.IsException = true
	orig := x.OriginalStartTime
	occ.OriginalStartTime = &orig

	occ.StartTime = patternStart
	if x.StartTime != nil {
		occ.StartTime = *x.StartTime
	}
	occ.EndTime = occ.StartTime.Add(dur)
	if x.EndTime != nil {
		occ.EndTime = *x.EndTime
	}
	if x.Subject != "" {
		occ.Subject = x.Subject
	}
	if x.Location != "" {
		occ.Location = x.Location
	}
	return occ
}

func movedOccurrence(master model.CalendarEvent, x model.Exception, id string, dur time.Duration) model.CalendarEvent {
	occ := occurrenceBase(master)
	occ.ID = id
	occ.IsException = true
	orig := x.OriginalStartTime
	occ.OriginalStartTime = &orig

	occ.StartTime = *x.StartTime
	occ.EndTime = occ.StartTime.Add(dur)
	if x.EndTime != nil {
		occ.EndTime = *x.EndTime
	}
	if x.Subject != "" {
		occ.Subject = x.Subject
	}
	if x.Location != "" {
		occ.Location = x.Location
	}
	return occ
}

// occurrenceBase copies the master's content fields into a fresh concrete
// record. Emitted occurrences never carry a recurrence rule.
func occurrenceBase(master model.CalendarEvent) model.CalendarEvent {
	occ := master.Clone()
	occ.Recurrence = nil
	occ.Exceptions = nil
	occ.IsException = false
	occ.OriginalStartTime = nil
	return occ
}

func sortOccurrences(events []model.CalendarEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].StartTime.Equal(events[j].StartTime) {
			return events[i].StartTime.Before(events[j].StartTime)
		}
		return events[i].ID < events[j].ID
	})
}

func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59, 0, t.Location())
}
