package sync

import (
	"time"

	"eascal/internal/model"
)

// Updates returns the engine's state-changed signal. A receive means some
// observable state (isSyncing, cache, lastError, lastSyncDate) changed since
// the previous receive; signals coalesce rather than queue.
func (e *Engine) Updates() <-chan struct{} {
	return e.updates
}

// IsSyncing reports whether a sync attempt is currently in flight.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// IsConnected reports whether an account is connected.
func (e *Engine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// LastError returns the most recent sync failure, or nil.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// LastSyncTime returns when the last successful sync round completed.
func (e *Engine) LastSyncTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSync
}

// CachedEvents returns the materialized event cache ordered by start time.
// The returned slice is a copy owned by the caller.
func (e *Engine) CachedEvents() []model.CalendarEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// EventsForDay returns the cached events starting on the given calendar day,
// evaluated in day's location.
func (e *Engine) EventsForDay(day time.Time) []model.CalendarEvent {
	y, m, d := day.Date()

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []model.CalendarEvent
	for _, ev := range e.sorted {
		ey, em, ed := ev.StartTime.In(day.Location()).Date()
		if ey == y && em == m && ed == d {
			out = append(out, ev)
		}
	}
	return out
}

// UpcomingEvents returns the cached events starting within the next n days.
func (e *Engine) UpcomingEvents(days int) []model.CalendarEvent {
	now := time.Now()
	horizon := now.AddDate(0, 0, days)

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []model.CalendarEvent
	for _, ev := range e.sorted {
		if ev.StartTime.Before(now) || ev.StartTime.After(horizon) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// maxProbableGap is how far an event's start may sit from a probe window
// that it does not overlap and still count as the probable match.
const maxProbableGap = 30 * time.Minute

// MostProbableEvent returns the cached event most likely to correspond to
// the given time window. Events are scored by how much of their scheduled
// interval overlaps the window; ties break toward the start time nearest the
// window's start. When nothing overlaps, the event whose start is nearest
// the window start wins if it is within maxProbableGap.
func (e *Engine) MostProbableEvent(windowStart, windowEnd time.Time) (model.CalendarEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var best model.CalendarEvent
	bestOverlap := time.Duration(-1)
	bestGap := time.Duration(0)
	found := false

	for _, ev := range e.sorted {
		ov := overlap(ev.StartTime, ev.EndTime, windowStart, windowEnd)
		gap := absDuration(ev.StartTime.Sub(windowStart))

		if ov <= 0 {
			continue
		}
		if ov > bestOverlap || (ov == bestOverlap && gap < bestGap) {
			best, bestOverlap, bestGap, found = ev, ov, gap, true
		}
	}
	if found {
		return best, true
	}

	// No overlap at all: fall back to the nearest start within the gap.
	bestGap = maxProbableGap + 1
	for _, ev := range e.sorted {
		gap := absDuration(ev.StartTime.Sub(windowStart))
		if gap <= maxProbableGap && gap < bestGap {
			best, bestGap, found = ev, gap, true
		}
	}
	return best, found
}

func overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	start := aStart
	if bStart.After(start) {
		start = bStart
	}
	end := aEnd
	if bEnd.Before(end) {
		end = bEnd
	}
	return end.Sub(start)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
