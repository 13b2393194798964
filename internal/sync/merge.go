package sync

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"eascal/internal/model"
	"eascal/internal/recurrence"
)

// applyDelta folds one incremental page into the cache under the engine
// lock, so readers never observe a half-merged cache.
func (e *Engine) applyDelta(ctx context.Context, incoming []model.CalendarEvent, deletedIDs []string) {
	opts := e.reconcileOptions()

	e.mu.Lock()
	mergeDelta(e.cache, incoming, deletedIDs, opts)
	e.resortLocked()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persistCache(ctx, snapshot)
}

// replaceCache materializes the accumulated full-resync payload once and
// swaps the whole cache atomically.
func (e *Engine) replaceCache(ctx context.Context, incoming []model.CalendarEvent) {
	opts := e.reconcileOptions()

	fresh := make(map[string]model.CalendarEvent, len(incoming))
	mergeDelta(fresh, incoming, nil, opts)

	e.mu.Lock()
	e.cache = fresh
	e.resortLocked()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persistCache(ctx, snapshot)
	e.notify()
}

func (e *Engine) reconcileOptions() recurrence.ReconcileOptions {
	now := time.Now().UTC()
	return recurrence.ReconcileOptions{
		WindowStart:    now.Add(-e.opts.WindowPast),
		WindowEnd:      now.Add(e.opts.WindowFuture),
		MaxOccurrences: e.opts.MaxOccurrences,
	}
}

// mergeDelta applies one page of server deltas to a cache keyed by event id:
// deletions first (including occurrences derived from a deleted master, via
// the id prefix), then cancellations, then reconciled insertion of the
// remaining events.
func mergeDelta(cache map[string]model.CalendarEvent, incoming []model.CalendarEvent, deletedIDs []string, opts recurrence.ReconcileOptions) {
	for _, id := range deletedIDs {
		purge(cache, id)
	}

	live := make([]model.CalendarEvent, 0, len(incoming))
	for i := range incoming {
		ev := &incoming[i]
		// A changed master replaces its previous expansion wholesale;
		// a cancelled event is removed instead of inserted.
		purge(cache, ev.ID)
		if ev.IsCancelled {
			continue
		}
		live = append(live, *ev)
	}

	for _, ev := range recurrence.Reconcile(live, opts) {
		cache[ev.ID] = ev
	}
}

// purge removes an event and every materialized occurrence derived from it.
// Derived ids are prefixed with "<masterID>_" by construction.
func purge(cache map[string]model.CalendarEvent, id string) {
	delete(cache, id)
	prefix := id + "_"
	for k := range cache {
		if strings.HasPrefix(k, prefix) {
			delete(cache, k)
		}
	}
}

// resortLocked rebuilds the sorted view of the cache. Ties on start time
// break by id for determinism. Caller holds e.mu.
func (e *Engine) resortLocked() {
	sorted := make([]model.CalendarEvent, 0, len(e.cache))
	for _, ev := range e.cache {
		sorted = append(sorted, ev)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].StartTime.Equal(sorted[j].StartTime) {
			return sorted[i].StartTime.Before(sorted[j].StartTime)
		}
		return sorted[i].ID < sorted[j].ID
	})
	e.sorted = sorted
}

// snapshotLocked returns a copy of the sorted view. Caller holds e.mu.
func (e *Engine) snapshotLocked() []model.CalendarEvent {
	out := make([]model.CalendarEvent, len(e.sorted))
	copy(out, e.sorted)
	return out
}

func newClientID() string {
	return uuid.NewString()
}
