package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"eascal/internal/model"
	"eascal/internal/protocol"
	"eascal/internal/recurrence"
	"eascal/internal/state"
)

const (
	otelScope       = "eascal/sync"
	spanSync        = "sync.events"
	spanConnect     = "sync.connect"
	metricAdded     = "eascal.sync.events.added"
	metricChanged   = "eascal.sync.events.changed"
	metricDeleted   = "eascal.sync.events.deleted"
	metricErrors    = "eascal.sync.errors"
	metricProvision = "eascal.sync.provisioning.handshakes"

	// maxSyncRounds bounds the pagination loop. The loop is iterative, not
	// recursive, so cancellation mid-loop is observable and stack depth
	// stays flat no matter how many pages the server has.
	maxSyncRounds = 50
)

// Options tune the engine's expansion horizon.
type Options struct {
	// WindowPast and WindowFuture bound recurrence materialization around
	// the current time. Zero values take the defaults below.
	WindowPast   time.Duration
	WindowFuture time.Duration

	// MaxOccurrences caps expansion per recurring series.
	MaxOccurrences int
}

const (
	defaultWindowPast   = 30 * 24 * time.Hour
	defaultWindowFuture = 180 * 24 * time.Hour
)

// Engine owns the per-account sync state machine and the materialized event
// cache. Construct one per process with [NewEngine]; all engine methods are
// safe for concurrent use, but at most one sync attempt runs at a time.
type Engine struct {
	client protocol.Client
	store  StateStore
	log    *slog.Logger
	opts   Options

	// OTel instruments — always non-nil (no-op when telemetry is disabled).
	tracer       trace.Tracer
	cntAdded     metric.Int64Counter
	cntChanged   metric.Int64Counter
	cntDeleted   metric.Int64Counter
	cntErrors    metric.Int64Counter
	cntProvision metric.Int64Counter

	mu        sync.Mutex
	syncing   bool
	connected bool
	creds     *protocol.Credentials
	st        *state.SyncState
	cache     map[string]model.CalendarEvent
	sorted    []model.CalendarEvent
	pending   []model.CalendarEvent
	lastErr   error
	lastSync  time.Time

	updates  chan struct{}
	detached sync.WaitGroup
}

// NewEngine creates an Engine wired to the given protocol client and store.
func NewEngine(client protocol.Client, store StateStore, logger *slog.Logger, opts Options) *Engine {
	if opts.WindowPast <= 0 {
		opts.WindowPast = defaultWindowPast
	}
	if opts.WindowFuture <= 0 {
		opts.WindowFuture = defaultWindowFuture
	}
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = recurrence.DefaultMaxOccurrences
	}

	meter := otel.Meter(otelScope)
	mustCounter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			logger.Error("creating OTel counter", "name", name, "error", err)
			return noop.Int64Counter{}
		}
		return c
	}

	return &Engine{
		client: client,
		store:  store,
		log:    logger,
		opts:   opts,

		tracer:       otel.Tracer(otelScope),
		cntAdded:     mustCounter(metricAdded, "Number of events added during sync"),
		cntChanged:   mustCounter(metricChanged, "Number of events changed during sync"),
		cntDeleted:   mustCounter(metricDeleted, "Number of events deleted during sync"),
		cntErrors:    mustCounter(metricErrors, "Number of sync attempts that failed"),
		cntProvision: mustCounter(metricProvision, "Number of provisioning handshakes performed"),

		cache:   make(map[string]model.CalendarEvent),
		updates: make(chan struct{}, 1),
	}
}

// Restore loads persisted credentials, sync state, and the cached events from
// the store. Call once at startup, before any sync. It returns the stored
// credentials (nil when no account is connected) so the caller can rebuild
// the transport with them.
func (e *Engine) Restore(ctx context.Context) (*state.Credentials, error) {
	creds, err := e.store.LoadCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading credentials: %w", err)
	}
	st, err := e.store.LoadSyncState(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading sync state: %w", err)
	}
	events, err := e.store.LoadCachedEvents(ctx)
	if err != nil {
		// A corrupt cache is not fatal; the next sync rebuilds it.
		e.log.Warn("loading cached events failed, starting empty", "error", err)
		events = nil
	}

	e.mu.Lock()
	e.st = st
	if creds != nil {
		e.connected = true
		e.creds = &protocol.Credentials{
			ServerURL: creds.ServerURL,
			Username:  creds.Username,
			Password:  creds.Password,
			DeviceID:  creds.DeviceID,
		}
	}
	e.cache = make(map[string]model.CalendarEvent, len(events))
	for _, ev := range events {
		e.cache[ev.ID] = ev
	}
	e.resortLocked()
	e.mu.Unlock()

	e.notify()
	return creds, nil
}

// Connect validates the credentials against the server, persists them on
// success, discovers the calendar folder, and runs one full sync pass.
//
// Credentials are only persisted after a successful round trip, never
// speculatively. An authentication failure clears any stored state so the
// account is never left half-connected against a server that rejected it.
func (e *Engine) Connect(ctx context.Context, creds protocol.Credentials) error {
	ctx, span := e.tracer.Start(ctx, spanConnect)
	defer span.End()

	caps, err := e.client.TestConnection(ctx, creds)
	if err != nil {
		span.RecordError(err)
		e.setError(err)
		if errors.Is(err, protocol.ErrAuthenticationFailed) {
			e.clearLocalState(ctx)
		}
		return err
	}
	if !caps.SupportsAtLeast(protocol.MinProtocolVersion) {
		err := fmt.Errorf("%w: server offers %v, need at least %s",
			protocol.ErrUnsupportedVersion, caps.ProtocolVersions, protocol.MinProtocolVersion)
		span.RecordError(err)
		e.setError(err)
		return err
	}

	e.mu.Lock()
	e.connected = true
	e.creds = &creds
	if e.st == nil {
		e.st = state.NewSyncState()
	}
	e.lastErr = nil
	e.mu.Unlock()
	e.notify()

	if err := e.store.SaveCredentials(ctx, &state.Credentials{
		ServerURL: creds.ServerURL,
		Username:  creds.Username,
		Password:  creds.Password,
		DeviceID:  creds.DeviceID,
	}); err != nil {
		e.log.Warn("persisting credentials failed", "error", err)
	}

	if err := e.discoverCalendarFolder(ctx); err != nil {
		return err
	}
	return e.SyncEvents(ctx)
}

// Disconnect clears all local account state: sync cursors, cached events,
// and stored credentials.
func (e *Engine) Disconnect(ctx context.Context) {
	e.clearLocalState(ctx)
}

// discoverCalendarFolder runs folderSync, handling the provisioning handshake
// at most once. A second provisioning demand after a fresh key is a server
// fault, not a further retry — this bounds provisioning loops to depth 1.
func (e *Engine) discoverCalendarFolder(ctx context.Context) error {
	e.mu.Lock()
	if !e.connected || e.st == nil {
		e.mu.Unlock()
		return ErrNotConnected
	}
	cursor, key := e.st.FolderSyncCursor, e.st.ProvisioningKey
	e.mu.Unlock()

	res, err := e.client.FolderSync(ctx, cursor, key)
	if err != nil {
		e.setError(err)
		return err
	}

	if res.Status.NeedsProvisioning() {
		if err := e.performProvisioning(ctx); err != nil {
			return err
		}
		e.mu.Lock()
		if !e.connected || e.st == nil {
			e.mu.Unlock()
			return ErrNotConnected
		}
		key = e.st.ProvisioningKey
		e.mu.Unlock()

		res, err = e.client.FolderSync(ctx, cursor, key)
		if err != nil {
			e.setError(err)
			return err
		}
		if res.Status.NeedsProvisioning() {
			serr := &protocol.ServerError{Code: res.Status, Message: "provisioning demanded again after fresh policy key"}
			e.setError(serr)
			return serr
		}
	}
	if !res.Status.OK() {
		serr := &protocol.ServerError{Code: res.Status}
		e.setError(serr)
		return serr
	}

	var calendar *protocol.Folder
	for i := range res.Folders {
		if res.Folders[i].Type == protocol.FolderTypeCalendar {
			calendar = &res.Folders[i]
			break
		}
	}

	e.mu.Lock()
	if !e.connected || e.st == nil {
		e.mu.Unlock()
		return ErrNotConnected
	}
	e.st.FolderSyncCursor = res.NewCursor
	if calendar != nil {
		e.st.AssignFolder(calendar.ID)
	}
	snap := *e.st
	e.mu.Unlock()
	e.persistState(ctx, &snap)

	if calendar == nil {
		e.setError(ErrCalendarFolderNotFound)
		return ErrCalendarFolderNotFound
	}
	e.log.Debug("calendar folder discovered", "folder_id", calendar.ID)
	return nil
}

// performProvisioning runs the provisioning handshake and stores the new key
// immediately. A denied handshake is terminal and clears local state, since
// the server has revoked this device's access.
func (e *Engine) performProvisioning(ctx context.Context) error {
	e.cntProvision.Add(ctx, 1)

	res, err := e.client.Provision(ctx)
	if err != nil {
		e.setError(err)
		return err
	}

	switch {
	case res.Status.OK():
		e.mu.Lock()
		if !e.connected || e.st == nil {
			e.mu.Unlock()
			return ErrNotConnected
		}
		e.st.ProvisioningKey = res.PolicyKey
		snap := *e.st
		e.mu.Unlock()
		e.persistState(ctx, &snap)
		e.log.Info("provisioning completed", "policy_key", res.PolicyKey)
		return nil

	case res.Status == protocol.StatusProvisioningDenied:
		e.setError(protocol.ErrProvisioningDenied)
		e.clearLocalState(ctx)
		return protocol.ErrProvisioningDenied

	default:
		serr := &protocol.ServerError{Code: res.Status}
		e.setError(serr)
		return serr
	}
}

// SyncEvents runs one incremental sync pass: it pages through the server's
// pending deltas and merges each page into the cache. Concurrent calls
// observe [ErrSyncInProgress].
func (e *Engine) SyncEvents(ctx context.Context) error {
	if err := e.beginSync(); err != nil {
		return err
	}
	defer e.endSync()
	return e.runSync(ctx, false)
}

// ForceFullSync resets the item cursor and rebuilds the cache from scratch.
// It runs detached from the caller's cancellation scope: abandoning a
// partially advanced cursor would leave the server's acknowledged state
// ahead of the local cache, so the resync always runs to completion. The
// busy guard is taken synchronously before this method returns.
func (e *Engine) ForceFullSync(ctx context.Context) error {
	if err := e.beginSync(); err != nil {
		return err
	}

	bg := context.WithoutCancel(ctx)
	e.detached.Add(1)
	go func() {
		defer e.detached.Done()
		defer e.endSync()
		if err := e.runSync(bg, true); err != nil {
			e.log.Error("full resync failed", "error", err)
		}
	}()
	return nil
}

// Run polls SyncEvents on the given interval until ctx is cancelled. The
// first pass runs immediately.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := e.SyncEvents(ctx); err != nil {
		e.log.Error("initial sync failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			e.log.Info("sync engine shutting down")
			e.detached.Wait()
			return ctx.Err()
		case <-ticker.C:
			if err := e.SyncEvents(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
				e.log.Error("sync failed", "error", err)
			}
		}
	}
}

// CreateEvent stages a locally created event for upload on the next sync
// round trip. It returns the client-generated id the server will echo back
// in its acknowledgment.
func (e *Engine) CreateEvent(ctx context.Context, ev model.CalendarEvent) (string, error) {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return "", ErrNotConnected
	}
	clientID := newClientID()
	ev.ClientID = clientID
	if ev.ID == "" {
		ev.ID = "local_" + clientID
	}
	e.pending = append(e.pending, ev)
	e.cache[ev.ID] = ev
	e.resortLocked()
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	e.persistCache(ctx, snapshot)
	e.notify()
	return clientID, nil
}

// --- sync loop ---------------------------------------------------------------

// runSync is the single iterative loop behind SyncEvents and ForceFullSync.
func (e *Engine) runSync(ctx context.Context, full bool) (err error) {
	ctx, span := e.tracer.Start(ctx, spanSync,
		trace.WithAttributes(attribute.Bool("sync.full", full)))
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			e.cntErrors.Add(ctx, 1)
		}
	}()

	// Disconnect can land while a sync is in flight: clearLocalState nils
	// out e.st under the lock. Every locked section below re-checks the
	// account state and aborts the attempt rather than resurrect it.
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return ErrNotConnected
	}
	if e.st == nil {
		e.st = state.NewSyncState()
	}
	if full {
		e.st.CalendarSyncCursor = state.InitialCursor
	}
	folderID := e.st.CalendarFolderID
	e.mu.Unlock()

	if folderID == "" {
		if err := e.discoverCalendarFolder(ctx); err != nil {
			return err
		}
		e.mu.Lock()
		if !e.connected || e.st == nil {
			e.mu.Unlock()
			return ErrNotConnected
		}
		folderID = e.st.CalendarFolderID
		e.mu.Unlock()
	}

	// Full-replace mode accumulates every page and materializes once at
	// the end, so readers observe a single cache transition per resync.
	var accumulated []model.CalendarEvent

	for round := 0; round < maxSyncRounds; round++ {
		e.mu.Lock()
		if !e.connected || e.st == nil {
			e.mu.Unlock()
			return ErrNotConnected
		}
		cursor, key := e.st.CalendarSyncCursor, e.st.ProvisioningKey
		isInitial := cursor == state.InitialCursor
		var uploads []model.CalendarEvent
		if !isInitial && len(e.pending) > 0 {
			uploads = append(uploads, e.pending...)
		}
		e.mu.Unlock()

		req := protocol.SyncRequest{
			FolderID:   folderID,
			Cursor:     cursor,
			GetChanges: !isInitial,
			PolicyKey:  key,
			AddItems:   uploads,
		}
		res, err := e.syncRound(ctx, req)
		if err != nil {
			return err
		}

		// The cursor advances unconditionally on success, before any
		// merge work, so a crash mid-pipeline never replays deltas the
		// server already considers acknowledged. A disconnect that won
		// the race discards the round instead.
		e.mu.Lock()
		if !e.connected || e.st == nil {
			e.mu.Unlock()
			return ErrNotConnected
		}
		e.st.CalendarSyncCursor = res.NewCursor
		if len(uploads) > 0 {
			e.pending = nil
		}
		snap := *e.st
		e.mu.Unlock()
		e.persistState(ctx, &snap)

		if isInitial {
			// The first round trip only negotiates a cursor; by protocol
			// convention it carries no item payload.
			continue
		}

		e.cntAdded.Add(ctx, int64(len(res.Added)))
		e.cntChanged.Add(ctx, int64(len(res.Changed)))
		e.cntDeleted.Add(ctx, int64(len(res.DeletedIDs)))

		incoming := make([]model.CalendarEvent, 0, len(res.Added)+len(res.Changed))
		incoming = append(incoming, res.Added...)
		incoming = append(incoming, res.Changed...)

		if full {
			accumulated = append(accumulated, incoming...)
		} else {
			e.applyDelta(ctx, incoming, res.DeletedIDs)
		}

		now := time.Now().UTC()
		e.mu.Lock()
		if !e.connected || e.st == nil {
			e.mu.Unlock()
			return ErrNotConnected
		}
		e.st.LastSyncAt = now
		e.lastSync = now
		// A completed round supersedes any earlier failure.
		e.lastErr = nil
		snap = *e.st
		e.mu.Unlock()
		e.persistState(ctx, &snap)
		e.notify()

		if !res.MoreAvailable {
			if full {
				e.replaceCache(ctx, accumulated)
			}
			e.log.Info("sync complete", "full", full, "rounds", round+1)
			return nil
		}
	}

	if full {
		// The cursor has already advanced past these pages; the server
		// will not resend them. Apply what arrived so the cache is not
		// left empty, and let the next incremental pass fetch the rest.
		e.replaceCache(ctx, accumulated)
	}
	return fmt.Errorf("sync did not converge after %d rounds", maxSyncRounds)
}

// syncRound issues one sync round trip, handling the provisioning handshake
// at most once and classifying non-success statuses.
func (e *Engine) syncRound(ctx context.Context, req protocol.SyncRequest) (protocol.SyncResult, error) {
	res, err := e.client.Sync(ctx, req)
	if err != nil {
		e.setError(err)
		return res, err
	}

	if res.Status.NeedsProvisioning() {
		if perr := e.performProvisioning(ctx); perr != nil {
			return res, perr
		}
		e.mu.Lock()
		if !e.connected || e.st == nil {
			e.mu.Unlock()
			return res, ErrNotConnected
		}
		req.PolicyKey = e.st.ProvisioningKey
		e.mu.Unlock()

		res, err = e.client.Sync(ctx, req)
		if err != nil {
			e.setError(err)
			return res, err
		}
		if res.Status.NeedsProvisioning() {
			serr := &protocol.ServerError{Code: res.Status, Message: "provisioning demanded again after fresh policy key"}
			e.setError(serr)
			return res, serr
		}
	}

	if !res.Status.OK() {
		serr := &protocol.ServerError{Code: res.Status}
		e.setError(serr)
		if res.Status.Unrecoverable() {
			// A poisoned cursor cannot be retried. Drop all local state
			// so the next connect starts clean.
			e.clearLocalState(ctx)
		}
		return res, serr
	}
	return res, nil
}

// --- guards and shared state -------------------------------------------------

// beginSync takes the busy guard. It is synchronous with respect to the
// caller — no suspension point between the check and the set — which closes
// the race where two near-simultaneous callers both observe "not syncing".
func (e *Engine) beginSync() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return ErrNotConnected
	}
	if e.syncing {
		return ErrSyncInProgress
	}
	e.syncing = true
	return nil
}

func (e *Engine) endSync() {
	e.mu.Lock()
	e.syncing = false
	e.mu.Unlock()
	e.notify()
}

// clearLocalState performs a full local disconnect: cursors, cache, pending
// uploads, and stored credentials all go.
func (e *Engine) clearLocalState(ctx context.Context) {
	e.mu.Lock()
	e.connected = false
	e.creds = nil
	e.st = nil
	e.cache = make(map[string]model.CalendarEvent)
	e.sorted = nil
	e.pending = nil
	e.mu.Unlock()

	if err := e.store.ClearSyncState(ctx); err != nil {
		e.log.Warn("clearing sync state failed", "error", err)
	}
	if err := e.store.ClearCredentials(ctx); err != nil {
		e.log.Warn("clearing credentials failed", "error", err)
	}
	if err := e.store.SaveCachedEvents(ctx, nil); err != nil {
		e.log.Warn("clearing cached events failed", "error", err)
	}
	e.notify()
}

func (e *Engine) setError(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()
	e.notify()
}

// persistState saves the sync state, logging failures. Persistence is
// fire-and-forget: a failed save degrades to a resync on next launch.
func (e *Engine) persistState(ctx context.Context, st *state.SyncState) {
	if err := e.store.SaveSyncState(ctx, st); err != nil {
		e.log.Warn("persisting sync state failed", "error", err)
	}
}

func (e *Engine) persistCache(ctx context.Context, events []model.CalendarEvent) {
	if err := e.store.SaveCachedEvents(ctx, events); err != nil {
		e.log.Warn("persisting event cache failed", "error", err)
	}
}

// notify publishes a coalescing state-changed signal.
func (e *Engine) notify() {
	select {
	case e.updates <- struct{}{}:
	default:
	}
}
