// Package sync implements the calendar synchronization engine: the protocol
// state machine (connect, folder discovery, provisioning, the incremental
// sync loop), the merge pipeline that folds server deltas into the local
// event cache, and the query helpers exposed to feature code.
//
// The package contains one main component, [Engine], created with [NewEngine].
// The remote side is reached through [protocol.Client]; persistence goes
// through [StateStore].
package sync

import (
	"context"

	"eascal/internal/model"
	"eascal/internal/state"
)

// StateStore persists the sync cursor record, the event cache, and the
// account credentials. Implemented by [state.Store].
//
// All saves are fire-and-forget from the engine's perspective: a failed save
// is logged and degrades to "resync next launch".
type StateStore interface {
	LoadSyncState(ctx context.Context) (*state.SyncState, error)
	SaveSyncState(ctx context.Context, st *state.SyncState) error
	ClearSyncState(ctx context.Context) error

	LoadCachedEvents(ctx context.Context) ([]model.CalendarEvent, error)
	SaveCachedEvents(ctx context.Context, events []model.CalendarEvent) error

	LoadCredentials(ctx context.Context) (*state.Credentials, error)
	SaveCredentials(ctx context.Context, c *state.Credentials) error
	ClearCredentials(ctx context.Context) error
}
