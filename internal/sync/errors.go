package sync

import "errors"

var (
	// ErrNotConnected is returned by operations that require a connected
	// account.
	ErrNotConnected = errors.New("not connected to a server")

	// ErrSyncInProgress is the busy signal: at most one sync attempt runs
	// at a time, and concurrent requests return immediately instead of
	// queueing. Staleness self-corrects on the next triggered sync.
	ErrSyncInProgress = errors.New("a sync is already in progress")

	// ErrCalendarFolderNotFound means the mailbox hierarchy contains no
	// default calendar folder.
	ErrCalendarFolderNotFound = errors.New("mailbox has no calendar folder")
)
