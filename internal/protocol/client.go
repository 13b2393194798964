// Package protocol defines the contract between the sync engine and the
// remote mailbox: the four primitive operations, their decoded result types,
// the status code taxonomy, and the error values both sides speak.
//
// The wire encoding itself lives behind this contract — implementations
// receive and return fully decoded records.
package protocol

import (
	"context"
	"fmt"

	"eascal/internal/model"
)

// MinProtocolVersion is the oldest protocol version the engine can sync with.
const MinProtocolVersion = "14.1"

// Credentials identifies one account against one server.
type Credentials struct {
	ServerURL string
	Username  string
	Password  string

	// DeviceID is the stable identifier this client presents to the server.
	// Servers key provisioning policies on it.
	DeviceID string
}

// ServerCapabilities is what testConnection learns about the server.
type ServerCapabilities struct {
	// ProtocolVersions lists the versions the server advertises, e.g.
	// "12.1", "14.1", "16.0".
	ProtocolVersions []string

	// SupportsProvisioning is true when the server may demand the
	// provisioning handshake before permitting sync operations.
	SupportsProvisioning bool
}

// Supports reports whether the server advertises the given version.
func (c ServerCapabilities) Supports(version string) bool {
	for _, v := range c.ProtocolVersions {
		if v == version {
			return true
		}
	}
	return false
}

// SupportsAtLeast reports whether the server advertises any version greater
// than or equal to min. Versions are dotted major.minor strings.
func (c ServerCapabilities) SupportsAtLeast(min string) bool {
	minMaj, minMin := parseVersion(min)
	for _, v := range c.ProtocolVersions {
		maj, mnr := parseVersion(v)
		if maj > minMaj || (maj == minMaj && mnr >= minMin) {
			return true
		}
	}
	return false
}

func parseVersion(v string) (major, minor int) {
	_, _ = fmt.Sscanf(v, "%d.%d", &major, &minor)
	return major, minor
}

// FolderType classifies folders in the mailbox hierarchy. Values match the
// protocol's FolderSync type integers.
type FolderType int

// FolderTypeCalendar is the default calendar folder.
const FolderTypeCalendar FolderType = 8

// Folder is one folder in the mailbox hierarchy.
type Folder struct {
	ID          string
	ParentID    string
	DisplayName string
	Type        FolderType
}

// FolderSyncResult is the decoded response of a folderSync round trip.
type FolderSyncResult struct {
	Status    Status
	NewCursor string
	Folders   []Folder
}

// SyncRequest carries the parameters of one sync round trip.
type SyncRequest struct {
	FolderID string

	// Cursor is the opaque server-issued sync token. The sentinel "0"
	// requests a fresh cursor; by protocol convention that first round
	// trip carries no item payload.
	Cursor string

	// GetChanges asks the server to include deltas. It must be false on
	// the initial (cursor "0") round trip.
	GetChanges bool

	PolicyKey string

	// AddItems are locally created events to upload with this round trip.
	AddItems []model.CalendarEvent

	// WindowSize caps the number of changes per response page. Zero lets
	// the server choose.
	WindowSize int
}

// SyncResult is the decoded response of a sync round trip.
type SyncResult struct {
	Status    Status
	NewCursor string

	Added      []model.CalendarEvent
	Changed    []model.CalendarEvent
	DeletedIDs []string

	// MoreAvailable signals that the server has further pages for this
	// cursor and the client should issue another sync immediately.
	MoreAvailable bool
}

// ProvisionResult is the decoded response of the provisioning handshake.
type ProvisionResult struct {
	Status Status

	// PolicyKey is the new provisioning key on success.
	PolicyKey string
}

// Client issues the four primitive remote operations. Implementations own
// transport, authentication, and wire encoding; the engine owns everything
// above this line.
type Client interface {
	// TestConnection validates credentials and discovers server
	// capabilities. Failures map to [ErrAuthenticationFailed],
	// [ErrNetwork], or [ErrParse].
	TestConnection(ctx context.Context, creds Credentials) (ServerCapabilities, error)

	// FolderSync retrieves the folder hierarchy delta for the cursor.
	FolderSync(ctx context.Context, cursor, policyKey string) (FolderSyncResult, error)

	// Sync retrieves the item delta for a folder, optionally uploading
	// locally created events.
	Sync(ctx context.Context, req SyncRequest) (SyncResult, error)

	// Provision performs the in-protocol re-authorization handshake.
	Provision(ctx context.Context) (ProvisionResult, error)
}
