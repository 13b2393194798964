// Package state manages the SQLite database that holds the per-account sync
// state (folder and item cursors, provisioning key), the persisted event
// cache, and the stored credentials.
//
// Only this package may open or query the database. All other packages
// receive a [*Store] and call its methods.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"eascal/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_state (
    id                   INTEGER PRIMARY KEY CHECK (id = 1),
    folder_sync_cursor   TEXT NOT NULL DEFAULT '0',
    calendar_folder_id   TEXT NOT NULL DEFAULT '',
    calendar_sync_cursor TEXT NOT NULL DEFAULT '0',
    provisioning_key     TEXT NOT NULL DEFAULT '',
    last_sync_at         TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS cached_events (
    id         TEXT PRIMARY KEY,
    start_time TEXT NOT NULL,
    payload    BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cached_events_start ON cached_events (start_time);

CREATE TABLE IF NOT EXISTS credentials (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    server_url TEXT NOT NULL,
    username   TEXT NOT NULL,
    password   TEXT NOT NULL,
    device_id  TEXT NOT NULL
);
`

// InitialCursor is the sentinel cursor value meaning "never synced". The
// first sync round trip against it only negotiates a real cursor.
const InitialCursor = "0"

// SyncState is the process-durable cursor record, one per connected account.
type SyncState struct {
	FolderSyncCursor   string
	CalendarFolderID   string
	CalendarSyncCursor string
	ProvisioningKey    string
	LastSyncAt         time.Time
}

// NewSyncState returns the state of a freshly connected account.
func NewSyncState() *SyncState {
	return &SyncState{
		FolderSyncCursor:   InitialCursor,
		CalendarSyncCursor: InitialCursor,
	}
}

// AssignFolder records the discovered calendar folder. Assigning a folder
// that differs from the stored one resets the item cursor, since a cursor is
// only meaningful against the folder it was issued for.
func (s *SyncState) AssignFolder(folderID string) {
	if s.CalendarFolderID != folderID {
		s.CalendarFolderID = folderID
		s.CalendarSyncCursor = InitialCursor
	}
}

// Store is the SQLite-backed persistence layer. All writes are fire-and-forget
// from the engine's perspective: a failed save degrades to "resync next
// launch", never a fatal error.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default path for the state database:
// ~/.local/share/eascal/state.db
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "eascal", "state.db"), nil
}

// Open opens (or creates) the SQLite database at path, applies the schema,
// and configures WAL mode.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}

	// Single writer to avoid SQLITE_BUSY under WAL.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LoadSyncState returns the persisted sync state, or (nil, nil) if the
// account has never connected.
func (s *Store) LoadSyncState(ctx context.Context) (*SyncState, error) {
	const q = `
		SELECT folder_sync_cursor, calendar_folder_id, calendar_sync_cursor,
		       provisioning_key, last_sync_at
		FROM sync_state WHERE id = 1`

	var st SyncState
	var lastSync string
	err := s.db.QueryRowContext(ctx, q).Scan(
		&st.FolderSyncCursor,
		&st.CalendarFolderID,
		&st.CalendarSyncCursor,
		&st.ProvisioningKey,
		&lastSync,
	)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning sync state: %w", err)
	}
	st.LastSyncAt, _ = parseTime(lastSync)
	return &st, nil
}

// SaveSyncState upserts the singleton sync state row.
func (s *Store) SaveSyncState(ctx context.Context, st *SyncState) error {
	const q = `
		INSERT INTO sync_state
		    (id, folder_sync_cursor, calendar_folder_id, calendar_sync_cursor,
		     provisioning_key, last_sync_at)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    folder_sync_cursor   = excluded.folder_sync_cursor,
		    calendar_folder_id   = excluded.calendar_folder_id,
		    calendar_sync_cursor = excluded.calendar_sync_cursor,
		    provisioning_key     = excluded.provisioning_key,
		    last_sync_at         = excluded.last_sync_at`

	_, err := s.db.ExecContext(ctx, q,
		st.FolderSyncCursor,
		st.CalendarFolderID,
		st.CalendarSyncCursor,
		st.ProvisioningKey,
		formatTime(st.LastSyncAt),
	)
	if err != nil {
		return fmt.Errorf("saving sync state: %w", err)
	}
	return nil
}

// ClearSyncState removes the sync state row. Used on disconnect.
func (s *Store) ClearSyncState(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_state`); err != nil {
		return fmt.Errorf("clearing sync state: %w", err)
	}
	return nil
}

// LoadCachedEvents returns the persisted event cache ordered by start time.
func (s *Store) LoadCachedEvents(ctx context.Context) ([]model.CalendarEvent, error) {
	const q = `SELECT payload FROM cached_events ORDER BY start_time, id`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("querying cached events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.CalendarEvent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning cached event: %w", err)
		}
		var ev model.CalendarEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("decoding cached event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SaveCachedEvents atomically replaces the persisted event cache.
func (s *Store) SaveCachedEvents(ctx context.Context, events []model.CalendarEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting cache transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cached_events`); err != nil {
		return fmt.Errorf("clearing cached events: %w", err)
	}

	const q = `INSERT INTO cached_events (id, start_time, payload) VALUES (?, ?, ?)`
	for i := range events {
		payload, err := json.Marshal(&events[i])
		if err != nil {
			return fmt.Errorf("encoding event %q: %w", events[i].ID, err)
		}
		if _, err := tx.ExecContext(ctx, q, events[i].ID, formatTime(events[i].StartTime), payload); err != nil {
			return fmt.Errorf("inserting event %q: %w", events[i].ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing cached events: %w", err)
	}
	return nil
}

// Credentials is the stored account credential record.
type Credentials struct {
	ServerURL string
	Username  string
	Password  string
	DeviceID  string
}

// LoadCredentials returns the stored credentials, or (nil, nil) when no
// account is connected.
func (s *Store) LoadCredentials(ctx context.Context) (*Credentials, error) {
	const q = `SELECT server_url, username, password, device_id FROM credentials WHERE id = 1`

	var c Credentials
	err := s.db.QueryRowContext(ctx, q).Scan(&c.ServerURL, &c.Username, &c.Password, &c.DeviceID)
	if err == sql.ErrNoRows {
		return nil, nil //nolint:nilnil // intentional: "not found" sentinel
	}
	if err != nil {
		return nil, fmt.Errorf("scanning credentials: %w", err)
	}
	return &c, nil
}

// SaveCredentials upserts the stored credentials. The engine only calls this
// after a successful protocol round trip, never speculatively.
func (s *Store) SaveCredentials(ctx context.Context, c *Credentials) error {
	const q = `
		INSERT INTO credentials (id, server_url, username, password, device_id)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
		    server_url = excluded.server_url,
		    username   = excluded.username,
		    password   = excluded.password,
		    device_id  = excluded.device_id`

	if _, err := s.db.ExecContext(ctx, q, c.ServerURL, c.Username, c.Password, c.DeviceID); err != nil {
		return fmt.Errorf("saving credentials: %w", err)
	}
	return nil
}

// ClearCredentials removes the stored credentials. Used on disconnect and
// when the server revokes access.
func (s *Store) ClearCredentials(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials`); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	return nil
}

// --- helpers -----------------------------------------------------------------

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
