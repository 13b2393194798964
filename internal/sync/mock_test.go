package sync

import (
	"context"
	"fmt"
	"sync"

	"eascal/internal/model"
	"eascal/internal/protocol"
	"eascal/internal/state"
)

// --- Mock protocol client ----------------------------------------------------

// mockClient is a scripted protocol.Client: each operation pops the next
// queued result and fails the test path with an error when the script runs dry.
type mockClient struct {
	mu sync.Mutex

	caps    protocol.ServerCapabilities
	testErr error

	// When set (before the engine runs), Sync signals syncEntered on entry
	// and then blocks until syncGate is closed. Lets tests race other
	// engine calls against an in-flight round trip.
	syncEntered chan struct{}
	syncGate    chan struct{}

	folderResults []protocol.FolderSyncResult
	syncResults   []protocol.SyncResult
	provResults   []protocol.ProvisionResult

	testCalls   int
	folderCalls int
	provCalls   int
	syncReqs    []protocol.SyncRequest
}

func newMockClient() *mockClient {
	return &mockClient{
		caps: protocol.ServerCapabilities{
			ProtocolVersions:     []string{"12.1", "14.1"},
			SupportsProvisioning: true,
		},
	}
}

func (m *mockClient) queueFolder(res ...protocol.FolderSyncResult) { m.folderResults = append(m.folderResults, res...) }
func (m *mockClient) queueSync(res ...protocol.SyncResult)         { m.syncResults = append(m.syncResults, res...) }
func (m *mockClient) queueProvision(res ...protocol.ProvisionResult) {
	m.provResults = append(m.provResults, res...)
}

func (m *mockClient) TestConnection(_ context.Context, _ protocol.Credentials) (protocol.ServerCapabilities, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.testCalls++
	if m.testErr != nil {
		return protocol.ServerCapabilities{}, m.testErr
	}
	return m.caps, nil
}

func (m *mockClient) FolderSync(_ context.Context, _, _ string) (protocol.FolderSyncResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.folderCalls++
	if len(m.folderResults) == 0 {
		return protocol.FolderSyncResult{}, fmt.Errorf("unexpected FolderSync call %d", m.folderCalls)
	}
	res := m.folderResults[0]
	m.folderResults = m.folderResults[1:]
	return res, nil
}

func (m *mockClient) Sync(_ context.Context, req protocol.SyncRequest) (protocol.SyncResult, error) {
	if m.syncEntered != nil {
		m.syncEntered <- struct{}{}
	}
	if m.syncGate != nil {
		<-m.syncGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncReqs = append(m.syncReqs, req)
	if len(m.syncResults) == 0 {
		return protocol.SyncResult{}, fmt.Errorf("unexpected Sync call %d", len(m.syncReqs))
	}
	res := m.syncResults[0]
	m.syncResults = m.syncResults[1:]
	return res, nil
}

func (m *mockClient) Provision(_ context.Context) (protocol.ProvisionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.provCalls++
	if len(m.provResults) == 0 {
		return protocol.ProvisionResult{}, fmt.Errorf("unexpected Provision call %d", m.provCalls)
	}
	res := m.provResults[0]
	m.provResults = m.provResults[1:]
	return res, nil
}

func (m *mockClient) requests() []protocol.SyncRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]protocol.SyncRequest, len(m.syncReqs))
	copy(out, m.syncReqs)
	return out
}

// --- Mock state store --------------------------------------------------------

// mockStore is an in-memory StateStore with failure injection.
type mockStore struct {
	mu sync.Mutex

	st     *state.SyncState
	creds  *state.Credentials
	events []model.CalendarEvent

	failSaveEvents bool

	stateClears int
	credClears  int
	eventSaves  int
}

func newMockStore() *mockStore {
	return &mockStore{}
}

func (m *mockStore) LoadSyncState(_ context.Context) (*state.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil, nil
	}
	cp := *m.st
	return &cp, nil
}

func (m *mockStore) SaveSyncState(_ context.Context, st *state.SyncState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *st
	m.st = &cp
	return nil
}

func (m *mockStore) ClearSyncState(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = nil
	m.stateClears++
	return nil
}

func (m *mockStore) LoadCachedEvents(_ context.Context) ([]model.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.CalendarEvent, len(m.events))
	copy(out, m.events)
	return out, nil
}

func (m *mockStore) SaveCachedEvents(_ context.Context, events []model.CalendarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSaveEvents {
		return fmt.Errorf("injected cache save failure")
	}
	m.events = make([]model.CalendarEvent, len(events))
	copy(m.events, events)
	m.eventSaves++
	return nil
}

func (m *mockStore) LoadCredentials(_ context.Context) (*state.Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return nil, nil
	}
	cp := *m.creds
	return &cp, nil
}

func (m *mockStore) SaveCredentials(_ context.Context, c *state.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.creds = &cp
	return nil
}

func (m *mockStore) ClearCredentials(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = nil
	m.credClears++
	return nil
}

func (m *mockStore) syncState() *state.SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st == nil {
		return nil
	}
	cp := *m.st
	return &cp
}

func (m *mockStore) credentials() *state.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return nil
	}
	cp := *m.creds
	return &cp
}

func (m *mockStore) cachedEvents() []model.CalendarEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.CalendarEvent, len(m.events))
	copy(out, m.events)
	return out
}
