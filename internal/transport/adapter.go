package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"eascal/internal/protocol"
)

const (
	pathTestConnection = "/v1/testconnection"
	pathFolderSync     = "/v1/foldersync"
	pathSync           = "/v1/sync"
	pathProvision      = "/v1/provision"

	requestTimeout = 30 * time.Second
)

// Adapter talks to the device gateway over HTTP. Create one with [NewAdapter];
// it captures the account credentials from the first successful
// TestConnection, or from [Adapter.UseCredentials] when restoring a
// previously connected account.
type Adapter struct {
	baseURL string
	hc      *http.Client
	logger  *slog.Logger

	mu    sync.Mutex
	creds protocol.Credentials
	ready bool
}

// NewAdapter creates an Adapter for the gateway at baseURL.
func NewAdapter(baseURL string, logger *slog.Logger) (*Adapter, error) {
	u, err := url.ParseRequestURI(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("gateway URL %q must be a valid http or https URL", baseURL)
	}
	return &Adapter{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: requestTimeout},
		logger:  logger,
	}, nil
}

// UseCredentials primes the adapter with stored credentials, for accounts
// restored from a previous run without re-running TestConnection.
func (a *Adapter) UseCredentials(creds protocol.Credentials) {
	a.mu.Lock()
	a.creds = creds
	a.ready = true
	a.mu.Unlock()
}

// TestConnection validates the credentials and discovers server capabilities.
func (a *Adapter) TestConnection(ctx context.Context, creds protocol.Credentials) (protocol.ServerCapabilities, error) {
	reqBody := struct {
		ServerURL string `json:"server_url"`
	}{ServerURL: creds.ServerURL}

	var resp struct {
		ProtocolVersions     []string `json:"protocol_versions"`
		SupportsProvisioning bool     `json:"supports_provisioning"`
	}
	if err := a.call(ctx, pathTestConnection, creds, reqBody, &resp); err != nil {
		return protocol.ServerCapabilities{}, err
	}

	a.UseCredentials(creds)
	return protocol.ServerCapabilities{
		ProtocolVersions:     resp.ProtocolVersions,
		SupportsProvisioning: resp.SupportsProvisioning,
	}, nil
}

// FolderSync retrieves the folder hierarchy delta for the cursor.
func (a *Adapter) FolderSync(ctx context.Context, cursor, policyKey string) (protocol.FolderSyncResult, error) {
	creds, err := a.credentials()
	if err != nil {
		return protocol.FolderSyncResult{}, err
	}

	reqBody := struct {
		Cursor    string `json:"cursor"`
		PolicyKey string `json:"policy_key,omitempty"`
	}{Cursor: cursor, PolicyKey: policyKey}

	var resp struct {
		Status    int          `json:"status"`
		NewCursor string       `json:"new_cursor"`
		Folders   []wireFolder `json:"folders"`
	}
	if err := a.call(ctx, pathFolderSync, creds, reqBody, &resp); err != nil {
		return protocol.FolderSyncResult{}, err
	}

	return protocol.FolderSyncResult{
		Status:    protocol.Status(resp.Status),
		NewCursor: resp.NewCursor,
		Folders:   foldersFromWire(resp.Folders),
	}, nil
}

// Sync retrieves the item delta for a folder, optionally uploading locally
// created events.
func (a *Adapter) Sync(ctx context.Context, req protocol.SyncRequest) (protocol.SyncResult, error) {
	creds, err := a.credentials()
	if err != nil {
		return protocol.SyncResult{}, err
	}

	reqBody := struct {
		FolderID   string      `json:"folder_id"`
		Cursor     string      `json:"cursor"`
		GetChanges bool        `json:"get_changes"`
		PolicyKey  string      `json:"policy_key,omitempty"`
		WindowSize int         `json:"window_size,omitempty"`
		Add        []wireEvent `json:"add,omitempty"`
	}{
		FolderID:   req.FolderID,
		Cursor:     req.Cursor,
		GetChanges: req.GetChanges,
		PolicyKey:  req.PolicyKey,
		WindowSize: req.WindowSize,
		Add:        eventsToWire(req.AddItems),
	}

	var resp struct {
		Status        int         `json:"status"`
		NewCursor     string      `json:"new_cursor"`
		Added         []wireEvent `json:"added"`
		Changed       []wireEvent `json:"changed"`
		DeletedIDs    []string    `json:"deleted_ids"`
		MoreAvailable bool        `json:"more_available"`
	}
	if err := a.call(ctx, pathSync, creds, reqBody, &resp); err != nil {
		return protocol.SyncResult{}, err
	}

	return protocol.SyncResult{
		Status:        protocol.Status(resp.Status),
		NewCursor:     resp.NewCursor,
		Added:         eventsFromWire(resp.Added),
		Changed:       eventsFromWire(resp.Changed),
		DeletedIDs:    resp.DeletedIDs,
		MoreAvailable: resp.MoreAvailable,
	}, nil
}

// Provision performs the re-authorization handshake.
func (a *Adapter) Provision(ctx context.Context) (protocol.ProvisionResult, error) {
	creds, err := a.credentials()
	if err != nil {
		return protocol.ProvisionResult{}, err
	}

	var resp struct {
		Status    int    `json:"status"`
		PolicyKey string `json:"policy_key"`
	}
	if err := a.call(ctx, pathProvision, creds, struct{}{}, &resp); err != nil {
		return protocol.ProvisionResult{}, err
	}

	return protocol.ProvisionResult{
		Status:    protocol.Status(resp.Status),
		PolicyKey: resp.PolicyKey,
	}, nil
}

func (a *Adapter) credentials() (protocol.Credentials, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.ready {
		return protocol.Credentials{}, fmt.Errorf("%w: no credentials configured", protocol.ErrAuthenticationFailed)
	}
	return a.creds, nil
}

// call POSTs a JSON request to the gateway with retry for transient network
// failures, and maps HTTP-level failures to the shared protocol errors.
func (a *Adapter) call(ctx context.Context, path string, creds protocol.Credentials, reqBody, respBody any) error {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", path, err)
	}

	return retryTransient(ctx, defaultMaxAttempts, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("creating %s request: %w", path, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Device-ID", creds.DeviceID)
		req.SetBasicAuth(creds.Username, creds.Password)

		resp, err := a.hc.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrNetwork, err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			return protocol.ErrAuthenticationFailed
		case resp.StatusCode == http.StatusForbidden:
			return protocol.ErrAccessDenied
		case resp.StatusCode >= 500:
			// Gateway-side failures are transient from our side.
			return fmt.Errorf("%w: gateway returned status %d", protocol.ErrNetwork, resp.StatusCode)
		case resp.StatusCode >= 300:
			return fmt.Errorf("%w: gateway returned unexpected status %d", protocol.ErrParse, resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(respBody); err != nil {
			return fmt.Errorf("%w: decoding %s response: %v", protocol.ErrParse, path, err)
		}
		return nil
	})
}
