package protocol

import "fmt"

// Status is the protocol-level result code carried by every response.
// A single code means success; a small closed set demands provisioning;
// everything else is a server error surfaced with the raw code.
type Status int

const (
	// StatusSuccess is the single success code.
	StatusSuccess Status = 1

	// StatusInvalidSyncKey means the server no longer recognises the
	// client's cursor. The stored state is poisoned and cannot be
	// recovered by retrying.
	StatusInvalidSyncKey Status = 3

	// StatusProtocolError indicates a malformed request.
	StatusProtocolError Status = 4

	// StatusServerError is a transient server-side failure.
	StatusServerError Status = 5

	// StatusFolderHierarchyChanged asks the client to re-run folderSync
	// before syncing items again.
	StatusFolderHierarchyChanged Status = 12

	// StatusProvisioningDenied means the server refuses to provision this
	// device at all. Terminal; never retried.
	StatusProvisioningDenied Status = 139

	// StatusProvisionRequired, StatusPolicyRefresh, and
	// StatusInvalidPolicyKey form the closed set of provisioning-required
	// codes. They are retry triggers, never user-visible errors.
	StatusProvisionRequired Status = 142
	StatusPolicyRefresh     Status = 143
	StatusInvalidPolicyKey  Status = 144
)

// OK reports whether the round trip succeeded.
func (s Status) OK() bool {
	return s == StatusSuccess
}

// NeedsProvisioning reports whether the response demands the provisioning
// handshake before the operation can be retried.
func (s Status) NeedsProvisioning() bool {
	switch s {
	case StatusProvisionRequired, StatusPolicyRefresh, StatusInvalidPolicyKey:
		return true
	}
	return false
}

// Unrecoverable reports whether the status means the stored cursor or
// credential is permanently invalid, in which case the engine must fully
// disconnect rather than leave poisoned state behind.
func (s Status) Unrecoverable() bool {
	return s == StatusInvalidSyncKey
}

// ServerError carries a non-success, non-provisioning status code for
// diagnostics.
type ServerError struct {
	Code    Status
	Message string
}

func (e *ServerError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.Code)
	}
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Message)
}
