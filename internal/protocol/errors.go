package protocol

import "errors"

// Sentinel errors shared by transport implementations and the engine.
// Transport and parse failures surface unchanged to the caller; the engine
// additionally clears local state for the unrecoverable ones (authentication
// failure during connect, provisioning denied).
var (
	// ErrAuthenticationFailed means the server rejected the credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrAccessDenied means the credentials are valid but the operation is
	// forbidden for this account or device.
	ErrAccessDenied = errors.New("access denied")

	// ErrNetwork wraps transport-level failures, including timeouts.
	ErrNetwork = errors.New("network error")

	// ErrParse means the response could not be decoded.
	ErrParse = errors.New("response parse error")

	// ErrUnsupportedVersion means the server does not advertise the
	// minimum required protocol version.
	ErrUnsupportedVersion = errors.New("unsupported server protocol version")

	// ErrProvisioningDenied means the server refused the provisioning
	// handshake outright. Not retried.
	ErrProvisioningDenied = errors.New("provisioning denied by server")
)
