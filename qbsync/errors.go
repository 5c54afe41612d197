package qbsync

import (
	"errors"
	"fmt"
)

// Error taxonomy for remote-ledger operations. Every fallible operation
// returns one of these (possibly wrapped); callers branch with errors.Is.
var (
	// ErrAuthMissing means there is no usable connection row. Fatal until an
	// operator re-runs the OAuth handshake.
	ErrAuthMissing = errors.New("no usable ledger connection; reconnect required")

	// ErrRefreshFailed marks the connection expired. Dependent operations
	// surface this as "reconnect required", never retry silently.
	ErrRefreshFailed = errors.New("token refresh failed; reconnect required")

	// ErrRateLimited is retryable by the caller after a delay. This subsystem
	// does not auto-retry on rate limits.
	ErrRateLimited = errors.New("remote ledger rate limited; retry later")

	// ErrConflict means the remote entity changed between read and write.
	// Never auto-retried; the caller must re-sync first.
	ErrConflict = errors.New("record changed remotely; re-sync and retry")

	// ErrMissingSyncMetadata means the local mirror row predates the document
	// metadata needed for updates; the caller must re-sync.
	ErrMissingSyncMetadata = errors.New("line is missing sync metadata; re-sync required")

	// ErrNotFound means the remote entity vanished. Surfaced, not retried.
	ErrNotFound = errors.New("remote entity not found")
)

// BatchItemError is one failed item inside a batch operation.
type BatchItemError struct {
	Index   int    `json:"index"`
	Ref     string `json:"ref"`
	Message string `json:"message"`
}

// BatchResult aggregates a partially failed batch: processing continues past
// failing items and each failure is reported individually.
type BatchResult struct {
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Errors    []BatchItemError `json:"errors,omitempty"`
}

func (r BatchResult) Err() error {
	if r.Failed == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d items failed", r.Failed, r.Failed+r.Succeeded)
}
