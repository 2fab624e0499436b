package syncmanager

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrAlreadySyncing is returned by Sync while another sync run is active.
var ErrAlreadySyncing = errors.New("already syncing")

// ErrorKind classifies what stopped a sync run.
type ErrorKind string

const (
	// KindTransport: the request could not be sent or got an error status.
	KindTransport ErrorKind = "transport"
	// KindTimeout: the preflight OPTIONS request did not finish in time.
	KindTimeout ErrorKind = "timeout"
	// KindListener: a listener returned an error.
	KindListener ErrorKind = "listener"
)

// SyncError describes the queued request that aborted a sync run.
// The request and every request after it are still in the sync log.
type SyncError struct {
	Kind      ErrorKind
	RequestID string
	Request   *http.Request
	// Response is the origin response, or a synthesized 504 for timeouts. May be nil.
	Response *http.Response
	Err      error
}

func (e *SyncError) Error() string {
	msg := fmt.Sprintf("sync request %s failed (%s)", e.RequestID, e.Kind)
	if e.Request != nil {
		msg = fmt.Sprintf("sync request %s %s %s failed (%s)", e.RequestID, e.Request.Method, e.Request.URL, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// AsSyncError returns the SyncError in err's chain.
func AsSyncError(err error) (*SyncError, bool) {
	var se *SyncError
	ok := errors.As(err, &se)
	return se, ok
}

// IsTimeoutError returns true if the error is a preflight timeout SyncError.
func IsTimeoutError(err error) bool {
	se, ok := AsSyncError(err)
	return ok && se.Kind == KindTimeout
}
