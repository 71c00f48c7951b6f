package coordinator

import (
	"fmt"
	"time"

	"github.com/rotisserie/eris"
)

// ConflictError reports that another request currently holds the claim for
// the same fingerprint. The caller may retry after RetryAfter.
type ConflictError struct {
	Fingerprint string
	RetryAfter  time.Duration
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("coordinator: enrichment in flight for fingerprint %s (retry after %s)", e.Fingerprint, e.RetryAfter)
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var ce *ConflictError
	return eris.As(err, &ce)
}

// UpstreamError reports an enrichment gateway failure: transport error,
// non-success response, or output that failed schema validation. The
// attempt has been recorded in the ledger and the claim released.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return "coordinator: enrichment gateway failure: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// IsUpstream reports whether err is (or wraps) an UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return eris.As(err, &ue)
}

// StorageError reports a claim store or ledger failure. These are fatal to
// the request and never masked as enrichment failures.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "coordinator: storage failure during " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return eris.As(err, &se)
}
