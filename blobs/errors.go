package blobs

import (
	"fmt"
	nethttp "net/http"

	"github.com/leapcode/blobsync/internal/crypto"
)

// Re-exported codec sentinels so callers match on one package.
var (
	ErrInvalidBlob          = crypto.ErrInvalidBlob
	ErrSchemeNotImplemented = crypto.ErrSchemeNotImplemented
)

// BlobNotFoundError reports that the server or the local store has no blob
// under the requested id.
type BlobNotFoundError struct {
	BlobID string
}

func (e *BlobNotFoundError) Error() string {
	return fmt.Sprintf("blob not found: %s", e.BlobID)
}

// BlobAlreadyExistsError reports a put onto an occupied blob id.
type BlobAlreadyExistsError struct {
	BlobID string
}

func (e *BlobAlreadyExistsError) Error() string {
	return fmt.Sprintf("blob already exists: %s", e.BlobID)
}

// InvalidFlagsError reports that the server rejected a flag set.
type InvalidFlagsError struct {
	BlobID string
	Flags  []Flag
}

func (e *InvalidFlagsError) Error() string {
	return fmt.Sprintf("invalid flags for blob %s: %v", e.BlobID, e.Flags)
}

// ServerError covers unmapped server response codes.
type ServerError struct {
	Code int
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("Server Error: %d", e.Code)
}

// RetriableTransferError wraps a transient failure that the retry loop
// should re-dispatch.
type RetriableTransferError struct {
	Err error
}

func (e *RetriableTransferError) Error() string {
	return fmt.Sprintf("retriable transfer error: %v", e.Err)
}

func (e *RetriableTransferError) Unwrap() error { return e.Err }

// MaximumRetriesError reports an exhausted retry budget. Terminal for the
// blob until operator intervention.
type MaximumRetriesError struct {
	Err error
}

func (e *MaximumRetriesError) Error() string {
	return fmt.Sprintf("maximum retries reached: %v", e.Err)
}

func (e *MaximumRetriesError) Unwrap() error { return e.Err }

// checkHTTPStatus maps a server response code onto the error taxonomy. Any
// 2xx is success.
func checkHTTPStatus(code int, blobID string, flags []Flag) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == nethttp.StatusNotFound:
		return &BlobNotFoundError{BlobID: blobID}
	case code == nethttp.StatusConflict:
		return &BlobAlreadyExistsError{BlobID: blobID}
	case code == nethttp.StatusNotAcceptable:
		return &InvalidFlagsError{BlobID: blobID, Flags: flags}
	default:
		return &ServerError{Code: code}
	}
}
