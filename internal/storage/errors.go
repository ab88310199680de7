package storage

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for object store failures. Match them with errors.Is.
var (
	// ErrNotFound indicates that the requested object does not exist.
	ErrNotFound = errors.New("object not found")

	// ErrUnavailable indicates the store could not be reached or failed
	// server-side. Retrying later may succeed.
	ErrUnavailable = errors.New("object store unavailable")

	// ErrRejected indicates the store refused the request (permissions,
	// size limits, invalid key or bucket).
	ErrRejected = errors.New("object store rejected request")
)

// Error describes a failed store operation on a single key.
type Error struct {
	Op   string // "put", "get" or "delete"
	Key  string
	Kind error // one of the sentinel errors above
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage.%s %s: %v: %v", e.Op, e.Key, e.Kind, e.Err)
}

// Unwrap exposes both the classification and the underlying cause.
func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// localFail classifies a failure to read the local file being put. Retrying
// cannot help, so it is reported as a rejection.
func localFail(key string, err error) error {
	return &Error{Op: "put", Key: key, Kind: ErrRejected, Err: err}
}

var notFoundCodes = map[string]bool{
	"NoSuchKey": true,
	"NotFound":  true,
}

var rejectedCodes = map[string]bool{
	"AccessDenied":          true,
	"AllAccessDisabled":     true,
	"EntityTooLarge":        true,
	"EntityTooSmall":        true,
	"InvalidAccessKeyId":    true,
	"InvalidArgument":       true,
	"InvalidBucketName":     true,
	"InvalidObjectName":     true,
	"KeyTooLongError":       true,
	"MethodNotAllowed":      true,
	"NoSuchBucket":          true,
	"SignatureDoesNotMatch": true,
}

// classify maps a provider error code and HTTP status to a sentinel error.
// Unknown codes fall back to the status class; anything without a 4xx status
// is treated as unavailability.
func classify(code string, status int) error {
	switch {
	case notFoundCodes[code]:
		return ErrNotFound
	case rejectedCodes[code]:
		return ErrRejected
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return ErrUnavailable
	case status >= 400 && status < 500:
		return ErrRejected
	default:
		return ErrUnavailable
	}
}
