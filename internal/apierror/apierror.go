// Package apierror defines the domain error taxonomy shared by the access
// control, audit and HTTP layers. These errors are expected outcomes of
// request handling and are kept out of generic exception tracking; anything
// else propagates as an internal error.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Codes attached to wire responses. Downstream integrators match on these.
const (
	CodeNotAuthenticated = "NOT_AUTHENTICATED"
	CodePermissionDenied = "PERMISSION_DENIED"
	CodeDocumentLocked   = "DOCUMENT_LOCKED"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidField     = "INVALID_FIELD"
	CodeMaxFileCount     = "MAXIMUM_FILE_COUNT_EXCEEDED"
	CodeMaxFileSize      = "MAXIMUM_FILE_SIZE_EXCEEDED"
	CodeMaliciousFile    = "MALICIOUS_FILE"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeGeneralError     = "GENERAL_ERROR"
)

// Error is a domain error carrying a wire code and HTTP status.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string { return e.Message }

// NotAuthenticated reports that no identity could be resolved where one is
// mandatory. Never audited: there is no actor to audit against.
func NotAuthenticated() *Error {
	return &Error{
		Code:    CodeNotAuthenticated,
		Message: "Authentication credentials were not provided.",
		Status:  http.StatusUnauthorized,
	}
}

// PermissionDenied reports a resolved identity lacking the required
// permission. Recorded as a FORBIDDEN audit event when raised inside a
// recorded action.
func PermissionDenied(detail string) *Error {
	if detail == "" {
		detail = "You do not have permission to perform this action."
	}
	return &Error{
		Code:    CodePermissionDenied,
		Message: detail,
		Status:  http.StatusForbidden,
	}
}

// DocumentLocked reports a draft/lock-state violation. The lock timestamp is
// included only when the lock itself (not the non-draft state) caused the
// failure.
func DocumentLocked(lockedAfter *time.Time) *Error {
	detail := "Unable to modify document - it's no longer a draft."
	if lockedAfter != nil {
		detail = fmt.Sprintf("%s Locked at: %s.", detail, lockedAfter.UTC().Format(time.RFC3339))
	}
	return &Error{
		Code:    CodeDocumentLocked,
		Message: detail,
		Status:  http.StatusForbidden,
	}
}

// NotFound is reported identically whether the row does not exist or is
// filtered out of the caller's scope, to avoid leaking existence.
func NotFound() *Error {
	return &Error{
		Code:    CodeNotFound,
		Message: "Not found.",
		Status:  http.StatusNotFound,
	}
}

// InvalidField reports a validation failure on the request payload.
func InvalidField(detail string) *Error {
	if detail == "" {
		detail = "Got invalid input fields"
	}
	return &Error{
		Code:    CodeInvalidField,
		Message: detail,
		Status:  http.StatusBadRequest,
	}
}

// MaxFileCountExceeded reports too many files on one upload.
func MaxFileCountExceeded(limit int) *Error {
	return &Error{
		Code:    CodeMaxFileCount,
		Message: fmt.Sprintf("File upload is limited to %d", limit),
		Status:  http.StatusBadRequest,
	}
}

// MaxFileSizeExceeded reports an oversized upload.
func MaxFileSizeExceeded(limitBytes int64) *Error {
	return &Error{
		Code:    CodeMaxFileSize,
		Message: fmt.Sprintf("Cannot upload files larger than %.2f Mb", float64(limitBytes)/(1<<20)),
		Status:  http.StatusBadRequest,
	}
}

// MaliciousFile reports a positive virus scan. Raised before any persistence.
func MaliciousFile(filename string) *Error {
	return &Error{
		Code:    CodeMaliciousFile,
		Message: fmt.Sprintf("File %q did not pass malware scanning", filename),
		Status:  http.StatusBadRequest,
	}
}

// MethodNotAllowed reports an endpoint that exists but rejects the verb.
func MethodNotAllowed(method string) *Error {
	return &Error{
		Code:    CodeMethodNotAllowed,
		Message: fmt.Sprintf("Method %q not allowed.", method),
		Status:  http.StatusMethodNotAllowed,
	}
}

// IsAuthzFailure reports whether err belongs to the authorization class
// (NotAuthenticated or PermissionDenied) that the action recorder captures as
// a FORBIDDEN audit event.
func IsAuthzFailure(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.Code {
	case CodePermissionDenied, CodeNotAuthenticated:
		return true
	}
	return false
}

// AsError extracts an *Error from err if present.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
