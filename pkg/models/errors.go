package models

import "errors"

// Error taxonomy for collaboration operations. Callers classify with
// errors.Is; wrapped context is added at the call site with pkg/errors.
var (
	// ErrNotFound indicates an unknown document, session, review or comment
	ErrNotFound = errors.New("not found")

	// ErrNotAuthorized indicates the actor may not perform the operation
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidOperation indicates a malformed edit payload
	ErrInvalidOperation = errors.New("invalid operation")

	// ErrTimeout indicates the operation exceeded its time bound and is safe to retry
	ErrTimeout = errors.New("operation timed out")

	// ErrDeliveryFailure indicates a single recipient's channel faulted during fanout
	ErrDeliveryFailure = errors.New("delivery failure")

	// ErrDocumentUnavailable indicates the document has no registry and one
	// could not be created
	ErrDocumentUnavailable = errors.New("document unavailable")
)
