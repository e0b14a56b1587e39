package store

import "errors"

var (
	// ErrConnection means the store could not be reached.
	ErrConnection = errors.New("document store unreachable")
	// ErrWriteConflict means a concurrent writer won; the document is unchanged.
	ErrWriteConflict = errors.New("write conflict")
	// ErrNotFound means no document matched the id of a point update.
	ErrNotFound = errors.New("document not found")
	// ErrUnsupported is returned for operations a backend cannot express.
	ErrUnsupported = errors.New("operation not supported by backend")
)
