package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned at startup when the backend configuration is unusable.
	ErrConfiguration = errors.New("storage configuration error")

	// ErrInvalidKey is returned for empty or unsafe keys.
	ErrInvalidKey = errors.New("invalid object key")

	// ErrNotFound is returned when no object exists under a key.
	ErrNotFound = errors.New("object not found")

	// ErrRangeUnsatisfiable is returned by Backend.Get when a parsed range lies
	// outside the object.
	ErrRangeUnsatisfiable = errors.New("range not satisfiable")

	// ErrBackend marks failures of the underlying store.
	ErrBackend = errors.New("storage backend error")

	// ErrUploadAborted is returned when a multipart upload failed and its parts were discarded.
	ErrUploadAborted = errors.New("upload aborted")
)

// BackendError wraps a failed backend call.
type BackendError struct {
	Backend string
	Op      string
	Key     string
	Err     error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Backend, e.Op, e.Key, e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrBackend) hold for every BackendError.
func (e *BackendError) Is(target error) bool { return target == ErrBackend }

// NewBackendError wraps err unless it is nil or already carries one of the
// caller-facing classifications.
func NewBackendError(backend, op, key string, err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrNotFound, ErrInvalidKey, ErrRangeUnsatisfiable, ErrUploadAborted} {
		if errors.Is(err, known) {
			return err
		}
	}
	return &BackendError{Backend: backend, Op: op, Key: key, Err: err}
}
