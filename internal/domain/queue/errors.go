package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreEmpty means nothing has been persisted yet.
	ErrStoreEmpty = errors.New("queue store is empty")
	// ErrStoreCorrupt means the persisted document cannot be decoded.
	ErrStoreCorrupt = errors.New("queue store is corrupt")
	// ErrNoBackup means there is no backup to restore from.
	ErrNoBackup = errors.New("no backup available")
	// ErrNotFound means no patient has the requested id.
	ErrNotFound = errors.New("patient not found")
)

// ValidationError rejects a malformed payload before anything is written.
// Index is the offending patient's position in a bulk payload, or -1.
type ValidationError struct {
	Field  string
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("patient at index %d: %s: %s", e.Index, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// StorageError wraps a failed read or write against the store.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage %s failed: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// RecoveryError reports that no usable backup could be restored.
type RecoveryError struct {
	Reason string
	Err    error
}

func (e *RecoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("backup recovery failed: %s: %v", e.Reason, e.Err)
	}
	return "backup recovery failed: " + e.Reason
}

func (e *RecoveryError) Unwrap() error { return e.Err }
