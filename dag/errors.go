package dag

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when an entry is not present in the store.
	ErrNotFound = errors.New("entry not found")
	// ErrStoreFailure wraps any I/O error of the underlying store.
	ErrStoreFailure = errors.New("entry store failure")
	// ErrMissingPredecessor is matched by a MissingPredecessorError.
	ErrMissingPredecessor = errors.New("missing predecessor")
	// ErrHashMismatch is returned when a remote entry's hash does not match its content.
	ErrHashMismatch = errors.New("entry hash does not match its content")
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("log is closed")
	// ErrStreamClosed is returned by Next after the read stream is closed.
	ErrStreamClosed = errors.New("read stream is closed")
)

// MissingPredecessorError lists the predecessors that have to be stored
// before the rejected entry can be accepted.
type MissingPredecessorError struct {
	Entry   Hash
	Missing []Hash
}

func (e *MissingPredecessorError) Error() string {
	missing := make([]string, len(e.Missing))
	for i, h := range e.Missing {
		missing[i] = h.Short()
	}
	return fmt.Sprintf("%s: entry %s needs [%s]", ErrMissingPredecessor, e.Entry.Short(),
		strings.Join(missing, ", "))
}

func (e *MissingPredecessorError) Unwrap() error {
	return ErrMissingPredecessor
}
