package toots

import (
	"errors"
	"fmt"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingInstance = errors.New("source instance is required")
	errMissingTootID   = errors.New("toot id is required")
)

// PersistenceError reports a rejected store operation with a stable code.
type PersistenceError struct {
	code string
	err  error
}

func (e *PersistenceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *PersistenceError) Unwrap() error {
	return e.err
}

func (e *PersistenceError) Code() string {
	return e.code
}

const (
	opStoreNew   = "toots.store.new"
	opUpsert     = "toots.upsert"
	opListRecent = "toots.list_recent"
)

func newPersistenceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &PersistenceError{code: code, err: cause}
}
