package storage

import (
	"context"
	"errors"
	"fmt"

	"threatwatch/core"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrEventNotFound is returned when an event is not found
	ErrEventNotFound = errors.New("event not found")

	// ErrAlertNotFound is returned when an alert is not found
	ErrAlertNotFound = errors.New("alert not found")

	// ErrDeadLetterNotFound is returned when a dead letter id does not exist
	ErrDeadLetterNotFound = errors.New("dead letter not found")

	// ErrUnsupportedKey is returned for a correlation key with no indexed column
	ErrUnsupportedKey = errors.New("unsupported correlation key")

	// ErrDatabaseClosed is returned when attempting to use a closed database connection
	ErrDatabaseClosed = errors.New("database is closed")
)

// classify wraps busy, locked and timeout failures as core.ErrTransientStore
// so callers can tell redeliverable failures from permanent ones.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isTransient(err) {
		return fmt.Errorf("%s: %w: %v", op, core.ErrTransientStore, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, core.ErrTransientStore) {
		return true
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}
