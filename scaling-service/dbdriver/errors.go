// Copyright (c) 2022 Whist Technologies, Inc.

package dbdriver

import (
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
)

// Sentinel errors returned by this package. Callers match on these with
// errors.Is to decide whether a failed operation should be retried on
// another instance, retried later, or surfaced to the user.
var (
	// ErrNotFound is returned when a query expecting a row finds none.
	ErrNotFound = errors.New("dbdriver: row not found")

	// ErrLockTimeout is returned when a transaction gave up waiting on a row
	// lock. The row was held by another transaction for longer than the
	// configured lock timeout.
	ErrLockTimeout = errors.New("dbdriver: timed out waiting for row lock")

	// ErrConflict is returned when an insert or update violated a uniqueness
	// constraint, usually because a concurrent transaction got there first.
	ErrConflict = errors.New("dbdriver: conflicting row already exists")
)

// Postgres error codes we translate into sentinel errors.
const (
	sqlstateLockNotAvailable = "55P03"
	sqlstateUniqueViolation  = "23505"
)

// mapPostgresError converts low-level pgx errors into this package's
// sentinel errors, leaving everything else untouched.
func mapPostgresError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlstateLockNotAvailable:
			return ErrLockTimeout
		case sqlstateUniqueViolation:
			return ErrConflict
		}
	}

	return err
}
