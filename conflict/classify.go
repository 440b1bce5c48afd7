// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package conflict

import (
	"errors"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	sqlite3 "modernc.org/sqlite/lib"
)

// sqliteCoder matches the modernc.org/sqlite error type without naming it,
// which keeps the classifier testable with fabricated errors.
type sqliteCoder interface {
	error
	Code() int
}

// isSerialization reports whether err is, or wraps, a driver error that
// signals a serialization conflict.  These are the only errors Update will
// retry; everything else propagates to the caller unchanged.
//
// Postgres raises SQLSTATE 40001 (serialization_failure) when a serializable
// transaction cannot commit and 40P01 (deadlock_detected) when the lock
// manager chooses a victim.  SQLite reports SQLITE_BUSY or SQLITE_LOCKED when
// a competing writer holds the database.
func isSerialization(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SerializationFailure, pgerrcode.DeadlockDetected:
			return true
		}
		return false
	}

	var liteErr sqliteCoder
	if errors.As(err, &liteErr) {
		// Mask down to the primary code so extended codes such as
		// SQLITE_BUSY_SNAPSHOT classify the same as their base code.
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}
