// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package conflict

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	// The two supported database drivers.  Postgres is the production
	// target; SQLite backs tests and small single-host deployments.
	_ "github.com/jackc/pgx/v4/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifies which database engine a DB is connected to.  The ledger
// schema differs slightly between engines, so it is exposed to callers.
type Dialect string

// The supported dialects.
const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

const (
	// DefaultRetries is the number of times Update re-runs a unit of work
	// whose commit failed with a serialization conflict.
	DefaultRetries = 3

	// retryDelay is the base pause between conflict retries.  The pause
	// grows linearly with the attempt number so two workers hammering the
	// same row fall out of lockstep.
	retryDelay = 25 * time.Millisecond
)

// DB wraps a sqlx database handle with the managed-transaction runners that
// every ledger mutation goes through.  There are no in-process locks around
// ledger rows; the database's isolation is the single coordination point.
type DB struct {
	*sqlx.DB

	dialect Dialect
	retries int
}

// Open connects to the database named by dburl.  Two URL schemes are
// understood: postgres:// (or postgresql://) dials Postgres through pgx,
// and sqlite://PATH opens an embedded SQLite database at PATH.  retries
// configures how many times Update re-runs conflicted work; values below
// zero select DefaultRetries.
func Open(dburl string, retries int) (*DB, error) {
	if retries < 0 {
		retries = DefaultRetries
	}

	var (
		driverName string
		dsn        string
		dialect    Dialect
	)
	switch {
	case strings.HasPrefix(dburl, "postgres://"),
		strings.HasPrefix(dburl, "postgresql://"):
		driverName, dsn, dialect = "pgx", dburl, DialectPostgres

	case strings.HasPrefix(dburl, "sqlite://"):
		dsn = strings.TrimPrefix(dburl, "sqlite://")
		if !strings.Contains(dsn, "?") {
			// Acquire the write lock at BEGIN rather than at first
			// write so conflicting writers fail fast with BUSY, and
			// turn on the enforcement SQLite leaves off by default.
			dsn += "?_txlock=immediate" +
				"&_pragma=busy_timeout(5000)" +
				"&_pragma=foreign_keys(1)"
		}
		driverName, dialect = "sqlite", DialectSQLite

	default:
		return nil, fmt.Errorf("unrecognized database URL %q: "+
			"expected postgres:// or sqlite://", dburl)
	}

	xdb, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if dialect == DialectSQLite {
		// SQLite permits one writer; funneling every session through a
		// single connection avoids spurious BUSY storms from our own
		// process while still surfacing cross-process conflicts.
		xdb.SetMaxOpenConns(1)
	}

	log.Debugf("Opened %s database (retries=%d)", dialect, retries)
	return &DB{DB: xdb, dialect: dialect, retries: retries}, nil
}

// Dialect returns which engine the DB speaks.
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Update runs f inside a serializable database transaction and retries it,
// with a fresh transaction each time, when the commit fails with a
// serialization conflict.  After the configured number of retries the unit
// of work is abandoned with ErrUnresolvable.
//
// f MUST be a pure reconciliation of database state: no sends, no event
// delivery, no other externally visible I/O, because it may run any number
// of times.  Any row handles or other state derived from the transaction
// must not outlive the call; only plain values (ids) may escape via
// captured variables, and f must overwrite them on every invocation.
func (db *DB) Update(ctx context.Context, f func(tx *sqlx.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt <= db.retries; attempt++ {
		if attempt > 0 {
			retriesTotal.Inc()
			log.Debugf("Serialization conflict, retrying "+
				"(attempt %d/%d): %v", attempt, db.retries, lastErr)
			select {
			case <-time.After(time.Duration(attempt) * retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := db.runTx(ctx, db.writeTxOptions(), f)
		if err == nil {
			successTotal.Inc()
			return nil
		}
		if !isSerialization(err) {
			errorsTotal.Inc()
			return err
		}
		lastErr = err
	}

	unresolvedTotal.Inc()
	log.Warnf("Abandoning unit of work after %d conflict retries: %v",
		db.retries, lastErr)
	return Error{
		Code: ErrUnresolvable,
		Desc: fmt.Sprintf("still conflicted after %d retries", db.retries),
		Err:  lastErr,
	}
}

// UpdateOnce runs f inside a single serializable transaction with no retry.
// It exists for units of work bracketing external side effects (the
// broadcast open and close marks): re-running those after a conflict could
// double the side effect, so a conflict here is fatal to the caller, who
// must reconcile manually.
func (db *DB) UpdateOnce(ctx context.Context, f func(tx *sqlx.Tx) error) error {
	err := db.runTx(ctx, db.writeTxOptions(), f)
	if err == nil {
		successTotal.Inc()
		return nil
	}
	errorsTotal.Inc()
	if isSerialization(err) {
		return Error{
			Code: ErrSerialization,
			Desc: "non-retryable transaction hit a serialization conflict",
			Err:  err,
		}
	}
	return err
}

// View runs f inside a read-only transaction.
func (db *DB) View(ctx context.Context, f func(tx *sqlx.Tx) error) error {
	return db.runTx(ctx, &sql.TxOptions{ReadOnly: true}, f)
}

// writeTxOptions returns the transaction options for mutating work.
// Postgres must be asked for serializable isolation explicitly; SQLite
// transactions are serializable by construction and its driver wants the
// default level.
func (db *DB) writeTxOptions() *sql.TxOptions {
	if db.dialect == DialectPostgres {
		return &sql.TxOptions{Isolation: sql.LevelSerializable}
	}
	return &sql.TxOptions{}
}

// runTx is the common begin/execute/commit path.  The returned error may
// come from f or from the commit itself; Postgres in particular reports
// serialization failures at COMMIT time.
func (db *DB) runTx(ctx context.Context, opts *sql.TxOptions, f func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, opts)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := f(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			log.Warnf("Rollback failed: %v", rbErr)
		}
		return err
	}
	return tx.Commit()
}
