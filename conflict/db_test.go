// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package conflict

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conflict_test.db")
	db, err := Open("sqlite://"+path, DefaultRetries)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenRejectsUnknownScheme(t *testing.T) {
	_, err := Open("mysql://nope", 3)
	require.Error(t, err)
}

func TestUpdateCommits(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	err := db.Update(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
		return err
	})
	require.NoError(t, err)

	err = db.Update(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(tx.Rebind(`INSERT INTO kv (k, v) VALUES (?, ?)`), "a", "1")
		return err
	})
	require.NoError(t, err)

	var v string
	err = db.View(ctx, func(tx *sqlx.Tx) error {
		return tx.Get(&v, tx.Rebind(`SELECT v FROM kv WHERE k = ?`), "a")
	})
	require.NoError(t, err)
	require.Equal(t, "1", v)
}

func TestUpdateRollsBackOnError(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	require.NoError(t, db.Update(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`)
		return err
	}))

	boom := errors.New("boom")
	err := db.Update(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(tx.Rebind(`INSERT INTO kv (k, v) VALUES (?, ?)`), "a", "1"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var n int
	require.NoError(t, db.View(ctx, func(tx *sqlx.Tx) error {
		return tx.Get(&n, `SELECT COUNT(*) FROM kv`)
	}))
	require.Zero(t, n, "rolled-back insert must not be visible")
}

func TestUpdateRetriesSerializationConflict(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	retriesBefore := testutil.ToFloat64(retriesTotal)

	attempts := 0
	err := db.Update(ctx, func(tx *sqlx.Tx) error {
		attempts++
		if attempts < 3 {
			return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, attempts)
	require.Equal(t, retriesBefore+2, testutil.ToFloat64(retriesTotal))
}

func TestUpdateUnresolvableAfterRetries(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	unresolvedBefore := testutil.ToFloat64(unresolvedTotal)

	attempts := 0
	err := db.Update(ctx, func(tx *sqlx.Tx) error {
		attempts++
		return &pgconn.PgError{Code: pgerrcode.DeadlockDetected}
	})
	require.True(t, IsErr(err, ErrUnresolvable), "got %v", err)
	require.Equal(t, DefaultRetries+1, attempts)
	require.Equal(t, unresolvedBefore+1, testutil.ToFloat64(unresolvedTotal))
}

func TestUpdateDoesNotRetryOtherErrors(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	boom := errors.New("not a conflict")
	attempts := 0
	err := db.Update(ctx, func(tx *sqlx.Tx) error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, attempts)
}

func TestUpdateOnceConflictIsFatal(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	attempts := 0
	err := db.UpdateOnce(ctx, func(tx *sqlx.Tx) error {
		attempts++
		return &pgconn.PgError{Code: pgerrcode.SerializationFailure}
	})
	require.True(t, IsErr(err, ErrSerialization), "got %v", err)
	require.Equal(t, 1, attempts, "UpdateOnce must never retry")
}
