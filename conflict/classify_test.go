// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package conflict

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/require"
	sqlite3 "modernc.org/sqlite/lib"
)

// fakeSQLiteErr mimics the modernc.org/sqlite error shape.
type fakeSQLiteErr struct {
	code int
}

func (e *fakeSQLiteErr) Error() string { return fmt.Sprintf("sqlite error %d", e.code) }
func (e *fakeSQLiteErr) Code() int     { return e.code }

func TestIsSerialization(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "postgres serialization failure",
			err:  &pgconn.PgError{Code: pgerrcode.SerializationFailure},
			want: true,
		},
		{
			name: "postgres deadlock",
			err:  &pgconn.PgError{Code: pgerrcode.DeadlockDetected},
			want: true,
		},
		{
			name: "postgres unique violation",
			err:  &pgconn.PgError{Code: pgerrcode.UniqueViolation},
			want: false,
		},
		{
			name: "wrapped postgres conflict",
			err: fmt.Errorf("commit: %w",
				&pgconn.PgError{Code: pgerrcode.SerializationFailure}),
			want: true,
		},
		{
			name: "sqlite busy",
			err:  &fakeSQLiteErr{code: sqlite3.SQLITE_BUSY},
			want: true,
		},
		{
			name: "sqlite locked",
			err:  &fakeSQLiteErr{code: sqlite3.SQLITE_LOCKED},
			want: true,
		},
		{
			name: "sqlite busy snapshot extended code",
			err:  &fakeSQLiteErr{code: sqlite3.SQLITE_BUSY | (2 << 8)},
			want: true,
		},
		{
			name: "sqlite constraint",
			err:  &fakeSQLiteErr{code: sqlite3.SQLITE_CONSTRAINT},
			want: false,
		},
		{
			name: "plain error",
			err:  errors.New("boom"),
			want: false,
		},
		{
			name: "nil",
			err:  nil,
			want: false,
		},
	}

	for _, test := range tests {
		require.Equalf(t, test.want, isSerialization(test.err), "case %q", test.name)
	}
}

func TestIsErr(t *testing.T) {
	err := Error{Code: ErrUnresolvable, Desc: "gave up"}
	require.True(t, IsErr(err, ErrUnresolvable))
	require.False(t, IsErr(err, ErrSerialization))
	require.True(t, IsErr(fmt.Errorf("outer: %w", err), ErrUnresolvable))
	require.False(t, IsErr(errors.New("other"), ErrUnresolvable))
	require.Equal(t, "gave up", err.Error())

	wrapped := Error{Code: ErrSerialization, Desc: "conflict", Err: errors.New("inner")}
	require.Equal(t, "conflict: inner", wrapped.Error())
	require.Equal(t, "inner", errors.Unwrap(wrapped).Error())
}
