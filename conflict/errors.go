// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package conflict

import "errors"

// ErrorCode identifies a category of error.
type ErrorCode uint8

const (
	// ErrSerialization indicates the database reported a serialization
	// conflict or deadlock while committing a transaction.  Update
	// resolves these internally by retrying; callers only observe the
	// code through UpdateOnce, where a conflict is fatal.
	ErrSerialization ErrorCode = iota

	// ErrUnresolvable indicates a unit of work still conflicted after the
	// configured number of retries and was abandoned.
	ErrUnresolvable
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errCodeStrings = map[ErrorCode]string{
	ErrSerialization: "ErrSerialization",
	ErrUnresolvable:  "ErrUnresolvable",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s, ok := errCodeStrings[e]; ok {
		return s
	}
	return "Unknown ErrorCode"
}

// Error provides a single type for errors that can occur while running
// managed transactions.
type Error struct {
	Code ErrorCode // Describes the kind of error
	Desc string    // Human readable description of the issue
	Err  error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e Error) Error() string {
	if e.Err != nil {
		return e.Desc + ": " + e.Err.Error()
	}
	return e.Desc
}

// Unwrap returns the underlying error, if any.
func (e Error) Unwrap() error {
	return e.Err
}

// IsErr returns whether err is an Error carrying the given code.
func IsErr(err error, code ErrorCode) bool {
	var e Error
	return errors.As(err, &e) && e.Code == code
}
