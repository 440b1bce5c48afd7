// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package events

import "errors"

// ErrorCode identifies a category of error.
type ErrorCode uint8

const (
	// ErrSinkConfig indicates an event sink was constructed with
	// parameters it cannot use, such as an unparseable URL or an empty
	// command line.
	ErrSinkConfig ErrorCode = iota

	// ErrSinkFailure indicates a sink could not take delivery of an
	// event.  Delivery failures are logged and counted but never affect
	// the ledger state that produced the event.
	ErrSinkFailure
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errCodeStrings = map[ErrorCode]string{
	ErrSinkConfig:  "ErrSinkConfig",
	ErrSinkFailure: "ErrSinkFailure",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s, ok := errCodeStrings[e]; ok {
		return s
	}
	return "Unknown ErrorCode"
}

// Error provides a single type for errors that can occur while
// constructing sinks or delivering events to them.
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
