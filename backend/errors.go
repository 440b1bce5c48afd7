// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package backend

import (
	"context"
	"errors"
	"io"
	"net"
)

// ErrorCode identifies a category of error.
type ErrorCode uint8

const (
	// ErrConfig indicates an adapter was constructed with parameters it
	// cannot use.  Configuration errors are permanent and fail startup.
	ErrConfig ErrorCode = iota

	// ErrTransient indicates a network, timeout, or connection failure
	// talking to the provider.  The operation is safe to repeat on the
	// caller's next natural occasion.
	ErrTransient

	// ErrProtocol indicates the provider answered with something the
	// adapter does not understand.  Repeating the call without operator
	// attention is unlikely to help within the same tick.
	ErrProtocol
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errCodeStrings = map[ErrorCode]string{
	ErrConfig:    "ErrConfig",
	ErrTransient: "ErrTransient",
	ErrProtocol:  "ErrProtocol",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s, ok := errCodeStrings[e]; ok {
		return s
	}
	return "Unknown ErrorCode"
}

// Error provides a single type for errors originating in backend
// adapters.
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

// ConfigE builds an ErrConfig error.
func ConfigE(desc string, err error) Error {
	return Error{Code: ErrConfig, Desc: desc, Err: err}
}

// TransientE builds an ErrTransient error.
func TransientE(desc string, err error) Error {
	return Error{Code: ErrTransient, Desc: desc, Err: err}
}

// ProtocolE builds an ErrProtocol error.
func ProtocolE(desc string, err error) Error {
	return Error{Code: ErrProtocol, Desc: desc, Err: err}
}

// ClassifyE wraps a raw provider error, picking ErrTransient for the
// failure shapes the network can produce on its own and ErrProtocol
// otherwise.  Context cancellation passes through unwrapped so callers
// shutting down do not log it as a provider fault.
func ClassifyE(desc string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {

		return TransientE(desc, err)
	}
	return ProtocolE(desc, err)
}
