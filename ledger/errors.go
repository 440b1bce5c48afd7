// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"errors"
	"fmt"
)

// ErrorCode identifies a category of error.
type ErrorCode uint8

// These constants are used to identify a specific Error.
const (
	// ErrInput indicates that the caller passed invalid input to an
	// operation, such as a non-positive amount.
	ErrInput ErrorCode = iota

	// ErrNoExists indicates that a requested wallet, account, address, or
	// transaction does not exist in the database.
	ErrNoExists

	// ErrExists indicates an attempt to create an entity that already
	// exists, such as a wallet with a taken name.
	ErrExists

	// ErrBadAddress indicates that a network address failed validation
	// for the wallet's coin and network.
	ErrBadAddress

	// ErrSameAccount indicates an internal transfer where the sending and
	// receiving accounts are the same.
	ErrSameAccount

	// ErrNotEnoughAccountBalance indicates a debit that would take the
	// account balance below zero.
	ErrNotEnoughAccountBalance

	// ErrNotEnoughWalletBalance indicates a debit that would take the
	// wallet balance below zero even though the account could cover it.
	ErrNotEnoughWalletBalance

	// ErrDoubleSpendRisk indicates that a broadcast batch was found in a
	// state where handing it to the network backend could pay the same
	// withdrawals twice.  Batches in this state need operator review.
	ErrDoubleSpendRisk

	// ErrCorruption indicates that the database contains rows violating
	// the bookkeeping rules, such as a batch update matching an
	// unexpected number of rows.
	ErrCorruption
)

// Map of ErrorCode values back to their constant names for pretty printing.
var errCodeStrings = map[ErrorCode]string{
	ErrInput:                   "ErrInput",
	ErrNoExists:                "ErrNoExists",
	ErrExists:                  "ErrExists",
	ErrBadAddress:              "ErrBadAddress",
	ErrSameAccount:             "ErrSameAccount",
	ErrNotEnoughAccountBalance: "ErrNotEnoughAccountBalance",
	ErrNotEnoughWalletBalance:  "ErrNotEnoughWalletBalance",
	ErrDoubleSpendRisk:         "ErrDoubleSpendRisk",
	ErrCorruption:              "ErrCorruption",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s, ok := errCodeStrings[e]; ok {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", uint8(e))
}

// Error provides a single type for errors that can occur in the ledger
// package.  The ErrorCode field identifies the specific error category,
// while Desc carries the human readable detail.  Err is the underlying
// error, if any.
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

// storeError creates an Error given a set of arguments.
func storeError(c ErrorCode, desc string, err error) Error {
	return Error{Code: c, Desc: desc, Err: err}
}

// IsErr returns whether err is a ledger Error with a matching error code.
func IsErr(err error, code ErrorCode) bool {
	var e Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Code == code
}
