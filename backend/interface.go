// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package backend defines the contract between the ledger engine and a
// chain provider.  An adapter wraps one way of talking to a network
// (bitcoind-family RPC, a hosted wallet API, an in-memory fake) and
// normalizes it to the small operation set the engine consumes.  All
// amount conversion between provider units and ledger minor units
// happens inside adapters; the engine never sees a float.
package backend

import (
	"context"

	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/notify"
)

// Category classifies one movement inside a transaction from the
// backend's point of view.
type Category string

// Detail categories.  Adapters fold provider-specific vocabularies
// (coinbase maturity classes and the like) into these two or drop the
// entry.
const (
	CategoryReceive Category = "receive"
	CategorySend    Category = "send"
)

// TxDetail is one address-level movement within a transaction.  Amount
// keeps the provider's sign convention: receives are positive, sends
// negative.
type TxDetail struct {
	Category Category
	Address  string
	Amount   coin.Amount
}

// TxInfo is the engine's view of one network transaction.
type TxInfo struct {
	// TxID is the canonical identifier, hex for bitcoin-family chains.
	TxID string

	// Confirmations as reported by the provider.  Zero means observed
	// but not yet mined.  The ledger never lets a stored count regress,
	// whatever the provider reports.
	Confirmations int64

	// Details enumerates the address movements the provider attributes
	// to this transaction.
	Details []TxDetail

	// OnlyReceive is set by adapters whose provider only enumerates
	// incoming movements.  It tells the engine that absent send details
	// carry no information.
	OnlyReceive bool
}

// ReceivedTx is one entry of the backend's incoming-transaction
// history, as walked by the receive scanner.
type ReceivedTx struct {
	TxID          string
	Address       string
	Confirmations int64
}

// AddressBalance pairs an address with its confirmed balance on the
// backend.
type AddressBalance struct {
	Address string
	Amount  coin.Amount
}

// ReceiveCursor pages through the backend's incoming-transaction
// history.  Providers disagree about iteration order and paging
// vocabulary, so the cursor only promises that every entry is returned
// once before done.  Next returns an empty batch together with done
// when the history is exhausted.
type ReceiveCursor interface {
	Next(ctx context.Context) (batch []ReceivedTx, done bool, err error)
}

// Backend abstracts a chain provider.  Implementations must be safe for
// concurrent use: the broadcaster, poller, scanner, and notification
// consumer call into the same instance.
type Backend interface {
	// Name identifies the adapter and its coin in logs.
	Name() string

	// Start establishes provider connections.  Stop begins teardown and
	// WaitForShutdown blocks until resources are released.  Start must
	// be called before any operation below.
	Start() error
	Stop()
	WaitForShutdown()

	// CreateAddress obtains a fresh deposit address, tagged with label
	// where the provider supports tagging.
	CreateAddress(ctx context.Context, label string) (string, error)

	// GetTransaction fetches the provider's view of a transaction the
	// provider considers wallet-relevant.
	GetTransaction(ctx context.Context, txid string) (*TxInfo, error)

	// GetBalances reports per-address confirmed balances for the given
	// addresses.
	GetBalances(ctx context.Context, addresses []string) ([]AddressBalance, error)

	// GetBackendBalance reports the provider wallet's total balance
	// counting only transactions with at least the given confirmations.
	GetBackendBalance(ctx context.Context, confirmations int64) (coin.Amount, error)

	// Send pays the given outputs in one network transaction and
	// returns its txid and the network fee.  Adapters must hand the
	// whole batch to the provider atomically: either one transaction
	// carrying every output enters the network or none does.
	Send(ctx context.Context, outputs map[string]coin.Amount, label string) (txid string, fee coin.Amount, err error)

	// ListReceivedTransactions opens a cursor over the incoming
	// history, fetching batchSize entries per provider round trip.
	ListReceivedTransactions(ctx context.Context, batchSize int) (ReceiveCursor, error)

	// RequireTrackingIncomingConfirmations reports whether the engine
	// must poll this backend to observe confirmation growth.  Hosted
	// providers that push updates return false.
	RequireTrackingIncomingConfirmations() bool

	// MaxTrackedIncomingConfirmations is the count beyond which the
	// engine stops revisiting a transaction on this backend.
	MaxTrackedIncomingConfirmations() int64

	// CreateNotifier builds the incoming-notification transport for
	// this backend.  Adapters may support the generic transports, their
	// own, or both.
	CreateNotifier(cfg notify.Config, sink chan<- notify.TxID) (notify.Notifier, error)
}
