// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mock

import (
	"github.com/coinledger/ledgerd/backend"
	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/notify"
)

// PutTransaction scripts or replaces the provider's view of txid.
func (b *Backend) PutTransaction(txid string, confirmations int64,
	details ...backend.TxDetail) {

	b.mu.Lock()
	defer b.mu.Unlock()
	b.txs[txid] = &backend.TxInfo{
		TxID:          txid,
		Confirmations: confirmations,
		Details:       append([]backend.TxDetail(nil), details...),
	}
}

// PutDeposit scripts txid as a single receive paying amount to address.
func (b *Backend) PutDeposit(txid, address string, amount coin.Amount,
	confirmations int64) {

	b.PutTransaction(txid, confirmations, backend.TxDetail{
		Category: backend.CategoryReceive,
		Address:  address,
		Amount:   amount,
	})
}

// SetConfirmations advances (or rewinds) the scripted confirmation
// count of txid.  Scripting an unknown txid panics: the test forgot to
// put the transaction first.
func (b *Backend) SetConfirmations(txid string, confirmations int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.txs[txid]
	if !ok {
		panic("mock: SetConfirmations on unknown txid " + txid)
	}
	info.Confirmations = confirmations
}

// AddReceived appends one entry to the incoming history walked by
// ListReceivedTransactions.
func (b *Backend) AddReceived(txid, address string, confirmations int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received = append(b.received, backend.ReceivedTx{
		TxID:          txid,
		Address:       address,
		Confirmations: confirmations,
	})
}

// Announce pushes txid through the notifier created by CreateNotifier,
// simulating a wallet notification.
func (b *Backend) Announce(txid string) {
	b.announce <- notify.TxID(txid)
}

// SetFee sets the network fee reported by subsequent Sends.
func (b *Backend) SetFee(fee coin.Amount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fee = fee
}

// FailNextSend makes the next Send return err.  When lands is true the
// batch still enters the scripted chain state first, modeling a
// provider that accepted the transaction but failed to answer.
func (b *Backend) FailNextSend(err error, lands bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
	b.sendErrLands = lands
}

// Sends returns the batches recorded so far.
func (b *Backend) Sends() []Send {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Send(nil), b.sends...)
}

// SetBalance scripts the confirmed balance reported for address.
func (b *Backend) SetBalance(address string, amount coin.Amount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balances[address] = amount
}

// SetBackendBalance scripts the provider wallet's total balance.
func (b *Backend) SetBackendBalance(amount coin.Amount) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.backendBalance = amount
}

// SetMaxTracked overrides the confirmation ceiling reported by
// MaxTrackedIncomingConfirmations.
func (b *Backend) SetMaxTracked(confirmations int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxTracked = confirmations
}

// SetRequirePolling overrides RequireTrackingIncomingConfirmations.
func (b *Backend) SetRequirePolling(require bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requirePolling = require
}
