// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"time"

	"github.com/coinledger/ledgerd/coin"
)

// FeeAccountName is the reserved account name that absorbs network fees
// paid by broadcast batches.  It is the only account whose balance is
// allowed to go negative, and it cannot send or receive transfers.
const FeeAccountName = "__fees__"

// TxState describes where a ledger transaction sits in its lifecycle.
type TxState string

// Ledger transaction states.
const (
	// TxStatePending is an outbound withdrawal that has been debited from
	// its account but not yet handed to the network backend.
	TxStatePending TxState = "pending"

	// TxStateBroadcasted is an outbound withdrawal whose batch was
	// accepted by the network backend.
	TxStateBroadcasted TxState = "broadcasted"

	// TxStateIncoming is a deposit that has been observed on the network
	// but not yet credited to its account.
	TxStateIncoming TxState = "incoming"

	// TxStateProcessed is a credited deposit that the application has
	// acknowledged.
	TxStateProcessed TxState = "processed"

	// TxStateInternal is a transfer between two accounts of the same
	// wallet.  It never touches the network.
	TxStateInternal TxState = "internal"

	// TxStateNetworkFee is the fee booked against the fee account when a
	// broadcast batch is accepted.
	TxStateNetworkFee TxState = "network_fee"

	// TxStateBalanceImport is a synthetic credit recorded when adopting a
	// pre-existing backend balance into the ledger.
	TxStateBalanceImport TxState = "balance_import"
)

// NetworkTxType distinguishes the two directions a network transaction
// row can represent.
type NetworkTxType string

// Network transaction types.
const (
	// NetworkTxDeposit is a transaction observed on the network that pays
	// one or more of the wallet's receiving addresses.
	NetworkTxDeposit NetworkTxType = "deposit"

	// NetworkTxBroadcast is a batch of withdrawals sent by this service.
	NetworkTxBroadcast NetworkTxType = "broadcast"
)

// NetworkTxState describes the lifecycle of a network transaction row.
type NetworkTxState string

// Network transaction states.
const (
	// NetworkTxStateIncoming is a deposit that has not yet reached the
	// confirmation threshold.
	NetworkTxStateIncoming NetworkTxState = "incoming"

	// NetworkTxStateCredited is a deposit whose ledger transactions have
	// been credited to their accounts.
	NetworkTxStateCredited NetworkTxState = "credited"

	// NetworkTxStatePending is a broadcast batch that has been collected
	// but not yet accepted by the network backend.
	NetworkTxStatePending NetworkTxState = "pending"

	// NetworkTxStateBroadcasted is a broadcast batch that the network
	// backend accepted.
	NetworkTxStateBroadcasted NetworkTxState = "broadcasted"
)

// Wallet is the top level bookkeeping entity.  A wallet mirrors one
// backend wallet for one coin, and its balance is always the sum of its
// account balances.
type Wallet struct {
	ID        int64       `db:"id"`
	Coin      string      `db:"coin"`
	Name      string      `db:"name"`
	Balance   coin.Amount `db:"balance"`
	CreatedAt time.Time   `db:"created_at"`
	UpdatedAt time.Time   `db:"updated_at"`
}

// Account is a named balance bucket within a wallet.
type Account struct {
	ID        int64       `db:"id"`
	WalletID  int64       `db:"wallet_id"`
	Name      string      `db:"name"`
	Balance   coin.Amount `db:"balance"`
	CreatedAt time.Time   `db:"created_at"`
	UpdatedAt time.Time   `db:"updated_at"`
}

// IsFeeAccount returns whether this is the wallet's reserved fee account.
func (a *Account) IsFeeAccount() bool {
	return a.Name == FeeAccountName
}

// Address is a network address known to a wallet.  Receiving addresses
// belong to an account; destination addresses recorded for withdrawals
// have no account.  The balance tracks the lifetime amount credited to
// the address and never decreases.
type Address struct {
	ID         int64       `db:"id"`
	WalletID   int64       `db:"wallet_id"`
	AccountID  *int64      `db:"account_id"`
	Address    string      `db:"address"`
	Label      string      `db:"label"`
	Balance    coin.Amount `db:"balance"`
	CreatedAt  time.Time   `db:"created_at"`
	ArchivedAt *time.Time  `db:"archived_at"`
}

// Receiving returns whether the address belongs to an account and is
// therefore watched for deposits.
func (a *Address) Receiving() bool {
	return a.AccountID != nil && a.ArchivedAt == nil
}

// Transaction is a single ledger entry.  Exactly which of the nullable
// reference columns are set depends on the state:
//
//	deposits:     receiving_account_id, address_id, network_transaction_id
//	withdrawals:  sending_account_id, address_id, and, once collected
//	              into a batch, network_transaction_id
//	internal:     sending_account_id and receiving_account_id
//	network_fee:  sending_account_id (the fee account) and
//	              network_transaction_id
//	balance_import: receiving_account_id
type Transaction struct {
	ID                   int64       `db:"id"`
	WalletID             int64       `db:"wallet_id"`
	State                TxState     `db:"state"`
	Amount               coin.Amount `db:"amount"`
	SendingAccountID     *int64      `db:"sending_account_id"`
	ReceivingAccountID   *int64      `db:"receiving_account_id"`
	AddressID            *int64      `db:"address_id"`
	NetworkTransactionID *int64      `db:"network_transaction_id"`
	Label                string      `db:"label"`
	CreatedAt            time.Time   `db:"created_at"`
	CreditedAt           *time.Time  `db:"credited_at"`
	ProcessedAt          *time.Time  `db:"processed_at"`
}

// Deposit returns whether the transaction credits a receiving address
// from the network.
func (t *Transaction) Deposit() bool {
	return t.ReceivingAccountID != nil && t.AddressID != nil &&
		t.NetworkTransactionID != nil
}

// Outbound returns whether the transaction is a withdrawal to an
// external address.
func (t *Transaction) Outbound() bool {
	return t.State == TxStatePending || t.State == TxStateBroadcasted
}

// Credited returns whether the deposit has been credited to its account.
func (t *Transaction) Credited() bool {
	return t.CreditedAt != nil
}

// NetworkTransaction mirrors one transaction on the coin network: either
// an observed deposit or a broadcast batch assembled by this service.
// The opened/closed timestamps bracket the backend send call for
// broadcasts; a row with opened_at set and closed_at unset marks a send
// interrupted mid-flight, which is never retried automatically.
type NetworkTransaction struct {
	ID            int64          `db:"id"`
	Coin          string         `db:"coin"`
	Type          NetworkTxType  `db:"transaction_type"`
	TxID          *string        `db:"txid"`
	State         NetworkTxState `db:"state"`
	Confirmations int64          `db:"confirmations"`
	OpenedAt      *time.Time     `db:"opened_at"`
	ClosedAt      *time.Time     `db:"closed_at"`
	CreatedAt     time.Time      `db:"created_at"`
}

// Interrupted returns whether a broadcast batch was handed to the
// network backend without a recorded result.  Such batches may or may
// not have reached the network and require operator review.
func (n *NetworkTransaction) Interrupted() bool {
	return n.Type == NetworkTxBroadcast && n.OpenedAt != nil && n.ClosedAt == nil
}

// HasTxID returns whether the network assigned transaction id is known.
func (n *NetworkTransaction) HasTxID() bool {
	return n.TxID != nil && *n.TxID != ""
}
