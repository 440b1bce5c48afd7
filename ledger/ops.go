// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"fmt"

	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/conflict"
	"github.com/jmoiron/sqlx"
	"github.com/lightningnetwork/lnd/clock"
)

// AddressCreator obtains fresh receiving addresses from a network
// backend.  Address creation happens outside the database transaction
// that records the address; see Ledger.NewReceivingAddress.
type AddressCreator interface {
	NewAddress(ctx context.Context) (string, error)
}

// BalanceSource reports the backend wallet's spendable balance in the
// coin's minor unit.
type BalanceSource interface {
	ConfirmedBalance(ctx context.Context, minConf int64) (coin.Amount, error)
}

// Ledger exposes the bookkeeping operations for one coin.  All methods
// are safe for concurrent use; each runs as a single serializable
// database transaction with automatic retry on conflicts.
type Ledger struct {
	db      *conflict.DB
	store   *Store
	desc    *coin.Descriptor
	testnet bool
}

// New returns a Ledger for the given coin backed by db.  testnet selects
// which network addresses are validated against.  A nil clock selects
// the system clock.
func New(db *conflict.DB, desc *coin.Descriptor, testnet bool,
	clk clock.Clock) *Ledger {

	return &Ledger{
		db:      db,
		store:   NewStore(desc.Name, clk),
		desc:    desc,
		testnet: testnet,
	}
}

// DB returns the underlying conflict-retrying database handle.
func (l *Ledger) DB() *conflict.DB {
	return l.db
}

// Store returns the transaction-scoped query layer, for callers that
// compose their own atomic operations.
func (l *Ledger) Store() *Store {
	return l.store
}

// Coin returns the coin descriptor the ledger is scoped to.
func (l *Ledger) Coin() *coin.Descriptor {
	return l.desc
}

// Testnet returns whether addresses validate against the test network.
func (l *Ledger) Testnet() bool {
	return l.testnet
}

// CreateWallet creates a wallet with a zero balance.  Wallet names are
// unique per coin.
func (l *Ledger) CreateWallet(ctx context.Context, name string) (*Wallet, error) {
	if name == "" {
		return nil, storeError(ErrInput, "wallet name must not be empty", nil)
	}
	var w *Wallet
	err := l.db.Update(ctx, func(tx *sqlx.Tx) error {
		w = nil
		_, err := l.store.GetWalletByName(tx, name)
		if err == nil {
			return storeError(ErrExists,
				fmt.Sprintf("wallet %q already exists", name), nil)
		}
		if !IsErr(err, ErrNoExists) {
			return err
		}
		w, err = l.store.CreateWallet(tx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Created wallet %q (id %d)", w.Name, w.ID)
	return w, nil
}

// GetOrCreateAccount fetches the named account within a wallet, creating
// it empty when missing.  The fee account name is reserved.
func (l *Ledger) GetOrCreateAccount(ctx context.Context, walletID int64,
	name string) (*Account, error) {

	if err := checkAccountName(name); err != nil {
		return nil, err
	}
	var a *Account
	err := l.db.Update(ctx, func(tx *sqlx.Tx) error {
		a = nil
		if _, err := l.store.GetWallet(tx, walletID); err != nil {
			return err
		}
		var created bool
		var err error
		a, created, err = l.store.GetOrCreateAccount(tx, walletID, name)
		if err != nil {
			return err
		}
		if created {
			log.Debugf("Created account %q in wallet %d", name, walletID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// NewReceivingAddress obtains a fresh address from the network backend
// and records it as a receiving address of the named account, creating
// the account on demand.  The backend call happens before the database
// transaction; if recording fails, the backend address stays unused and
// any funds it nevertheless receives remain adoptable through
// ImportBackendBalance.
func (l *Ledger) NewReceivingAddress(ctx context.Context, backend AddressCreator,
	walletID int64, accountName, label string) (*Address, error) {

	if err := checkAccountName(accountName); err != nil {
		return nil, err
	}
	addrStr, err := backend.NewAddress(ctx)
	if err != nil {
		return nil, fmt.Errorf("backend address creation: %w", err)
	}
	if !l.desc.ValidAddress(addrStr, l.testnet) {
		return nil, storeError(ErrBadAddress, fmt.Sprintf(
			"backend returned address %q that does not validate "+
				"for %s", addrStr, l.desc.Name), nil)
	}

	var addr *Address
	err = l.db.Update(ctx, func(tx *sqlx.Tx) error {
		addr = nil
		if _, err := l.store.GetWallet(tx, walletID); err != nil {
			return err
		}
		acct, _, err := l.store.GetOrCreateAccount(tx, walletID, accountName)
		if err != nil {
			return err
		}
		addr, err = l.store.CreateReceivingAddress(tx, walletID,
			acct.ID, addrStr, label)
		return err
	})
	if err != nil {
		return nil, err
	}
	log.Infof("New receiving address %s for wallet %d account %q",
		addr.Address, walletID, accountName)
	return addr, nil
}

// InternalTransfer moves an amount between two accounts of the same
// wallet.  Both accounts must exist, the sender must cover the amount,
// and the wallet balance is unaffected.
func (l *Ledger) InternalTransfer(ctx context.Context, walletID int64,
	fromAccount, toAccount string, amount coin.Amount,
	label string) (*Transaction, error) {

	if amount <= 0 {
		return nil, storeError(ErrInput,
			"transfer amount must be positive", nil)
	}
	if err := checkAccountName(fromAccount); err != nil {
		return nil, err
	}
	if err := checkAccountName(toAccount); err != nil {
		return nil, err
	}
	if fromAccount == toAccount {
		return nil, storeError(ErrSameAccount, fmt.Sprintf(
			"cannot transfer from account %q to itself", fromAccount), nil)
	}

	var txn *Transaction
	err := l.db.Update(ctx, func(tx *sqlx.Tx) error {
		txn = nil
		from, err := l.store.GetAccountByName(tx, walletID, fromAccount)
		if err != nil {
			return err
		}
		to, err := l.store.GetAccountByName(tx, walletID, toAccount)
		if err != nil {
			return err
		}
		if from.Balance < amount {
			return storeError(ErrNotEnoughAccountBalance, fmt.Sprintf(
				"account %q has %s, cannot send %s", fromAccount,
				l.desc.FormatAmount(from.Balance),
				l.desc.FormatAmount(amount)), nil)
		}
		err = l.store.AdjustAccountBalance(tx, from.ID, walletID, -amount)
		if err != nil {
			return err
		}
		err = l.store.AdjustAccountBalance(tx, to.ID, walletID, amount)
		if err != nil {
			return err
		}
		txn = &Transaction{
			WalletID:           walletID,
			State:              TxStateInternal,
			Amount:             amount,
			SendingAccountID:   &from.ID,
			ReceivingAccountID: &to.ID,
			Label:              label,
		}
		return l.store.InsertTransaction(tx, txn)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Internal transfer of %s from %q to %q in wallet %d (tx %d)",
		l.desc.FormatAmount(amount), fromAccount, toAccount, walletID,
		txn.ID)
	return txn, nil
}

// Withdraw debits an account and records a pending withdrawal to an
// external address.  The withdrawal is picked up by the next broadcast
// collection run; the debit happens immediately.
func (l *Ledger) Withdraw(ctx context.Context, walletID int64,
	accountName, address string, amount coin.Amount,
	label string) (*Transaction, error) {

	if amount <= 0 {
		return nil, storeError(ErrInput,
			"withdrawal amount must be positive", nil)
	}
	if err := checkAccountName(accountName); err != nil {
		return nil, err
	}
	if !l.desc.ValidAddress(address, l.testnet) {
		return nil, storeError(ErrBadAddress, fmt.Sprintf(
			"%q is not a valid %s address", address, l.desc.Name), nil)
	}

	var txn *Transaction
	err := l.db.Update(ctx, func(tx *sqlx.Tx) error {
		txn = nil
		w, err := l.store.GetWallet(tx, walletID)
		if err != nil {
			return err
		}
		acct, err := l.store.GetAccountByName(tx, walletID, accountName)
		if err != nil {
			return err
		}
		if acct.Balance < amount {
			return storeError(ErrNotEnoughAccountBalance, fmt.Sprintf(
				"account %q has %s, cannot send %s", accountName,
				l.desc.FormatAmount(acct.Balance),
				l.desc.FormatAmount(amount)), nil)
		}
		// The wallet can hold less than the account when the fee
		// account has gone negative.
		if w.Balance < amount {
			return storeError(ErrNotEnoughWalletBalance, fmt.Sprintf(
				"wallet %d holds %s, cannot send %s", walletID,
				l.desc.FormatAmount(w.Balance),
				l.desc.FormatAmount(amount)), nil)
		}
		dest, err := l.store.GetOrCreateDestinationAddress(tx,
			walletID, address)
		if err != nil {
			return err
		}
		err = l.store.AdjustAccountBalance(tx, acct.ID, walletID, -amount)
		if err != nil {
			return err
		}
		txn = &Transaction{
			WalletID:         walletID,
			State:            TxStatePending,
			Amount:           amount,
			SendingAccountID: &acct.ID,
			AddressID:        &dest.ID,
			Label:            label,
		}
		return l.store.InsertTransaction(tx, txn)
	})
	if err != nil {
		return nil, err
	}
	log.Infof("Withdrawal of %s from account %q to %s queued (tx %d)",
		l.desc.FormatAmount(amount), accountName, address, txn.ID)
	return txn, nil
}

// ImportBackendBalance adopts funds the backend wallet holds beyond
// what the ledger accounts for, crediting the difference to the named
// account as a balance import.  It returns nil when the backend balance
// does not exceed the wallet balance.  minConf selects how deeply
// confirmed backend funds must be to count.
func (l *Ledger) ImportBackendBalance(ctx context.Context, backend BalanceSource,
	walletID int64, accountName string, minConf int64,
	label string) (*Transaction, error) {

	if err := checkAccountName(accountName); err != nil {
		return nil, err
	}
	backendBalance, err := backend.ConfirmedBalance(ctx, minConf)
	if err != nil {
		return nil, fmt.Errorf("backend balance query: %w", err)
	}

	var txn *Transaction
	err = l.db.Update(ctx, func(tx *sqlx.Tx) error {
		txn = nil
		w, err := l.store.GetWallet(tx, walletID)
		if err != nil {
			return err
		}
		delta := backendBalance - w.Balance
		if delta <= 0 {
			return nil
		}
		acct, _, err := l.store.GetOrCreateAccount(tx, walletID, accountName)
		if err != nil {
			return err
		}
		err = l.store.AdjustAccountBalance(tx, acct.ID, walletID, delta)
		if err != nil {
			return err
		}
		now := l.store.now()
		txn = &Transaction{
			WalletID:           walletID,
			State:              TxStateBalanceImport,
			Amount:             delta,
			ReceivingAccountID: &acct.ID,
			Label:              label,
			CreatedAt:          now,
			CreditedAt:         &now,
		}
		return l.store.InsertTransaction(tx, txn)
	})
	if err != nil {
		return nil, err
	}
	if txn == nil {
		log.Debugf("Backend balance %s does not exceed wallet %d "+
			"balance, nothing to import",
			l.desc.FormatAmount(backendBalance), walletID)
		return nil, nil
	}
	log.Infof("Imported %s of backend balance into wallet %d account %q "+
		"(tx %d)", l.desc.FormatAmount(txn.Amount), walletID,
		accountName, txn.ID)
	return txn, nil
}

// MarkProcessed acknowledges a credited deposit on behalf of the
// application, moving it to the processed state.  Acknowledging an
// already processed deposit is a no-op.
func (l *Ledger) MarkProcessed(ctx context.Context, id int64) (*Transaction, error) {
	var txn *Transaction
	err := l.db.Update(ctx, func(tx *sqlx.Tx) error {
		txn = nil
		if _, err := l.store.MarkTransactionProcessed(tx, id); err != nil {
			return err
		}
		var err error
		txn, err = l.store.GetTransaction(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// WalletInfo returns a wallet together with all its accounts.
func (l *Ledger) WalletInfo(ctx context.Context,
	walletID int64) (*Wallet, []Account, error) {

	var (
		w     *Wallet
		accts []Account
	)
	err := l.db.View(ctx, func(tx *sqlx.Tx) error {
		var err error
		w, err = l.store.GetWallet(tx, walletID)
		if err != nil {
			return err
		}
		accts, err = l.store.ListAccounts(tx, walletID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return w, accts, nil
}

// FindWallet resolves a wallet by name.
func (l *Ledger) FindWallet(ctx context.Context, name string) (*Wallet, error) {
	var w *Wallet
	err := l.db.View(ctx, func(tx *sqlx.Tx) error {
		var err error
		w, err = l.store.GetWalletByName(tx, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return w, nil
}

// InterruptedBatch pairs an interrupted broadcast batch with the
// withdrawals caught in it.
type InterruptedBatch struct {
	Batch       NetworkTransaction
	Withdrawals []Transaction
}

// Total returns the summed withdrawal amount of the batch, fees
// excluded.
func (b *InterruptedBatch) Total() coin.Amount {
	var total coin.Amount
	for _, txn := range b.Withdrawals {
		if txn.SendingAccountID != nil && txn.AddressID != nil {
			total += txn.Amount
		}
	}
	return total
}

// InterruptedBroadcasts returns every broadcast batch whose backend
// send started but never recorded a result, together with the affected
// withdrawals.  These batches are never retried automatically.
func (l *Ledger) InterruptedBroadcasts(ctx context.Context) ([]InterruptedBatch, error) {
	var batches []InterruptedBatch
	err := l.db.View(ctx, func(tx *sqlx.Tx) error {
		batches = nil
		ntxs, err := l.store.ListInterruptedBroadcasts(tx)
		if err != nil {
			return err
		}
		for _, ntx := range ntxs {
			txns, err := l.store.ListBatchTransactions(tx, ntx.ID)
			if err != nil {
				return err
			}
			batches = append(batches, InterruptedBatch{
				Batch:       ntx,
				Withdrawals: txns,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return batches, nil
}

func checkAccountName(name string) error {
	if name == "" {
		return storeError(ErrInput, "account name must not be empty", nil)
	}
	if name == FeeAccountName {
		return storeError(ErrInput, fmt.Sprintf(
			"account name %q is reserved for network fees",
			FeeAccountName), nil)
	}
	return nil
}
