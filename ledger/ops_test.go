// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/coinledger/ledgerd/coin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

type fakeAddressSource struct {
	addrs []string
	calls int
}

func (f *fakeAddressSource) NewAddress(ctx context.Context) (string, error) {
	if f.calls >= len(f.addrs) {
		return "", errors.New("no more addresses")
	}
	addr := f.addrs[f.calls]
	f.calls++
	return addr, nil
}

type fakeBalanceSource struct {
	balance coin.Amount
}

func (f *fakeBalanceSource) ConfirmedBalance(ctx context.Context,
	minConf int64) (coin.Amount, error) {

	return f.balance, nil
}

func TestCreateWalletRejectsDuplicates(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	ctx := context.Background()

	w, err := l.CreateWallet(ctx, "hot")
	require.NoError(t, err)
	require.Equal(t, "pseudo", w.Coin)
	require.Zero(t, w.Balance)

	_, err = l.CreateWallet(ctx, "hot")
	require.Error(t, err)
	require.True(t, IsErr(err, ErrExists))

	_, err = l.CreateWallet(ctx, "")
	require.True(t, IsErr(err, ErrInput))
}

func TestGetOrCreateAccountRejectsFeeName(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	ctx := context.Background()

	w, err := l.CreateWallet(ctx, "hot")
	require.NoError(t, err)

	_, err = l.GetOrCreateAccount(ctx, w.ID, FeeAccountName)
	require.True(t, IsErr(err, ErrInput))

	_, err = l.GetOrCreateAccount(ctx, w.ID+42, "default")
	require.True(t, IsErr(err, ErrNoExists))

	a, err := l.GetOrCreateAccount(ctx, w.ID, "default")
	require.NoError(t, err)
	again, err := l.GetOrCreateAccount(ctx, w.ID, "default")
	require.NoError(t, err)
	require.Equal(t, a.ID, again.ID)
}

func TestInternalTransfer(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	ctx := context.Background()
	w, _ := mustSetup(t, l, "hot", "alice", 1000)
	_, err := l.GetOrCreateAccount(ctx, w.ID, "bob")
	require.NoError(t, err)

	txn, err := l.InternalTransfer(ctx, w.ID, "alice", "bob", 400, "rent")
	require.NoError(t, err)
	require.Equal(t, TxStateInternal, txn.State)
	require.Equal(t, coin.Amount(400), txn.Amount)

	wallet, accts, err := l.WalletInfo(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, coin.Amount(1000), wallet.Balance)
	balances := make(map[string]coin.Amount)
	for _, a := range accts {
		balances[a.Name] = a.Balance
	}
	require.Equal(t, coin.Amount(600), balances["alice"])
	require.Equal(t, coin.Amount(400), balances["bob"])
}

func TestInternalTransferGuards(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	ctx := context.Background()
	w, _ := mustSetup(t, l, "hot", "alice", 1000)
	_, err := l.GetOrCreateAccount(ctx, w.ID, "bob")
	require.NoError(t, err)

	_, err = l.InternalTransfer(ctx, w.ID, "alice", "alice", 100, "")
	require.True(t, IsErr(err, ErrSameAccount))

	_, err = l.InternalTransfer(ctx, w.ID, "alice", "bob", 0, "")
	require.True(t, IsErr(err, ErrInput))

	_, err = l.InternalTransfer(ctx, w.ID, "alice", "bob", -5, "")
	require.True(t, IsErr(err, ErrInput))

	_, err = l.InternalTransfer(ctx, w.ID, "alice", "nobody", 100, "")
	require.True(t, IsErr(err, ErrNoExists))

	_, err = l.InternalTransfer(ctx, w.ID, "alice", FeeAccountName, 100, "")
	require.True(t, IsErr(err, ErrInput))

	_, err = l.InternalTransfer(ctx, w.ID, "alice", "bob", 1001, "")
	require.True(t, IsErr(err, ErrNotEnoughAccountBalance))

	// Failed transfers must not move anything.
	wallet, accts, err := l.WalletInfo(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, coin.Amount(1000), wallet.Balance)
	for _, a := range accts {
		if a.Name == "alice" {
			require.Equal(t, coin.Amount(1000), a.Balance)
		}
	}
}

func TestWithdrawDebitsImmediately(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	ctx := context.Background()
	w, a := mustSetup(t, l, "hot", "alice", 1000)

	txn, err := l.Withdraw(ctx, w.ID, "alice", "psd1qdest", 300, "payout")
	require.NoError(t, err)
	require.Equal(t, TxStatePending, txn.State)
	require.NotNil(t, txn.SendingAccountID)
	require.Equal(t, a.ID, *txn.SendingAccountID)
	require.NotNil(t, txn.AddressID)
	require.Nil(t, txn.NetworkTransactionID)

	wallet, accts, err := l.WalletInfo(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, coin.Amount(700), wallet.Balance)
	require.Equal(t, coin.Amount(700), accts[0].Balance)

	inTx(t, l, func(tx *sqlx.Tx) error {
		pending, err := l.Store().ListPendingWithdrawals(tx, w.ID)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, txn.ID, pending[0].ID)
		return nil
	})
}

func TestWithdrawValidatesAddress(t *testing.T) {
	l := newTestLedger(t, "bitcoin")
	ctx := context.Background()
	w, _ := mustSetup(t, l, "hot", "alice", 100000)

	// The ledger runs on testnet; a mainnet address must be refused.
	_, err := l.Withdraw(ctx, w.ID, "alice",
		"1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", 300, "")
	require.True(t, IsErr(err, ErrBadAddress))

	_, err = l.Withdraw(ctx, w.ID, "alice", "not-an-address", 300, "")
	require.True(t, IsErr(err, ErrBadAddress))

	_, err = l.Withdraw(ctx, w.ID, "alice",
		"mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", 300, "")
	require.NoError(t, err)
}

func TestWithdrawWalletBalanceGuard(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	ctx := context.Background()
	w, a := mustSetup(t, l, "hot", "alice", 1000)

	// Put the fee account into debt so the wallet holds less than the
	// account.
	inTx(t, l, func(tx *sqlx.Tx) error {
		fee, _, err := l.Store().GetOrCreateAccount(tx, w.ID, FeeAccountName)
		require.NoError(t, err)
		return l.Store().AdjustAccountBalance(tx, fee.ID, w.ID, -400)
	})

	_, err := l.Withdraw(ctx, w.ID, "alice", "psd1qdest", 800, "")
	require.True(t, IsErr(err, ErrNotEnoughWalletBalance))

	_, err = l.Withdraw(ctx, w.ID, "alice", "psd1qdest", 1200, "")
	require.True(t, IsErr(err, ErrNotEnoughAccountBalance))

	txn, err := l.Withdraw(ctx, w.ID, "alice", "psd1qdest", 500, "")
	require.NoError(t, err)
	require.Equal(t, coin.Amount(500), txn.Amount)

	wallet, _, err := l.WalletInfo(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, coin.Amount(100), wallet.Balance)
	_ = a
}

func TestNewReceivingAddress(t *testing.T) {
	l := newTestLedger(t, "bitcoin")
	ctx := context.Background()
	w, err := l.CreateWallet(ctx, "hot")
	require.NoError(t, err)

	backend := &fakeAddressSource{addrs: []string{
		"mvQPGnzRT6gMWASZBMg7NcT3vmvsSKSQtf",
		"not-an-address",
	}}

	addr, err := l.NewReceivingAddress(ctx, backend, w.ID, "deposits", "user-7")
	require.NoError(t, err)
	require.Equal(t, "mvQPGnzRT6gMWASZBMg7NcT3vmvsSKSQtf", addr.Address)
	require.Equal(t, "user-7", addr.Label)
	require.True(t, addr.Receiving())

	// The account was created on demand.
	acct, err := l.GetOrCreateAccount(ctx, w.ID, "deposits")
	require.NoError(t, err)
	require.Equal(t, *addr.AccountID, acct.ID)

	// A backend handing out garbage is a hard error.
	_, err = l.NewReceivingAddress(ctx, backend, w.ID, "deposits", "")
	require.True(t, IsErr(err, ErrBadAddress))
}

func TestImportBackendBalance(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	ctx := context.Background()
	w, err := l.CreateWallet(ctx, "hot")
	require.NoError(t, err)

	backend := &fakeBalanceSource{balance: 5000}
	txn, err := l.ImportBackendBalance(ctx, backend, w.ID, "legacy", 6, "adopt")
	require.NoError(t, err)
	require.NotNil(t, txn)
	require.Equal(t, TxStateBalanceImport, txn.State)
	require.Equal(t, coin.Amount(5000), txn.Amount)
	require.NotNil(t, txn.CreditedAt)

	wallet, _, err := l.WalletInfo(ctx, w.ID)
	require.NoError(t, err)
	require.Equal(t, coin.Amount(5000), wallet.Balance)

	// Importing again with an unchanged backend balance is a no-op.
	txn, err = l.ImportBackendBalance(ctx, backend, w.ID, "legacy", 6, "")
	require.NoError(t, err)
	require.Nil(t, txn)

	// A backend below the ledger is never debited.
	backend.balance = 100
	txn, err = l.ImportBackendBalance(ctx, backend, w.ID, "legacy", 6, "")
	require.NoError(t, err)
	require.Nil(t, txn)

	// New backend funds import as the difference.
	backend.balance = 5250
	txn, err = l.ImportBackendBalance(ctx, backend, w.ID, "legacy", 6, "")
	require.NoError(t, err)
	require.NotNil(t, txn)
	require.Equal(t, coin.Amount(250), txn.Amount)
}

func TestMarkProcessedRequiresCredit(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	ctx := context.Background()
	w, a := mustSetup(t, l, "hot", "default", 0)

	var txnID int64
	inTx(t, l, func(tx *sqlx.Tx) error {
		addr, err := l.Store().CreateReceivingAddress(tx, w.ID, a.ID,
			"psd1qdeposit", "")
		require.NoError(t, err)
		ntx, _, err := l.Store().GetOrCreateDepositNetworkTx(tx, "txid-1")
		require.NoError(t, err)
		txn, _, err := l.Store().GetOrCreateDepositTransaction(tx, &Transaction{
			WalletID:             w.ID,
			State:                TxStateIncoming,
			Amount:               5000,
			ReceivingAccountID:   &a.ID,
			AddressID:            &addr.ID,
			NetworkTransactionID: &ntx.ID,
		})
		require.NoError(t, err)
		txnID = txn.ID
		return nil
	})

	// Not yet credited.
	_, err := l.MarkProcessed(ctx, txnID)
	require.True(t, IsErr(err, ErrInput))

	inTx(t, l, func(tx *sqlx.Tx) error {
		credited, err := l.Store().CreditDeposit(tx, txnID)
		require.NoError(t, err)
		require.True(t, credited)
		return nil
	})

	txn, err := l.MarkProcessed(ctx, txnID)
	require.NoError(t, err)
	require.Equal(t, TxStateProcessed, txn.State)
	require.NotNil(t, txn.ProcessedAt)

	// Acknowledging twice is harmless.
	txn, err = l.MarkProcessed(ctx, txnID)
	require.NoError(t, err)
	require.Equal(t, TxStateProcessed, txn.State)

	_, err = l.MarkProcessed(ctx, txnID+99)
	require.True(t, IsErr(err, ErrNoExists))
}

func TestInterruptedBroadcastsReport(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	ctx := context.Background()
	w, a := mustSetup(t, l, "hot", "alice", 10000)

	var batchID int64
	inTx(t, l, func(tx *sqlx.Tx) error {
		dest, err := l.Store().GetOrCreateDestinationAddress(tx, w.ID, "psd1qdest")
		require.NoError(t, err)
		var ids []int64
		for _, amt := range []coin.Amount{700, 800} {
			txn := &Transaction{
				WalletID:         w.ID,
				State:            TxStatePending,
				Amount:           amt,
				SendingAccountID: &a.ID,
				AddressID:        &dest.ID,
			}
			require.NoError(t, l.Store().InsertTransaction(tx, txn))
			ids = append(ids, txn.ID)
		}
		batch, err := l.Store().CreateBroadcastNetworkTx(tx)
		require.NoError(t, err)
		batchID = batch.ID
		require.NoError(t, l.Store().MarkWithdrawalsBatched(tx, batch.ID, ids))
		return l.Store().MarkBroadcastOpened(tx, batch.ID)
	})

	batches, err := l.InterruptedBroadcasts(ctx)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	require.Equal(t, batchID, batches[0].Batch.ID)
	require.Len(t, batches[0].Withdrawals, 2)
	require.Equal(t, coin.Amount(1500), batches[0].Total())
}
