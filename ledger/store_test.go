// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/coinledger/ledgerd/coin"
	"github.com/jmoiron/sqlx"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
)

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, coinName string) *Ledger {
	t.Helper()
	db := openTestDB(t)
	require.NoError(t, EnsureSchema(context.Background(), db))
	desc, ok := coin.ByName(coinName)
	require.True(t, ok)
	return New(db, desc, true, clock.NewTestClock(testTime))
}

func inTx(t *testing.T, l *Ledger, f func(tx *sqlx.Tx) error) {
	t.Helper()
	require.NoError(t, l.DB().Update(context.Background(), f))
}

// mustSetup creates a wallet with one account holding the given balance
// by crediting a synthetic deposit.
func mustSetup(t *testing.T, l *Ledger, walletName, accountName string,
	balance coin.Amount) (*Wallet, *Account) {

	t.Helper()
	var (
		w *Wallet
		a *Account
	)
	inTx(t, l, func(tx *sqlx.Tx) error {
		var err error
		w, err = l.Store().CreateWallet(tx, walletName)
		require.NoError(t, err)
		a, _, err = l.Store().GetOrCreateAccount(tx, w.ID, accountName)
		require.NoError(t, err)
		if balance > 0 {
			err = l.Store().AdjustAccountBalance(tx, a.ID, w.ID, balance)
			require.NoError(t, err)
			a.Balance = balance
			w.Balance = balance
		}
		return nil
	})
	return w, a
}

func TestWalletBalanceMirrorsAccounts(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	w, a := mustSetup(t, l, "hot", "default", 0)

	inTx(t, l, func(tx *sqlx.Tx) error {
		b, _, err := l.Store().GetOrCreateAccount(tx, w.ID, "other")
		require.NoError(t, err)
		require.NoError(t, l.Store().AdjustAccountBalance(tx, a.ID, w.ID, 700))
		require.NoError(t, l.Store().AdjustAccountBalance(tx, b.ID, w.ID, 300))
		require.NoError(t, l.Store().AdjustAccountBalance(tx, a.ID, w.ID, -250))
		return nil
	})

	inTx(t, l, func(tx *sqlx.Tx) error {
		wallet, err := l.Store().GetWallet(tx, w.ID)
		require.NoError(t, err)
		accts, err := l.Store().ListAccounts(tx, w.ID)
		require.NoError(t, err)

		var sum coin.Amount
		for _, acct := range accts {
			sum += acct.Balance
		}
		require.Equal(t, sum, wallet.Balance)
		require.Equal(t, coin.Amount(750), wallet.Balance)
		return nil
	})
}

func TestGetOrCreateAccountIdempotent(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	w, _ := mustSetup(t, l, "hot", "default", 0)

	inTx(t, l, func(tx *sqlx.Tx) error {
		first, created, err := l.Store().GetOrCreateAccount(tx, w.ID, "savings")
		require.NoError(t, err)
		require.True(t, created)

		second, created, err := l.Store().GetOrCreateAccount(tx, w.ID, "savings")
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, first.ID, second.ID)
		return nil
	})
}

func TestGetOrCreateDepositNetworkTxIdempotent(t *testing.T) {
	l := newTestLedger(t, "pseudo")

	inTx(t, l, func(tx *sqlx.Tx) error {
		first, created, err := l.Store().GetOrCreateDepositNetworkTx(tx, "txid-1")
		require.NoError(t, err)
		require.True(t, created)
		require.Equal(t, NetworkTxStateIncoming, first.State)
		require.Equal(t, int64(-1), first.Confirmations)

		second, created, err := l.Store().GetOrCreateDepositNetworkTx(tx, "txid-1")
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, first.ID, second.ID)

		_, created, err = l.Store().GetOrCreateDepositNetworkTx(tx, "txid-2")
		require.NoError(t, err)
		require.True(t, created)
		return nil
	})
}

func TestDepositTransactionIdempotent(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	w, a := mustSetup(t, l, "hot", "default", 0)

	inTx(t, l, func(tx *sqlx.Tx) error {
		addr, err := l.Store().CreateReceivingAddress(tx, w.ID, a.ID,
			"psd1qdeposit", "")
		require.NoError(t, err)
		ntx, _, err := l.Store().GetOrCreateDepositNetworkTx(tx, "txid-1")
		require.NoError(t, err)

		seed := &Transaction{
			WalletID:             w.ID,
			State:                TxStateIncoming,
			Amount:               5000,
			ReceivingAccountID:   &a.ID,
			AddressID:            &addr.ID,
			NetworkTransactionID: &ntx.ID,
		}
		first, created, err := l.Store().GetOrCreateDepositTransaction(tx, seed)
		require.NoError(t, err)
		require.True(t, created)

		second, created, err := l.Store().GetOrCreateDepositTransaction(tx, seed)
		require.NoError(t, err)
		require.False(t, created)
		require.Equal(t, first.ID, second.ID)
		require.Equal(t, coin.Amount(5000), second.Amount)
		return nil
	})
}

func TestCreditDepositAppliesBalancesOnce(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	w, a := mustSetup(t, l, "hot", "default", 0)

	var txnID, addrID int64
	inTx(t, l, func(tx *sqlx.Tx) error {
		addr, err := l.Store().CreateReceivingAddress(tx, w.ID, a.ID,
			"psd1qdeposit", "")
		require.NoError(t, err)
		addrID = addr.ID
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

		credited, err := l.Store().CreditDeposit(tx, txn.ID)
		require.NoError(t, err)
		require.True(t, credited)

		credited, err = l.Store().CreditDeposit(tx, txn.ID)
		require.NoError(t, err)
		require.False(t, credited)
		return nil
	})

	inTx(t, l, func(tx *sqlx.Tx) error {
		wallet, err := l.Store().GetWallet(tx, w.ID)
		require.NoError(t, err)
		require.Equal(t, coin.Amount(5000), wallet.Balance)

		acct, err := l.Store().GetAccount(tx, a.ID)
		require.NoError(t, err)
		require.Equal(t, coin.Amount(5000), acct.Balance)

		addr, err := l.Store().GetAddress(tx, addrID)
		require.NoError(t, err)
		require.Equal(t, coin.Amount(5000), addr.Balance)

		txn, err := l.Store().GetTransaction(tx, txnID)
		require.NoError(t, err)
		require.NotNil(t, txn.CreditedAt)
		require.Equal(t, TxStateIncoming, txn.State)
		return nil
	})
}

func TestMarkBroadcastOpenedRefusesSecondOpen(t *testing.T) {
	l := newTestLedger(t, "pseudo")

	inTx(t, l, func(tx *sqlx.Tx) error {
		batch, err := l.Store().CreateBroadcastNetworkTx(tx)
		require.NoError(t, err)

		require.NoError(t, l.Store().MarkBroadcastOpened(tx, batch.ID))

		err = l.Store().MarkBroadcastOpened(tx, batch.ID)
		require.Error(t, err)
		require.True(t, IsErr(err, ErrDoubleSpendRisk))
		return nil
	})
}

func TestCloseBroadcastMovesWithdrawals(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	w, a := mustSetup(t, l, "hot", "default", 10000)

	var batchID int64
	inTx(t, l, func(tx *sqlx.Tx) error {
		dest, err := l.Store().GetOrCreateDestinationAddress(tx, w.ID, "psd1qdest")
		require.NoError(t, err)

		var ids []int64
		for i := 0; i < 2; i++ {
			txn := &Transaction{
				WalletID:         w.ID,
				State:            TxStatePending,
				Amount:           1000,
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

		// Batched withdrawals disappear from the pending listing.
		pending, err := l.Store().ListPendingWithdrawals(tx, w.ID)
		require.NoError(t, err)
		require.Empty(t, pending)

		require.NoError(t, l.Store().MarkBroadcastOpened(tx, batch.ID))
		require.NoError(t, l.Store().CloseBroadcast(tx, batch.ID, "txid-b1"))
		return nil
	})

	inTx(t, l, func(tx *sqlx.Tx) error {
		batch, err := l.Store().GetNetworkTx(tx, batchID)
		require.NoError(t, err)
		require.Equal(t, NetworkTxStateBroadcasted, batch.State)
		require.True(t, batch.HasTxID())
		require.Equal(t, "txid-b1", *batch.TxID)
		require.False(t, batch.Interrupted())

		txns, err := l.Store().ListBatchTransactions(tx, batchID)
		require.NoError(t, err)
		require.Len(t, txns, 2)
		for _, txn := range txns {
			require.Equal(t, TxStateBroadcasted, txn.State)
		}
		return nil
	})
}

func TestMarkWithdrawalsBatchedRequiresPendingRows(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	w, a := mustSetup(t, l, "hot", "default", 10000)

	err := l.DB().Update(context.Background(), func(tx *sqlx.Tx) error {
		dest, err := l.Store().GetOrCreateDestinationAddress(tx, w.ID, "psd1qdest")
		if err != nil {
			return err
		}
		txn := &Transaction{
			WalletID:         w.ID,
			State:            TxStateBroadcasted,
			Amount:           1000,
			SendingAccountID: &a.ID,
			AddressID:        &dest.ID,
		}
		if err := l.Store().InsertTransaction(tx, txn); err != nil {
			return err
		}
		batch, err := l.Store().CreateBroadcastNetworkTx(tx)
		if err != nil {
			return err
		}
		return l.Store().MarkWithdrawalsBatched(tx, batch.ID, []int64{txn.ID})
	})
	require.Error(t, err)
	require.True(t, IsErr(err, ErrCorruption))
}

func TestSetNetworkTxConfirmationsMonotonic(t *testing.T) {
	l := newTestLedger(t, "pseudo")

	inTx(t, l, func(tx *sqlx.Tx) error {
		ntx, _, err := l.Store().GetOrCreateDepositNetworkTx(tx, "txid-1")
		require.NoError(t, err)

		updated, err := l.Store().SetNetworkTxConfirmations(tx, ntx.ID, 2)
		require.NoError(t, err)
		require.True(t, updated)

		// Same value is not an update.
		updated, err = l.Store().SetNetworkTxConfirmations(tx, ntx.ID, 2)
		require.NoError(t, err)
		require.False(t, updated)

		// Lower values never win.
		updated, err = l.Store().SetNetworkTxConfirmations(tx, ntx.ID, 1)
		require.NoError(t, err)
		require.False(t, updated)

		got, err := l.Store().GetNetworkTx(tx, ntx.ID)
		require.NoError(t, err)
		require.Equal(t, int64(2), got.Confirmations)
		return nil
	})
}

func TestListUnconfirmedSkipsClosedAndUnsent(t *testing.T) {
	l := newTestLedger(t, "pseudo")

	inTx(t, l, func(tx *sqlx.Tx) error {
		// Deposit below threshold: listed.
		dep, _, err := l.Store().GetOrCreateDepositNetworkTx(tx, "txid-dep")
		require.NoError(t, err)

		// Deposit at threshold: not listed.
		done, _, err := l.Store().GetOrCreateDepositNetworkTx(tx, "txid-done")
		require.NoError(t, err)
		_, err = l.Store().SetNetworkTxConfirmations(tx, done.ID, 6)
		require.NoError(t, err)

		// Unsent batch has no txid: not listed.
		_, err = l.Store().CreateBroadcastNetworkTx(tx)
		require.NoError(t, err)

		// Broadcast batch with txid below threshold: listed.
		batch, err := l.Store().CreateBroadcastNetworkTx(tx)
		require.NoError(t, err)
		require.NoError(t, l.Store().MarkBroadcastOpened(tx, batch.ID))
		require.NoError(t, l.Store().CloseBroadcast(tx, batch.ID, "txid-batch"))

		ntxs, err := l.Store().ListUnconfirmed(tx, 6)
		require.NoError(t, err)
		require.Len(t, ntxs, 2)
		require.Equal(t, dep.ID, ntxs[0].ID)
		require.Equal(t, batch.ID, ntxs[1].ID)

		txids, err := l.Store().ListConfirmedDepositTxids(tx, 6)
		require.NoError(t, err)
		require.Equal(t, []string{"txid-done"}, txids)
		return nil
	})
}

func TestInterruptedBroadcastListing(t *testing.T) {
	l := newTestLedger(t, "pseudo")

	inTx(t, l, func(tx *sqlx.Tx) error {
		interrupted, err := l.Store().CreateBroadcastNetworkTx(tx)
		require.NoError(t, err)
		require.NoError(t, l.Store().MarkBroadcastOpened(tx, interrupted.ID))

		unsent, err := l.Store().CreateBroadcastNetworkTx(tx)
		require.NoError(t, err)

		closed, err := l.Store().CreateBroadcastNetworkTx(tx)
		require.NoError(t, err)
		require.NoError(t, l.Store().MarkBroadcastOpened(tx, closed.ID))
		require.NoError(t, l.Store().CloseBroadcast(tx, closed.ID, "txid-ok"))

		got, err := l.Store().ListInterruptedBroadcasts(tx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, interrupted.ID, got[0].ID)
		require.True(t, got[0].Interrupted())

		pending, err := l.Store().ListUnsentBroadcasts(tx)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		require.Equal(t, unsent.ID, pending[0].ID)
		return nil
	})
}

func TestWatchedAddressStrings(t *testing.T) {
	l := newTestLedger(t, "pseudo")
	w, a := mustSetup(t, l, "hot", "default", 0)

	inTx(t, l, func(tx *sqlx.Tx) error {
		_, err := l.Store().CreateReceivingAddress(tx, w.ID, a.ID, "psd1qb", "")
		require.NoError(t, err)
		_, err = l.Store().CreateReceivingAddress(tx, w.ID, a.ID, "psd1qa", "")
		require.NoError(t, err)
		// Destinations are not watched.
		_, err = l.Store().GetOrCreateDestinationAddress(tx, w.ID, "psd1qdest")
		require.NoError(t, err)

		addrs, err := l.Store().ListWatchedAddressStrings(tx)
		require.NoError(t, err)
		require.Equal(t, []string{"psd1qa", "psd1qb"}, addrs)

		rows, err := l.Store().ListReceivingAddresses(tx, "psd1qa")
		require.NoError(t, err)
		require.Len(t, rows, 1)
		require.True(t, rows[0].Receiving())

		rows, err = l.Store().ListReceivingAddresses(tx, "psd1qdest")
		require.NoError(t, err)
		require.Empty(t, rows)
		return nil
	})
}
