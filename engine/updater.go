// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package engine contains the workers that reconcile the ledger with
// the coin network: the transaction updater applies backend-reported
// state, the broadcaster hands withdrawal batches to the backend, the
// confirmation poller revisits open network transactions, and the
// receive scanner recovers deposits missed while the service was down.
package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/coinledger/ledgerd/backend"
	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/conflict"
	"github.com/coinledger/ledgerd/events"
	"github.com/coinledger/ledgerd/ledger"
	"github.com/davecgh/go-spew/spew"
	"github.com/jmoiron/sqlx"
	"github.com/lightningnetwork/lnd/clock"
)

// Updater reconciles backend-reported transaction state into the
// ledger.  It is the only component that credits deposits, and every
// path that learns about a transaction (notifier, poller, scanner,
// broadcaster) funnels through it.  All methods are safe for concurrent
// use; the database's serializable isolation is the coordination point.
type Updater struct {
	db        *conflict.DB
	store     *ledger.Store
	desc      *coin.Descriptor
	backend   backend.Backend
	registry  *events.Registry
	threshold int64
}

// NewUpdater wires an updater for one coin.  threshold is the
// confirmation count at which deposits are credited.  registry may be
// nil, in which case events are computed but not delivered; one-shot
// tools use that.  A nil clock selects the system clock.
func NewUpdater(db *conflict.DB, desc *coin.Descriptor, bk backend.Backend,
	registry *events.Registry, threshold int64, clk clock.Clock) *Updater {

	return &Updater{
		db:        db,
		store:     ledger.NewStore(desc.Name, clk),
		desc:      desc,
		backend:   bk,
		registry:  registry,
		threshold: threshold,
	}
}

// Threshold returns the confirmation count at which deposits credit.
func (u *Updater) Threshold() int64 {
	return u.threshold
}

// HandleWalletNotify is the live-update entry point: the backend told
// us txid changed (or appeared), so fetch its view and reconcile the
// deposit side of the ledger.  Unknown and irrelevant transactions are
// no-ops, which is what makes notification transports free to
// over-deliver.
func (u *Updater) HandleWalletNotify(ctx context.Context, txid string) error {
	info, err := u.backend.GetTransaction(ctx, txid)
	if err != nil {
		return fmt.Errorf("fetching tx %s: %w", txid, err)
	}
	log.Tracef("Backend view of %s: %s", txid, newLogClosure(func() string {
		return spew.Sdump(info)
	}))

	_, _, err = u.UpdateNetworkTransactionConfirmations(ctx,
		ledger.NetworkTxDeposit, txid, info)
	return err
}

// UpdateNetworkTransactionConfirmations applies one backend view of a
// transaction to the ledger under a single serializable transaction.
// For deposits the network transaction row is created on first
// relevance; for broadcasts it must already exist.  When the reported
// confirmation count does not advance the stored one, nothing changes
// and no events are produced.  Deposits credit their receiving account
// exactly once, when the count first reaches the updater's threshold.
//
// The returned records have already been queued on the event registry;
// they are returned so callers and tests can observe what changed.
func (u *Updater) UpdateNetworkTransactionConfirmations(ctx context.Context,
	typ ledger.NetworkTxType, txid string,
	info *backend.TxInfo) (int64, []events.Record, error) {

	if txid == "" {
		return 0, nil, fmt.Errorf("empty txid for %s update", typ)
	}

	var (
		ntxID int64
		recs  []events.Record
	)
	err := u.db.Update(ctx, func(tx *sqlx.Tx) error {
		ntxID, recs = 0, nil

		var (
			sums  map[string]coin.Amount
			owned map[string][]ledger.Address
			err   error
		)
		if typ == ledger.NetworkTxDeposit {
			sums = receiveSums(info)
			owned, err = u.ownedReceiving(tx, sums)
			if err != nil {
				return err
			}
		}

		ntx, err := u.store.GetNetworkTxByTxID(tx, typ, txid)
		switch {
		case ledger.IsErr(err, ledger.ErrNoExists):
			if typ == ledger.NetworkTxBroadcast {
				return fmt.Errorf("broadcast %s has no batch row: %w",
					txid, err)
			}
			if len(owned) == 0 {
				log.Debugf("Transaction %s pays no address of ours, "+
					"ignoring", txid)
				return nil
			}
			ntx, _, err = u.store.GetOrCreateDepositNetworkTx(tx, txid)
			if err != nil {
				return err
			}
		case err != nil:
			return err
		}
		ntxID = ntx.ID

		changed, err := u.store.SetNetworkTxConfirmations(tx, ntx.ID,
			info.Confirmations)
		if err != nil {
			return err
		}
		if !changed {
			log.Tracef("%s %s still at %d confirmations, nothing to do",
				typ, txid, ntx.Confirmations)
			return nil
		}

		switch typ {
		case ledger.NetworkTxDeposit:
			recs, err = u.applyDeposit(tx, ntx, txid,
				info.Confirmations, sums, owned)
		case ledger.NetworkTxBroadcast:
			recs, err = u.applyBroadcast(tx, ntx, txid,
				info.Confirmations, info)
		default:
			err = fmt.Errorf("unknown network transaction type %q", typ)
		}
		return err
	})
	if err != nil {
		return 0, nil, err
	}

	u.publish(recs)
	return ntxID, recs, nil
}

// applyDeposit walks the per-address receive sums of a deposit, creates
// the child ledger transactions, and credits the ones that crossed the
// confirmation threshold.
func (u *Updater) applyDeposit(tx *sqlx.Tx, ntx *ledger.NetworkTransaction,
	txid string, confirmations int64, sums map[string]coin.Amount,
	owned map[string][]ledger.Address) ([]events.Record, error) {

	addrs := make([]string, 0, len(owned))
	for addr := range owned {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)

	var recs []events.Record
	for _, addr := range addrs {
		amount := sums[addr]
		for i := range owned[addr] {
			arow := &owned[addr][i]
			txn, created, err := u.store.GetOrCreateDepositTransaction(tx,
				&ledger.Transaction{
					WalletID:             arow.WalletID,
					State:                ledger.TxStateIncoming,
					Amount:               amount,
					ReceivingAccountID:   arow.AccountID,
					AddressID:            &arow.ID,
					NetworkTransactionID: &ntx.ID,
				})
			if err != nil {
				return nil, err
			}
			if created {
				log.Infof("Observed deposit of %s to %s (tx %d, "+
					"network tx %s)", u.desc.FormatAmount(amount),
					addr, txn.ID, txid)
			}
			if !created && txn.Amount != amount {
				log.Warnf("Backend reports %s to %s in %s but ledger "+
					"transaction %d holds %s; keeping the ledger amount",
					u.desc.FormatAmount(amount), addr, txid, txn.ID,
					u.desc.FormatAmount(txn.Amount))
			}

			if !txn.Credited() && confirmations >= u.threshold {
				credited, err := u.store.CreditDeposit(tx, txn.ID)
				if err != nil {
					return nil, err
				}
				if credited {
					depositsCredited.WithLabelValues(u.desc.Name).Inc()
					log.Infof("Credited deposit %d of %s to account %d "+
						"at %d confirmations", txn.ID,
						u.desc.FormatAmount(txn.Amount),
						*txn.ReceivingAccountID, confirmations)
					txn, err = u.store.GetTransaction(tx, txn.ID)
					if err != nil {
						return nil, err
					}
				}
			}

			credited := txn.Credited()
			recs = append(recs, events.Record{
				CoinName:           u.desc.Name,
				NetworkTransaction: ntx.ID,
				Transaction:        txn.ID,
				TransactionType:    string(ledger.NetworkTxDeposit),
				TxID:               txid,
				Account:            *txn.ReceivingAccountID,
				Address:            addr,
				Amount:             u.desc.FormatAmount(txn.Amount),
				Confirmations:      confirmations,
				Credited:           &credited,
			})
		}
	}

	if confirmations >= u.threshold {
		if err := u.store.SetNetworkTxState(tx, ntx.ID,
			ledger.NetworkTxStateCredited); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// applyBroadcast emits one event per withdrawal in the batch and checks
// the backend's reported outputs against the ledger's amounts.
func (u *Updater) applyBroadcast(tx *sqlx.Tx, ntx *ledger.NetworkTransaction,
	txid string, confirmations int64, info *backend.TxInfo) ([]events.Record, error) {

	children, err := u.store.ListBatchTransactions(tx, ntx.ID)
	if err != nil {
		return nil, err
	}

	var recs []events.Record
	ledgerSums := make(map[string]coin.Amount)
	for i := range children {
		child := &children[i]
		if child.State != ledger.TxStatePending &&
			child.State != ledger.TxStateBroadcasted {
			continue
		}
		if child.SendingAccountID == nil || child.AddressID == nil {
			log.Warnf("Withdrawal %d in batch %d is missing its account "+
				"or address reference", child.ID, ntx.ID)
			continue
		}
		arow, err := u.store.GetAddress(tx, *child.AddressID)
		if err != nil {
			return nil, err
		}
		ledgerSums[arow.Address] += child.Amount

		recs = append(recs, events.Record{
			CoinName:           u.desc.Name,
			NetworkTransaction: ntx.ID,
			Transaction:        child.ID,
			TransactionType:    string(ledger.NetworkTxBroadcast),
			TxID:               txid,
			Account:            *child.SendingAccountID,
			Address:            arow.Address,
			Amount:             u.desc.FormatAmount(child.Amount),
			Confirmations:      confirmations,
			Credited:           nil,
		})
	}

	if !info.OnlyReceive {
		sent := sendSums(info)
		for addr, want := range ledgerSums {
			if got, ok := sent[addr]; !ok || got != want {
				log.Warnf("Backend reports %s sent to %s in %s but the "+
					"ledger booked %s", u.desc.FormatAmount(sent[addr]),
					addr, txid, u.desc.FormatAmount(want))
			}
		}
	}
	return recs, nil
}

// ownedReceiving resolves which of the paid addresses are receiving
// addresses of this coin's wallets.
func (u *Updater) ownedReceiving(tx *sqlx.Tx,
	sums map[string]coin.Amount) (map[string][]ledger.Address, error) {

	owned := make(map[string][]ledger.Address)
	for addr := range sums {
		rows, err := u.store.ListReceivingAddresses(tx, addr)
		if err != nil {
			return nil, err
		}
		if len(rows) > 0 {
			owned[addr] = rows
		}
	}
	return owned, nil
}

func (u *Updater) publish(recs []events.Record) {
	if u.registry == nil {
		return
	}
	for i := range recs {
		rec := recs[i]
		u.registry.Notify(&rec)
	}
}

// receiveSums folds a TxInfo's receive details into per-address totals.
func receiveSums(info *backend.TxInfo) map[string]coin.Amount {
	sums := make(map[string]coin.Amount)
	for _, d := range info.Details {
		if d.Category != backend.CategoryReceive || d.Address == "" {
			continue
		}
		if d.Amount <= 0 {
			continue
		}
		sums[d.Address] += d.Amount
	}
	return sums
}

// sendSums folds a TxInfo's send details into per-address totals,
// negated so outgoing amounts compare directly against ledger amounts.
func sendSums(info *backend.TxInfo) map[string]coin.Amount {
	sums := make(map[string]coin.Amount)
	for _, d := range info.Details {
		if d.Category != backend.CategorySend || d.Address == "" {
			continue
		}
		sums[d.Address] += -d.Amount
	}
	return sums
}
