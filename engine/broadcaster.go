// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coinledger/ledgerd/backend"
	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/conflict"
	"github.com/coinledger/ledgerd/ledger"
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/jmoiron/sqlx"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// Broadcaster bundles pending withdrawals into broadcast batches and
// hands them to the backend.  A batch passes through three marks:
// collected (children bound to the batch row), opened (about to be
// handed to the backend), and closed (backend answered).  The opened
// mark is written and committed before the send so that a crash in the
// send window leaves evidence; such interrupted batches are reported
// and never retried by the service, because it cannot know whether the
// network saw them.
type Broadcaster struct {
	db      *conflict.DB
	store   *ledger.Store
	desc    *coin.Descriptor
	backend backend.Backend
	updater *Updater
	ticker  ticker.Ticker

	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	stopOnce sync.Once
}

// NewBroadcaster wires a broadcaster for one coin.  The ticker owns the
// cycle cadence; tests pass ticker.NewForce.  A nil clock selects the
// system clock.
func NewBroadcaster(db *conflict.DB, desc *coin.Descriptor, bk backend.Backend,
	updater *Updater, tick ticker.Ticker, clk clock.Clock) *Broadcaster {

	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		db:      db,
		store:   ledger.NewStore(desc.Name, clk),
		desc:    desc,
		backend: bk,
		updater: updater,
		ticker:  tick,
		ctx:     ctx,
		cancel:  cancel,
		quit:    make(chan struct{}),
	}
}

// Name identifies the worker in supervision logs.
func (b *Broadcaster) Name() string {
	return "broadcaster " + b.desc.Name
}

// Run reports batches found in the interrupted state, then cycles on
// the ticker until Stop is called.
func (b *Broadcaster) Run() error {
	if err := b.reportInterrupted(b.ctx); err != nil {
		return fmt.Errorf("listing interrupted broadcasts: %w", err)
	}

	b.ticker.Resume()
	defer b.ticker.Stop()
	for {
		select {
		case <-b.ticker.Ticks():
			b.cycle(b.ctx)
		case <-b.quit:
			return nil
		}
	}
}

// Stop terminates Run and cancels any in-flight database or backend
// call.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.quit)
		b.cancel()
	})
}

func (b *Broadcaster) cycle(ctx context.Context) {
	if err := b.Collect(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Errorf("Broadcast collection failed: %v", err)
		}
		return
	}
	if err := b.SendOpen(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Errorf("Broadcast send failed: %v", err)
		}
	}
}

// Collect binds every uncollected pending withdrawal to a fresh
// broadcast batch, one batch per wallet.  Wallets with nothing pending
// get no batch.  The phase performs no external I/O and is safe to
// retry wholesale.
func (b *Broadcaster) Collect(ctx context.Context) error {
	return b.db.Update(ctx, func(tx *sqlx.Tx) error {
		wallets, err := b.store.ListWallets(tx)
		if err != nil {
			return err
		}
		for i := range wallets {
			w := &wallets[i]
			pending, err := b.store.ListPendingWithdrawals(tx, w.ID)
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				continue
			}
			ntx, err := b.store.CreateBroadcastNetworkTx(tx)
			if err != nil {
				return err
			}
			ids := make([]int64, len(pending))
			for j := range pending {
				ids[j] = pending[j].ID
			}
			if err := b.store.MarkWithdrawalsBatched(tx, ntx.ID, ids); err != nil {
				return err
			}
			log.Infof("Collected %d pending withdrawals of wallet %d "+
				"into broadcast batch %d", len(ids), w.ID, ntx.ID)
		}
		return nil
	})
}

// SendOpen walks the collected batches that have not been handed to the
// backend yet and sends them.  It stops at the first failure: batches
// not yet opened stay eligible for the next cycle, while the failed one
// is already flagged by sendOne.
func (b *Broadcaster) SendOpen(ctx context.Context) error {
	var open []ledger.NetworkTransaction
	err := b.db.View(ctx, func(tx *sqlx.Tx) error {
		var err error
		open, err = b.store.ListUnsentBroadcasts(tx)
		return err
	})
	if err != nil {
		return err
	}

	for i := range open {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := b.sendOne(ctx, open[i].ID); err != nil {
			return err
		}
	}
	return nil
}

// sendOne performs the three-step send of a single batch.  Steps one
// and three are non-retryable marks around the only uncontrolled call
// in the system.
func (b *Broadcaster) sendOne(ctx context.Context, ntxID int64) error {
	var (
		outputs  map[string]coin.Amount
		walletID int64
		total    coin.Amount
		summary  string
	)
	err := b.db.UpdateOnce(ctx, func(tx *sqlx.Tx) error {
		if err := b.store.MarkBroadcastOpened(tx, ntxID); err != nil {
			return err
		}
		children, err := b.store.ListBatchTransactions(tx, ntxID)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			return ledger.Error{Code: ledger.ErrCorruption, Desc: fmt.Sprintf(
				"broadcast batch %d has no withdrawals", ntxID)}
		}

		// Aggregate per destination; two withdrawals to the same
		// address become one output.
		tree := redblacktree.NewWithStringComparator()
		for i := range children {
			child := &children[i]
			if child.State != ledger.TxStatePending || child.AddressID == nil {
				return ledger.Error{Code: ledger.ErrDoubleSpendRisk,
					Desc: fmt.Sprintf("broadcast batch %d contains "+
						"transaction %d in state %s", ntxID, child.ID,
						child.State)}
			}
			walletID = child.WalletID
			arow, err := b.store.GetAddress(tx, *child.AddressID)
			if err != nil {
				return err
			}
			sum := child.Amount
			if prev, ok := tree.Get(arow.Address); ok {
				sum += prev.(coin.Amount)
			}
			tree.Put(arow.Address, sum)
		}

		outputs = make(map[string]coin.Amount, tree.Size())
		total = 0
		parts := make([]string, 0, tree.Size())
		for it := tree.Iterator(); it.Next(); {
			addr := it.Key().(string)
			amount := it.Value().(coin.Amount)
			outputs[addr] = amount
			total += amount
			parts = append(parts, addr+"="+b.desc.FormatAmount(amount))
		}
		summary = strings.Join(parts, ", ")
		return nil
	})
	if err != nil {
		return fmt.Errorf("opening batch %d: %w", ntxID, err)
	}

	log.Infof("Sending broadcast batch %d paying %s in %d outputs: %s",
		ntxID, b.desc.FormatAmount(total), len(outputs), summary)
	txid, fee, err := b.backend.Send(ctx, outputs,
		fmt.Sprintf("Outgoing broadcast %d", ntxID))
	if err != nil {
		broadcastsInterrupted.WithLabelValues(b.desc.Name).Inc()
		log.Errorf("Broadcast batch %d failed in the send window and "+
			"needs operator reconciliation; it will not be retried: %v",
			ntxID, err)
		return fmt.Errorf("sending batch %d: %w", ntxID, err)
	}

	err = b.db.UpdateOnce(ctx, func(tx *sqlx.Tx) error {
		return b.store.CloseBroadcast(tx, ntxID, txid)
	})
	if err != nil {
		broadcastsInterrupted.WithLabelValues(b.desc.Name).Inc()
		log.Errorf("Broadcast batch %d was accepted as %s but recording "+
			"the result failed; the batch needs operator reconciliation: %v",
			ntxID, txid, err)
		return fmt.Errorf("closing batch %d: %w", ntxID, err)
	}
	broadcastsSent.WithLabelValues(b.desc.Name).Inc()
	log.Infof("Broadcast batch %d accepted by the network as %s (fee %s)",
		ntxID, txid, b.desc.FormatAmount(fee))

	if fee != 0 {
		if err := b.bookFee(ctx, walletID, ntxID, fee); err != nil {
			return fmt.Errorf("booking fee for batch %d: %w", ntxID, err)
		}
	}

	// Prompt event emission for the fresh txid; the confirmation poller
	// repeats this on its own schedule anyway.
	if info, err := b.backend.GetTransaction(ctx, txid); err == nil {
		_, _, uerr := b.updater.UpdateNetworkTransactionConfirmations(ctx,
			ledger.NetworkTxBroadcast, txid, info)
		if uerr != nil {
			log.Warnf("Post-send update for %s: %v", txid, uerr)
		}
	} else {
		log.Debugf("Backend has no view of %s yet: %v", txid, err)
	}
	return nil
}

// bookFee debits the network fee from the wallet's reserved fee
// account.  The fee account is the only account allowed to go negative.
func (b *Broadcaster) bookFee(ctx context.Context, walletID, ntxID int64,
	fee coin.Amount) error {

	return b.db.Update(ctx, func(tx *sqlx.Tx) error {
		feeAcct, _, err := b.store.GetOrCreateAccount(tx, walletID,
			ledger.FeeAccountName)
		if err != nil {
			return err
		}
		err = b.store.AdjustAccountBalance(tx, feeAcct.ID, walletID, -fee)
		if err != nil {
			return err
		}
		return b.store.InsertTransaction(tx, &ledger.Transaction{
			WalletID:             walletID,
			State:                ledger.TxStateNetworkFee,
			Amount:               fee,
			SendingAccountID:     &feeAcct.ID,
			NetworkTransactionID: &ntxID,
		})
	})
}

// reportInterrupted surfaces batches stuck in the send window so they
// are visible on every start, not only the one that broke.
func (b *Broadcaster) reportInterrupted(ctx context.Context) error {
	var rows []ledger.NetworkTransaction
	err := b.db.View(ctx, func(tx *sqlx.Tx) error {
		var err error
		rows, err = b.store.ListInterruptedBroadcasts(tx)
		return err
	})
	if err != nil {
		return err
	}

	broadcastsInterrupted.WithLabelValues(b.desc.Name).Set(float64(len(rows)))
	for i := range rows {
		ntx := &rows[i]
		log.Errorf("Broadcast batch %d was interrupted in the send "+
			"window at %s and needs operator reconciliation; it will "+
			"not be retried", ntx.ID,
			ntx.OpenedAt.UTC().Format(time.RFC3339))
	}
	return nil
}
