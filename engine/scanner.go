// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"fmt"

	"github.com/coinledger/ledgerd/backend"
	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/conflict"
	"github.com/coinledger/ledgerd/ledger"
	"github.com/jmoiron/sqlx"
	"github.com/lightningnetwork/lnd/clock"
)

// defaultScanBatchSize is the page size requested from the backend when
// the configuration does not name one.
const defaultScanBatchSize = 100

// Scanner walks the backend's received-transaction history once and
// pushes every entry that touches a receiving address of ours through
// the updater.  It recovers deposits whose notifications were missed
// while the service was down.  Deposits already at or above the credit
// threshold are excluded up front; everything else is safe to replay
// because the updater is idempotent.
type Scanner struct {
	db        *conflict.DB
	store     *ledger.Store
	desc      *coin.Descriptor
	backend   backend.Backend
	updater   *Updater
	batchSize int
}

// NewScanner wires a receive scanner for one coin.  A batchSize of zero
// or less selects the default.  A nil clock selects the system clock.
func NewScanner(db *conflict.DB, desc *coin.Descriptor, bk backend.Backend,
	updater *Updater, clk clock.Clock, batchSize int) *Scanner {

	if batchSize <= 0 {
		batchSize = defaultScanBatchSize
	}
	return &Scanner{
		db:        db,
		store:     ledger.NewStore(desc.Name, clk),
		desc:      desc,
		backend:   bk,
		updater:   updater,
		batchSize: batchSize,
	}
}

// Name identifies the worker in supervision logs.
func (s *Scanner) Name() string {
	return "receive scanner " + s.desc.Name
}

// Scan performs the one-shot reconciliation pass.  A failure against a
// single transaction is logged and skipped; a failure to page through
// the backend history aborts the scan.
func (s *Scanner) Scan(ctx context.Context) error {
	var watched, settled []string
	err := s.db.View(ctx, func(tx *sqlx.Tx) error {
		var err error
		if watched, err = s.store.ListWatchedAddressStrings(tx); err != nil {
			return err
		}
		settled, err = s.store.ListConfirmedDepositTxids(tx,
			s.updater.Threshold())
		return err
	})
	if err != nil {
		return fmt.Errorf("loading scan sets: %w", err)
	}
	if len(watched) == 0 {
		log.Debugf("No receiving addresses, skipping receive scan")
		return nil
	}

	watchSet := make(map[string]struct{}, len(watched))
	for _, addr := range watched {
		watchSet[addr] = struct{}{}
	}
	handled := make(map[string]struct{}, len(settled))
	for _, txid := range settled {
		handled[txid] = struct{}{}
	}

	cursor, err := s.backend.ListReceivedTransactions(ctx, s.batchSize)
	if err != nil {
		return fmt.Errorf("listing received transactions: %w", err)
	}

	var examined, pushed int
	for {
		batch, finished, err := cursor.Next(ctx)
		if err != nil {
			return fmt.Errorf("receive scan page: %w", err)
		}
		for i := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			rx := &batch[i]
			examined++
			if _, ok := handled[rx.TxID]; ok {
				continue
			}
			if _, ok := watchSet[rx.Address]; !ok {
				continue
			}
			if err := s.updater.HandleWalletNotify(ctx, rx.TxID); err != nil {
				log.Warnf("Recovering %s failed: %v", rx.TxID, err)
				continue
			}
			handled[rx.TxID] = struct{}{}
			pushed++
			scannerRecovered.WithLabelValues(s.desc.Name).Inc()
		}
		if finished {
			break
		}
	}
	log.Infof("Receive scan finished: %d received entries examined, "+
		"%d pushed through the updater", examined, pushed)
	return nil
}
