// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/coinledger/ledgerd/backend"
	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/conflict"
	"github.com/coinledger/ledgerd/ledger"
	"github.com/jmoiron/sqlx"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

// Poller revisits network transactions that carry a txid but sit below
// the backend's tracking cap, re-asking the backend and pushing the
// answer through the updater.  It lifts deposits seen only once by a
// first-sighting notification transport up to their final confirmation
// count and closes out broadcast tracking the same way.
type Poller struct {
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

// NewPoller wires a confirmation poller for one coin.  A nil clock
// selects the system clock.
func NewPoller(db *conflict.DB, desc *coin.Descriptor, bk backend.Backend,
	updater *Updater, tick ticker.Ticker, clk clock.Clock) *Poller {

	ctx, cancel := context.WithCancel(context.Background())
	return &Poller{
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
func (p *Poller) Name() string {
	return "confirmation poller " + p.desc.Name
}

// Run cycles on the ticker until Stop is called.
func (p *Poller) Run() error {
	p.ticker.Resume()
	defer p.ticker.Stop()
	for {
		select {
		case <-p.ticker.Ticks():
			if err := p.Poll(p.ctx); err != nil &&
				!errors.Is(err, context.Canceled) {

				log.Errorf("Confirmation poll failed: %v", err)
			}
		case <-p.quit:
			return nil
		}
	}
}

// Stop terminates Run and cancels any in-flight backend call.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.quit)
		p.cancel()
	})
}

// Poll performs one pass over every network transaction below the
// tracking cap.  A failure against a single transaction is logged and
// does not stop the pass; the row simply stays eligible for the next
// one.
func (p *Poller) Poll(ctx context.Context) error {
	tracked := p.backend.MaxTrackedIncomingConfirmations()

	var rows []ledger.NetworkTransaction
	err := p.db.View(ctx, func(tx *sqlx.Tx) error {
		var err error
		rows, err = p.store.ListUnconfirmed(tx, tracked)
		return err
	})
	if err != nil {
		return fmt.Errorf("listing unconfirmed: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	log.Debugf("Polling %d network transactions below %d confirmations",
		len(rows), tracked)

	for i := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		ntx := &rows[i]
		info, err := p.backend.GetTransaction(ctx, *ntx.TxID)
		if err != nil {
			log.Warnf("Backend lookup of %s %s failed: %v",
				ntx.Type, *ntx.TxID, err)
			continue
		}
		_, _, err = p.updater.UpdateNetworkTransactionConfirmations(ctx,
			ntx.Type, *ntx.TxID, info)
		if err != nil {
			log.Warnf("Updating %s %s failed: %v", ntx.Type, *ntx.TxID, err)
		}
	}
	return nil
}
