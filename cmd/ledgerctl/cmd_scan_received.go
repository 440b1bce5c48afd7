// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"github.com/urfave/cli"

	"github.com/coinledger/ledgerd/engine"
)

var scanReceivedCommand = cli.Command{
	Name:      "scan-received",
	Category:  "Service",
	Usage:     "Run one receive-scanner pass and exit.",
	ArgsUsage: "--coin <name>",
	Description: `
	Walks the backend's received-transaction history and pushes every
	entry that pays one of the ledger's receiving addresses through the
	transaction updater.  Deposits already credited at or above the
	confirmation threshold are excluded up front; everything else is safe
	to replay because the updater is idempotent.

	The service runs the same pass at every start, so this command is
	only needed to recover deposits while the service stays down.
	Configured event sinks fire for every change the scan causes.
	`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "coin",
			Usage: "the configured coin to scan",
		},
	},
	Action: scanReceived,
}

func scanReceived(ctx *cli.Context) error {
	opts, err := loadOptions(ctx)
	if err != nil {
		return err
	}
	cs, err := enabledCoin(opts, ctx.String("coin"))
	if err != nil {
		return err
	}
	db, err := openDB(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	ctxb := getContext()
	if err := requireSchema(ctxb, db); err != nil {
		return err
	}

	registry, err := opts.EventRegistry()
	if err != nil {
		return err
	}
	if registry != nil {
		registry.Start()
		defer registry.Stop()
	}

	cc, bk, err := openBackend(cs)
	if err != nil {
		return err
	}
	defer closeBackend(bk)

	updater := engine.NewUpdater(db, cc.Coin, bk, registry,
		cc.ConfirmationThreshold, nil)
	scanner := engine.NewScanner(db, cc.Coin, bk, updater, nil,
		cc.ScanBatchSize)
	return scanner.Scan(ctxb)
}
