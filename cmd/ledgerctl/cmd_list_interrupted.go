// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/table"
	"github.com/urfave/cli"

	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/ledger"
	"github.com/coinledger/ledgerd/service"
)

var listInterruptedCommand = cli.Command{
	Name:     "list-interrupted",
	Category: "Broadcasts",
	Usage:    "List broadcast batches whose send never recorded a result.",
	Description: `
	An interrupted broadcast is a batch of withdrawals that was handed to
	the network backend without a recorded outcome, typically because the
	process died mid-send.  Such a batch may or may not have reached the
	network, so it is never retried automatically: the operator has to
	check the backend wallet and settle each one by hand.

	Without the coin flag every enabled coin is listed.
	`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "coin",
			Usage: "restrict the listing to one configured coin",
		},
	},
	Action: listInterrupted,
}

func listInterrupted(ctx *cli.Context) error {
	opts, err := loadOptions(ctx)
	if err != nil {
		return err
	}
	sections := opts.EnabledCoins()
	if name := ctx.String("coin"); name != "" {
		cs, ok := opts.Coin(name)
		if !ok {
			return fmt.Errorf("coin %q is not enabled in the configuration",
				name)
		}
		sections = []service.CoinSection{cs}
	}
	if len(sections) == 0 {
		return errors.New("no coin is enabled in the configuration")
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

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{
		"Coin", "Batch", "Opened", "TxID", "Withdrawals", "Total",
	})

	var found int
	for _, cs := range sections {
		desc, ok := coin.ByName(cs.Name)
		if !ok {
			return fmt.Errorf("coin %q is not registered", cs.Name)
		}
		l := ledger.New(db, desc, cs.Opts.Testnet, nil)
		batches, err := l.InterruptedBroadcasts(ctxb)
		if err != nil {
			return err
		}
		for i := range batches {
			b := &batches[i]
			txid := "unknown"
			if b.Batch.HasTxID() {
				txid = *b.Batch.TxID
			}
			opened := ""
			if b.Batch.OpenedAt != nil {
				opened = b.Batch.OpenedAt.UTC().Format(time.RFC3339)
			}
			tw.AppendRow(table.Row{
				cs.Name,
				b.Batch.ID,
				opened,
				txid,
				len(b.Withdrawals),
				desc.FormatAmount(b.Total()) + " " + desc.Unit,
			})
			found++
		}
	}

	if found == 0 {
		fmt.Println("No interrupted broadcasts.")
		return nil
	}
	tw.Render()
	return nil
}
