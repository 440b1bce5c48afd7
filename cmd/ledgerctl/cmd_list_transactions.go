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
	"github.com/jmoiron/sqlx"
	"github.com/urfave/cli"

	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/ledger"
)

var listTransactionsCommand = cli.Command{
	Name:      "list-transactions",
	Category:  "Wallet",
	Usage:     "List a wallet's most recent ledger transactions.",
	ArgsUsage: "--coin <name> --wallet <name>",
	Description: `
	Shows the newest ledger transactions of a wallet: deposits,
	withdrawals, internal transfers, fees, and balance imports.  Deposits
	show when they were credited; withdrawals show when their broadcast
	batch was accepted.
	`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "coin",
			Usage: "the configured coin",
		},
		cli.StringFlag{
			Name:  "wallet",
			Usage: "the ledger wallet to list",
		},
		cli.IntFlag{
			Name:  "limit",
			Usage: "maximum number of transactions to show",
			Value: 20,
		},
	},
	Action: listTransactions,
}

func listTransactions(ctx *cli.Context) error {
	opts, err := loadOptions(ctx)
	if err != nil {
		return err
	}
	cs, err := enabledCoin(opts, ctx.String("coin"))
	if err != nil {
		return err
	}
	if ctx.String("wallet") == "" {
		return errors.New("the wallet flag is required")
	}
	limit := ctx.Int("limit")
	if limit <= 0 {
		return errors.New("the limit must be positive")
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

	desc, _ := coin.ByName(cs.Name)
	l := ledger.New(db, desc, cs.Opts.Testnet, nil)
	w, err := l.FindWallet(ctxb, ctx.String("wallet"))
	if err != nil {
		return err
	}

	var txns []ledger.Transaction
	err = db.View(ctxb, func(tx *sqlx.Tx) error {
		var err error
		txns, err = l.Store().ListRecentTransactions(tx, w.ID, limit)
		return err
	})
	if err != nil {
		return err
	}
	if len(txns) == 0 {
		fmt.Printf("Wallet %q has no transactions.\n", w.Name)
		return nil
	}

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "State", "Amount", "Label", "Created", "Settled"})
	for i := range txns {
		txn := &txns[i]
		settled := ""
		switch {
		case txn.CreditedAt != nil:
			settled = txn.CreditedAt.UTC().Format(time.RFC3339)
		case txn.ProcessedAt != nil:
			settled = txn.ProcessedAt.UTC().Format(time.RFC3339)
		}
		tw.AppendRow(table.Row{
			txn.ID,
			string(txn.State),
			desc.FormatAmount(txn.Amount) + " " + desc.Unit,
			txn.Label,
			txn.CreatedAt.UTC().Format(time.RFC3339),
			settled,
		})
	}
	tw.Render()
	return nil
}
