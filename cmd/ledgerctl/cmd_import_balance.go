// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"

	"github.com/urfave/cli"

	"github.com/coinledger/ledgerd/ledger"
)

var importBalanceCommand = cli.Command{
	Name:      "import-balance",
	Category:  "Wallet",
	Usage:     "Adopt a pre-existing backend balance into the ledger.",
	ArgsUsage: "--coin <name> --wallet <name> --account <name>",
	Description: `
	Compares the backend wallet's confirmed balance with the ledger
	wallet's balance and credits the difference to the named account as a
	balance import, creating the account when missing.  Use it when
	attaching a fresh ledger to a backend wallet that already holds
	funds.  Nothing is recorded when the backend balance does not exceed
	the ledger balance.
	`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "coin",
			Usage: "the configured coin",
		},
		cli.StringFlag{
			Name:  "wallet",
			Usage: "the ledger wallet to reconcile",
		},
		cli.StringFlag{
			Name:  "account",
			Usage: "the account the difference is credited to",
		},
		cli.Int64Flag{
			Name: "minconf",
			Usage: "confirmations backend funds need to count, " +
				"defaults to the coin's confirmation threshold",
		},
		cli.StringFlag{
			Name:  "label",
			Usage: "label recorded on the import transaction",
		},
	},
	Action: importBalance,
}

func importBalance(ctx *cli.Context) error {
	opts, err := loadOptions(ctx)
	if err != nil {
		return err
	}
	cs, err := enabledCoin(opts, ctx.String("coin"))
	if err != nil {
		return err
	}
	if ctx.String("wallet") == "" || ctx.String("account") == "" {
		return errors.New("the wallet and account flags are required")
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

	cc, bk, err := openBackend(cs)
	if err != nil {
		return err
	}
	defer closeBackend(bk)

	l := ledger.New(db, cc.Coin, cc.Testnet, nil)
	w, err := l.FindWallet(ctxb, ctx.String("wallet"))
	if err != nil {
		return err
	}

	minConf := ctx.Int64("minconf")
	if !ctx.IsSet("minconf") {
		minConf = cc.ConfirmationThreshold
	}

	txn, err := l.ImportBackendBalance(ctxb, backendSource{bk: bk}, w.ID,
		ctx.String("account"), minConf, ctx.String("label"))
	if err != nil {
		return err
	}
	if txn == nil {
		fmt.Println("Backend balance does not exceed the ledger balance, " +
			"nothing to import.")
		return nil
	}
	fmt.Printf("Imported %s %s into account %q (transaction %d)\n",
		cc.Coin.FormatAmount(txn.Amount), cc.Coin.Unit,
		ctx.String("account"), txn.ID)
	return nil
}
