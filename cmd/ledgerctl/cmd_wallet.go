// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/table"
	"github.com/urfave/cli"

	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/ledger"
)

var createWalletCommand = cli.Command{
	Name:      "create-wallet",
	Category:  "Wallet",
	Usage:     "Create a ledger wallet for a configured coin.",
	ArgsUsage: "--coin <name> --name <name>",
	Description: `
	A wallet mirrors one backend wallet and starts with a zero balance.
	Wallet names are unique per coin.
	`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "coin",
			Usage: "the configured coin",
		},
		cli.StringFlag{
			Name:  "name",
			Usage: "name of the new wallet",
		},
	},
	Action: createWallet,
}

func createWallet(ctx *cli.Context) error {
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

	desc, _ := coin.ByName(cs.Name)
	l := ledger.New(db, desc, cs.Opts.Testnet, nil)
	w, err := l.CreateWallet(ctxb, ctx.String("name"))
	if err != nil {
		return err
	}
	fmt.Printf("Created wallet %q (id %d)\n", w.Name, w.ID)
	return nil
}

var newAddressCommand = cli.Command{
	Name:      "new-address",
	Category:  "Wallet",
	Usage:     "Obtain a fresh receiving address for an account.",
	ArgsUsage: "--coin <name> --wallet <name> --account <name>",
	Description: `
	Asks the backend for a new deposit address and records it as a
	receiving address of the named account, creating the account when
	missing.  Deposits paying the address are credited to that account
	once they reach the coin's confirmation threshold.  The address is
	printed on its own line.
	`,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "coin",
			Usage: "the configured coin",
		},
		cli.StringFlag{
			Name:  "wallet",
			Usage: "the ledger wallet the account belongs to",
		},
		cli.StringFlag{
			Name:  "account",
			Usage: "the account the address will credit",
		},
		cli.StringFlag{
			Name:  "label",
			Usage: "label recorded on the address, also passed to the backend",
		},
	},
	Action: newAddress,
}

func newAddress(ctx *cli.Context) error {
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

	label := ctx.String("label")
	l := ledger.New(db, cc.Coin, cc.Testnet, nil)
	w, err := l.FindWallet(ctxb, ctx.String("wallet"))
	if err != nil {
		return err
	}
	addr, err := l.NewReceivingAddress(ctxb, backendSource{bk: bk, label: label},
		w.ID, ctx.String("account"), label)
	if err != nil {
		return err
	}
	fmt.Println(addr.Address)
	return nil
}

var walletInfoCommand = cli.Command{
	Name:      "wallet-info",
	Category:  "Wallet",
	Usage:     "Show a wallet's balance and accounts.",
	ArgsUsage: "--coin <name> --wallet <name>",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "coin",
			Usage: "the configured coin",
		},
		cli.StringFlag{
			Name:  "wallet",
			Usage: "the ledger wallet to show",
		},
	},
	Action: walletInfo,
}

func walletInfo(ctx *cli.Context) error {
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
	found, err := l.FindWallet(ctxb, ctx.String("wallet"))
	if err != nil {
		return err
	}
	w, accounts, err := l.WalletInfo(ctxb, found.ID)
	if err != nil {
		return err
	}

	fmt.Printf("Wallet %q (id %d, %s)\n", w.Name, w.ID, desc.Name)
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Account", "Balance"})
	for _, a := range accounts {
		tw.AppendRow(table.Row{
			a.Name, desc.FormatAmount(a.Balance) + " " + desc.Unit,
		})
	}
	tw.AppendFooter(table.Row{
		"wallet", desc.FormatAmount(w.Balance) + " " + desc.Unit,
	})
	tw.Render()
	return nil
}
