// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	flags "github.com/jessevdk/go-flags"
	"github.com/urfave/cli"

	"github.com/coinledger/ledgerd/backend"
	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/conflict"
	"github.com/coinledger/ledgerd/ledger"
	"github.com/coinledger/ledgerd/service"
	"github.com/coinledger/ledgerd/version"
)

var defaultConfigFile = filepath.Join(service.HomeDir, "ledgerd.conf")

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[ledgerctl] %v\n", err)
	os.Exit(1)
}

func main() {
	version.SetUserAgentName("ledgerctl")

	app := cli.NewApp()
	app.Name = "ledgerctl"
	app.Version = version.Version()
	app.Usage = "control plane for the ledgerd transaction helper"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "configfile, C",
			Value: defaultConfigFile,
			Usage: "path to the ledgerd configuration file",
		},
		cli.StringFlag{
			Name:  "dburl",
			Usage: "ledger database URL, overrides the config file",
		},
		cli.StringFlag{
			Name:  "debuglevel",
			Value: "info",
			Usage: "logging level for all subsystems, or a comma " +
				"separated list of <subsystem>=<level> pairs",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		return parseAndSetDebugLevels(ctx.GlobalString("debuglevel"))
	}
	app.Commands = []cli.Command{
		initializeDatabaseCommand,
		helperServiceCommand,
		scanReceivedCommand,
		listInterruptedCommand,
		importBalanceCommand,
		createWalletCommand,
		newAddressCommand,
		walletInfoCommand,
		listTransactionsCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fatal(err)
	}
}

// getContext returns a context the first interrupt signal cancels, so
// one-shot commands stop cleanly mid-pass.
func getContext() context.Context {
	ctxc, cancel := context.WithCancel(context.Background())
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-interrupt
		log.Infof("Received signal (%s), canceling", sig)
		cancel()
	}()
	return ctxc
}

// loadOptions reads the daemon's configuration file, if present, and
// applies the global command line overrides.  Keys ledgerctl does not
// know, such as the daemon's logging settings, are ignored.
func loadOptions(ctx *cli.Context) (*service.Options, error) {
	opts := service.DefaultOptions()
	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	cfgFile := cleanAndExpandPath(ctx.GlobalString("configfile"))
	if err := flags.NewIniParser(parser).ParseFile(cfgFile); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			return nil, fmt.Errorf("parsing %s: %v", cfgFile, err)
		}
		log.Debugf("Config file %s not found, using defaults", cfgFile)
	}
	if dburl := ctx.GlobalString("dburl"); dburl != "" {
		opts.DBURL = dburl
	}
	return &opts, nil
}

// enabledCoin resolves the coin flag against the configuration.
func enabledCoin(opts *service.Options, name string) (service.CoinSection, error) {
	if name == "" {
		return service.CoinSection{}, errors.New("the coin flag is required")
	}
	cs, ok := opts.Coin(name)
	if !ok {
		return service.CoinSection{}, fmt.Errorf(
			"coin %q is not enabled in the configuration", name)
	}
	if err := cs.Validate(); err != nil {
		return service.CoinSection{}, fmt.Errorf("%s: %v", name, err)
	}
	return cs, nil
}

func openDB(opts *service.Options) (*conflict.DB, error) {
	if opts.DBURL == "" {
		return nil, errors.New("a database URL is required, set dburl")
	}
	return conflict.Open(opts.DBURL, opts.TxRetries)
}

// requireSchema refuses to run against an uninitialized or stale
// database, pointing the operator at initialize-database instead of
// failing with bare SQL errors.
func requireSchema(ctx context.Context, db *conflict.DB) error {
	current, err := ledger.CurrentSchemaVersion(ctx, db)
	if err != nil {
		return err
	}
	latest := ledger.LatestSchemaVersion()
	switch {
	case current == 0:
		return errors.New("the ledger database is not initialized, " +
			"run ledgerctl initialize-database first")
	case current != latest:
		return fmt.Errorf("the ledger schema is at version %d but this "+
			"build wants %d, run ledgerctl initialize-database",
			current, latest)
	}
	return nil
}

// openBackend builds and starts the backend of one coin section.  The
// caller must release it with closeBackend.
func openBackend(cs service.CoinSection) (*service.CoinConfig, backend.Backend, error) {
	cc, err := cs.CoinConfig()
	if err != nil {
		return nil, nil, err
	}
	bk, err := service.BuildBackend(cc)
	if err != nil {
		return nil, nil, err
	}
	if err := bk.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %v", bk.Name(), err)
	}
	return cc, bk, nil
}

func closeBackend(bk backend.Backend) {
	bk.Stop()
	bk.WaitForShutdown()
}

// backendSource adapts a started backend to the address and balance
// interfaces the ledger operations consume.
type backendSource struct {
	bk    backend.Backend
	label string
}

func (s backendSource) NewAddress(ctx context.Context) (string, error) {
	return s.bk.CreateAddress(ctx, s.label)
}

func (s backendSource) ConfirmedBalance(ctx context.Context,
	minConf int64) (coin.Amount, error) {

	return s.bk.GetBackendBalance(ctx, minConf)
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		path = strings.Replace(path, "~", filepath.Dir(service.HomeDir), 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but the variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
