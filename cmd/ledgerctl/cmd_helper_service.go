// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli"

	"github.com/coinledger/ledgerd/service"
	"github.com/coinledger/ledgerd/version"
)

var helperServiceCommand = cli.Command{
	Name:     "helper-service",
	Category: "Service",
	Usage:    "Run the transaction helper service in the foreground.",
	Description: `
	Assembles the full per-coin runtime from the configuration file and
	runs it until interrupted: broadcaster, confirmation poller, receive
	scanner, notification transports, and the status server.  This is the
	same loop the ledgerd daemon runs, without its log rotation.

	The command exits 0 after a clean shutdown and 2 when a critical
	worker failure tore the service down, so process supervisors can
	restart it in both cases but tell the two apart.
	`,
	Action: helperService,
}

func helperService(ctx *cli.Context) error {
	opts, err := loadOptions(ctx)
	if err != nil {
		return err
	}
	if err := opts.Validate(); err != nil {
		return err
	}
	svcCfg, err := opts.ServiceConfig()
	if err != nil {
		return err
	}
	svc, err := service.New(svcCfg)
	if err != nil {
		return err
	}

	// The first signal requests a graceful stop.  A ledger transaction
	// is either committed or it is not, so if the operator insists with
	// a second signal, dying immediately corrupts nothing.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-interrupt
		log.Infof("Received signal (%s), shutting down...", sig)
		svc.Stop()
		<-interrupt
		log.Infof("Exiting now.")
		os.Exit(1)
	}()

	log.Infof("Version %s", version.Version())
	version.WarnIfPrerelease(log)

	if err := svc.Run(); err != nil {
		return cli.NewExitError(fmt.Sprintf("service terminated: %v", err), 2)
	}
	log.Infof("Shutdown complete")
	return nil
}
