// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/coinledger/ledgerd/limits"
	"github.com/coinledger/ledgerd/service"
	"github.com/coinledger/ledgerd/version"
)

var cfg *config

func main() {
	version.SetUserAgentName("ledgerd")

	// Use all processor cores.
	runtime.GOMAXPROCS(runtime.NumCPU())

	// Up some limits.
	if err := limits.SetLimits(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to set limits: %v\n", err)
		os.Exit(1)
	}

	// Work around defer not working after os.Exit.
	os.Exit(ledgerdMain())
}

// ledgerdMain is a work-around main function that is required since
// deferred functions (such as log flushing) are not called with calls to
// os.Exit.  Instead, main runs this function and exits with the code it
// returns once any defers have run.  0 is a clean stop, 1 a usage or
// configuration error and 2 a service torn down by a failed worker.
func ledgerdMain() int {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return 1
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	// Show version at startup.
	log.Infof("Version %s", version.Version())
	version.WarnIfPrerelease(log)

	svcCfg, err := cfg.Options.ServiceConfig()
	if err != nil {
		log.Errorf("Unable to assemble the service configuration: %v", err)
		return 1
	}
	svc, err := service.New(svcCfg)
	if err != nil {
		log.Errorf("Unable to create the service: %v", err)
		return 1
	}

	// Get a channel that will be closed when a shutdown signal has been
	// triggered either from an OS signal such as SIGINT (Ctrl+C) or from
	// another subsystem.
	interrupt := interruptListener()
	go func() {
		<-interrupt
		svc.Stop()
	}()
	if interruptRequested(interrupt) {
		return 0
	}

	if err := svc.Run(); err != nil {
		log.Criticalf("Service terminated: %v", err)
		return 2
	}

	log.Info("Shutdown complete")
	return 0
}
