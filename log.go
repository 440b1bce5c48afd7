// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/coinledger/ledgerd/backend/bitcoindrpc"
	"github.com/coinledger/ledgerd/backend/hostedapi"
	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/conflict"
	"github.com/coinledger/ledgerd/engine"
	"github.com/coinledger/ledgerd/events"
	"github.com/coinledger/ledgerd/ledger"
	"github.com/coinledger/ledgerd/notify"
	"github.com/coinledger/ledgerd/service"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

func (logWriter) Write(p []byte) (n int, err error) {
	os.Stdout.Write(p)
	logRotator.Write(p)
	return len(p), nil
}

// Loggers per subsystem.  A single backend logger is created and all subsystem
// loggers created from it will write to the backend.  When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file.  This must be performed early during application startup by
// calling initLogRotator.
var (
	// backendLog is the logging backend used to create all subsystem
	// loggers.  The backend must not be used before the log rotator has
	// been initialized, or data races and/or nil pointer dereferences
	// will occur.
	backendLog = btclog.NewBackend(logWriter{})

	// logRotator is one of the logging outputs.  It should be closed on
	// application shutdown.
	logRotator *rotator.Rotator

	ldgdLog = backendLog.Logger("LDGD")
	ldgrLog = backendLog.Logger("LDGR")
	crdbLog = backendLog.Logger("CRDB")
	brpcLog = backendLog.Logger("BRPC")
	hapiLog = backendLog.Logger("HAPI")
	engnLog = backendLog.Logger("ENGN")
	ntfyLog = backendLog.Logger("NTFY")
	evntLog = backendLog.Logger("EVNT")
	srvcLog = backendLog.Logger("SRVC")
	coinLog = backendLog.Logger("COIN")
)

// log is the daemon's own logger.
var log = ldgdLog

// Initialize package-global logger variables.
func init() {
	ledger.UseLogger(ldgrLog)
	conflict.UseLogger(crdbLog)
	bitcoindrpc.UseLogger(brpcLog)
	hostedapi.UseLogger(hapiLog)
	engine.UseLogger(engnLog)
	notify.UseLogger(ntfyLog)
	events.UseLogger(evntLog)
	service.UseLogger(srvcLog)
	coin.UseLogger(coinLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"LDGD": ldgdLog,
	"LDGR": ldgrLog,
	"CRDB": crdbLog,
	"BRPC": brpcLog,
	"HAPI": hapiLog,
	"ENGN": engnLog,
	"NTFY": ntfyLog,
	"EVNT": evntLog,
	"SRVC": srvcLog,
	"COIN": coinLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	logRotator = r
}

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.  Uninitialized subsystems are dynamically created
// as needed.
func setLogLevel(subsystemID string, logLevel string) {
	// Ignore invalid subsystems.
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the passed
// level.  It also dynamically creates the subsystem loggers as needed, so it
// can be used to initialize the logging system.
func setLogLevels(logLevel string) {
	// Configure all sub-systems with the new logging level.  Dynamically
	// create loggers as needed.
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
