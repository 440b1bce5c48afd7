// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/btcsuite/btclog"

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

// Loggers per subsystem, all writing to standard output.  ledgerctl is
// an interactive tool, so unlike the daemon there is no log rotation.
var (
	backendLog = btclog.NewBackend(os.Stdout)

	lctlLog = backendLog.Logger("LCTL")
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

// log is the tool's own logger.
var log = lctlLog

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
	"LCTL": lctlLog,
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

// setLogLevel sets the logging level for provided subsystem.  Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	// Defaults to info if the log level is invalid.
	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for all subsystem loggers to the
// passed level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace":
		fallthrough
	case "debug":
		fallthrough
	case "info":
		fallthrough
	case "warn":
		fallthrough
	case "error":
		fallthrough
	case "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		if !validLogLevel(debugLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}
		setLogLevels(debugLevel)
		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "the specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "the specified subsystem [%v] is invalid -- " +
				"supported subsystems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		if !validLogLevel(logLevel) {
			str := "the specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}
