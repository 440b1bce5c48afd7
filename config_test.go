// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/require"

	"github.com/coinledger/ledgerd/service"
)

func TestParseAndSetDebugLevels(t *testing.T) {
	require.NoError(t, parseAndSetDebugLevels("info"))
	require.NoError(t, parseAndSetDebugLevels("ENGN=debug"))
	require.NoError(t, parseAndSetDebugLevels("ENGN=debug,BRPC=trace"))

	require.Error(t, parseAndSetDebugLevels("bogus"))
	require.Error(t, parseAndSetDebugLevels("ENGN"))
	require.Error(t, parseAndSetDebugLevels("NOPE=debug"))
	require.Error(t, parseAndSetDebugLevels("ENGN=bogus"))

	// Restore the default so later tests are not spammed.
	setLogLevels(defaultLogLevel)
}

// TestConfigFileSections exercises the INI loading path: global keys in
// the application section and namespaced keys in per-coin sections.
func TestConfigFileSections(t *testing.T) {
	content := `
[Application Options]
dburl=postgres://ledger@db.internal/ledger
broadcastperiod=3s
eventurl=https://shop.example/a
eventurl=https://shop.example/b

[bitcoin]
bitcoin.enable=1
bitcoin.backend=bitcoind
bitcoin.testnet=1
bitcoin.rpcconnect=127.0.0.1:18332
bitcoin.rpcuser=u
bitcoin.rpcpass=p
bitcoin.threshold=3
bitcoin.notify=zmq:tcp://127.0.0.1:28332#hashtx
bitcoin.notify=httphook:127.0.0.1:8331

[litecoin]
litecoin.enable=1
litecoin.backend=hosted
litecoin.apiurl=https://hosted.example/api/v2
litecoin.apikey=k
`
	path := filepath.Join(t.TempDir(), "ledgerd.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg := config{Options: service.DefaultOptions()}
	parser := newConfigParser(&cfg, flags.Default)
	require.NoError(t, flags.NewIniParser(parser).ParseFile(path))

	require.Equal(t, "postgres://ledger@db.internal/ledger", cfg.DBURL)
	require.Equal(t, 3*time.Second, cfg.BroadcastPeriod)
	require.Equal(t, []string{"https://shop.example/a", "https://shop.example/b"},
		cfg.EventURLs)

	require.True(t, cfg.Bitcoin.Testnet)
	require.Equal(t, int64(3), cfg.Bitcoin.Threshold)
	require.Len(t, cfg.Bitcoin.Notify, 2)
	require.Equal(t, "hosted", cfg.Litecoin.Backend)

	require.NoError(t, cfg.Options.Validate())
	require.Len(t, cfg.EnabledCoins(), 2)

	svcCfg, err := cfg.Options.ServiceConfig()
	require.NoError(t, err)
	require.Len(t, svcCfg.Coins, 2)
	require.NotNil(t, svcCfg.Registry)
	require.True(t, svcCfg.Coins[0].Bitcoind.DisableTLS)
	require.Len(t, svcCfg.Coins[0].Notifiers, 2)
}
