// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package bitcoindrpc

import (
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/coinledger/ledgerd/backend"
	"github.com/coinledger/ledgerd/coin"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	desc, ok := coin.ByName("bitcoin")
	require.True(t, ok)
	return &Config{
		Coin:       desc,
		Testnet:    true,
		Host:       "localhost:18332",
		User:       "rpc",
		Pass:       "rpc",
		DisableTLS: true,
	}
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(&Config{})
	require.True(t, backend.IsErr(err, backend.ErrConfig))

	// The pseudo coin has no chain parameters and cannot ride a
	// bitcoind-compatible daemon.
	pseudo, ok := coin.ByName("pseudo")
	require.True(t, ok)
	_, err = New(&Config{Coin: pseudo, Host: "localhost:18332"})
	require.True(t, backend.IsErr(err, backend.ErrConfig))

	cfg := testConfig(t)
	cfg.Host = ""
	_, err = New(cfg)
	require.True(t, backend.IsErr(err, backend.ErrConfig))

	b, err := New(testConfig(t))
	require.NoError(t, err)
	require.Equal(t, "bitcoind (bitcoin)", b.Name())
	require.True(t, b.RequireTrackingIncomingConfirmations())
	require.Equal(t, int64(DefaultMaxTrackedConfirmations),
		b.MaxTrackedIncomingConfirmations())

	cfg = testConfig(t)
	cfg.MaxTracked = 12
	b, err = New(cfg)
	require.NoError(t, err)
	require.Equal(t, int64(12), b.MaxTrackedIncomingConfirmations())
}

func TestCheckChain(t *testing.T) {
	b, err := New(testConfig(t))
	require.NoError(t, err)
	require.NoError(t, b.checkChain("test"))
	require.NoError(t, b.checkChain("regtest"))
	err = b.checkChain("main")
	require.True(t, backend.IsErr(err, backend.ErrConfig))

	cfg := testConfig(t)
	cfg.Testnet = false
	b, err = New(cfg)
	require.NoError(t, err)
	require.NoError(t, b.checkChain("main"))
	err = b.checkChain("signet")
	require.True(t, backend.IsErr(err, backend.ErrConfig))
}

func TestMapTransaction(t *testing.T) {
	info, err := mapTransaction(&btcjson.GetTransactionResult{
		TxID:          "feed",
		Confirmations: 3,
		Details: []btcjson.GetTransactionDetailsResult{
			{Category: "receive", Address: "tb1qalpha", Amount: 0.5},
			{Category: "send", Address: "tb1qbeta", Amount: -0.25},
			{Category: "immature", Address: "tb1qminer", Amount: 12.5},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "feed", info.TxID)
	require.Equal(t, int64(3), info.Confirmations)
	require.False(t, info.OnlyReceive)
	require.Equal(t, []backend.TxDetail{
		{Category: backend.CategoryReceive, Address: "tb1qalpha",
			Amount: 50000000},
		{Category: backend.CategorySend, Address: "tb1qbeta",
			Amount: -25000000},
	}, info.Details)

	// Without a send detail the provider only saw the receive side.
	info, err = mapTransaction(&btcjson.GetTransactionResult{
		TxID:          "feed2",
		Confirmations: 1,
		Details: []btcjson.GetTransactionDetailsResult{
			{Category: "receive", Address: "tb1qalpha", Amount: 0.1},
			{Category: "generate", Address: "tb1qminer", Amount: 12.5},
		},
	})
	require.NoError(t, err)
	require.True(t, info.OnlyReceive)
	require.Len(t, info.Details, 2)
}

func TestMapReceivedPage(t *testing.T) {
	page := []btcjson.ListTransactionsResult{
		{Category: "receive", TxID: "r1", Address: "tb1qalpha",
			Confirmations: 2},
		{Category: "send", TxID: "s1", Address: "tb1qbeta",
			Confirmations: 2},
		{Category: "generate", TxID: "g1", Address: "tb1qminer",
			Confirmations: 120},
		{Category: "orphan", TxID: "o1", Address: "tb1qminer"},
	}
	out := mapReceivedPage(page)
	require.Equal(t, []backend.ReceivedTx{
		{TxID: "r1", Address: "tb1qalpha", Confirmations: 2},
		{TxID: "g1", Address: "tb1qminer", Confirmations: 120},
	}, out)
}

func TestToAmount(t *testing.T) {
	a, err := toAmount(1.0)
	require.NoError(t, err)
	require.Equal(t, coin.Amount(100000000), a)

	a, err = toAmount(0.00000001)
	require.NoError(t, err)
	require.Equal(t, coin.Amount(1), a)

	a, err = toAmount(-0.5)
	require.NoError(t, err)
	require.Equal(t, coin.Amount(-50000000), a)
}
