// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package events

import (
	stdjson "encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testRecord() *Record {
	credited := true
	return &Record{
		Event:              TxUpdate,
		CoinName:           "litecoin",
		NetworkTransaction: 7,
		Transaction:        12,
		TransactionType:    "deposit",
		TxID:               "c0ffee",
		Account:            3,
		Address:            "LTC1addr",
		Amount:             "1.23456789",
		Confirmations:      2,
		Credited:           &credited,
		Time:               time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRecordEncodeKeepsAmountAsString(t *testing.T) {
	body, err := testRecord().Encode()
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, stdjson.Unmarshal(body, &m))
	require.Equal(t, "txupdate", m["event"])
	require.Equal(t, "1.23456789", m["amount"])
	require.Equal(t, true, m["credited"])
	require.Equal(t, "c0ffee", m["txid"])
}

func TestRecordEncodeNullCredited(t *testing.T) {
	rec := testRecord()
	rec.TransactionType = "broadcast"
	rec.Credited = nil

	body, err := rec.Encode()
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, stdjson.Unmarshal(body, &m))
	require.Contains(t, m, "credited")
	require.Nil(t, m["credited"])
}

func TestRecordEnv(t *testing.T) {
	env, err := testRecord().Env()
	require.NoError(t, err)

	vars := make(map[string]string)
	for _, kv := range env {
		parts := strings.SplitN(kv, "=", 2)
		require.Len(t, parts, 2)
		vars[parts[0]] = parts[1]
	}

	require.Equal(t, "txupdate", vars["LEDGERD_EVENT_NAME"])
	require.Equal(t, "litecoin", vars["LEDGERD_EVENT_COIN_NAME"])
	require.Equal(t, "7", vars["LEDGERD_EVENT_NETWORK_TRANSACTION"])
	require.Equal(t, "12", vars["LEDGERD_EVENT_TRANSACTION"])
	require.Equal(t, "deposit", vars["LEDGERD_EVENT_TRANSACTION_TYPE"])
	require.Equal(t, "c0ffee", vars["LEDGERD_EVENT_TXID"])
	require.Equal(t, "3", vars["LEDGERD_EVENT_ACCOUNT"])
	require.Equal(t, "LTC1addr", vars["LEDGERD_EVENT_ADDRESS"])
	require.Equal(t, "1.23456789", vars["LEDGERD_EVENT_AMOUNT"])
	require.Equal(t, "2", vars["LEDGERD_EVENT_CONFIRMATIONS"])
	require.Equal(t, "true", vars["LEDGERD_EVENT_CREDITED"])

	var m map[string]interface{}
	require.NoError(t, stdjson.Unmarshal([]byte(vars["LEDGERD_EVENT_JSON"]), &m))
	require.Equal(t, "1.23456789", m["amount"])
}

func TestRecordEnvEmptyCredited(t *testing.T) {
	rec := testRecord()
	rec.Credited = nil

	env, err := rec.Env()
	require.NoError(t, err)
	require.Contains(t, env, "LEDGERD_EVENT_CREDITED=")
}
