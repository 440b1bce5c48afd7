// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coinledger/ledgerd/backend"
	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/notify"
	"github.com/stretchr/testify/require"
)

func TestGetTransactionReturnsScriptedCopy(t *testing.T) {
	b := New("pseudo")
	ctx := context.Background()

	_, err := b.GetTransaction(ctx, "nope")
	require.Error(t, err)
	require.True(t, backend.IsErr(err, backend.ErrProtocol))

	b.PutDeposit("dep1", "mockaddr", 500000000, 1)
	info, err := b.GetTransaction(ctx, "dep1")
	require.NoError(t, err)
	require.Equal(t, int64(1), info.Confirmations)
	require.Len(t, info.Details, 1)

	// Mutating the returned copy must not leak into scripted state.
	info.Details[0].Address = "tampered"
	again, err := b.GetTransaction(ctx, "dep1")
	require.NoError(t, err)
	require.Equal(t, "mockaddr", again.Details[0].Address)

	b.SetConfirmations("dep1", 4)
	again, err = b.GetTransaction(ctx, "dep1")
	require.NoError(t, err)
	require.Equal(t, int64(4), again.Confirmations)
}

func TestSendRecordsBatchAndFee(t *testing.T) {
	b := New("pseudo")
	b.SetFee(1500)
	ctx := context.Background()

	outputs := map[string]coin.Amount{
		"destB": 200000000,
		"destA": 100000000,
	}
	txid, fee, err := b.Send(ctx, outputs, "batch-1")
	require.NoError(t, err)
	require.Equal(t, coin.Amount(1500), fee)
	require.NotEmpty(t, txid)

	sends := b.Sends()
	require.Len(t, sends, 1)
	require.Equal(t, txid, sends[0].TxID)
	require.Equal(t, "batch-1", sends[0].Label)
	require.Equal(t, outputs, sends[0].Outputs)

	// The spend is visible through GetTransaction with negative send
	// details in deterministic address order.
	info, err := b.GetTransaction(ctx, txid)
	require.NoError(t, err)
	require.Len(t, info.Details, 2)
	require.Equal(t, "destA", info.Details[0].Address)
	require.Equal(t, coin.Amount(-100000000), info.Details[0].Amount)
	require.Equal(t, backend.CategorySend, info.Details[0].Category)
	require.Equal(t, "destB", info.Details[1].Address)
	require.Equal(t, coin.Amount(-200000000), info.Details[1].Amount)
}

func TestReceiveCursorPagination(t *testing.T) {
	b := New("pseudo")
	for _, txid := range []string{"r1", "r2", "r3", "r4", "r5"} {
		b.AddReceived(txid, "mockaddr", 2)
	}

	cur, err := b.ListReceivedTransactions(context.Background(), 2)
	require.NoError(t, err)

	var all []backend.ReceivedTx
	for {
		batch, done, err := cur.Next(context.Background())
		require.NoError(t, err)
		all = append(all, batch...)
		if done {
			break
		}
	}
	require.Len(t, all, 5)
	require.Equal(t, "r1", all[0].TxID)
	require.Equal(t, "r5", all[4].TxID)
}

func TestAnnounceFlowsThroughNotifier(t *testing.T) {
	b := New("pseudo")
	sink := make(chan notify.TxID, 1)
	n, err := b.CreateNotifier(notify.Config{}, sink)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- n.Run() }()

	b.Announce("dep1")
	select {
	case txid := <-sink:
		require.Equal(t, notify.TxID("dep1"), txid)
	case <-time.After(5 * time.Second):
		t.Fatal("announcement did not reach the sink")
	}

	n.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("notifier did not stop")
	}
}

func TestFailNextSend(t *testing.T) {
	b := New("pseudo")
	ctx := context.Background()
	boom := errors.New("connection reset")

	b.FailNextSend(boom, false)
	_, _, err := b.Send(ctx, map[string]coin.Amount{"dest": 100}, "x")
	require.ErrorIs(t, err, boom)
	require.Empty(t, b.Sends())

	b.FailNextSend(boom, true)
	_, _, err = b.Send(ctx, map[string]coin.Amount{"dest": 100}, "x")
	require.ErrorIs(t, err, boom)
	require.Len(t, b.Sends(), 1)
}
