// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/coinledger/ledgerd/conflict"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *conflict.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	db, err := conflict.Open("sqlite://"+dbPath, conflict.DefaultRetries)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}

// TestGetLatestVersion ensures that we can properly retrieve the latest
// version from a slice of versions.
func TestGetLatestVersion(t *testing.T) {
	tests := []struct {
		versions      []Version
		latestVersion uint32
	}{
		{
			versions:      []Version{},
			latestVersion: 0,
		},
		{
			versions: []Version{
				{Number: 1},
			},
			latestVersion: 1,
		},
		{
			versions: []Version{
				{Number: 1},
				{Number: 2},
			},
			latestVersion: 2,
		},
		{
			versions: []Version{
				{Number: 2},
				{Number: 0},
				{Number: 1},
			},
			latestVersion: 2,
		},
	}

	for i, test := range tests {
		latestVersion := GetLatestVersion(test.versions)
		if latestVersion != test.latestVersion {
			t.Fatalf("test %d: expected latest version %d, got %d",
				i, test.latestVersion, latestVersion)
		}
	}
}

// TestVersionsToApply ensures that the proper versions that need to be
// applied are returned given the current version.
func TestVersionsToApply(t *testing.T) {
	tests := []struct {
		currentVersion  uint32
		versions        []Version
		versionsToApply []Version
	}{
		{
			currentVersion: 1,
			versions: []Version{
				{Number: 1},
			},
			versionsToApply: nil,
		},
		{
			currentVersion: 0,
			versions: []Version{
				{Number: 1},
				{Number: 2},
			},
			versionsToApply: []Version{
				{Number: 1},
				{Number: 2},
			},
		},
		{
			currentVersion: 1,
			versions: []Version{
				{Number: 3},
				{Number: 2},
			},
			versionsToApply: []Version{
				{Number: 2},
				{Number: 3},
			},
		},
	}

	for i, test := range tests {
		got := VersionsToApply(test.currentVersion, test.versions)
		if !reflect.DeepEqual(got, test.versionsToApply) {
			t.Fatalf("test %d: versions to apply mismatch: got %v, "+
				"want %v", i, got, test.versionsToApply)
		}
	}
}

func TestEnsureSchemaFreshDatabase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	version, err := CurrentSchemaVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, uint32(0), version)

	require.NoError(t, EnsureSchema(ctx, db))

	version, err = CurrentSchemaVersion(ctx, db)
	require.NoError(t, err)
	require.Equal(t, LatestSchemaVersion(), version)

	// A second run must be a no-op.
	require.NoError(t, EnsureSchema(ctx, db))

	// The base tables must exist and be queryable.
	err = db.View(ctx, func(tx *sqlx.Tx) error {
		for _, table := range []string{
			"wallets", "accounts", "addresses",
			"network_transactions", "transactions",
		} {
			var n int64
			err := tx.Get(&n, "SELECT COUNT(*) FROM "+table)
			require.NoError(t, err, table)
			require.Zero(t, n, table)
		}
		return nil
	})
	require.NoError(t, err)
}

func TestEnsureSchemaRefusesNewerDatabase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	require.NoError(t, EnsureSchema(ctx, db))

	err := db.UpdateOnce(ctx, func(tx *sqlx.Tx) error {
		return setVersionTx(tx, LatestSchemaVersion()+1)
	})
	require.NoError(t, err)

	err = EnsureSchema(ctx, db)
	require.Error(t, err)
	require.Contains(t, err.Error(), "newer")
}

func TestDepositUniqueIndexAllowsWithdrawalRows(t *testing.T) {
	// Withdrawal rows in a broadcast batch share the address and network
	// transaction columns with deposits.  The deposit uniqueness index
	// must not collide them: several withdrawals of one batch may pay
	// the same destination address.
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, EnsureSchema(ctx, db))

	store := NewStore("pseudo", nil)
	err := db.Update(ctx, func(tx *sqlx.Tx) error {
		w, err := store.CreateWallet(tx, "hot")
		if err != nil {
			return err
		}
		acct, _, err := store.GetOrCreateAccount(tx, w.ID, "default")
		if err != nil {
			return err
		}
		dest, err := store.GetOrCreateDestinationAddress(tx, w.ID, "psd1dest")
		if err != nil {
			return err
		}
		batch, err := store.CreateBroadcastNetworkTx(tx)
		if err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			txn := &Transaction{
				WalletID:             w.ID,
				State:                TxStatePending,
				Amount:               100,
				SendingAccountID:     &acct.ID,
				AddressID:            &dest.ID,
				NetworkTransactionID: &batch.ID,
			}
			if err := store.InsertTransaction(tx, txn); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}
