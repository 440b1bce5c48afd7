// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package ledger

import (
	"context"
	"fmt"
	"sort"

	"github.com/coinledger/ledgerd/conflict"
	"github.com/jmoiron/sqlx"
)

// schemaNamespace keys this package's row in the schema_versions table.
const schemaNamespace = "ledger"

// Version denotes a single version of the ledger schema together with
// the migration that brings the database up to it from the previous
// version.
type Version struct {
	// Number is the version number, starting at 1 for the base schema.
	Number uint32

	// Migration is run inside a database transaction to upgrade the
	// schema from the previous version to this one.
	Migration func(tx *sqlx.Tx, dialect conflict.Dialect) error
}

// versions is the list of all known schema versions in ascending order.
// New migrations are appended here and must never mutate the meaning of
// rows written by earlier versions.
var versions = []Version{
	{Number: 1, Migration: migrateBaseSchema},
}

// GetLatestVersion returns the latest version number in the given list.
func GetLatestVersion(vs []Version) uint32 {
	var latest uint32
	for _, v := range vs {
		if v.Number > latest {
			latest = v.Number
		}
	}
	return latest
}

// VersionsToApply determines which versions need to be applied in order
// to bring a database at currentVersion up to date.
func VersionsToApply(currentVersion uint32, vs []Version) []Version {
	var upgrade []Version
	for _, v := range vs {
		if v.Number > currentVersion {
			upgrade = append(upgrade, v)
		}
	}
	sort.Slice(upgrade, func(i, j int) bool {
		return upgrade[i].Number < upgrade[j].Number
	})
	return upgrade
}

// LatestSchemaVersion returns the schema version this build of the
// package writes.
func LatestSchemaVersion() uint32 {
	return GetLatestVersion(versions)
}

// CurrentSchemaVersion reads the schema version recorded in the
// database.  A database without a schema_versions table or without this
// package's row reports version 0.
func CurrentSchemaVersion(ctx context.Context, db *conflict.DB) (uint32, error) {
	if err := ensureVersionTable(ctx, db); err != nil {
		return 0, err
	}
	var version uint32
	err := db.View(ctx, func(tx *sqlx.Tx) error {
		return currentVersionTx(tx, &version)
	})
	if err != nil {
		return 0, err
	}
	return version, nil
}

// EnsureSchema creates or upgrades the ledger schema so that it matches
// the latest version known to this build.  Each pending migration runs
// in its own transaction together with the version bump, so a crash
// mid-upgrade leaves the database at a well defined older version.
// Databases newer than this build are refused.
func EnsureSchema(ctx context.Context, db *conflict.DB) error {
	if err := ensureVersionTable(ctx, db); err != nil {
		return err
	}

	var current uint32
	err := db.View(ctx, func(tx *sqlx.Tx) error {
		return currentVersionTx(tx, &current)
	})
	if err != nil {
		return err
	}

	latest := GetLatestVersion(versions)
	if current > latest {
		return fmt.Errorf("database schema version %d is newer than "+
			"the latest known version %d", current, latest)
	}
	if current == latest {
		return nil
	}

	log.Infof("Upgrading ledger schema from version %d to %d",
		current, latest)

	for _, version := range VersionsToApply(current, versions) {
		version := version
		err := db.UpdateOnce(ctx, func(tx *sqlx.Tx) error {
			log.Debugf("Applying ledger schema version %d",
				version.Number)
			if err := version.Migration(tx, db.Dialect()); err != nil {
				return err
			}
			return setVersionTx(tx, version.Number)
		})
		if err != nil {
			return fmt.Errorf("schema migration to version %d: %w",
				version.Number, err)
		}
	}
	return nil
}

// ensureVersionTable creates the version bookkeeping table.  It lives
// outside the versioned migrations because it is what makes them
// possible.
func ensureVersionTable(ctx context.Context, db *conflict.DB) error {
	return db.UpdateOnce(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
			namespace TEXT PRIMARY KEY,
			version BIGINT NOT NULL
		)`)
		return err
	})
}

func currentVersionTx(tx *sqlx.Tx, version *uint32) error {
	err := tx.Get(version, tx.Rebind(
		`SELECT version FROM schema_versions WHERE namespace = ?`),
		schemaNamespace)
	if err == nil {
		return nil
	}
	if isNoRows(err) {
		*version = 0
		return nil
	}
	return err
}

func setVersionTx(tx *sqlx.Tx, version uint32) error {
	res, err := tx.Exec(tx.Rebind(
		`UPDATE schema_versions SET version = ? WHERE namespace = ?`),
		version, schemaNamespace)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	_, err = tx.Exec(tx.Rebind(
		`INSERT INTO schema_versions (namespace, version) VALUES (?, ?)`),
		schemaNamespace, version)
	return err
}

// migrateBaseSchema creates the five base tables and their indexes.
//
// Balances are stored as 64 bit integers in the coin's minor unit.  The
// deposit uniqueness index makes crediting idempotent: one network
// transaction can pay a given receiving address at most one ledger row,
// no matter how many times the deposit is observed.  Withdrawal rows
// reference the same address and network transaction columns, so the
// index is restricted to rows with a receiving account.
func migrateBaseSchema(tx *sqlx.Tx, dialect conflict.Dialect) error {
	pk := "INTEGER PRIMARY KEY AUTOINCREMENT"
	ts := "TIMESTAMP"
	if dialect == conflict.DialectPostgres {
		pk = "BIGSERIAL PRIMARY KEY"
		ts = "TIMESTAMPTZ"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE wallets (
			id %s,
			coin TEXT NOT NULL,
			name TEXT NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0,
			created_at %s NOT NULL,
			updated_at %s NOT NULL,
			UNIQUE (coin, name)
		)`, pk, ts, ts),

		fmt.Sprintf(`CREATE TABLE accounts (
			id %s,
			wallet_id BIGINT NOT NULL REFERENCES wallets(id),
			name TEXT NOT NULL,
			balance BIGINT NOT NULL DEFAULT 0,
			created_at %s NOT NULL,
			updated_at %s NOT NULL,
			UNIQUE (wallet_id, name)
		)`, pk, ts, ts),

		fmt.Sprintf(`CREATE TABLE addresses (
			id %s,
			wallet_id BIGINT NOT NULL REFERENCES wallets(id),
			account_id BIGINT REFERENCES accounts(id),
			address TEXT NOT NULL,
			label TEXT NOT NULL DEFAULT '',
			balance BIGINT NOT NULL DEFAULT 0,
			created_at %s NOT NULL,
			archived_at %s,
			UNIQUE (wallet_id, address)
		)`, pk, ts, ts),

		fmt.Sprintf(`CREATE TABLE network_transactions (
			id %s,
			coin TEXT NOT NULL,
			transaction_type TEXT NOT NULL,
			txid TEXT,
			state TEXT NOT NULL,
			confirmations BIGINT NOT NULL DEFAULT -1,
			opened_at %s,
			closed_at %s,
			created_at %s NOT NULL
		)`, pk, ts, ts, ts),

		`CREATE UNIQUE INDEX network_transactions_txid_idx
			ON network_transactions (coin, transaction_type, txid)
			WHERE txid IS NOT NULL`,

		fmt.Sprintf(`CREATE TABLE transactions (
			id %s,
			wallet_id BIGINT NOT NULL REFERENCES wallets(id),
			state TEXT NOT NULL,
			amount BIGINT NOT NULL,
			sending_account_id BIGINT REFERENCES accounts(id),
			receiving_account_id BIGINT REFERENCES accounts(id),
			address_id BIGINT REFERENCES addresses(id),
			network_transaction_id BIGINT REFERENCES network_transactions(id),
			label TEXT NOT NULL DEFAULT '',
			created_at %s NOT NULL,
			credited_at %s,
			processed_at %s
		)`, pk, ts, ts, ts),

		`CREATE UNIQUE INDEX transactions_deposit_once_idx
			ON transactions (network_transaction_id, address_id)
			WHERE network_transaction_id IS NOT NULL
			AND address_id IS NOT NULL
			AND receiving_account_id IS NOT NULL`,

		`CREATE INDEX transactions_wallet_state_idx
			ON transactions (wallet_id, state)`,

		`CREATE INDEX transactions_network_transaction_idx
			ON transactions (network_transaction_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration statement: %w", err)
		}
	}
	return nil
}
