// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"

	"github.com/urfave/cli"

	"github.com/coinledger/ledgerd/ledger"
)

var initializeDatabaseCommand = cli.Command{
	Name:     "initialize-database",
	Category: "Database",
	Usage:    "Create or upgrade the ledger schema.",
	Description: `
	Brings the configured ledger database up to the schema version this
	build was compiled against.  Each pending migration runs in its own
	transaction together with the version bump, so an interrupted upgrade
	leaves the database at a well defined older version and the command
	can simply be run again.  Running against an up to date database is a
	no-op; a database newer than this build is refused.
	`,
	Action: initializeDatabase,
}

func initializeDatabase(ctx *cli.Context) error {
	opts, err := loadOptions(ctx)
	if err != nil {
		return err
	}
	db, err := openDB(opts)
	if err != nil {
		return err
	}
	defer db.Close()

	ctxb := getContext()
	before, err := ledger.CurrentSchemaVersion(ctxb, db)
	if err != nil {
		return err
	}
	if err := ledger.EnsureSchema(ctxb, db); err != nil {
		return err
	}

	latest := ledger.LatestSchemaVersion()
	switch {
	case before == 0:
		fmt.Printf("Ledger schema created at version %d\n", latest)
	case before < latest:
		fmt.Printf("Ledger schema upgraded from version %d to %d\n",
			before, latest)
	default:
		fmt.Printf("Ledger schema already at version %d\n", latest)
	}
	return nil
}
