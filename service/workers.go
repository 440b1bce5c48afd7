// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package service

import (
	"context"
	"errors"

	"github.com/coinledger/ledgerd/engine"
)

// scanTask adapts the one-shot receive scan to the worker shape.  A
// failed scan is reported, not fatal: notifications and the poller keep
// the ledger moving, and the scan can be rerun from the CLI.
type scanTask struct {
	scanner *engine.Scanner
	ctx     context.Context
	cancel  context.CancelFunc
}

func newScanTask(scanner *engine.Scanner) *scanTask {
	ctx, cancel := context.WithCancel(context.Background())
	return &scanTask{scanner: scanner, ctx: ctx, cancel: cancel}
}

// Name implements the worker interface.
func (t *scanTask) Name() string {
	return t.scanner.Name()
}

// Run implements the worker interface.
func (t *scanTask) Run() error {
	err := t.scanner.Scan(t.ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("Receive scan failed: %v", err)
	}
	return nil
}

// Stop implements the worker interface.
func (t *scanTask) Stop() {
	t.cancel()
}
