// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package mock implements an in-memory backend with scriptable chain
// state.  Engine tests drive it directly; it also backs the mock
// backend kind for trying the daemon without a chain provider.
package mock

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coinledger/ledgerd/backend"
	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/notify"
)

// Send records one batch handed to Send.
type Send struct {
	TxID    string
	Outputs map[string]coin.Amount
	Label   string
}

// Backend is a scripted in-memory chain provider.  All methods are safe
// for concurrent use.
type Backend struct {
	coinName string

	mu             sync.Mutex
	started        bool
	addrSeq        int
	txs            map[string]*backend.TxInfo
	received       []backend.ReceivedTx
	sends          []Send
	sendSeq        int
	fee            coin.Amount
	sendErr        error
	sendErrLands   bool
	balances       map[string]coin.Amount
	backendBalance coin.Amount
	maxTracked     int64
	requirePolling bool

	announce chan notify.TxID
}

// New creates a mock backend reporting coinName.
func New(coinName string) *Backend {
	return &Backend{
		coinName:       coinName,
		txs:            make(map[string]*backend.TxInfo),
		balances:       make(map[string]coin.Amount),
		maxTracked:     6,
		requirePolling: true,
		announce:       make(chan notify.TxID, 64),
	}
}

// Name implements the backend.Backend interface.
func (b *Backend) Name() string {
	return "mock (" + b.coinName + ")"
}

// Start implements the backend.Backend interface.
func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	return nil
}

// Stop implements the backend.Backend interface.
func (b *Backend) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = false
}

// WaitForShutdown implements the backend.Backend interface.
func (b *Backend) WaitForShutdown() {}

// CreateAddress implements the backend.Backend interface.
func (b *Backend) CreateAddress(_ context.Context, label string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addrSeq++
	addr := fmt.Sprintf("mock%04d", b.addrSeq)
	if label != "" {
		addr += "-" + label
	}
	return addr, nil
}

// GetTransaction implements the backend.Backend interface.
func (b *Backend) GetTransaction(_ context.Context, txid string) (*backend.TxInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	info, ok := b.txs[txid]
	if !ok {
		return nil, backend.ProtocolE(
			fmt.Sprintf("transaction %s is not known to the provider", txid), nil)
	}
	cp := *info
	cp.Details = append([]backend.TxDetail(nil), info.Details...)
	return &cp, nil
}

// GetBalances implements the backend.Backend interface.
func (b *Backend) GetBalances(_ context.Context, addresses []string) ([]backend.AddressBalance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]backend.AddressBalance, 0, len(addresses))
	for _, addr := range addresses {
		out = append(out, backend.AddressBalance{
			Address: addr,
			Amount:  b.balances[addr],
		})
	}
	return out, nil
}

// GetBackendBalance implements the backend.Backend interface.
func (b *Backend) GetBackendBalance(_ context.Context, _ int64) (coin.Amount, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backendBalance, nil
}

// Send implements the backend.Backend interface.  The batch is recorded
// and a transaction with send details (and the configured fee) becomes
// visible through GetTransaction, mirroring how a node reports its own
// spends.  An injected error is returned instead; whether the batch
// still lands is controlled by the injection, so tests can model the
// ambiguous failure window.
func (b *Backend) Send(_ context.Context, outputs map[string]coin.Amount,
	label string) (string, coin.Amount, error) {

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sendErr != nil && !b.sendErrLands {
		err := b.sendErr
		b.sendErr = nil
		return "", 0, err
	}

	b.sendSeq++
	txid := fmt.Sprintf("mocksend%04d", b.sendSeq)

	recorded := make(map[string]coin.Amount, len(outputs))
	details := make([]backend.TxDetail, 0, len(outputs))
	addrs := make([]string, 0, len(outputs))
	for addr := range outputs {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	for _, addr := range addrs {
		recorded[addr] = outputs[addr]
		details = append(details, backend.TxDetail{
			Category: backend.CategorySend,
			Address:  addr,
			Amount:   -outputs[addr],
		})
	}

	b.sends = append(b.sends, Send{TxID: txid, Outputs: recorded, Label: label})
	b.txs[txid] = &backend.TxInfo{
		TxID:          txid,
		Confirmations: 0,
		Details:       details,
	}

	if b.sendErr != nil {
		err := b.sendErr
		b.sendErr = nil
		return "", 0, err
	}
	return txid, b.fee, nil
}

// ListReceivedTransactions implements the backend.Backend interface.
func (b *Backend) ListReceivedTransactions(_ context.Context, batchSize int) (backend.ReceiveCursor, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	b.mu.Lock()
	entries := append([]backend.ReceivedTx(nil), b.received...)
	b.mu.Unlock()
	return &receiveCursor{entries: entries, batchSize: batchSize}, nil
}

// RequireTrackingIncomingConfirmations implements the backend.Backend
// interface.
func (b *Backend) RequireTrackingIncomingConfirmations() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requirePolling
}

// MaxTrackedIncomingConfirmations implements the backend.Backend
// interface.
func (b *Backend) MaxTrackedIncomingConfirmations() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxTracked
}

// CreateNotifier implements the backend.Backend interface.  The mock
// ignores cfg and returns a transport fed by Announce.
func (b *Backend) CreateNotifier(_ notify.Config, sink chan<- notify.TxID) (notify.Notifier, error) {
	return &channelNotifier{
		name:   "mock-notifier (" + b.coinName + ")",
		source: b.announce,
		sink:   sink,
		quit:   make(chan struct{}),
	}, nil
}

type receiveCursor struct {
	entries   []backend.ReceivedTx
	batchSize int
	offset    int
}

// Next implements the backend.ReceiveCursor interface.
func (c *receiveCursor) Next(_ context.Context) ([]backend.ReceivedTx, bool, error) {
	if c.offset >= len(c.entries) {
		return nil, true, nil
	}
	end := c.offset + c.batchSize
	if end > len(c.entries) {
		end = len(c.entries)
	}
	batch := c.entries[c.offset:end]
	c.offset = end
	return batch, c.offset >= len(c.entries), nil
}

type channelNotifier struct {
	name     string
	source   <-chan notify.TxID
	sink     chan<- notify.TxID
	quit     chan struct{}
	stopOnce sync.Once
}

// Name implements the notify.Notifier interface.
func (n *channelNotifier) Name() string {
	return n.name
}

// Run implements the notify.Notifier interface.
func (n *channelNotifier) Run() error {
	for {
		select {
		case txid := <-n.source:
			select {
			case n.sink <- txid:
			case <-n.quit:
				return nil
			}
		case <-n.quit:
			return nil
		}
	}
}

// Stop implements the notify.Notifier interface.
func (n *channelNotifier) Stop() {
	n.stopOnce.Do(func() { close(n.quit) })
}
