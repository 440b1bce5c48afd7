// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package bitcoindrpc adapts a bitcoind-compatible JSON-RPC wallet
// daemon to the backend interface.  The daemon owns the keys; this
// package translates between its account/float view of the world and
// the ledger's minor-unit amounts.
package bitcoindrpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcutil"
	"github.com/coinledger/ledgerd/backend"
	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/notify"
	"github.com/davecgh/go-spew/spew"
)

const (
	// DefaultMaxTrackedConfirmations is how deep a transaction must
	// confirm before the poller stops re-fetching it, unless the
	// configuration overrides it.
	DefaultMaxTrackedConfirmations = 6

	// listUnspentMaxConf is bitcoind's documented maximum for the
	// listunspent maxconf parameter.
	listUnspentMaxConf = 9999999
)

// Config describes a connection to a bitcoind-compatible daemon.
type Config struct {
	// Coin selects the chain parameters and amount scale.  The coin
	// must carry chain parameters and use an 8-digit minor unit, which
	// is what the daemon's float amounts encode.
	Coin *coin.Descriptor

	// Testnet selects which network the provider must be on.
	Testnet bool

	// Host is the RPC host:port.
	Host string

	// User and Pass authenticate against the RPC server.
	User string
	Pass string

	// Certs holds the TLS certificate chain when the daemon serves
	// RPC over TLS.  DisableTLS selects plain HTTP, which is how stock
	// bitcoind listens.
	Certs      []byte
	DisableTLS bool

	// Account is the daemon-side account (label) new addresses and
	// outgoing sends are filed under.  Empty selects the default
	// account.
	Account string

	// MaxTracked overrides DefaultMaxTrackedConfirmations when
	// positive.
	MaxTracked int64
}

// Backend is a persistent client connection to a bitcoind-compatible
// wallet daemon.
type Backend struct {
	*rpcclient.Client
	connConfig *rpcclient.ConnConfig // Work around unexported field
	cfg        *Config
	params     *chaincfg.Params
	maxTracked int64

	quit    chan struct{}
	started bool
	quitMtx sync.Mutex
}

var _ backend.Backend = (*Backend)(nil)

// New creates a client for the daemon described by cfg.  The connection
// is not verified until Start.
func New(cfg *Config) (*Backend, error) {
	if cfg.Coin == nil {
		return nil, backend.ConfigE("bitcoindrpc requires a coin", nil)
	}
	params := cfg.Coin.Params(cfg.Testnet)
	if params == nil {
		return nil, backend.ConfigE(fmt.Sprintf(
			"coin %s carries no chain parameters", cfg.Coin.Name), nil)
	}
	if cfg.Coin.Scale != 8 {
		return nil, backend.ConfigE(fmt.Sprintf(
			"the daemon reports 8-digit amounts but %s uses scale %d",
			cfg.Coin.Name, cfg.Coin.Scale), nil)
	}
	if cfg.Host == "" {
		return nil, backend.ConfigE("rpc host missing", nil)
	}
	maxTracked := cfg.MaxTracked
	if maxTracked <= 0 {
		maxTracked = DefaultMaxTrackedConfirmations
	}

	b := &Backend{
		connConfig: &rpcclient.ConnConfig{
			Host:         cfg.Host,
			User:         cfg.User,
			Pass:         cfg.Pass,
			Certificates: cfg.Certs,
			DisableTLS:   cfg.DisableTLS,
			HTTPPostMode: true,
		},
		cfg:        cfg,
		params:     params,
		maxTracked: maxTracked,
		quit:       make(chan struct{}),
	}
	client, err := rpcclient.New(b.connConfig, nil)
	if err != nil {
		return nil, backend.ConfigE("creating rpc client", err)
	}
	b.Client = client
	return b, nil
}

// Name implements the backend.Backend interface.
func (b *Backend) Name() string {
	return "bitcoind (" + b.cfg.Coin.Name + ")"
}

// Start verifies that the daemon is reachable and running on the
// expected network.
func (b *Backend) Start() error {
	info, err := b.Client.GetBlockChainInfo()
	if err != nil {
		return backend.ClassifyE("verifying provider connection", err)
	}
	if err := b.checkChain(info.Chain); err != nil {
		return err
	}

	b.quitMtx.Lock()
	b.started = true
	b.quitMtx.Unlock()

	log.Infof("Connected to %s on chain %q (%d blocks)", b.cfg.Host,
		info.Chain, info.Blocks)
	return nil
}

// Stop shuts the client down.  In-flight calls run to completion or to
// the HTTP timeout.
func (b *Backend) Stop() {
	b.quitMtx.Lock()
	select {
	case <-b.quit:
	default:
		close(b.quit)
		b.Client.Shutdown()
	}
	b.quitMtx.Unlock()
}

// WaitForShutdown blocks until the client has finished disconnecting.
func (b *Backend) WaitForShutdown() {
	b.Client.WaitForShutdown()
}

// checkChain compares the chain name from getblockchaininfo against the
// configured network.  Regtest and signet count as test networks.
func (b *Backend) checkChain(chain string) error {
	testlike := chain == "test" || chain == "testnet" ||
		chain == "testnet3" || chain == "regtest" || chain == "signet"
	if b.cfg.Testnet == testlike {
		return nil
	}
	return backend.ConfigE(fmt.Sprintf(
		"provider runs chain %q but %s is configured with testnet=%v",
		chain, b.cfg.Coin.Name, b.cfg.Testnet), nil)
}

// ready rejects calls after Stop and honors caller cancellation.  The
// underlying rpcclient has no context plumbing, so an in-flight call is
// not interrupted; this only stops new ones.
func (b *Backend) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.quit:
		return fmt.Errorf("rpc client is stopped")
	default:
		return nil
	}
}

// CreateAddress implements the backend.Backend interface.
func (b *Backend) CreateAddress(ctx context.Context, label string) (string, error) {
	if err := b.ready(ctx); err != nil {
		return "", err
	}
	account := b.cfg.Account
	if label != "" {
		account = label
	}
	addr, err := b.Client.GetNewAddress(account)
	if err != nil {
		return "", backend.ClassifyE("getnewaddress", err)
	}
	return addr.EncodeAddress(), nil
}

// GetTransaction implements the backend.Backend interface.
func (b *Backend) GetTransaction(ctx context.Context, txid string) (*backend.TxInfo, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, backend.ProtocolE(fmt.Sprintf(
			"txid %q is not a transaction hash", txid), err)
	}
	res, err := b.Client.GetTransaction(hash)
	if err != nil {
		return nil, backend.ClassifyE("gettransaction "+txid, err)
	}
	log.Tracef("Provider view of %s: %s", txid, newLogClosure(func() string {
		return spew.Sdump(res)
	}))
	return mapTransaction(res)
}

// GetBalances implements the backend.Backend interface.  Balances are
// summed over unspent outputs with at least one confirmation.
func (b *Backend) GetBalances(ctx context.Context, addresses []string) ([]backend.AddressBalance, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	decoded := make([]btcutil.Address, 0, len(addresses))
	for _, addr := range addresses {
		a, err := btcutil.DecodeAddress(addr, b.params)
		if err != nil {
			return nil, backend.ProtocolE(fmt.Sprintf(
				"address %q does not decode", addr), err)
		}
		decoded = append(decoded, a)
	}
	unspent, err := b.Client.ListUnspentMinMaxAddresses(1,
		listUnspentMaxConf, decoded)
	if err != nil {
		return nil, backend.ClassifyE("listunspent", err)
	}

	sums := make(map[string]coin.Amount, len(addresses))
	for _, u := range unspent {
		amount, err := toAmount(u.Amount)
		if err != nil {
			return nil, backend.ProtocolE(fmt.Sprintf(
				"unspent amount %v on %s", u.Amount, u.Address), err)
		}
		sums[u.Address] += amount
	}

	out := make([]backend.AddressBalance, 0, len(addresses))
	for _, addr := range addresses {
		out = append(out, backend.AddressBalance{
			Address: addr,
			Amount:  sums[addr],
		})
	}
	return out, nil
}

// GetBackendBalance implements the backend.Backend interface.
func (b *Backend) GetBackendBalance(ctx context.Context, confirmations int64) (coin.Amount, error) {
	if err := b.ready(ctx); err != nil {
		return 0, err
	}
	bal, err := b.Client.GetBalanceMinConf("*", int(confirmations))
	if err != nil {
		return 0, backend.ClassifyE("getbalance", err)
	}
	return coin.Amount(bal), nil
}

// Send implements the backend.Backend interface.  The fee is read back
// from the daemon's view of the accepted transaction; when that lookup
// fails the send still succeeds and the fee is reported as zero.
func (b *Backend) Send(ctx context.Context, outputs map[string]coin.Amount,
	label string) (string, coin.Amount, error) {

	if err := b.ready(ctx); err != nil {
		return "", 0, err
	}
	if len(outputs) == 0 {
		return "", 0, fmt.Errorf("empty output set")
	}
	amounts := make(map[btcutil.Address]btcutil.Amount, len(outputs))
	for addr, amount := range outputs {
		decoded, err := btcutil.DecodeAddress(addr, b.params)
		if err != nil {
			return "", 0, backend.ProtocolE(fmt.Sprintf(
				"destination %q does not decode", addr), err)
		}
		amounts[decoded] = btcutil.Amount(amount)
	}

	hash, err := b.Client.SendManyComment(b.cfg.Account, amounts, 1, label)
	if err != nil {
		return "", 0, backend.ClassifyE("sendmany", err)
	}
	txid := hash.String()

	res, err := b.Client.GetTransaction(hash)
	if err != nil {
		log.Warnf("Transaction %s was accepted but the fee lookup "+
			"failed, booking no fee: %v", txid, err)
		return txid, 0, nil
	}
	fee, err := toAmount(-res.Fee)
	if err != nil || fee < 0 {
		log.Warnf("Provider reports unusable fee %v for %s, booking "+
			"no fee", res.Fee, txid)
		fee = 0
	}
	return txid, fee, nil
}

// ListReceivedTransactions implements the backend.Backend interface.
// The daemon lists newest first; the cursor pages backward through
// history until a short page marks the end.
func (b *Backend) ListReceivedTransactions(ctx context.Context,
	batchSize int) (backend.ReceiveCursor, error) {

	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &receiveCursor{backend: b, count: batchSize}, nil
}

// RequireTrackingIncomingConfirmations implements the backend.Backend
// interface.  walletnotify fires on first sight and first confirmation
// only, so deeper confirmations must be polled.
func (b *Backend) RequireTrackingIncomingConfirmations() bool {
	return true
}

// MaxTrackedIncomingConfirmations implements the backend.Backend
// interface.
func (b *Backend) MaxTrackedIncomingConfirmations() int64 {
	return b.maxTracked
}

// CreateNotifier implements the backend.Backend interface.  bitcoind
// reaches the service through any of the generic transports: a
// walletnotify FIFO or curl hook, or the zmqpubhashtx socket.
func (b *Backend) CreateNotifier(cfg notify.Config, sink chan<- notify.TxID) (notify.Notifier, error) {
	return notify.New(cfg, sink)
}

type receiveCursor struct {
	backend *Backend
	count   int
	from    int
}

// Next implements the backend.ReceiveCursor interface.
func (c *receiveCursor) Next(ctx context.Context) ([]backend.ReceivedTx, bool, error) {
	if err := c.backend.ready(ctx); err != nil {
		return nil, false, err
	}
	page, err := c.backend.Client.ListTransactionsCountFrom("*",
		c.count, c.from)
	if err != nil {
		return nil, false, backend.ClassifyE("listtransactions", err)
	}
	c.from += len(page)
	return mapReceivedPage(page), len(page) < c.count, nil
}

// mapTransaction converts a gettransaction result to the neutral TxInfo
// shape.  Coinbase rewards count as receives once mature; immature and
// orphaned coinbase details are dropped.
func mapTransaction(res *btcjson.GetTransactionResult) (*backend.TxInfo, error) {
	info := &backend.TxInfo{
		TxID:          res.TxID,
		Confirmations: res.Confirmations,
		OnlyReceive:   true,
	}
	for _, d := range res.Details {
		var cat backend.Category
		switch d.Category {
		case "receive", "generate":
			cat = backend.CategoryReceive
		case "send":
			cat = backend.CategorySend
			info.OnlyReceive = false
		default:
			continue
		}
		amount, err := toAmount(d.Amount)
		if err != nil {
			return nil, backend.ProtocolE(fmt.Sprintf(
				"amount %v in %s", d.Amount, res.TxID), err)
		}
		info.Details = append(info.Details, backend.TxDetail{
			Category: cat,
			Address:  d.Address,
			Amount:   amount,
		})
	}
	return info, nil
}

// mapReceivedPage filters one listtransactions page down to receives.
func mapReceivedPage(page []btcjson.ListTransactionsResult) []backend.ReceivedTx {
	out := make([]backend.ReceivedTx, 0, len(page))
	for _, item := range page {
		if item.Category != "receive" && item.Category != "generate" {
			continue
		}
		out = append(out, backend.ReceivedTx{
			TxID:          item.TxID,
			Address:       item.Address,
			Confirmations: item.Confirmations,
		})
	}
	return out
}

// toAmount converts the daemon's major-unit float to the ledger's minor
// unit, rounding the way the daemon's own wallet does.
func toAmount(f float64) (coin.Amount, error) {
	a, err := btcutil.NewAmount(f)
	if err != nil {
		return 0, err
	}
	return coin.Amount(a), nil
}
