// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package hostedapi adapts a hosted wallet provider's REST interface to
// the backend interface.  The provider custodies the keys and exposes
// an HTTP API plus push notifications; this package wraps the API
// behind a rate-limited retrying client and translates the provider's
// fixed-point decimal strings into ledger minor units.  Hosted feeds
// enumerate incoming movements only, so transactions surface with
// OnlyReceive set and the engine skips send-side cross-checks.
package hostedapi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coinledger/ledgerd/backend"
	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/notify"
	"github.com/davecgh/go-spew/spew"
)

const (
	// DefaultMaxTrackedConfirmations is how deep a transaction must
	// confirm before the engine stops revisiting it, unless the
	// configuration overrides it.
	DefaultMaxTrackedConfirmations = 6

	// defaultPageSize is the listing page size when the caller does not
	// pick one.
	defaultPageSize = 25
)

// Notifier kinds implemented by this adapter, accepted by
// CreateNotifier in addition to the generic notify kinds.
const (
	// KindWebsocket subscribes to the provider's websocket feed.
	KindWebsocket = "websocket"

	// KindWebhook listens for signed HTTP deliveries from the provider.
	KindWebhook = "webhook"
)

// Config describes one hosted wallet account.
type Config struct {
	// Coin selects the amount scale and the display unit.  Chain
	// parameters are not required: the provider validates addresses on
	// its side, and amounts ride as decimal strings rather than floats.
	Coin *coin.Descriptor

	// Testnet selects which network the provider account must be on.
	Testnet bool

	// URL is the base of the provider's REST API, for example
	// https://hosted.example/api/v2.
	URL string

	// APIKey authenticates every call.  The key identifies both the
	// account and the coin network on the provider side.
	APIKey string

	// SocksProxy optionally routes API traffic through a SOCKS5 proxy
	// at host:port.
	SocksProxy string

	// RequestsPerSecond caps the call rate against the provider.  Zero
	// selects a conservative default.
	RequestsPerSecond float64

	// Retries is how often a call is repeated on connection failures.
	// Zero selects the default.
	Retries int

	// WebsocketURL is the provider's push feed endpoint for the
	// websocket notifier, for example wss://hosted.example/feed.
	WebsocketURL string

	// WebhookSecret is the shared key the provider signs webhook
	// deliveries with.
	WebhookSecret string

	// MaxTracked overrides DefaultMaxTrackedConfirmations when
	// positive.
	MaxTracked int64
}

// Backend is a client for one hosted wallet account.
type Backend struct {
	cfg        *Config
	client     *client
	netCode    string
	maxTracked int64

	quit    chan struct{}
	started bool
	quitMtx sync.Mutex
}

var _ backend.Backend = (*Backend)(nil)

// New creates a client for the hosted account described by cfg.  The
// account is not verified until Start.
func New(cfg *Config) (*Backend, error) {
	if cfg.Coin == nil {
		return nil, backend.ConfigE("hostedapi requires a coin", nil)
	}
	cl, err := newClient(cfg.URL, cfg.APIKey, cfg.SocksProxy,
		cfg.RequestsPerSecond, cfg.Retries)
	if err != nil {
		return nil, err
	}
	maxTracked := cfg.MaxTracked
	if maxTracked <= 0 {
		maxTracked = DefaultMaxTrackedConfirmations
	}
	return &Backend{
		cfg:        cfg,
		client:     cl,
		netCode:    networkCode(cfg.Coin, cfg.Testnet),
		maxTracked: maxTracked,
		quit:       make(chan struct{}),
	}, nil
}

// networkCode is the provider's name for a coin network: the upper-case
// unit, with TEST appended on test networks.
func networkCode(desc *coin.Descriptor, testnet bool) string {
	code := strings.ToUpper(desc.Unit)
	if testnet {
		code += "TEST"
	}
	return code
}

// Name implements the backend.Backend interface.
func (b *Backend) Name() string {
	return "hosted wallet (" + b.cfg.Coin.Name + ")"
}

// Start verifies that the API key is accepted and that the account sits
// on the expected network.
func (b *Backend) Start() error {
	var data walletBalanceData
	err := b.client.get(context.Background(), "get_balance", nil, &data)
	if err != nil {
		return err
	}
	if data.Network != "" && !strings.EqualFold(data.Network, b.netCode) {
		return backend.ConfigE(fmt.Sprintf(
			"provider account is on network %s but %s is configured with testnet=%v",
			data.Network, b.cfg.Coin.Name, b.cfg.Testnet), nil)
	}

	b.quitMtx.Lock()
	b.started = true
	b.quitMtx.Unlock()

	log.Infof("Connected to %s for %s; wallet balance %s %s",
		b.client.base.Host, b.netCode, data.Available, b.cfg.Coin.Unit)
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
	}
	b.quitMtx.Unlock()
}

// WaitForShutdown blocks until resources are released.  The adapter
// spawns no goroutines of its own; only idle connections remain to be
// dropped.
func (b *Backend) WaitForShutdown() {
	b.client.close()
}

// ready rejects calls after Stop and honors caller cancellation.
func (b *Backend) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-b.quit:
		return fmt.Errorf("hosted API client is stopped")
	default:
		return nil
	}
}

// CreateAddress implements the backend.Backend interface.
func (b *Backend) CreateAddress(ctx context.Context, label string) (string, error) {
	if err := b.ready(ctx); err != nil {
		return "", err
	}
	query := url.Values{}
	if label != "" {
		query.Set("label", label)
	}
	var data addressData
	if err := b.client.get(ctx, "get_new_address", query, &data); err != nil {
		return "", err
	}
	if data.Address == "" {
		return "", backend.ProtocolE("provider returned no address", nil)
	}
	return data.Address, nil
}

// GetTransaction implements the backend.Backend interface.
func (b *Backend) GetTransaction(ctx context.Context, txid string) (*backend.TxInfo, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	var data txData
	err := b.client.get(ctx, "get_transaction",
		url.Values{"txid": {txid}}, &data)
	if err != nil {
		return nil, err
	}
	log.Tracef("Provider view of %s: %s", txid, newLogClosure(func() string {
		return spew.Sdump(data)
	}))
	return b.mapTransaction(txid, &data)
}

// GetBalances implements the backend.Backend interface.
func (b *Backend) GetBalances(ctx context.Context, addresses []string) ([]backend.AddressBalance, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return nil, nil
	}
	var data addressBalancesData
	err := b.client.get(ctx, "get_address_balance",
		url.Values{"addresses": {strings.Join(addresses, ",")}}, &data)
	if err != nil {
		return nil, err
	}

	byAddress := make(map[string]coin.Amount, len(data.Balances))
	for _, entry := range data.Balances {
		amount, err := b.cfg.Coin.ParseAmount(entry.Available)
		if err != nil {
			return nil, backend.ProtocolE(fmt.Sprintf(
				"balance %q of %s does not parse",
				entry.Available, entry.Address), err)
		}
		byAddress[entry.Address] += amount
	}

	// Answer in input order, reporting zero for addresses the provider
	// did not mention.
	balances := make([]backend.AddressBalance, len(addresses))
	for i, addr := range addresses {
		balances[i] = backend.AddressBalance{
			Address: addr,
			Amount:  byAddress[addr],
		}
	}
	return balances, nil
}

// GetBackendBalance implements the backend.Backend interface.
func (b *Backend) GetBackendBalance(ctx context.Context, confirmations int64) (coin.Amount, error) {
	if err := b.ready(ctx); err != nil {
		return 0, err
	}
	var data walletBalanceData
	err := b.client.get(ctx, "get_balance", url.Values{
		"min_confirmations": {strconv.FormatInt(confirmations, 10)},
	}, &data)
	if err != nil {
		return 0, err
	}
	amount, err := b.cfg.Coin.ParseAmount(data.Available)
	if err != nil {
		return 0, backend.ProtocolE(fmt.Sprintf(
			"wallet balance %q does not parse", data.Available), err)
	}
	return amount, nil
}

// Send implements the backend.Backend interface.  The provider signs
// and broadcasts; one withdraw call carries the whole batch.
func (b *Backend) Send(ctx context.Context, outputs map[string]coin.Amount, label string) (string, coin.Amount, error) {
	if err := b.ready(ctx); err != nil {
		return "", 0, err
	}
	req := withdrawRequest{
		Outputs: make(map[string]string, len(outputs)),
		Label:   label,
	}
	for addr, amount := range outputs {
		req.Outputs[addr] = b.cfg.Coin.FormatAmount(amount)
	}

	var data withdrawData
	if err := b.client.post(ctx, "withdraw", &req, &data); err != nil {
		return "", 0, err
	}
	if data.TxID == "" {
		return "", 0, backend.ProtocolE(
			"provider accepted the withdrawal but returned no txid", nil)
	}
	if data.NetworkFee == "" {
		return data.TxID, 0, nil
	}
	fee, err := b.cfg.Coin.ParseAmount(data.NetworkFee)
	if err != nil {
		// The withdrawal is on the network; a garbled fee string must
		// not turn it into a failure.
		log.Warnf("Network fee %q of withdrawal %s does not parse: %v",
			data.NetworkFee, data.TxID, err)
		return data.TxID, 0, nil
	}
	return data.TxID, fee, nil
}

// ListReceivedTransactions implements the backend.Backend interface.
// The provider lists newest first; the cursor follows its before-txid
// paging down the history.
func (b *Backend) ListReceivedTransactions(ctx context.Context, batchSize int) (backend.ReceiveCursor, error) {
	if err := b.ready(ctx); err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = defaultPageSize
	}
	return &receiveCursor{backend: b, limit: batchSize}, nil
}

// RequireTrackingIncomingConfirmations implements the backend.Backend
// interface.  The provider pushes a notification on every confirmation
// change, so the engine does not need to poll.
func (b *Backend) RequireTrackingIncomingConfirmations() bool {
	return false
}

// MaxTrackedIncomingConfirmations implements the backend.Backend
// interface.
func (b *Backend) MaxTrackedIncomingConfirmations() int64 {
	return b.maxTracked
}

// CreateNotifier implements the backend.Backend interface.  Besides the
// generic transports this adapter understands the provider's websocket
// feed and signed webhook deliveries.
func (b *Backend) CreateNotifier(cfg notify.Config, sink chan<- notify.TxID) (notify.Notifier, error) {
	switch cfg.Kind {
	case KindWebsocket:
		wsURL := cfg.Addr
		if wsURL == "" {
			wsURL = b.cfg.WebsocketURL
		}
		return newWebsocketNotifier(b.cfg.Coin.Name, wsURL, b.cfg.APIKey, sink)
	case KindWebhook:
		return newWebhookNotifier(b.cfg.Coin.Name, cfg.Bind,
			b.cfg.WebhookSecret, sink)
	default:
		return notify.New(cfg, sink)
	}
}

// mapTransaction converts a provider transaction into the engine's
// view.  Hosted feeds are receive only.
func (b *Backend) mapTransaction(requested string, data *txData) (*backend.TxInfo, error) {
	txid := data.TxID
	if txid == "" {
		txid = requested
	}
	info := &backend.TxInfo{
		TxID:          txid,
		Confirmations: data.Confirmations,
		OnlyReceive:   true,
	}
	for _, recv := range data.AmountsReceived {
		amount, err := b.cfg.Coin.ParseAmount(recv.Amount)
		if err != nil {
			return nil, backend.ProtocolE(fmt.Sprintf(
				"amount %q received by %s does not parse",
				recv.Amount, recv.Recipient), err)
		}
		info.Details = append(info.Details, backend.TxDetail{
			Category: backend.CategoryReceive,
			Address:  recv.Recipient,
			Amount:   amount,
		})
	}
	return info, nil
}

// Endpoint data payloads.  Amounts are fixed-point decimal strings at
// the coin's scale.

type addressData struct {
	Address string `json:"address"`
	Label   string `json:"label"`
}

type amountReceived struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type txData struct {
	TxID            string           `json:"txid"`
	Confirmations   int64            `json:"confirmations"`
	AmountsReceived []amountReceived `json:"amounts_received"`
}

type txPageData struct {
	Txs []txData `json:"txs"`
}

type addressBalancesData struct {
	Balances []struct {
		Address   string `json:"address"`
		Available string `json:"available_balance"`
	} `json:"balances"`
}

type walletBalanceData struct {
	Network   string `json:"network"`
	Available string `json:"available_balance"`
}

type withdrawRequest struct {
	Outputs map[string]string `json:"outputs"`
	Label   string            `json:"label,omitempty"`
}

type withdrawData struct {
	TxID       string `json:"txid"`
	NetworkFee string `json:"network_fee"`
}

// receiveCursor pages through the provider's received-transaction
// history, newest first, passing the oldest txid of each page as the
// before anchor of the next.
type receiveCursor struct {
	backend *Backend
	limit   int
	before  string
	done    bool
}

// Next implements the backend.ReceiveCursor interface.
func (c *receiveCursor) Next(ctx context.Context) ([]backend.ReceivedTx, bool, error) {
	if c.done {
		return nil, true, nil
	}
	query := url.Values{
		"type":  {"received"},
		"limit": {strconv.Itoa(c.limit)},
	}
	if c.before != "" {
		query.Set("before_txid", c.before)
	}
	var page txPageData
	if err := c.backend.client.get(ctx, "get_transactions", query, &page); err != nil {
		return nil, false, err
	}
	if len(page.Txs) == 0 {
		c.done = true
		return nil, true, nil
	}
	c.before = page.Txs[len(page.Txs)-1].TxID
	c.done = len(page.Txs) < c.limit

	batch := make([]backend.ReceivedTx, 0, len(page.Txs))
	for _, tx := range page.Txs {
		for _, recv := range tx.AmountsReceived {
			batch = append(batch, backend.ReceivedTx{
				TxID:          tx.TxID,
				Address:       recv.Recipient,
				Confirmations: tx.Confirmations,
			})
		}
	}
	return batch, c.done, nil
}
