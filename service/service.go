// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package service assembles the per-coin runtime (backend, engine
// workers, notification transports) from configuration and supervises
// it.  One Service owns one database and any number of coins; a
// critical worker dying takes the whole service down so the operator's
// process supervisor can restart it in a known state.
package service

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coinledger/ledgerd/backend"
	"github.com/coinledger/ledgerd/backend/bitcoindrpc"
	"github.com/coinledger/ledgerd/backend/hostedapi"
	"github.com/coinledger/ledgerd/backend/mock"
	"github.com/coinledger/ledgerd/coin"
	"github.com/coinledger/ledgerd/conflict"
	"github.com/coinledger/ledgerd/engine"
	"github.com/coinledger/ledgerd/events"
	"github.com/coinledger/ledgerd/ledger"
	"github.com/coinledger/ledgerd/notify"
	jsoniter "github.com/json-iterator/go"
	"github.com/lightningnetwork/lnd/ticker"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	// DefaultBroadcastPeriod is the default cadence of the broadcaster.
	DefaultBroadcastPeriod = 10 * time.Second

	// DefaultConfirmPollPeriod is the default cadence of the
	// confirmation poller.
	DefaultConfirmPollPeriod = time.Minute

	// notifySinkDepth bounds each coin's notification channel.  A
	// transport publishing into a full channel blocks until the
	// consumer catches up, which is the intended backpressure.
	notifySinkDepth = 128
)

// Backend kinds understood by the configuration.
const (
	BackendBitcoind = "bitcoind"
	BackendHosted   = "hosted"
	BackendMock     = "mock"
)

// CoinConfig describes one coin's runtime.
type CoinConfig struct {
	// Coin is the registered descriptor.
	Coin *coin.Descriptor

	// Testnet selects the network for the backend and for outbound
	// address validation.
	Testnet bool

	// Backend picks the adapter kind; the matching section below must
	// be populated.  Coin and Testnet are stamped into the section, so
	// sections cannot disagree with the coin they serve.
	Backend  string
	Bitcoind *bitcoindrpc.Config
	Hosted   *hostedapi.Config

	// Instance short-circuits adapter construction with a pre-built
	// backend.  Tests use it to inject scripted mocks.
	Instance backend.Backend

	// Notifiers configures the incoming-notification transports.
	Notifiers []notify.Config

	// ConfirmationThreshold is the confirmation count at which deposits
	// are credited.
	ConfirmationThreshold int64

	// ScanBatchSize sizes receive-scanner pages.  Zero selects the
	// engine default.
	ScanBatchSize int
}

// Config describes a service instance.
type Config struct {
	// DBURL names the ledger database, postgres:// or sqlite://.
	DBURL string

	// TxRetries is how often a conflicted ledger transaction is re-run.
	// Values below zero select the conflict package default.
	TxRetries int

	// BroadcastPeriod and ConfirmPollPeriod set the scheduler cadences.
	// Zero selects the defaults.
	BroadcastPeriod   time.Duration
	ConfirmPollPeriod time.Duration

	// Coins enumerates the serviced coins.
	Coins []*CoinConfig

	// Registry receives txupdate events.  May be nil, in which case
	// events are dropped.  The service owns starting and stopping it.
	Registry *events.Registry

	// StatusAddr serves /healthz, /metrics, and pprof when non-empty.
	StatusAddr string

	// StatsVizAddr serves the runtime visualizer when non-empty.
	StatsVizAddr string
}

// coinRuntime binds one coin's backend and workers.
type coinRuntime struct {
	cfg     *CoinConfig
	backend backend.Backend
	sink    chan notify.TxID
	updater *engine.Updater

	// workers in launch order: scan task, broadcaster, poller,
	// notifiers, consumer.
	workers []worker
}

// Service is an assembled, supervisable instance.
type Service struct {
	cfg     *Config
	db      *conflict.DB
	sup     *supervisor
	coins   []*coinRuntime
	status  []*statusServer
	started []backend.Backend

	quit     chan struct{}
	stopOnce sync.Once
}

// New builds the full runtime: database handle, one backend and one
// worker set per coin, and the status servers.  Everything that can
// fail from configuration alone fails here; provider connections are
// not attempted until Run.
func New(cfg *Config) (*Service, error) {
	if len(cfg.Coins) == 0 {
		return nil, fmt.Errorf("no coins configured")
	}
	if cfg.BroadcastPeriod <= 0 {
		cfg.BroadcastPeriod = DefaultBroadcastPeriod
	}
	if cfg.ConfirmPollPeriod <= 0 {
		cfg.ConfirmPollPeriod = DefaultConfirmPollPeriod
	}

	db, err := conflict.Open(cfg.DBURL, cfg.TxRetries)
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	s := &Service{
		cfg:  cfg,
		db:   db,
		sup:  newSupervisor(),
		quit: make(chan struct{}),
	}

	seen := make(map[string]bool, len(cfg.Coins))
	for _, cc := range cfg.Coins {
		if cc.Coin == nil {
			db.Close()
			return nil, fmt.Errorf("coin section without a registered coin")
		}
		if seen[cc.Coin.Name] {
			db.Close()
			return nil, fmt.Errorf("coin %s configured twice", cc.Coin.Name)
		}
		seen[cc.Coin.Name] = true

		rt, err := s.buildCoin(cc)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("coin %s: %w", cc.Coin.Name, err)
		}
		s.coins = append(s.coins, rt)
	}

	if cfg.StatusAddr != "" {
		srv, err := newStatusServer("status", cfg.StatusAddr,
			statusMux(s.handleHealth))
		if err != nil {
			db.Close()
			return nil, err
		}
		s.status = append(s.status, srv)
	}
	if cfg.StatsVizAddr != "" {
		srv, err := newStatusServer("statsviz", cfg.StatsVizAddr,
			statsVizMux())
		if err != nil {
			db.Close()
			return nil, err
		}
		s.status = append(s.status, srv)
	}
	return s, nil
}

// buildCoin assembles one coin's backend, engine workers, transports,
// and consumer.
func (s *Service) buildCoin(cc *CoinConfig) (*coinRuntime, error) {
	if cc.ConfirmationThreshold <= 0 {
		return nil, fmt.Errorf("confirmation threshold must be positive")
	}
	bk, err := BuildBackend(cc)
	if err != nil {
		return nil, err
	}

	rt := &coinRuntime{
		cfg:     cc,
		backend: bk,
		sink:    make(chan notify.TxID, notifySinkDepth),
	}
	rt.updater = engine.NewUpdater(s.db, cc.Coin, bk, s.cfg.Registry,
		cc.ConfirmationThreshold, nil)

	scanner := engine.NewScanner(s.db, cc.Coin, bk, rt.updater, nil,
		cc.ScanBatchSize)
	broadcaster := engine.NewBroadcaster(s.db, cc.Coin, bk, rt.updater,
		ticker.New(s.cfg.BroadcastPeriod), nil)
	poller := engine.NewPoller(s.db, cc.Coin, bk, rt.updater,
		ticker.New(s.cfg.ConfirmPollPeriod), nil)

	rt.workers = append(rt.workers, newScanTask(scanner), broadcaster, poller)

	for _, ncfg := range cc.Notifiers {
		n, err := bk.CreateNotifier(ncfg, rt.sink)
		if err != nil {
			return nil, fmt.Errorf("notifier %s: %w", ncfg.Kind, err)
		}
		rt.workers = append(rt.workers, n)
	}
	rt.workers = append(rt.workers,
		notify.NewConsumer(cc.Coin.Name, rt.sink, rt.updater))
	return rt, nil
}

// BuildBackend is the one place a backend kind becomes an adapter.  The
// coin and network of the owning section are stamped into the adapter
// config so they cannot disagree.  The CLI uses it directly for
// one-shot operations that need a backend without the worker set.
func BuildBackend(cc *CoinConfig) (backend.Backend, error) {
	if cc.Instance != nil {
		return cc.Instance, nil
	}
	switch cc.Backend {
	case BackendBitcoind:
		if cc.Bitcoind == nil {
			return nil, fmt.Errorf("backend %s needs its config section",
				cc.Backend)
		}
		bcfg := *cc.Bitcoind
		bcfg.Coin = cc.Coin
		bcfg.Testnet = cc.Testnet
		return bitcoindrpc.New(&bcfg)
	case BackendHosted:
		if cc.Hosted == nil {
			return nil, fmt.Errorf("backend %s needs its config section",
				cc.Backend)
		}
		hcfg := *cc.Hosted
		hcfg.Coin = cc.Coin
		hcfg.Testnet = cc.Testnet
		return hostedapi.New(&hcfg)
	case BackendMock:
		return mock.New(cc.Coin.Name), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cc.Backend)
	}
}

// Backend returns the backend serving the named coin.  The CLI uses it
// to run one-shot operations against the assembled runtime.
func (s *Service) Backend(coinName string) (backend.Backend, bool) {
	for _, rt := range s.coins {
		if rt.cfg.Coin.Name == coinName {
			return rt.backend, true
		}
	}
	return nil, false
}

// DB returns the service's database handle.
func (s *Service) DB() *conflict.DB {
	return s.db
}

// Run brings the service up and blocks until Stop is called or a
// critical worker dies.  A non-nil return means the shutdown was
// unclean and the process should exit with a failure status.
func (s *Service) Run() error {
	ctx := context.Background()
	if err := ledger.EnsureSchema(ctx, s.db); err != nil {
		s.db.Close()
		return fmt.Errorf("preparing ledger schema: %w", err)
	}

	if s.cfg.Registry != nil {
		s.cfg.Registry.Start()
	}

	for _, rt := range s.coins {
		log.Infof("Starting %s", rt.backend.Name())
		if err := rt.backend.Start(); err != nil {
			s.teardown()
			return fmt.Errorf("starting %s: %w", rt.backend.Name(), err)
		}
		s.started = append(s.started, rt.backend)
	}

	for _, rt := range s.coins {
		for _, w := range rt.workers {
			s.sup.launch(w)
		}
	}
	for _, srv := range s.status {
		s.sup.launch(srv)
	}
	log.Infof("Service running with %d coin(s)", len(s.coins))

	select {
	case f := <-s.sup.failed:
		log.Criticalf("Worker %s failed: %v", f.name, f.err)
		s.shutdown()
		return fmt.Errorf("worker %s: %w", f.name, f.err)
	case <-s.quit:
		s.shutdown()
		return nil
	}
}

// Stop requests a graceful shutdown of a running service.  It is safe
// to call from signal handlers and from any goroutine.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.quit)
	})
}

// shutdown unwinds everything Run brought up, in reverse start order.
func (s *Service) shutdown() {
	log.Infof("Service shutting down")
	s.sup.stopAll()
	s.teardown()
	log.Infof("Service stopped")
}

// teardown releases the resources New and Run acquired: started
// backends, the event registry, the database.
func (s *Service) teardown() {
	for i := len(s.started) - 1; i >= 0; i-- {
		s.started[i].Stop()
	}
	for i := len(s.started) - 1; i >= 0; i-- {
		s.started[i].WaitForShutdown()
	}
	s.started = nil

	if s.cfg.Registry != nil {
		s.cfg.Registry.Stop()
	}
	if err := s.db.Close(); err != nil {
		log.Errorf("Closing ledger database: %v", err)
	}
}

// handleHealth reports database reachability and per-worker state.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	type health struct {
		Status   string            `json:"status"`
		Database string            `json:"database"`
		Workers  map[string]string `json:"workers"`
	}
	h := health{Status: "ok", Database: "ok", Workers: s.sup.snapshot()}
	if err := s.db.PingContext(ctx); err != nil {
		h.Status = "degraded"
		h.Database = err.Error()
	}
	for _, state := range h.Workers {
		if state == stateFailed {
			h.Status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if h.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(&h); err != nil {
		log.Debugf("Writing health response: %v", err)
	}
}
