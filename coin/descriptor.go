// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coin

import (
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"
)

// AddressValidator reports whether an address string is well formed for the
// coin.  The ledger stores addresses as opaque strings and consults the
// validator only when an address first enters the system as an outbound
// destination.
type AddressValidator func(address string, testnet bool) bool

// Descriptor names a supported coin and carries everything per-coin code
// needs that cannot be derived from configuration: the fixed decimal scale
// of the minor unit, the chain parameters for both networks, and the
// address validator.  Descriptors are registered once at init time and
// treated as immutable afterwards.
type Descriptor struct {
	// Name is the registry key.  Configuration sections and ledger rows
	// reference coins by this name.
	Name string

	// Unit is the display name of the coin's major unit, e.g. "BTC".
	Unit string

	// Scale is the number of fractional digits between the major unit and
	// the minor unit the ledger accounts in.  Bitcoin-family coins use 8.
	Scale uint8

	// ChainParams and TestnetParams describe the main and test networks.
	// They may be nil for coins without a chaincfg representation (the
	// pseudo coin used by tests).
	ChainParams   *chaincfg.Params
	TestnetParams *chaincfg.Params

	// Validator checks outbound destination addresses.
	Validator AddressValidator
}

// Params returns the chain parameters for the requested network.
func (d *Descriptor) Params(testnet bool) *chaincfg.Params {
	if testnet {
		return d.TestnetParams
	}
	return d.ChainParams
}

// FormatAmount renders a minor-unit amount at this coin's scale.
func (d *Descriptor) FormatAmount(a Amount) string {
	return FormatAmount(a, d.Scale)
}

// ParseAmount parses a fixed-scale decimal string at this coin's scale.
func (d *Descriptor) ParseAmount(s string) (Amount, error) {
	return ParseAmount(s, d.Scale)
}

// ValidAddress runs the descriptor's validator, treating a missing validator
// as rejecting everything so a misregistered coin cannot send.
func (d *Descriptor) ValidAddress(address string, testnet bool) bool {
	if d.Validator == nil {
		return false
	}
	return d.Validator(address, testnet)
}

var (
	registryMtx sync.RWMutex
	registry    = make(map[string]*Descriptor)
)

// Register adds the descriptor to the coin registry.  Registering a name
// twice is an error so a typo in third-party registration code cannot
// silently shadow a built-in coin.
func Register(d *Descriptor) error {
	registryMtx.Lock()
	defer registryMtx.Unlock()
	if _, ok := registry[d.Name]; ok {
		return fmt.Errorf("coin %q is already registered", d.Name)
	}
	registry[d.Name] = d
	return nil
}

// mustRegister performs the same function as Register except it panics on
// failure.  It is only used for the built-in descriptors below.
func mustRegister(d *Descriptor) {
	if err := Register(d); err != nil {
		panic(fmt.Sprintf("failed to register coin: %v", err))
	}
}

// ByName returns the descriptor registered under name.
func ByName(name string) (*Descriptor, bool) {
	registryMtx.RLock()
	defer registryMtx.RUnlock()
	d, ok := registry[name]
	return d, ok
}

// Names returns the sorted names of every registered coin.
func Names() []string {
	registryMtx.RLock()
	defer registryMtx.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	mustRegister(&Descriptor{
		Name:          "bitcoin",
		Unit:          "BTC",
		Scale:         8,
		ChainParams:   &chaincfg.MainNetParams,
		TestnetParams: &chaincfg.TestNet3Params,
		Validator:     ChainValidator(&chaincfg.MainNetParams, &chaincfg.TestNet3Params),
	})
	mustRegister(&Descriptor{
		Name:          "litecoin",
		Unit:          "LTC",
		Scale:         8,
		ChainParams:   &litecoinMainNetParams,
		TestnetParams: &litecoinTestNet4Params,
		Validator:     ChainValidator(&litecoinMainNetParams, &litecoinTestNet4Params),
	})

	// The pseudo coin backs tests and the mock backend the same way simnet
	// backs the reference chain daemons: always registered, never valuable.
	mustRegister(&Descriptor{
		Name:      "pseudo",
		Unit:      "PSU",
		Scale:     8,
		Validator: PermissiveValidator,
	})
}
