// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coin

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcutil"
)

// ChainValidator returns an AddressValidator that decodes addresses against
// the given chain parameters.  An address is accepted when btcutil can decode
// it and it was encoded for the selected network.
func ChainValidator(mainnet, testnet *chaincfg.Params) AddressValidator {
	return func(address string, useTestnet bool) bool {
		params := mainnet
		if useTestnet {
			params = testnet
		}
		if params == nil {
			return false
		}
		addr, err := btcutil.DecodeAddress(address, params)
		if err != nil {
			log.Debugf("Address %q failed to decode: %v", address, err)
			return false
		}
		return addr.IsForNet(params)
	}
}

// PermissiveValidator accepts every non-empty address string.  It backs the
// pseudo coin and any hosted backend whose provider performs its own
// validation server side.
func PermissiveValidator(address string, testnet bool) bool {
	return address != ""
}
