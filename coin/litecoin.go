// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package coin

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

// Litecoin's networks expressed as chaincfg parameter literals.  Only the
// address encoding fields matter to this service; consensus fields are left
// at their zero values because no code here validates litecoin blocks.
var litecoinMainNetParams = chaincfg.Params{
	Name:        "litecoin",
	Net:         wire.BitcoinNet(0xdbb6c0fb),
	DefaultPort: "9333",

	PubKeyHashAddrID:        0x30, // starts with L
	ScriptHashAddrID:        0x32, // starts with M
	PrivateKeyID:            0xb0, // starts with 6 (uncompressed) or T (compressed)
	WitnessPubKeyHashAddrID: 0x06,
	WitnessScriptHashAddrID: 0x0a,
	Bech32HRPSegwit:         "ltc",

	HDPrivateKeyID: [4]byte{0x04, 0x88, 0xad, 0xe4}, // starts with xprv
	HDPublicKeyID:  [4]byte{0x04, 0x88, 0xb2, 0x1e}, // starts with xpub
	HDCoinType:     2,
}

var litecoinTestNet4Params = chaincfg.Params{
	Name:        "litecoin-testnet4",
	Net:         wire.BitcoinNet(0xf1c8d2fd),
	DefaultPort: "19335",

	PubKeyHashAddrID:        0x6f, // starts with m or n
	ScriptHashAddrID:        0x3a, // starts with Q
	PrivateKeyID:            0xef, // starts with 9 (uncompressed) or c (compressed)
	WitnessPubKeyHashAddrID: 0x52,
	WitnessScriptHashAddrID: 0x31,
	Bech32HRPSegwit:         "tltc",

	HDPrivateKeyID: [4]byte{0x04, 0x35, 0x83, 0x94}, // starts with tprv
	HDPublicKeyID:  [4]byte{0x04, 0x35, 0x87, 0xcf}, // starts with tpub
	HDCoinType:     1,
}

func init() {
	// Register both networks with chaincfg so btcutil can recognize
	// litecoin base58 version bytes and bech32 prefixes when decoding.
	if err := chaincfg.Register(&litecoinMainNetParams); err != nil {
		panic(err)
	}
	if err := chaincfg.Register(&litecoinTestNet4Params); err != nil {
		panic(err)
	}
}
