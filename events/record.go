// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package events

import (
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TxUpdate is the name of the event emitted whenever a committed ledger
// change touched a tracked transaction: a deposit was observed, its
// confirmation count rose, it was credited, or a withdrawal batch was
// broadcast or confirmed further.
const TxUpdate = "txupdate"

// Record is one event as delivered to sinks.  The amount travels as a
// fixed-scale decimal string in the coin's major unit so that consumers
// in any language can parse it without float precision loss.  Credited
// is nil for broadcast events, where crediting has no meaning.
type Record struct {
	Event              string    `json:"event"`
	CoinName           string    `json:"coin_name"`
	NetworkTransaction int64     `json:"network_transaction"`
	Transaction        int64     `json:"transaction"`
	TransactionType    string    `json:"transaction_type"`
	TxID               string    `json:"txid"`
	Account            int64     `json:"account"`
	Address            string    `json:"address"`
	Amount             string    `json:"amount"`
	Confirmations      int64     `json:"confirmations"`
	Credited           *bool     `json:"credited"`
	Time               time.Time `json:"time"`
}

// Encode renders the record as JSON.
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// Env renders the record as LEDGERD_EVENT_* environment variable pairs
// for the subprocess sink.  The full JSON encoding rides along in
// LEDGERD_EVENT_JSON for consumers that prefer parsing one value.
func (r *Record) Env() ([]string, error) {
	body, err := r.Encode()
	if err != nil {
		return nil, err
	}
	credited := ""
	if r.Credited != nil {
		credited = fmt.Sprintf("%v", *r.Credited)
	}
	return []string{
		"LEDGERD_EVENT_NAME=" + r.Event,
		"LEDGERD_EVENT_COIN_NAME=" + r.CoinName,
		fmt.Sprintf("LEDGERD_EVENT_NETWORK_TRANSACTION=%d", r.NetworkTransaction),
		fmt.Sprintf("LEDGERD_EVENT_TRANSACTION=%d", r.Transaction),
		"LEDGERD_EVENT_TRANSACTION_TYPE=" + r.TransactionType,
		"LEDGERD_EVENT_TXID=" + r.TxID,
		fmt.Sprintf("LEDGERD_EVENT_ACCOUNT=%d", r.Account),
		"LEDGERD_EVENT_ADDRESS=" + r.Address,
		"LEDGERD_EVENT_AMOUNT=" + r.Amount,
		fmt.Sprintf("LEDGERD_EVENT_CONFIRMATIONS=%d", r.Confirmations),
		"LEDGERD_EVENT_CREDITED=" + credited,
		"LEDGERD_EVENT_JSON=" + string(body),
	}, nil
}
