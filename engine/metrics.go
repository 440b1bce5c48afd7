// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	depositsCredited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerd_deposits_credited_total",
		Help: "Number of deposit transactions credited to their account.",
	}, []string{"coin"})

	broadcastsSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerd_broadcasts_sent_total",
		Help: "Number of broadcast batches accepted by the backend.",
	}, []string{"coin"})

	broadcastsInterrupted = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ledgerd_broadcasts_interrupted",
		Help: "Number of broadcast batches stuck in the send window, " +
			"awaiting operator reconciliation.",
	}, []string{"coin"})

	scannerRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerd_scanner_recovered_total",
		Help: "Number of transactions the receive scanner fed back into " +
			"the ledger.",
	}, []string{"coin"})
)

func init() {
	prometheus.MustRegister(depositsCredited, broadcastsSent,
		broadcastsInterrupted, scannerRecovered)
}
