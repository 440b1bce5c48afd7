// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package conflict

import "github.com/prometheus/client_golang/prometheus"

// Counters for the four observable outcomes of managed transactions.  They
// are process wide: the resolver is the single gate every ledger mutation
// passes through, so per-instance counters would only ever be summed anyway.
var (
	successTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgerd_conflict_success_total",
		Help: "Managed transactions that committed.",
	})
	retriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgerd_conflict_retries_total",
		Help: "Serialization conflicts that were retried.",
	})
	errorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgerd_conflict_errors_total",
		Help: "Managed transactions that failed with a non-conflict error.",
	})
	unresolvedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledgerd_conflict_unresolved_total",
		Help: "Managed transactions abandoned after exhausting retries.",
	})
)

func init() {
	prometheus.MustRegister(
		successTotal, retriesTotal, errorsTotal, unresolvedTotal,
	)
}
