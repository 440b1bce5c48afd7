// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package notify implements the incoming-notification transports.  Each
// transport watches one external signal source (a named pipe, an HTTP
// hook, a ZMQ subscription) and forwards the transaction ids it
// observes into a channel.  Transports carry no ledger knowledge; the
// consumer attached to the channel decides what a txid means.
package notify

import (
	"fmt"
	"time"
)

// TxID is a transaction id as received from a notification transport.
// It is forwarded verbatim; validation happens when the ledger looks
// the transaction up on the backend.
type TxID string

// Transport kinds accepted by New.  Backend packages may implement
// additional kinds (the hosted wallet adapter adds its websocket and
// webhook transports) behind the same Notifier interface.
const (
	KindPipe     = "pipe"
	KindHTTPHook = "httphook"
	KindZMQ      = "zmq"
)

// DefaultZMQReadDeadline bounds a single blocking receive so that Stop
// is observed promptly even when the publisher is silent.
const DefaultZMQReadDeadline = 5 * time.Second

// Config selects and parameterizes a notification transport.  Only the
// fields relevant to the configured Kind are consulted.
type Config struct {
	// Kind names the transport.
	Kind string

	// Path is the filesystem path of the FIFO for the pipe transport.
	Path string

	// Bind is the listen address for the HTTP hook transport, for
	// example 127.0.0.1:8331.
	Bind string

	// Addr is the publisher endpoint for the ZMQ transport, for example
	// tcp://127.0.0.1:28332.
	Addr string

	// Topic is the ZMQ subscription topic, typically hashtx.
	Topic string

	// Timeout is the ZMQ receive deadline.  Zero selects
	// DefaultZMQReadDeadline.
	Timeout time.Duration
}

// Notifier is a running notification transport.  Run blocks until Stop
// is called or the transport fails fatally; it is designed to be
// supervised like any other service worker.  Stop is idempotent and
// safe to call from another goroutine.
type Notifier interface {
	Name() string
	Run() error
	Stop()
}

// New constructs the generic transport named by cfg.Kind, emitting
// observed txids into sink.  The caller owns the channel and is
// expected to drain it; a transport publishing into a full channel
// blocks until the consumer catches up or the transport is stopped.
func New(cfg Config, sink chan<- TxID) (Notifier, error) {
	switch cfg.Kind {
	case KindPipe:
		return newPipeNotifier(cfg.Path, sink)
	case KindHTTPHook:
		return newHTTPHookNotifier(cfg.Bind, sink)
	case KindZMQ:
		return newZMQNotifier(cfg.Addr, cfg.Topic, cfg.Timeout, sink)
	default:
		return nil, fmt.Errorf("unknown notifier kind %q", cfg.Kind)
	}
}
