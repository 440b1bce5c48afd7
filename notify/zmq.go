// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package notify

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightninglabs/gozmq"
)

// ZMQNotifier subscribes to a ZMQ publisher and treats each message
// payload as one transaction id.  bitcoind's hashtx topic publishes the
// raw 32-byte hash; other publishers send the id as text.  Both forms
// are accepted.
type ZMQNotifier struct {
	addr  string
	topic string
	conn  *gozmq.Conn
	sink  chan<- TxID

	quit     chan struct{}
	stopOnce sync.Once
}

func newZMQNotifier(addr, topic string, timeout time.Duration,
	sink chan<- TxID) (*ZMQNotifier, error) {

	if addr == "" {
		return nil, errors.New("zmq notifier requires a publisher address")
	}
	if topic == "" {
		topic = "hashtx"
	}
	if timeout <= 0 {
		timeout = DefaultZMQReadDeadline
	}

	conn, err := gozmq.Subscribe(addr, []string{topic}, timeout)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", addr, err)
	}
	return &ZMQNotifier{
		addr:  addr,
		topic: topic,
		conn:  conn,
		sink:  sink,
		quit:  make(chan struct{}),
	}, nil
}

// Name implements the Notifier interface.
func (n *ZMQNotifier) Name() string {
	return "zmq " + n.addr
}

// Run implements the Notifier interface.
func (n *ZMQNotifier) Run() error {
	log.Infof("Subscribed to %s topic %s for transaction notifications",
		n.addr, n.topic)

	for {
		msg, err := n.conn.Receive(nil)
		if err != nil {
			select {
			case <-n.quit:
				return nil
			default:
			}
			// The read deadline fires between publications; it only
			// exists so Stop is noticed on an idle subscription.
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("zmq receive from %s: %w", n.addr, err)
		}
		if len(msg) < 2 {
			log.Warnf("Discarding short ZMQ message (%d frames)", len(msg))
			continue
		}

		txid := decodeZMQTxID(msg[1])
		if txid == "" {
			log.Warnf("Discarding undecodable ZMQ payload (%d bytes)",
				len(msg[1]))
			continue
		}
		log.Debugf("ZMQ notification for txid %s", txid)
		select {
		case n.sink <- TxID(txid):
		case <-n.quit:
			return nil
		}
	}
}

// decodeZMQTxID maps a ZMQ payload to a printable txid.  A 32-byte
// frame is a raw hash published least significant byte first; anything
// else is taken as UTF-8 text.
func decodeZMQTxID(payload []byte) string {
	if len(payload) == chainhash.HashSize {
		if hash, err := chainhash.NewHash(payload); err == nil {
			return hash.String()
		}
	}
	txid := strings.TrimSpace(string(payload))
	for _, r := range txid {
		if r == unicode.ReplacementChar || unicode.IsControl(r) {
			return ""
		}
	}
	return txid
}

// Stop implements the Notifier interface.
func (n *ZMQNotifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.quit)
		n.conn.Close()
	})
}
