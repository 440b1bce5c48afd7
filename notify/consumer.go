// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package notify

import (
	"context"
	"sync"
)

// Handler consumes transaction ids drained from notification
// transports.  The engine's transaction updater is the production
// implementation.
type Handler interface {
	HandleWalletNotify(ctx context.Context, txid string) error
}

// Consumer drains a notification channel and hands each txid to the
// handler.  Handler errors are logged and dropped: a notification is
// only a hint, and the confirmation poller or receive scanner revisits
// the transaction on its own schedule.
type Consumer struct {
	coinName string
	source   <-chan TxID
	handler  Handler

	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	stopOnce sync.Once
}

// NewConsumer attaches handler to the channel the coin's transports
// publish into.
func NewConsumer(coinName string, source <-chan TxID, handler Handler) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		coinName: coinName,
		source:   source,
		handler:  handler,
		ctx:      ctx,
		cancel:   cancel,
		quit:     make(chan struct{}),
	}
}

// Name identifies the consumer in supervision logs.
func (c *Consumer) Name() string {
	return "notify-consumer " + c.coinName
}

// Run blocks draining the channel until Stop is called.
func (c *Consumer) Run() error {
	for {
		select {
		case txid := <-c.source:
			if err := c.handler.HandleWalletNotify(c.ctx, string(txid)); err != nil {
				log.Warnf("Handling notification for %s txid %s: %v",
					c.coinName, txid, err)
			}
		case <-c.quit:
			return nil
		}
	}
}

// Stop terminates Run and cancels any in-flight handler call.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		c.cancel()
	})
}
