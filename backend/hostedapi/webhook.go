// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hostedapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coinledger/ledgerd/notify"
)

const (
	// signatureHeader carries the hex HMAC-SHA256 of the request body,
	// keyed with the shared webhook secret.
	signatureHeader = "X-Signature"

	// maxWebhookBody caps a delivery.  Real payloads are a few hundred
	// bytes.
	maxWebhookBody = 1 << 16

	// webhookShutdownTimeout bounds the graceful drain of in-flight
	// deliveries.
	webhookShutdownTimeout = 5 * time.Second
)

// WebhookNotifier accepts the provider's signed HTTP deliveries.  The
// payload shape matches the websocket feed; a delivery whose signature
// does not verify against the shared secret is rejected without being
// read into the ledger.
type WebhookNotifier struct {
	coinName string
	secret   []byte
	listener net.Listener
	server   *http.Server
	sink     chan<- notify.TxID

	quit     chan struct{}
	stopOnce sync.Once
}

func newWebhookNotifier(coinName, bind, secret string, sink chan<- notify.TxID) (*WebhookNotifier, error) {
	if bind == "" {
		return nil, errors.New("webhook notifier requires a bind address")
	}
	if secret == "" {
		return nil, errors.New("webhook notifier requires the shared secret")
	}
	lis, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", bind, err)
	}

	n := &WebhookNotifier{
		coinName: coinName,
		secret:   []byte(secret),
		listener: lis,
		sink:     sink,
		quit:     make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", n.handleDelivery)
	n.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return n, nil
}

// Addr returns the bound listen address.
func (n *WebhookNotifier) Addr() string {
	return n.listener.Addr().String()
}

// Name implements the notify.Notifier interface.
func (n *WebhookNotifier) Name() string {
	return "webhook " + n.Addr()
}

func (n *WebhookNotifier) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}
	if !n.verify(body, r.Header.Get(signatureHeader)) {
		log.Warnf("Rejecting webhook delivery from %s: bad signature",
			r.RemoteAddr)
		http.Error(w, "bad signature", http.StatusForbidden)
		return
	}

	var msg feedMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		http.Error(w, "unparseable payload", http.StatusBadRequest)
		return
	}
	if msg.Type != "address" || msg.Data.TxID == "" {
		log.Tracef("Ignoring webhook delivery of type %q", msg.Type)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	log.Debugf("Webhook notification for txid %s", msg.Data.TxID)
	select {
	case n.sink <- notify.TxID(msg.Data.TxID):
		w.WriteHeader(http.StatusNoContent)
	case <-n.quit:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	}
}

// verify checks the hex HMAC-SHA256 signature of a delivery body.
func (n *WebhookNotifier) verify(body []byte, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, n.secret)
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}

// Run implements the notify.Notifier interface.
func (n *WebhookNotifier) Run() error {
	log.Infof("Listening on %s for %s webhook deliveries", n.Addr(), n.coinName)
	err := n.server.Serve(n.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop implements the notify.Notifier interface.
func (n *WebhookNotifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.quit)
		ctx, cancel := context.WithTimeout(context.Background(),
			webhookShutdownTimeout)
		defer cancel()
		if err := n.server.Shutdown(ctx); err != nil {
			n.server.Close()
		}
	})
}
