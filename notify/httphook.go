// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// shutdownTimeout bounds the graceful drain of in-flight hook requests.
const shutdownTimeout = 5 * time.Second

// HTTPHookNotifier accepts transaction notifications as HTTP POSTs
// carrying a txid form field.  It binds its listener at construction so
// a taken port fails startup rather than the first notification.
type HTTPHookNotifier struct {
	listener net.Listener
	server   *http.Server
	sink     chan<- TxID

	quit     chan struct{}
	stopOnce sync.Once
}

func newHTTPHookNotifier(bind string, sink chan<- TxID) (*HTTPHookNotifier, error) {
	if bind == "" {
		return nil, errors.New("httphook notifier requires a bind address")
	}
	lis, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", bind, err)
	}

	n := &HTTPHookNotifier{
		listener: lis,
		sink:     sink,
		quit:     make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", n.handleHook)
	n.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return n, nil
}

// Addr returns the bound listen address.
func (n *HTTPHookNotifier) Addr() string {
	return n.listener.Addr().String()
}

// Name implements the Notifier interface.
func (n *HTTPHookNotifier) Name() string {
	return "httphook " + n.Addr()
}

func (n *HTTPHookNotifier) handleHook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	txid := strings.TrimSpace(r.FormValue("txid"))
	if txid == "" {
		http.Error(w, "missing txid", http.StatusBadRequest)
		return
	}
	log.Debugf("HTTP hook notification for txid %s", txid)
	select {
	case n.sink <- TxID(txid):
		w.WriteHeader(http.StatusOK)
	case <-n.quit:
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
	}
}

// Run implements the Notifier interface.
func (n *HTTPHookNotifier) Run() error {
	log.Infof("Listening on %s for transaction notifications", n.Addr())
	err := n.server.Serve(n.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop implements the Notifier interface.
func (n *HTTPHookNotifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.quit)
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.server.Shutdown(ctx); err != nil {
			n.server.Close()
		}
	})
}
