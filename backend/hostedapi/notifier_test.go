// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hostedapi

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coinledger/ledgerd/notify"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func waitTxID(t *testing.T, ch <-chan notify.TxID) notify.TxID {
	t.Helper()
	select {
	case txid := <-ch:
		return txid
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return ""
	}
}

func runNotifier(t *testing.T, n notify.Notifier) {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- n.Run() }()
	t.Cleanup(func() {
		n.Stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("notifier did not stop")
		}
	})
}

func signBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestWebsocketNotifierDeliversAddressMessages(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMessage
		if err := conn.ReadJSON(&sub); err != nil {
			t.Errorf("reading subscription: %v", err)
			return
		}
		if sub.Type != "subscribe" || sub.APIKey != "test-key" {
			t.Errorf("unexpected subscription %+v", sub)
			return
		}

		for _, msg := range []string{
			`{"type":"status","data":{"status":"connected"}}`,
			`{"type":"address","data":{"txid":"feedbeef","amount":"1.00000000"}}`,
		} {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return
			}
		}

		// Hold the connection open until the notifier hangs up.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	sink := make(chan notify.TxID, 1)
	n, err := newWebsocketNotifier("pseudo", wsURL, "test-key", sink)
	require.NoError(t, err)
	require.Equal(t, "websocket "+wsURL, n.Name())
	runNotifier(t, n)

	require.Equal(t, notify.TxID("feedbeef"), waitTxID(t, sink))
}

func TestWebsocketNotifierValidatesURL(t *testing.T) {
	sink := make(chan notify.TxID)
	_, err := newWebsocketNotifier("pseudo", "", "k", sink)
	require.Error(t, err)
	_, err = newWebsocketNotifier("pseudo", "https://not-a-feed", "k", sink)
	require.Error(t, err)
}

func TestWebhookNotifierVerifiesSignatures(t *testing.T) {
	sink := make(chan notify.TxID, 1)
	n, err := newWebhookNotifier("pseudo", "127.0.0.1:0", "s3cret", sink)
	require.NoError(t, err)
	runNotifier(t, n)

	hookURL := "http://" + n.Addr() + "/"
	body := []byte(`{"type":"address","data":{"txid":"feedbeef"}}`)

	deliver := func(signature string) *http.Response {
		req, err := http.NewRequest(http.MethodPost, hookURL,
			bytes.NewReader(body))
		require.NoError(t, err)
		if signature != "" {
			req.Header.Set(signatureHeader, signature)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp := deliver("")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = deliver(signBody("wrong", body))
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	require.Zero(t, len(sink))

	resp = deliver(signBody("s3cret", body))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, notify.TxID("feedbeef"), waitTxID(t, sink))
}

func TestWebhookNotifierRejectsBadDeliveries(t *testing.T) {
	sink := make(chan notify.TxID, 1)
	n, err := newWebhookNotifier("pseudo", "127.0.0.1:0", "s3cret", sink)
	require.NoError(t, err)
	runNotifier(t, n)

	hookURL := "http://" + n.Addr() + "/"

	resp, err := http.Get(hookURL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	post := func(body []byte) *http.Response {
		req, err := http.NewRequest(http.MethodPost, hookURL,
			bytes.NewReader(body))
		require.NoError(t, err)
		req.Header.Set(signatureHeader, signBody("s3cret", body))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	resp = post([]byte("not json at all"))
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Signed chatter is acknowledged and dropped.
	resp = post([]byte(`{"type":"ping","data":{}}`))
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Zero(t, len(sink))
}

func TestWebhookNotifierRequiresConfig(t *testing.T) {
	sink := make(chan notify.TxID)
	_, err := newWebhookNotifier("pseudo", "", "s3cret", sink)
	require.Error(t, err)
	_, err = newWebhookNotifier("pseudo", "127.0.0.1:0", "", sink)
	require.Error(t, err)
}

func TestCreateNotifierDispatch(t *testing.T) {
	b, err := New(&Config{
		Coin:          pseudoCoin(t),
		URL:           "https://hosted.example/api",
		APIKey:        "test-key",
		WebsocketURL:  "wss://hosted.example/feed",
		WebhookSecret: "s3cret",
	})
	require.NoError(t, err)
	sink := make(chan notify.TxID)

	n, err := b.CreateNotifier(notify.Config{Kind: KindWebsocket}, sink)
	require.NoError(t, err)
	require.IsType(t, (*WebsocketNotifier)(nil), n)
	require.Equal(t, "websocket wss://hosted.example/feed", n.Name())

	// The notify.Config address overrides the configured feed.
	n, err = b.CreateNotifier(notify.Config{
		Kind: KindWebsocket,
		Addr: "wss://hosted.example/other",
	}, sink)
	require.NoError(t, err)
	require.Equal(t, "websocket wss://hosted.example/other", n.Name())

	n, err = b.CreateNotifier(notify.Config{
		Kind: KindWebhook,
		Bind: "127.0.0.1:0",
	}, sink)
	require.NoError(t, err)
	require.IsType(t, (*WebhookNotifier)(nil), n)
	runNotifier(t, n)

	// Generic transports pass through.
	n, err = b.CreateNotifier(notify.Config{
		Kind: notify.KindHTTPHook,
		Bind: "127.0.0.1:0",
	}, sink)
	require.NoError(t, err)
	require.IsType(t, (*notify.HTTPHookNotifier)(nil), n)
	runNotifier(t, n)

	_, err = b.CreateNotifier(notify.Config{Kind: "carrier-pigeon"}, sink)
	require.Error(t, err)
}

func TestCreateNotifierRequiresFeedConfig(t *testing.T) {
	b, err := New(&Config{
		Coin:   pseudoCoin(t),
		URL:    "https://hosted.example/api",
		APIKey: "test-key",
	})
	require.NoError(t, err)
	sink := make(chan notify.TxID)

	_, err = b.CreateNotifier(notify.Config{Kind: KindWebsocket}, sink)
	require.Error(t, err)
	_, err = b.CreateNotifier(notify.Config{
		Kind: KindWebhook,
		Bind: "127.0.0.1:0",
	}, sink)
	require.Error(t, err)
}
