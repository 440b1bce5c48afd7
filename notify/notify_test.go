// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func waitTxID(t *testing.T, ch <-chan TxID) TxID {
	t.Helper()
	select {
	case txid := <-ch:
		return txid
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
		return ""
	}
}

func runNotifier(t *testing.T, n Notifier) {
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

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(Config{Kind: "carrier-pigeon"}, make(chan TxID))
	require.Error(t, err)
}

func TestPipeNotifierDeliversLines(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fifos are not available on windows")
	}

	path := filepath.Join(t.TempDir(), "walletnotify.pipe")
	sink := make(chan TxID, 4)
	n, err := New(Config{Kind: KindPipe, Path: path}, sink)
	require.NoError(t, err)
	runNotifier(t, n)

	fi, err := os.Stat(path)
	require.NoError(t, err)
	require.NotZero(t, fi.Mode()&os.ModeNamedPipe)

	w, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	_, err = fmt.Fprint(w, "aabb\n\n  ccdd  \n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	require.Equal(t, TxID("aabb"), waitTxID(t, sink))
	require.Equal(t, TxID("ccdd"), waitTxID(t, sink))
}

func TestPipeNotifierSurvivesWriterClose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fifos are not available on windows")
	}

	path := filepath.Join(t.TempDir(), "walletnotify.pipe")
	sink := make(chan TxID, 4)
	n, err := New(Config{Kind: KindPipe, Path: path}, sink)
	require.NoError(t, err)
	runNotifier(t, n)

	for _, txid := range []string{"first", "second"} {
		w, err := os.OpenFile(path, os.O_WRONLY, 0)
		require.NoError(t, err)
		_, err = fmt.Fprintln(w, txid)
		require.NoError(t, err)
		require.NoError(t, w.Close())
		require.Equal(t, TxID(txid), waitTxID(t, sink))
	}
}

func TestPipeNotifierRejectsNonFIFO(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fifos are not available on windows")
	}

	path := filepath.Join(t.TempDir(), "regular")
	require.NoError(t, os.WriteFile(path, nil, 0600))

	_, err := New(Config{Kind: KindPipe, Path: path}, make(chan TxID))
	require.Error(t, err)
}

func TestHTTPHookNotifierAcceptsForm(t *testing.T) {
	sink := make(chan TxID, 1)
	n, err := New(Config{Kind: KindHTTPHook, Bind: "127.0.0.1:0"}, sink)
	require.NoError(t, err)
	hook := n.(*HTTPHookNotifier)
	runNotifier(t, n)

	resp, err := http.PostForm("http://"+hook.Addr()+"/",
		url.Values{"txid": {"feedbeef"}})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, TxID("feedbeef"), waitTxID(t, sink))
}

func TestHTTPHookNotifierRejectsBadRequests(t *testing.T) {
	sink := make(chan TxID, 1)
	n, err := New(Config{Kind: KindHTTPHook, Bind: "127.0.0.1:0"}, sink)
	require.NoError(t, err)
	hook := n.(*HTTPHookNotifier)
	runNotifier(t, n)

	resp, err := http.Get("http://" + hook.Addr() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	resp, err = http.PostForm("http://"+hook.Addr()+"/", url.Values{})
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Empty(t, sink)
}

func TestDecodeZMQTxID(t *testing.T) {
	raw := make([]byte, 32)
	raw[0] = 0xef
	raw[31] = 0xab
	decoded := decodeZMQTxID(raw)
	require.Len(t, decoded, 64)
	require.Equal(t, "ab", decoded[:2])
	require.Equal(t, "ef", decoded[62:])

	require.Equal(t, "cafe", decodeZMQTxID([]byte(" cafe\n")))
	require.Empty(t, decodeZMQTxID([]byte{0x01, 0x02}))
}

type recordingHandler struct {
	mu    sync.Mutex
	txids []string
	errs  map[string]error
	seen  chan string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{
		errs: make(map[string]error),
		seen: make(chan string, 16),
	}
}

func (h *recordingHandler) HandleWalletNotify(_ context.Context, txid string) error {
	h.mu.Lock()
	h.txids = append(h.txids, txid)
	err := h.errs[txid]
	h.mu.Unlock()
	h.seen <- txid
	return err
}

func TestConsumerInvokesHandler(t *testing.T) {
	source := make(chan TxID, 4)
	handler := newRecordingHandler()
	handler.errs["bad"] = errors.New("backend down")

	c := NewConsumer("pseudo", source, handler)
	done := make(chan error, 1)
	go func() { done <- c.Run() }()

	source <- TxID("good")
	source <- TxID("bad")
	source <- TxID("after")

	require.Equal(t, "good", <-handler.seen)
	require.Equal(t, "bad", <-handler.seen)
	require.Equal(t, "after", <-handler.seen)

	c.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}
}
