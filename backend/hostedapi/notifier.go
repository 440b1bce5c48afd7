// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hostedapi

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coinledger/ledgerd/notify"
	"github.com/gorilla/websocket"
)

const (
	// wsReadDeadline is how long the feed may stay silent before the
	// connection is considered dead.  Pongs and data both extend it.
	wsReadDeadline = 90 * time.Second

	// wsPingPeriod is the keepalive interval.  It must be shorter than
	// wsReadDeadline.
	wsPingPeriod = 30 * time.Second

	// wsWriteWait bounds a single control frame write.
	wsWriteWait = 10 * time.Second

	// wsReconnectWait is the pause between reconnection attempts after
	// the feed drops.
	wsReconnectWait = 5 * time.Second
)

// subscribeMessage opens the feed for the account owning the API key.
type subscribeMessage struct {
	Type   string `json:"type"`
	APIKey string `json:"api_key"`
}

// feedMessage is one push from the provider.  Only messages of type
// address carry a transaction; everything else is provider chatter.
type feedMessage struct {
	Type string `json:"type"`
	Data struct {
		TxID string `json:"txid"`
	} `json:"data"`
}

// WebsocketNotifier subscribes to the provider's push feed and forwards
// the txid of every address message.  A dropped feed is redialed until
// Stop; notifications missed in between are recovered by the receive
// scanner.
type WebsocketNotifier struct {
	coinName string
	url      string
	apiKey   string
	sink     chan<- notify.TxID

	quit     chan struct{}
	stopOnce sync.Once

	mtx  sync.Mutex
	conn *websocket.Conn
}

func newWebsocketNotifier(coinName, wsURL, apiKey string, sink chan<- notify.TxID) (*WebsocketNotifier, error) {
	if wsURL == "" {
		return nil, errors.New("websocket notifier requires a feed URL")
	}
	u, err := url.Parse(wsURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, fmt.Errorf("invalid websocket feed URL %q", wsURL)
	}
	return &WebsocketNotifier{
		coinName: coinName,
		url:      wsURL,
		apiKey:   apiKey,
		sink:     sink,
		quit:     make(chan struct{}),
	}, nil
}

// Name implements the notify.Notifier interface.
func (n *WebsocketNotifier) Name() string {
	return "websocket " + n.url
}

// Run implements the notify.Notifier interface.
func (n *WebsocketNotifier) Run() error {
	for {
		err := n.runFeed()
		if err == nil {
			return nil
		}
		log.Errorf("Websocket feed for %s failed: %v; reconnecting in %v",
			n.coinName, err, wsReconnectWait)
		select {
		case <-time.After(wsReconnectWait):
		case <-n.quit:
			return nil
		}
	}
}

// runFeed dials, subscribes, and forwards messages until the connection
// drops or Stop is called.  A nil return means Stop.
func (n *WebsocketNotifier) runFeed() error {
	select {
	case <-n.quit:
		return nil
	default:
	}

	conn, resp, err := websocket.DefaultDialer.Dial(n.url, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dialing %s: %v (%s)", n.url, err, resp.Status)
		}
		return fmt.Errorf("dialing %s: %v", n.url, err)
	}
	n.setConn(conn)
	defer func() {
		n.setConn(nil)
		conn.Close()
	}()

	subscribe := subscribeMessage{Type: "subscribe", APIKey: n.apiKey}
	if err := conn.WriteJSON(&subscribe); err != nil {
		return fmt.Errorf("subscribing: %v", err)
	}
	log.Infof("Subscribed to the %s feed at %s", n.coinName, n.url)

	pingDone := make(chan struct{})
	defer close(pingDone)
	go n.pingLoop(conn, pingDone)

	conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadDeadline))
	})

	for {
		var msg feedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			select {
			case <-n.quit:
				return nil
			default:
				return fmt.Errorf("reading feed: %v", err)
			}
		}
		conn.SetReadDeadline(time.Now().Add(wsReadDeadline))

		if msg.Type != "address" || msg.Data.TxID == "" {
			log.Tracef("Ignoring feed message of type %q", msg.Type)
			continue
		}
		log.Debugf("Websocket notification for txid %s", msg.Data.TxID)
		select {
		case n.sink <- notify.TxID(msg.Data.TxID):
		case <-n.quit:
			return nil
		}
	}
}

// pingLoop keeps the connection alive.  Write errors are left for the
// read loop to observe.
func (n *WebsocketNotifier) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(wsWriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-done:
			return
		case <-n.quit:
			return
		}
	}
}

func (n *WebsocketNotifier) setConn(conn *websocket.Conn) {
	n.mtx.Lock()
	n.conn = conn
	n.mtx.Unlock()
}

// Stop implements the notify.Notifier interface.
func (n *WebsocketNotifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.quit)
		n.mtx.Lock()
		if n.conn != nil {
			n.conn.Close()
		}
		n.mtx.Unlock()
	})
}
