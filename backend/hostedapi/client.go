// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package hostedapi

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/coinledger/ledgerd/backend"
	jsoniter "github.com/json-iterator/go"
	"github.com/sethgrid/pester"
	"golang.org/x/net/proxy"
	"golang.org/x/time/rate"
)

const (
	// defaultRequestsPerSecond is the provider-friendly request budget
	// applied when the configuration does not set one.
	defaultRequestsPerSecond = 3

	// defaultRetries is how often a request is repeated on connection
	// failures before the error surfaces to the caller.
	defaultRetries = 3

	// requestTimeout bounds one attempt, connection setup included.
	requestTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a provider response is read.
	// The largest legitimate responses are transaction listing pages.
	maxResponseBytes = 1 << 22
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// apiEnvelope is the outer object every provider response carries.  The
// interesting payload sits under data and is decoded per endpoint.
type apiEnvelope struct {
	Status string              `json:"status"`
	Data   jsoniter.RawMessage `json:"data"`
}

// apiFailure is the data payload of a non-success envelope.
type apiFailure struct {
	ErrorMessage string `json:"error_message"`
}

// client issues authenticated calls against one hosted wallet account.
// Every call is rate limited, retried on connection failures, and
// unwrapped from the status/data envelope before the caller sees it.
type client struct {
	base    *url.URL
	apiKey  string
	http    *pester.Client
	raw     *http.Client // kept for CloseIdleConnections; pester hides it
	limiter *rate.Limiter
}

func newClient(baseURL, apiKey, socksProxy string, rps float64, retries int) (*client, error) {
	base, err := url.Parse(baseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, backend.ConfigE("invalid hosted API URL "+baseURL, err)
	}
	if apiKey == "" {
		return nil, backend.ConfigE("hosted API requires an API key", nil)
	}
	if rps <= 0 {
		rps = defaultRequestsPerSecond
	}
	if retries <= 0 {
		retries = defaultRetries
	}

	hc := &http.Client{}
	if socksProxy != "" {
		dialer, err := proxy.SOCKS5("tcp", socksProxy, nil, proxy.Direct)
		if err != nil {
			return nil, backend.ConfigE("SOCKS proxy "+socksProxy, err)
		}
		tr := &http.Transport{}
		if cd, ok := dialer.(proxy.ContextDialer); ok {
			tr.DialContext = cd.DialContext
		} else {
			tr.Dial = dialer.Dial
		}
		hc.Transport = tr
	}

	pc := pester.NewExtendedClient(hc)
	pc.Concurrency = 1
	pc.MaxRetries = retries
	pc.Backoff = pester.ExponentialBackoff
	pc.Timeout = requestTimeout
	pc.RetryOnHTTP429 = true
	pc.LogHook = func(e pester.ErrEntry) {
		log.Debugf("Retrying %s %s (attempt %d): %v",
			e.Verb, e.URL, e.Attempt, e.Err)
	}

	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &client{
		base:    base,
		apiKey:  apiKey,
		http:    pc,
		raw:     hc,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}, nil
}

// close drops idle connections.
func (c *client) close() {
	c.raw.CloseIdleConnections()
}

// get calls an endpoint with query parameters and decodes the data
// payload into out.
func (c *client) get(ctx context.Context, endpoint string, query url.Values, out interface{}) error {
	return c.call(ctx, http.MethodGet, endpoint, query, nil, out)
}

// post calls an endpoint with a JSON request body and decodes the data
// payload into out.
func (c *client) post(ctx context.Context, endpoint string, body, out interface{}) error {
	return c.call(ctx, http.MethodPost, endpoint, nil, body, out)
}

func (c *client) call(ctx context.Context, method, endpoint string, query url.Values, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	u := *c.base
	u.Path = path.Join(u.Path, endpoint)
	q := u.Query()
	for k, vs := range query {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("api_key", c.apiKey)
	u.RawQuery = q.Encode()

	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return backend.ProtocolE("encoding "+endpoint+" request", err)
		}
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return backend.ProtocolE("building "+endpoint+" request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log.Tracef("Calling %s %s", method, endpoint)
	resp, err := c.http.Do(req)
	if err != nil {
		return backend.ClassifyE(fmt.Sprintf("%s %s", method, endpoint), err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return backend.TransientE("reading "+endpoint+" response", err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= 500 {
			return backend.TransientE(fmt.Sprintf(
				"%s returned %s", endpoint, resp.Status), nil)
		}
		return backend.ProtocolE(fmt.Sprintf(
			"%s returned %s with an unparseable body", endpoint, resp.Status), err)
	}
	if env.Status != "success" {
		var failure apiFailure
		json.Unmarshal(env.Data, &failure)
		msg := failure.ErrorMessage
		if msg == "" {
			msg = resp.Status
		}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return backend.TransientE(fmt.Sprintf(
				"provider failed %s: %s", endpoint, msg), nil)
		}
		return backend.ProtocolE(fmt.Sprintf(
			"provider rejected %s: %s", endpoint, msg), nil)
	}

	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return backend.ProtocolE("decoding "+endpoint+" data", err)
		}
	}
	return nil
}
