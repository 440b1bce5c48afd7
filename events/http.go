// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package events

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethgrid/pester"
)

// HTTPSink delivers events by POSTing their JSON encoding to a fixed
// URL.  Connection failures are retried with exponential backoff inside
// a single delivery attempt; a non-2xx response fails the delivery.
type HTTPSink struct {
	url    string
	client *pester.Client
}

// NewHTTPSink creates a sink that posts events to rawURL.
func NewHTTPSink(rawURL string) (*HTTPSink, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, Error{
			Code: ErrSinkConfig,
			Desc: "invalid event sink URL " + rawURL,
			Err:  err,
		}
	}

	client := pester.New()
	client.Concurrency = 1
	client.MaxRetries = 3
	client.Backoff = pester.ExponentialBackoff
	client.Timeout = 10 * time.Second
	client.LogHook = func(e pester.ErrEntry) {
		log.Debugf("Retrying event POST to %s (attempt %d): %v",
			e.URL, e.Attempt, e.Err)
	}
	return &HTTPSink{url: rawURL, client: client}, nil
}

// Name returns the destination URL.
func (s *HTTPSink) Name() string {
	return s.url
}

// Deliver implements the Sink interface.
func (s *HTTPSink) Deliver(ctx context.Context, rec *Record) error {
	body, err := rec.Encode()
	if err != nil {
		return Error{Code: ErrSinkFailure, Desc: "encoding event", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url,
		bytes.NewReader(body))
	if err != nil {
		return Error{Code: ErrSinkFailure, Desc: "building event request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Error{
			Code: ErrSinkFailure,
			Desc: "posting event to " + s.url,
			Err:  err,
		}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Error{
			Code: ErrSinkFailure,
			Desc: "event endpoint " + s.url + " returned " + resp.Status,
		}
	}
	return nil
}
