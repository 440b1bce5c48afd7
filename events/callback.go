// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package events

import "context"

// CallbackSink delivers events to an in-process function.  It serves
// embedding callers and tests that want events without a transport.
type CallbackSink struct {
	name string
	fn   func(context.Context, *Record) error
}

// NewCallbackSink wraps fn as a sink identified by name.
func NewCallbackSink(name string, fn func(context.Context, *Record) error) *CallbackSink {
	return &CallbackSink{name: name, fn: fn}
}

// Name returns the name given at construction.
func (s *CallbackSink) Name() string {
	return s.name
}

// Deliver implements the Sink interface.
func (s *CallbackSink) Deliver(ctx context.Context, rec *Record) error {
	return s.fn(ctx, rec)
}
