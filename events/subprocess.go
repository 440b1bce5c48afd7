// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package events

import (
	"context"
	"os"
	"os/exec"
	"strings"
)

// maxCommandOutput caps how much subprocess output is kept for error
// reporting.
const maxCommandOutput = 512

// SubprocessSink delivers events by running a command once per event
// with the event fields exported in its environment.  The command line
// is split on whitespace; the first field is the executable.
type SubprocessSink struct {
	path string
	args []string
}

// NewSubprocessSink creates a sink that runs the given command line.
func NewSubprocessSink(command string) (*SubprocessSink, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, Error{Code: ErrSinkConfig, Desc: "empty event sink command"}
	}
	return &SubprocessSink{path: fields[0], args: fields[1:]}, nil
}

// Name returns the executable path.
func (s *SubprocessSink) Name() string {
	return s.path
}

// Deliver implements the Sink interface.  The subprocess inherits the
// daemon's environment plus the LEDGERD_EVENT_* variables.  A non-zero
// exit status fails the delivery, with any output attached for
// diagnosis.
func (s *SubprocessSink) Deliver(ctx context.Context, rec *Record) error {
	env, err := rec.Env()
	if err != nil {
		return Error{Code: ErrSinkFailure, Desc: "encoding event environment", Err: err}
	}

	cmd := exec.CommandContext(ctx, s.path, s.args...)
	cmd.Env = append(os.Environ(), env...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		desc := "event command " + s.path + " failed"
		if msg := strings.TrimSpace(string(out)); msg != "" {
			if len(msg) > maxCommandOutput {
				msg = msg[:maxCommandOutput]
			}
			desc += ": " + msg
		}
		return Error{Code: ErrSinkFailure, Desc: desc, Err: err}
	}
	return nil
}
