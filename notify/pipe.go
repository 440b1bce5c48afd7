// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package notify

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/unix"
)

// PipeNotifier reads newline-terminated txids from a named pipe, the
// transport used with bitcoind walletnotify hooks that echo into a
// FIFO.  The FIFO is created on construction when missing.  It is
// opened read-write so a notifying writer closing its end never
// delivers EOF to the reader.
type PipeNotifier struct {
	path string
	file *os.File
	sink chan<- TxID

	quit     chan struct{}
	stopOnce sync.Once
}

func newPipeNotifier(path string, sink chan<- TxID) (*PipeNotifier, error) {
	if path == "" {
		return nil, errors.New("pipe notifier requires a path")
	}

	fi, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		if err := unix.Mkfifo(path, 0600); err != nil {
			return nil, fmt.Errorf("creating fifo %s: %w", path, err)
		}
	case err != nil:
		return nil, fmt.Errorf("inspecting %s: %w", path, err)
	case fi.Mode()&os.ModeNamedPipe == 0:
		return nil, fmt.Errorf("%s exists and is not a fifo", path)
	}

	// The non-blocking open hands the descriptor to the runtime poller,
	// which is what lets Stop interrupt a blocked read via Close.
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("opening fifo %s: %w", path, err)
	}

	return &PipeNotifier{
		path: path,
		file: os.NewFile(uintptr(fd), path),
		sink: sink,
		quit: make(chan struct{}),
	}, nil
}

// Name implements the Notifier interface.
func (n *PipeNotifier) Name() string {
	return "pipe " + n.path
}

// Run implements the Notifier interface.
func (n *PipeNotifier) Run() error {
	log.Infof("Watching fifo %s for transaction notifications", n.path)

	scanner := bufio.NewScanner(n.file)
	for scanner.Scan() {
		txid := strings.TrimSpace(scanner.Text())
		if txid == "" {
			continue
		}
		log.Debugf("Pipe notification for txid %s", txid)
		select {
		case n.sink <- TxID(txid):
		case <-n.quit:
			return nil
		}
	}

	err := scanner.Err()
	select {
	case <-n.quit:
		return nil
	default:
	}
	if err == nil {
		err = errors.New("fifo delivered EOF")
	}
	return fmt.Errorf("reading fifo %s: %w", n.path, err)
}

// Stop implements the Notifier interface.
func (n *PipeNotifier) Stop() {
	n.stopOnce.Do(func() {
		close(n.quit)
		n.file.Close()
	})
}
