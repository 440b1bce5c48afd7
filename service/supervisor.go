// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package service

import (
	"sync"

	"github.com/go-errors/errors"
)

// worker is anything the service runs on its own goroutine and
// supervises: engine loops, notification transports, the notification
// consumer, the status servers.  Run blocks until the worker is done or
// Stop is called; a nil return is a clean exit.
type worker interface {
	Name() string
	Run() error
	Stop()
}

// failure names a worker that died with an error while the service
// still wanted it alive.
type failure struct {
	name string
	err  error
}

// Worker states reported by the health endpoint.
const (
	stateRunning = "running"
	stateStopped = "stopped"
	stateFailed  = "failed"
)

// supervisor launches workers and surfaces the first fatal exit.  Every
// worker is critical: an error return or a panic outside of shutdown
// brings the whole service down.
type supervisor struct {
	wg     sync.WaitGroup
	failed chan failure

	mtx      sync.Mutex
	workers  []worker
	state    map[string]string
	stopping bool
}

func newSupervisor() *supervisor {
	return &supervisor{
		failed: make(chan failure, 1),
		state:  make(map[string]string),
	}
}

// launch starts w on its own goroutine and tracks its lifetime.
func (s *supervisor) launch(w worker) {
	s.mtx.Lock()
	s.workers = append(s.workers, w)
	s.state[w.Name()] = stateRunning
	s.mtx.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.runWorker(w)

		s.mtx.Lock()
		stopping := s.stopping
		if err != nil {
			s.state[w.Name()] = stateFailed
		} else {
			s.state[w.Name()] = stateStopped
		}
		s.mtx.Unlock()

		switch {
		case err == nil:
			log.Debugf("Worker %s stopped", w.Name())
		case stopping:
			log.Warnf("Worker %s failed during shutdown: %v", w.Name(), err)
		default:
			select {
			case s.failed <- failure{name: w.Name(), err: err}:
			default:
				// A failure is already being handled; this one only
				// needs to be on the record.
				log.Errorf("Worker %s failed: %v", w.Name(), err)
			}
		}
	}()
}

// runWorker converts panics into errors carrying the goroutine stack so
// a crashing worker reads like a failing one.
func (s *supervisor) runWorker(w worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			goErr := errors.Wrap(r, 2)
			log.Criticalf("Worker %s panicked: %v\n%s",
				w.Name(), r, goErr.ErrorStack())
			err = goErr
		}
	}()
	log.Debugf("Worker %s starting", w.Name())
	return w.Run()
}

// stopAll asks every worker to stop, newest first, and waits for all
// worker goroutines to drain.
func (s *supervisor) stopAll() {
	s.mtx.Lock()
	s.stopping = true
	workers := make([]worker, len(s.workers))
	copy(workers, s.workers)
	s.mtx.Unlock()

	for i := len(workers) - 1; i >= 0; i-- {
		workers[i].Stop()
	}
	s.wg.Wait()
}

// snapshot reports per-worker state for the health endpoint.
func (s *supervisor) snapshot() map[string]string {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	out := make(map[string]string, len(s.state))
	for name, state := range s.state {
		out[name] = state
	}
	return out
}
