// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"sync"
	"time"

	"github.com/arl/statsviz"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statusShutdownTimeout bounds the graceful drain of in-flight status
// requests.
const statusShutdownTimeout = 5 * time.Second

// statusServer serves one inspection mux.  It binds its listener at
// construction so a taken port fails startup rather than surfacing
// later as a dead worker.  It has no ledger mutation authority.
type statusServer struct {
	name     string
	listener net.Listener
	server   *http.Server

	stopOnce sync.Once
}

func newStatusServer(name, bind string, handler http.Handler) (*statusServer, error) {
	lis, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", bind, err)
	}
	return &statusServer{
		name:     name,
		listener: lis,
		server: &http.Server{
			Handler: handler,
			// No write timeout: pprof profiles stream for their
			// requested duration.
			ReadTimeout: 10 * time.Second,
		},
	}, nil
}

// Addr returns the bound listen address.
func (s *statusServer) Addr() string {
	return s.listener.Addr().String()
}

// Name implements the worker interface.
func (s *statusServer) Name() string {
	return s.name + " " + s.Addr()
}

// Run implements the worker interface.
func (s *statusServer) Run() error {
	log.Infof("%s server listening on %s", s.name, s.Addr())
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop implements the worker interface.
func (s *statusServer) Stop() {
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(),
			statusShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			s.server.Close()
		}
	})
}

// statusMux carries the health probe, prometheus metrics, and the
// pprof handlers.
func statusMux(health http.HandlerFunc) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.Handle("/", http.RedirectHandler("/debug/pprof/", http.StatusSeeOther))
	return mux
}

// statsVizMux serves the runtime visualizer on its own mux.
func statsVizMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/", http.RedirectHandler("/debug/statsviz", http.StatusSeeOther))
	if err := statsviz.Register(mux, statsviz.Root("/debug/statsviz")); err != nil {
		log.Errorf("%v", err)
	}
	return mux
}
