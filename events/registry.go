// Copyright (c) 2022-2024 The coinledger developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package events

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/queue"
	"github.com/prometheus/client_golang/prometheus"
)

// deliverTimeout bounds how long a single sink may take per event.
const deliverTimeout = 30 * time.Second

var (
	eventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerd_events_delivered_total",
		Help: "Number of events delivered, per sink.",
	}, []string{"sink"})

	eventsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledgerd_events_failed_total",
		Help: "Number of event deliveries that failed, per sink.",
	}, []string{"sink"})
)

func init() {
	prometheus.MustRegister(eventsDelivered, eventsFailed)
}

// Sink consumes event records.  Deliver is called from the registry's
// dispatch goroutine, one event at a time, and must respect the context
// deadline.  A failing sink does not stop delivery to other sinks.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, rec *Record) error
}

// Registry fans ledger events out to registered sinks.  Publishing
// never blocks the caller: events pass through an unbounded queue and
// are delivered by a single background goroutine, preserving order.
type Registry struct {
	mu    sync.Mutex
	sinks []Sink

	queue *queue.ConcurrentQueue

	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates an empty registry.  Call Register for each sink,
// then Start.
func NewRegistry() *Registry {
	return &Registry{
		queue: queue.NewConcurrentQueue(16),
		quit:  make(chan struct{}),
	}
}

// Register adds a sink.  Sinks registered after Start receive only
// events published after registration.
func (r *Registry) Register(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
	log.Debugf("Registered event sink %s", s.Name())
}

// Start launches the dispatch goroutine.
func (r *Registry) Start() {
	r.queue.Start()
	r.wg.Add(1)
	go r.dispatcher()
}

// Stop terminates dispatch.  Events still queued at this point are
// dropped; events published after Stop are discarded.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.quit)
		r.wg.Wait()
		r.queue.Stop()
	})
}

// Notify publishes an event.  It never blocks.
func (r *Registry) Notify(rec *Record) {
	if rec.Event == "" {
		rec.Event = TxUpdate
	}
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	select {
	case r.queue.ChanIn() <- rec:
	case <-r.quit:
		log.Debugf("Dropping %s event published after shutdown", rec.Event)
	}
}

func (r *Registry) dispatcher() {
	defer r.wg.Done()
	for {
		select {
		case item := <-r.queue.ChanOut():
			r.deliver(item.(*Record))
		case <-r.quit:
			return
		}
	}
}

func (r *Registry) deliver(rec *Record) {
	r.mu.Lock()
	sinks := make([]Sink, len(r.sinks))
	copy(sinks, r.sinks)
	r.mu.Unlock()

	for _, s := range sinks {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		err := s.Deliver(ctx, rec)
		cancel()
		if err != nil {
			eventsFailed.WithLabelValues(s.Name()).Inc()
			log.Warnf("Failed to deliver %s event to sink %s: %v",
				rec.Event, s.Name(), err)
			continue
		}
		eventsDelivered.WithLabelValues(s.Name()).Inc()
		log.Tracef("Delivered %s event to sink %s", rec.Event, s.Name())
	}
}
