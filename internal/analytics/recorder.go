package analytics

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// defaultQueueSize bounds the submit queue. Events beyond it are dropped
// rather than blocking the request path.
const defaultQueueSize = 1024

// Recorder accepts events from request handlers and writes them to the
// backend asynchronously. Submit never blocks; on backpressure the event is
// dropped and counted.
type Recorder struct {
	backend Backend
	pricing atomic.Pointer[PricingConfig]

	ch      chan Event
	dropped atomic.Int64
	wg      sync.WaitGroup
}

func NewRecorder(backend Backend, pricing *PricingConfig) *Recorder {
	if pricing == nil {
		pricing = &PricingConfig{}
	}

	r := &Recorder{
		backend: backend,
		ch:      make(chan Event, defaultQueueSize),
	}
	r.pricing.Store(pricing)

	r.wg.Add(1)
	go r.run()

	return r
}

func (r *Recorder) run() {
	defer r.wg.Done()

	for ev := range r.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := r.backend.Append(ctx, ev); err != nil {
			// Storage failures never affect the client response.
			slog.Error("analytics append failed", "event_id", ev.ID, "error", err)
		}
		cancel()
	}
}

// Submit queues one event, computing its cost from the current pricing
// table. Pricing lookup failure leaves cost zero; the event is still written.
func (r *Recorder) Submit(ev Event) {
	if ev.ID == "" {
		stamped := NewEvent()
		ev.ID = stamped.ID
		if ev.TimestampS == 0 {
			ev.TimestampS = stamped.TimestampS
		}
	}

	ev.Cost = r.pricing.Load().Cost(ev.Request.Model, ev.Usage)

	select {
	case r.ch <- ev:
	default:
		r.dropped.Add(1)
	}
}

// SetPricing swaps the pricing table atomically (config reload).
func (r *Recorder) SetPricing(p *PricingConfig) {
	if p == nil {
		p = &PricingConfig{}
	}
	r.pricing.Store(p)
}

// Dropped reports how many events were discarded under backpressure.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

// Backend exposes the storage for the query endpoints.
func (r *Recorder) Backend() Backend {
	return r.backend
}

// Stats summarizes the pipeline state.
func (r *Recorder) Stats(ctx context.Context) (*Stats, error) {
	count, err := r.backend.Count(ctx)
	if err != nil {
		return nil, err
	}

	return &Stats{
		Backend: r.backend.Name(),
		Count:   count,
		Dropped: r.dropped.Load(),
	}, nil
}

// Close drains the queue and shuts the worker down.
func (r *Recorder) Close() {
	close(r.ch)
	r.wg.Wait()
	r.backend.Close()
}
