// Package usage implements the usage meter described in §4.6: an
// asynchronous, batched writer that sits between the proxy's hot path and
// the persistent store so a slow or failing store can never add latency to
// a client response.
package usage

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/cortexd/cortex/internal/metrics"
	"github.com/cortexd/cortex/internal/store"
	"github.com/cortexd/cortex/pkg/models"
)

// Meter satisfies proxy.UsageSink. Record is always non-blocking: once the
// internal queue is full, new records are dropped and UsageDropped ticks up
// rather than applying backpressure to the request path.
type Meter struct {
	store     store.UsageStore
	metrics   *metrics.Metrics
	queue     chan models.UsageRecord
	batchSize int
	flushEvery time.Duration
	done      chan struct{}
	stopped   chan struct{}
}

func New(s store.UsageStore, m *metrics.Metrics) *Meter {
	mt := &Meter{
		store:      s,
		metrics:    m,
		queue:      make(chan models.UsageRecord, 4096),
		batchSize:  200,
		flushEvery: 2 * time.Second,
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go mt.run()
	return mt
}

// Record enqueues rec for an async flush. It never blocks: a full queue
// means the write is dropped and counted, not stalled.
func (m *Meter) Record(rec models.UsageRecord) {
	select {
	case m.queue <- rec:
	default:
		if m.metrics != nil {
			m.metrics.UsageDropped.Add(context.Background(), 1)
		}
		log.Warn().Str("model", rec.Model).Msg("usage queue full, dropping record")
	}
}

// Close stops the flush loop and drains any records still queued, giving
// the store a bounded grace period to absorb them.
func (m *Meter) Close() error {
	close(m.done)
	select {
	case <-m.stopped:
	case <-time.After(5 * time.Second):
	}
	return nil
}

func (m *Meter) run() {
	defer close(m.stopped)
	ticker := time.NewTicker(m.flushEvery)
	defer ticker.Stop()

	batch := make([]models.UsageRecord, 0, m.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for i := range batch {
			if err := m.store.RecordUsage(ctx, &batch[i]); err != nil {
				if m.metrics != nil {
					m.metrics.UsageDropped.Add(ctx, 1)
				}
				log.Error().Err(err).Msg("usage record write failed, dropping")
			}
		}
		cancel()
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-m.queue:
			batch = append(batch, rec)
			if len(batch) >= m.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-m.done:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case rec := <-m.queue:
					batch = append(batch, rec)
				default:
					flush()
					return
				}
			}
		}
	}
}

// Query returns a page of usage records per the filters named in §4.6.
func (m *Meter) Query(ctx context.Context, filter store.UsageFilter) ([]models.UsageRecord, error) {
	return m.store.QueryUsage(ctx, filter)
}

// Export returns up to 50,000 rows matching filter, enforced by the store
// implementation.
func (m *Meter) Export(ctx context.Context, filter store.UsageFilter) ([]models.UsageRecord, error) {
	return m.store.ExportUsage(ctx, filter)
}
