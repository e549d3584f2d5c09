package queue

import (
	"context"
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/smartsanitation/fleet-core/internal/core/domain"
	"github.com/smartsanitation/fleet-core/internal/core/ports"
	"github.com/smartsanitation/fleet-core/internal/infrastructure/metrics"
)

const (
	defaultWorkers = 8
	channelBuffer  = 256
)

// Reading is one queued telemetry message.
type Reading struct {
	SerialNo string
	Reading  ports.TelemetryReading
	Source   string
}

// Dispatcher routes readings to a fixed set of workers using consistent hashing
// on the serial number, which keeps per-unit order while different units
// proceed in parallel.
type Dispatcher struct {
	workers []chan Reading
	service ports.TelemetryService
	log     zerolog.Logger
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher with numWorkers sharded workers.
// If numWorkers <= 0, defaultWorkers is used.
func NewDispatcher(numWorkers int, service ports.TelemetryService, log zerolog.Logger) *Dispatcher {
	if numWorkers <= 0 {
		numWorkers = defaultWorkers
	}
	d := &Dispatcher{
		workers: make([]chan Reading, numWorkers),
		service: service,
		log:     log,
	}
	for i := range d.workers {
		d.workers[i] = make(chan Reading, channelBuffer)
	}
	return d
}

// Start launches all worker goroutines. Workers stop when ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i, ch := range d.workers {
		d.wg.Add(1)
		go d.runWorker(ctx, i, ch)
	}
}

// Wait blocks until every worker has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Enqueue sends a reading to the worker responsible for its unit. It blocks
// once that worker's buffer is full, which backpressures the broker consumer.
func (d *Dispatcher) Enqueue(ctx context.Context, r Reading) error {
	idx := d.shardIndex(r.SerialNo)
	select {
	case d.workers[idx] <- r:
		metrics.TelemetryQueueDepth.WithLabelValues(strconv.Itoa(idx)).Set(float64(len(d.workers[idx])))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// shardIndex maps a serial number deterministically to a worker index.
func (d *Dispatcher) shardIndex(serialNo string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(serialNo))
	return int(h.Sum32() % uint32(len(d.workers)))
}

func (d *Dispatcher) runWorker(ctx context.Context, id int, ch <-chan Reading) {
	defer d.wg.Done()
	label := strconv.Itoa(id)
	for {
		select {
		case <-ctx.Done():
			return
		case r, ok := <-ch:
			if !ok {
				return
			}
			metrics.TelemetryQueueDepth.WithLabelValues(label).Set(float64(len(ch)))
			d.process(ctx, id, r)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, id int, r Reading) {
	start := time.Now()
	res, err := d.service.Ingest(ctx, r.SerialNo, r.Reading)
	result := ResultLabel(res, err)
	metrics.TelemetryProcessingDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	metrics.TelemetryReadingsTotal.WithLabelValues(r.Source, result).Inc()

	if err != nil && result == "error" {
		d.log.Error().Err(err).
			Str("serial_no", r.SerialNo).
			Int("worker_id", id).
			Msg("telemetry processing failed")
	} else if err != nil {
		d.log.Warn().Err(err).Str("serial_no", r.SerialNo).Msg("telemetry rejected")
	}
}

// ResultLabel classifies an ingest outcome for metrics.
func ResultLabel(res *ports.IngestResult, err error) string {
	switch {
	case errors.Is(err, domain.ErrUnknownUnit):
		return "unknown_unit"
	case errors.Is(err, domain.ErrInvalidReading):
		return "invalid"
	case err != nil:
		return "error"
	case res != nil && !res.Applied:
		return "stale"
	default:
		return "applied"
	}
}
