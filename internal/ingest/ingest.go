package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hyperflow/config"
	"hyperflow/internal/channel"
	"hyperflow/internal/metrics"
	"hyperflow/logger"
	"hyperflow/models"
)

// sampleStore is the slice of the store the writer needs.
type sampleStore interface {
	InsertSamples(ctx context.Context, samples []models.MarketSample) error
}

// writerReportInterval is how often the writer counters are mirrored to the
// metric stream. Kept well above the flush interval to stay off the hot path.
const writerReportInterval = time.Minute

// Stats counts writer outcomes since start.
type Stats struct {
	RowsWritten   int64
	Flushes       int64
	Failures      int64
	DroppedOldest int64
	Buffered      int64
}

// Ingest accumulates samples from the channel and commits them in batches.
// A flush happens when the buffer reaches the batch size or the flush
// interval elapses, whichever comes first; the interval is capped in config
// so at least one commit lands per second under load. Commit failures back
// off without blocking intake; if the retained buffer outgrows its cap the
// oldest rows are dropped and counted.
type Ingest struct {
	cfg      config.IngestConfig
	store    sampleStore
	channels *channel.Channels

	buffer     []models.MarketSample
	retryDelay time.Duration
	retryAt    time.Time

	rowsWritten   atomic.Int64
	flushes       atomic.Int64
	failures      atomic.Int64
	droppedOldest atomic.Int64
	buffered      atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      *sync.WaitGroup

	log *logger.Log
}

func New(cfg config.IngestConfig, st sampleStore, ch *channel.Channels) *Ingest {
	return &Ingest{
		cfg:      cfg,
		store:    st,
		channels: ch,
		buffer:   make([]models.MarketSample, 0, cfg.BatchSize),
		wg:       &sync.WaitGroup{},
		log:      logger.GetLogger(),
	}
}

// Start launches the writer loop.
func (i *Ingest) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.running {
		i.mu.Unlock()
		return fmt.Errorf("ingest writer already running")
	}
	i.running = true
	ctx, i.cancel = context.WithCancel(ctx)
	i.mu.Unlock()

	i.wg.Add(1)
	go i.run(ctx)

	i.log.WithComponent("ingest_writer").WithFields(logger.Fields{
		"batch_size":        i.cfg.BatchSize,
		"flush_interval_ms": i.cfg.FlushIntervalMs,
		"max_buffer":        i.cfg.MaxBuffer,
	}).Info("ingest writer started")
	return nil
}

// Stop drains whatever the scheduler already produced and commits the final
// batch before returning.
func (i *Ingest) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	cancel := i.cancel
	i.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	i.wg.Wait()
	i.log.WithComponent("ingest_writer").Info("ingest writer stopped")
}

func (i *Ingest) run(ctx context.Context) {
	defer i.wg.Done()

	ticker := time.NewTicker(i.cfg.FlushInterval())
	defer ticker.Stop()

	reportTicker := time.NewTicker(writerReportInterval)
	defer reportTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			i.shutdownFlush()
			return

		case sample, ok := <-i.channels.Samples:
			if !ok {
				i.shutdownFlush()
				return
			}
			i.append(sample)
			if len(i.buffer) >= i.cfg.BatchSize && i.canFlush() {
				i.flush(ctx)
			}

		case <-ticker.C:
			if len(i.buffer) > 0 && i.canFlush() {
				i.flush(ctx)
			}

		case <-reportTicker.C:
			metrics.ReportWriter(i.log, "ingest_writer", metrics.WriterStats(i.GetStats()))
		}
	}
}

// append adds one sample, evicting from the front when the retained buffer
// is full.
func (i *Ingest) append(sample models.MarketSample) {
	i.buffer = append(i.buffer, sample)
	if over := len(i.buffer) - i.cfg.MaxBuffer; over > 0 {
		i.buffer = i.buffer[:copy(i.buffer, i.buffer[over:])]
		i.droppedOldest.Add(int64(over))
		metrics.AddSamplesDropped(over)
		metrics.EmitDropMetric(i.log, metrics.DropMetricSampleBuffered, "", "", "ingest_buffer", over)
		i.log.WithComponent("ingest_writer").WithFields(logger.Fields{
			"dropped": over,
			"buffer":  len(i.buffer),
		}).Warn("buffer cap exceeded, oldest samples dropped")
	}
	i.buffered.Store(int64(len(i.buffer)))
}

// canFlush reports whether a previous commit failure still holds us back.
func (i *Ingest) canFlush() bool {
	return i.retryDelay == 0 || !time.Now().Before(i.retryAt)
}

func (i *Ingest) flush(ctx context.Context) {
	n := len(i.buffer)
	if n == 0 {
		return
	}

	if err := i.store.InsertSamples(ctx, i.buffer); err != nil {
		i.failures.Add(1)
		i.backoff()
		i.log.WithComponent("ingest_writer").WithError(err).WithFields(logger.Fields{
			"rows":     n,
			"retry_in": i.retryDelay.String(),
		}).Error("batch commit failed, buffer retained")
		return
	}

	i.buffer = i.buffer[:0]
	i.buffered.Store(0)
	i.retryDelay = 0
	i.rowsWritten.Add(int64(n))
	i.flushes.Add(1)
	metrics.AddSamplesWritten(n)

	i.log.WithComponent("ingest_writer").WithFields(logger.Fields{
		"rows": n,
	}).Debug("batch committed")
}

func (i *Ingest) backoff() {
	if i.retryDelay == 0 {
		i.retryDelay = i.cfg.Retry.BaseDelay()
	} else {
		i.retryDelay *= 2
		if max := i.cfg.Retry.MaxDelay(); i.retryDelay > max {
			i.retryDelay = max
		}
	}
	i.retryAt = time.Now().Add(i.retryDelay)
}

// shutdownFlush empties the channel and commits what is left using a
// detached context, since the caller's context is already cancelled. The
// final batch gets a short retry budget rather than the open-ended backoff.
func (i *Ingest) shutdownFlush() {
	for {
		select {
		case sample, ok := <-i.channels.Samples:
			if !ok {
				i.finalFlush()
				return
			}
			i.append(sample)
		default:
			i.finalFlush()
			return
		}
	}
}

func (i *Ingest) finalFlush() {
	if len(i.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	delay := i.cfg.Retry.BaseDelay()
	for attempt := 1; attempt <= 3; attempt++ {
		err := i.store.InsertSamples(ctx, i.buffer)
		if err == nil {
			i.rowsWritten.Add(int64(len(i.buffer)))
			i.flushes.Add(1)
			metrics.AddSamplesWritten(len(i.buffer))
			i.log.WithComponent("ingest_writer").WithFields(logger.Fields{
				"rows": len(i.buffer),
			}).Info("final batch committed")
			i.buffer = i.buffer[:0]
			i.buffered.Store(0)
			return
		}
		i.failures.Add(1)
		i.log.WithComponent("ingest_writer").WithError(err).WithFields(logger.Fields{
			"attempt": attempt,
		}).Error("final batch commit failed")
		time.Sleep(delay)
		delay *= 2
	}

	i.log.WithComponent("ingest_writer").WithFields(logger.Fields{
		"rows": len(i.buffer),
	}).Error("final batch abandoned")
}

// GetStats returns a snapshot of the writer counters.
func (i *Ingest) GetStats() Stats {
	return Stats{
		RowsWritten:   i.rowsWritten.Load(),
		Flushes:       i.flushes.Load(),
		Failures:      i.failures.Load(),
		DroppedOldest: i.droppedOldest.Load(),
		Buffered:      i.buffered.Load(),
	}
}
