package reaper

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"hyperflow/config"
	"hyperflow/logger"
)

type sampleDeleter interface {
	DeleteBefore(ctx context.Context, cutoffMs int64, chunk int) (int64, error)
}

type Stats struct {
	Passes      int64
	RowsDeleted int64
	Errors      int64
}

// Reaper trims samples that have aged out of the retention window. It runs
// alongside the writer and deletes in chunks so the shared sqlite connection
// is never held for long.
type Reaper struct {
	cfg   config.RetentionConfig
	store sampleDeleter

	passes      atomic.Int64
	rowsDeleted atomic.Int64
	errors      atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	log *logger.Entry
}

func New(cfg config.RetentionConfig, store sampleDeleter) *Reaper {
	return &Reaper{
		cfg:   cfg,
		store: store,
		log:   logger.GetLogger().WithComponent("reaper"),
	}
}

func (r *Reaper) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return fmt.Errorf("reaper already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.running = true

	r.wg.Add(1)
	go r.run(runCtx)

	r.log.WithFields(logger.Fields{
		"window_hours":     r.cfg.WindowHours,
		"cleanup_interval": r.cfg.CleanupInterval().String(),
		"delete_chunk":     r.cfg.DeleteChunk,
	}).Info("retention reaper started")
	return nil
}

func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()
	r.log.Info("retention reaper stopped")
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CleanupInterval())
	defer ticker.Stop()

	// Clear any backlog from a previous run before the first tick.
	r.pass(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

func (r *Reaper) pass(ctx context.Context) {
	cutoff := time.Now().Add(-r.cfg.Window()).UnixMilli()

	start := time.Now()
	deleted, err := r.store.DeleteBefore(ctx, cutoff, r.cfg.DeleteChunk)
	r.passes.Add(1)
	r.rowsDeleted.Add(deleted)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.errors.Add(1)
		r.log.WithError(err).WithFields(logger.Fields{
			"cutoff_ms": cutoff,
		}).Error("retention pass failed")
		return
	}

	if deleted > 0 {
		r.log.WithFields(logger.Fields{
			"rows_deleted": deleted,
			"cutoff_ms":    cutoff,
			"took":         time.Since(start).String(),
		}).Info("expired samples removed")
	}
}

func (r *Reaper) GetStats() Stats {
	return Stats{
		Passes:      r.passes.Load(),
		RowsDeleted: r.rowsDeleted.Load(),
		Errors:      r.errors.Load(),
	}
}
