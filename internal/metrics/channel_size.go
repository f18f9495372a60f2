package metrics

import (
	"context"
	"time"

	"hyperflow/internal/channel"
	"hyperflow/logger"
)

// StartChannelSizeMetrics emits occupancy metrics for the sample channel
// buffer. Metrics are logged every interval until the context is cancelled.
// When interval <= 0, a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) {
		return
	}
	if channels == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				EmitMetric(log, component, "samples_buffer_length", len(channels.Samples), "gauge", logger.Fields{
					"buffer":   "samples",
					"capacity": cap(channels.Samples),
				})
			}
		}
	}()
}
